// Package plugin defines the capability the router consults before
// finalizing a routing decision (spec.md section 9's design note: "in
// a rewrite, treat plugins as an internal interface satisfying the
// capability decide(ctx) -> RoutingHint"). The source system's C-layout
// struct and subprocess ABI are deliberately not reproduced here; that
// is one loader's implementation detail, not part of this interface.
package plugin

import "context"

// Decision is a plugin's opinion on one dimension of a routing choice.
// Unknown means the plugin defers to the router's own decision.
type Decision int

const (
	Unknown Decision = iota
	Allow
	Deny
)

// ReadWrite is a plugin's opinion on whether a statement must target
// the primary.
type ReadWrite int

const (
	RWUnknown ReadWrite = iota
	Read
	Write
)

// Hint is one plugin's routing opinion. ShardSet false with AllShards
// false means "no opinion" on the shard; AllShards true forces fan-out
// regardless of Shard.
type Hint struct {
	Shard     int
	AllShards bool
	ShardSet  bool
	ReadWrite ReadWrite
}

// Query is the information a plugin can use to decide.
type Query struct {
	Fingerprint string
	SQL         string
	Tables      []string
}

// Plugin is the capability the router walks in configured order. The
// first plugin to return a non-Unknown opinion in either dimension
// wins that dimension, per spec.md section 4.4 step 5.
type Plugin interface {
	Name() string
	Decide(ctx context.Context, q Query) (Hint, error)
}

// Chain consults a list of plugins in order and merges their opinions.
type Chain struct {
	plugins []Plugin
}

// NewChain builds a Chain over plugins, consulted in slice order.
func NewChain(plugins ...Plugin) *Chain {
	return &Chain{plugins: plugins}
}

// Consult asks each plugin in turn, stopping as soon as both the shard
// and read/write dimensions have been decided by some earlier plugin.
func (c *Chain) Consult(ctx context.Context, q Query) (Hint, error) {
	var merged Hint
	for _, p := range c.plugins {
		if merged.ShardSet && merged.ReadWrite != RWUnknown {
			break
		}
		hint, err := p.Decide(ctx, q)
		if err != nil {
			return Hint{}, err
		}
		if !merged.ShardSet && (hint.ShardSet || hint.AllShards) {
			merged.Shard = hint.Shard
			merged.AllShards = hint.AllShards
			merged.ShardSet = hint.ShardSet || hint.AllShards
		}
		if merged.ReadWrite == RWUnknown && hint.ReadWrite != RWUnknown {
			merged.ReadWrite = hint.ReadWrite
		}
	}
	return merged, nil
}
