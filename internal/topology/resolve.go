package topology

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Resolve returns the shard index a ShardingRule routes value to, and
// false if the value doesn't land in any configured bucket (range/list
// rules only -- hash rules always resolve since the modulus covers
// every input).
func Resolve(rule ShardingRule, value string, shardCount int) (int, bool) {
	switch rule.Kind {
	case KindHash:
		return hashShard(rule.DataType, value, shardCount), true
	case KindList:
		idx, ok := rule.ListValues[value]
		return idx, ok
	case KindRange:
		for _, b := range rule.Ranges {
			if value >= b.Start && value < b.End {
				return b.Shard, true
			}
		}
		return 0, false
	}
	return 0, false
}

// hashShard implements spec.md section 8's law: hash_T(v) mod N is
// deterministic and stable across reloads that preserve N. xxhash is
// used uniformly across data types (cespare/xxhash/v2, already present
// in the dependency graph); UUID values are hashed over their raw 16
// bytes rather than their string form so that canonicalization
// (case, hyphenation) of the same UUID never changes its shard.
func hashShard(dataType, value string, shardCount int) int {
	if shardCount <= 0 {
		return 0
	}
	var h uint64
	switch dataType {
	case "uuid":
		if id, err := uuid.Parse(value); err == nil {
			h = xxhash.Sum64(id[:])
			break
		}
		h = xxhash.Sum64String(value)
	case "bigint", "integer", "int":
		// Normalize leading zeros / sign formatting so "007" and "7"
		// hash identically, matching how the value would compare as
		// an integer in the sharding column.
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			var buf [8]byte
			for i := 0; i < 8; i++ {
				buf[i] = byte(n >> (8 * (7 - i)))
			}
			h = xxhash.Sum64(buf[:])
			break
		}
		h = xxhash.Sum64String(value)
	default:
		h = xxhash.Sum64String(value)
	}
	return int(h % uint64(shardCount))
}

// IntersectShards intersects two shard-index sets, used by the router
// when multiple sharding rules match distinct columns of the same
// statement (spec.md section 4.4 step 4).
func IntersectShards(a, b []int) []int {
	set := make(map[int]bool, len(a))
	for _, v := range a {
		set[v] = true
	}
	var out []int
	for _, v := range b {
		if set[v] {
			out = append(out, v)
		}
	}
	sort.Ints(out)
	return out
}
