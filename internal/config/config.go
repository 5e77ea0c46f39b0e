// Package config loads the TOML configuration described in spec.md
// section 6: general timeouts and cache sizes, the database/shard
// list, sharding rules, omnisharded tables, manual query overrides,
// and the admin console's credentials.
//
// The teacher's config/config.go loads a flat INI file
// (gopkg.in/ini.v1) with one [protocol] section plus one
// [protocol.backend] section per backend, and supports environment
// variable overrides for the listen address. This package keeps that
// shape -- one Load(path) entry point, the same env-var override
// convention -- but switches to TOML (github.com/pelletier/go-toml/v2)
// since spec.md's schema is array-of-tables, which ini.v1 has no way
// to express.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/mevdschee/pgdog/internal/pool"
	"github.com/mevdschee/pgdog/internal/topology"
)

// General holds process-wide timeouts, cache sizes, and pool sizing,
// spec.md section 6's [general] table.
type General struct {
	Listen                 string `toml:"listen"`
	Socket                 string `toml:"socket"`
	QueryTimeout           int    `toml:"query_timeout_ms"`
	CheckoutTimeout        int    `toml:"checkout_timeout_ms"`
	ConnectTimeout         int    `toml:"connect_timeout_ms"`
	RollbackTimeout        int    `toml:"rollback_timeout_ms"`
	IdleTimeout            int    `toml:"idle_timeout_ms"`
	PoolSize               int    `toml:"pool_size"`
	MinPoolSize            int    `toml:"min_pool_size"`
	QueryCacheLimit        int    `toml:"query_cache_limit"`
	PreparedStatementLimit int    `toml:"prepared_statements_limit"`
	BanDuration            int    `toml:"ban_duration_ms"`
	HealthCheckInterval    int    `toml:"health_check_interval_ms"`
}

// Database is one entry of spec.md section 6's [[databases]] array:
// one dialable endpoint belonging to one shard of one cluster, either
// primary or replica.
type Database struct {
	Name        string `toml:"name"`
	Cluster     string `toml:"cluster"`
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	Role        string `toml:"role"` // "primary" or "replica"
	DatabaseName string `toml:"database_name"`
	Shard       int    `toml:"shard"`
	ReadOnly    bool   `toml:"read_only"`
	User        string `toml:"user"`
	Password    string `toml:"password"`
}

// ShardedTable names a table whose rows are distributed across shards
// by one or more ShardedMapping rules.
type ShardedTable struct {
	Cluster string `toml:"cluster"`
	Table   string `toml:"table"`
}

// ShardedMapping is one [[sharded_mappings]] entry: the rule that maps
// a column's value to a shard index.
type ShardedMapping struct {
	Cluster  string `toml:"cluster"`
	Table    string `toml:"table"`
	Column   string `toml:"column"`
	DataType string `toml:"data_type"` // "bigint", "varchar", "uuid"
	Kind     string `toml:"kind"`      // "hash", "range", "list"

	// List is used when Kind == "list": raw value -> shard index.
	List map[string]int `toml:"list"`
	// Ranges is used when Kind == "range".
	Ranges []RangeEntry `toml:"ranges"`
}

// RangeEntry is one half-open [Start, End) bound of a range mapping.
type RangeEntry struct {
	Start string `toml:"start"`
	End   string `toml:"end"`
	Shard int    `toml:"shard"`
}

// OmnishardedTable is one [[omnisharded_tables]] entry.
type OmnishardedTable struct {
	Cluster string `toml:"cluster"`
	Table   string `toml:"table"`
}

// ManualQuery pins a fingerprint to a shard, bypassing the router.
type ManualQuery struct {
	Cluster     string `toml:"cluster"`
	Fingerprint string `toml:"fingerprint"`
	Shard       int    `toml:"shard"`
}

// Admin holds the admin pseudo-database's credentials (spec.md section
// 6's [admin] table).
type Admin struct {
	Password string `toml:"password"`
}

// Config is the fully decoded TOML file.
type Config struct {
	General           General            `toml:"general"`
	Databases         []Database         `toml:"databases"`
	ShardedTables     []ShardedTable     `toml:"sharded_tables"`
	ShardedMappings   []ShardedMapping   `toml:"sharded_mappings"`
	OmnishardedTables []OmnishardedTable `toml:"omnisharded_tables"`
	ManualQueries     []ManualQuery      `toml:"manual_queries"`
	Admin             Admin              `toml:"admin"`
}

// Load reads and decodes the TOML file at path, applying the same
// listen-address environment override the teacher's loader supports.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if v := os.Getenv("PGDOG_LISTEN"); v != "" {
		cfg.General.Listen = v
	}
	if v := os.Getenv("PGDOG_ADMIN_PASSWORD"); v != "" {
		cfg.Admin.Password = v
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		General: General{
			Listen:                 ":6432",
			QueryTimeout:           30_000,
			CheckoutTimeout:        5_000,
			ConnectTimeout:         5_000,
			RollbackTimeout:        5_000,
			IdleTimeout:            60_000,
			PoolSize:               10,
			MinPoolSize:            1,
			QueryCacheLimit:        500,
			PreparedStatementLimit: 500,
			BanDuration:            30_000,
			HealthCheckInterval:    10_000,
		},
	}
}

// Topology builds the topology.Registry's cluster snapshots from the
// decoded config, the way cmd/pgdog assembles session.Deps at startup
// and on every SIGHUP reload.
func (c *Config) Topology() map[string]*topology.Cluster {
	clusters := make(map[string]*topology.Cluster)

	shardCounts := make(map[string]int)
	for _, db := range c.Databases {
		if db.Shard+1 > shardCounts[db.Cluster] {
			shardCounts[db.Cluster] = db.Shard + 1
		}
	}

	for name, n := range shardCounts {
		cl := &topology.Cluster{
			Name:          name,
			Shards:        make([]topology.Shard, n),
			ManualQueries: make(map[string]topology.ManualQuery),
		}
		for i := range cl.Shards {
			cl.Shards[i].Index = i
		}
		clusters[name] = cl
	}

	for _, db := range c.Databases {
		cl, ok := clusters[db.Cluster]
		if !ok {
			continue
		}
		ep := topology.Endpoint{Host: db.Host, Port: db.Port}
		switch db.Role {
		case "primary":
			e := ep
			cl.Shards[db.Shard].PrimaryEndpoint = &e
		default:
			cl.Shards[db.Shard].ReplicaEndpoints = append(cl.Shards[db.Shard].ReplicaEndpoints, ep)
		}
	}

	for _, m := range c.ShardedMappings {
		cl, ok := clusters[m.Cluster]
		if !ok {
			continue
		}
		rule := topology.ShardingRule{
			Table:    m.Table,
			Column:   m.Column,
			DataType: m.DataType,
		}
		switch m.Kind {
		case "range":
			rule.Kind = topology.KindRange
			for _, r := range m.Ranges {
				rule.Ranges = append(rule.Ranges, topology.RangeBound{Start: r.Start, End: r.End, Shard: r.Shard})
			}
		case "list":
			rule.Kind = topology.KindList
			rule.ListValues = m.List
		default:
			rule.Kind = topology.KindHash
		}
		cl.ShardingRules = append(cl.ShardingRules, rule)
	}

	for _, t := range c.OmnishardedTables {
		cl, ok := clusters[t.Cluster]
		if !ok {
			continue
		}
		cl.OmnishardedTables = append(cl.OmnishardedTables, topology.OmnishardedTable{Table: t.Table})
	}

	for _, q := range c.ManualQueries {
		cl, ok := clusters[q.Cluster]
		if !ok {
			continue
		}
		cl.ManualQueries[q.Fingerprint] = topology.ManualQuery{Fingerprint: q.Fingerprint, Shard: q.Shard}
	}

	return clusters
}

// Credentials resolves the dial credentials for cluster, by finding
// any one of its configured databases (they share one user/password
// per spec.md's schema).
func (c *Config) Credentials(cluster string) pool.Credentials {
	for _, db := range c.Databases {
		if db.Cluster == cluster {
			return pool.Credentials{User: db.User, Password: db.Password, Database: db.DatabaseName}
		}
	}
	return pool.Credentials{}
}

// ClusterOf maps a client-supplied database name to a cluster name.
// Configurations name clusters directly as the database parameter by
// convention, so this is the identity unless a database row maps a
// differently-named database onto a cluster.
func (c *Config) ClusterOf(database string) string {
	for _, db := range c.Databases {
		if db.DatabaseName == database {
			return db.Cluster
		}
	}
	return database
}
