package store

import "github.com/jacentio/pizzeria/internal/shard"

const (
	defaultRelationshipTable = "pizzeria_relationships"
	defaultUniqueTable       = "pizzeria_unique_constraints"
)

// Config names the bookkeeping tables of the DynamoDB Store. The record
// tables themselves are named by each Entity.
type Config struct {
	// RelationshipTable holds one row per owned record, keyed by
	// (owner shard, child_ref).
	RelationshipTable string

	// UniqueTable holds one row per claimed unique value, keyed by
	// (hash, "CONSTRAINT").
	UniqueTable string

	// NumShards spreads the links of a single owner over that many partition
	// keys. Reading an owner's links costs one query per shard. Values are
	// clamped to 1..256.
	NumShards int
}

// DefaultConfig returns the single-shard configuration used by a small
// catalog.
func DefaultConfig() Config {
	return Config{
		RelationshipTable: defaultRelationshipTable,
		UniqueTable:       defaultUniqueTable,
		NumShards:         1,
	}
}

// withDefaults fills blank table names and clamps the shard count.
func (c Config) withDefaults() Config {
	if c.RelationshipTable == "" {
		c.RelationshipTable = defaultRelationshipTable
	}
	if c.UniqueTable == "" {
		c.UniqueTable = defaultUniqueTable
	}
	c.NumShards = max(1, min(c.NumShards, shard.MaxShards))
	return c
}
