// Package shard computes partition keys for the relationship and
// unique-constraint tables.
package shard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
)

// MaxShards bounds the fan-out of relationship reads.
const MaxShards = 256

// RelationshipPK returns the partition key holding the link between an owner
// and one of its owned records. With numShards <= 1 every link of an owner
// lands in "<ownerRef>#00".
func RelationshipPK(ownerRef, childRef string, numShards int) string {
	if numShards <= 1 {
		return ShardPK(ownerRef, 0)
	}
	h := fnv.New32a()
	h.Write([]byte(childRef))
	return ShardPK(ownerRef, int(h.Sum32()%uint32(numShards)))
}

// ShardPK formats the partition key of a single shard of an owner.
func ShardPK(ownerRef string, shardNum int) string {
	return fmt.Sprintf("%s#%02x", ownerRef, shardNum)
}

// UniqueConstraintPK hashes an (entity type, field, value) triple into the
// key of its constraint row. Callers pass the already normalized value, so two
// names that compare equal claim the same row.
func UniqueConstraintPK(entityType, field, value string) string {
	h := sha256.Sum256([]byte(entityType + "#" + field + "#" + value))
	return hex.EncodeToString(h[:16])
}
