// Package shard provides shard key derivation for distributed index tables
// and stable identity hashing for query roots.
package shard

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Index returns the shard number for a reference string.
// With numShards<=1 everything lands on shard 0.
func Index(ref string, numShards int) int {
	if numShards <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(ref))
	return int(h.Sum32() % uint32(numShards))
}

// DependencyPK computes the sharded partition key for a dependency-index
// record. Records for one entity are distributed across shards by root ref,
// so fan-out reads for a hot entity spread over numShards partitions.
func DependencyPK(entityRef, rootRef string, numShards int) string {
	return fmt.Sprintf("%s#%02x", entityRef, Index(rootRef, numShards))
}

// ReferencePK computes the sharded partition key for a reverse-reference
// record (target entity -> referrer), distributed by the referrer ref.
func ReferencePK(targetRef, sourceRef string, numShards int) string {
	return fmt.Sprintf("%s#%02x", targetRef, Index(sourceRef, numShards))
}

// AllPKs returns every shard partition key for a reference, for full fan-out
// queries.
func AllPKs(ref string, numShards int) []string {
	if numShards <= 1 {
		return []string{ref + "#00"}
	}
	pks := make([]string, numShards)
	for i := 0; i < numShards; i++ {
		pks[i] = fmt.Sprintf("%s#%02x", ref, i)
	}
	return pks
}

// QueryID derives a stable identity for a query root from its type name and
// parameter map. Two maps with the same key/value pairs produce the same ID
// regardless of insertion order.
func QueryID(typeName string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := xxhash.New()
	h.WriteString(typeName)
	for _, k := range keys {
		h.WriteString("\x00")
		h.WriteString(k)
		h.WriteString("\x01")
		h.WriteString(params[k])
	}
	return fmt.Sprintf("%s@%016x", typeName, h.Sum64())
}
