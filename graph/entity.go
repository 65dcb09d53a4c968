package graph

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// provisionalPrefix marks entity IDs that were assigned client-side and are
// expected to be rekeyed once the server returns a canonical identity.
const provisionalPrefix = "~"

// EntityKey uniquely identifies one logical entity instance.
type EntityKey struct {
	// Type is the entity type name (e.g., "user").
	Type string

	// ID is the entity identifier within the type.
	ID string
}

// Ref returns the type-qualified reference (e.g., "user#42").
func (k EntityKey) Ref() string {
	return k.Type + "#" + k.ID
}

// IsZero reports whether the key is the zero value.
func (k EntityKey) IsZero() bool {
	return k.Type == "" && k.ID == ""
}

// IsProvisional reports whether the key carries a client-assigned placeholder ID.
func (k EntityKey) IsProvisional() bool {
	return strings.HasPrefix(k.ID, provisionalPrefix)
}

// ParseRef parses a type-qualified reference back into an EntityKey.
// The ID portion may itself contain '#'.
func ParseRef(ref string) (EntityKey, error) {
	idx := strings.Index(ref, "#")
	if idx <= 0 || idx == len(ref)-1 {
		return EntityKey{}, fmt.Errorf("espalier: malformed entity ref %q", ref)
	}
	return EntityKey{Type: ref[:idx], ID: ref[idx+1:]}, nil
}

// ProvisionalKey returns a new placeholder key for an entity created locally
// before the server has assigned its canonical identity. The record is
// migrated to the canonical key with a ChangeSet rekey.
func ProvisionalKey(typeName string) EntityKey {
	return EntityKey{Type: typeName, ID: provisionalPrefix + uuid.NewString()}
}

// Value is a normalized field value. It is a closed union: ScalarValue,
// RefValue, ScalarListValue, RefListValue, and EmbeddedValue are the only
// implementations.
type Value interface {
	isValue()
}

// ScalarValue holds a primitive (string, number, bool) or nil.
type ScalarValue struct {
	Value any
}

// RefValue holds a reference to another entity.
type RefValue struct {
	Key EntityKey
}

// ScalarListValue holds an ordered list of primitives.
type ScalarListValue struct {
	Values []any
}

// RefListValue holds an ordered list of entity references.
type RefListValue struct {
	Keys []EntityKey
}

// EmbeddedValue holds a nested record that is not independently addressable.
type EmbeddedValue struct {
	Record NormalizedRecord
}

func (ScalarValue) isValue()     {}
func (RefValue) isValue()        {}
func (ScalarListValue) isValue() {}
func (RefListValue) isValue()    {}
func (EmbeddedValue) isValue()   {}

// NormalizedRecord is the flattened field map for one entity.
type NormalizedRecord map[string]Value

// Clone returns a deep copy of the record.
func (r NormalizedRecord) Clone() NormalizedRecord {
	if r == nil {
		return nil
	}
	out := make(NormalizedRecord, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v Value) Value {
	switch tv := v.(type) {
	case ScalarListValue:
		vals := make([]any, len(tv.Values))
		copy(vals, tv.Values)
		return ScalarListValue{Values: vals}
	case RefListValue:
		keys := make([]EntityKey, len(tv.Keys))
		copy(keys, tv.Keys)
		return RefListValue{Keys: keys}
	case EmbeddedValue:
		return EmbeddedValue{Record: tv.Record.Clone()}
	default:
		return v
	}
}

// Merge applies patch onto a copy of the record. With a nil mask every field
// in patch is written (PUT). With a mask, only masked fields are written
// (PATCH); masked fields absent from patch are removed.
func (r NormalizedRecord) Merge(patch NormalizedRecord, mask FieldMask) NormalizedRecord {
	if mask == nil {
		return patch.Clone()
	}
	out := r.Clone()
	if out == nil {
		out = make(NormalizedRecord, len(mask))
	}
	for field := range mask {
		if v, ok := patch[field]; ok {
			out[field] = cloneValue(v)
		} else {
			delete(out, field)
		}
	}
	return out
}

// ReferencedKeys returns every entity key reachable from the record's Ref and
// RefList fields, including those inside embedded records.
func (r NormalizedRecord) ReferencedKeys() []EntityKey {
	var keys []EntityKey
	for _, v := range r {
		keys = appendRefs(keys, v)
	}
	return keys
}

func appendRefs(keys []EntityKey, v Value) []EntityKey {
	switch tv := v.(type) {
	case RefValue:
		keys = append(keys, tv.Key)
	case RefListValue:
		keys = append(keys, tv.Keys...)
	case EmbeddedValue:
		for _, nested := range tv.Record {
			keys = appendRefs(keys, nested)
		}
	}
	return keys
}

// RewriteRefs returns a copy of the record with every reference to old
// replaced by a reference to new. The second result reports whether any
// rewrite happened.
func (r NormalizedRecord) RewriteRefs(old, new EntityKey) (NormalizedRecord, bool) {
	var out NormalizedRecord
	changed := false
	for field, v := range r {
		nv, ok := rewriteValue(v, old, new)
		if !ok {
			continue
		}
		if out == nil {
			out = r.Clone()
		}
		out[field] = nv
		changed = true
	}
	if !changed {
		return r, false
	}
	return out, true
}

func rewriteValue(v Value, old, new EntityKey) (Value, bool) {
	switch tv := v.(type) {
	case RefValue:
		if tv.Key == old {
			return RefValue{Key: new}, true
		}
	case RefListValue:
		changed := false
		for _, k := range tv.Keys {
			if k == old {
				changed = true
				break
			}
		}
		if changed {
			keys := make([]EntityKey, len(tv.Keys))
			for i, k := range tv.Keys {
				if k == old {
					k = new
				}
				keys[i] = k
			}
			return RefListValue{Keys: keys}, true
		}
	case EmbeddedValue:
		nested, changed := tv.Record.RewriteRefs(old, new)
		if changed {
			return EmbeddedValue{Record: nested}, true
		}
	}
	return v, false
}

// EntityMeta carries per-entity bookkeeping for conditional fetch and
// soft deletion.
type EntityMeta struct {
	// ETag is the server-supplied entity tag, empty if unknown.
	ETag string

	// UpdatedAt is when the record was last written.
	UpdatedAt time.Time

	// Tombstone marks the entity as deleted. Tombstoned records are
	// invisible to reads but keep their identity reserved.
	Tombstone bool

	// Tags are free-form labels used for grouped invalidation.
	Tags []string
}
