package graph

import (
	"encoding/json"
	"fmt"
)

// JSON encoding for normalized records. Each value is kind-tagged so the
// union survives a round trip: {"k":"s","v":...} scalar, "r" ref, "sl"
// scalar list, "rl" ref list, "e" embedded record. Scalars decode with
// encoding/json defaults (numbers come back as float64).

type jsonValue struct {
	K string          `json:"k"`
	V json.RawMessage `json:"v"`
}

// MarshalJSON encodes the record with kind-tagged values.
func (r NormalizedRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r))
	for field, v := range r {
		ev, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("espalier: encode field %q: %w", field, err)
		}
		out[field] = ev
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a kind-tagged record.
func (r *NormalizedRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]jsonValue
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	rec := make(NormalizedRecord, len(raw))
	for field, jv := range raw {
		v, err := decodeValue(jv)
		if err != nil {
			return fmt.Errorf("espalier: decode field %q: %w", field, err)
		}
		rec[field] = v
	}
	*r = rec
	return nil
}

func encodeValue(v Value) (map[string]any, error) {
	switch tv := v.(type) {
	case ScalarValue:
		return map[string]any{"k": "s", "v": tv.Value}, nil
	case RefValue:
		return map[string]any{"k": "r", "v": tv.Key.Ref()}, nil
	case ScalarListValue:
		return map[string]any{"k": "sl", "v": tv.Values}, nil
	case RefListValue:
		refs := make([]string, len(tv.Keys))
		for i, k := range tv.Keys {
			refs[i] = k.Ref()
		}
		return map[string]any{"k": "rl", "v": refs}, nil
	case EmbeddedValue:
		nested := make(map[string]any, len(tv.Record))
		for field, nv := range tv.Record {
			env, err := encodeValue(nv)
			if err != nil {
				return nil, err
			}
			nested[field] = env
		}
		return map[string]any{"k": "e", "v": nested}, nil
	default:
		return nil, fmt.Errorf("unknown value kind %T", v)
	}
}

func decodeValue(jv jsonValue) (Value, error) {
	switch jv.K {
	case "s":
		var v any
		if err := json.Unmarshal(jv.V, &v); err != nil {
			return nil, err
		}
		return ScalarValue{Value: v}, nil
	case "r":
		var ref string
		if err := json.Unmarshal(jv.V, &ref); err != nil {
			return nil, err
		}
		key, err := ParseRef(ref)
		if err != nil {
			return nil, err
		}
		return RefValue{Key: key}, nil
	case "sl":
		var vals []any
		if err := json.Unmarshal(jv.V, &vals); err != nil {
			return nil, err
		}
		return ScalarListValue{Values: vals}, nil
	case "rl":
		var refs []string
		if err := json.Unmarshal(jv.V, &refs); err != nil {
			return nil, err
		}
		keys := make([]EntityKey, len(refs))
		for i, ref := range refs {
			key, err := ParseRef(ref)
			if err != nil {
				return nil, err
			}
			keys[i] = key
		}
		return RefListValue{Keys: keys}, nil
	case "e":
		var nested map[string]jsonValue
		if err := json.Unmarshal(jv.V, &nested); err != nil {
			return nil, err
		}
		rec := make(NormalizedRecord, len(nested))
		for field, njv := range nested {
			nv, err := decodeValue(njv)
			if err != nil {
				return nil, err
			}
			rec[field] = nv
		}
		return EmbeddedValue{Record: rec}, nil
	default:
		return nil, fmt.Errorf("unknown value kind tag %q", jv.K)
	}
}
