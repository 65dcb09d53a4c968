package dynamo

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/espalier/graph"
)

// Attribute layout of an entity item:
//
//	ref        S    type-qualified entity ref (partition key)
//	type       S    entity type name
//	id         S    entity id
//	record     M    field name -> kind-tagged value
//	version    N    write counter for optimistic conditions
//	etag       S    server entity tag (absent if unknown)
//	updated_at S    RFC3339 write time
//	tombstone  BOOL soft-delete marker
//	tags       L    invalidation labels (absent if none)
//
// Each record value is M{"k": kind, "v": payload} with kinds "s" scalar,
// "r" ref, "sl" scalar list, "rl" ref list, "e" embedded record, so the
// union survives a round trip through DynamoDB's type system.

func encodeRecord(rec graph.NormalizedRecord) (*types.AttributeValueMemberM, error) {
	out := make(map[string]types.AttributeValue, len(rec))
	for field, v := range rec {
		ev, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", field, err)
		}
		out[field] = ev
	}
	return &types.AttributeValueMemberM{Value: out}, nil
}

func encodeValue(v graph.Value) (types.AttributeValue, error) {
	switch tv := v.(type) {
	case graph.ScalarValue:
		payload, err := attributevalue.Marshal(tv.Value)
		if err != nil {
			return nil, err
		}
		return tagged("s", payload), nil
	case graph.RefValue:
		return tagged("r", &types.AttributeValueMemberS{Value: tv.Key.Ref()}), nil
	case graph.ScalarListValue:
		items := make([]types.AttributeValue, len(tv.Values))
		for i, sv := range tv.Values {
			payload, err := attributevalue.Marshal(sv)
			if err != nil {
				return nil, err
			}
			items[i] = payload
		}
		return tagged("sl", &types.AttributeValueMemberL{Value: items}), nil
	case graph.RefListValue:
		items := make([]types.AttributeValue, len(tv.Keys))
		for i, key := range tv.Keys {
			items[i] = &types.AttributeValueMemberS{Value: key.Ref()}
		}
		return tagged("rl", &types.AttributeValueMemberL{Value: items}), nil
	case graph.EmbeddedValue:
		nested, err := encodeRecord(tv.Record)
		if err != nil {
			return nil, err
		}
		return tagged("e", nested), nil
	default:
		return nil, fmt.Errorf("unknown value kind %T", v)
	}
}

func tagged(kind string, payload types.AttributeValue) types.AttributeValue {
	return &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
		"k": &types.AttributeValueMemberS{Value: kind},
		"v": payload,
	}}
}

func decodeRecord(attr types.AttributeValue) (graph.NormalizedRecord, error) {
	m, ok := attr.(*types.AttributeValueMemberM)
	if !ok {
		return nil, fmt.Errorf("record attribute is %T, want M", attr)
	}
	rec := make(graph.NormalizedRecord, len(m.Value))
	for field, raw := range m.Value {
		v, err := decodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("decode field %q: %w", field, err)
		}
		rec[field] = v
	}
	return rec, nil
}

func decodeValue(attr types.AttributeValue) (graph.Value, error) {
	m, ok := attr.(*types.AttributeValueMemberM)
	if !ok {
		return nil, fmt.Errorf("value attribute is %T, want M", attr)
	}
	kindAttr, ok := m.Value["k"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("value missing kind tag")
	}
	payload := m.Value["v"]

	switch kindAttr.Value {
	case "s":
		var v any
		if err := attributevalue.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		return graph.ScalarValue{Value: v}, nil
	case "r":
		s, ok := payload.(*types.AttributeValueMemberS)
		if !ok {
			return nil, fmt.Errorf("ref payload is %T, want S", payload)
		}
		key, err := graph.ParseRef(s.Value)
		if err != nil {
			return nil, err
		}
		return graph.RefValue{Key: key}, nil
	case "sl":
		l, ok := payload.(*types.AttributeValueMemberL)
		if !ok {
			return nil, fmt.Errorf("scalar list payload is %T, want L", payload)
		}
		vals := make([]any, len(l.Value))
		for i, item := range l.Value {
			var v any
			if err := attributevalue.Unmarshal(item, &v); err != nil {
				return nil, err
			}
			vals[i] = v
		}
		return graph.ScalarListValue{Values: vals}, nil
	case "rl":
		l, ok := payload.(*types.AttributeValueMemberL)
		if !ok {
			return nil, fmt.Errorf("ref list payload is %T, want L", payload)
		}
		keys := make([]graph.EntityKey, len(l.Value))
		for i, item := range l.Value {
			s, ok := item.(*types.AttributeValueMemberS)
			if !ok {
				return nil, fmt.Errorf("ref list element is %T, want S", item)
			}
			key, err := graph.ParseRef(s.Value)
			if err != nil {
				return nil, err
			}
			keys[i] = key
		}
		return graph.RefListValue{Keys: keys}, nil
	case "e":
		rec, err := decodeRecord(payload)
		if err != nil {
			return nil, err
		}
		return graph.EmbeddedValue{Record: rec}, nil
	default:
		return nil, fmt.Errorf("unknown value kind tag %q", kindAttr.Value)
	}
}

// entityItem builds the full item for an entity write.
func entityItem(key graph.EntityKey, rec graph.NormalizedRecord, meta graph.EntityMeta, version int64) (map[string]types.AttributeValue, error) {
	recordAttr, err := encodeRecord(rec)
	if err != nil {
		return nil, err
	}
	item := map[string]types.AttributeValue{
		"ref":        &types.AttributeValueMemberS{Value: key.Ref()},
		"type":       &types.AttributeValueMemberS{Value: key.Type},
		"id":         &types.AttributeValueMemberS{Value: key.ID},
		"record":     recordAttr,
		"version":    &types.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
		"updated_at": &types.AttributeValueMemberS{Value: meta.UpdatedAt.UTC().Format(time.RFC3339Nano)},
		"tombstone":  &types.AttributeValueMemberBOOL{Value: meta.Tombstone},
	}
	if meta.ETag != "" {
		item["etag"] = &types.AttributeValueMemberS{Value: meta.ETag}
	}
	if len(meta.Tags) > 0 {
		tags, err := attributevalue.MarshalList(meta.Tags)
		if err != nil {
			return nil, err
		}
		item["tags"] = &types.AttributeValueMemberL{Value: tags}
	}
	return item, nil
}

// decodeItem unmarshals an entity item into its record, metadata, and write
// version.
func decodeItem(item map[string]types.AttributeValue) (graph.NormalizedRecord, graph.EntityMeta, int64, error) {
	rec, err := decodeRecord(item["record"])
	if err != nil {
		return nil, graph.EntityMeta{}, 0, err
	}

	var meta graph.EntityMeta
	if v, ok := item["etag"].(*types.AttributeValueMemberS); ok {
		meta.ETag = v.Value
	}
	if v, ok := item["updated_at"].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339Nano, v.Value); err == nil {
			meta.UpdatedAt = t
		}
	}
	if v, ok := item["tombstone"].(*types.AttributeValueMemberBOOL); ok {
		meta.Tombstone = v.Value
	}
	if v, ok := item["tags"].(*types.AttributeValueMemberL); ok {
		if err := attributevalue.UnmarshalList(v.Value, &meta.Tags); err != nil {
			return nil, graph.EntityMeta{}, 0, err
		}
	}

	var version int64
	if v, ok := item["version"].(*types.AttributeValueMemberN); ok {
		version, _ = strconv.ParseInt(v.Value, 10, 64)
	}
	return rec, meta, version, nil
}
