package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONCodec renders Value as one JSON document per frame body. JSON has
// no distinct integer type, so decoding reads numbers as json.Number and
// accepts only integer literals, converting them to int64 (any other
// number is a decode error), so integers round trip exactly rather than
// drifting through float64.
type JSONCodec struct{}

func (JSONCodec) Tag() byte    { return tagJSON }
func (JSONCodec) Name() string { return "json" }

func (JSONCodec) EncodeBody(v Value) ([]byte, error) {
	return json.Marshal(toAny(v))
}

func (JSONCodec) DecodeBody(body []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Value{}, err
	}
	return fromAny(raw)
}

func toAny(v Value) any {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.Bool
	case KindInt64:
		return v.Int
	case KindString:
		return v.Str
	case KindArray:
		out := make([]any, len(v.Arr))
		for i, item := range v.Arr {
			out[i] = toAny(item)
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.Obj))
		for k, item := range v.Obj {
			out[k] = toAny(item)
		}
		return out
	default:
		return nil
	}
}

func fromAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return Value{}, fmt.Errorf("non-integer number %q not supported on this wire", t.String())
		}
		return Int64(i), nil
	case string:
		return String(t), nil
	case []any:
		items := make([]Value, len(t))
		for i, raw := range t {
			item, err := fromAny(raw)
			if err != nil {
				return Value{}, err
			}
			items[i] = item
		}
		return Array(items), nil
	case map[string]any:
		obj := ObjNew()
		for k, raw := range t {
			item, err := fromAny(raw)
			if err != nil {
				return Value{}, err
			}
			obj[k] = item
		}
		return Obj(obj), nil
	default:
		return Value{}, fmt.Errorf("unsupported JSON value of type %T", raw)
	}
}
