package wire

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// CBORCodec renders Value as CBOR. Unlike JSON, CBOR's major types map
// onto the wire document model without a lossy numeric conversion, so
// it is the "binary variant" a client may opt into; the session mirrors
// whichever codec the client's first frame used for every response it
// sends back (see internal/session).
type CBORCodec struct{}

func (CBORCodec) Tag() byte    { return tagCBOR }
func (CBORCodec) Name() string { return "cbor" }

func (CBORCodec) EncodeBody(v Value) ([]byte, error) {
	return cbor.Marshal(toAny(v))
}

func (CBORCodec) DecodeBody(body []byte) (Value, error) {
	var raw any
	dm, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any{})}.DecMode()
	if err != nil {
		return Value{}, err
	}
	if err := dm.Unmarshal(body, &raw); err != nil {
		return Value{}, err
	}
	return fromCBORAny(raw)
}

func fromCBORAny(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case int64:
		return Int64(t), nil
	case uint64:
		return Int64(int64(t)), nil
	case string:
		return String(t), nil
	case []byte:
		return String(string(t)), nil
	case []any:
		items := make([]Value, len(t))
		for i, raw := range t {
			item, err := fromCBORAny(raw)
			if err != nil {
				return Value{}, err
			}
			items[i] = item
		}
		return Array(items), nil
	case map[string]any:
		obj := ObjNew()
		for k, raw := range t {
			item, err := fromCBORAny(raw)
			if err != nil {
				return Value{}, err
			}
			obj[k] = item
		}
		return Obj(obj), nil
	default:
		return Value{}, fmt.Errorf("unsupported CBOR value of type %T", raw)
	}
}
