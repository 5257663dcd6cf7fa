package kvengine

import (
	"encoding/base64"
	"encoding/binary"
	"math"

	json "github.com/goccy/go-json"
)

// Kind tags the variant held by a Value.
type Kind byte

// Type tags written as the first byte of every encoded record. These
// values are the on-disk format and must never be renumbered.
const (
	KindNull Kind = iota
	KindUndefined
	KindBool
	KindNumber
	KindString
	KindBytes
	KindArray
	KindObject
)

// maxNestingDepth bounds recursive encode and decode of array/object
// payloads. Array and Object hold a slice and a map, which can be made
// to contain themselves; the bound turns such a cycle, or adversarially
// deep nesting in a malformed or hostile record, into an error.
const maxNestingDepth = 64

// Value is the tagged variant every stored payload is encoded from and
// decoded into. The zero Value is Null.
type Value struct {
	Kind   Kind
	Bool   bool
	Num    float64
	Str    string
	Bytes  []byte
	Array  []Value
	Object map[string]Value
}

func Null() Value          { return Value{Kind: KindNull} }
func Undefined() Value      { return Value{Kind: KindUndefined} }
func Bool(b bool) Value     { return Value{Kind: KindBool, Bool: b} }
func Number(n float64) Value { return Value{Kind: KindNumber, Num: n} }
func String(s string) Value { return Value{Kind: KindString, Str: s} }
func Bytes(b []byte) Value  { return Value{Kind: KindBytes, Bytes: b} }
func Array(items ...Value) Value {
	return Value{Kind: KindArray, Array: items}
}
func Object(fields map[string]Value) Value {
	return Value{Kind: KindObject, Object: fields}
}

// recordHeaderSize is the fixed [type:u8][len:u32LE] prefix of every
// Data Log record.
const recordHeaderSize = 5

// EncodeValue serializes v as [1-byte type][4-byte LE length][payload],
// per §4.1. It returns a SerializationError for a Value with an
// out-of-range Kind (the only way to produce an "unsupported type"
// since the enumerated Kinds are closed).
func EncodeValue(v Value) ([]byte, error) {
	var payload []byte
	var err error

	switch v.Kind {
	case KindNull, KindUndefined:
		payload = nil
	case KindBool:
		if v.Bool {
			payload = []byte{1}
		} else {
			payload = []byte{0}
		}
	case KindNumber:
		payload = make([]byte, 8)
		binary.LittleEndian.PutUint64(payload, math.Float64bits(v.Num))
	case KindString:
		payload = []byte(v.Str)
	case KindBytes:
		payload = v.Bytes
	case KindArray, KindObject:
		mirror, mErr := toJSONMirror(v, 0)
		if mErr != nil {
			return nil, newSerializationError("", mErr)
		}
		payload, err = json.Marshal(mirror)
		if err != nil {
			return nil, newSerializationError("", err)
		}
	default:
		return nil, newSerializationError("", newConfigError("unsupported value kind %d", v.Kind))
	}

	buf := make([]byte, recordHeaderSize+len(payload))
	buf[0] = byte(v.Kind)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf, nil
}

// DecodeValue inverts EncodeValue. It fails with a CorruptionError if
// the buffer is shorter than the header, the type tag is unrecognized,
// or the declared payload length exceeds what's available.
func DecodeValue(data []byte) (Value, error) {
	if len(data) < recordHeaderSize {
		return Value{}, newCorruptionError("record shorter than header (%d bytes)", len(data))
	}
	kind := Kind(data[0])
	length := binary.LittleEndian.Uint32(data[1:5])
	if recordHeaderSize+int64(length) > int64(len(data)) {
		return Value{}, newCorruptionError("declared payload length %d exceeds buffer", length)
	}
	payload := data[recordHeaderSize : recordHeaderSize+int(length)]

	switch kind {
	case KindNull:
		return Null(), nil
	case KindUndefined:
		return Undefined(), nil
	case KindBool:
		if len(payload) != 1 {
			return Value{}, newCorruptionError("bool payload must be 1 byte, got %d", len(payload))
		}
		return Bool(payload[0] != 0), nil
	case KindNumber:
		if len(payload) != 8 {
			return Value{}, newCorruptionError("number payload must be 8 bytes, got %d", len(payload))
		}
		return Number(math.Float64frombits(binary.LittleEndian.Uint64(payload))), nil
	case KindString:
		return String(string(payload)), nil
	case KindBytes:
		out := make([]byte, len(payload))
		copy(out, payload)
		return Bytes(out), nil
	case KindArray, KindObject:
		var mirror interface{}
		if err := json.Unmarshal(payload, &mirror); err != nil {
			return Value{}, newCorruptionError("malformed %v payload: %v", kind, err)
		}
		return fromJSONMirror(mirror, 0)
	default:
		return Value{}, newCorruptionError("unknown type tag %d", kind)
	}
}

// bytesSentinelKey and undefinedSentinelKey mark the canonical
// binary-in-text encodings chosen for values nested inside an
// array/object's textual representation, resolving the Open Question
// in §9: byte buffers are base64 inside {"$bytes": "..."} objects, and
// undefined is {"$undefined": true}. Both are reserved shapes — a
// genuine object field named "$bytes" or "$undefined" would collide,
// which this format accepts as a known limitation of the textual
// encoding (the primary record format, used for top-level values, has
// no such ambiguity).
const bytesSentinelKey = "$bytes"
const undefinedSentinelKey = "$undefined"

func toJSONMirror(v Value, depth int) (interface{}, error) {
	if depth > maxNestingDepth {
		return nil, newConfigError("value nesting exceeds depth limit %d", maxNestingDepth)
	}
	switch v.Kind {
	case KindNull:
		return nil, nil
	case KindUndefined:
		return map[string]interface{}{undefinedSentinelKey: true}, nil
	case KindBool:
		return v.Bool, nil
	case KindNumber:
		return v.Num, nil
	case KindString:
		return v.Str, nil
	case KindBytes:
		return map[string]interface{}{bytesSentinelKey: base64.StdEncoding.EncodeToString(v.Bytes)}, nil
	case KindArray:
		out := make([]interface{}, len(v.Array))
		for i, item := range v.Array {
			m, err := toJSONMirror(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = m
		}
		return out, nil
	case KindObject:
		out := make(map[string]interface{}, len(v.Object))
		for k, item := range v.Object {
			m, err := toJSONMirror(item, depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = m
		}
		return out, nil
	default:
		return nil, newConfigError("unsupported nested value kind %d", v.Kind)
	}
}

func fromJSONMirror(m interface{}, depth int) (Value, error) {
	if depth > maxNestingDepth {
		return Value{}, newCorruptionError("nested value exceeds depth limit %d", maxNestingDepth)
	}
	switch t := m.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case string:
		return String(t), nil
	case []interface{}:
		items := make([]Value, len(t))
		for i, raw := range t {
			v, err := fromJSONMirror(raw, depth+1)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Array(items...), nil
	case map[string]interface{}:
		if raw, ok := t[bytesSentinelKey]; ok && len(t) == 1 {
			s, ok := raw.(string)
			if !ok {
				return Value{}, newCorruptionError("%s sentinel must be a string", bytesSentinelKey)
			}
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return Value{}, newCorruptionError("invalid base64 in %s sentinel: %v", bytesSentinelKey, err)
			}
			return Bytes(b), nil
		}
		if _, ok := t[undefinedSentinelKey]; ok && len(t) == 1 {
			return Undefined(), nil
		}
		fields := make(map[string]Value, len(t))
		for k, raw := range t {
			v, err := fromJSONMirror(raw, depth+1)
			if err != nil {
				return Value{}, err
			}
			fields[k] = v
		}
		return Object(fields), nil
	default:
		return Value{}, newCorruptionError("unrecognized textual value %T", m)
	}
}
