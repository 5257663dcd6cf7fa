package kvengine

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeDecodeValue_RoundTrip(t *testing.T) {
	cases := map[string]Value{
		"null":      Null(),
		"undefined": Undefined(),
		"bool_true": Bool(true),
		"bool_false": Bool(false),
		"number":    Number(3.5),
		"string":    String("hello world"),
		"bytes":     Bytes([]byte{0x00, 0x01, 0xff, 0x10}),
		"empty_bytes": Bytes([]byte{}),
		"array": Array(Number(1), String("two"), Bool(false), Null()),
		"object": Object(map[string]Value{
			"a": Number(1),
			"b": String("x"),
		}),
		"nested": Array(
			Object(map[string]Value{
				"bytes": Bytes([]byte{1, 2, 3}),
				"undef": Undefined(),
			}),
			Array(Number(1), Number(2)),
		),
	}

	for name, v := range cases {
		v := v
		t.Run(name, func(t *testing.T) {
			encoded, err := EncodeValue(v)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			decoded, err := DecodeValue(encoded)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if diff := cmp.Diff(v, decoded); diff != "" {
				t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeValue_Header(t *testing.T) {
	encoded, err := EncodeValue(String("ab"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if Kind(encoded[0]) != KindString {
		t.Fatalf("expected type tag %d, got %d", KindString, encoded[0])
	}
	if len(encoded) != recordHeaderSize+2 {
		t.Fatalf("expected length %d, got %d", recordHeaderSize+2, len(encoded))
	}
}

func TestDecodeValue_ShortBuffer(t *testing.T) {
	_, err := DecodeValue([]byte{1, 2, 3})
	if _, ok := err.(*CorruptionError); !ok {
		t.Fatalf("expected CorruptionError, got %v (%T)", err, err)
	}
}

func TestDecodeValue_LengthOverflow(t *testing.T) {
	buf := []byte{byte(KindString), 0xff, 0xff, 0xff, 0x7f}
	_, err := DecodeValue(buf)
	if _, ok := err.(*CorruptionError); !ok {
		t.Fatalf("expected CorruptionError, got %v (%T)", err, err)
	}
}

func TestDecodeValue_UnknownType(t *testing.T) {
	buf := []byte{0xaa, 0, 0, 0, 0}
	_, err := DecodeValue(buf)
	if _, ok := err.(*CorruptionError); !ok {
		t.Fatalf("expected CorruptionError, got %v (%T)", err, err)
	}
}

func TestBytesSentinelRoundTrip(t *testing.T) {
	v := Object(map[string]Value{"payload": Bytes([]byte("binary"))})
	mirror, err := toJSONMirror(v, 0)
	if err != nil {
		t.Fatalf("toJSONMirror: %v", err)
	}
	back, err := fromJSONMirror(mirror, 0)
	if err != nil {
		t.Fatalf("fromJSONMirror: %v", err)
	}
	if diff := cmp.Diff(v, back); diff != "" {
		t.Fatalf("sentinel round trip mismatch (-want +got):\n%s", diff)
	}
}
