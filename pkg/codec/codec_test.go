package codec

import (
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

func TestJSONCodec(t *testing.T) {
	c := JSON()
	in := map[string]any{"a": 1, "b": "x"}
	b, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["a"].(float64) != 1 || out["b"].(string) != "x" {
		t.Fatalf("roundtrip mismatch: %#v", out)
	}
}

func TestCBORCodecIsDeterministic(t *testing.T) {
	c, err := CBOR()
	if err != nil {
		t.Fatalf("new cbor: %v", err)
	}
	type msg struct {
		N uint64 `cbor:"n"`
		S string `cbor:"s"`
	}
	a, err := c.Marshal(map[string]any{"z": 1, "a": 2, "m": 3})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b, _ := c.Marshal(map[string]any{"m": 3, "a": 2, "z": 1})
	if string(a) != string(b) {
		t.Fatalf("canonical encoding differs: %x vs %x", a, b)
	}

	raw, err := c.Marshal(msg{N: 42, S: "x"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out msg
	if err := c.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.N != 42 || out.S != "x" {
		t.Fatalf("roundtrip mismatch: %+v", out)
	}
}

func TestProtoCodec(t *testing.T) {
	c := Proto()
	s, err := structpb.NewStruct(map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	b, err := c.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out structpb.Struct
	if err := c.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Fields["k"].GetStringValue() != "v" {
		t.Fatalf("roundtrip mismatch")
	}
	if _, err := c.Marshal(map[string]any{}); err == nil {
		t.Fatalf("expected error for non-proto value")
	}
}

func TestRegistryLookup(t *testing.T) {
	r, err := NewRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	for _, key := range []string{"json", "CBOR", " proto ", "application/json", "application/x-protobuf"} {
		if _, err := r.Get(key); err != nil {
			t.Fatalf("get %q: %v", key, err)
		}
	}
	if _, err := r.Get("xml"); err == nil {
		t.Fatalf("expected unknown codec error")
	}
	if got := r.Names(); len(got) != 3 || got[0] != "cbor" || got[1] != "json" || got[2] != "proto" {
		t.Fatalf("names = %v", got)
	}
}

func TestJSONRejectsUnknownFields(t *testing.T) {
	var out struct {
		Node string `json:"node"`
	}
	if err := JSON().Unmarshal([]byte(`{"node":"a","extra":1}`), &out); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestCBORRejectsDuplicateKeys(t *testing.T) {
	c, err := CBOR()
	if err != nil {
		t.Fatalf("new cbor: %v", err)
	}
	// {"a": 1, "a": 2}
	dup := []byte{0xa2, 0x61, 'a', 0x01, 0x61, 'a', 0x02}
	var out map[string]any
	if err := c.Unmarshal(dup, &out); err == nil {
		t.Fatalf("expected duplicate key error, got %v", out)
	}
}
