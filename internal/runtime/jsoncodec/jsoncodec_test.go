package jsoncodec

import (
	"bytes"
	"testing"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestMarshalUnmarshal(t *testing.T) {
	t.Parallel()

	in := sample{Name: "orders", Count: 3}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out sample
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := Encode(&buf, sample{Name: "a"}); err != nil {
		t.Fatalf("encode: %v", err)
	}

	var out sample
	if err := Decode(&buf, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Name != "a" {
		t.Fatalf("unexpected name: %q", out.Name)
	}
}

func TestUnmarshalInvalid(t *testing.T) {
	t.Parallel()

	var out sample
	if err := Unmarshal([]byte("not json"), &out); err == nil {
		t.Fatal("expected error for invalid payload")
	}
}
