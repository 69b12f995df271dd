package wire

import (
	"encoding/json"
	"errors"
	"testing"
)

type resize struct {
	Memory int `json:"memory_mb"`
}

func (resize) Type() Type { return "Resize" }

func TestEncodeCarriesTag(t *testing.T) {
	data, err := Encode(Hello{})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(data) != `{"type":"Hello"}` {
		t.Fatalf("Encode(Hello) = %s", data)
	}
}

func TestDecodeKnownVariants(t *testing.T) {
	for _, in := range []string{`{"type":"Hello"}`, `{"type":"World","extra":1}`} {
		msg, err := Decode([]byte(in))
		if err != nil {
			t.Fatalf("Decode(%s): %v", in, err)
		}
		var raw map[string]any
		_ = json.Unmarshal([]byte(in), &raw)
		if string(msg.Type()) != raw["type"] {
			t.Fatalf("Decode(%s) type = %s", in, msg.Type())
		}
	}
}

func TestDecodeUnknownVariant(t *testing.T) {
	_, err := Decode([]byte(`{"type":"FromTheFuture","x":1}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("Decode unknown = %v, want ErrUnknownType", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	for _, in := range []string{``, `not json`, `[1,2]`, `{"type":5}`, `null`, `{}`} {
		if _, err := Decode([]byte(in)); err == nil {
			t.Fatalf("Decode(%q) succeeded, want error", in)
		}
	}
	if _, err := Decode([]byte(`{}`)); !errors.Is(err, ErrMissingType) {
		t.Fatalf("Decode({}) = %v, want ErrMissingType", err)
	}
}

func TestRegisteredVariantWithFields(t *testing.T) {
	Register("Resize", func() Message { return &resize{} })

	data, err := Encode(resize{Memory: 512})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode(%s): %v", data, err)
	}
	got, ok := msg.(*resize)
	if !ok || got.Memory != 512 {
		t.Fatalf("Decode(%s) = %#v", data, msg)
	}
}
