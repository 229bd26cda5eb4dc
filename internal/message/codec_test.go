package message

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestEncode_JSONBody(t *testing.T) {
	body := []byte(`{"name": "x", "count": 3}`)

	payload, typ := Encode(body)
	if typ != TypeJSON {
		t.Fatalf("Encode() type = %q, want %q", typ, TypeJSON)
	}

	// Stored structurally, not as an escaped string.
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("payload is not structured JSON: %v", err)
	}
	if decoded["name"] != "x" {
		t.Errorf("payload name = %v, want x", decoded["name"])
	}
}

func TestEncode_TextBody(t *testing.T) {
	payload, typ := Encode([]byte("plain text, not json"))
	if typ != TypeString {
		t.Fatalf("Encode() type = %q, want %q", typ, TypeString)
	}
	var s string
	if err := json.Unmarshal(payload, &s); err != nil {
		t.Fatalf("string payload not a JSON string: %v", err)
	}
	if s != "plain text, not json" {
		t.Errorf("payload = %q", s)
	}
}

func TestEncode_MalformedJSONFallsBackToString(t *testing.T) {
	// Declared-JSON-but-broken bodies must degrade, never error.
	_, typ := Encode([]byte(`{"broken": `))
	if typ != TypeString {
		t.Errorf("Encode() type = %q, want %q", typ, TypeString)
	}
}

func TestEncode_BinaryBody(t *testing.T) {
	body := []byte{0xff, 0xfe, 0x00, 0x01}

	payload, typ := Encode(body)
	if typ != TypeBase64 {
		t.Fatalf("Encode() type = %q, want %q", typ, TypeBase64)
	}

	decoded, err := Decode(payload, typ)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !bytes.Equal(decoded, body) {
		t.Errorf("Decode() = %v, want %v", decoded, body)
	}
}

func TestEncode_EmptyBody(t *testing.T) {
	payload, typ := Encode(nil)
	if typ != TypeString {
		t.Fatalf("Encode() type = %q, want %q", typ, TypeString)
	}
	if string(payload) != `""` {
		t.Errorf("payload = %s, want \"\"", payload)
	}
}

func TestDecode_RoundTrips(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"json object", []byte(`{"a": [1, 2, 3]}`)},
		{"json scalar", []byte(`42`)},
		{"text", []byte("hello, relay")},
		{"text with quotes", []byte(`she said "hi"`)},
		{"binary", []byte{0x89, 0x50, 0x4e, 0x47, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, typ := Encode(tt.body)
			decoded, err := Decode(payload, typ)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if typ == TypeJSON {
				// JSON bodies compare as parsed structures, not bytes.
				var want, got any
				if err := json.Unmarshal(tt.body, &want); err != nil {
					t.Fatalf("unmarshal original: %v", err)
				}
				if err := json.Unmarshal(decoded, &got); err != nil {
					t.Fatalf("unmarshal decoded: %v", err)
				}
				if !jsonEqual(want, got) {
					t.Errorf("Decode() = %s, want %s", decoded, tt.body)
				}
				return
			}
			if !bytes.Equal(decoded, tt.body) {
				t.Errorf("Decode() = %q, want %q", decoded, tt.body)
			}
		})
	}
}

func TestDecode_UnknownTypeTreatedAsString(t *testing.T) {
	decoded, err := Decode(json.RawMessage(`"loose text"`), PayloadType("mystery"))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if string(decoded) != "loose text" {
		t.Errorf("Decode() = %q, want %q", decoded, "loose text")
	}
}

func TestDecode_EmptyPayload(t *testing.T) {
	decoded, err := Decode(nil, TypeString)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(decoded) != 0 {
		t.Errorf("Decode() = %q, want empty", decoded)
	}
}

// jsonEqual compares two unmarshaled JSON values structurally.
func jsonEqual(a, b any) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}
