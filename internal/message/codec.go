package message

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// emptyPayload is the stored form of an absent body.
var emptyPayload = json.RawMessage(`""`)

// Encode stores a body in its most structured available representation:
// valid JSON is kept as a structured value, other UTF-8 text as a string,
// and everything else base64-encoded. Detection is content-based, so a body
// whose declared content type lies is simply stored one rung down; Encode
// never rejects a body.
func Encode(body []byte) (json.RawMessage, PayloadType) {
	if len(body) == 0 {
		return emptyPayload, TypeString
	}
	if utf8.Valid(body) {
		if json.Valid(body) {
			return json.RawMessage(body), TypeJSON
		}
		quoted, err := json.Marshal(string(body))
		if err != nil {
			// Marshal of a valid UTF-8 string cannot fail; fall through
			// to base64 if it somehow does.
			return encodeBase64(body), TypeBase64
		}
		return quoted, TypeString
	}
	return encodeBase64(body), TypeBase64
}

func encodeBase64(body []byte) json.RawMessage {
	encoded := base64.StdEncoding.EncodeToString(body)
	quoted, _ := json.Marshal(encoded)
	return quoted
}

// Decode is the exact inverse of Encode: json payloads serialize back to
// their JSON text, string payloads are emitted verbatim, base64 payloads
// decode back to raw bytes. Unknown types are treated as string so that a
// stored message is always deliverable.
func Decode(payload json.RawMessage, typ PayloadType) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	switch typ {
	case TypeJSON:
		return []byte(payload), nil
	case TypeBase64:
		var encoded string
		if err := json.Unmarshal(payload, &encoded); err != nil {
			return nil, fmt.Errorf("message: decode base64 payload: %w", err)
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("message: decode base64 payload: %w", err)
		}
		return raw, nil
	default:
		var s string
		if err := json.Unmarshal(payload, &s); err != nil {
			// Legacy or hand-edited files may store the text unquoted.
			return []byte(payload), nil
		}
		return []byte(s), nil
	}
}
