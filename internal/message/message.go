// Package message defines the unit of exchange between the relay client and
// server: a typed, hashable HTTP request snapshot that travels through the
// shared folder tree as a JSON file and comes back with the backend's
// response embedded.
package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// PayloadType describes how a body is stored inside a message file.
type PayloadType string

const (
	// TypeJSON stores the body as a structured JSON value, not an escaped string.
	TypeJSON PayloadType = "json"
	// TypeString stores the body as plain UTF-8 text.
	TypeString PayloadType = "string"
	// TypeBase64 stores binary bodies base64-encoded.
	TypeBase64 PayloadType = "base64"
)

// timeLayout is ISO-8601 UTC with millisecond precision, the on-disk
// timestamp format shared with every other consumer of the folder tree.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Timestamp is a time.Time that persists with millisecond precision.
type Timestamp struct {
	time.Time
}

// Now returns the current time as a Timestamp in UTC.
func Now() Timestamp {
	return Timestamp{time.Now().UTC()}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(timeLayout))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("message: timestamp: %w", err)
	}
	if s == "" {
		*t = Timestamp{}
		return nil
	}
	// RFC3339Nano also accepts timestamps written by other tooling with
	// more (or no) fractional digits.
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("message: timestamp %q: %w", s, err)
	}
	*t = Timestamp{parsed}
	return nil
}

// Stats carries the timing trail of a message. created_at is stamped by the
// client at ingress; started_at and finished_at by the server; the elapsed
// fields are derived, never authored by the client.
type Stats struct {
	CreatedAt      Timestamp `json:"created_at"`
	StartedAt      Timestamp `json:"started_at,omitzero"`
	FinishedAt     Timestamp `json:"finished_at,omitzero"`
	ElapsedTotal   float64   `json:"elapsed_total,omitzero"`
	ElapsedRequest float64   `json:"elapsed_request,omitzero"`
}

// MarkStarted stamps the moment the server picked the message up.
func (s *Stats) MarkStarted() {
	s.StartedAt = Now()
}

// MarkFinished stamps completion and derives the elapsed durations in
// seconds. Durations are clamped at zero: created_at originates on another
// machine's clock, and skew must not produce a negative elapsed_total.
func (s *Stats) MarkFinished() {
	s.FinishedAt = Now()
	if !s.CreatedAt.IsZero() {
		s.ElapsedTotal = max(0, s.FinishedAt.Sub(s.CreatedAt.Time).Seconds())
	}
	if !s.StartedAt.IsZero() {
		s.ElapsedRequest = max(0, s.FinishedAt.Sub(s.StartedAt.Time).Seconds())
	}
}

// Response is the backend's answer, embedded into the message once the
// server has processed it. A failed outbound call is still a Response; the
// status code and body reflect the failure.
type Response struct {
	StatusCode int               `json:"status_code"`
	StatusText string            `json:"status_text"`
	Headers    map[string]string `json:"headers"`
	Payload    json.RawMessage   `json:"payload"`
	Type       PayloadType       `json:"type"`
}

// Message is the unit of exchange. Headers holds the filtered (hash) header
// set that participates in the identity digest; OriginalHeaders the full
// ingress set, kept for the outbound call and diagnostics only. Path carries
// the query string when one was present and never has a leading slash or
// environment segment.
type Message struct {
	Method          string            `json:"method"`
	Path            string            `json:"path"`
	Headers         map[string]string `json:"headers"`
	Payload         json.RawMessage   `json:"payload"`
	Type            PayloadType       `json:"type"`
	Stats           Stats             `json:"stats"`
	OriginalHeaders map[string]string `json:"original_headers"`
	Response        *Response         `json:"response,omitempty"`
}

// Marshal renders the message as indented JSON, the format every file in the
// folder tree uses.
func (m *Message) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("message: marshal: %w", err)
	}
	return data, nil
}

// Unmarshal parses a stored message file. Files without a method are
// rejected so that watchers can treat them as corrupt and skip them.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("message: unmarshal: %w", err)
	}
	if m.Method == "" {
		return nil, fmt.Errorf("message: unmarshal: missing method")
	}
	return &m, nil
}

// Completed reports whether a response has been attached.
func (m *Message) Completed() bool {
	return m.Response != nil
}
