package message

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// FromRequest builds a message from an inbound HTTP request. relPath is the
// route with the environment segment already stripped; the query string is
// folded into the stored path so it participates in the identity. The
// returned Identity is computed exactly once here, over the raw body bytes,
// and stays valid for the lifetime of the message.
func FromRequest(r *http.Request, relPath string, mode CacheMode) (*Message, Identity, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, Identity{}, fmt.Errorf("message: read request body: %w", err)
	}

	path := strings.TrimPrefix(relPath, "/")
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	hashHeaders := mode.FilterHashHeaders(r.Header)
	payload, typ := Encode(body)

	m := &Message{
		Method:          r.Method,
		Path:            path,
		Headers:         hashHeaders,
		Payload:         payload,
		Type:            typ,
		Stats:           Stats{CreatedAt: Now()},
		OriginalHeaders: originalHeaders(r),
	}
	return m, ComputeIdentity(r.Method, path, hashHeaders, body), nil
}

// originalHeaders captures the full unfiltered ingress header set, including
// the Host Go keeps outside the header map. Retained for the outbound call
// and diagnostics; never part of identity.
func originalHeaders(r *http.Request) map[string]string {
	headers := make(map[string]string, len(r.Header)+1)
	for name, values := range r.Header {
		headers[name] = strings.Join(values, ", ")
	}
	if r.Host != "" {
		headers["Host"] = r.Host
	}
	return headers
}

// hopHeaders are stripped when replaying a stored response: the stored body
// is already decoded, and Go recomputes the length itself.
var hopHeaders = []string{"content-encoding", "transfer-encoding", "content-length"}

// WriteResponse replays a stored response to the original caller verbatim:
// status code, headers, and decoded body. A json payload with no explicit
// content type is served as application/json.
func WriteResponse(w http.ResponseWriter, resp *Response) error {
	body, err := Decode(resp.Payload, resp.Type)
	if err != nil {
		return fmt.Errorf("message: decode response payload: %w", err)
	}

	hasContentType := false
	for name, value := range resp.Headers {
		if isHopHeader(name) {
			continue
		}
		if strings.EqualFold(name, "content-type") {
			hasContentType = true
		}
		w.Header().Set(name, value)
	}
	if !hasContentType && resp.Type == TypeJSON {
		w.Header().Set("Content-Type", "application/json")
	}

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("message: write response body: %w", err)
	}
	return nil
}

func isHopHeader(name string) bool {
	for _, hop := range hopHeaders {
		if strings.EqualFold(name, hop) {
			return true
		}
	}
	return false
}

// BuildOutbound constructs the real HTTP request the server issues against
// the environment's backend. The pass-filtered original headers govern the
// call; the hash-filtered set only ever governed identity.
func BuildOutbound(ctx context.Context, backendURL string, m *Message) (*http.Request, error) {
	body, err := Decode(m.Payload, m.Type)
	if err != nil {
		return nil, fmt.Errorf("message: decode request payload: %w", err)
	}

	url := strings.TrimSuffix(backendURL, "/") + "/" + m.Path
	req, err := http.NewRequestWithContext(ctx, m.Method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("message: build outbound request: %w", err)
	}
	for name, value := range PassHeaders(m.OriginalHeaders) {
		req.Header.Set(name, value)
	}
	return req, nil
}

// CaptureResponse snapshots an outbound call's result into the embeddable
// Response form, running the body through the same typed encoding the
// request side uses.
func CaptureResponse(resp *http.Response) (*Response, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("message: read backend response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for name, values := range resp.Header {
		headers[name] = strings.Join(values, ", ")
	}

	payload, typ := Encode(body)
	return &Response{
		StatusCode: resp.StatusCode,
		StatusText: statusText(resp),
		Headers:    headers,
		Payload:    payload,
		Type:       typ,
	}, nil
}

// FailureResponse wraps an outbound call failure as a completed response so
// the relay still delivers an answer. Failure is a valid, cacheable outcome.
func FailureResponse(err error) *Response {
	payload, typ := Encode([]byte(err.Error()))
	return &Response{
		StatusCode: http.StatusBadGateway,
		StatusText: http.StatusText(http.StatusBadGateway),
		Headers:    map[string]string{"Content-Type": "text/plain"},
		Payload:    payload,
		Type:       typ,
	}
}

// statusText extracts the reason phrase from a response status line,
// falling back to the standard text for the code.
func statusText(resp *http.Response) string {
	if _, text, found := strings.Cut(resp.Status, " "); found && text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}
