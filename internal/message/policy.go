package message

import (
	"fmt"
	"net/http"
	"strings"
)

// CacheMode selects which headers enter the identity digest and which cached
// outcomes are eligible for replay.
type CacheMode string

const (
	// ModePermissive caches and matches every method and status code, and
	// keeps authorization out of the identity so responses are shared
	// across distinct credentials. This is the default.
	ModePermissive CacheMode = "permissive"
	// ModePicky caches only GET/POST with a 2xx cached status and hashes
	// credential headers, isolating the cache per credential.
	ModePicky CacheMode = "picky"
)

// ParseCacheMode validates a configured mode string. An empty string selects
// the default.
func ParseCacheMode(s string) (CacheMode, error) {
	switch CacheMode(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return ModePermissive, nil
	case ModePermissive:
		return ModePermissive, nil
	case ModePicky:
		return ModePicky, nil
	default:
		return "", fmt.Errorf("message: unknown cache mode %q (want %q or %q)", s, ModePermissive, ModePicky)
	}
}

// baseHashHeaders always participate in the identity digest.
var baseHashHeaders = []string{"content-type"}

// pickyHashHeaders additionally participate in picky mode, splitting the
// cache per credential.
var pickyHashHeaders = []string{"authorization", "xproxy-api-key", "api-key"}

// passHeaders are forwarded to the backend on the outbound call, together
// with every x-*/xproxy-* header.
var passHeaders = []string{"content-type", "authorization"}

// hashesHeader reports whether a header participates in the identity digest
// under this mode.
func (m CacheMode) hashesHeader(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "x-") || strings.HasPrefix(lower, "xproxy-") {
		return true
	}
	for _, allowed := range baseHashHeaders {
		if lower == allowed {
			return true
		}
	}
	if m == ModePicky {
		for _, allowed := range pickyHashHeaders {
			if lower == allowed {
				return true
			}
		}
	}
	return false
}

// FilterHashHeaders reduces an ingress header set to the headers that govern
// identity under this mode. Multi-valued headers are joined the way HTTP
// combines them.
func (m CacheMode) FilterHashHeaders(h http.Header) map[string]string {
	filtered := make(map[string]string)
	for name, values := range h {
		if m.hashesHeader(name) {
			filtered[name] = strings.Join(values, ", ")
		}
	}
	return filtered
}

// AllowsReplay reports whether a cached completed response may be served for
// a request with the given method. Permissive mode replays every completed
// outcome, failures included; picky mode insists on GET/POST and a 2xx
// cached status.
func (m CacheMode) AllowsReplay(method string, resp *Response) bool {
	if resp == nil || resp.StatusCode == 0 {
		return false
	}
	if m == ModePermissive {
		return true
	}
	if method != http.MethodGet && method != http.MethodPost {
		return false
	}
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

// PassHeaders selects the headers the server forwards on the real outbound
// call: content-type, authorization, and the x-*/xproxy-* families. Host and
// Content-Length never pass; the HTTP client derives its own. The filtered
// set governs identity, this set governs the call.
func PassHeaders(original map[string]string) map[string]string {
	out := make(map[string]string)
	for name, value := range original {
		lower := strings.ToLower(name)
		if lower == "host" || lower == "content-length" {
			continue
		}
		if strings.HasPrefix(lower, "x-") || strings.HasPrefix(lower, "xproxy-") {
			out[name] = value
			continue
		}
		for _, allowed := range passHeaders {
			if lower == allowed {
				out[name] = value
				break
			}
		}
	}
	return out
}
