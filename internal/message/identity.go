package message

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
)

// maxFlattenedLen caps the human-readable filename prefix. The digest, not
// the prefix, is the real identity, so truncation cannot cause collisions.
const maxFlattenedLen = 100

// Identity is the content-derived identity of a message: the digest
// determines uniqueness and cache-key equality, the flattened path keeps the
// store browsable by humans.
type Identity struct {
	Flattened string
	Hash      string
}

// Filename returns the on-disk name a message with this identity uses in
// every lifecycle folder.
func (id Identity) Filename() string {
	return fmt.Sprintf("%s_%s.json", id.Flattened, id.Hash)
}

// ComputeIdentity derives the identity of a request from its routable
// content. The digest covers method, path (query included), the filtered
// header set in canonical order, and the raw payload bytes, each field
// length-prefixed so that a payload shaped like a header line can never
// produce the digest of a request that really carries that header. It is
// computed once at ingress; downstream consumers read it from the filename
// and never recompute it.
func ComputeIdentity(method, path string, headers map[string]string, payload []byte) Identity {
	h := sha256.New()
	hashField(h, []byte(method))
	hashField(h, []byte(path))
	for _, line := range canonicalHeaderLines(headers) {
		hashField(h, []byte(line))
	}
	hashField(h, payload)

	return Identity{
		Flattened: FlattenPath(path),
		Hash:      hex.EncodeToString(h.Sum(nil)),
	}
}

// hashField writes a field's length before its bytes, keeping the digest
// input uniquely decodable into fields.
func hashField(h io.Writer, field []byte) {
	var length [8]byte
	binary.BigEndian.PutUint64(length[:], uint64(len(field)))
	h.Write(length[:])
	h.Write(field)
}

// canonicalHeaderLines renders headers as sorted "name:value" lines with
// lowercased names, so that key ordering and name casing never produce
// divergent digests for semantically identical requests.
func canonicalHeaderLines(headers map[string]string) []string {
	lines := make([]string, 0, len(headers))
	for name, value := range headers {
		lines = append(lines, strings.ToLower(name)+":"+value)
	}
	sort.Strings(lines)
	return lines
}

var (
	nonFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9-]`)
	underscoreRuns   = regexp.MustCompile(`_+`)
)

// FlattenPath converts a request path into a filename-safe prefix: every
// character outside [A-Za-z0-9-] becomes an underscore, runs of underscores
// collapse, leading and trailing underscores and dashes are trimmed, and the
// result is capped at 100 characters. An empty result becomes "root".
func FlattenPath(path string) string {
	flattened := nonFilenameChars.ReplaceAllString(path, "_")
	flattened = underscoreRuns.ReplaceAllString(flattened, "_")
	flattened = strings.Trim(flattened, "_-")
	if len(flattened) > maxFlattenedLen {
		flattened = flattened[:maxFlattenedLen]
	}
	if flattened == "" {
		return "root"
	}
	return flattened
}
