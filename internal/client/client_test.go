package client

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nmpdev/nmp/internal/config"
	"github.com/nmpdev/nmp/internal/message"
	"github.com/nmpdev/nmp/internal/store"
)

func newTestClient(t *testing.T, st store.Store, mode message.CacheMode) (*Client, *httptest.Server) {
	t.Helper()

	cfg := &config.Config{
		Host:           "127.0.0.1",
		Port:           19790,
		Environments:   []config.Environment{{Name: "dev", BackendURL: "http://dev.internal:8080"}},
		CacheMode:      mode,
		PollInterval:   5 * time.Millisecond,
		WaitTimeout:    400 * time.Millisecond,
		RescanInterval: time.Second,
		RequestTimeout: time.Second,
	}
	c, err := New(cfg, st, nil, nil, slog.Default())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ts := httptest.NewServer(c.routes())
	t.Cleanup(ts.Close)
	return c, ts
}

// completedMessage builds a sent-store entry answering the given request
// shape with the given response.
func completedMessage(t *testing.T, method, path string, resp *message.Response) []byte {
	t.Helper()

	m := &message.Message{
		Method:          method,
		Path:            path,
		Headers:         map[string]string{},
		Payload:         json.RawMessage(`""`),
		Type:            message.TypeString,
		Stats:           message.Stats{CreatedAt: message.Now()},
		OriginalHeaders: map[string]string{"Host": "relay.local"},
		Response:        resp,
	}
	m.Stats.MarkStarted()
	m.Stats.MarkFinished()

	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return data
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body["error"]
}

func TestHandleRelay_UnknownEnvironment(t *testing.T) {
	_, ts := newTestClient(t, store.NewMemory(), message.ModePermissive)

	resp, err := http.Get(ts.URL + "/prod/api/users")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if msg := decodeError(t, resp); !strings.Contains(msg, "prod") {
		t.Errorf("error %q does not name the unknown environment", msg)
	}
}

func TestHandleRelay_MissingEnvironment(t *testing.T) {
	_, ts := newTestClient(t, store.NewMemory(), message.ModePermissive)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHandleRelay_CacheHit(t *testing.T) {
	st := store.NewMemory()
	_, ts := newTestClient(t, st, message.ModePermissive)

	id := message.ComputeIdentity("GET", "api/users", map[string]string{}, nil)
	data := completedMessage(t, "GET", "api/users", &message.Response{
		StatusCode: 200,
		StatusText: "OK",
		Headers: map[string]string{
			"Content-Type":     "application/json",
			"Content-Encoding": "gzip",
		},
		Payload: json.RawMessage(`{"ok":true}`),
		Type:    message.TypeJSON,
	})
	if err := st.WriteDurable("dev", store.StateSent, id.Filename(), data); err != nil {
		t.Fatalf("WriteDurable() error = %v", err)
	}

	resp, err := http.Get(ts.URL + "/dev/api/users")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %s, want {\"ok\":true}", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	// Stored bodies are already decoded; the stale encoding header must not
	// reach the caller.
	if resp.Header.Get("Content-Encoding") != "" {
		t.Error("Content-Encoding leaked into the replayed response")
	}

	// The cache path must not touch the pipeline.
	names, _ := st.List("dev", store.StateInbox)
	if len(names) != 0 {
		t.Errorf("inbox = %v, want empty after a cache hit", names)
	}
}

// In permissive mode the identity excludes authorization, so a cached
// response is shared across credentials. In picky mode it is hashed, so the
// same cached file is invisible to the same request.
func TestHandleRelay_CacheSharingByMode(t *testing.T) {
	permissiveID := message.ComputeIdentity("GET", "v1/items", map[string]string{}, nil)
	data := completedMessage(t, "GET", "v1/items", &message.Response{
		StatusCode: 200,
		StatusText: "OK",
		Headers:    map[string]string{"Content-Type": "text/plain"},
		Payload:    json.RawMessage(`"shared"`),
		Type:       message.TypeString,
	})

	t.Run("permissive shares across credentials", func(t *testing.T) {
		st := store.NewMemory()
		_, ts := newTestClient(t, st, message.ModePermissive)
		if err := st.WriteDurable("dev", store.StateSent, permissiveID.Filename(), data); err != nil {
			t.Fatalf("WriteDurable() error = %v", err)
		}

		req, _ := http.NewRequest("GET", ts.URL+"/dev/v1/items", nil)
		req.Header.Set("Authorization", "Bearer alice")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Do() error = %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200 cache hit despite foreign credentials", resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		if string(body) != "shared" {
			t.Errorf("body = %q, want %q", body, "shared")
		}
	})

	t.Run("picky isolates per credential", func(t *testing.T) {
		st := store.NewMemory()
		_, ts := newTestClient(t, st, message.ModePicky)
		if err := st.WriteDurable("dev", store.StateSent, permissiveID.Filename(), data); err != nil {
			t.Fatalf("WriteDurable() error = %v", err)
		}

		req, _ := http.NewRequest("GET", ts.URL+"/dev/v1/items", nil)
		req.Header.Set("Authorization", "Bearer alice")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Do() error = %v", err)
		}
		defer resp.Body.Close()

		// The credentialed identity differs, so nothing is cached for it and
		// nothing answers the submission: the request times out.
		if resp.StatusCode != http.StatusGatewayTimeout {
			t.Errorf("status = %d, want 504", resp.StatusCode)
		}
		if ok, _ := st.Exists("dev", store.StateSent, permissiveID.Filename()); !ok {
			t.Error("foreign-credential cache entry must not be disturbed")
		}
	})
}

func TestHandleRelay_PickyRemovesStaleFailure(t *testing.T) {
	st := store.NewMemory()
	_, ts := newTestClient(t, st, message.ModePicky)

	id := message.ComputeIdentity("GET", "flaky", map[string]string{}, nil)
	data := completedMessage(t, "GET", "flaky", &message.Response{
		StatusCode: 500,
		StatusText: "Internal Server Error",
		Headers:    map[string]string{"Content-Type": "text/plain"},
		Payload:    json.RawMessage(`"boom"`),
		Type:       message.TypeString,
	})
	if err := st.WriteDurable("dev", store.StateSent, id.Filename(), data); err != nil {
		t.Fatalf("WriteDurable() error = %v", err)
	}

	resp, err := http.Get(ts.URL + "/dev/flaky")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()

	// Nothing answers the fresh submission, so the request times out; the
	// point is what happened to the store.
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", resp.StatusCode)
	}
	if ok, _ := st.Exists("dev", store.StateSent, id.Filename()); ok {
		t.Error("stale failure still in sent; it would shadow every retry via duplicate suppression")
	}
	if ok, _ := st.Exists("dev", store.StateInbox, id.Filename()); !ok {
		t.Error("fresh submission missing from inbox")
	}
}

func TestHandleRelay_RemovesCorruptSentFile(t *testing.T) {
	st := store.NewMemory()
	_, ts := newTestClient(t, st, message.ModePermissive)

	id := message.ComputeIdentity("GET", "broken", map[string]string{}, nil)
	if err := st.WriteDurable("dev", store.StateSent, id.Filename(), []byte("{ not json")); err != nil {
		t.Fatalf("WriteDurable() error = %v", err)
	}

	resp, err := http.Get(ts.URL + "/dev/broken")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", resp.StatusCode)
	}
	if ok, _ := st.Exists("dev", store.StateSent, id.Filename()); ok {
		t.Error("corrupt sent file not cleared")
	}
	if ok, _ := st.Exists("dev", store.StateInbox, id.Filename()); !ok {
		t.Error("request not resubmitted after clearing the corrupt file")
	}
}

// completer plays the server side against a memory store: it answers each
// inbox entry once and discards duplicates against the sent store, exactly
// as the real watcher does.
func completer(t *testing.T, st store.Store, processed *int, mu *sync.Mutex, stop <-chan struct{}) {
	t.Helper()

	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		names, _ := st.List("dev", store.StateInbox)
		for _, name := range names {
			if done, _ := st.Exists("dev", store.StateSent, name); done {
				st.Remove("dev", store.StateInbox, name)
				continue
			}
			data, err := st.Read("dev", store.StateInbox, name)
			if err != nil {
				continue
			}
			m, err := message.Unmarshal(data)
			if err != nil {
				continue
			}

			m.Stats.MarkStarted()
			m.Response = &message.Response{
				StatusCode: 201,
				StatusText: "Created",
				Headers:    map[string]string{"Content-Type": "application/json"},
				Payload:    json.RawMessage(`{"id":7}`),
				Type:       message.TypeJSON,
			}
			m.Stats.MarkFinished()

			out, err := m.Marshal()
			if err != nil {
				continue
			}
			if err := st.WriteDurable("dev", store.StateSent, name, out); err != nil {
				continue
			}
			st.Remove("dev", store.StateInbox, name)

			mu.Lock()
			*processed++
			mu.Unlock()
		}
	}
}

func TestHandleRelay_DeliversCompletedResponse(t *testing.T) {
	st := store.NewMemory()
	_, ts := newTestClient(t, st, message.ModePermissive)

	var processed int
	var mu sync.Mutex
	stop := make(chan struct{})
	defer close(stop)
	go completer(t, st, &processed, &mu, stop)

	resp, err := http.Post(ts.URL+"/dev/api/users?limit=5", "application/json", strings.NewReader(`{"name":"x"}`))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"id":7}` {
		t.Errorf("body = %s, want {\"id\":7}", body)
	}

	// The message that travelled through the tree carries the full shape.
	names, _ := st.List("dev", store.StateSent)
	if len(names) != 1 {
		t.Fatalf("sent = %v, want one completed message", names)
	}
	data, err := st.Read("dev", store.StateSent, names[0])
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	m, err := message.Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if m.Method != "POST" {
		t.Errorf("stored method = %q, want POST", m.Method)
	}
	if m.Path != "api/users?limit=5" {
		t.Errorf("stored path = %q, want api/users?limit=5 (query folded in)", m.Path)
	}
	if m.Type != message.TypeJSON {
		t.Errorf("stored payload type = %q, want json", m.Type)
	}
	if m.Stats.CreatedAt.IsZero() {
		t.Error("created_at not stamped at ingress")
	}
}

// Two concurrent identical requests must produce one processing and two
// equal responses.
func TestHandleRelay_ConcurrentDuplicatesShareOneAnswer(t *testing.T) {
	st := store.NewMemory()
	_, ts := newTestClient(t, st, message.ModePermissive)

	var processed int
	var mu sync.Mutex
	stop := make(chan struct{})
	defer close(stop)
	go completer(t, st, &processed, &mu, stop)

	bodies := make([]string, 2)
	statuses := make([]int, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := http.Get(ts.URL + "/dev/api/users")
			if err != nil {
				return
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			bodies[i] = string(body)
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		if statuses[i] != http.StatusCreated {
			t.Errorf("request %d status = %d, want 201", i, statuses[i])
		}
	}
	if bodies[0] != bodies[1] {
		t.Errorf("duplicate requests diverged: %q vs %q", bodies[0], bodies[1])
	}

	mu.Lock()
	defer mu.Unlock()
	if processed != 1 {
		t.Errorf("processed = %d, want exactly 1 for duplicate identities", processed)
	}
}

func TestHandleRelay_TimeoutLeavesInboxEntry(t *testing.T) {
	st := store.NewMemory()
	_, ts := newTestClient(t, st, message.ModePermissive)

	start := time.Now()
	resp, err := http.Get(ts.URL + "/dev/api/slow")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", resp.StatusCode)
	}
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Errorf("returned after %s, before the wait budget expired", elapsed)
	}
	if msg := decodeError(t, resp); !strings.Contains(msg, "no response within") {
		t.Errorf("error = %q, want a timeout explanation", msg)
	}

	names, _ := st.List("dev", store.StateInbox)
	if len(names) != 1 {
		t.Errorf("inbox = %v, want the unanswered message left in place", names)
	}
}

// raceStore simulates losing the drafts promotion to a concurrent identical
// request: the inbox ends up populated, but the caller's own rename reports
// the draft as gone.
type raceStore struct {
	store.Store
	raced bool
}

func (r *raceStore) Move(env string, from, to store.State, name string) error {
	if !r.raced && from == store.StateDrafts {
		r.raced = true
		if err := r.Store.Move(env, from, to, name); err != nil {
			return err
		}
		return fmt.Errorf("store: move %s/%s/%s: %w", env, from, name, store.ErrNotExist)
	}
	return r.Store.Move(env, from, to, name)
}

func TestSubmit_ToleratesLosingPromotionRace(t *testing.T) {
	rs := &raceStore{Store: store.NewMemory()}
	c, _ := newTestClient(t, rs, message.ModePermissive)

	m := &message.Message{
		Method:  "GET",
		Path:    "api/users",
		Headers: map[string]string{},
		Payload: json.RawMessage(`""`),
		Type:    message.TypeString,
		Stats:   message.Stats{CreatedAt: message.Now()},
	}
	if err := c.submit("dev", m, "api_users_abc.json"); err != nil {
		t.Fatalf("submit() error = %v, want race absorbed", err)
	}
	if ok, _ := rs.Exists("dev", store.StateInbox, "api_users_abc.json"); !ok {
		t.Error("message missing from inbox after absorbed race")
	}
}

func TestSubmit_SurfacesUnexplainedMoveFailure(t *testing.T) {
	st := store.NewMemory()
	c, _ := newTestClient(t, st, message.ModePermissive)

	m := &message.Message{
		Method:  "PUT",
		Path:    "gone",
		Headers: map[string]string{},
		Payload: json.RawMessage(`""`),
		Type:    message.TypeString,
	}
	// Remove the draft between write and promotion with no twin anywhere in
	// the tree. This is a real loss, not a race, and must surface.
	sab := &sabotageStore{Store: st}
	c.store = sab
	if err := c.submit("dev", m, "gone_abc.json"); err == nil {
		t.Fatal("submit() error = nil, want missing-draft failure surfaced")
	}
}

// sabotageStore drops every draft as soon as it is written.
type sabotageStore struct {
	store.Store
}

func (s *sabotageStore) WriteDurable(env string, state store.State, name string, data []byte) error {
	if state == store.StateDrafts {
		return nil
	}
	return s.Store.WriteDurable(env, state, name, data)
}
