// Package client implements the producer half of the relay: an HTTP front
// end that turns each inbound request into a durable message file, hands it
// to the server side through the shared folder tree, and delivers the
// completed response once it comes back through the sent store. Answered
// messages double as a content-addressed response cache, so an identical
// request can be served without the folder round trip at all.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/nmpdev/nmp/internal/config"
	"github.com/nmpdev/nmp/internal/lifecycle"
	"github.com/nmpdev/nmp/internal/message"
	"github.com/nmpdev/nmp/internal/monitor"
	"github.com/nmpdev/nmp/internal/store"
)

// Client is the relay's HTTP front end. It shares no memory with the server
// side; the store is the only channel between them.
type Client struct {
	cfg      *config.Config
	store    store.Store
	hub      *monitor.Hub
	registry *lifecycle.Registry
	logger   *slog.Logger

	httpServer    *http.Server
	monitorServer *http.Server
}

// New creates the client relay. hub and registry may be nil.
func New(cfg *config.Config, st store.Store, hub *monitor.Hub, registry *lifecycle.Registry, logger *slog.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	logger = logger.With("component", "client")

	c := &Client{
		cfg:      cfg,
		store:    st,
		hub:      hub,
		registry: registry,
		logger:   logger,
	}

	c.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     c.routes(),
		ReadTimeout: 30 * time.Second,
		// A handler blocks for up to the await budget; the write timeout
		// must outlive it or the response is cut off mid-wait.
		WriteTimeout: cfg.WaitTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.MonitorPort > 0 && hub != nil {
		c.monitorServer = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.MonitorPort),
			Handler:      hub.Routes(),
			ReadTimeout:  120 * time.Second,
			WriteTimeout: 120 * time.Second,
		}
	}

	return c, nil
}

// routes builds the relay surface: every method on /{environment}/{rest},
// where the first segment selects a configured environment. Anything else is
// unroutable.
func (c *Client) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/{environment}", c.handleRelay)
	r.HandleFunc("/{environment}/{rest:.*}", c.handleRelay)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		c.jsonError(w, http.StatusNotFound, "specify an environment as the first path segment")
	})

	return r
}

// Start launches the front end (and the monitor server when configured) and
// blocks until ctx is cancelled, then shuts both down.
func (c *Client) Start(ctx context.Context) error {
	// Request contexts derive from ctx, so in-flight awaits unblock as soon
	// as shutdown begins instead of running out their poll budget.
	c.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	go func() {
		c.logger.Info("starting client relay",
			"address", c.httpServer.Addr,
			"environments", c.cfg.EnvironmentNames(),
			"cache_mode", c.cfg.CacheMode,
		)
		if err := c.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			c.logger.Error("HTTP server error", "error", err)
		}
	}()

	if c.monitorServer != nil {
		go func() {
			c.logger.Info("starting monitor server", "address", c.monitorServer.Addr)
			if err := c.monitorServer.ListenAndServe(); err != http.ErrServerClosed {
				c.logger.Error("monitor server error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	return c.Shutdown()
}

// Shutdown drains both servers.
func (c *Client) Shutdown() error {
	c.logger.Info("shutting down client relay")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}
	if c.monitorServer != nil {
		if err := c.monitorServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutting down monitor server: %w", err)
		}
	}

	return nil
}

// handleRelay carries one inbound request through the full client flow:
// build the message, try the cache, otherwise submit it into the folder tree
// and wait for the server side's answer.
func (c *Client) handleRelay(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	env, ok := c.cfg.Environment(vars["environment"])
	if !ok {
		c.jsonError(w, http.StatusNotFound, fmt.Sprintf("unknown environment %q", vars["environment"]))
		return
	}

	requestID := newRequestID()
	logger := c.logger.With("request_id", requestID, "environment", env.Name)

	m, id, err := message.FromRequest(r, vars["rest"], c.cfg.CacheMode)
	if err != nil {
		logger.Error("failed to build message", "error", err)
		c.jsonError(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	name := id.Filename()

	logger.Info("received request", "method", m.Method, "path", m.Path, "file", name)
	c.hub.Publish(monitor.EventRequestReceived, monitor.RequestEvent{
		RequestID:   requestID,
		Environment: env.Name,
		Method:      m.Method,
		Path:        m.Path,
		Filename:    name,
	})

	if resp, ok := c.cachedResponse(env.Name, name, m.Method, logger); ok {
		logger.Info("serving cached response", "file", name, "status", resp.StatusCode)
		c.registry.RecordCacheHit()
		c.registry.RecordOutcome(r.Context(), lifecycle.OutcomeRecord{
			RequestID:   requestID,
			Environment: env.Name,
			Method:      m.Method,
			Path:        m.Path,
			StatusCode:  resp.StatusCode,
			CacheHit:    true,
		})
		c.hub.Publish(monitor.EventCacheHit, monitor.RequestEvent{
			RequestID:   requestID,
			Environment: env.Name,
			Method:      m.Method,
			Path:        m.Path,
			Filename:    name,
			StatusCode:  resp.StatusCode,
			CacheHit:    true,
		})
		if err := message.WriteResponse(w, resp); err != nil {
			logger.Error("failed to replay cached response", "error", err)
		}
		return
	}

	if err := c.submit(env.Name, m, name); err != nil {
		logger.Error("failed to submit message", "file", name, "error", err)
		c.jsonError(w, http.StatusInternalServerError, "failed to persist request")
		return
	}
	logger.Info("submitted message", "file", name)
	c.hub.Publish(monitor.EventSubmitted, monitor.RequestEvent{
		RequestID:   requestID,
		Environment: env.Name,
		Method:      m.Method,
		Path:        m.Path,
		Filename:    name,
	})

	completed, err := c.awaitSent(r.Context(), env.Name, name)
	if err != nil {
		if errors.Is(err, ErrAwaitTimeout) {
			// The inbox entry stays put: the server may still answer it, and
			// a retried identical request will then hit the cache.
			logger.Warn("timed out waiting for response", "file", name, "timeout", c.cfg.WaitTimeout)
			c.registry.RecordTimeout()
			c.hub.Publish(monitor.EventTimeout, monitor.RequestEvent{
				RequestID:   requestID,
				Environment: env.Name,
				Method:      m.Method,
				Path:        m.Path,
				Filename:    name,
			})
			c.jsonError(w, http.StatusGatewayTimeout,
				fmt.Sprintf("no response within %s; the request stays queued and a retry may be served from cache", c.cfg.WaitTimeout))
			return
		}
		logger.Error("failed waiting for response", "file", name, "error", err)
		c.jsonError(w, http.StatusInternalServerError, "failed reading response")
		return
	}

	logger.Info("delivering response",
		"file", name,
		"status", completed.Response.StatusCode,
		"elapsed_total", completed.Stats.ElapsedTotal,
	)
	c.registry.RecordRelayed()
	c.registry.RecordOutcome(r.Context(), lifecycle.OutcomeRecord{
		RequestID:      requestID,
		Environment:    env.Name,
		Method:         m.Method,
		Path:           m.Path,
		StatusCode:     completed.Response.StatusCode,
		ElapsedTotal:   completed.Stats.ElapsedTotal,
		ElapsedRequest: completed.Stats.ElapsedRequest,
	})
	c.hub.Publish(monitor.EventDelivered, monitor.RequestEvent{
		RequestID:   requestID,
		Environment: env.Name,
		Method:      m.Method,
		Path:        m.Path,
		Filename:    name,
		StatusCode:  completed.Response.StatusCode,
	})
	if err := message.WriteResponse(w, completed.Response); err != nil {
		logger.Error("failed to write response", "error", err)
	}
}

// cachedResponse looks for a completed identical request in the sent store
// and decides by cache mode whether it may be replayed. An existing file
// that cannot be replayed is removed before the fresh submission: leaving it
// would trip the server's duplicate suppression and shadow every future
// attempt, so in picky mode a stale failure must make way for a re-execution.
func (c *Client) cachedResponse(env, name, method string, logger *slog.Logger) (*message.Response, bool) {
	data, err := c.store.Read(env, store.StateSent, name)
	if err != nil {
		if !errors.Is(err, store.ErrNotExist) {
			logger.Error("failed to read sent store", "file", name, "error", err)
		}
		return nil, false
	}

	m, err := message.Unmarshal(data)
	if err != nil || !m.Completed() {
		// A sent file this client cannot deliver would also never satisfy an
		// await. Clear it and submit fresh.
		logger.Warn("removing undeliverable sent file", "file", name, "error", err)
		if err := c.store.Remove(env, store.StateSent, name); err != nil {
			logger.Error("failed to remove undeliverable sent file", "file", name, "error", err)
		}
		return nil, false
	}

	if !c.cfg.CacheMode.AllowsReplay(method, m.Response) {
		logger.Info("cached response not replayable, re-executing",
			"file", name,
			"status", m.Response.StatusCode,
		)
		if err := c.store.Remove(env, store.StateSent, name); err != nil {
			logger.Error("failed to remove ineligible sent file", "file", name, "error", err)
		}
		return nil, false
	}

	return m.Response, true
}

// submit writes the draft durably and promotes it to the inbox. Promotion is
// a rename, so the server never observes a partially written message. Losing
// the promotion race to a concurrent identical request is not a failure: the
// message is in flight either way, under the same name.
func (c *Client) submit(env string, m *message.Message, name string) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	if err := c.store.WriteDurable(env, store.StateDrafts, name, data); err != nil {
		return err
	}

	if err := c.store.Move(env, store.StateDrafts, store.StateInbox, name); err != nil {
		if errors.Is(err, store.ErrNotExist) {
			if ok, _ := c.store.Exists(env, store.StateInbox, name); ok {
				return nil
			}
			if ok, _ := c.store.Exists(env, store.StateSent, name); ok {
				return nil
			}
		}
		return err
	}
	return nil
}

func (c *Client) jsonError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// newRequestID tags one inbound request for log and event correlation. The
// message identity is content-derived, so two invocations carrying the same
// message still get distinct IDs in the feed.
func newRequestID() string {
	return fmt.Sprintf("req_%s", uuid.New().String())
}
