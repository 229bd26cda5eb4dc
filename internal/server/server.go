// Package server implements the consumer half of the relay: it watches each
// environment's inbox folder, performs the real outbound HTTP call for every
// message that appears, embeds the response and timing stats, and moves the
// completed message to the sent store where the client side picks it up.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nmpdev/nmp/internal/config"
	"github.com/nmpdev/nmp/internal/lifecycle"
	"github.com/nmpdev/nmp/internal/message"
	"github.com/nmpdev/nmp/internal/monitor"
	"github.com/nmpdev/nmp/internal/store"
)

// Server runs one watcher per environment. Watchers share nothing and never
// coordinate; each owns its environment's inbox exclusively.
type Server struct {
	cfg      *config.Config
	store    store.Store
	client   *http.Client
	hub      *monitor.Hub
	registry *lifecycle.Registry
	logger   *slog.Logger

	monitorServer *http.Server
}

// New creates the server relay. hub and registry may be nil.
func New(cfg *config.Config, st store.Store, hub *monitor.Hub, registry *lifecycle.Registry, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	logger = logger.With("component", "server")

	s := &Server{
		cfg:   cfg,
		store: st,
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Redirects are relayed to the caller, not chased here.
				return http.ErrUseLastResponse
			},
		},
		hub:      hub,
		registry: registry,
		logger:   logger,
	}

	if cfg.MonitorPort > 0 && hub != nil {
		s.monitorServer = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.MonitorPort),
			Handler:      hub.Routes(),
			ReadTimeout:  120 * time.Second,
			WriteTimeout: 120 * time.Second,
		}
	}

	return s, nil
}

// Start launches the per-environment watchers (and the monitor server when
// configured) and blocks until ctx is cancelled and all of them have
// drained.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting server relay", "environments", s.cfg.EnvironmentNames())

	if s.monitorServer != nil {
		go func() {
			s.logger.Info("starting monitor server", "address", s.monitorServer.Addr)
			if err := s.monitorServer.ListenAndServe(); err != http.ErrServerClosed {
				s.logger.Error("monitor server error", "error", err)
			}
		}()
	}

	var wg sync.WaitGroup
	for _, env := range s.cfg.Environments {
		wg.Add(1)
		go func(env config.Environment) {
			defer wg.Done()
			s.watch(ctx, env)
		}(env)
	}
	wg.Wait()

	if s.monitorServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.monitorServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down monitor server: %w", err)
		}
	}
	return nil
}

type ensurer interface {
	Ensure(env string) error
}

// watch processes one environment's inbox until ctx is cancelled. Change
// notifications wake it early when the store is directory-backed; the rescan
// ticker is the backstop, since synced drives do not reliably emit events
// for remotely created files.
func (s *Server) watch(ctx context.Context, env config.Environment) {
	logger := s.logger.With("environment", env.Name)

	if e, ok := s.store.(ensurer); ok {
		if err := e.Ensure(env.Name); err != nil {
			logger.Error("failed to create environment folders", "error", err)
		}
	}

	var events chan fsnotify.Event
	var watchErrs chan error
	if watcher := s.newInboxWatcher(env.Name, logger); watcher != nil {
		defer watcher.Close()
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	ticker := time.NewTicker(s.cfg.RescanInterval)
	defer ticker.Stop()

	seenCorrupt := make(map[string]bool)
	logger.Info("watching inbox", "backend", env.BackendURL)

	// Drain whatever synced in while the worker was down.
	s.sweep(ctx, env, seenCorrupt, logger)

	for {
		select {
		case <-ctx.Done():
			logger.Info("stopping inbox watcher")
			return

		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.sweep(ctx, env, seenCorrupt, logger)

		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			logger.Error("inbox watch error", "error", err)

		case <-ticker.C:
			s.sweep(ctx, env, seenCorrupt, logger)
		}
	}
}

// newInboxWatcher subscribes to inbox change notifications when the store
// lives on a real filesystem. Returns nil when it cannot; the rescan ticker
// then carries the watch alone.
func (s *Server) newInboxWatcher(env string, logger *slog.Logger) *fsnotify.Watcher {
	pathed, ok := s.store.(store.Pathed)
	if !ok {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("inbox change notifications unavailable, relying on rescans", "error", err)
		return nil
	}
	if err := watcher.Add(pathed.StatePath(env, store.StateInbox)); err != nil {
		logger.Warn("failed to watch inbox directory, relying on rescans", "error", err)
		watcher.Close()
		return nil
	}
	return watcher
}

// sweep processes every message currently visible in the inbox. Processing
// is sequential within one environment; at-most-once execution needs no
// other synchronization.
func (s *Server) sweep(ctx context.Context, env config.Environment, seenCorrupt map[string]bool, logger *slog.Logger) {
	names, err := s.store.List(env.Name, store.StateInbox)
	if err != nil {
		logger.Error("failed to list inbox", "error", err)
		return
	}
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		s.process(ctx, env, name, seenCorrupt, logger)
	}
}

// process handles a single inbox entry end to end. Every early return leaves
// the watch loop healthy: a bad message file is skipped, never fatal.
func (s *Server) process(ctx context.Context, env config.Environment, name string, seenCorrupt map[string]bool, logger *slog.Logger) {
	// The sent filename is the identity: if it already exists, an identical
	// request has been answered and this inbox entry is redundant. Dropping
	// it without the outbound call is what makes duplicate ingress safe.
	done, err := s.store.Exists(env.Name, store.StateSent, name)
	if err != nil {
		logger.Error("failed to check sent store", "file", name, "error", err)
		return
	}
	if done {
		if err := s.store.Remove(env.Name, store.StateInbox, name); err != nil {
			logger.Error("failed to discard duplicate inbox entry", "file", name, "error", err)
			return
		}
		logger.Info("discarded duplicate inbox entry", "file", name)
		s.registry.RecordDuplicate()
		s.hub.Publish(monitor.EventDuplicate, monitor.MessageEvent{Environment: env.Name, Filename: name})
		return
	}

	data, err := s.store.Read(env.Name, store.StateInbox, name)
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			// Raced away between List and Read.
			return
		}
		logger.Error("failed to read inbox message", "file", name, "error", err)
		return
	}

	m, err := message.Unmarshal(data)
	if err != nil {
		if !seenCorrupt[name] {
			seenCorrupt[name] = true
			logger.Error("skipping corrupt message file", "file", name, "error", err)
			s.hub.Publish(monitor.EventCorrupt, monitor.MessageEvent{Environment: env.Name, Filename: name, Error: err.Error()})
		}
		return
	}

	m.Stats.MarkStarted()
	logger.Info("processing message", "file", name, "method", m.Method, "path", m.Path)
	s.hub.Publish(monitor.EventProcessing, monitor.MessageEvent{Environment: env.Name, Filename: name})

	m.Response = s.call(ctx, env, m, logger)
	if m.Response == nil {
		// Shutdown cut the call short. Leave the inbox entry for the next
		// run's sweep; an aborted attempt must not become the cached answer.
		logger.Info("shutdown interrupted message, leaving in inbox", "file", name)
		return
	}
	m.Stats.MarkFinished()

	out, err := m.Marshal()
	if err != nil {
		logger.Error("failed to marshal completed message", "file", name, "error", err)
		return
	}
	if err := s.store.WriteDurable(env.Name, store.StateSent, name, out); err != nil {
		logger.Error("failed to write completed message", "file", name, "error", err)
		return
	}
	if err := s.store.Remove(env.Name, store.StateInbox, name); err != nil {
		logger.Error("failed to remove processed inbox entry", "file", name, "error", err)
	}

	logger.Info("completed message",
		"file", name,
		"status", m.Response.StatusCode,
		"elapsed_request", m.Stats.ElapsedRequest,
	)
	s.registry.RecordRelayed()
	s.registry.RecordOutcome(ctx, lifecycle.OutcomeRecord{
		Environment:    env.Name,
		Method:         m.Method,
		Path:           m.Path,
		StatusCode:     m.Response.StatusCode,
		ElapsedTotal:   m.Stats.ElapsedTotal,
		ElapsedRequest: m.Stats.ElapsedRequest,
	})
	s.hub.Publish(monitor.EventCompleted, monitor.MessageEvent{
		Environment:    env.Name,
		Filename:       name,
		StatusCode:     m.Response.StatusCode,
		ElapsedRequest: m.Stats.ElapsedRequest,
	})
}

// call performs the real outbound request. A failed call is still an
// answer: the relay's contract is to deliver a response, success or not, so
// network errors come back as a synthesized 502 rather than an error. A
// call aborted because ctx was cancelled returns nil instead: the abort
// says nothing about the backend, so there is no answer to record.
func (s *Server) call(ctx context.Context, env config.Environment, m *message.Message, logger *slog.Logger) *message.Response {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	req, err := message.BuildOutbound(reqCtx, env.BackendURL, m)
	if err != nil {
		logger.Error("failed to build outbound request", "error", err)
		s.registry.RecordFailure()
		return message.FailureResponse(err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return nil
		}
		logger.Error("outbound call failed", "method", m.Method, "url", req.URL.String(), "error", err)
		s.registry.RecordFailure()
		return message.FailureResponse(err)
	}

	captured, err := message.CaptureResponse(resp)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return nil
		}
		logger.Error("failed to read backend response", "error", err)
		s.registry.RecordFailure()
		return message.FailureResponse(err)
	}
	return captured
}
