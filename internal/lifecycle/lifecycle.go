// Package lifecycle registers relay workers in a shared Redis registry and
// streams completed relay outcomes for external consumption. The registry is
// a passive observability sink: the filesystem stays the only coordination
// channel between client and server, and a process with no registry
// configured runs identically. A nil *Registry is a valid no-op.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/nmpdev/nmp/internal/util"
)

const (
	// workersKey is the Redis hash mapping worker ID to WorkerInfo.
	workersKey = "nmp_workers"
	// statsKey is the Redis list receiving msgpack OutcomeRecords.
	statsKey = "nmp:stats"

	heartbeatInterval = 15 * time.Second
)

// WorkerInfo is the registry entry one worker maintains about itself.
// Counters are cumulative for the process lifetime.
type WorkerInfo struct {
	Role          string    `json:"role"`
	Environments  []string  `json:"environments"`
	PID           int       `json:"pid"`
	Relayed       uint64    `json:"relayed"`
	CacheHits     uint64    `json:"cache_hits"`
	Timeouts      uint64    `json:"timeouts"`
	Duplicates    uint64    `json:"duplicates"`
	Failures      uint64    `json:"failures"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// OutcomeRecord is one completed relay outcome, pushed to the stats queue.
// Role distinguishes client-side deliveries (which include cache hits the
// server never sees) from server-side backend executions.
type OutcomeRecord struct {
	Role           string  `msgpack:"role"`
	RequestID      string  `msgpack:"request_id"`
	Environment    string  `msgpack:"environment"`
	Method         string  `msgpack:"method"`
	Path           string  `msgpack:"path"`
	StatusCode     int     `msgpack:"status_code"`
	CacheHit       bool    `msgpack:"cache_hit"`
	ElapsedTotal   float64 `msgpack:"elapsed_total"`
	ElapsedRequest float64 `msgpack:"elapsed_request"`
	TimestampMs    int64   `msgpack:"timestamp_ms"`
}

// Registry maintains one worker's registration, heartbeat, and counters.
type Registry struct {
	workerID     string
	role         string
	environments []string
	rdb          *redis.Client
	logger       *slog.Logger

	relayed    atomic.Uint64
	cacheHits  atomic.Uint64
	timeouts   atomic.Uint64
	duplicates atomic.Uint64
	failures   atomic.Uint64
}

// New creates a registry for one worker. An empty addr disables the registry
// entirely and returns nil, which every method treats as a no-op.
func New(addr, role string, environments []string, logger *slog.Logger) (*Registry, error) {
	if addr == "" {
		return nil, nil
	}
	if role == "" {
		return nil, fmt.Errorf("worker role cannot be empty")
	}

	return &Registry{
		workerID:     fmt.Sprintf("%s-%s", role, util.RandomSuffix(8)),
		role:         role,
		environments: environments,
		rdb: redis.NewClient(&redis.Options{
			Addr: addr,
		}),
		logger: logger.With("component", "lifecycle"),
	}, nil
}

// WorkerID returns this worker's registry identity.
func (r *Registry) WorkerID() string {
	if r == nil {
		return ""
	}
	return r.workerID
}

// Start verifies the registry connection.
func (r *Registry) Start(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		r.logger.Error("failed to connect to worker registry", "error", err)
		return fmt.Errorf("connecting to worker registry: %w", err)
	}
	r.logger.Info("worker registry connection established", "worker_id", r.workerID)
	return nil
}

// Register writes this worker's entry into the registry hash.
func (r *Registry) Register(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if err := r.writeInfo(ctx); err != nil {
		return fmt.Errorf("registering worker: %w", err)
	}
	r.logger.Info("registered worker", "worker_id", r.workerID, "role", r.role, "environments", r.environments)
	return nil
}

// MaintainRegistration refreshes the heartbeat until ctx is cancelled, then
// deregisters. The returned channel closes once deregistration is done.
func (r *Registry) MaintainRegistration(ctx context.Context) chan struct{} {
	done := make(chan struct{})
	if r == nil {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := r.writeInfo(ctx); err != nil {
					r.logger.Error("failed heartbeat", "error", err)
				}
			case <-ctx.Done():
				if err := r.deregister(); err != nil {
					r.logger.Error("failed to deregister worker", "error", err)
				} else {
					r.logger.Info("deregistered worker", "worker_id", r.workerID)
				}
				return
			}
		}
	}()

	return done
}

// Stop closes the registry connection.
func (r *Registry) Stop() error {
	if r == nil {
		return nil
	}
	if err := r.rdb.Close(); err != nil {
		return fmt.Errorf("closing worker registry connection: %w", err)
	}
	return nil
}

// RecordRelayed counts a message relayed end to end.
func (r *Registry) RecordRelayed() {
	if r != nil {
		r.relayed.Add(1)
	}
}

// RecordCacheHit counts a request answered from the sent store.
func (r *Registry) RecordCacheHit() {
	if r != nil {
		r.cacheHits.Add(1)
	}
}

// RecordTimeout counts a request that expired waiting for its response.
func (r *Registry) RecordTimeout() {
	if r != nil {
		r.timeouts.Add(1)
	}
}

// RecordDuplicate counts an inbox entry discarded as already satisfied.
func (r *Registry) RecordDuplicate() {
	if r != nil {
		r.duplicates.Add(1)
	}
}

// RecordFailure counts an outbound call that errored at the network level.
func (r *Registry) RecordFailure() {
	if r != nil {
		r.failures.Add(1)
	}
}

// RecordOutcome pushes a completed relay outcome onto the stats queue.
// Failures are logged and swallowed; observability must never fail a relay.
func (r *Registry) RecordOutcome(ctx context.Context, rec OutcomeRecord) {
	if r == nil {
		return
	}
	rec.Role = r.role
	if rec.TimestampMs == 0 {
		rec.TimestampMs = time.Now().UnixMilli()
	}

	data, err := msgpack.Marshal(&rec)
	if err != nil {
		r.logger.Error("failed to serialize outcome record", "error", err)
		return
	}
	if err := r.rdb.RPush(ctx, statsKey, data).Err(); err != nil {
		r.logger.Error("failed to push outcome record", "error", err)
	}
}

func (r *Registry) writeInfo(ctx context.Context) error {
	info := &WorkerInfo{
		Role:          r.role,
		Environments:  r.environments,
		PID:           os.Getpid(),
		Relayed:       r.relayed.Load(),
		CacheHits:     r.cacheHits.Load(),
		Timeouts:      r.timeouts.Load(),
		Duplicates:    r.duplicates.Load(),
		Failures:      r.failures.Load(),
		LastHeartbeat: time.Now().UTC(),
	}

	val, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshaling worker info: %w", err)
	}
	if err := r.rdb.HSet(ctx, workersKey, r.workerID, string(val)).Err(); err != nil {
		return fmt.Errorf("writing worker info: %w", err)
	}
	return nil
}

// deregister runs with its own context; the caller's is already cancelled.
func (r *Registry) deregister() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.rdb.HDel(ctx, workersKey, r.workerID).Err(); err != nil {
		return fmt.Errorf("removing worker info: %w", err)
	}
	return nil
}
