// Package projection implements the projection registry (spec.md §4.5)
// and the concrete read-model projections it supervises. The registry
// owns the set of handlers indexed by projection name; it is the
// component an operator (via the admin HTTP surface) and the bootstrap
// command talk to.
package projection

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zitadel/logging"
	"golang.org/x/sync/errgroup"

	"github.com/zitadel/projection-engine/internal/eventstore"
	"github.com/zitadel/projection-engine/internal/eventstore/handler"
	"github.com/zitadel/projection-engine/internal/eventstore/handler/pg"
	"github.com/zitadel/projection-engine/internal/zerrors"
)

type registeredHandler struct {
	config     pg.StatementHandlerConfig
	projection pg.Projection
	stmtHdl    *pg.StatementHandler
}

// Registry owns every registered projection's worker. Register/Unregister
// are assumed to be serialized by the caller (spec.md §4.5, "Concurrency
// contract"); Start/Stop/Reset are safe to call concurrently for
// different names because each handler carries its own state machine.
type Registry struct {
	mu       sync.RWMutex
	client   *sql.DB
	es       eventstore.Eventstore
	config   Config
	handlers map[string]*registeredHandler

	// runID is unique per process incarnation so that a lease held by a
	// now-dead process is never mistaken for one held by this one, even
	// if both share the same instanceID (spec.md §4.6).
	runID string
}

func NewRegistry(client *sql.DB, es eventstore.Eventstore, config Config) *Registry {
	return &Registry{
		client:   client,
		es:       es,
		config:   config,
		handlers: make(map[string]*registeredHandler),
		runID:    uuid.NewString(),
	}
}

// Register wraps projection into a handler and stores it under its
// declared name, rejecting empty and duplicate names (spec.md §4.5). The
// handler's config is derived from the registry's Config, with any
// customization found under that same name applied.
func (r *Registry) Register(projection pg.Projection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := projection.Name()
	if name == "" {
		return zerrors.ThrowInvalidArgument(nil, "PROJ-5k6l7", "projection name must not be empty")
	}
	if _, exists := r.handlers[name]; exists {
		return zerrors.ThrowAlreadyExists(nil, "PROJ-7m8n9", fmt.Sprintf("projection %q already registered", name))
	}

	shConfig := r.statementHandlerConfig(name)
	stmtHdl := pg.NewStatementHandler(shConfig, projection, nil)

	r.handlers[name] = &registeredHandler{
		config:     shConfig,
		projection: projection,
		stmtHdl:    stmtHdl,
	}
	return nil
}

func (r *Registry) statementHandlerConfig(name string) pg.StatementHandlerConfig {
	cfg := r.config
	custom := cfg.Customizations[name]

	requeueEvery := cfg.RequeueEvery.Duration
	retryFailedAfter := cfg.RetryFailedAfter.Duration
	bulkLimit := cfg.BulkLimit
	maxFailureCount := cfg.MaxFailureCount
	enableLocking := cfg.EnableLocking
	lockTTL := cfg.LockTTL.Duration

	if custom.RequeueEvery != nil {
		requeueEvery = custom.RequeueEvery.Duration
	}
	if custom.RetryFailedAfter != nil {
		retryFailedAfter = custom.RetryFailedAfter.Duration
	}
	if custom.BulkLimit != nil {
		bulkLimit = *custom.BulkLimit
	}
	if custom.MaxFailureCount != nil {
		maxFailureCount = *custom.MaxFailureCount
	}
	if custom.EnableLocking != nil {
		enableLocking = *custom.EnableLocking
	}
	if custom.LockTTL != nil {
		lockTTL = custom.LockTTL.Duration
	}

	return pg.StatementHandlerConfig{
		ProjectionHandlerConfig: handler.ProjectionHandlerConfig{
			HandlerConfig:         handler.HandlerConfig{Eventstore: r.es},
			ProjectionName:        name,
			RequeueEvery:          requeueEvery,
			RetryFailedAfter:      retryFailedAfter,
			ImmediateRetries:      cfg.ImmediateRetries,
			ConcurrentInstances:   cfg.ConcurrentInstances,
			HandleActiveInstances: cfg.HandleActiveInstances.Duration,
		},
		Client:            r.client,
		CurrentStateTable: CurrentStateTable,
		LockTable:         LocksTable,
		FailedEventsTable: FailedEventsTable,
		BulkLimit:         bulkLimit,
		MaxFailureCount:   maxFailureCount,
		EnableLocking:     enableLocking,
		LockTTL:           lockTTL,
		InstanceID:        cfg.InstanceID,
		RunID:             r.runID,
	}
}

// Unregister stops the handler (if running) and drops it from the
// registry.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	rh, ok := r.handlers[name]
	delete(r.handlers, name)
	r.mu.Unlock()
	if !ok {
		return zerrors.ThrowNotFound(nil, "PROJ-9o0p1", fmt.Sprintf("projection %q not registered", name))
	}
	rh.stmtHdl.Stop()
	return nil
}

func (r *Registry) get(name string) (*registeredHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rh, ok := r.handlers[name]
	if !ok {
		return nil, zerrors.ThrowNotFound(nil, "PROJ-1q2r3", fmt.Sprintf("projection %q not registered", name))
	}
	return rh, nil
}

func (r *Registry) Start(ctx context.Context, name string) error {
	rh, err := r.get(name)
	if err != nil {
		return err
	}
	return rh.stmtHdl.Start(ctx, rh.config.RebuildOnStart, func(ctx context.Context) error {
		return rh.stmtHdl.Reset(ctx, rh.projection.Tables())
	})
}

func (r *Registry) Stop(name string) error {
	rh, err := r.get(name)
	if err != nil {
		return err
	}
	rh.stmtHdl.Stop()
	return nil
}

// StartAll starts every registered projection, collecting (not stopping
// on) individual failures.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.RLock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	var firstErr error
	for _, name := range names {
		if err := r.Start(ctx, name); err != nil {
			logging.WithFields("projection", name).WithError(err).Error("failed to start projection")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// StopAll stops every registered projection, tolerating individual
// errors during stop (spec.md §4.5).
func (r *Registry) StopAll() {
	r.mu.RLock()
	handlers := make([]*registeredHandler, 0, len(r.handlers))
	for _, rh := range r.handlers {
		handlers = append(handlers, rh)
	}
	r.mu.RUnlock()

	var g errgroup.Group
	for _, rh := range handlers {
		rh := rh
		g.Go(func() error {
			rh.stmtHdl.Stop()
			return nil
		})
	}
	_ = g.Wait()
}

// Reset stops a projection, truncates its tables and cursor, and restarts
// it from scratch (spec.md §4.5, scenario S5).
func (r *Registry) Reset(ctx context.Context, name string) error {
	rh, err := r.get(name)
	if err != nil {
		return err
	}
	rh.stmtHdl.Stop()
	if err := rh.stmtHdl.Reset(ctx, rh.projection.Tables()); err != nil {
		return err
	}
	return rh.stmtHdl.Start(ctx, false, nil)
}

// CleanupExpiredLocks removes stale lease rows, run once at registry
// startup and exposed as an admin entry (spec.md §4.5).
func (r *Registry) CleanupExpiredLocks(ctx context.Context) (int64, error) {
	lm := pg.NewLockManager(r.client, LocksTable, "registry-cleanup")
	return lm.CleanupExpired(ctx)
}

// HealthSummary is the aggregate shape returned by GET .../health
// (spec.md §6).
type HealthSummary struct {
	TotalProjections     int           `json:"totalProjections"`
	HealthyProjections   int           `json:"healthyProjections"`
	UnhealthyProjections int           `json:"unhealthyProjections"`
	AverageLag           float64       `json:"averageLag"`
	MaxLag               float64       `json:"maxLag"`
	Projections          []*pg.Health  `json:"projections"`
	Timestamp            time.Time     `json:"timestamp"`
}

// Health gathers a snapshot for every registered projection (spec.md
// §4.5 getHealth).
func (r *Registry) Health(ctx context.Context) (*HealthSummary, error) {
	r.mu.RLock()
	handlers := make([]*registeredHandler, 0, len(r.handlers))
	for _, rh := range r.handlers {
		handlers = append(handlers, rh)
	}
	r.mu.RUnlock()

	summary := &HealthSummary{Projections: make([]*pg.Health, 0, len(handlers))}
	var lagSum float64
	for _, rh := range handlers {
		health, err := rh.stmtHdl.Health(ctx, r.es)
		if err != nil {
			return nil, err
		}
		summary.Projections = append(summary.Projections, health)
		summary.TotalProjections++
		if health.IsHealthy {
			summary.HealthyProjections++
		} else {
			summary.UnhealthyProjections++
		}
		lagSum += health.Lag
		if health.Lag > summary.MaxLag {
			summary.MaxLag = health.Lag
		}
	}
	if summary.TotalProjections > 0 {
		summary.AverageLag = lagSum / float64(summary.TotalProjections)
	}
	summary.Timestamp = time.Now()
	return summary, nil
}

// HealthOne gathers the health snapshot for a single registered
// projection.
func (r *Registry) HealthOne(ctx context.Context, name string) (*pg.Health, error) {
	rh, err := r.get(name)
	if err != nil {
		return nil, err
	}
	return rh.stmtHdl.Health(ctx, r.es)
}

// Names returns every registered projection's name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// ListEntry is one row of the admin list endpoint (spec.md §6).
type ListEntry struct {
	Name      string `json:"name"`
	IsRunning bool   `json:"isRunning"`
}

// List returns name/running-state pairs for every registered projection.
func (r *Registry) List() []ListEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]ListEntry, 0, len(r.handlers))
	for name, rh := range r.handlers {
		entries = append(entries, ListEntry{Name: name, IsRunning: rh.stmtHdl.State().Running()})
	}
	return entries
}
