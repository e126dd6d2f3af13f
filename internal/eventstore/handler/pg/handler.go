package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/zitadel/logging"

	"github.com/zitadel/projection-engine/internal/eventstore"
	"github.com/zitadel/projection-engine/internal/eventstore/handler"
	"github.com/zitadel/projection-engine/internal/telemetry/tracing"
	"github.com/zitadel/projection-engine/internal/zerrors"
)

// StatementHandlerConfig extends handler.ProjectionHandlerConfig with the
// Postgres-backed fields of spec.md §3 (ProjectionConfig) and §6
// (persistent schema table names).
type StatementHandlerConfig struct {
	handler.ProjectionHandlerConfig

	Client *sql.DB

	CurrentStateTable string
	LockTable         string
	FailedEventsTable string

	// BulkLimit is the batch size (spec.md: batchSize).
	BulkLimit uint64
	// MaxFailureCount is the permanent-quarantine threshold (spec.md:
	// maxRetries on FailedEvent).
	MaxFailureCount uint32

	EnableLocking bool
	LockTTL       time.Duration

	InstanceID     string
	StartPosition  *eventstore.GlobalPosition
	RebuildOnStart bool

	// RunID disambiguates the lock holder identity across process
	// restarts: two incarnations of the same instanceID/projection pair
	// must never be mistaken for the same lease holder (spec.md §4.6).
	RunID string
}

// StatementHandler owns the transactional batch-apply protocol of
// spec.md §4.4: fetch is handled by the embedded handler.ProjectionHandler,
// Update (this type's method) applies a batch inside one transaction with
// per-event savepoints and quarantine-and-continue semantics.
type StatementHandler struct {
	*handler.ProjectionHandler

	client            *sql.DB
	projectionName    string
	instanceID        string
	currentStateTable string
	tracker           *CurrentStateTracker
	ledger            *FailedEventLedger
	lockManager       *LockManager
	maxFailureCount   uint32
	aggregateTypes    []eventstore.AggregateType
	eventTypes        []eventstore.EventType
	bulkLimit         uint64
}

// Projection is the base contract every concrete read model implements
// (spec.md §4.1).
type Projection interface {
	Name() string
	Tables() []string
	AggregateTypes() []eventstore.AggregateType
	EventTypes() []eventstore.EventType
	Init(ctx context.Context) error
	Reduce(event eventstore.Event) (*handler.Statement, error)
}

func NewStatementHandler(config StatementHandlerConfig, projection Projection, reset func(ctx context.Context) error) *StatementHandler {
	tracker := NewCurrentStateTracker(config.Client, config.CurrentStateTable)
	ledger := NewFailedEventLedger(config.Client, config.FailedEventsTable)
	instanceID := config.InstanceID

	sh := &StatementHandler{
		client:            config.Client,
		projectionName:    config.ProjectionName,
		instanceID:        instanceID,
		currentStateTable: config.CurrentStateTable,
		tracker:           tracker,
		ledger:            ledger,
		maxFailureCount:   config.MaxFailureCount,
		aggregateTypes:    projection.AggregateTypes(),
		eventTypes:        projection.EventTypes(),
		bulkLimit:         config.BulkLimit,
	}
	if config.EnableLocking {
		sh.lockManager = NewLockManager(config.Client, config.LockTable, holderID(config.InstanceID, config.ProjectionName, config.RunID))
	}

	reduce := wrapReduce(projection)
	searchQuery := sh.buildSearchQuery()

	var lock handler.Lock
	var unlock handler.Unlock
	if sh.lockManager != nil {
		lockTTL := config.LockTTL
		lock = func(ctx context.Context, ttl time.Duration, keys ...string) <-chan error {
			if lockTTL > 0 {
				ttl = lockTTL
			}
			return sh.lockManager.Acquire(ctx, ttl, keys...)
		}
		unlock = sh.lockManager.Release
	}

	sh.ProjectionHandler = handler.NewProjectionHandler(
		config.ProjectionHandlerConfig,
		reduce,
		sh.Update,
		searchQuery,
		lock,
		unlock,
		projection.Init,
	)
	_ = reset
	return sh
}

func holderID(instanceID, projectionName, runID string) string {
	return fmt.Sprintf("%s/%s/%s", instanceID, projectionName, runID)
}

// wrapReduce enforces spec.md §4.4 step 2's filter predicate: an event
// whose type the projection does not declare is reduced to a no-op
// statement instead of being passed to the concrete reducer, so that the
// cursor still advances past it (spec.md §8 invariant 8).
func wrapReduce(p Projection) handler.Reduce {
	accepted := make(map[eventstore.EventType]bool, len(p.EventTypes()))
	for _, t := range p.EventTypes() {
		accepted[t] = true
	}
	return func(event eventstore.Event) (*handler.Statement, error) {
		if !accepted[event.EventType()] {
			return handler.NewNoOpStatement(event), nil
		}
		return p.Reduce(event)
	}
}

func (h *StatementHandler) buildSearchQuery() handler.SearchQuery {
	return func(ctx context.Context, instanceIDs []string) (*eventstore.SearchQuery, uint64, error) {
		instanceID := h.instanceID
		if len(instanceIDs) > 0 {
			instanceID = instanceIDs[0]
		}
		state, err := h.tracker.Get(ctx, h.projectionName, instanceID)
		if err != nil {
			return nil, 0, err
		}
		pos := eventstore.ZeroPosition
		if state != nil {
			pos = state.GlobalPosition()
		}
		builder := eventstore.NewSearchQueryBuilder().
			AggregateTypes(h.aggregateTypes...).
			EventTypes(h.eventTypes...).
			PositionAfter(pos).
			Limit(h.bulkLimit)
		if instanceID != "" {
			builder = builder.InstanceIDs(instanceID)
		}
		return builder.Build(), h.bulkLimit, nil
	}
}

// Update implements handler.Update: the transactional per-batch apply
// protocol described in spec.md §4.4.
func (h *StatementHandler) Update(ctx context.Context, statements []*handler.Statement, reduce handler.Reduce) (index int, err error) {
	ctx, span := tracing.NewSpan(ctx)
	defer func() { span.EndWithError(err) }()

	if len(statements) == 0 {
		return -1, nil
	}
	instanceID := statements[0].InstanceID

	tx, err := h.client.BeginTx(ctx, nil)
	if err != nil {
		return -1, zerrors.ThrowInternal(err, "PROJ-5q6r7", "unable to begin transaction")
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", h.projectionName); err != nil {
		return -1, zerrors.ThrowInternal(err, "PROJ-7s8t9", "unable to acquire advisory lock")
	}

	tracker := h.tracker.WithQueryer(tx)
	ledger := h.ledger.WithQueryer(tx)

	state, err := tracker.Get(ctx, h.projectionName, instanceID)
	if err != nil {
		return -1, err
	}
	cursor := eventstore.ZeroPosition
	if state != nil {
		cursor = state.GlobalPosition()
	}

	index = -1
	for i, stmt := range statements {
		if stmt.GlobalPosition.LessOrEqual(cursor) {
			// already applied before a prior commit in this batch (or a
			// previous attempt) — spec.md §8 invariant 2.
			index = i
			continue
		}

		if stmt.IsNoop() {
			if err := advanceCursor(ctx, tracker, h.projectionName, instanceID, stmt); err != nil {
				return index, err
			}
			cursor = stmt.GlobalPosition
			index = i
			continue
		}

		savepoint := fmt.Sprintf("proj_sp_%d", i)
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
			return index, zerrors.ThrowInternal(err, "PROJ-9u0v1", "unable to create savepoint")
		}

		applyErr := stmt.Execute(ctx, tx, h.projectionName)
		if applyErr == nil {
			if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
				return index, zerrors.ThrowInternal(err, "PROJ-1w2x3", "unable to release savepoint")
			}
			if err := advanceCursor(ctx, tracker, h.projectionName, instanceID, stmt); err != nil {
				return index, err
			}
			if err := ledger.RemoveByPosition(ctx, h.projectionName, instanceID, stmt.GlobalPosition.Position, stmt.GlobalPosition.PositionOffset); err != nil {
				return index, err
			}
			cursor = stmt.GlobalPosition
			index = i
			continue
		}

		if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); err != nil {
			return index, zerrors.ThrowInternal(err, "PROJ-3y4z5", "unable to roll back to savepoint")
		}

		count, recErr := ledger.Record(ctx, h.projectionName, instanceID, stmt.GlobalPosition.Position, stmt.GlobalPosition.PositionOffset, nil, applyErr)
		if recErr != nil {
			return index, recErr
		}

		if count >= h.maxFailureCount {
			// quarantine-and-continue: the event remains recorded, but no
			// longer blocks the projection (spec.md §3, §4.4 step 2).
			logging.WithFields("projection", h.projectionName, "position", stmt.GlobalPosition).WithError(applyErr).
				Warn("event permanently quarantined after exceeding max retries")
			if err := advanceCursor(ctx, tracker, h.projectionName, instanceID, stmt); err != nil {
				return index, err
			}
			cursor = stmt.GlobalPosition
			index = i
			continue
		}

		// leave the cursor where it is and stop applying the remaining
		// batch; everything already committed in this loop still commits.
		if err := tx.Commit(); err != nil {
			return index, zerrors.ThrowInternal(err, "PROJ-5a6b7", "unable to commit partial batch")
		}
		committed = true
		return index, handler.ErrSomeStmtsFailed
	}

	if err := tx.Commit(); err != nil {
		return index, zerrors.ThrowInternal(err, "PROJ-7c8d9", "unable to commit batch")
	}
	committed = true
	return index, nil
}

func advanceCursor(ctx context.Context, tracker *CurrentStateTracker, projectionName, instanceID string, stmt *handler.Statement) error {
	return tracker.Upsert(ctx, projectionName, instanceID, stmt.GlobalPosition, time.Time{}, string(stmt.AggregateType), stmt.AggregateID, 0)
}

// Reset truncates every table the projection owns and deletes its cursor,
// per spec.md §4.4 "STARTING: ... if rebuildOnStart, truncate target
// tables and delete cursor" and the admin reset endpoint (spec.md §4.5).
func (h *StatementHandler) Reset(ctx context.Context, tables []string) error {
	tx, err := h.client.BeginTx(ctx, nil)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-9e0f1", "unable to begin reset transaction")
	}
	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, "TRUNCATE "+table+" CASCADE"); err != nil {
			_ = tx.Rollback()
			return zerrors.ThrowInternal(err, "PROJ-1g2h3", "unable to truncate projection table")
		}
	}
	if err := h.tracker.WithQueryer(tx).Delete(ctx, h.projectionName, h.instanceID); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return zerrors.ThrowInternal(err, "PROJ-3i4j5", "unable to commit reset transaction")
	}
	return nil
}

func (h *StatementHandler) Tracker() *CurrentStateTracker { return h.tracker }
func (h *StatementHandler) Ledger() *FailedEventLedger    { return h.ledger }

// Health is the per-projection snapshot exposed at the admin HTTP
// boundary (spec.md §6, §8 invariant 9).
type Health struct {
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	Position        float64    `json:"position"`
	Lag             float64    `json:"lag"`
	LagMs           float64    `json:"lagMs"`
	LastProcessedAt *time.Time `json:"lastProcessedAt"`
	IsHealthy       bool       `json:"isHealthy"`
	ErrorCount      int        `json:"errorCount,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
}

// unhealthyLagThreshold is the maximum acceptable lag (spec.md §8
// invariant 9: "isHealthy == position == 0 || lag <= 5000").
const unhealthyLagThreshold = 5000

// Health builds the health snapshot for this projection by comparing its
// stored cursor against the log's latest matching position.
func (h *StatementHandler) Health(ctx context.Context, es eventstore.Eventstore) (*Health, error) {
	state, err := h.tracker.Get(ctx, h.projectionName, h.instanceID)
	if err != nil {
		return nil, err
	}

	query := eventstore.NewSearchQueryBuilder().
		AggregateTypes(h.aggregateTypes...).
		EventTypes(h.eventTypes...)
	if h.instanceID != "" {
		query = query.InstanceIDs(h.instanceID)
	}
	latest, err := es.LatestPosition(ctx, query.Build())
	if err != nil {
		return nil, err
	}

	health := &Health{
		Name:   h.projectionName,
		Status: h.runningStatus(),
	}
	if state != nil {
		health.Position = state.Position
		t := state.UpdatedAt
		health.LastProcessedAt = &t
	}
	health.Lag = latest.Position - health.Position
	if health.Lag < 0 {
		health.Lag = 0
	}
	health.LagMs = health.Lag
	health.IsHealthy = health.Position == 0 || health.Lag <= unhealthyLagThreshold

	stats, err := h.ledger.Stats(ctx)
	if err != nil {
		return nil, err
	}
	if count, ok := stats.PerProjection[h.projectionName]; ok {
		health.ErrorCount = count
	}
	failed, err := h.ledger.List(ctx, h.projectionName, h.instanceID)
	if err != nil {
		return nil, err
	}
	if len(failed) > 0 {
		health.LastError = failed[len(failed)-1].LastError
	}
	return health, nil
}

func (h *StatementHandler) runningStatus() string {
	if h.State().Running() {
		return "running"
	}
	return "initialized"
}
