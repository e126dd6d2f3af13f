package handler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/zitadel/logging"

	"github.com/zitadel/projection-engine/internal/eventstore"
)

// ProjectionHandlerConfig is the storage-agnostic half of a projection's
// configuration; the pg subpackage extends it with the backend-specific
// fields (table names, batch size, lock TTL, ...).
type ProjectionHandlerConfig struct {
	HandlerConfig
	ProjectionName string

	// RequeueEvery is the pacing interval between catch-up batches once a
	// batch returns fewer than BulkLimit events (spec.md §4.4, "pacing").
	RequeueEvery time.Duration

	// RetryFailedAfter is how long Process sleeps between ImmediateRetries
	// attempts within a single Trigger call.
	RetryFailedAfter time.Duration

	// ImmediateRetries bounds how many times Process re-attempts a batch
	// whose Update call returned ErrSomeStmtsFailed before giving up and
	// waiting for the next scheduled tick. This is independent from the
	// failed-event ledger's permanent-quarantine threshold (MaxFailureCount
	// in pg.StatementHandlerConfig), which governs whether a specific event
	// is ever retried again at all.
	ImmediateRetries uint

	// ConcurrentInstances is stored on the handler (raised to at least 1).
	// The schedule loop does not read it: each tick runs one fetch for the
	// handler's configured instance, with no parallel per-tenant fan-out.
	ConcurrentInstances uint

	// HandleActiveInstances is stored on the handler. The schedule loop
	// does not read it: no tick narrows the fetch to recently active
	// instances.
	HandleActiveInstances time.Duration

	// MaxConsecutiveBatchErrors is the number of consecutive transient
	// batch-level errors (not reducer/event errors) after which the
	// handler transitions to StateError and stops itself.
	MaxConsecutiveBatchErrors uint
}

// SearchQuery generates the search query used to fetch the next batch of
// events for the given instances, already narrowed to the accepted
// aggregate/event types and positioned after the current cursor.
type SearchQuery func(ctx context.Context, instanceIDs []string) (query *eventstore.SearchQuery, limit uint64, err error)

// ProjectionHandler is the per-projection worker described in spec.md §4.4:
// it periodically fetches events past its cursor, reduces and applies
// them, and maintains the STOPPED→STARTING→CATCH_UP↔LIVE→STOPPING→STOPPED
// (and terminal ERROR) state machine.
type ProjectionHandler struct {
	Handler
	ProjectionName string

	reduce      Reduce
	update      Update
	searchQuery SearchQuery
	lock        Lock
	unlock      Unlock
	initFunc    func(context.Context) error

	triggerProjection *time.Timer
	stop              chan struct{}
	stopped           chan struct{}

	requeueAfter          time.Duration
	retryFailedAfter      time.Duration
	immediateRetries      int
	concurrentInstances   int
	handleActiveInstances time.Duration
	maxConsecutiveErrors  int
	consecutiveErrors     int
	lockCancel            context.CancelFunc

	nowFunc NowFunc
}

func NewProjectionHandler(
	config ProjectionHandlerConfig,
	reduce Reduce,
	update Update,
	query SearchQuery,
	lock Lock,
	unlock Unlock,
	initFunc func(context.Context) error,
) *ProjectionHandler {
	concurrentInstances := int(config.ConcurrentInstances)
	if concurrentInstances < 1 {
		concurrentInstances = 1
	}
	maxConsecutiveErrors := int(config.MaxConsecutiveBatchErrors)
	if maxConsecutiveErrors <= 0 {
		maxConsecutiveErrors = 10
	}
	return &ProjectionHandler{
		Handler:               NewHandler(config.HandlerConfig),
		ProjectionName:        config.ProjectionName,
		reduce:                reduce,
		update:                update,
		searchQuery:           query,
		lock:                  lock,
		unlock:                unlock,
		initFunc:              initFunc,
		triggerProjection:     time.NewTimer(0),
		requeueAfter:          config.RequeueEvery,
		retryFailedAfter:      config.RetryFailedAfter,
		immediateRetries:      int(config.ImmediateRetries),
		concurrentInstances:   concurrentInstances,
		handleActiveInstances: config.HandleActiveInstances,
		maxConsecutiveErrors:  maxConsecutiveErrors,
		nowFunc:               time.Now,
	}
}

// Start transitions STOPPED -> STARTING -> CATCH_UP and launches the
// schedule loop. It is idempotent: calling Start on an already-running
// handler is a no-op.
func (h *ProjectionHandler) Start(ctx context.Context, rebuildOnStart bool, resetFunc func(context.Context) error) error {
	if h.State().Running() {
		return nil
	}
	h.setState(StateStarting)

	if h.initFunc != nil {
		if err := h.initFunc(ctx); err != nil {
			h.setState(StateStopped)
			return fmt.Errorf("init projection %s: %w", h.ProjectionName, err)
		}
	}
	if rebuildOnStart && resetFunc != nil {
		if err := resetFunc(ctx); err != nil {
			h.setState(StateStopped)
			return fmt.Errorf("rebuild projection %s: %w", h.ProjectionName, err)
		}
	}

	h.stop = make(chan struct{})
	h.stopped = make(chan struct{})
	h.consecutiveErrors = 0
	h.setState(StateCatchUp)
	h.triggerProjection.Reset(0)

	go h.schedule(ctx)
	return nil
}

// Stop transitions the handler to STOPPING, waits for the in-flight batch
// to finish (or roll back) and returns once the worker has fully stopped.
func (h *ProjectionHandler) Stop() {
	if !h.State().Running() {
		return
	}
	h.setState(StateStopping)
	close(h.stop)
	<-h.stopped
	h.setState(StateStopped)
}

// Trigger handles all events for the provided instances by calling
// FetchEvents and Process until a batch returns fewer than BulkLimit
// events. Errors are only logged; use TriggerErr to observe them.
func (h *ProjectionHandler) Trigger(ctx context.Context, instances ...string) {
	if err := h.TriggerErr(ctx, instances...); err != nil {
		logging.WithFields("projection", h.ProjectionName, "instanceIDs", instances).WithError(err).Error("trigger failed")
	}
}

// TriggerErr handles all events for the provided instances by calling
// FetchEvents and Process until a batch returns fewer than BulkLimit
// events (continuous catch-up without the inter-batch pacing delay).
func (h *ProjectionHandler) TriggerErr(ctx context.Context, instances ...string) error {
	for {
		events, limitExceeded, err := h.FetchEvents(ctx, instances...)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		if _, err := h.Process(ctx, events...); err != nil && !errors.Is(err, ErrSomeStmtsFailed) {
			return err
		}
		if !limitExceeded {
			return nil
		}
	}
}

// Process reduces and applies a batch of events, retrying within the
// immediate-retry budget before surfacing ErrSomeStmtsFailed to the
// caller (who will retry again on the next scheduled tick).
func (h *ProjectionHandler) Process(ctx context.Context, events ...eventstore.Event) (index int, err error) {
	if len(events) == 0 {
		return -1, nil
	}
	statements := make([]*Statement, len(events))
	for i, event := range events {
		statements[i], err = h.reduce(event)
		if err != nil {
			return -1, err
		}
	}

	index = -1
	for attempt := 0; attempt <= h.immediateRetries; attempt++ {
		idx, uErr := h.update(ctx, statements, h.reduce)
		if idx > index {
			index = idx
		}
		if uErr == nil {
			return index, nil
		}
		if !errors.Is(uErr, ErrSomeStmtsFailed) {
			return index, uErr
		}
		err = uErr
		if attempt < h.immediateRetries {
			time.Sleep(h.retryFailedAfter)
		}
	}
	return index, err
}

// FetchEvents checks the current cursor and fetches events past it.
func (h *ProjectionHandler) FetchEvents(ctx context.Context, instances ...string) ([]eventstore.Event, bool, error) {
	query, limit, err := h.searchQuery(ctx, instances)
	if err != nil {
		return nil, false, err
	}
	events, err := h.Eventstore.Filter(ctx, query)
	if err != nil {
		return nil, false, err
	}
	return events, limit > 0 && uint64(len(events)) >= limit, nil
}

func (h *ProjectionHandler) schedule(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		if r := recover(); r != nil {
			logging.WithFields("projection", h.ProjectionName, "cause", r, "stack", string(debug.Stack())).Error("schedule panicked")
		}
		cancel()
		close(h.stopped)
	}()

	for {
		select {
		case <-h.stop:
			return
		case firstHint := <-h.EventQueue:
			// coalesce any further hints queued while we were busy; the
			// hint itself carries no data we need, it only wakes us early.
			_ = checkAdditionalEvents(h.EventQueue, firstHint)
			h.runOnce(ctx)
		case <-h.triggerProjection.C:
			h.runOnce(ctx)
		}
		select {
		case <-h.stop:
			return
		default:
		}
	}
}

func (h *ProjectionHandler) runOnce(ctx context.Context) {
	if h.State() == StateError {
		return
	}
	if err := h.acquireLock(ctx); err != nil {
		logging.WithFields("projection", h.ProjectionName).WithError(err).Warn("lock acquisition failed, skipping tick")
		h.triggerProjection.Reset(h.requeueAfter)
		return
	}
	defer h.releaseLock()

	fullBatch := true
	for fullBatch {
		if h.State() == StateError {
			// lease renewal failed (see watchLock): stop making progress
			return
		}
		events, limitExceeded, err := h.FetchEvents(ctx)
		fullBatch = limitExceeded
		if err != nil {
			h.onBatchError(err)
			return
		}
		if len(events) == 0 {
			h.setState(StateLive)
			break
		}
		h.setState(StateCatchUp)
		_, err = h.Process(ctx, events...)
		if err != nil && !errors.Is(err, ErrSomeStmtsFailed) {
			h.onBatchError(err)
			return
		}
		h.consecutiveErrors = 0
		if err != nil {
			// an event is still within its retry budget: retry it on the
			// next scheduled tick instead of refetching immediately
			break
		}
	}

	if h.State() != StateError {
		h.triggerProjection.Reset(h.requeueAfter)
	}
}

func (h *ProjectionHandler) onBatchError(err error) {
	h.consecutiveErrors++
	logging.WithFields("projection", h.ProjectionName, "consecutiveErrors", h.consecutiveErrors).WithError(err).Warn("batch failed")
	if h.consecutiveErrors >= h.maxConsecutiveErrors {
		logging.WithFields("projection", h.ProjectionName).Error("too many consecutive batch errors, entering error state")
		h.setState(StateError)
		return
	}
	h.triggerProjection.Reset(h.requeueAfter)
}

func (h *ProjectionHandler) acquireLock(ctx context.Context) error {
	if h.lock == nil {
		return nil
	}
	lockCtx, cancel := context.WithCancel(ctx)
	errs := h.lock(lockCtx, h.requeueAfter, h.ProjectionName)
	if err, ok := <-errs; err != nil || !ok {
		cancel()
		return fmt.Errorf("acquire lock for %s: %w", h.ProjectionName, err)
	}
	h.lockCancel = cancel
	go h.watchLock(lockCtx, errs, cancel)
	return nil
}

func (h *ProjectionHandler) releaseLock() {
	if h.unlock == nil {
		return
	}
	if h.lockCancel != nil {
		h.lockCancel()
	}
	if err := h.unlock(h.ProjectionName); err != nil {
		logging.WithFields("projection", h.ProjectionName).WithError(err).Warn("unable to unlock")
	}
}

// watchLock stops the handler if lease renewal fails, avoiding split-
// brain: a second worker will reclaim the lease after it expires.
func (h *ProjectionHandler) watchLock(ctx context.Context, errs <-chan error, cancel context.CancelFunc) {
	for {
		select {
		case err := <-errs:
			if err != nil {
				logging.WithFields("projection", h.ProjectionName).WithError(err).Warn("lease renewal failed, stopping")
				h.setState(StateError)
				cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
