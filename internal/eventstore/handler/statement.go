package handler

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/zitadel/projection-engine/internal/eventstore"
)

// ErrSomeStmtsFailed is returned by Update when at least one statement in
// the batch could not be applied (and was not eligible for skip-with-
// quarantine). index still reflects the last statement that *did* commit.
var ErrSomeStmtsFailed = errors.New("not all statements succeeded")

// Executer is the minimal transactional handle a Statement needs. *sql.Tx
// and *sql.DB both satisfy it; the pg backend passes the batch's *sql.Tx,
// with each statement wrapped in a SAVEPOINT on that same transaction.
type Executer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Column is a single column/value pair used to build a Statement's SQL by
// a concrete backend (see pg.NewCreateStatement and friends). The engine
// itself never interprets Column; it is opaque until a backend renders it.
type Column struct {
	Name  string
	Value interface{}
}

// Statement is the pure output of a projection's Reduce: a deferred table
// mutation, not yet executed. Keeping Reduce pure (it only ever *builds*
// a Statement) is what lets the handler isolate each event's effect behind
// a savepoint without threading a transaction handle through every
// concrete projection.
type Statement struct {
	GlobalPosition eventstore.GlobalPosition
	AggregateType  eventstore.AggregateType
	AggregateID    string
	InstanceID     string

	// TableNames lists the table(s) this statement touches. It is
	// informational: reset truncates the tables returned by the
	// projection's Tables(), not these.
	TableNames []string

	noop    bool
	execute func(ctx context.Context, ex Executer, projectionName string) error
}

// IsNoop reports whether applying this statement has no side effect (the
// event was filtered out, or a reducer explicitly chose not to write).
// A noop statement still advances the cursor.
func (s *Statement) IsNoop() bool {
	return s == nil || s.noop || s.execute == nil
}

func (s *Statement) Execute(ctx context.Context, ex Executer, projectionName string) error {
	if s.IsNoop() {
		return nil
	}
	return s.execute(ctx, ex, projectionName)
}

// NewStatement builds a Statement from a raw execute closure. Concrete
// backends (pg.NewCreateStatement, pg.NewUpdateStatement, ...) are thin
// wrappers around this that also fill in the SQL.
func NewStatement(event eventstore.Event, tables []string, execute func(ctx context.Context, ex Executer, projectionName string) error) *Statement {
	return &Statement{
		GlobalPosition: event.GlobalPosition(),
		AggregateType:  event.AggregateType(),
		AggregateID:    event.AggregateID(),
		InstanceID:     event.InstanceID(),
		TableNames:     tables,
		execute:        execute,
	}
}

// NewNoOpStatement is returned for events whose effect is a no-op: events
// outside the projection's declared event types (see pg.wrapReduce), and
// events a reducer chooses not to write (e.g. a superseded change). The
// cursor still advances past it.
func NewNoOpStatement(event eventstore.Event) *Statement {
	return &Statement{
		GlobalPosition: event.GlobalPosition(),
		AggregateType:  event.AggregateType(),
		AggregateID:    event.AggregateID(),
		InstanceID:     event.InstanceID(),
		noop:           true,
	}
}

// Reduce reduces a single event to a Statement. It must be deterministic
// and must not perform I/O: all side effects are deferred to the
// Statement's Execute, which the handler invokes inside a savepoint.
type Reduce func(eventstore.Event) (*Statement, error)

// Update applies statements (in order) inside a single transaction,
// skipping the cursor forward past quarantined failures and stopping
// short of the first failure that has not yet exceeded its retry budget.
// It returns the index of the last statement it successfully applied-or-
// skipped, and ErrSomeStmtsFailed if it stopped early.
type Update func(ctx context.Context, statements []*Statement, reduce Reduce) (index int, err error)

// Lock attempts to acquire the distributed lease for the given keys
// (typically a projection name, or "system" plus a set of instance ids).
// The returned channel first receives nil once every key is acquired, or a
// non-nil error if acquisition fails. After that it receives a value only
// if renewal fails (a non-nil error, after which nothing more is sent);
// successful renewals send nothing, and cancelling ctx stops renewal
// without sending.
type Lock func(ctx context.Context, ttl time.Duration, keys ...string) <-chan error

// Unlock releases a previously acquired lease.
type Unlock func(keys ...string) error

// NowFunc makes time.Now mockable in tests.
type NowFunc func() time.Time
