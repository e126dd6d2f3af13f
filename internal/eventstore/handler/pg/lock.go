package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	sq "github.com/Masterminds/squirrel"

	"github.com/zitadel/projection-engine/internal/eventstore/handler"
	"github.com/zitadel/projection-engine/internal/zerrors"
)

// LockManager implements the lease-lock protocol of spec.md §4.6: at most
// one row per projectionName, held iff expiresAt > now(); a stale row
// (past expiry) is reclaimable by anyone.
type LockManager struct {
	db       Queryer
	table    string
	holderID string
	clock    clock.Clock
}

func NewLockManager(db Queryer, table, holderID string) *LockManager {
	return &LockManager{db: db, table: table, holderID: holderID, clock: clock.New()}
}

// WithClock overrides the renew-loop ticker's clock, so that a caller can
// substitute e.g. a clock.Mock to drive lease renewal without sleeping in
// real time.
func (l *LockManager) WithClock(c clock.Clock) *LockManager {
	l.clock = c
	return l
}

// tryAcquire is a single upsert attempt: insert the row, or update it in
// place only if the stored lease has expired.
func (l *LockManager) tryAcquire(ctx context.Context, ttl time.Duration, key string) (bool, error) {
	query, args, err := sq.Insert(l.table).
		Columns("projection_name", "instance_id", "acquired_at", "expires_at").
		Values(key, l.holderID, sq.Expr("now()"), sq.Expr("now() + ?::interval", ttl.String())).
		Suffix(`ON CONFLICT (projection_name) DO UPDATE SET
			instance_id = EXCLUDED.instance_id,
			acquired_at = now(),
			expires_at = now() + ?::interval
			WHERE `+l.table+`.expires_at < now()
			RETURNING instance_id`, ttl.String()).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return false, zerrors.ThrowInternal(err, "PROJ-1p2q3", "unable to build lock acquire statement")
	}

	var holder string
	err = l.db.QueryRowContext(ctx, query, args...).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		// conflict existed and the WHERE clause excluded it: someone
		// else already holds a live lease.
		return false, nil
	}
	if err != nil {
		return false, zerrors.ThrowInternal(err, "PROJ-3r4s5", "unable to acquire lock")
	}
	return holder == l.holderID, nil
}

// renew extends expiresAt conditional on still being the holder.
func (l *LockManager) renew(ctx context.Context, ttl time.Duration, key string) (bool, error) {
	query, args, err := sq.Update(l.table).
		Set("expires_at", sq.Expr("now() + ?::interval", ttl.String())).
		Where(sq.Eq{"projection_name": key, "instance_id": l.holderID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return false, zerrors.ThrowInternal(err, "PROJ-5t6u7", "unable to build lock renew statement")
	}
	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, zerrors.ThrowInternal(err, "PROJ-7v8w9", "unable to renew lock")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, zerrors.ThrowInternal(err, "PROJ-9x0y1", "unable to read renew result")
	}
	return affected > 0, nil
}

// Release conditionally deletes the lease row, only if still held by us.
func (l *LockManager) Release(keys ...string) error {
	ctx := context.Background()
	query, args, err := sq.Delete(l.table).
		Where(sq.Eq{"projection_name": keys, "instance_id": l.holderID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-1z2a3", "unable to build lock release statement")
	}
	_, err = l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-3b4c5", "unable to release lock")
	}
	return nil
}

// Acquire implements handler.Lock: it attempts to acquire a lease for
// every key, fails fast if any is already held elsewhere, and then
// renews every ttl/3 until ctx is cancelled or renewal fails.
func (l *LockManager) Acquire(ctx context.Context, ttl time.Duration, keys ...string) <-chan error {
	errs := make(chan error, 1)
	go func() {
		for _, key := range keys {
			ok, err := l.tryAcquire(ctx, ttl, key)
			if err != nil {
				errs <- err
				return
			}
			if !ok {
				errs <- fmt.Errorf("lock %q already held by another instance", key)
				return
			}
		}
		errs <- nil
		go l.renewLoop(ctx, ttl, keys, errs)
	}()
	return errs
}

func (l *LockManager) renewLoop(ctx context.Context, ttl time.Duration, keys []string, errs chan<- error) {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := l.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, key := range keys {
				ok, err := l.renew(ctx, ttl, key)
				if err != nil {
					errs <- err
					return
				}
				if !ok {
					errs <- errors.New("lease lost: no longer the holder")
					return
				}
			}
		}
	}
}

// CleanupExpired removes every stale lease row, exposed as an admin
// entry and run once at registry startup (spec.md §4.5).
func (l *LockManager) CleanupExpired(ctx context.Context) (int64, error) {
	query, args, err := sq.Delete(l.table).
		Where(sq.Expr("expires_at < now()")).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return 0, zerrors.ThrowInternal(err, "PROJ-5d6e7", "unable to build lock cleanup statement")
	}
	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, zerrors.ThrowInternal(err, "PROJ-7f8g9", "unable to clean up expired locks")
	}
	return res.RowsAffected()
}

var _ handler.Lock = (&LockManager{}).Acquire
var _ handler.Unlock = (&LockManager{}).Release
