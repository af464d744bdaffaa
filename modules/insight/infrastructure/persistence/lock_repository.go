package persistence

import (
	"context"
	"errors"
	"time"

	gerrors "github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pulsehq/pulse-sdk/modules/insight/domain/aggregate"
	"github.com/pulsehq/pulse-sdk/pkg/composables"
)

var ErrLockNotFound = gerrors.New("lock not found")

type PgLockRepository struct{}

func NewLockRepository() aggregate.LockRepository {
	return &PgLockRepository{}
}

const lockColumns = `scope, week_start, run_id, acquired_at, expires_at, released_at`

// Acquire takes the (scope, week_start) lock only when no row exists or the
// existing row was released. An expired but unreleased row still blocks
// acquisition: a holder that died mid-run left state of unknown integrity,
// and only an operator ForceRelease clears it.
func (r *PgLockRepository) Acquire(ctx context.Context, scope string, weekStart time.Time, runID uuid.UUID, ttl time.Duration) (*aggregate.Lock, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	lock := aggregate.Lock{
		Scope:      scope,
		WeekStart:  weekStart,
		RunID:      runID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO weekly_locks (scope, week_start, run_id, acquired_at, expires_at, released_at)
		 VALUES ($1, $2, $3, $4, $5, NULL)
		 ON CONFLICT (scope, week_start) DO UPDATE
		    SET run_id = EXCLUDED.run_id,
		        acquired_at = EXCLUDED.acquired_at,
		        expires_at = EXCLUDED.expires_at,
		        released_at = NULL
		  WHERE weekly_locks.released_at IS NOT NULL
		 RETURNING acquired_at`,
		scope, weekStart, pgUUID(runID), lock.AcquiredAt, lock.ExpiresAt,
	).Scan(&lock.AcquiredAt)
	if err == nil {
		return &lock, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, gerrors.Wrap(err, "failed to acquire lock")
	}

	holder, err := r.get(ctx, scope, weekStart)
	if err != nil {
		return nil, err
	}
	return nil, &aggregate.LockHeldError{Holder: *holder}
}

func (r *PgLockRepository) Release(ctx context.Context, scope string, weekStart time.Time, runID uuid.UUID) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE weekly_locks
		    SET released_at = now()
		  WHERE scope = $1 AND week_start = $2 AND run_id = $3 AND released_at IS NULL`,
		scope, weekStart, pgUUID(runID),
	)
	if err != nil {
		return gerrors.Wrap(err, "failed to release lock")
	}
	if tag.RowsAffected() == 0 {
		return ErrLockNotFound
	}
	return nil
}

func (r *PgLockRepository) ForceRelease(ctx context.Context, scope string, weekStart time.Time) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE weekly_locks
		    SET released_at = now()
		  WHERE scope = $1 AND week_start = $2 AND released_at IS NULL`,
		scope, weekStart,
	)
	if err != nil {
		return gerrors.Wrap(err, "failed to force-release lock")
	}
	if tag.RowsAffected() == 0 {
		return ErrLockNotFound
	}
	return nil
}

func (r *PgLockRepository) ListStuck(ctx context.Context, now time.Time) ([]aggregate.Lock, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx,
		`SELECT `+lockColumns+`
		   FROM weekly_locks
		  WHERE released_at IS NULL AND expires_at < $1
		  ORDER BY expires_at`,
		now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []aggregate.Lock
	for rows.Next() {
		var lock aggregate.Lock
		if err := rows.Scan(&lock.Scope, &lock.WeekStart, &lock.RunID, &lock.AcquiredAt, &lock.ExpiresAt, &lock.ReleasedAt); err != nil {
			return nil, err
		}
		out = append(out, lock)
	}
	return out, rows.Err()
}

func (r *PgLockRepository) get(ctx context.Context, scope string, weekStart time.Time) (*aggregate.Lock, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	var lock aggregate.Lock
	err = tx.QueryRow(ctx,
		`SELECT `+lockColumns+` FROM weekly_locks WHERE scope = $1 AND week_start = $2`,
		scope, weekStart,
	).Scan(&lock.Scope, &lock.WeekStart, &lock.RunID, &lock.AcquiredAt, &lock.ExpiresAt, &lock.ReleasedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLockNotFound
		}
		return nil, err
	}
	return &lock, nil
}
