package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gerrors "github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pulsehq/pulse-sdk/modules/insight/domain/aggregate"
	"github.com/pulsehq/pulse-sdk/pkg/composables"
)

var ErrRunNotFound = gerrors.New("run not found")

type PgRunRepository struct{}

func NewRunRepository() aggregate.RunRepository {
	return &PgRunRepository{}
}

const runColumns = `run_id, week_start, scope, status, mode, started_at, finished_at, counts, error`

func (r *PgRunRepository) Insert(ctx context.Context, rec *aggregate.RunRecord) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}

	countsRaw, err := json.Marshal(rec.Counts)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO weekly_runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pgUUID(rec.RunID), rec.WeekStart, rec.Scope, string(rec.Status), string(rec.Mode),
		rec.StartedAt, rec.FinishedAt, countsRaw, rec.Error,
	)
	if err != nil {
		return gerrors.Wrap(err, "failed to insert run record")
	}
	return nil
}

func (r *PgRunRepository) Get(ctx context.Context, runID uuid.UUID) (*aggregate.RunRecord, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, `SELECT `+runColumns+` FROM weekly_runs WHERE run_id = $1`, pgUUID(runID))
	rec, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (r *PgRunRepository) ListForWeek(ctx context.Context, weekStart time.Time) ([]aggregate.RunRecord, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx,
		`SELECT `+runColumns+` FROM weekly_runs WHERE week_start = $1 ORDER BY started_at DESC`,
		weekStart,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []aggregate.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (*aggregate.RunRecord, error) {
	var (
		rec       aggregate.RunRecord
		status    string
		mode      string
		countsRaw []byte
	)
	if err := row.Scan(
		&rec.RunID, &rec.WeekStart, &rec.Scope, &status, &mode,
		&rec.StartedAt, &rec.FinishedAt, &countsRaw, &rec.Error,
	); err != nil {
		return nil, err
	}
	rec.Status = aggregate.RunStatus(status)
	rec.Mode = aggregate.RunMode(mode)
	if err := json.Unmarshal(countsRaw, &rec.Counts); err != nil {
		return nil, gerrors.Wrap(err, "failed to decode run counts")
	}
	return &rec, nil
}
