package persistence

import (
	"context"
	"time"

	gerrors "github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/pulsehq/pulse-sdk/modules/insight/domain/aggregate"
	"github.com/pulsehq/pulse-sdk/modules/insight/domain/estimator"
	"github.com/pulsehq/pulse-sdk/pkg/composables"
)

type PgSnapshotRepository struct{}

func NewSnapshotRepository() aggregate.SnapshotRepository {
	return &PgSnapshotRepository{}
}

// Membership is evaluated as of week start: a mid-week transfer does not
// retroactively alter a closed week's input set.
const memberFilter = `
	m.team_id = $1
	AND m.valid_from <= $2
	AND (m.valid_to IS NULL OR m.valid_to > $2)`

func (r *PgSnapshotRepository) EnsureWeek(ctx context.Context, teamID uuid.UUID, weekStart time.Time) (int, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return 0, err
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO latent_states_history (user_id, week_start, parameter, mean, variance, snapshotted_at)
		 SELECT ls.user_id, $2, ls.parameter, ls.mean, ls.variance, now()
		   FROM latent_states ls
		   JOIN team_memberships m ON m.user_id = ls.user_id
		  WHERE `+memberFilter+`
		 ON CONFLICT (user_id, week_start, parameter) DO NOTHING`,
		pgUUID(teamID), weekStart,
	)
	if err != nil {
		return 0, gerrors.Wrap(err, "failed to snapshot latent states")
	}
	return int(tag.RowsAffected()), nil
}

func (r *PgSnapshotRepository) ListForTeamWeek(ctx context.Context, teamID uuid.UUID, weekStart time.Time) ([]aggregate.Snapshot, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx,
		`SELECT h.user_id, h.week_start, h.parameter, h.mean, h.variance
		   FROM latent_states_history h
		   JOIN team_memberships m ON m.user_id = h.user_id
		  WHERE h.week_start = $2 AND `+memberFilter+`
		  ORDER BY h.user_id, h.parameter`,
		pgUUID(teamID), weekStart,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSnapshots(rows)
}

func (r *PgSnapshotRepository) ListCurrentForTeam(ctx context.Context, teamID uuid.UUID, weekStart time.Time) ([]aggregate.Snapshot, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx,
		`SELECT ls.user_id, $2::timestamptz, ls.parameter, ls.mean, ls.variance
		   FROM latent_states ls
		   JOIN team_memberships m ON m.user_id = ls.user_id
		  WHERE `+memberFilter+`
		  ORDER BY ls.user_id, ls.parameter`,
		pgUUID(teamID), weekStart,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSnapshots(rows)
}

type pgRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanSnapshots(rows pgRows) ([]aggregate.Snapshot, error) {
	var out []aggregate.Snapshot
	for rows.Next() {
		var s aggregate.Snapshot
		var parameter string
		if err := rows.Scan(&s.UserID, &s.WeekStart, &parameter, &s.Mean, &s.Variance); err != nil {
			return nil, err
		}
		s.Parameter = estimator.Parameter(parameter)
		out = append(out, s)
	}
	return out, rows.Err()
}
