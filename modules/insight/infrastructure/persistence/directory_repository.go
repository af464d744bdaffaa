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

var (
	ErrOrgNotFound  = gerrors.New("org not found")
	ErrTeamNotFound = gerrors.New("team not found")
)

type PgDirectoryRepository struct{}

func NewDirectoryRepository() aggregate.DirectoryRepository {
	return &PgDirectoryRepository{}
}

const orgColumns = `id, name, k_threshold, week_start_day, timezone`

func (r *PgDirectoryRepository) GetOrg(ctx context.Context, id uuid.UUID) (*aggregate.Org, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, `SELECT `+orgColumns+` FROM orgs WHERE id = $1`, pgUUID(id))
	org, err := scanOrg(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrgNotFound
		}
		return nil, err
	}
	return org, nil
}

func (r *PgDirectoryRepository) ListOrgs(ctx context.Context) ([]aggregate.Org, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `SELECT `+orgColumns+` FROM orgs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []aggregate.Org
	for rows.Next() {
		org, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *org)
	}
	return out, rows.Err()
}

func (r *PgDirectoryRepository) GetTeam(ctx context.Context, id uuid.UUID) (*aggregate.Team, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	var team aggregate.Team
	err = tx.QueryRow(ctx, `SELECT id, org_id, name FROM teams WHERE id = $1`, pgUUID(id)).
		Scan(&team.ID, &team.OrgID, &team.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTeamNotFound
		}
		return nil, err
	}
	return &team, nil
}

func (r *PgDirectoryRepository) ListTeams(ctx context.Context, orgID uuid.UUID) ([]aggregate.Team, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `SELECT id, org_id, name FROM teams WHERE org_id = $1 ORDER BY id`, pgUUID(orgID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []aggregate.Team
	for rows.Next() {
		var team aggregate.Team
		if err := rows.Scan(&team.ID, &team.OrgID, &team.Name); err != nil {
			return nil, err
		}
		out = append(out, team)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrg(row rowScanner) (*aggregate.Org, error) {
	var org aggregate.Org
	var weekStartDay int
	if err := row.Scan(&org.ID, &org.Name, &org.KThreshold, &weekStartDay, &org.Timezone); err != nil {
		return nil, err
	}
	org.WeekStartDay = time.Weekday(weekStartDay)
	if org.KThreshold <= 0 {
		org.KThreshold = aggregate.DefaultKThreshold
	}
	return &org, nil
}
