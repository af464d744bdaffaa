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

var ErrInterpretationNotFound = gerrors.New("interpretation not found")

type PgInterpretationRepository struct{}

func NewInterpretationRepository() aggregate.InterpretationRepository {
	return &PgInterpretationRepository{}
}

func (r *PgInterpretationRepository) GetActive(ctx context.Context, orgID, teamID uuid.UUID, weekStart time.Time) (*aggregate.Interpretation, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	var (
		interp      aggregate.Interpretation
		sectionsRaw []byte
	)
	err = tx.QueryRow(ctx,
		`SELECT id, org_id, team_id, week_start, input_hash, model_id, prompt_version,
		        sections, is_active, created_at
		   FROM weekly_interpretations
		  WHERE org_id = $1 AND team_id = $2 AND week_start = $3 AND is_active`,
		pgUUID(orgID), pgUUID(teamID), weekStart,
	).Scan(
		&interp.ID, &interp.OrgID, &interp.TeamID, &interp.WeekStart,
		&interp.InputHash, &interp.ModelID, &interp.PromptVersion,
		&sectionsRaw, &interp.IsActive, &interp.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInterpretationNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(sectionsRaw, &interp.Sections); err != nil {
		return nil, gerrors.Wrap(err, "failed to decode interpretation sections")
	}
	return &interp, nil
}

// Insert supersedes any prior active row. History is retained for audit:
// rows are marked inactive, never deleted.
func (r *PgInterpretationRepository) Insert(ctx context.Context, interp *aggregate.Interpretation) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}

	sectionsRaw, err := json.Marshal(interp.Sections)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`UPDATE weekly_interpretations
		    SET is_active = false
		  WHERE org_id = $1 AND team_id = $2 AND week_start = $3 AND is_active`,
		pgUUID(interp.OrgID), pgUUID(interp.TeamID), interp.WeekStart,
	)
	if err != nil {
		return gerrors.Wrap(err, "failed to supersede interpretation")
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO weekly_interpretations
		   (id, org_id, team_id, week_start, input_hash, model_id, prompt_version,
		    sections, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true, now())`,
		pgUUID(interp.ID), pgUUID(interp.OrgID), pgUUID(interp.TeamID), interp.WeekStart,
		interp.InputHash, interp.ModelID, interp.PromptVersion, sectionsRaw,
	)
	if err != nil {
		return gerrors.Wrap(err, "failed to insert interpretation")
	}
	return nil
}
