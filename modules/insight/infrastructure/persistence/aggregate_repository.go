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

var ErrAggregateNotFound = gerrors.New("weekly aggregate not found")

type PgAggregateRepository struct{}

func NewAggregateRepository() aggregate.AggregateRepository {
	return &PgAggregateRepository{}
}

func (r *PgAggregateRepository) Get(ctx context.Context, orgID, teamID uuid.UUID, weekStart time.Time) (*aggregate.WeeklyAggregate, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	var (
		agg            aggregate.WeeklyAggregate
		meansRaw       []byte
		uncertaintyRaw []byte
		indicesRaw     []byte
		breakdownRaw   []byte
	)
	err = tx.QueryRow(ctx,
		`SELECT org_id, team_id, week_start, parameter_means, parameter_uncertainty,
		        indices, index_version, contributor_count, contributions_breakdown,
		        input_hash, compute_version, created_at, updated_at
		   FROM org_aggregates_weekly
		  WHERE org_id = $1 AND team_id = $2 AND week_start = $3`,
		pgUUID(orgID), pgUUID(teamID), weekStart,
	).Scan(
		&agg.OrgID, &agg.TeamID, &agg.WeekStart, &meansRaw, &uncertaintyRaw,
		&indicesRaw, &agg.IndexVersion, &agg.ContributorCount, &breakdownRaw,
		&agg.InputHash, &agg.ComputeVersion, &agg.CreatedAt, &agg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAggregateNotFound
		}
		return nil, err
	}

	if agg.ParameterMeans, err = unmarshalParamMap(meansRaw); err != nil {
		return nil, gerrors.Wrap(err, "failed to decode parameter means")
	}
	if agg.ParameterUncertainty, err = unmarshalParamMap(uncertaintyRaw); err != nil {
		return nil, gerrors.Wrap(err, "failed to decode parameter uncertainty")
	}
	if agg.Indices, err = unmarshalIndexMap(indicesRaw); err != nil {
		return nil, gerrors.Wrap(err, "failed to decode indices")
	}
	if len(breakdownRaw) > 0 {
		var b aggregate.Breakdown
		if err := json.Unmarshal(breakdownRaw, &b); err != nil {
			return nil, gerrors.Wrap(err, "failed to decode contributions breakdown")
		}
		agg.Contributions = &b
	}
	return &agg, nil
}

func (r *PgAggregateRepository) GetInputHash(ctx context.Context, orgID, teamID uuid.UUID, weekStart time.Time) (string, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return "", err
	}

	var hash string
	err = tx.QueryRow(ctx,
		`SELECT input_hash FROM org_aggregates_weekly
		  WHERE org_id = $1 AND team_id = $2 AND week_start = $3`,
		pgUUID(orgID), pgUUID(teamID), weekStart,
	).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return hash, nil
}

func (r *PgAggregateRepository) Upsert(ctx context.Context, agg *aggregate.WeeklyAggregate) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}

	meansRaw, err := marshalParamMap(agg.ParameterMeans)
	if err != nil {
		return err
	}
	uncertaintyRaw, err := marshalParamMap(agg.ParameterUncertainty)
	if err != nil {
		return err
	}
	indicesRaw, err := marshalIndexMap(agg.Indices)
	if err != nil {
		return err
	}
	var breakdownRaw []byte
	if agg.Contributions != nil {
		if breakdownRaw, err = json.Marshal(agg.Contributions); err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO org_aggregates_weekly
		   (org_id, team_id, week_start, parameter_means, parameter_uncertainty,
		    indices, index_version, contributor_count, contributions_breakdown,
		    input_hash, compute_version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		 ON CONFLICT (org_id, team_id, week_start) DO UPDATE
		    SET parameter_means = EXCLUDED.parameter_means,
		        parameter_uncertainty = EXCLUDED.parameter_uncertainty,
		        indices = EXCLUDED.indices,
		        index_version = EXCLUDED.index_version,
		        contributor_count = EXCLUDED.contributor_count,
		        contributions_breakdown = EXCLUDED.contributions_breakdown,
		        input_hash = EXCLUDED.input_hash,
		        compute_version = EXCLUDED.compute_version,
		        updated_at = now()`,
		pgUUID(agg.OrgID), pgUUID(agg.TeamID), agg.WeekStart, meansRaw, uncertaintyRaw,
		indicesRaw, agg.IndexVersion, agg.ContributorCount, breakdownRaw,
		agg.InputHash, agg.ComputeVersion,
	)
	if err != nil {
		return gerrors.Wrap(err, "failed to upsert weekly aggregate")
	}
	return nil
}
