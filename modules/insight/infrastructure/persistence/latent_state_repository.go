package persistence

import (
	"context"
	"errors"

	gerrors "github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pulsehq/pulse-sdk/modules/insight/domain/aggregate"
	"github.com/pulsehq/pulse-sdk/modules/insight/domain/estimator"
	"github.com/pulsehq/pulse-sdk/pkg/composables"
)

var ErrLatentStateNotFound = gerrors.New("latent state not found")

type PgLatentStateRepository struct{}

func NewLatentStateRepository() aggregate.LatentStateRepository {
	return &PgLatentStateRepository{}
}

func (r *PgLatentStateRepository) Get(ctx context.Context, userID uuid.UUID, parameter estimator.Parameter) (*estimator.State, error) {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return nil, err
	}

	var state estimator.State
	err = tx.QueryRow(ctx,
		`SELECT mean, variance, observations, updated_at
		   FROM latent_states
		  WHERE user_id = $1 AND parameter = $2
		  FOR UPDATE`,
		pgUUID(userID), string(parameter),
	).Scan(&state.Mean, &state.Variance, &state.Observations, &state.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLatentStateNotFound
		}
		return nil, err
	}
	return &state, nil
}

func (r *PgLatentStateRepository) Upsert(ctx context.Context, userID uuid.UUID, parameter estimator.Parameter, state estimator.State) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO latent_states (user_id, parameter, mean, variance, observations, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id, parameter) DO UPDATE
		    SET mean = EXCLUDED.mean,
		        variance = EXCLUDED.variance,
		        observations = EXCLUDED.observations,
		        updated_at = EXCLUDED.updated_at`,
		pgUUID(userID), string(parameter), state.Mean, state.Variance, state.Observations, state.UpdatedAt,
	)
	if err != nil {
		return gerrors.Wrap(err, "failed to upsert latent state")
	}
	return nil
}

func (r *PgLatentStateRepository) InsertAudit(ctx context.Context, userID uuid.UUID, obs estimator.Observation) error {
	tx, err := composables.UseTx(ctx)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO latent_state_audit
		   (id, user_id, parameter, observed_value, observed_uncertainty, observed_confidence, is_nonsense, observed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		pgUUID(uuid.New()), pgUUID(userID), string(obs.Parameter),
		obs.Value, obs.Uncertainty, obs.Confidence, obs.Nonsense, obs.ObservedAt,
	)
	if err != nil {
		return gerrors.Wrap(err, "failed to insert latent state audit")
	}
	return nil
}
