package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/pulsehq/pulse-sdk/modules/insight/domain/aggregate"
	"github.com/pulsehq/pulse-sdk/modules/insight/domain/estimator"
	"github.com/pulsehq/pulse-sdk/modules/insight/infrastructure/persistence"
)

// IngestionService applies already-encoded observation signals to a user's
// latent states. Signal extraction from raw responses happens upstream; this
// is the boundary where encoded (value, uncertainty, confidence) tuples
// enter the estimator.
type IngestionService struct {
	states aggregate.LatentStateRepository
}

func NewIngestionService(states aggregate.LatentStateRepository) *IngestionService {
	return &IngestionService{states: states}
}

// Ingest fuses one observation into the user's belief for its parameter and
// appends the audit row, atomically. A user with no prior state starts from
// the neutral prior.
func (s *IngestionService) Ingest(ctx context.Context, userID uuid.UUID, obs estimator.Observation) (*estimator.State, error) {
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = time.Now().UTC()
	}

	var updated *estimator.State
	err := inTx(ctx, func(txCtx context.Context) error {
		prior, err := s.states.Get(txCtx, userID, obs.Parameter)
		if err != nil {
			if !errors.Is(err, persistence.ErrLatentStateNotFound) {
				return err
			}
			p := estimator.NeutralPrior()
			prior = &p
		}

		next, err := estimator.Update(*prior, obs)
		if err != nil {
			return err
		}

		if err := s.states.Upsert(txCtx, userID, obs.Parameter, next); err != nil {
			return err
		}
		if err := s.states.InsertAudit(txCtx, userID, obs); err != nil {
			return err
		}
		updated = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// IngestBatch applies a set of observations for one user, one transaction
// per observation so a malformed signal mid-batch does not roll back the
// ones already applied.
func (s *IngestionService) IngestBatch(ctx context.Context, userID uuid.UUID, observations []estimator.Observation) (int, error) {
	applied := 0
	for _, obs := range observations {
		if _, err := s.Ingest(ctx, userID, obs); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}
