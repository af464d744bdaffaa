package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pulsehq/pulse-sdk/modules/insight/domain/aggregate"
	"github.com/pulsehq/pulse-sdk/modules/insight/infrastructure/llm"
	"github.com/pulsehq/pulse-sdk/modules/insight/infrastructure/persistence"
	"github.com/pulsehq/pulse-sdk/pkg/composables"
)

// InterpretationOutcome classifies one team-week interpretation pass.
type InterpretationOutcome string

const (
	InterpretationCacheHit  InterpretationOutcome = "cache_hit"
	InterpretationGenerated InterpretationOutcome = "generated"
	InterpretationFailed    InterpretationOutcome = "failed"
)

// Generator produces narrative sections for one weekly aggregate. ModelID
// and PromptVersion identify the generation so a cached row is reusable only
// for the exact same model and prompt.
type Generator interface {
	Generate(ctx context.Context, agg *aggregate.WeeklyAggregate) (aggregate.Sections, error)
	ModelID() string
	PromptVersion() string
}

// ResponseCache is an optional shared cache in front of the generator.
type ResponseCache interface {
	Get(ctx context.Context, inputHash, modelID, promptVersion string) (aggregate.Sections, error)
	Set(ctx context.Context, inputHash, modelID, promptVersion string, sections aggregate.Sections) error
}

type InterpretationServiceConfig struct {
	Interpretations aggregate.InterpretationRepository
	Generator       Generator
	Cache           ResponseCache
	Timeout         time.Duration
}

type InterpretationService struct {
	interpretations aggregate.InterpretationRepository
	generator       Generator
	cache           ResponseCache
	timeout         time.Duration
}

func NewInterpretationService(config InterpretationServiceConfig) *InterpretationService {
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	return &InterpretationService{
		interpretations: config.Interpretations,
		generator:       config.Generator,
		cache:           config.Cache,
		timeout:         config.Timeout,
	}
}

// EnsureForAggregate guarantees an active interpretation matching the
// aggregate's input hash, generating one only when the active row is stale
// or absent. Generation failure leaves the stored state untouched; the week
// reads as DEGRADED until a later run succeeds. There is no internal retry.
func (s *InterpretationService) EnsureForAggregate(ctx context.Context, agg *aggregate.WeeklyAggregate, dryRun bool) (InterpretationOutcome, error) {
	active, err := s.interpretations.GetActive(ctx, agg.OrgID, agg.TeamID, agg.WeekStart)
	if err != nil && !errors.Is(err, persistence.ErrInterpretationNotFound) {
		return InterpretationFailed, err
	}
	if active != nil && s.matches(active, agg) {
		getMetrics().interpsTotal.WithLabelValues(string(InterpretationCacheHit)).Inc()
		return InterpretationCacheHit, nil
	}

	// Dry runs report what a real run would do without touching the
	// provider or the store.
	if dryRun {
		return InterpretationGenerated, nil
	}

	sections, err := s.resolveSections(ctx, agg)
	if err != nil {
		getMetrics().interpsTotal.WithLabelValues(string(InterpretationFailed)).Inc()
		return InterpretationFailed, err
	}

	interp := &aggregate.Interpretation{
		ID:            uuid.New(),
		OrgID:         agg.OrgID,
		TeamID:        agg.TeamID,
		WeekStart:     agg.WeekStart,
		InputHash:     agg.InputHash,
		ModelID:       s.generator.ModelID(),
		PromptVersion: s.generator.PromptVersion(),
		Sections:      sections,
		IsActive:      true,
	}
	err = inTx(ctx, func(txCtx context.Context) error {
		return s.interpretations.Insert(txCtx, interp)
	})
	if err != nil {
		getMetrics().interpsTotal.WithLabelValues(string(InterpretationFailed)).Inc()
		return InterpretationFailed, err
	}
	getMetrics().interpsTotal.WithLabelValues(string(InterpretationGenerated)).Inc()
	return InterpretationGenerated, nil
}

// StatusForWeek maps stored rows onto the three-state consumer contract.
func (s *InterpretationService) StatusForWeek(ctx context.Context, agg *aggregate.WeeklyAggregate) (aggregate.WeeklyStatus, error) {
	if agg == nil {
		return aggregate.StatusFailed, nil
	}
	active, err := s.interpretations.GetActive(ctx, agg.OrgID, agg.TeamID, agg.WeekStart)
	if err != nil {
		if errors.Is(err, persistence.ErrInterpretationNotFound) {
			return aggregate.StatusDegraded, nil
		}
		return "", err
	}
	if s.matches(active, agg) {
		return aggregate.StatusOK, nil
	}
	return aggregate.StatusDegraded, nil
}

func (s *InterpretationService) matches(interp *aggregate.Interpretation, agg *aggregate.WeeklyAggregate) bool {
	return interp.InputHash == agg.InputHash &&
		interp.ModelID == s.generator.ModelID() &&
		interp.PromptVersion == s.generator.PromptVersion()
}

func (s *InterpretationService) resolveSections(ctx context.Context, agg *aggregate.WeeklyAggregate) (aggregate.Sections, error) {
	logger := composables.UseLogger(ctx)

	if s.cache != nil {
		sections, err := s.cache.Get(ctx, agg.InputHash, s.generator.ModelID(), s.generator.PromptVersion())
		if err == nil {
			return sections, nil
		}
		if !errors.Is(err, llm.ErrCacheMiss) {
			logger.WithError(err).Warn("interpretation response cache read failed")
		}
	}

	genCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	sections, err := s.generator.Generate(genCtx, agg)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, agg.InputHash, s.generator.ModelID(), s.generator.PromptVersion(), sections); err != nil {
			logger.WithFields(logrus.Fields{
				"org_id":  agg.OrgID,
				"team_id": agg.TeamID,
			}).WithError(err).Warn("interpretation response cache write failed")
		}
	}
	return sections, nil
}
