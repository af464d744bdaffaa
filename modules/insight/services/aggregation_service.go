package services

import (
	"context"
	"time"

	"github.com/pulsehq/pulse-sdk/modules/insight/domain/aggregate"
	"github.com/pulsehq/pulse-sdk/modules/insight/domain/estimator"
	"github.com/pulsehq/pulse-sdk/modules/insight/domain/indices"
)

// AggregateOutcome classifies one team-week computation.
type AggregateOutcome string

const (
	OutcomeUpserted         AggregateOutcome = "upserted"
	OutcomeSkipped          AggregateOutcome = "skipped"
	OutcomeInsufficientData AggregateOutcome = "insufficient_data"
)

type AggregationService struct {
	snapshots  aggregate.SnapshotRepository
	aggregates aggregate.AggregateRepository
	mapping    indices.Mapping
}

func NewAggregationService(
	snapshots aggregate.SnapshotRepository,
	aggregates aggregate.AggregateRepository,
	mapping indices.Mapping,
) *AggregationService {
	return &AggregationService{
		snapshots:  snapshots,
		aggregates: aggregates,
		mapping:    mapping,
	}
}

// ComputeWeek derives one team's weekly aggregate from its snapshots.
//
// Distinct contributors below the org's k-threshold yield
// OutcomeInsufficientData and no row. An input hash equal to the stored
// row's hash yields OutcomeSkipped before any computation. Dry runs never
// write; they read the week's history snapshots like a real run and fall
// back to current states only when the week has none yet.
func (s *AggregationService) ComputeWeek(
	ctx context.Context,
	org *aggregate.Org,
	team *aggregate.Team,
	weekStart time.Time,
	dryRun bool,
) (AggregateOutcome, *aggregate.WeeklyAggregate, error) {
	snaps, err := s.snapshots.ListForTeamWeek(ctx, team.ID, weekStart)
	if err != nil {
		return "", nil, err
	}
	if dryRun && len(snaps) == 0 {
		snaps, err = s.snapshots.ListCurrentForTeam(ctx, team.ID, weekStart)
		if err != nil {
			return "", nil, err
		}
	}

	contributors := distinctUsers(snaps)
	if contributors < org.KThreshold {
		return OutcomeInsufficientData, nil, nil
	}

	hash := aggregate.InputHash(snaps, aggregate.ComputeVersion)
	stored, err := s.aggregates.GetInputHash(ctx, org.ID, team.ID, weekStart)
	if err != nil {
		return "", nil, err
	}
	if stored == hash {
		return OutcomeSkipped, nil, nil
	}

	pooled := aggregate.Pool(snaps)
	scores := s.mapping.Scores(pooled.Means)

	breakdown := &aggregate.Breakdown{
		UserShares:   make(map[string]float64, len(pooled.UserShares)),
		IndexDrivers: make(map[string]map[estimator.Parameter]float64, len(scores)),
	}
	for userID, share := range pooled.UserShares {
		breakdown.UserShares[userID.String()] = share
	}
	for name := range scores {
		breakdown.IndexDrivers[name] = s.mapping.Drivers(name, pooled.Means)
	}

	agg := &aggregate.WeeklyAggregate{
		OrgID:                org.ID,
		TeamID:               team.ID,
		WeekStart:            weekStart,
		ParameterMeans:       pooled.Means,
		ParameterUncertainty: pooled.Uncertainty,
		Indices:              scores,
		IndexVersion:         s.mapping.Version,
		ContributorCount:     pooled.Contributors,
		Contributions:        breakdown,
		InputHash:            hash,
		ComputeVersion:       aggregate.ComputeVersion,
	}

	if dryRun {
		return OutcomeUpserted, agg, nil
	}
	if err := s.aggregates.Upsert(ctx, agg); err != nil {
		return "", nil, err
	}
	return OutcomeUpserted, agg, nil
}

func distinctUsers(snaps []aggregate.Snapshot) int {
	seen := make(map[string]struct{}, len(snaps))
	for _, s := range snaps {
		seen[s.UserID.String()] = struct{}{}
	}
	return len(seen)
}
