package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pulsehq/pulse-sdk/modules/insight/domain/aggregate"
	"github.com/pulsehq/pulse-sdk/modules/insight/domain/estimator"
	"github.com/pulsehq/pulse-sdk/modules/insight/domain/indices"
)

var testWeek = time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC)

func newAggregationFixture(t *testing.T) (*AggregationService, *memSnapshots, *memAggregates) {
	t.Helper()
	snapshots := newMemSnapshots()
	aggregates := newMemAggregates()
	svc := NewAggregationService(snapshots, aggregates, indices.Default())
	return svc, snapshots, aggregates
}

func TestAggregationService_KThresholdGate(t *testing.T) {
	svc, snapshots, aggregates := newAggregationFixture(t)

	org := &aggregate.Org{ID: uuid.New(), KThreshold: 7}
	small := &aggregate.Team{ID: uuid.New(), OrgID: org.ID}
	large := &aggregate.Team{ID: uuid.New(), OrgID: org.ID}

	snapshots.setCurrent(small.ID, teamSnapshots(6, 0.6, 0.1))
	snapshots.setCurrent(large.ID, teamSnapshots(9, 0.7, 0.1))
	ctx := context.Background()
	for _, team := range []*aggregate.Team{small, large} {
		_, err := snapshots.EnsureWeek(ctx, team.ID, testWeek)
		require.NoError(t, err)
	}

	outcome, agg, err := svc.ComputeWeek(ctx, org, small, testWeek, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeInsufficientData, outcome)
	require.Nil(t, agg)
	require.Zero(t, aggregates.upserts)

	outcome, agg, err = svc.ComputeWeek(ctx, org, large, testWeek, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeUpserted, outcome)
	require.NotNil(t, agg)
	require.Equal(t, 9, agg.ContributorCount)
	require.NotNil(t, agg.Contributions)
	require.Len(t, agg.Contributions.UserShares, 9)
	require.Equal(t, 1, aggregates.upserts)
}

func TestAggregationService_UserSharesSumToOne(t *testing.T) {
	svc, snapshots, _ := newAggregationFixture(t)

	org := &aggregate.Org{ID: uuid.New(), KThreshold: 2}
	team := &aggregate.Team{ID: uuid.New(), OrgID: org.ID}
	snapshots.setCurrent(team.ID, teamSnapshots(3, 0.5, 0.2))
	ctx := context.Background()
	_, err := snapshots.EnsureWeek(ctx, team.ID, testWeek)
	require.NoError(t, err)

	_, agg, err := svc.ComputeWeek(ctx, org, team, testWeek, false)
	require.NoError(t, err)

	var sum float64
	for _, share := range agg.Contributions.UserShares {
		require.Greater(t, share, 0.0)
		sum += share
	}
	require.InDelta(t, 1.0, sum, 1e-9)
}

func TestAggregationService_SkipsUnchangedInput(t *testing.T) {
	svc, snapshots, aggregates := newAggregationFixture(t)

	org := &aggregate.Org{ID: uuid.New(), KThreshold: 2}
	team := &aggregate.Team{ID: uuid.New(), OrgID: org.ID}
	snapshots.setCurrent(team.ID, teamSnapshots(3, 0.7, 0.1))
	ctx := context.Background()
	_, err := snapshots.EnsureWeek(ctx, team.ID, testWeek)
	require.NoError(t, err)

	outcome, _, err := svc.ComputeWeek(ctx, org, team, testWeek, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeUpserted, outcome)

	outcome, agg, err := svc.ComputeWeek(ctx, org, team, testWeek, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, outcome)
	require.Nil(t, agg)
	require.Equal(t, 1, aggregates.upserts)
}

func TestAggregationService_RecomputesChangedInput(t *testing.T) {
	svc, snapshots, aggregates := newAggregationFixture(t)

	org := &aggregate.Org{ID: uuid.New(), KThreshold: 2}
	team := &aggregate.Team{ID: uuid.New(), OrgID: org.ID}
	snapshots.setCurrent(team.ID, teamSnapshots(3, 0.7, 0.1))
	ctx := context.Background()
	_, err := snapshots.EnsureWeek(ctx, team.ID, testWeek)
	require.NoError(t, err)

	_, _, err = svc.ComputeWeek(ctx, org, team, testWeek, false)
	require.NoError(t, err)

	// A new snapshot set for the next week hashes differently.
	nextWeek := testWeek.AddDate(0, 0, 7)
	snapshots.setCurrent(team.ID, teamSnapshots(3, 0.4, 0.1))
	_, err = snapshots.EnsureWeek(ctx, team.ID, nextWeek)
	require.NoError(t, err)

	outcome, agg, err := svc.ComputeWeek(ctx, org, team, nextWeek, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeUpserted, outcome)
	require.Equal(t, 2, aggregates.upserts)
	require.InDelta(t, 0.4, agg.ParameterMeans[estimator.Engagement], 1e-9)
}

func TestAggregationService_DryRunComputesWithoutWriting(t *testing.T) {
	svc, snapshots, aggregates := newAggregationFixture(t)

	org := &aggregate.Org{ID: uuid.New(), KThreshold: 2}
	team := &aggregate.Team{ID: uuid.New(), OrgID: org.ID}
	snapshots.setCurrent(team.ID, teamSnapshots(4, 0.8, 0.1))

	outcome, agg, err := svc.ComputeWeek(context.Background(), org, team, testWeek, true)
	require.NoError(t, err)
	require.Equal(t, OutcomeUpserted, outcome)
	require.NotNil(t, agg)
	require.Equal(t, 4, agg.ContributorCount)
	require.Zero(t, aggregates.upserts)
	require.Empty(t, snapshots.history)
}

func TestAggregationService_DryRunReadsSnapshottedWeek(t *testing.T) {
	svc, snapshots, aggregates := newAggregationFixture(t)

	org := &aggregate.Org{ID: uuid.New(), KThreshold: 2}
	team := &aggregate.Team{ID: uuid.New(), OrgID: org.ID}
	snapshots.setCurrent(team.ID, teamSnapshots(3, 0.7, 0.1))
	ctx := context.Background()
	_, err := snapshots.EnsureWeek(ctx, team.ID, testWeek)
	require.NoError(t, err)

	outcome, _, err := svc.ComputeWeek(ctx, org, team, testWeek, false)
	require.NoError(t, err)
	require.Equal(t, OutcomeUpserted, outcome)

	// Live states move after the week was snapshotted. A dry run must
	// predict what a real run would do: the history is unchanged, so Skip.
	snapshots.setCurrent(team.ID, teamSnapshots(3, 0.2, 0.1))
	outcome, agg, err := svc.ComputeWeek(ctx, org, team, testWeek, true)
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, outcome)
	require.Nil(t, agg)
	require.Equal(t, 1, aggregates.upserts)
}

func TestAggregationService_IndicesUseMappingVersion(t *testing.T) {
	svc, snapshots, _ := newAggregationFixture(t)

	org := &aggregate.Org{ID: uuid.New(), KThreshold: 2}
	team := &aggregate.Team{ID: uuid.New(), OrgID: org.ID}
	snapshots.setCurrent(team.ID, teamSnapshots(3, 0.9, 0.1))
	ctx := context.Background()
	_, err := snapshots.EnsureWeek(ctx, team.ID, testWeek)
	require.NoError(t, err)

	_, agg, err := svc.ComputeWeek(ctx, org, team, testWeek, false)
	require.NoError(t, err)

	require.Equal(t, "v1", agg.IndexVersion)
	require.Equal(t, aggregate.ComputeVersion, agg.ComputeVersion)
	// Engagement index is driven by the engagement parameter alone.
	require.InDelta(t, 0.9, agg.Indices[indices.EngagementIdx], 1e-9)
	// All snapshot parameters equal, so the other indices pool the neutral
	// prior for their missing parameters.
	require.Contains(t, agg.Indices, indices.Strain)
	require.Contains(t, agg.Indices, indices.WithdrawalRisk)
	require.Contains(t, agg.Indices, indices.TrustGap)
}
