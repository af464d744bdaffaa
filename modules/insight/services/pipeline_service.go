package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pulsehq/pulse-sdk/modules/insight/domain/aggregate"
	"github.com/pulsehq/pulse-sdk/modules/insight/domain/weekclock"
	"github.com/pulsehq/pulse-sdk/modules/insight/infrastructure/persistence"
	"github.com/pulsehq/pulse-sdk/pkg/composables"
	"github.com/pulsehq/pulse-sdk/pkg/eventbus"
)

// RunFinishedEvent is published after every non-dry run, locked and failed
// ones included.
type RunFinishedEvent struct {
	Record aggregate.RunRecord
}

type RunRequest struct {
	// WeekOffset is relative to the week containing now; -1 targets the most
	// recently completed week.
	WeekOffset int
	// WeekStart, when set, names the target week directly and takes
	// precedence over WeekOffset. Any date inside the week works.
	WeekStart time.Time
	Scope     aggregate.Scope
	Mode      aggregate.RunMode
	DryRun    bool
	// Now overrides the clock; zero means time.Now. Used by replays and tests.
	Now time.Time
}

type RunResult struct {
	RunID     uuid.UUID
	WeekStart time.Time
	WeekLabel string
	Status    aggregate.RunStatus
	Counts    aggregate.RunCounts
	Errors    []string
	Duration  time.Duration
	// HeldBy is set when Status is RunLocked.
	HeldBy uuid.UUID
}

type PipelineServiceConfig struct {
	Directory      aggregate.DirectoryRepository
	Snapshots      aggregate.SnapshotRepository
	Locks          aggregate.LockRepository
	Runs           aggregate.RunRepository
	Aggregation    *AggregationService
	Interpretation *InterpretationService
	Publisher      eventbus.EventBus
	Workers        int
	LockTTL        time.Duration
}

// PipelineService orchestrates one weekly run: resolve the target week,
// take the scoped lock, snapshot and aggregate every team under the scope
// with bounded concurrency, interpret, and record the run. A failing team
// never aborts its siblings.
type PipelineService struct {
	directory      aggregate.DirectoryRepository
	snapshots      aggregate.SnapshotRepository
	locks          aggregate.LockRepository
	runs           aggregate.RunRepository
	aggregation    *AggregationService
	interpretation *InterpretationService
	publisher      eventbus.EventBus
	workers        int
	lockTTL        time.Duration
}

func NewPipelineService(config PipelineServiceConfig) *PipelineService {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.LockTTL <= 0 {
		config.LockTTL = 30 * time.Minute
	}
	return &PipelineService{
		directory:      config.Directory,
		snapshots:      config.Snapshots,
		locks:          config.Locks,
		runs:           config.Runs,
		aggregation:    config.Aggregation,
		interpretation: config.Interpretation,
		publisher:      config.Publisher,
		workers:        config.Workers,
		lockTTL:        config.LockTTL,
	}
}

func (s *PipelineService) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	wallStart := time.Now()
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	if req.Mode == "" {
		req.Mode = aggregate.ModeFull
	}

	// The lock and run record key on the canonical Monday-aligned week; each
	// org's configured start day only shifts its own computation window.
	lockWeek, err := s.targetWeek(req, now, weekclock.DefaultWeekStartDay)
	if err != nil {
		return nil, err
	}

	runID := uuid.New()
	startedAt := now
	result := &RunResult{
		RunID:     runID,
		WeekStart: lockWeek,
		WeekLabel: weekclock.Label(lockWeek),
	}
	logger := composables.UseLogger(ctx).WithFields(logrus.Fields{
		"run_id": runID,
		"week":   result.WeekLabel,
		"scope":  req.Scope.String(),
		"mode":   string(req.Mode),
	})
	ctx = composables.WithLogger(ctx, logger)

	if !req.DryRun {
		_, err := s.locks.Acquire(ctx, req.Scope.String(), lockWeek, runID, s.lockTTL)
		if err != nil {
			var held *aggregate.LockHeldError
			if errors.As(err, &held) {
				logger.WithField("holder", held.Holder.RunID).Info("run lock held, not running")
				result.Status = aggregate.RunLocked
				result.HeldBy = held.Holder.RunID
				s.finishRun(ctx, req, result, startedAt, wallStart)
				return result, nil
			}
			return nil, err
		}
		defer func() {
			if err := s.locks.Release(context.WithoutCancel(ctx), req.Scope.String(), lockWeek, runID); err != nil {
				logger.WithError(err).Error("failed to release run lock")
			}
		}()
	}

	counts := &aggregate.RunCounts{}
	var (
		mu          sync.Mutex
		failures    []string
		orgTeams    = map[uuid.UUID]int{}
		orgFailures = map[uuid.UUID]int{}
	)
	fail := func(format string, args ...any) {
		mu.Lock()
		failures = append(failures, fmt.Sprintf(format, args...))
		mu.Unlock()
	}

	orgs, err := s.resolveOrgs(ctx, req.Scope)
	if err != nil {
		result.Status = aggregate.RunFailed
		result.Errors = []string{err.Error()}
		s.finishRun(ctx, req, result, startedAt, wallStart)
		return result, nil
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	counts.OrgsTotal = len(orgs)
	for _, org := range orgs {
		org := org

		orgWeek, err := s.targetWeek(req, now, org.WeekStartDay)
		if err != nil {
			counts.OrgsFailed++
			fail("org %s: %v", org.ID, err)
			continue
		}

		teams, err := s.resolveTeams(ctx, req.Scope, org.ID)
		if err != nil {
			counts.OrgsFailed++
			fail("org %s: %v", org.ID, err)
			continue
		}

		counts.TeamsTotal += len(teams)
		orgTeams[org.ID] = len(teams)

		for _, team := range teams {
			team := team
			g.Go(func() error {
				start := time.Now()
				err := s.processTeam(groupCtx, req, &org, &team, orgWeek, counts, &mu)
				outcome := "success"
				mu.Lock()
				if err != nil {
					counts.TeamsFailed++
					orgFailures[org.ID]++
					outcome = "failure"
				} else {
					counts.TeamsSuccess++
				}
				mu.Unlock()
				getMetrics().teamsTotal.WithLabelValues(outcome).Inc()
				getMetrics().teamLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
				if err != nil {
					fail("team %s: %v", team.ID, err)
					logger.WithField("team_id", team.ID).WithError(err).Warn("team pipeline pass failed")
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	// An org counts as failed only when every one of its teams failed.
	for orgID, total := range orgTeams {
		if total > 0 && orgFailures[orgID] == total {
			counts.OrgsFailed++
		} else {
			counts.OrgsSuccess++
		}
	}

	result.Counts = *counts
	result.Errors = failures
	result.Status = classifyRun(*counts)
	s.finishRun(ctx, req, result, startedAt, wallStart)

	logger.WithFields(logrus.Fields{
		"status":  string(result.Status),
		"upserts": counts.PipelineUpserts,
		"skips":   counts.PipelineSkips,
		"failed":  counts.TeamsFailed,
	}).Info("weekly run finished")
	return result, nil
}

func (s *PipelineService) processTeam(
	ctx context.Context,
	req RunRequest,
	org *aggregate.Org,
	team *aggregate.Team,
	weekStart time.Time,
	counts *aggregate.RunCounts,
	mu *sync.Mutex,
) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	var agg *aggregate.WeeklyAggregate

	if req.Mode != aggregate.ModeInterpretationOnly {
		err = inTx(ctx, func(txCtx context.Context) error {
			if !req.DryRun {
				if _, err := s.snapshots.EnsureWeek(txCtx, team.ID, weekStart); err != nil {
					return err
				}
			}
			outcome, computed, err := s.aggregation.ComputeWeek(txCtx, org, team, weekStart, req.DryRun)
			if err != nil {
				return err
			}
			switch outcome {
			case OutcomeUpserted:
				mu.Lock()
				counts.PipelineUpserts++
				mu.Unlock()
				agg = computed
			case OutcomeSkipped:
				mu.Lock()
				counts.PipelineSkips++
				mu.Unlock()
			case OutcomeInsufficientData:
				return fmt.Errorf("insufficient contributors for k-threshold %d", org.KThreshold)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if req.Mode == aggregate.ModePipelineOnly {
		return nil
	}

	// Skipped pipeline passes and interpretation-only runs read the stored
	// aggregate; its hash is what the interpretation must match.
	if agg == nil {
		stored, err := s.aggregation.aggregates.Get(ctx, org.ID, team.ID, weekStart)
		if err != nil {
			if errors.Is(err, persistence.ErrAggregateNotFound) {
				return fmt.Errorf("no aggregate for week %s", weekclock.Label(weekStart))
			}
			return err
		}
		agg = stored
	}

	outcome, err := s.interpretation.EnsureForAggregate(ctx, agg, req.DryRun)
	switch outcome {
	case InterpretationCacheHit:
		mu.Lock()
		counts.InterpretationCacheHits++
		mu.Unlock()
	case InterpretationGenerated:
		mu.Lock()
		counts.InterpretationGenerations++
		mu.Unlock()
	}
	if err != nil {
		// The aggregate is already written and stays valid; the week reads
		// DEGRADED until a later run regenerates. Not a team failure.
		mu.Lock()
		counts.InterpretationFailures++
		mu.Unlock()
		composables.UseLogger(ctx).
			WithField("team_id", team.ID).
			WithError(err).
			Warn("interpretation failed, week left degraded")
	}
	return nil
}

// targetWeek resolves the week one run operates on: an explicit WeekStart
// names it directly, otherwise WeekOffset is taken from the week containing
// now.
func (s *PipelineService) targetWeek(req RunRequest, now time.Time, weekStartDay time.Weekday) (time.Time, error) {
	if !req.WeekStart.IsZero() {
		start, _, err := weekclock.Canonical(req.WeekStart, weekStartDay)
		return start, err
	}
	return weekclock.ResolveTarget(now, req.WeekOffset, weekStartDay)
}

func (s *PipelineService) resolveOrgs(ctx context.Context, scope aggregate.Scope) ([]aggregate.Org, error) {
	switch scope.Kind {
	case aggregate.ScopeGlobal:
		return s.directory.ListOrgs(ctx)
	case aggregate.ScopeOrg:
		org, err := s.directory.GetOrg(ctx, scope.ID)
		if err != nil {
			return nil, err
		}
		return []aggregate.Org{*org}, nil
	case aggregate.ScopeTeam:
		team, err := s.directory.GetTeam(ctx, scope.ID)
		if err != nil {
			return nil, err
		}
		org, err := s.directory.GetOrg(ctx, team.OrgID)
		if err != nil {
			return nil, err
		}
		return []aggregate.Org{*org}, nil
	default:
		return nil, fmt.Errorf("unknown scope kind %q", scope.Kind)
	}
}

func (s *PipelineService) resolveTeams(ctx context.Context, scope aggregate.Scope, orgID uuid.UUID) ([]aggregate.Team, error) {
	if scope.Kind == aggregate.ScopeTeam {
		team, err := s.directory.GetTeam(ctx, scope.ID)
		if err != nil {
			return nil, err
		}
		return []aggregate.Team{*team}, nil
	}
	return s.directory.ListTeams(ctx, orgID)
}

func classifyRun(counts aggregate.RunCounts) aggregate.RunStatus {
	switch {
	case counts.TeamsTotal == 0:
		return aggregate.RunCompleted
	case counts.TeamsFailed == 0:
		return aggregate.RunCompleted
	case counts.TeamsFailed == counts.TeamsTotal:
		return aggregate.RunFailed
	default:
		return aggregate.RunPartial
	}
}

// finishRun records the run and publishes its summary. It runs before lock
// release (deferred release unwinds after it) so a crash between the two
// never loses the audit row. Dry runs record nothing.
func (s *PipelineService) finishRun(ctx context.Context, req RunRequest, result *RunResult, startedAt, wallStart time.Time) {
	result.Duration = time.Since(wallStart)
	getMetrics().runsTotal.WithLabelValues(string(req.Mode), string(result.Status)).Inc()
	if req.DryRun {
		return
	}

	rec := &aggregate.RunRecord{
		RunID:      result.RunID,
		WeekStart:  result.WeekStart,
		Scope:      req.Scope.String(),
		Status:     result.Status,
		Mode:       req.Mode,
		StartedAt:  startedAt,
		FinishedAt: time.Now().UTC(),
		Counts:     result.Counts,
		Error:      strings.Join(result.Errors, "; "),
	}
	if err := s.runs.Insert(context.WithoutCancel(ctx), rec); err != nil {
		composables.UseLogger(ctx).WithError(err).Error("failed to record run")
	}
	if s.publisher != nil {
		s.publisher.Publish(RunFinishedEvent{Record: *rec})
	}
}

// StuckLocks lists expired, unreleased locks and refreshes the gauge.
func (s *PipelineService) StuckLocks(ctx context.Context, now time.Time) ([]aggregate.Lock, error) {
	locks, err := s.locks.ListStuck(ctx, now.UTC())
	if err != nil {
		return nil, err
	}
	getMetrics().stuckLocks.Set(float64(len(locks)))
	return locks, nil
}

// ForceReleaseLock clears a stuck lock on operator request.
func (s *PipelineService) ForceReleaseLock(ctx context.Context, scope string, weekStart time.Time) error {
	return s.locks.ForceRelease(ctx, scope, weekStart)
}

// GetRun returns one run's audit record.
func (s *PipelineService) GetRun(ctx context.Context, runID uuid.UUID) (*aggregate.RunRecord, error) {
	return s.runs.Get(ctx, runID)
}
