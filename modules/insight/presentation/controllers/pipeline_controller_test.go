package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/pulsehq/pulse-sdk/modules/insight/domain/aggregate"
	"github.com/pulsehq/pulse-sdk/modules/insight/domain/indices"
	"github.com/pulsehq/pulse-sdk/modules/insight/domain/weekclock"
	"github.com/pulsehq/pulse-sdk/modules/insight/infrastructure/persistence"
	"github.com/pulsehq/pulse-sdk/modules/insight/services"
)

var testWeek = time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC)

type stubDirectory struct {
	org  aggregate.Org
	team aggregate.Team
}

func (d *stubDirectory) GetOrg(_ context.Context, id uuid.UUID) (*aggregate.Org, error) {
	if id != d.org.ID {
		return nil, persistence.ErrOrgNotFound
	}
	org := d.org
	return &org, nil
}

func (d *stubDirectory) ListOrgs(context.Context) ([]aggregate.Org, error) {
	return []aggregate.Org{d.org}, nil
}

func (d *stubDirectory) GetTeam(_ context.Context, id uuid.UUID) (*aggregate.Team, error) {
	if id != d.team.ID {
		return nil, persistence.ErrTeamNotFound
	}
	team := d.team
	return &team, nil
}

func (d *stubDirectory) ListTeams(_ context.Context, orgID uuid.UUID) ([]aggregate.Team, error) {
	if orgID != d.org.ID {
		return nil, nil
	}
	return []aggregate.Team{d.team}, nil
}

type stubSnapshots struct {
	snaps []aggregate.Snapshot
}

func (s *stubSnapshots) EnsureWeek(context.Context, uuid.UUID, time.Time) (int, error) {
	return len(s.snaps), nil
}

func (s *stubSnapshots) ListForTeamWeek(_ context.Context, _ uuid.UUID, weekStart time.Time) ([]aggregate.Snapshot, error) {
	out := make([]aggregate.Snapshot, len(s.snaps))
	for i, snap := range s.snaps {
		snap.WeekStart = weekStart
		out[i] = snap
	}
	return out, nil
}

func (s *stubSnapshots) ListCurrentForTeam(ctx context.Context, teamID uuid.UUID, weekStart time.Time) ([]aggregate.Snapshot, error) {
	return s.ListForTeamWeek(ctx, teamID, weekStart)
}

type stubAggregates struct {
	rows map[string]*aggregate.WeeklyAggregate
}

func aggKey(teamID uuid.UUID, weekStart time.Time) string {
	return teamID.String() + "|" + weekStart.Format("2006-01-02")
}

func (s *stubAggregates) Get(_ context.Context, _, teamID uuid.UUID, weekStart time.Time) (*aggregate.WeeklyAggregate, error) {
	row, ok := s.rows[aggKey(teamID, weekStart)]
	if !ok {
		return nil, persistence.ErrAggregateNotFound
	}
	agg := *row
	return &agg, nil
}

func (s *stubAggregates) GetInputHash(_ context.Context, _, teamID uuid.UUID, weekStart time.Time) (string, error) {
	row, ok := s.rows[aggKey(teamID, weekStart)]
	if !ok {
		return "", nil
	}
	return row.InputHash, nil
}

func (s *stubAggregates) Upsert(_ context.Context, agg *aggregate.WeeklyAggregate) error {
	row := *agg
	s.rows[aggKey(agg.TeamID, agg.WeekStart)] = &row
	return nil
}

type stubInterpretations struct {
	rows []*aggregate.Interpretation
}

func (s *stubInterpretations) GetActive(_ context.Context, _, teamID uuid.UUID, weekStart time.Time) (*aggregate.Interpretation, error) {
	for _, row := range s.rows {
		if row.TeamID == teamID && row.WeekStart.Equal(weekStart) && row.IsActive {
			interp := *row
			return &interp, nil
		}
	}
	return nil, persistence.ErrInterpretationNotFound
}

func (s *stubInterpretations) Insert(_ context.Context, interp *aggregate.Interpretation) error {
	for _, row := range s.rows {
		if row.TeamID == interp.TeamID && row.WeekStart.Equal(interp.WeekStart) {
			row.IsActive = false
		}
	}
	row := *interp
	row.IsActive = true
	s.rows = append(s.rows, &row)
	return nil
}

type stubLocks struct {
	held map[string]*aggregate.Lock
}

func (s *stubLocks) Acquire(_ context.Context, scope string, weekStart time.Time, runID uuid.UUID, ttl time.Duration) (*aggregate.Lock, error) {
	key := scope + "|" + weekStart.Format("2006-01-02")
	if existing, ok := s.held[key]; ok && existing.ReleasedAt == nil {
		return nil, &aggregate.LockHeldError{Holder: *existing}
	}
	now := time.Now().UTC()
	lock := &aggregate.Lock{Scope: scope, WeekStart: weekStart, RunID: runID, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	s.held[key] = lock
	out := *lock
	return &out, nil
}

func (s *stubLocks) Release(_ context.Context, scope string, weekStart time.Time, _ uuid.UUID) error {
	key := scope + "|" + weekStart.Format("2006-01-02")
	if lock, ok := s.held[key]; ok {
		now := time.Now().UTC()
		lock.ReleasedAt = &now
	}
	return nil
}

func (s *stubLocks) ForceRelease(ctx context.Context, scope string, weekStart time.Time) error {
	return s.Release(ctx, scope, weekStart, uuid.Nil)
}

func (s *stubLocks) ListStuck(_ context.Context, now time.Time) ([]aggregate.Lock, error) {
	var out []aggregate.Lock
	for _, lock := range s.held {
		if lock.Stuck(now) {
			out = append(out, *lock)
		}
	}
	return out, nil
}

type stubRuns struct {
	rows []*aggregate.RunRecord
}

func (s *stubRuns) Insert(_ context.Context, rec *aggregate.RunRecord) error {
	row := *rec
	s.rows = append(s.rows, &row)
	return nil
}

func (s *stubRuns) Get(_ context.Context, runID uuid.UUID) (*aggregate.RunRecord, error) {
	for _, row := range s.rows {
		if row.RunID == runID {
			rec := *row
			return &rec, nil
		}
	}
	return nil, persistence.ErrRunNotFound
}

func (s *stubRuns) ListForWeek(context.Context, time.Time) ([]aggregate.RunRecord, error) {
	return nil, nil
}

type stubGenerator struct{}

func (stubGenerator) Generate(context.Context, *aggregate.WeeklyAggregate) (aggregate.Sections, error) {
	return aggregate.Sections{
		"summary":           "calm",
		"drivers":           "steady engagement",
		"suggested_actions": "none",
	}, nil
}

func (stubGenerator) ModelID() string       { return "stub-model" }
func (stubGenerator) PromptVersion() string { return "p1" }

type controllerFixture struct {
	router     *mux.Router
	directory  *stubDirectory
	aggregates *stubAggregates
	interps    *stubInterpretations
	locks      *stubLocks
	runs       *stubRuns
}

func newControllerFixture(t *testing.T) *controllerFixture {
	t.Helper()

	org := aggregate.Org{ID: uuid.New(), Name: "acme", KThreshold: 2, WeekStartDay: time.Monday}
	team := aggregate.Team{ID: uuid.New(), OrgID: org.ID, Name: "platform"}

	var snaps []aggregate.Snapshot
	for i := 0; i < 3; i++ {
		snaps = append(snaps, aggregate.Snapshot{
			UserID:    uuid.New(),
			Parameter: "engagement",
			Mean:      0.7,
			Variance:  0.1,
		})
	}

	f := &controllerFixture{
		directory:  &stubDirectory{org: org, team: team},
		aggregates: &stubAggregates{rows: map[string]*aggregate.WeeklyAggregate{}},
		interps:    &stubInterpretations{},
		locks:      &stubLocks{held: map[string]*aggregate.Lock{}},
		runs:       &stubRuns{},
	}

	aggregation := services.NewAggregationService(&stubSnapshots{snaps: snaps}, f.aggregates, indices.Default())
	interpretation := services.NewInterpretationService(services.InterpretationServiceConfig{
		Interpretations: f.interps,
		Generator:       stubGenerator{},
	})
	pipeline := services.NewPipelineService(services.PipelineServiceConfig{
		Directory:      f.directory,
		Snapshots:      &stubSnapshots{snaps: snaps},
		Locks:          f.locks,
		Runs:           f.runs,
		Aggregation:    aggregation,
		Interpretation: interpretation,
		Workers:        2,
		LockTTL:        time.Minute,
	})

	controller := NewPipelineController(PipelineControllerConfig{
		Pipeline:       pipeline,
		Interpretation: interpretation,
		Directory:      f.directory,
		Aggregates:     f.aggregates,
		Interps:        f.interps,
	})
	f.router = mux.NewRouter()
	controller.Register(f.router)
	return f
}

func TestPipelineController_TriggerRun(t *testing.T) {
	f := newControllerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/insight/runs", strings.NewReader(`{"weekOffset":-1}`))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, string(aggregate.RunCompleted), body.Status)
	require.Equal(t, 1, body.Counts.PipelineUpserts)
	require.NotEmpty(t, body.RunID)
}

func TestPipelineController_TriggerRunDefaultsToPreviousWeek(t *testing.T) {
	f := newControllerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/insight/runs", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	target, err := weekclock.ResolveTarget(time.Now(), -1, weekclock.DefaultWeekStartDay)
	require.NoError(t, err)
	require.Equal(t, target.Format("2006-01-02"), body.WeekStart)
	require.GreaterOrEqual(t, body.DurationMS, int64(0))
}

func TestPipelineController_TriggerRunExplicitWeekStart(t *testing.T) {
	f := newControllerFixture(t)

	// A mid-week date names its containing week.
	req := httptest.NewRequest(http.MethodPost, "/insight/runs",
		strings.NewReader(`{"weekStart":"2026-08-19"}`))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "2026-08-17", body.WeekStart)
	require.Equal(t, string(aggregate.RunCompleted), body.Status)
}

func TestPipelineController_TriggerRunLockedReturns409(t *testing.T) {
	f := newControllerFixture(t)

	// Hold the global lock for the target week.
	target, err := weekclock.ResolveTarget(time.Now(), -1, weekclock.DefaultWeekStartDay)
	require.NoError(t, err)
	_, err = f.locks.Acquire(context.Background(), "global", target, uuid.New(), time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/insight/runs", strings.NewReader(`{"weekOffset":-1}`))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	var body runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, string(aggregate.RunLocked), body.Status)
	require.NotEmpty(t, body.HeldBy)
}

func TestPipelineController_TriggerRunRejectsBadInput(t *testing.T) {
	f := newControllerFixture(t)

	for _, body := range []string{
		`not json`,
		`{"mode":"SIDEWAYS"}`,
		`{"scopeKind":"org","scopeId":"nope"}`,
		`{"weekStart":"late august"}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/insight/runs", strings.NewReader(body))
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestPipelineController_GetRun(t *testing.T) {
	f := newControllerFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/insight/runs", strings.NewReader(`{"weekOffset":-1}`))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var created runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	req = httptest.NewRequest(http.MethodGet, "/insight/runs/"+created.RunID, nil)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/insight/runs/"+uuid.NewString(), nil)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPipelineController_TeamWeekStatusTransitions(t *testing.T) {
	f := newControllerFixture(t)
	teamID := f.directory.team.ID

	get := func() teamWeekResponse {
		req := httptest.NewRequest(http.MethodGet,
			"/insight/teams/"+teamID.String()+"/weeks/"+testWeek.Format("2006-01-02"), nil)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		var body teamWeekResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return body
	}

	// No aggregate row yet.
	require.Equal(t, string(aggregate.StatusFailed), get().Status)

	agg := &aggregate.WeeklyAggregate{
		OrgID:            f.directory.org.ID,
		TeamID:           teamID,
		WeekStart:        testWeek,
		Indices:          map[string]float64{"engagement": 0.7},
		IndexVersion:     "v1",
		ContributorCount: 3,
		InputHash:        "hash-a",
	}
	require.NoError(t, f.aggregates.Upsert(context.Background(), agg))

	// Aggregate without a matching interpretation.
	resp := get()
	require.Equal(t, string(aggregate.StatusDegraded), resp.Status)
	require.Equal(t, 3, resp.ContributorCount)

	require.NoError(t, f.interps.Insert(context.Background(), &aggregate.Interpretation{
		ID:            uuid.New(),
		OrgID:         agg.OrgID,
		TeamID:        teamID,
		WeekStart:     testWeek,
		InputHash:     agg.InputHash,
		ModelID:       "stub-model",
		PromptVersion: "p1",
		Sections:      aggregate.Sections{"summary": "calm"},
	}))

	resp = get()
	require.Equal(t, string(aggregate.StatusOK), resp.Status)
	require.Equal(t, "calm", resp.Sections["summary"])
}

func TestPipelineController_UnknownTeamIs404(t *testing.T) {
	f := newControllerFixture(t)

	req := httptest.NewRequest(http.MethodGet,
		"/insight/teams/"+uuid.NewString()+"/weeks/2026-08-17", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
