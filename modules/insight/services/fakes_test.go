package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pulsehq/pulse-sdk/modules/insight/domain/aggregate"
	"github.com/pulsehq/pulse-sdk/modules/insight/domain/estimator"
	"github.com/pulsehq/pulse-sdk/modules/insight/infrastructure/persistence"
)

func weekKey(teamID uuid.UUID, weekStart time.Time) string {
	return teamID.String() + "|" + weekStart.Format("2006-01-02")
}

type memDirectory struct {
	orgs  []aggregate.Org
	teams []aggregate.Team
}

func (d *memDirectory) GetOrg(_ context.Context, id uuid.UUID) (*aggregate.Org, error) {
	for _, o := range d.orgs {
		if o.ID == id {
			org := o
			return &org, nil
		}
	}
	return nil, persistence.ErrOrgNotFound
}

func (d *memDirectory) ListOrgs(context.Context) ([]aggregate.Org, error) {
	return d.orgs, nil
}

func (d *memDirectory) GetTeam(_ context.Context, id uuid.UUID) (*aggregate.Team, error) {
	for _, t := range d.teams {
		if t.ID == id {
			team := t
			return &team, nil
		}
	}
	return nil, persistence.ErrTeamNotFound
}

func (d *memDirectory) ListTeams(_ context.Context, orgID uuid.UUID) ([]aggregate.Team, error) {
	var out []aggregate.Team
	for _, t := range d.teams {
		if t.OrgID == orgID {
			out = append(out, t)
		}
	}
	return out, nil
}

type memLatentStates struct {
	mu     sync.Mutex
	states map[string]estimator.State
	audit  []estimator.Observation
}

func newMemLatentStates() *memLatentStates {
	return &memLatentStates{states: map[string]estimator.State{}}
}

func stateKey(userID uuid.UUID, p estimator.Parameter) string {
	return userID.String() + "|" + string(p)
}

func (m *memLatentStates) Get(_ context.Context, userID uuid.UUID, p estimator.Parameter) (*estimator.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[stateKey(userID, p)]
	if !ok {
		return nil, persistence.ErrLatentStateNotFound
	}
	return &s, nil
}

func (m *memLatentStates) Upsert(_ context.Context, userID uuid.UUID, p estimator.Parameter, state estimator.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[stateKey(userID, p)] = state
	return nil
}

func (m *memLatentStates) InsertAudit(_ context.Context, _ uuid.UUID, obs estimator.Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, obs)
	return nil
}

type memSnapshots struct {
	mu      sync.Mutex
	current map[string][]aggregate.Snapshot
	history map[string][]aggregate.Snapshot
	ensures int
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{
		current: map[string][]aggregate.Snapshot{},
		history: map[string][]aggregate.Snapshot{},
	}
}

func (m *memSnapshots) setCurrent(teamID uuid.UUID, snaps []aggregate.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current[teamID.String()] = snaps
}

func (m *memSnapshots) EnsureWeek(_ context.Context, teamID uuid.UUID, weekStart time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensures++
	key := weekKey(teamID, weekStart)
	if _, ok := m.history[key]; ok {
		return 0, nil
	}
	cur := m.current[teamID.String()]
	snaps := make([]aggregate.Snapshot, len(cur))
	for i, s := range cur {
		s.WeekStart = weekStart
		snaps[i] = s
	}
	m.history[key] = snaps
	return len(snaps), nil
}

func (m *memSnapshots) ListForTeamWeek(_ context.Context, teamID uuid.UUID, weekStart time.Time) ([]aggregate.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history[weekKey(teamID, weekStart)], nil
}

func (m *memSnapshots) ListCurrentForTeam(_ context.Context, teamID uuid.UUID, weekStart time.Time) ([]aggregate.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.current[teamID.String()]
	snaps := make([]aggregate.Snapshot, len(cur))
	for i, s := range cur {
		s.WeekStart = weekStart
		snaps[i] = s
	}
	return snaps, nil
}

type memAggregates struct {
	mu      sync.Mutex
	rows    map[string]*aggregate.WeeklyAggregate
	upserts int
}

func newMemAggregates() *memAggregates {
	return &memAggregates{rows: map[string]*aggregate.WeeklyAggregate{}}
}

func (m *memAggregates) Get(_ context.Context, _, teamID uuid.UUID, weekStart time.Time) (*aggregate.WeeklyAggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[weekKey(teamID, weekStart)]
	if !ok {
		return nil, persistence.ErrAggregateNotFound
	}
	agg := *row
	return &agg, nil
}

func (m *memAggregates) GetInputHash(_ context.Context, _, teamID uuid.UUID, weekStart time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[weekKey(teamID, weekStart)]
	if !ok {
		return "", nil
	}
	return row.InputHash, nil
}

func (m *memAggregates) Upsert(_ context.Context, agg *aggregate.WeeklyAggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	row := *agg
	m.rows[weekKey(agg.TeamID, agg.WeekStart)] = &row
	return nil
}

type memInterpretations struct {
	mu   sync.Mutex
	rows []*aggregate.Interpretation
}

func (m *memInterpretations) GetActive(_ context.Context, _, teamID uuid.UUID, weekStart time.Time) (*aggregate.Interpretation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.TeamID == teamID && row.WeekStart.Equal(weekStart) && row.IsActive {
			interp := *row
			return &interp, nil
		}
	}
	return nil, persistence.ErrInterpretationNotFound
}

func (m *memInterpretations) Insert(_ context.Context, interp *aggregate.Interpretation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.TeamID == interp.TeamID && row.WeekStart.Equal(interp.WeekStart) {
			row.IsActive = false
		}
	}
	row := *interp
	row.IsActive = true
	m.rows = append(m.rows, &row)
	return nil
}

type memLocks struct {
	mu       sync.Mutex
	rows     map[string]*aggregate.Lock
	acquires int
}

func newMemLocks() *memLocks {
	return &memLocks{rows: map[string]*aggregate.Lock{}}
}

func lockKey(scope string, weekStart time.Time) string {
	return scope + "|" + weekStart.Format("2006-01-02")
}

func (m *memLocks) Acquire(_ context.Context, scope string, weekStart time.Time, runID uuid.UUID, ttl time.Duration) (*aggregate.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquires++
	key := lockKey(scope, weekStart)
	if existing, ok := m.rows[key]; ok && existing.ReleasedAt == nil {
		return nil, &aggregate.LockHeldError{Holder: *existing}
	}
	now := time.Now().UTC()
	lock := &aggregate.Lock{
		Scope:      scope,
		WeekStart:  weekStart,
		RunID:      runID,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	m.rows[key] = lock
	out := *lock
	return &out, nil
}

func (m *memLocks) Release(_ context.Context, scope string, weekStart time.Time, runID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.rows[lockKey(scope, weekStart)]
	if !ok || lock.RunID != runID || lock.ReleasedAt != nil {
		return persistence.ErrLockNotFound
	}
	now := time.Now().UTC()
	lock.ReleasedAt = &now
	return nil
}

func (m *memLocks) ForceRelease(_ context.Context, scope string, weekStart time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.rows[lockKey(scope, weekStart)]
	if !ok || lock.ReleasedAt != nil {
		return persistence.ErrLockNotFound
	}
	now := time.Now().UTC()
	lock.ReleasedAt = &now
	return nil
}

func (m *memLocks) ListStuck(_ context.Context, now time.Time) ([]aggregate.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []aggregate.Lock
	for _, lock := range m.rows {
		if lock.Stuck(now) {
			out = append(out, *lock)
		}
	}
	return out, nil
}

type memRuns struct {
	mu   sync.Mutex
	rows []*aggregate.RunRecord
}

func (m *memRuns) Insert(_ context.Context, rec *aggregate.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := *rec
	m.rows = append(m.rows, &row)
	return nil
}

func (m *memRuns) Get(_ context.Context, runID uuid.UUID) (*aggregate.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.RunID == runID {
			rec := *row
			return &rec, nil
		}
	}
	return nil, persistence.ErrRunNotFound
}

func (m *memRuns) ListForWeek(_ context.Context, weekStart time.Time) ([]aggregate.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []aggregate.RunRecord
	for _, row := range m.rows {
		if row.WeekStart.Equal(weekStart) {
			out = append(out, *row)
		}
	}
	return out, nil
}

type fakeGenerator struct {
	mu       sync.Mutex
	calls    int
	err      error
	panics   bool
	sections aggregate.Sections
}

func (g *fakeGenerator) Generate(context.Context, *aggregate.WeeklyAggregate) (aggregate.Sections, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.panics {
		panic("generator blew up")
	}
	if g.err != nil {
		return nil, g.err
	}
	if g.sections != nil {
		return g.sections, nil
	}
	return aggregate.Sections{
		"summary":           "steady week",
		"drivers":           "engagement up",
		"suggested_actions": "keep the cadence",
	}, nil
}

func (g *fakeGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *fakeGenerator) ModelID() string       { return "test-model" }
func (g *fakeGenerator) PromptVersion() string { return "p1" }

// teamSnapshots builds one engagement snapshot per user.
func teamSnapshots(users int, mean, variance float64) []aggregate.Snapshot {
	snaps := make([]aggregate.Snapshot, 0, users)
	for i := 0; i < users; i++ {
		snaps = append(snaps, aggregate.Snapshot{
			UserID:    uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("user-%d-%f", i, mean))),
			Parameter: estimator.Engagement,
			Mean:      mean,
			Variance:  variance,
		})
	}
	return snaps
}
