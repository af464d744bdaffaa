package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pulsehq/pulse-sdk/modules/insight/domain/estimator"
)

// LockHeldError reports a failed acquisition together with the holder, so
// callers can surface the in-flight run id.
type LockHeldError struct {
	Holder Lock
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("lock held by run %s for %s", e.Holder.RunID, e.Holder.Scope)
}

type DirectoryRepository interface {
	GetOrg(ctx context.Context, id uuid.UUID) (*Org, error)
	ListOrgs(ctx context.Context) ([]Org, error)
	GetTeam(ctx context.Context, id uuid.UUID) (*Team, error)
	ListTeams(ctx context.Context, orgID uuid.UUID) ([]Team, error)
}

type LatentStateRepository interface {
	Get(ctx context.Context, userID uuid.UUID, parameter estimator.Parameter) (*estimator.State, error)
	Upsert(ctx context.Context, userID uuid.UUID, parameter estimator.Parameter, state estimator.State) error
	InsertAudit(ctx context.Context, userID uuid.UUID, obs estimator.Observation) error
}

type SnapshotRepository interface {
	// EnsureWeek copies current latent states of the team's week-start
	// members into history, inserting only missing rows. Existing snapshots
	// are never overwritten. Returns the number of rows inserted.
	EnsureWeek(ctx context.Context, teamID uuid.UUID, weekStart time.Time) (int, error)
	ListForTeamWeek(ctx context.Context, teamID uuid.UUID, weekStart time.Time) ([]Snapshot, error)
	// ListCurrentForTeam previews what EnsureWeek would snapshot, used by
	// dry runs so they can compute without writing history.
	ListCurrentForTeam(ctx context.Context, teamID uuid.UUID, weekStart time.Time) ([]Snapshot, error)
}

type AggregateRepository interface {
	Get(ctx context.Context, orgID, teamID uuid.UUID, weekStart time.Time) (*WeeklyAggregate, error)
	// GetInputHash returns "" when no row exists.
	GetInputHash(ctx context.Context, orgID, teamID uuid.UUID, weekStart time.Time) (string, error)
	Upsert(ctx context.Context, agg *WeeklyAggregate) error
}

type InterpretationRepository interface {
	GetActive(ctx context.Context, orgID, teamID uuid.UUID, weekStart time.Time) (*Interpretation, error)
	// Insert stores a new active interpretation and marks any prior active
	// row for the same (org, team, week) inactive. Rows are never deleted.
	Insert(ctx context.Context, interp *Interpretation) error
}

type LockRepository interface {
	// Acquire returns *LockHeldError when an unreleased row exists for the
	// key, whether or not it has expired; expired-unreleased locks need
	// explicit operator intervention.
	Acquire(ctx context.Context, scope string, weekStart time.Time, runID uuid.UUID, ttl time.Duration) (*Lock, error)
	Release(ctx context.Context, scope string, weekStart time.Time, runID uuid.UUID) error
	// ForceRelease clears a stuck lock. Operator tooling only.
	ForceRelease(ctx context.Context, scope string, weekStart time.Time) error
	ListStuck(ctx context.Context, now time.Time) ([]Lock, error)
}

type RunRepository interface {
	Insert(ctx context.Context, rec *RunRecord) error
	Get(ctx context.Context, runID uuid.UUID) (*RunRecord, error)
	ListForWeek(ctx context.Context, weekStart time.Time) ([]RunRecord, error)
}
