package aggregate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pulsehq/pulse-sdk/modules/insight/domain/estimator"
)

// ComputeVersion tags every aggregate with the formula generation that
// produced it. Bumping it invalidates all input hashes, forcing a recompute
// on the next run.
const ComputeVersion = "2026.1"

// DefaultKThreshold applies when an org has no explicit anonymity setting.
const DefaultKThreshold = 7

type Org struct {
	ID           uuid.UUID
	Name         string
	KThreshold   int
	WeekStartDay time.Weekday
	Timezone     string
}

type Team struct {
	ID    uuid.UUID
	OrgID uuid.UUID
	Name  string
}

// Snapshot is one immutable (user, week, parameter) belief copy, the
// durable input to aggregation.
type Snapshot struct {
	UserID    uuid.UUID
	WeekStart time.Time
	Parameter estimator.Parameter
	Mean      float64
	Variance  float64
}

// InputHash is the idempotency fingerprint of a snapshot set: a stable
// digest over the sorted (user, parameter, mean, variance) tuples plus the
// compute version. Identical inputs always produce identical hashes, so a
// re-run with unchanged data is detectable before any write.
func InputHash(snaps []Snapshot, computeVersion string) string {
	sorted := make([]Snapshot, len(snaps))
	copy(sorted, snaps)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.UserID != b.UserID {
			return a.UserID.String() < b.UserID.String()
		}
		return a.Parameter < b.Parameter
	})

	var sb strings.Builder
	sb.WriteString("v|")
	sb.WriteString(computeVersion)
	sb.WriteByte('\n')
	for _, s := range sorted {
		sb.WriteString(s.UserID.String())
		sb.WriteByte('|')
		sb.WriteString(string(s.Parameter))
		sb.WriteByte('|')
		sb.WriteString(strconv.FormatFloat(s.Mean, 'g', -1, 64))
		sb.WriteByte('|')
		sb.WriteString(strconv.FormatFloat(s.Variance, 'g', -1, 64))
		sb.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// Pooled is the result of precision-weighted pooling of a team's snapshots.
type Pooled struct {
	Means       map[estimator.Parameter]float64
	Uncertainty map[estimator.Parameter]float64
	// UserShares are normalized precision weights per contributor. They sum
	// to 1 and expose relative influence only, never raw values.
	UserShares   map[uuid.UUID]float64
	Contributors int
}

// Pool combines independent per-user Gaussian estimates with inverse-variance
// weighting: more-confident individual states dominate the team mean. The
// pooled uncertainty per parameter is the variance of the combined estimate.
func Pool(snaps []Snapshot) Pooled {
	type acc struct {
		weighted float64
		weight   float64
	}
	perParam := make(map[estimator.Parameter]*acc)
	perUser := make(map[uuid.UUID]float64)
	var grand float64

	for _, s := range snaps {
		if s.Variance <= 0 {
			continue
		}
		w := 1 / s.Variance
		a := perParam[s.Parameter]
		if a == nil {
			a = &acc{}
			perParam[s.Parameter] = a
		}
		a.weighted += w * s.Mean
		a.weight += w
		perUser[s.UserID] += w
		grand += w
	}

	out := Pooled{
		Means:        make(map[estimator.Parameter]float64, len(perParam)),
		Uncertainty:  make(map[estimator.Parameter]float64, len(perParam)),
		UserShares:   make(map[uuid.UUID]float64, len(perUser)),
		Contributors: len(perUser),
	}
	for p, a := range perParam {
		out.Means[p] = a.weighted / a.weight
		out.Uncertainty[p] = 1 / a.weight
	}
	if grand > 0 {
		for u, w := range perUser {
			out.UserShares[u] = w / grand
		}
	}
	return out
}

// Breakdown is the attributable detail withheld below the k-threshold.
type Breakdown struct {
	UserShares   map[string]float64                         `json:"user_shares"`
	IndexDrivers map[string]map[estimator.Parameter]float64 `json:"index_drivers"`
}

type WeeklyAggregate struct {
	OrgID                uuid.UUID
	TeamID               uuid.UUID
	WeekStart            time.Time
	ParameterMeans       map[estimator.Parameter]float64
	ParameterUncertainty map[estimator.Parameter]float64
	Indices              map[string]float64
	IndexVersion         string
	ContributorCount     int
	Contributions        *Breakdown
	InputHash            string
	ComputeVersion       string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Sections is the generated narrative keyed by section name.
type Sections map[string]string

type Interpretation struct {
	ID            uuid.UUID
	OrgID         uuid.UUID
	TeamID        uuid.UUID
	WeekStart     time.Time
	InputHash     string
	ModelID       string
	PromptVersion string
	Sections      Sections
	IsActive      bool
	CreatedAt     time.Time
}

// WeeklyStatus is the three-state contract dashboards consume.
type WeeklyStatus string

const (
	StatusOK       WeeklyStatus = "OK"
	StatusDegraded WeeklyStatus = "DEGRADED"
	StatusFailed   WeeklyStatus = "FAILED"
)

// ScopeKind selects the unit of mutual exclusion for one run.
type ScopeKind string

const (
	ScopeGlobal ScopeKind = "global"
	ScopeOrg    ScopeKind = "org"
	ScopeTeam   ScopeKind = "team"
)

type Scope struct {
	Kind ScopeKind
	ID   uuid.UUID
}

func GlobalScope() Scope           { return Scope{Kind: ScopeGlobal} }
func OrgScope(id uuid.UUID) Scope  { return Scope{Kind: ScopeOrg, ID: id} }
func TeamScope(id uuid.UUID) Scope { return Scope{Kind: ScopeTeam, ID: id} }

func (s Scope) String() string {
	if s.Kind == ScopeGlobal {
		return string(ScopeGlobal)
	}
	return fmt.Sprintf("%s:%s", s.Kind, s.ID)
}

type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
	RunLocked    RunStatus = "locked"
)

type RunMode string

const (
	ModeFull               RunMode = "FULL"
	ModePipelineOnly       RunMode = "PIPELINE_ONLY"
	ModeInterpretationOnly RunMode = "INTERPRETATION_ONLY"
)

// RunCounts accumulates per-run outcome counters. It is injected and scoped
// to one invocation so repeated or concurrent runs never share state.
type RunCounts struct {
	OrgsTotal                 int `json:"orgsTotal"`
	OrgsSuccess               int `json:"orgsSuccess"`
	OrgsFailed                int `json:"orgsFailed"`
	TeamsTotal                int `json:"teamsTotal"`
	TeamsSuccess              int `json:"teamsSuccess"`
	TeamsFailed               int `json:"teamsFailed"`
	PipelineUpserts           int `json:"pipelineUpserts"`
	PipelineSkips             int `json:"pipelineSkips"`
	InterpretationGenerations int `json:"interpretationGenerations"`
	InterpretationCacheHits   int `json:"interpretationCacheHits"`
	InterpretationFailures    int `json:"interpretationFailures"`
}

// RunRecord is the append-only audit row for one pipeline invocation. Dry
// runs write nothing, so every stored record is a real run.
type RunRecord struct {
	RunID      uuid.UUID
	WeekStart  time.Time
	Scope      string
	Status     RunStatus
	Mode       RunMode
	StartedAt  time.Time
	FinishedAt time.Time
	Counts     RunCounts
	Error      string
}

// Lock is one scoped mutual-exclusion row.
type Lock struct {
	Scope      string
	WeekStart  time.Time
	RunID      uuid.UUID
	AcquiredAt time.Time
	ExpiresAt  time.Time
	ReleasedAt *time.Time
}

// Stuck reports an expired lock that was never released: the holder died
// mid-run. Stuck locks require operator intervention and are never cleared
// by normal runs.
func (l Lock) Stuck(now time.Time) bool {
	return l.ReleasedAt == nil && now.After(l.ExpiresAt)
}
