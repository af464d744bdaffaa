package controllers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/pulsehq/pulse-sdk/modules/insight/domain/aggregate"
	"github.com/pulsehq/pulse-sdk/modules/insight/domain/weekclock"
	"github.com/pulsehq/pulse-sdk/modules/insight/infrastructure/persistence"
	"github.com/pulsehq/pulse-sdk/modules/insight/services"
	"github.com/pulsehq/pulse-sdk/pkg/composables"
)

type PipelineControllerConfig struct {
	Pipeline       *services.PipelineService
	Interpretation *services.InterpretationService
	Directory      aggregate.DirectoryRepository
	Aggregates     aggregate.AggregateRepository
	Interps        aggregate.InterpretationRepository
	BasePath       string
}

type PipelineController struct {
	pipeline       *services.PipelineService
	interpretation *services.InterpretationService
	directory      aggregate.DirectoryRepository
	aggregates     aggregate.AggregateRepository
	interps        aggregate.InterpretationRepository
	basePath       string
}

func NewPipelineController(config PipelineControllerConfig) *PipelineController {
	if config.BasePath == "" {
		config.BasePath = "/insight"
	}
	return &PipelineController{
		pipeline:       config.Pipeline,
		interpretation: config.Interpretation,
		directory:      config.Directory,
		aggregates:     config.Aggregates,
		interps:        config.Interps,
		basePath:       config.BasePath,
	}
}

func (c *PipelineController) Key() string {
	return c.basePath
}

func (c *PipelineController) Register(r *mux.Router) {
	router := r.PathPrefix(c.basePath).Subrouter()
	router.HandleFunc("/runs", c.TriggerRun).Methods(http.MethodPost)
	router.HandleFunc("/runs/{runID}", c.GetRun).Methods(http.MethodGet)
	router.HandleFunc("/locks/stuck", c.ListStuckLocks).Methods(http.MethodGet)
	router.HandleFunc("/teams/{teamID}/weeks/{week}", c.GetTeamWeek).Methods(http.MethodGet)
}

type triggerRunRequest struct {
	// WeekOffset defaults to -1, the most recently completed week.
	WeekOffset *int   `json:"weekOffset"`
	WeekStart  string `json:"weekStart"`
	ScopeKind  string `json:"scopeKind"`
	ScopeID    string `json:"scopeId"`
	Mode       string `json:"mode"`
	DryRun     bool   `json:"dryRun"`
}

type runResponse struct {
	RunID      string              `json:"runId"`
	WeekStart  string              `json:"weekStart"`
	WeekLabel  string              `json:"weekLabel"`
	Status     string              `json:"status"`
	Counts     aggregate.RunCounts `json:"counts"`
	Errors     []string            `json:"errors,omitempty"`
	DurationMS int64               `json:"durationMs"`
	HeldBy     string              `json:"heldBy,omitempty"`
}

func (c *PipelineController) TriggerRun(w http.ResponseWriter, r *http.Request) {
	var body triggerRunRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	scope, err := parseScope(body.ScopeKind, body.ScopeID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode := aggregate.RunMode(body.Mode)
	if body.Mode == "" {
		mode = aggregate.ModeFull
	}
	switch mode {
	case aggregate.ModeFull, aggregate.ModePipelineOnly, aggregate.ModeInterpretationOnly:
	default:
		writeError(w, http.StatusBadRequest, "unknown run mode")
		return
	}

	weekOffset := -1
	if body.WeekOffset != nil {
		weekOffset = *body.WeekOffset
	}
	var weekStart time.Time
	if body.WeekStart != "" {
		weekStart, err = time.ParseInLocation("2006-01-02", body.WeekStart, time.UTC)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid weekStart, expected YYYY-MM-DD")
			return
		}
	}

	result, err := c.pipeline.Run(r.Context(), services.RunRequest{
		WeekOffset: weekOffset,
		WeekStart:  weekStart,
		Scope:      scope,
		Mode:       mode,
		DryRun:     body.DryRun,
	})
	if err != nil {
		composables.UseLogger(r.Context()).WithError(err).Error("run trigger failed")
		writeError(w, http.StatusInternalServerError, "run failed to start")
		return
	}

	status := http.StatusOK
	if result.Status == aggregate.RunLocked {
		status = http.StatusConflict
	}
	writeJSON(w, status, toRunResponse(result))
}

func (c *PipelineController) GetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(mux.Vars(r)["runID"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	rec, err := c.pipeline.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		composables.UseLogger(r.Context()).WithError(err).Error("failed to load run")
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}

	writeJSON(w, http.StatusOK, runResponse{
		RunID:      rec.RunID.String(),
		WeekStart:  rec.WeekStart.Format("2006-01-02"),
		WeekLabel:  weekclock.Label(rec.WeekStart),
		Status:     string(rec.Status),
		Counts:     rec.Counts,
		DurationMS: rec.FinishedAt.Sub(rec.StartedAt).Milliseconds(),
	})
}

type stuckLockResponse struct {
	Scope      string `json:"scope"`
	WeekStart  string `json:"weekStart"`
	RunID      string `json:"runId"`
	AcquiredAt string `json:"acquiredAt"`
	ExpiresAt  string `json:"expiresAt"`
}

func (c *PipelineController) ListStuckLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := c.pipeline.StuckLocks(r.Context(), time.Now())
	if err != nil {
		composables.UseLogger(r.Context()).WithError(err).Error("failed to list stuck locks")
		writeError(w, http.StatusInternalServerError, "failed to list stuck locks")
		return
	}

	out := make([]stuckLockResponse, 0, len(locks))
	for _, l := range locks {
		out = append(out, stuckLockResponse{
			Scope:      l.Scope,
			WeekStart:  l.WeekStart.Format("2006-01-02"),
			RunID:      l.RunID.String(),
			AcquiredAt: l.AcquiredAt.Format(time.RFC3339),
			ExpiresAt:  l.ExpiresAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"locks": out})
}

type teamWeekResponse struct {
	TeamID           string             `json:"teamId"`
	WeekStart        string             `json:"weekStart"`
	WeekLabel        string             `json:"weekLabel"`
	Status           string             `json:"status"`
	Indices          map[string]float64 `json:"indices,omitempty"`
	IndexVersion     string             `json:"indexVersion,omitempty"`
	ContributorCount int                `json:"contributorCount,omitempty"`
	Sections         map[string]string  `json:"sections,omitempty"`
}

func (c *PipelineController) GetTeamWeek(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	teamID, err := uuid.Parse(vars["teamID"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid team id")
		return
	}
	weekStart, err := time.ParseInLocation("2006-01-02", vars["week"], time.UTC)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid week, expected YYYY-MM-DD")
		return
	}

	team, err := c.directory.GetTeam(r.Context(), teamID)
	if err != nil {
		if errors.Is(err, persistence.ErrTeamNotFound) {
			writeError(w, http.StatusNotFound, "team not found")
			return
		}
		composables.UseLogger(r.Context()).WithError(err).Error("failed to load team")
		writeError(w, http.StatusInternalServerError, "failed to load team")
		return
	}

	resp := teamWeekResponse{
		TeamID:    team.ID.String(),
		WeekStart: weekStart.Format("2006-01-02"),
		WeekLabel: weekclock.Label(weekStart),
		Status:    string(aggregate.StatusFailed),
	}

	agg, err := c.aggregates.Get(r.Context(), team.OrgID, team.ID, weekStart)
	if err != nil && !errors.Is(err, persistence.ErrAggregateNotFound) {
		composables.UseLogger(r.Context()).WithError(err).Error("failed to load aggregate")
		writeError(w, http.StatusInternalServerError, "failed to load aggregate")
		return
	}
	if agg == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	status, err := c.interpretation.StatusForWeek(r.Context(), agg)
	if err != nil {
		composables.UseLogger(r.Context()).WithError(err).Error("failed to resolve week status")
		writeError(w, http.StatusInternalServerError, "failed to resolve week status")
		return
	}

	resp.Status = string(status)
	resp.Indices = agg.Indices
	resp.IndexVersion = agg.IndexVersion
	resp.ContributorCount = agg.ContributorCount

	if status == aggregate.StatusOK {
		active, err := c.interps.GetActive(r.Context(), team.OrgID, team.ID, weekStart)
		if err == nil {
			resp.Sections = active.Sections
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseScope(kind, id string) (aggregate.Scope, error) {
	switch aggregate.ScopeKind(kind) {
	case aggregate.ScopeGlobal, "":
		return aggregate.GlobalScope(), nil
	case aggregate.ScopeOrg:
		orgID, err := uuid.Parse(id)
		if err != nil {
			return aggregate.Scope{}, errors.New("invalid org scope id")
		}
		return aggregate.OrgScope(orgID), nil
	case aggregate.ScopeTeam:
		teamID, err := uuid.Parse(id)
		if err != nil {
			return aggregate.Scope{}, errors.New("invalid team scope id")
		}
		return aggregate.TeamScope(teamID), nil
	default:
		return aggregate.Scope{}, errors.New("unknown scope kind")
	}
}

func toRunResponse(result *services.RunResult) runResponse {
	resp := runResponse{
		RunID:      result.RunID.String(),
		WeekStart:  result.WeekStart.Format("2006-01-02"),
		WeekLabel:  result.WeekLabel,
		Status:     string(result.Status),
		Counts:     result.Counts,
		Errors:     result.Errors,
		DurationMS: result.Duration.Milliseconds(),
	}
	if result.HeldBy != uuid.Nil {
		resp.HeldBy = result.HeldBy.String()
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
