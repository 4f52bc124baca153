package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/models"
)

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.deps.Orchestrator.GetPlan(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, plan)
}

type generatePlanRequest struct {
	TaskID string           `json:"task_id,omitempty"`
	Spec   *models.TaskSpec `json:"spec,omitempty"`
}

// handleGeneratePlan previews the plan for a stored task or an inline
// spec. Nothing is persisted; executing the task plans it again.
func (s *Server) handleGeneratePlan(w http.ResponseWriter, r *http.Request) {
	var req generatePlanRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	var task *models.Task
	switch {
	case req.TaskID != "":
		stored, err := s.deps.Orchestrator.GetTask(r.Context(), req.TaskID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		task = stored
	case req.Spec != nil:
		task = taskFromSpec(*req.Spec)
	default:
		s.fail(w, r, errors.BadInput("a task_id or an inline spec is required"))
		return
	}

	plan, err := s.deps.Planner.Generate(r.Context(), task)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, plan)
}

func (s *Server) handleValidatePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.deps.Orchestrator.GetPlan(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.deps.Planner.Validate(r.Context(), plan)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, result)
}

func (s *Server) handleOptimizePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.deps.Orchestrator.GetPlan(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	optimized, err := s.deps.Planner.Optimize(r.Context(), plan)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, optimized)
}

// taskFromSpec builds an ephemeral task for plan previews.
func taskFromSpec(spec models.TaskSpec) *models.Task {
	priority := spec.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	return &models.Task{
		ID:        uuid.NewString(),
		Type:      spec.Type,
		UserID:    spec.UserID,
		TeamID:    spec.TeamID,
		Priority:  priority,
		Context:   spec.Context,
		Metadata:  spec.Metadata,
		Status:    models.TaskStatusPlanning,
		CreatedAt: time.Now().UTC(),
	}
}
