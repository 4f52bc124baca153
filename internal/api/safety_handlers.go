package api

import (
	"net/http"

	"github.com/nimbusops/nimbus/internal/engine/safety"
	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/models"
)

type safetyCheckRequest struct {
	TaskID string `json:"task_id"`
	PlanID string `json:"plan_id,omitempty"`
	Phase  string `json:"phase"`
}

// handleSafetyCheck evaluates the registered checks for one phase
// against a task and, when resolvable, its plan.
func (s *Server) handleSafetyCheck(w http.ResponseWriter, r *http.Request) {
	var req safetyCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	phase := models.SafetyPhase(req.Phase)
	if !phase.Valid() {
		s.fail(w, r, errors.BadInputf("unknown safety phase %q", req.Phase))
		return
	}
	if req.TaskID == "" {
		s.fail(w, r, errors.BadInput("task_id is required"))
		return
	}

	task, err := s.deps.Orchestrator.GetTask(r.Context(), req.TaskID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	planID := req.PlanID
	if planID == "" {
		planID = task.PlanID
	}
	var plan *models.Plan
	if planID != "" {
		if plan, err = s.deps.Orchestrator.GetPlan(r.Context(), planID); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	verdict, err := s.deps.Safety.Evaluate(r.Context(), phase, safety.Input{Task: task, Plan: plan})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, verdict)
}

// handleSafetyChecks lists the registered checks. With operation_id it
// returns the recorded results for that operation instead.
func (s *Server) handleSafetyChecks(w http.ResponseWriter, r *http.Request) {
	if opID := r.URL.Query().Get("operation_id"); opID != "" {
		results, err := s.deps.Safety.Results(r.Context(), opID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		respond(w, http.StatusOK, map[string]interface{}{
			"results": results,
			"count":   len(results),
		})
		return
	}

	checks := s.deps.Safety.Checks()
	out := make([]map[string]interface{}, 0, len(checks))
	for _, check := range checks {
		out = append(out, map[string]interface{}{
			"name":              check.Name,
			"phase":             check.Phase,
			"category":          check.Category,
			"severity":          check.Severity,
			"requires_approval": check.RequiresApproval,
		})
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"checks": out,
		"count":  len(out),
	})
}
