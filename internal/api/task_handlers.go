package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/models"
)

// handleCreateTask registers a task without executing it.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var spec models.TaskSpec
	if err := decodeJSON(r, &spec); err != nil {
		s.fail(w, r, err)
		return
	}
	task, err := s.deps.Orchestrator.CreateTask(r.Context(), spec)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusCreated, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Orchestrator.GetTask(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter, err := taskFilterFromQuery(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	tasks, err := s.deps.Orchestrator.ListTasks(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// handleExecuteTask runs the full pipeline and long-polls the result.
func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	allowLongResponse(w)
	result, err := s.deps.Orchestrator.ExecuteTask(r.Context(), mux.Vars(r)["id"])
	s.respondResult(w, r, result, err)
}

// handleResumeTask continues a suspended task from its checkpoints.
func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	allowLongResponse(w)
	result, err := s.deps.Orchestrator.ResumeTask(r.Context(), mux.Vars(r)["id"])
	s.respondResult(w, r, result, err)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Orchestrator.CancelTask(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	task, err := s.deps.Orchestrator.GetTask(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, task)
}

type approveRequest struct {
	ApproverID string `json:"approver_id"`
}

// handleApproveTask releases a task suspended on the approval gate.
func (s *Server) handleApproveTask(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.deps.Orchestrator.GrantApproval(r.Context(), id, req.ApproverID); err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"task_id":     id,
		"approved_by": req.ApproverID,
	})
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	evts, err := s.deps.Orchestrator.GetTaskEvents(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"events": evts,
		"count":  len(evts),
	})
}

// respondResult writes a task result, folding failed runs into the
// error envelope with the terminal status attached.
func (s *Server) respondResult(w http.ResponseWriter, r *http.Request, result *models.TaskResult, err error) {
	if err != nil {
		if result != nil {
			err = errors.Wrap(err, errors.KindOf(err), "task finished "+string(result.Status)).
				WithDetails("task_status", string(result.Status))
		}
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, result)
}

func taskFilterFromQuery(r *http.Request) (models.TaskFilter, error) {
	query := r.URL.Query()
	filter := models.TaskFilter{
		UserID: query.Get("user_id"),
		TeamID: query.Get("team_id"),
	}
	if raw := query.Get("status"); raw != "" {
		status := models.TaskStatus(raw)
		if !status.Valid() {
			return filter, errors.BadInputf("unknown task status %q", raw)
		}
		filter.Status = status
	}
	if raw := query.Get("type"); raw != "" {
		taskType := models.TaskType(raw)
		if !taskType.Valid() {
			return filter, errors.BadInputf("unknown task type %q", raw)
		}
		filter.Type = taskType
	}
	var err error
	if filter.Limit, err = intQuery(r, "limit", 0); err != nil {
		return filter, err
	}
	if filter.Offset, err = intQuery(r, "offset", 0); err != nil {
		return filter, err
	}
	return filter, nil
}
