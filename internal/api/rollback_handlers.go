package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/models"
)

// handleRollbackTask derives the inverse plan for a finished task and,
// unless dry_run is set, executes it.
func (s *Server) handleRollbackTask(w http.ResponseWriter, r *http.Request) {
	var opts models.RollbackOptions
	if err := decodeJSONOptional(r, &opts); err != nil {
		s.fail(w, r, err)
		return
	}
	opts.TaskID = mux.Vars(r)["id"]

	allowLongResponse(w)
	result, err := s.deps.Rollback.Rollback(r.Context(), opts)
	if err != nil {
		if result != nil {
			err = errors.Wrap(err, errors.KindOf(err), "rollback finished "+string(result.Status)).
				WithDetails("task_status", string(result.Status))
		}
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, result)
}

func (s *Server) handleRollbackCheck(w http.ResponseWriter, r *http.Request) {
	check, err := s.deps.Rollback.CanRollback(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, check)
}

func (s *Server) handleRollbackStates(w http.ResponseWriter, r *http.Request) {
	states, err := s.deps.Rollback.ListStates(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"states": states,
		"count":  len(states),
	})
}

type cleanupRequest struct {
	MaxAgeHours float64 `json:"max_age_hours,omitempty"`
}

// handleRollbackCleanup deletes checkpoint state older than the
// cutoff, seven days when unspecified.
func (s *Server) handleRollbackCleanup(w http.ResponseWriter, r *http.Request) {
	req := cleanupRequest{MaxAgeHours: 24 * 7}
	if err := decodeJSONOptional(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.MaxAgeHours <= 0 {
		s.fail(w, r, errors.BadInput("max_age_hours must be positive"))
		return
	}

	removed, err := s.deps.Rollback.CleanupOldStates(r.Context(), time.Duration(req.MaxAgeHours*float64(time.Hour)))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"removed":       removed,
		"max_age_hours": req.MaxAgeHours,
	})
}
