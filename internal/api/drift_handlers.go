package api

import (
	"net/http"

	"github.com/nimbusops/nimbus/internal/drift/formatter"
	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/models"
)

// handleDriftDetect compares desired and live state for one scope.
func (s *Server) handleDriftDetect(w http.ResponseWriter, r *http.Request) {
	var req models.DriftRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	report, err := s.deps.Detector.Detect(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, report)
}

type driftPlanRequest struct {
	ReportID string               `json:"report_id,omitempty"`
	Request  *models.DriftRequest `json:"request,omitempty"`
}

// handleDriftPlan builds a remediation plan from a stored report or a
// fresh detection.
func (s *Server) handleDriftPlan(w http.ResponseWriter, r *http.Request) {
	var req driftPlanRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	report, err := s.resolveDriftReport(r, req.ReportID, req.Request)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	plan, err := s.deps.Analyzer.CreateRemediationPlan(r.Context(), report)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, plan)
}

// handleDriftFix remediates drift, holding the connection for the run
// unless dry_run is set.
func (s *Server) handleDriftFix(w http.ResponseWriter, r *http.Request) {
	var opts models.RemediationOptions
	if err := decodeJSON(r, &opts); err != nil {
		s.fail(w, r, err)
		return
	}
	allowLongResponse(w)
	result, err := s.deps.Analyzer.Remediate(r.Context(), opts)
	if err != nil {
		if result != nil {
			err = errors.Wrap(err, errors.KindOf(err), "remediation finished "+string(result.Status)).
				WithDetails("report_id", result.ReportID).
				WithDetails("task_id", result.TaskID)
		}
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, result)
}

type driftComplianceRequest struct {
	ReportID string `json:"report_id"`
}

func (s *Server) handleDriftCompliance(w http.ResponseWriter, r *http.Request) {
	var req driftComplianceRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	report, err := s.deps.Analyzer.GenerateComplianceReport(r.Context(), req.ReportID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, report)
}

type driftFormatRequest struct {
	ReportID string `json:"report_id"`
	Format   string `json:"format,omitempty"`
}

// handleDriftFormat renders a stored report in the requested format.
func (s *Server) handleDriftFormat(w http.ResponseWriter, r *http.Request) {
	var req driftFormatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	format, err := formatter.Parse(req.Format)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	report, err := s.deps.Store.GetDriftReport(r.Context(), req.ReportID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	content, contentType, err := formatter.Render(report, format)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{
		"report_id":    report.ID,
		"format":       string(format),
		"content_type": contentType,
		"content":      content,
	})
}

func (s *Server) resolveDriftReport(r *http.Request, reportID string, req *models.DriftRequest) (*models.DriftReport, error) {
	switch {
	case reportID != "":
		return s.deps.Store.GetDriftReport(r.Context(), reportID)
	case req != nil:
		return s.deps.Detector.Detect(r.Context(), *req)
	default:
		return nil, errors.BadInput("a report_id or a drift request is required")
	}
}
