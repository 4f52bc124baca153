package models

import (
	"time"
)

// DriftStatus describes how a resource's actual state relates to its
// desired state.
type DriftStatus string

const (
	DriftStatusInSync  DriftStatus = "in_sync"
	DriftStatusChanged DriftStatus = "changed"
	DriftStatusMissing DriftStatus = "missing"
	DriftStatusExtra   DriftStatus = "extra"
)

// Valid reports whether the drift status is a known value.
func (s DriftStatus) Valid() bool {
	switch s {
	case DriftStatusInSync, DriftStatusChanged, DriftStatusMissing, DriftStatusExtra:
		return true
	}
	return false
}

// DriftRequest asks the detector to compare one provider scope.
// DesiredPath points at the IaC source for desired state: a terraform
// module directory or a kubernetes manifest file or directory. When
// empty, the detector falls back to the scope.
type DriftRequest struct {
	Provider    Provider `json:"provider" validate:"required,oneof=aws gcp azure"`
	Scope       string   `json:"scope" validate:"required"`
	DesiredPath string   `json:"desired_path,omitempty"`
	UseCache    bool     `json:"use_cache,omitempty"`
}

// DriftItem represents the sync state of one resource.
type DriftItem struct {
	ResourceAddress string                 `json:"resource_address"`
	Status          DriftStatus            `json:"status"`
	Desired         map[string]interface{} `json:"desired,omitempty"`
	Actual          map[string]interface{} `json:"actual,omitempty"`
	Severity        Severity               `json:"severity"`
	ChangedFields   []string               `json:"changed_fields,omitempty"`
}

// DriftReport represents the outcome of comparing desired and actual
// state for one provider scope. Items are deduplicated by resource
// address.
type DriftReport struct {
	ID         string      `json:"id"`
	Provider   Provider    `json:"provider"`
	Scope      string      `json:"scope"`
	Items      []DriftItem `json:"items"`
	DetectedAt time.Time   `json:"detected_at"`
}

// OutOfSync returns the items that are not in sync.
func (r *DriftReport) OutOfSync() []DriftItem {
	var out []DriftItem
	for _, item := range r.Items {
		if item.Status != DriftStatusInSync {
			out = append(out, item)
		}
	}
	return out
}

// CountByStatus tallies items per drift status.
func (r *DriftReport) CountByStatus() map[DriftStatus]int {
	counts := make(map[DriftStatus]int)
	for _, item := range r.Items {
		counts[item.Status]++
	}
	return counts
}

// ComplianceReport summarizes a drift report for policy review.
type ComplianceReport struct {
	ReportID       string           `json:"report_id"`
	Provider       Provider         `json:"provider"`
	Scope          string           `json:"scope"`
	TotalResources int              `json:"total_resources"`
	InSync         int              `json:"in_sync"`
	Changed        int              `json:"changed"`
	Missing        int              `json:"missing"`
	Extra          int              `json:"extra"`
	PercentInSync  float64          `json:"percent_in_sync"`
	BySeverity     map[Severity]int `json:"by_severity"`
	GeneratedAt    time.Time        `json:"generated_at"`
}

// RemediationOptions controls how drift is driven back into sync.
// Either ReportID names an existing report or Request triggers a fresh
// detection.
type RemediationOptions struct {
	ReportID    string        `json:"report_id,omitempty"`
	Request     *DriftRequest `json:"request,omitempty"`
	UserID      string        `json:"user_id,omitempty"`
	Environment string        `json:"environment,omitempty"`
	DryRun      bool          `json:"dry_run,omitempty"`
}

// RemediationResult is the outcome of a remediation run.
type RemediationResult struct {
	ReportID  string       `json:"report_id"`
	TaskID    string       `json:"task_id,omitempty"`
	PlanID    string       `json:"plan_id,omitempty"`
	DryRun    bool         `json:"dry_run"`
	OutOfSync int          `json:"out_of_sync"`
	Steps     []StepResult `json:"steps,omitempty"`
	Status    TaskStatus   `json:"status"`
	Summary   string       `json:"summary"`
}
