package models

import (
	"time"
)

// SafetyPhase is the execution window a check runs in.
type SafetyPhase string

const (
	SafetyPhasePre    SafetyPhase = "pre"
	SafetyPhaseDuring SafetyPhase = "during"
	SafetyPhasePost   SafetyPhase = "post"
)

// Valid reports whether the phase is a known value.
func (p SafetyPhase) Valid() bool {
	switch p {
	case SafetyPhasePre, SafetyPhaseDuring, SafetyPhasePost:
		return true
	}
	return false
}

// Severity grades a safety finding or drift item.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether the severity is a known value.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// Built-in safety check categories.
const (
	SafetyCategoryEnvironment Category = "environment"
	SafetyCategoryCost        Category = "cost"
	SafetyCategoryQuota       Category = "quota"
	SafetyCategoryCredential  Category = "credential_scope"
	SafetyCategoryDestructive Category = "destructive_action"
	SafetyCategoryRate        Category = "rate"
)

// Category labels the concern a safety check covers.
type Category string

// SafetyCheckResult represents the outcome of evaluating one check.
type SafetyCheckResult struct {
	ID               string      `json:"id"`
	OperationID      string      `json:"operation_id,omitempty"`
	Phase            SafetyPhase `json:"phase"`
	CheckName        string      `json:"check_name"`
	Category         Category    `json:"category"`
	Severity         Severity    `json:"severity"`
	Passed           bool        `json:"passed"`
	Message          string      `json:"message"`
	RequiresApproval bool        `json:"requires_approval"`
	ApprovedBy       string      `json:"approved_by,omitempty"`
	ApprovedAt       *time.Time  `json:"approved_at,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
}

// SafetyVerdict aggregates check results for one phase.
type SafetyVerdict struct {
	Phase            SafetyPhase         `json:"phase"`
	Blocked          bool                `json:"blocked"`
	RequiresApproval bool                `json:"requires_approval"`
	Results          []SafetyCheckResult `json:"results"`
}

// FailedCritical returns the failed critical results in the verdict.
func (v *SafetyVerdict) FailedCritical() []SafetyCheckResult {
	var failed []SafetyCheckResult
	for _, r := range v.Results {
		if !r.Passed && r.Severity == SeverityCritical {
			failed = append(failed, r)
		}
	}
	return failed
}

// FailedWarnings returns the failed warning results in the verdict.
func (v *SafetyVerdict) FailedWarnings() []SafetyCheckResult {
	var failed []SafetyCheckResult
	for _, r := range v.Results {
		if !r.Passed && r.Severity == SeverityWarning {
			failed = append(failed, r)
		}
	}
	return failed
}
