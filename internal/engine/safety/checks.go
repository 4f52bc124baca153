package safety

import (
	"fmt"
	"strings"

	"github.com/nimbusops/nimbus/internal/capability"
	"github.com/nimbusops/nimbus/internal/config"
	"github.com/nimbusops/nimbus/internal/models"
)

// builtinChecks derives the standing policy set from configuration.
// Custom checks register on top of these.
func builtinChecks(cfg config.SafetyConfig, registry *capability.Registry) []Check {
	protected := make(map[string]bool, len(cfg.ProtectedEnvironments))
	for _, env := range cfg.ProtectedEnvironments {
		protected[strings.ToLower(env)] = true
	}

	return []Check{
		{
			Name:             "env.prod_protection",
			Phase:            models.SafetyPhasePre,
			Category:         models.SafetyCategoryEnvironment,
			Severity:         models.SeverityCritical,
			RequiresApproval: true,
			Predicate: func(in Input) Finding {
				env := strings.ToLower(in.Task.Context.Environment)
				if !protected[env] {
					return pass("environment is not protected")
				}
				switch in.Task.Type {
				case models.TaskTypeDeploy, models.TaskTypeRollback:
					return fail(fmt.Sprintf("%s against protected environment %q requires approval",
						in.Task.Type, in.Task.Context.Environment))
				}
				return pass("read-only task in protected environment")
			},
		},
		{
			Name:     "cost.estimate_ceiling",
			Phase:    models.SafetyPhasePre,
			Category: models.SafetyCategoryCost,
			Severity: models.SeverityWarning,
			Predicate: func(in Input) Finding {
				estimate := costEstimate(in)
				if estimate > cfg.CostLimitUSD {
					return fail(fmt.Sprintf("estimated cost $%.2f exceeds ceiling $%.2f",
						estimate, cfg.CostLimitUSD))
				}
				return pass(fmt.Sprintf("estimated cost $%.2f within ceiling", estimate))
			},
		},
		{
			Name:     "quota.step_budget",
			Phase:    models.SafetyPhasePre,
			Category: models.SafetyCategoryQuota,
			Severity: models.SeverityWarning,
			Predicate: func(in Input) Finding {
				if in.Plan == nil {
					return pass("no plan yet")
				}
				if n := len(in.Plan.Steps); n > cfg.QuotaMaxSteps {
					return fail(fmt.Sprintf("plan has %d steps, budget is %d", n, cfg.QuotaMaxSteps))
				}
				return pass("plan within step budget")
			},
		},
		{
			Name:     "credential.scope",
			Phase:    models.SafetyPhasePre,
			Category: models.SafetyCategoryCredential,
			Severity: models.SeverityCritical,
			Predicate: func(in Input) Finding {
				if !in.Task.Context.Provider.Valid() {
					return fail(fmt.Sprintf("no credential scope for provider %q", in.Task.Context.Provider))
				}
				if role, ok := in.Task.Context.Requirements["assume_role"].(string); ok && role != "" {
					if !strings.HasPrefix(role, "arn:") && in.Task.Context.Provider == models.ProviderAWS {
						return fail(fmt.Sprintf("assume_role %q is not a role ARN", role))
					}
				}
				return pass("credential scope resolves")
			},
		},
		{
			Name:             "destructive.confirmation",
			Phase:            models.SafetyPhasePre,
			Category:         models.SafetyCategoryDestructive,
			Severity:         models.SeverityWarning,
			RequiresApproval: true,
			Predicate: func(in Input) Finding {
				if !cfg.ConfirmDestructive || in.Plan == nil {
					return pass("destructive confirmation not required")
				}
				var kinds []string
				for _, s := range in.Plan.Steps {
					if registry.Destructive(s.Kind) {
						kinds = append(kinds, s.Kind)
					}
				}
				if len(kinds) == 0 {
					return pass("plan has no destructive steps")
				}
				if confirmed, _ := in.Task.Metadata["confirmed"].(bool); confirmed {
					return pass("destructive steps confirmed by submitter")
				}
				return fail(fmt.Sprintf("unconfirmed destructive steps: %s", strings.Join(kinds, ", ")))
			},
		},
		{
			Name:     "env.freeze_window",
			Phase:    models.SafetyPhaseDuring,
			Category: models.SafetyCategoryEnvironment,
			Severity: models.SeverityCritical,
			Predicate: func(in Input) Finding {
				if frozen, _ := in.Task.Metadata["freeze"].(bool); frozen {
					return fail("change freeze is active for this task")
				}
				return pass("no freeze window active")
			},
		},
		{
			Name:     "rate.burst_guard",
			Phase:    models.SafetyPhaseDuring,
			Category: models.SafetyCategoryRate,
			Severity: models.SeverityInfo,
			Predicate: func(in Input) Finding {
				if in.Plan == nil || in.State == nil {
					return pass("no execution state yet")
				}
				ran := 0
				for id := range in.State.StepOutputsSoFar {
					if s := in.Plan.StepByID(id); s != nil && registry.Destructive(s.Kind) {
						ran++
					}
				}
				if ran > 3 {
					return fail(fmt.Sprintf("%d destructive steps completed in one run", ran))
				}
				return pass("destructive step pace nominal")
			},
		},
		{
			Name:     "quota.retry_pressure",
			Phase:    models.SafetyPhasePost,
			Category: models.SafetyCategoryQuota,
			Severity: models.SeverityWarning,
			Predicate: func(in Input) Finding {
				if in.Plan == nil || len(in.Plan.Steps) == 0 {
					return pass("nothing executed")
				}
				attempts := 0
				for _, s := range in.Plan.Steps {
					attempts += s.Attempts
				}
				if attempts > 2*len(in.Plan.Steps) {
					return fail(fmt.Sprintf("%d attempts across %d steps signals instability",
						attempts, len(in.Plan.Steps)))
				}
				return pass("retry pressure nominal")
			},
		},
		{
			Name:     "cost.actual_overrun",
			Phase:    models.SafetyPhasePost,
			Category: models.SafetyCategoryCost,
			Severity: models.SeverityWarning,
			Predicate: func(in Input) Finding {
				if in.Plan == nil {
					return pass("nothing executed")
				}
				var actual float64
				for _, s := range in.Plan.Steps {
					if v, ok := s.Outputs["cost_usd"].(float64); ok {
						actual += v
					}
				}
				if actual > cfg.CostLimitUSD {
					return fail(fmt.Sprintf("actual cost $%.2f exceeded ceiling $%.2f",
						actual, cfg.CostLimitUSD))
				}
				return pass(fmt.Sprintf("actual cost $%.2f within ceiling", actual))
			},
		},
		{
			Name:     "destructive.unverified",
			Phase:    models.SafetyPhasePost,
			Category: models.SafetyCategoryDestructive,
			Severity: models.SeverityWarning,
			Predicate: func(in Input) Finding {
				if in.Plan == nil {
					return pass("nothing executed")
				}
				destructiveRan := false
				verified := false
				for _, s := range in.Plan.Steps {
					if s.State != models.StepStateSucceeded {
						continue
					}
					if registry.Destructive(s.Kind) {
						destructiveRan = true
					}
					if s.Kind == "drift.detect" || s.Kind == "policy.compare" {
						verified = true
					}
				}
				if destructiveRan && !verified {
					return fail("destructive steps ran without a post-verify step")
				}
				return pass("destructive work verified or absent")
			},
		},
	}
}

// costEstimate reads the submitter's estimate when present, otherwise
// derives a coarse one from plan size.
func costEstimate(in Input) float64 {
	if v, ok := in.Task.Context.Requirements["estimated_cost_usd"]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	if in.Plan == nil {
		return 0
	}
	return 5.0 * float64(len(in.Plan.Steps))
}
