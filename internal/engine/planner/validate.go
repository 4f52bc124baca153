package planner

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/models"
)

// outputRefPattern matches `${steps.<id>.outputs.<key>}` placeholders
// inside step inputs.
var outputRefPattern = regexp.MustCompile(`\$\{steps\.([A-Za-z0-9_.-]+)\.outputs\.([A-Za-z0-9_.-]+)\}`)

// Validation issue codes.
const (
	IssueEmptyPlan     = "empty_plan"
	IssueDuplicateStep = "duplicate_step"
	IssueUnknownKind   = "unknown_kind"
	IssueUnknownStep   = "unknown_step"
	IssueSelfEdge      = "self_edge"
	IssueCycle         = "cycle"
	IssueOrphan        = "orphan"
	IssueBadInputRef   = "bad_input_ref"
	IssueBadPolicy     = "bad_policy"
)

// Validate checks a plan's structure: ids, kinds, acyclicity,
// reachability and input references. It never mutates the plan and
// only errors on unusable input; structural problems come back as
// issues.
func (p *Planner) Validate(ctx context.Context, plan *models.Plan) (*models.ValidationResult, error) {
	if plan == nil {
		return nil, errors.BadInput("plan is required")
	}

	var issues []models.ValidationIssue
	add := func(code, stepID, format string, args ...interface{}) {
		issues = append(issues, models.ValidationIssue{
			Code:    code,
			StepID:  stepID,
			Message: fmt.Sprintf(format, args...),
		})
	}

	if len(plan.Steps) == 0 {
		add(IssueEmptyPlan, "", "plan has no steps")
		return &models.ValidationResult{Valid: false, Issues: issues}, nil
	}

	byID := make(map[string]*models.Step, len(plan.Steps))
	for _, s := range plan.Steps {
		if _, dup := byID[s.ID]; dup {
			add(IssueDuplicateStep, s.ID, "step id %s appears more than once", s.ID)
			continue
		}
		byID[s.ID] = s

		if !p.registry.Known(s.Kind) {
			add(IssueUnknownKind, s.ID, "step %s uses unknown capability kind %q", s.ID, s.Kind)
		}
		if s.FailurePolicy != "" && !s.FailurePolicy.Valid() {
			add(IssueBadPolicy, s.ID, "step %s has unknown failure policy %q", s.ID, s.FailurePolicy)
		}
	}

	edgesOK := true
	for _, e := range plan.Edges {
		if e.FromStepID == e.ToStepID {
			add(IssueSelfEdge, e.FromStepID, "step %s depends on itself", e.FromStepID)
			edgesOK = false
			continue
		}
		if _, ok := byID[e.FromStepID]; !ok {
			add(IssueUnknownStep, e.FromStepID, "edge references unknown step %s", e.FromStepID)
			edgesOK = false
		}
		if _, ok := byID[e.ToStepID]; !ok {
			add(IssueUnknownStep, e.ToStepID, "edge references unknown step %s", e.ToStepID)
			edgesOK = false
		}
	}

	if edgesOK {
		if cyclic := cycleMembers(plan); len(cyclic) > 0 {
			sort.Strings(cyclic)
			for _, id := range cyclic {
				add(IssueCycle, id, "step %s participates in a dependency cycle", id)
			}
		} else if unreachable := unreachableSteps(plan); len(unreachable) > 0 {
			sort.Strings(unreachable)
			for _, id := range unreachable {
				add(IssueOrphan, id, "step %s is not reachable from any root", id)
			}
		}

		ancestors := ancestorSets(plan)
		for _, s := range plan.Steps {
			for _, ref := range collectOutputRefs(s.Inputs) {
				if _, ok := byID[ref.stepID]; !ok {
					add(IssueBadInputRef, s.ID,
						"step %s input references unknown step %s", s.ID, ref.stepID)
					continue
				}
				if !ancestors[s.ID][ref.stepID] {
					add(IssueBadInputRef, s.ID,
						"step %s input references outputs of %s, which is not an ancestor", s.ID, ref.stepID)
				}
			}
		}
	}

	return &models.ValidationResult{Valid: len(issues) == 0, Issues: issues}, nil
}

// cycleMembers returns the ids of steps left unprocessed by Kahn's
// algorithm, i.e. those on or downstream-locked behind a cycle.
func cycleMembers(plan *models.Plan) []string {
	indegree := make(map[string]int, len(plan.Steps))
	successors := make(map[string][]string, len(plan.Steps))
	for _, e := range plan.Edges {
		indegree[e.ToStepID]++
		successors[e.FromStepID] = append(successors[e.FromStepID], e.ToStepID)
	}

	var queue []string
	for _, s := range plan.Steps {
		if indegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	processed := make(map[string]bool, len(plan.Steps))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed[id] = true
		for _, succ := range successors[id] {
			indegree[succ]--
			if indegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	var cyclic []string
	for _, s := range plan.Steps {
		if !processed[s.ID] {
			cyclic = append(cyclic, s.ID)
		}
	}
	return cyclic
}

// unreachableSteps returns steps a forward walk from the roots never
// visits.
func unreachableSteps(plan *models.Plan) []string {
	successors := make(map[string][]string, len(plan.Steps))
	for _, e := range plan.Edges {
		successors[e.FromStepID] = append(successors[e.FromStepID], e.ToStepID)
	}

	seen := make(map[string]bool, len(plan.Steps))
	var stack []string
	for _, root := range plan.Roots() {
		stack = append(stack, root.ID)
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, successors[id]...)
	}

	var missing []string
	for _, s := range plan.Steps {
		if !seen[s.ID] {
			missing = append(missing, s.ID)
		}
	}
	return missing
}

type inputRef struct {
	stepID string
	key    string
}

// collectOutputRefs walks an input map and gathers every output
// placeholder, including ones nested in maps and slices.
func collectOutputRefs(inputs map[string]interface{}) []inputRef {
	var refs []inputRef
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case string:
			for _, m := range outputRefPattern.FindAllStringSubmatch(val, -1) {
				refs = append(refs, inputRef{stepID: m[1], key: m[2]})
			}
		case map[string]interface{}:
			keys := make([]string, 0, len(val))
			for k := range val {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(val[k])
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(inputs)
	return refs
}
