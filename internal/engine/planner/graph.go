package planner

import (
	"sort"

	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/models"
)

// sortTopological reorders plan.Steps so every step appears after all
// of its predecessors, preserving the original order among peers. A
// cycle is an internal error here; Validate reports cycles to callers.
func sortTopological(plan *models.Plan) error {
	position := make(map[string]int, len(plan.Steps))
	for i, s := range plan.Steps {
		position[s.ID] = i
	}

	indegree := make(map[string]int, len(plan.Steps))
	successors := make(map[string][]string, len(plan.Steps))
	for _, e := range plan.Edges {
		indegree[e.ToStepID]++
		successors[e.FromStepID] = append(successors[e.FromStepID], e.ToStepID)
	}

	var ready []*models.Step
	for _, s := range plan.Steps {
		if indegree[s.ID] == 0 {
			ready = append(ready, s)
		}
	}

	ordered := make([]*models.Step, 0, len(plan.Steps))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return position[ready[i].ID] < position[ready[j].ID]
		})
		next := ready[0]
		ready = ready[1:]
		ordered = append(ordered, next)

		for _, succ := range successors[next.ID] {
			indegree[succ]--
			if indegree[succ] == 0 {
				if step := plan.StepByID(succ); step != nil {
					ready = append(ready, step)
				}
			}
		}
	}

	if len(ordered) != len(plan.Steps) {
		return errors.Internal("plan contains a dependency cycle")
	}
	plan.Steps = ordered
	return nil
}

// criticalPathMS returns the longest estimated path through the plan,
// the wall-clock floor under unlimited parallelism.
func criticalPathMS(plan *models.Plan) int64 {
	memo := make(map[string]int64, len(plan.Steps))
	successors := make(map[string][]string, len(plan.Steps))
	for _, e := range plan.Edges {
		successors[e.FromStepID] = append(successors[e.FromStepID], e.ToStepID)
	}

	var longest func(id string) int64
	longest = func(id string) int64 {
		if v, ok := memo[id]; ok {
			return v
		}
		step := plan.StepByID(id)
		if step == nil {
			return 0
		}
		var tail int64
		for _, succ := range successors[id] {
			if l := longest(succ); l > tail {
				tail = l
			}
		}
		total := step.EstimatedDurationMS + tail
		memo[id] = total
		return total
	}

	var max int64
	for _, s := range plan.Steps {
		if l := longest(s.ID); l > max {
			max = l
		}
	}
	return max
}

// ancestorSets returns, per step, the set of step ids that precede it
// transitively. Validation resolves output references against these.
func ancestorSets(plan *models.Plan) map[string]map[string]bool {
	predecessors := make(map[string][]string, len(plan.Steps))
	for _, e := range plan.Edges {
		predecessors[e.ToStepID] = append(predecessors[e.ToStepID], e.FromStepID)
	}

	memo := make(map[string]map[string]bool, len(plan.Steps))
	var collect func(id string, visiting map[string]bool) map[string]bool
	collect = func(id string, visiting map[string]bool) map[string]bool {
		if set, ok := memo[id]; ok {
			return set
		}
		if visiting[id] {
			// Cycle; reported separately by validation.
			return map[string]bool{}
		}
		visiting[id] = true
		set := make(map[string]bool)
		for _, pred := range predecessors[id] {
			set[pred] = true
			for anc := range collect(pred, visiting) {
				set[anc] = true
			}
		}
		delete(visiting, id)
		memo[id] = set
		return set
	}

	for _, s := range plan.Steps {
		collect(s.ID, map[string]bool{})
	}
	return memo
}
