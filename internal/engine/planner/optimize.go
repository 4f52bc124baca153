package planner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/logger"
	"github.com/nimbusops/nimbus/internal/models"
)

// targetKeys identify what a step operates on, in precedence order.
// Two steps share a target when the first key present on both carries
// the same value.
var targetKeys = []string{"target", "directory", "scope", "release", "namespace", "environment"}

// Optimize returns a new plan with consecutive idempotent steps of the
// same kind and target fused, and branch priorities raised along the
// critical path so the executor starts the longest work first. The
// input plan is not mutated.
func (p *Planner) Optimize(ctx context.Context, plan *models.Plan) (*models.Plan, error) {
	if plan == nil {
		return nil, errors.BadInput("plan is required")
	}
	if result, err := p.Validate(ctx, plan); err != nil {
		return nil, err
	} else if !result.Valid {
		return nil, errors.BadInputf("cannot optimize invalid plan %s: %s",
			plan.ID, summarizeIssues(result.Issues))
	}

	optimized := plan.Clone()
	fused := p.fuseSteps(optimized)
	p.prioritizeCriticalPath(optimized)

	if err := sortTopological(optimized); err != nil {
		return nil, err
	}
	optimized.ID = optimizedPlanID(plan.ID)
	optimized.EstimatedDurationMS = criticalPathMS(optimized)
	optimized.CreatedAt = time.Now().UTC()

	result, err := p.Validate(ctx, optimized)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return nil, errors.Internal(fmt.Sprintf(
			"optimization of plan %s produced an invalid plan: %s",
			plan.ID, summarizeIssues(result.Issues)))
	}

	p.log.Debug("plan optimized",
		logger.String("plan_id", plan.ID),
		logger.String("optimized_id", optimized.ID),
		logger.Int("fused", fused),
		logger.Int("steps", len(optimized.Steps)))
	return optimized, nil
}

// fuseSteps merges step pairs (a, b) where b is a's sole successor and
// a is b's sole predecessor, both share an idempotent kind and operate
// on the same target. Fusing repeats until no pair qualifies; the
// number of merges is returned.
func (p *Planner) fuseSteps(plan *models.Plan) int {
	fused := 0
	for {
		a, b := p.findFusablePair(plan)
		if a == nil {
			return fused
		}
		mergePair(plan, a, b)
		fused++
	}
}

func (p *Planner) findFusablePair(plan *models.Plan) (*models.Step, *models.Step) {
	for _, a := range plan.Steps {
		succs := plan.Successors(a.ID)
		if len(succs) != 1 {
			continue
		}
		b := plan.StepByID(succs[0])
		if b == nil || len(plan.Predecessors(b.ID)) != 1 {
			continue
		}
		if a.Kind != b.Kind {
			continue
		}
		spec, known := p.registry.Get(a.Kind)
		if !known || !spec.Idempotent {
			continue
		}
		ta, okA := stepTarget(a)
		tb, okB := stepTarget(b)
		if !okA || !okB || ta != tb {
			continue
		}
		// Fusing must not erase an output another step still reads,
		// and must not fold a read of a's outputs back into a itself.
		if outputsReferenced(plan, b.ID, "") || refersTo(b, a.ID) {
			continue
		}
		return a, b
	}
	return nil, nil
}

// mergePair folds b into a: inputs union (b wins conflicts), budgets
// sum, and b's outgoing edges re-home onto a.
func mergePair(plan *models.Plan, a, b *models.Step) {
	if a.Inputs == nil {
		a.Inputs = make(map[string]interface{}, len(b.Inputs))
	}
	for k, v := range b.Inputs {
		a.Inputs[k] = v
	}
	a.EstimatedDurationMS += b.EstimatedDurationMS
	a.TimeoutMS += b.TimeoutMS
	if b.MaxRetries < a.MaxRetries {
		a.MaxRetries = b.MaxRetries
	}
	if b.RiskScore > a.RiskScore {
		a.RiskScore = b.RiskScore
	}
	if a.Name == "" {
		a.Name = b.Name
	} else if b.Name != "" {
		a.Name = a.Name + "+" + b.Name
	}
	a.ExpectedEffects = append(a.ExpectedEffects, b.ExpectedEffects...)

	var edges []models.Edge
	for _, e := range plan.Edges {
		switch {
		case e.FromStepID == a.ID && e.ToStepID == b.ID:
			// dropped
		case e.FromStepID == b.ID:
			edges = append(edges, models.Edge{FromStepID: a.ID, ToStepID: e.ToStepID})
		case e.ToStepID == b.ID:
			edges = append(edges, models.Edge{FromStepID: e.FromStepID, ToStepID: a.ID})
		default:
			edges = append(edges, e)
		}
	}
	plan.Edges = dedupeEdges(edges)

	steps := plan.Steps[:0]
	for _, s := range plan.Steps {
		if s.ID != b.ID {
			steps = append(steps, s)
		}
	}
	plan.Steps = steps
}

// prioritizeCriticalPath raises step priority in proportion to the
// estimated work downstream of it, so ready-queue ordering starts the
// longest branches first.
func (p *Planner) prioritizeCriticalPath(plan *models.Plan) {
	successors := make(map[string][]string, len(plan.Steps))
	for _, e := range plan.Edges {
		successors[e.FromStepID] = append(successors[e.FromStepID], e.ToStepID)
	}

	memo := make(map[string]int64, len(plan.Steps))
	var downstream func(id string) int64
	downstream = func(id string) int64 {
		if v, ok := memo[id]; ok {
			return v
		}
		step := plan.StepByID(id)
		if step == nil {
			return 0
		}
		var tail int64
		for _, succ := range successors[id] {
			if l := downstream(succ); l > tail {
				tail = l
			}
		}
		total := step.EstimatedDurationMS + tail
		memo[id] = total
		return total
	}

	for _, s := range plan.Steps {
		s.Priority += int(downstream(s.ID) / 1000)
	}
}

// stepTarget extracts the first target-identifying input present.
func stepTarget(step *models.Step) (string, bool) {
	for _, key := range targetKeys {
		if v, ok := step.Inputs[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return key + "=" + s, true
			}
		}
	}
	return "", false
}

// outputsReferenced reports whether any step other than exclude reads
// the outputs of the given step.
func outputsReferenced(plan *models.Plan, stepID, exclude string) bool {
	for _, s := range plan.Steps {
		if s.ID == stepID || (exclude != "" && s.ID == exclude) {
			continue
		}
		if refersTo(s, stepID) {
			return true
		}
	}
	return false
}

// refersTo reports whether a step's inputs reference another step's
// outputs.
func refersTo(step *models.Step, stepID string) bool {
	for _, ref := range collectOutputRefs(step.Inputs) {
		if ref.stepID == stepID {
			return true
		}
	}
	return false
}

func dedupeEdges(edges []models.Edge) []models.Edge {
	seen := make(map[models.Edge]bool, len(edges))
	out := edges[:0]
	for _, e := range edges {
		if e.FromStepID == e.ToStepID || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}

func optimizedPlanID(original string) string {
	sum := sha256.Sum256([]byte(original + "|optimized"))
	return "plan-" + hex.EncodeToString(sum[:])[:12]
}
