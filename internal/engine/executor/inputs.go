package executor

import (
	"fmt"
	"regexp"
)

// outputRefPattern matches `${steps.<id>.outputs.<key>}` placeholders
// in step inputs.
var outputRefPattern = regexp.MustCompile(`\$\{steps\.([A-Za-z0-9_.-]+)\.outputs\.([A-Za-z0-9_.-]+)\}`)

// resolveInputs substitutes output placeholders with the recorded
// outputs of completed steps. Values without placeholders pass through
// untouched; the input map itself is never mutated.
func resolveInputs(inputs map[string]interface{}, outputs map[string]map[string]interface{}) map[string]interface{} {
	if len(inputs) == 0 {
		return inputs
	}
	resolved := make(map[string]interface{}, len(inputs))
	for k, v := range inputs {
		resolved[k] = resolveValue(v, outputs)
	}
	return resolved
}

// resolveValue walks nested maps and slices. A string that is exactly
// one placeholder keeps the referenced output's native type; strings
// embedding placeholders have them stringified in place.
func resolveValue(value interface{}, outputs map[string]map[string]interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return resolveString(v, outputs)
	case map[string]interface{}:
		nested := make(map[string]interface{}, len(v))
		for k, elem := range v {
			nested[k] = resolveValue(elem, outputs)
		}
		return nested
	case []interface{}:
		nested := make([]interface{}, len(v))
		for i, elem := range v {
			nested[i] = resolveValue(elem, outputs)
		}
		return nested
	default:
		return value
	}
}

func resolveString(s string, outputs map[string]map[string]interface{}) interface{} {
	if m := outputRefPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		if out, ok := lookupOutput(m[1], m[2], outputs); ok {
			return out
		}
		return s
	}
	return outputRefPattern.ReplaceAllStringFunc(s, func(ref string) string {
		m := outputRefPattern.FindStringSubmatch(ref)
		if out, ok := lookupOutput(m[1], m[2], outputs); ok {
			return fmt.Sprintf("%v", out)
		}
		return ref
	})
}

func lookupOutput(stepID, key string, outputs map[string]map[string]interface{}) (interface{}, bool) {
	stepOutputs, ok := outputs[stepID]
	if !ok {
		return nil, false
	}
	out, ok := stepOutputs[key]
	return out, ok
}
