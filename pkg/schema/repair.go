// Package schema - automatic state repair.
//
// Repair synthesizes a valid value from a damaged one by merging defaults,
// coercing leaf types, clamping ranges, and re-deriving cross-field
// invariants. A repair is accepted only when the repaired value passes a
// full validation pass; otherwise the caller must fall through to a coarser
// recovery strategy (backup restore, checkpoint rollback).
package schema

import (
	"fmt"
)

// InvariantRule re-derives a cross-field relationship that simple
// field-local repair cannot restore. Apply mutates state in place and
// reports whether anything changed.
type InvariantRule struct {
	// Name identifies the rule in RepairResult.Actions.
	Name string

	// Apply restores the invariant on state, returning true if state was
	// modified.
	Apply func(state map[string]any) bool
}

// RepairResult is the outcome of a Repair call.
type RepairResult struct {
	// Repaired is the synthesized value. Never aliases the input.
	Repaired any `json:"-"`

	// Changed reports whether any repair step modified the value.
	// Repair of already-valid data is a no-op: Changed stays false.
	Changed bool `json:"changed"`

	// Actions lists the repair steps that fired, in order.
	Actions []string `json:"actions,omitempty"`

	// Valid reports whether the repaired value passed post-repair
	// validation. A repair with Valid=false must not be accepted.
	Valid bool `json:"valid"`
}

// Repairer repairs values against one schema definition using a default
// template for missing or unsalvageable sections.
type Repairer struct {
	def      *Definition
	defaults map[string]any
	rules    []InvariantRule
}

// NewRepairer creates a repairer for def. defaults is the template used
// when sections are missing or the root is unusable; it must itself
// validate against def or every repair will be rejected.
func NewRepairer(def *Definition, defaults map[string]any) *Repairer {
	return &Repairer{def: def, defaults: defaults}
}

// AddRule registers a cross-field invariant rule, applied in registration
// order as the final repair step.
func (r *Repairer) AddRule(rule InvariantRule) {
	r.rules = append(r.rules, rule)
}

// Repair applies the ordered repair sequence to value:
//
//  1. Replace the value entirely with the default template when the root
//     is not an object.
//  2. Fill missing required top-level sections from the template.
//  3. Coerce ill-typed leaf fields (enumerated coercion table).
//  4. Clamp out-of-range leaf fields.
//  5. Re-derive cross-field invariants via registered rules.
//
// The input is never mutated. The repair is accepted only if the result
// re-validates cleanly; check RepairResult.Valid before using it.
func (r *Repairer) Repair(value any) *RepairResult {
	result := &RepairResult{}

	// Step 1: unusable root.
	root, ok := value.(map[string]any)
	if !ok {
		result.Changed = true
		result.Actions = append(result.Actions, "replaced non-object root with defaults")
		repaired := deepCopyValue(r.defaults).(map[string]any)
		r.applyRules(repaired, result)
		result.Valid = Validate(repaired, r.def, Options{}).Valid
		result.Repaired = repaired
		return result
	}

	repaired := deepCopyValue(root).(map[string]any)

	// Step 2: missing required sections.
	if r.def != nil {
		for _, key := range r.def.Required {
			if _, present := repaired[key]; present {
				continue
			}
			if section, ok := r.defaults[key]; ok {
				repaired[key] = deepCopyValue(section)
				result.Changed = true
				result.Actions = append(result.Actions, fmt.Sprintf("filled missing section %q from defaults", key))
			}
		}
	}

	// Steps 3+4: one sanitize pass coerces ill-typed leaves and clamps
	// ranges; the walker shares these rules with plain validation.
	sanitized := Validate(repaired, r.def, Options{Sanitize: true})
	if fixed, ok := sanitized.Sanitized.(map[string]any); ok {
		if len(sanitized.Warnings) > 0 {
			result.Changed = true
			for _, warn := range sanitized.Warnings {
				result.Actions = append(result.Actions, "sanitized "+warn.String())
			}
		}
		repaired = fixed
	}

	// Step 5: cross-field invariants.
	r.applyRules(repaired, result)

	result.Valid = Validate(repaired, r.def, Options{}).Valid
	result.Repaired = repaired
	return result
}

func (r *Repairer) applyRules(state map[string]any, result *RepairResult) {
	for _, rule := range r.rules {
		if rule.Apply(state) {
			result.Changed = true
			result.Actions = append(result.Actions, "applied invariant rule "+rule.Name)
		}
	}
}

// LevelProgression returns an invariant rule that re-derives a level and
// its remaining progress from the raw accumulated total.
//
// levelPath and progressPath are dotted paths into the state
// ("cultivation.qi.level"). perLevel is the progress required per level.
//
// The rule assumes a LINEAR progression curve: level is recomputed by
// integer division of the accumulated total against the single perLevel
// constant. If the caller's progression curve is non-linear across levels
// this rule silently computes the wrong level; confirm curve semantics
// with whoever owns progression before registering it.
func LevelProgression(name, levelPath, progressPath string, perLevel float64) InvariantRule {
	return InvariantRule{
		Name: name,
		Apply: func(state map[string]any) bool {
			if perLevel <= 0 {
				return false
			}

			levelVal, okLevel := getPath(state, levelPath)
			progressVal, okProgress := getPath(state, progressPath)
			if !okLevel || !okProgress {
				return false
			}
			level, okLevel := numericValue(levelVal)
			progress, okProgress := numericValue(progressVal)
			if !okLevel || !okProgress {
				return false
			}

			// Nothing to do while progress sits below the threshold.
			if progress < perLevel {
				return false
			}

			// Accumulated total across all levels, then re-derive.
			total := level*perLevel + progress
			newLevel := float64(int64(total / perLevel))
			remaining := total - newLevel*perLevel

			if newLevel == level && remaining == progress {
				return false
			}

			setPath(state, levelPath, newLevel)
			setPath(state, progressPath, remaining)
			return true
		},
	}
}

// getPath resolves a dotted path into nested map[string]any values.
func getPath(state map[string]any, path string) (any, bool) {
	current := any(state)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '.' {
			continue
		}
		key := path[start:i]
		start = i + 1

		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// setPath writes a value at a dotted path, creating intermediate objects.
func setPath(state map[string]any, path string, value any) {
	current := state
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] != '.' {
			continue
		}
		key := path[start:i]
		start = i + 1

		next, ok := current[key].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[key] = next
		}
		current = next
	}
	current[path[start:]] = value
}
