// Package schema - corruption diagnosis.
//
// CheckCorruption runs five independent checks over a value and classifies
// the damage by severity. The report drives recovery strategy selection:
// recoverable corruption is handed to Repair, unrecoverable corruption
// skips straight to backup restore or checkpoint rollback.
package schema

import (
	"errors"
	"time"

	"github.com/orneryd/savepoint/pkg/integrity"
)

// Severity classifies corruption damage. Overall severity is the maximum
// across all checks: one severe finding dominates regardless of how many
// checks pass.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityMinor
	SeverityModerate
	SeveritySevere
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityMinor:
		return "minor"
	case SeverityModerate:
		return "moderate"
	case SeveritySevere:
		return "severe"
	default:
		return "unknown"
	}
}

// Check names used in CorruptionReport.Checks.
const (
	CheckStructure     = "structure"
	CheckRequired      = "required"
	CheckFieldTypes    = "field_types"
	CheckPlausibility  = "plausibility"
	CheckSerialization = "serialization"
)

// CheckResult is the outcome of one corruption check.
type CheckResult struct {
	Passed   bool     `json:"passed"`
	Severity Severity `json:"severity"`
	Issues   []string `json:"issues,omitempty"`
}

// CorruptionReport summarizes the damage found in a value.
type CorruptionReport struct {
	Corrupted bool                   `json:"corrupted"`
	Severity  Severity               `json:"severity"`
	Checks    map[string]CheckResult `json:"checks"`
	Issues    []string               `json:"issues,omitempty"`

	// Recoverable indicates Repair has a realistic chance: everything up
	// to moderate damage. Severe damage (e.g. a cyclic structure that
	// cannot even be serialized) must fall through to coarser recovery.
	Recoverable bool `json:"recoverable"`
}

// Plausibility bounds for timestamp-shaped fields. Values outside this
// window are treated as corrupted rather than merely unusual.
var (
	plausibleEpochMin   = time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	plausibleEpochAhead = int64(365 * 24 * time.Hour / time.Millisecond) // one year ahead of now
)

// timestampKeys are field names whose numeric values are checked against
// the plausible epoch window.
var timestampKeys = map[string]bool{
	"timestamp":   true,
	"created_at":  true,
	"updated_at":  true,
	"last_save":   true,
	"last_played": true,
	"written_at":  true,
}

// CheckCorruption runs all five corruption checks against value.
// def may be nil; the structural and plausibility checks still apply.
func CheckCorruption(value any, def *Definition) *CorruptionReport {
	report := &CorruptionReport{
		Checks: make(map[string]CheckResult, 5),
	}

	report.record(CheckStructure, checkStructure(value, def))
	report.record(CheckRequired, checkRequired(value, def))
	report.record(CheckFieldTypes, checkFieldTypes(value, def))
	report.record(CheckPlausibility, checkPlausibility(value))
	report.record(CheckSerialization, checkSerialization(value))

	report.Corrupted = report.Severity > SeverityNone
	report.Recoverable = report.Severity < SeveritySevere
	return report
}

// record folds one check into the report; overall severity is the maximum.
func (r *CorruptionReport) record(name string, result CheckResult) {
	r.Checks[name] = result
	if result.Severity > r.Severity {
		r.Severity = result.Severity
	}
	r.Issues = append(r.Issues, result.Issues...)
}

// checkStructure verifies the root value has the expected structural type.
// Wrong root type is moderate: repair can rebuild from defaults.
func checkStructure(value any, def *Definition) CheckResult {
	expectObject := def == nil || def.effectiveType() == TypeObject || def.effectiveType() == TypeAny

	if value == nil {
		return failed(SeverityModerate, "root value is nil")
	}
	if expectObject {
		if _, ok := value.(map[string]any); !ok {
			return failed(SeverityModerate, "root value is not an object")
		}
	}
	return passed()
}

// checkRequired verifies required top-level sections are present.
func checkRequired(value any, def *Definition) CheckResult {
	if def == nil || len(def.Required) == 0 {
		return passed()
	}
	obj, ok := value.(map[string]any)
	if !ok {
		// Already reported by the structure check.
		return passed()
	}

	var issues []string
	for _, key := range def.Required {
		if _, present := obj[key]; !present {
			issues = append(issues, "missing required section: "+key)
		}
	}
	if len(issues) > 0 {
		return CheckResult{Severity: SeverityModerate, Issues: issues}
	}
	return passed()
}

// checkFieldTypes runs a validate-only pass and classifies type errors.
// Ill-typed leaves are minor: the coercion table usually fixes them.
func checkFieldTypes(value any, def *Definition) CheckResult {
	if def == nil {
		return passed()
	}

	result := Validate(value, def, Options{})
	var issues []string
	for _, e := range result.Errors {
		issues = append(issues, e.String())
	}
	if len(issues) == 0 {
		return passed()
	}
	return CheckResult{Severity: SeverityMinor, Issues: issues}
}

// checkPlausibility scans the value tree for impossible domain values:
// negative resource counts and timestamps far outside the plausible window.
func checkPlausibility(value any) CheckResult {
	var issues []string
	now := time.Now().UnixMilli()

	var scan func(path string, v any, depth int)
	scan = func(path string, v any, depth int) {
		if depth > 64 {
			return // cycle territory; the serialization check reports it
		}
		switch val := v.(type) {
		case map[string]any:
			for k, elem := range val {
				p := joinPath(path, k)
				if num, ok := numericValue(elem); ok {
					if timestampKeys[k] {
						if num != 0 && (int64(num) < plausibleEpochMin || int64(num) > now+plausibleEpochAhead) {
							issues = append(issues, p+": implausible timestamp")
						}
					} else if num < 0 && !negativeAllowed(k) {
						issues = append(issues, p+": negative value")
					}
				}
				scan(p, elem, depth+1)
			}
		case []any:
			for _, elem := range val {
				scan(path+"[]", elem, depth+1)
			}
		}
	}
	scan("", value, 0)

	if len(issues) > 0 {
		return CheckResult{Severity: SeverityModerate, Issues: issues}
	}
	return passed()
}

// negativeAllowed lists field names where negative numbers are legitimate
// (offsets, deltas, modifiers).
func negativeAllowed(key string) bool {
	switch key {
	case "offset", "delta", "modifier", "balance_change", "x", "y", "z":
		return true
	}
	return false
}

// checkSerialization attempts a canonical serialization. Failure means the
// value cannot round-trip at all (cycles, NaN) - severe, unrepairable.
func checkSerialization(value any) CheckResult {
	_, err := integrity.Canonicalize(value)
	if err == nil {
		return passed()
	}
	if errors.Is(err, integrity.ErrCyclicValue) {
		return failed(SeveritySevere, "value contains a reference cycle")
	}
	return failed(SeveritySevere, "value cannot be serialized: "+err.Error())
}

func passed() CheckResult {
	return CheckResult{Passed: true, Severity: SeverityNone}
}

func failed(sev Severity, issue string) CheckResult {
	return CheckResult{Severity: sev, Issues: []string{issue}}
}
