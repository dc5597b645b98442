// Package policy validates parsed input scripts against rego rules before a
// run starts. Builtin rules cover atom-serial bounds, stride sanity and
// label conventions; site rules load from .rego files next to them.
package policy

import (
	"time"

	"github.com/biasflow/biasflow/pkg/script"
)

// Severity grades a rule. Only error and critical block the run; warning
// violations are reported and the run proceeds.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Policy is one rego rule set.
type Policy struct {
	// Name identifies the policy; rego module name and report key.
	Name string

	// Description says what the policy checks.
	Description string

	// Severity is the default grade for violations the rule emits without
	// their own severity.
	Severity Severity

	// Enabled controls whether Evaluate runs the policy.
	Enabled bool

	// Rego is the module source.
	Rego string

	// Source is where the policy came from: builtin or a file path.
	Source string
}

// Violation is one rule hit against the input script.
type Violation struct {
	// Policy names the rule set that fired.
	Policy string `json:"policy"`

	// Label is the offending action's label, when the rule knows it.
	Label string `json:"label,omitempty"`

	// Line is the offending input line, when the rule knows it.
	Line int `json:"line,omitempty"`

	// Message describes the violation.
	Message string `json:"message"`

	// Severity grades the violation.
	Severity string `json:"severity"`
}

// Result is the outcome of evaluating all enabled policies.
type Result struct {
	// Allowed is false when any violation is error or critical.
	Allowed bool

	// Violations lists every rule hit, warnings included.
	Violations []Violation

	// Warnings lists policies that failed to evaluate; an unevaluable
	// policy never blocks the run.
	Warnings []string

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time
}

// Input is the document handed to the rego rules.
type Input struct {
	// Actions are the parsed directives of the script.
	Actions []ActionInput `json:"actions"`

	// Natoms is the system size; 0 when not yet known, which disables
	// upper-bound serial checks.
	Natoms int `json:"natoms"`
}

// ActionInput is the rule-facing view of one directive.
type ActionInput struct {
	Label   string            `json:"label"`
	Keyword string            `json:"keyword"`
	Line    int               `json:"line"`
	Fields  map[string]string `json:"fields"`
	Flags   []string          `json:"flags"`
}

// InputFromDirectives converts parsed directives into the rule document.
func InputFromDirectives(ds []script.Directive, natoms int) *Input {
	in := &Input{Natoms: natoms}
	for _, d := range ds {
		fields := d.Fields
		if fields == nil {
			fields = map[string]string{}
		}
		in.Actions = append(in.Actions, ActionInput{
			Label:   d.Label,
			Keyword: d.Keyword,
			Line:    d.Line,
			Fields:  fields,
			Flags:   d.Flags,
		})
	}
	return in
}
