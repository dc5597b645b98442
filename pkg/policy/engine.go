package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/biasflow/biasflow/pkg/telemetry"
)

// Engine compiles and evaluates policies. Builtin rules are loaded at
// construction; site rules join via LoadPolicies.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	log      *telemetry.Logger
}

type compiledPolicy struct {
	policy   Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the builtin rules compiled.
func NewEngine(log *telemetry.Logger) (*Engine, error) {
	if log == nil {
		log = telemetry.NewDefaultLogger()
	}
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		log:      log.NewComponentLogger("policy"),
	}
	for _, p := range BuiltinPolicies() {
		if err := e.compile(context.Background(), p); err != nil {
			return nil, fmt.Errorf("compiling builtin policy %s: %w", p.Name, err)
		}
	}
	return e, nil
}

// LoadPolicies compiles rego files from the given paths (files or
// directories) and adds them to the engine.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := LoadFromPaths(paths)
	if err != nil {
		return err
	}
	for _, p := range policies {
		if err := e.compile(ctx, p); err != nil {
			return fmt.Errorf("compiling policy %s: %w", p.Name, err)
		}
	}
	e.log.WithField("count", len(policies)).Info("site policies loaded")
	return nil
}

func (e *Engine) compile(ctx context.Context, p Policy) error {
	pkg := packageName(p.Rego)
	if pkg == "" {
		return fmt.Errorf("policy %s has no package declaration", p.Name)
	}

	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
	).PrepareForEval(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.policies[p.Name]; exists {
		return fmt.Errorf("policy %s already loaded", p.Name)
	}
	e.policies[p.Name] = &compiledPolicy{
		policy:   p,
		query:    query,
		compiled: time.Now(),
	}
	return nil
}

// Evaluate runs every enabled policy against the input document. A policy
// that fails to evaluate becomes a warning, never a block.
func (e *Engine) Evaluate(ctx context.Context, in *Input) (*Result, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	res := &Result{Allowed: true, EvaluatedAt: time.Now()}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		rs, err := cp.query.Eval(ctx, rego.EvalInput(in))
		if err != nil {
			e.log.WithError(err).WithField("policy", name).Error("policy evaluation failed")
			res.Warnings = append(res.Warnings, fmt.Sprintf("policy %s failed to evaluate: %v", name, err))
			continue
		}

		for _, r := range rs {
			for _, expr := range r.Expressions {
				hits, ok := expr.Value.([]interface{})
				if !ok {
					continue
				}
				for _, h := range hits {
					res.Violations = append(res.Violations, makeViolation(cp.policy, h))
				}
			}
		}
	}

	for _, v := range res.Violations {
		if v.Severity == string(SeverityError) || v.Severity == string(SeverityCritical) {
			res.Allowed = false
			break
		}
	}

	e.log.WithField("violations", len(res.Violations)).
		WithField("allowed", res.Allowed).
		Debug("input script evaluated")
	return res, nil
}

// makeViolation shapes one deny hit. Rules emit either a bare message
// string or an object with message/label/line/severity keys.
func makeViolation(p Policy, hit interface{}) Violation {
	v := Violation{
		Policy:   p.Name,
		Severity: string(p.Severity),
	}
	switch h := hit.(type) {
	case string:
		v.Message = h
	case map[string]interface{}:
		if msg, ok := h["message"].(string); ok {
			v.Message = msg
		}
		if label, ok := h["label"].(string); ok {
			v.Label = label
		}
		if line, ok := h["line"].(float64); ok {
			v.Line = int(line)
		}
		if sev, ok := h["severity"].(string); ok {
			v.Severity = sev
		}
	default:
		v.Message = fmt.Sprintf("%v", hit)
	}
	return v
}

// Policies returns the loaded policies, sorted by name.
func (e *Engine) Policies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		out = append(out, e.policies[name].policy)
	}
	return out
}

// SetEnabled toggles a policy by name.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy %s not loaded", name)
	}
	cp.policy.Enabled = enabled
	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for n := range e.policies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// packageName extracts the package path from a rego module.
func packageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(trimmed, "package "); ok {
			return strings.Fields(rest)[0]
		}
	}
	return ""
}
