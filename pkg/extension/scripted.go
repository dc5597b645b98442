package extension

import (
	"fmt"
	"math"
	"time"

	"github.com/biasflow/biasflow/pkg/action"
	"github.com/biasflow/biasflow/pkg/telemetry"
)

// Result is one evaluation of an extension-defined function.
type Result struct {
	// Value is the scalar output.
	Value float64

	// Derivatives holds d(value)/d(arg_k), one entry per argument. A nil
	// slice means the module supplies no derivatives and the action cannot
	// propagate forces.
	Derivatives []float64

	// Undefined reports that the module declined to define the value for
	// these arguments. Treated like a domain error.
	Undefined bool
}

// Evaluator runs the code of one loaded extension module. Implementations
// are not required to be safe for concurrent use; the engine evaluates
// actions sequentially.
type Evaluator interface {
	Evaluate(keyword string, args []float64) (Result, error)
	Close() error
}

// Scripted is the action type behind every extension-defined keyword. It
// mirrors a polynomial-combination action: ARG names the scalar inputs, the
// module computes the output and its gradient, and Apply pushes forces back
// through the chain rule.
//
//	s1: MYEXT ARG=d1,d2 [FATAL]
type Scripted struct {
	core    action.Core
	keyword string
	backend string
	args    []action.Valued
	buf     []float64
	grads   []float64
	value   *action.Value
	eval    Evaluator
	metrics *telemetry.Metrics
}

func newScripted(in action.Input, keyword, backend string, eval Evaluator, metrics *telemetry.Metrics) (action.Action, error) {
	labels := in.Options.Labels("ARG")
	if len(labels) == 0 {
		return nil, fmt.Errorf("line %d: %s requires ARG", in.Options.Line(), keyword)
	}

	s := &Scripted{
		core:    action.NewCore(in.Label),
		keyword: keyword,
		backend: backend,
		buf:     make([]float64, len(labels)),
		grads:   make([]float64, len(labels)),
		value:   action.NewValue(0),
		eval:    eval,
		metrics: metrics,
	}

	for _, l := range labels {
		a, err := in.Resolve(l)
		if err != nil {
			return nil, err
		}
		v, ok := a.(action.Valued)
		if !ok {
			return nil, fmt.Errorf("line %d: %s argument %s produces no value", in.Options.Line(), keyword, l)
		}
		s.args = append(s.args, v)
		s.core.AddDependency(l)
	}

	if in.Options.Flag("FATAL") {
		s.core.SetPolicy(action.DomainFatal)
	}
	return s, nil
}

// Core returns the bookkeeping record.
func (s *Scripted) Core() *action.Core { return &s.core }

// Prepare declares per-step requirements; scripted actions have none.
func (s *Scripted) Prepare() error { return nil }

// Value returns the scalar output.
func (s *Scripted) Value() *action.Value { return s.value }

// Calculate hands the argument scalars to the extension module and stores
// the result. An undefined or non-finite result is a domain error,
// recoverable under the default policy.
func (s *Scripted) Calculate() error {
	for k, arg := range s.args {
		s.buf[k] = arg.Value().Get()
	}

	start := time.Now()
	res, err := s.eval.Evaluate(s.keyword, s.buf)
	s.metrics.ObserveExtensionCall(s.backend, s.keyword, time.Since(start))
	if err != nil {
		s.value.Invalidate()
		return fmt.Errorf("extension action %s (%s): %w", s.core.Label(), s.keyword, err)
	}

	if res.Undefined || math.IsNaN(res.Value) || math.IsInf(res.Value, 0) {
		s.value.Invalidate()
		return &action.DomainError{
			Label: s.core.Label(),
			Arg:   "result",
			Value: res.Value,
		}
	}
	if res.Derivatives != nil && len(res.Derivatives) != len(s.args) {
		s.value.Invalidate()
		return fmt.Errorf("extension action %s (%s): module returned %d derivatives for %d arguments",
			s.core.Label(), s.keyword, len(res.Derivatives), len(s.args))
	}

	for k := range s.grads {
		if res.Derivatives != nil {
			s.grads[k] = res.Derivatives[k]
		} else {
			s.grads[k] = 0
		}
	}
	s.value.Set(res.Value)
	return nil
}

// Apply drains the force on the output and pushes it onto each argument's
// value via the chain rule.
func (s *Scripted) Apply() error {
	f := s.value.TakeForce()
	if f == 0 {
		return nil
	}
	for k, arg := range s.args {
		arg.Value().AddForce(f * s.grads[k])
	}
	return nil
}
