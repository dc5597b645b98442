package bias

import (
	"fmt"

	"github.com/biasflow/biasflow/pkg/action"
)

// UpperWalls is a one-sided wall keeping arguments below a threshold:
//
//	w: UPPER_WALLS ARG=d1 AT=2.5 KAPPA=200.0 [EPS=1.0] [LIMIT=10.0] [FATAL]
//
// bias = sum_k kappa_k * ((x_k - at_k)/eps_k)^2 for x_k > at_k, else 0.
//
// LIMIT declares the largest argument the wall is trusted to handle: an
// argument beyond it means the system escaped the region the wall was set
// up for, which is a domain error. The default policy drops the wall's
// output for the step; the FATAL flag aborts the run instead, which is the
// safer choice when a runaway coordinate means the simulation is garbage.
type UpperWalls struct {
	core   action.Core
	args   []action.Valued
	at     []float64
	kappa  []float64
	eps    []float64
	limit  []float64
	value  *action.Value
	forces []float64
}

// NewUpperWalls is the constructor registered for the UPPER_WALLS keyword.
func NewUpperWalls(in action.Input) (action.Action, error) {
	labels := in.Options.Labels("ARG")
	if len(labels) == 0 {
		return nil, fmt.Errorf("line %d: UPPER_WALLS requires ARG", in.Options.Line())
	}

	w := &UpperWalls{
		core:   action.NewCore(in.Label),
		value:  action.NewValue(0),
		forces: make([]float64, len(labels)),
	}

	for _, l := range labels {
		a, err := in.Resolve(l)
		if err != nil {
			return nil, err
		}
		v, ok := a.(action.Valued)
		if !ok {
			return nil, fmt.Errorf("line %d: UPPER_WALLS argument %s produces no value", in.Options.Line(), l)
		}
		w.args = append(w.args, v)
		w.core.AddDependency(l)
	}

	var err error
	if w.at, err = in.Options.Scalars("AT"); err != nil {
		return nil, err
	}
	if w.kappa, err = in.Options.Scalars("KAPPA"); err != nil {
		return nil, err
	}
	if w.eps, err = in.Options.Scalars("EPS"); err != nil {
		return nil, err
	}
	if w.limit, err = in.Options.Scalars("LIMIT"); err != nil {
		return nil, err
	}

	n := len(w.args)
	if w.eps == nil {
		w.eps = ones(n)
	}
	if len(w.at) != n || len(w.kappa) != n || len(w.eps) != n {
		return nil, fmt.Errorf("line %d: UPPER_WALLS AT/KAPPA/EPS must match the %d arguments", in.Options.Line(), n)
	}
	if w.limit != nil && len(w.limit) != n {
		return nil, fmt.Errorf("line %d: UPPER_WALLS LIMIT must match the %d arguments", in.Options.Line(), n)
	}
	for k := range w.eps {
		if w.eps[k] <= 0 {
			return nil, fmt.Errorf("line %d: UPPER_WALLS EPS must be positive", in.Options.Line())
		}
	}

	if in.Options.Flag("FATAL") {
		w.core.SetPolicy(action.DomainFatal)
	}
	return w, nil
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

// Core returns the bookkeeping record.
func (w *UpperWalls) Core() *action.Core { return &w.core }

// Prepare declares per-step requirements; UpperWalls has none of its own.
func (w *UpperWalls) Prepare() error { return nil }

// Value returns the wall energy as a scalar output.
func (w *UpperWalls) Value() *action.Value { return w.value }

// Bias returns the energy contributed on the current step.
func (w *UpperWalls) Bias() float64 {
	if !w.value.Valid() {
		return 0
	}
	return w.value.Get()
}

// Calculate evaluates the wall energy and the force on each argument.
func (w *UpperWalls) Calculate() error {
	var energy float64
	for k, arg := range w.args {
		x := arg.Value().Get()
		if w.limit != nil && x > w.limit[k] {
			w.value.Invalidate()
			return &action.DomainError{
				Label: w.core.Label(),
				Arg:   fmt.Sprintf("ARG[%d]", k),
				Value: x,
				Limit: w.limit[k],
			}
		}

		w.forces[k] = 0
		if x <= w.at[k] {
			continue
		}
		u := (x - w.at[k]) / w.eps[k]
		energy += w.kappa[k] * u * u
		w.forces[k] = -2 * w.kappa[k] * u / w.eps[k]
	}
	w.value.Set(energy)
	return nil
}

// Apply pushes the wall force onto each argument's value, folding in any
// force a downstream consumer pushed onto the wall energy.
func (w *UpperWalls) Apply() error {
	f := w.value.TakeForce()
	for k, arg := range w.args {
		// forces[k] is -dB/darg_k, so the chain contribution from a
		// consumer force f on the wall value is -f*forces[k].
		if g := (1 - f) * w.forces[k]; g != 0 {
			arg.Value().AddForce(g)
		}
	}
	return nil
}
