package bias

import (
	"fmt"

	"github.com/biasflow/biasflow/pkg/action"
)

// Restraint is a harmonic plus linear restraint on one or more scalar
// arguments:
//
//	r: RESTRAINT ARG=d1 AT=1.5 KAPPA=150.0 [SLOPE=0.0]
//
// bias = sum_k 0.5*kappa_k*(x_k-at_k)^2 + slope_k*(x_k-at_k)
type Restraint struct {
	core   action.Core
	args   []action.Valued
	at     []float64
	kappa  []float64
	slope  []float64
	value  *action.Value
	forces []float64 // -d(bias)/d(arg_k), kept between Calculate and Apply
}

// NewRestraint is the constructor registered for the RESTRAINT keyword.
func NewRestraint(in action.Input) (action.Action, error) {
	labels := in.Options.Labels("ARG")
	if len(labels) == 0 {
		return nil, fmt.Errorf("line %d: RESTRAINT requires ARG", in.Options.Line())
	}

	r := &Restraint{
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
			return nil, fmt.Errorf("line %d: RESTRAINT argument %s produces no value", in.Options.Line(), l)
		}
		r.args = append(r.args, v)
		r.core.AddDependency(l)
	}

	var err error
	if r.at, err = in.Options.Scalars("AT"); err != nil {
		return nil, err
	}
	if r.kappa, err = in.Options.Scalars("KAPPA"); err != nil {
		return nil, err
	}
	if r.slope, err = in.Options.Scalars("SLOPE"); err != nil {
		return nil, err
	}

	n := len(r.args)
	if r.slope == nil {
		r.slope = make([]float64, n)
	}
	if len(r.at) != n || len(r.kappa) != n || len(r.slope) != n {
		return nil, fmt.Errorf("line %d: RESTRAINT AT/KAPPA/SLOPE must match the %d arguments", in.Options.Line(), n)
	}
	return r, nil
}

// Core returns the bookkeeping record.
func (r *Restraint) Core() *action.Core { return &r.core }

// Prepare declares per-step requirements; Restraint has none of its own.
func (r *Restraint) Prepare() error { return nil }

// Value returns the bias energy as a scalar output, so it can be printed
// or fed into further analysis.
func (r *Restraint) Value() *action.Value { return r.value }

// Bias returns the energy contributed on the current step.
func (r *Restraint) Bias() float64 {
	if !r.value.Valid() {
		return 0
	}
	return r.value.Get()
}

// Calculate evaluates the restraint energy and the force on each argument.
func (r *Restraint) Calculate() error {
	var energy float64
	for k, arg := range r.args {
		dx := arg.Value().Get() - r.at[k]
		energy += 0.5*r.kappa[k]*dx*dx + r.slope[k]*dx
		r.forces[k] = -(r.kappa[k]*dx + r.slope[k])
	}
	r.value.Set(energy)
	return nil
}

// Apply pushes the restoring force onto each argument's value, folding in
// any force a downstream consumer pushed onto the bias value.
func (r *Restraint) Apply() error {
	f := r.value.TakeForce()
	for k, arg := range r.args {
		// forces[k] is -dB/darg_k, so the chain contribution from a
		// consumer force f on the bias value is -f*forces[k].
		arg.Value().AddForce((1 - f) * r.forces[k])
	}
	return nil
}
