package colvar

import (
	"fmt"
	"math"

	"github.com/biasflow/biasflow/pkg/action"
)

// Combine builds a polynomial combination of other scalar values:
//
//	c: COMBINE ARG=d1,d2 COEFFICIENTS=1.0,-1.0 POWERS=2,1 [PARAMETERS=0,0] [FATAL]
//
// value = sum_k coeff_k * (arg_k - param_k)^power_k
//
// A fractional power of a negative shifted argument has no real result;
// that is a domain error, recoverable under the default policy.
type Combine struct {
	core   action.Core
	args   []action.Valued
	coeffs []float64
	powers []float64
	params []float64
	value  *action.Value
	grads  []float64 // d(value)/d(arg_k), kept between Calculate and Apply
}

// NewCombine is the constructor registered for the COMBINE keyword.
func NewCombine(in action.Input) (action.Action, error) {
	labels := in.Options.Labels("ARG")
	if len(labels) == 0 {
		return nil, fmt.Errorf("line %d: COMBINE requires ARG", in.Options.Line())
	}

	c := &Combine{
		core:  action.NewCore(in.Label),
		value: action.NewValue(0),
		grads: make([]float64, len(labels)),
	}

	for _, l := range labels {
		a, err := in.Resolve(l)
		if err != nil {
			return nil, err
		}
		v, ok := a.(action.Valued)
		if !ok {
			return nil, fmt.Errorf("line %d: COMBINE argument %s produces no value", in.Options.Line(), l)
		}
		c.args = append(c.args, v)
		c.core.AddDependency(l)
	}

	var err error
	if c.coeffs, err = in.Options.Scalars("COEFFICIENTS"); err != nil {
		return nil, err
	}
	if c.powers, err = in.Options.Scalars("POWERS"); err != nil {
		return nil, err
	}
	if c.params, err = in.Options.Scalars("PARAMETERS"); err != nil {
		return nil, err
	}

	n := len(c.args)
	if c.coeffs == nil {
		c.coeffs = ones(n)
	}
	if c.powers == nil {
		c.powers = ones(n)
	}
	if c.params == nil {
		c.params = make([]float64, n)
	}
	if len(c.coeffs) != n || len(c.powers) != n || len(c.params) != n {
		return nil, fmt.Errorf("line %d: COMBINE coefficient lists must match the %d arguments", in.Options.Line(), n)
	}

	if in.Options.Flag("FATAL") {
		c.core.SetPolicy(action.DomainFatal)
	}
	return c, nil
}

func ones(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

// Core returns the bookkeeping record.
func (c *Combine) Core() *action.Core { return &c.core }

// Prepare declares per-step requirements; Combine has none of its own.
func (c *Combine) Prepare() error { return nil }

// Value returns the scalar output.
func (c *Combine) Value() *action.Value { return c.value }

// Calculate evaluates the combination and the gradient with respect to
// each argument.
func (c *Combine) Calculate() error {
	var sum float64
	for k, arg := range c.args {
		x := arg.Value().Get() - c.params[k]
		p := c.powers[k]

		term := math.Pow(x, p)
		grad := 0.0
		if p != 0 {
			grad = p * math.Pow(x, p-1)
		}
		if math.IsNaN(term) || math.IsInf(term, 0) || math.IsNaN(grad) || math.IsInf(grad, 0) {
			c.value.Invalidate()
			return &action.DomainError{
				Label: c.core.Label(),
				Arg:   fmt.Sprintf("ARG[%d]", k),
				Value: x,
				Limit: 0,
			}
		}

		sum += c.coeffs[k] * term
		c.grads[k] = c.coeffs[k] * grad
	}
	c.value.Set(sum)
	return nil
}

// Apply drains the force on the combined value and pushes it onto each
// argument's value via the chain rule.
func (c *Combine) Apply() error {
	f := c.value.TakeForce()
	if f == 0 {
		return nil
	}
	for k, arg := range c.args {
		arg.Value().AddForce(f * c.grads[k])
	}
	return nil
}
