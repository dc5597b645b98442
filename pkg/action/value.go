package action

// Value is the scalar output of a Valued action for the current step,
// together with its derivatives with respect to the producer's requested
// atoms (three components per atom) and a force accumulator that consumers
// push into during the apply phase.
//
// Validity is per step: a domain error in the producer (or in any of its
// inputs) marks the value undefined, and dependents treat an undefined
// input as "contributes nothing" unless their policy is fatal.
type Value struct {
	value float64
	deriv []float64
	valid bool
	force float64
}

// NewValue creates an undefined value with room for 3n derivative
// components.
func NewValue(n int) *Value {
	return &Value{deriv: make([]float64, 3*n)}
}

// Set stores the scalar for the current step and marks it defined.
func (v *Value) Set(x float64) {
	v.value = x
	v.valid = true
}

// Get returns the scalar. Only meaningful while Valid.
func (v *Value) Get() float64 { return v.value }

// Valid reports whether the value is defined for the current step.
func (v *Value) Valid() bool { return v.valid }

// Invalidate marks the value undefined for the current step.
func (v *Value) Invalidate() { v.valid = false }

// SetDerivative stores derivative component k (3 per requested atom).
func (v *Value) SetDerivative(k int, d float64) { v.deriv[k] = d }

// Derivative returns derivative component k.
func (v *Value) Derivative(k int) float64 { return v.deriv[k] }

// Derivatives returns the full derivative slice, 3 components per atom in
// the producer's requested-atom order.
func (v *Value) Derivatives() []float64 { return v.deriv }

// ClearDerivatives zeroes the derivative slice for the new step.
func (v *Value) ClearDerivatives() {
	for i := range v.deriv {
		v.deriv[i] = 0
	}
}

// AddForce accumulates a force on the value: minus the derivative of the
// downstream quantity with respect to this scalar. Accumulation is
// additive, so the total never depends on consumer order.
func (v *Value) AddForce(f float64) { v.force += f }

// TakeForce returns the accumulated force and resets the accumulator; the
// producer calls it once in Apply to propagate toward the atoms.
func (v *Value) TakeForce() float64 {
	f := v.force
	v.force = 0
	return f
}
