package colvar

import (
	"fmt"
	"math"

	"github.com/biasflow/biasflow/pkg/action"
	"github.com/biasflow/biasflow/pkg/atoms"
)

// Distance computes the Euclidean distance between two atoms.
//
// Input form:
//
//	d1: DISTANCE ATOMS=1,2 [FATAL]
//
// A coincident pair has no defined direction, so the derivative does not
// exist and the value goes undefined for the step (or aborts the run under
// FATAL).
type Distance struct {
	core  action.Core
	store *atoms.Store
	pair  [2]int
	value *action.Value
}

// NewDistance is the constructor registered for the DISTANCE keyword.
func NewDistance(in action.Input) (action.Action, error) {
	idx, err := in.Options.AtomList("ATOMS")
	if err != nil {
		return nil, err
	}
	if len(idx) != 2 {
		return nil, fmt.Errorf("line %d: DISTANCE wants exactly 2 atoms, got %d", in.Options.Line(), len(idx))
	}
	if idx[0] == idx[1] {
		return nil, fmt.Errorf("line %d: DISTANCE atoms must differ", in.Options.Line())
	}

	d := &Distance{
		core:  action.NewCore(in.Label),
		store: in.Atoms,
		pair:  [2]int{idx[0], idx[1]},
		value: action.NewValue(2),
	}
	if in.Options.Flag("FATAL") {
		d.core.SetPolicy(action.DomainFatal)
	}
	return d, nil
}

// Core returns the bookkeeping record.
func (d *Distance) Core() *action.Core { return &d.core }

// Prepare declares per-step requirements; the atom request itself goes
// through RequestedAtoms.
func (d *Distance) Prepare() error { return nil }

// RequestedAtoms returns the two atom indices.
func (d *Distance) RequestedAtoms() []int { return d.pair[:] }

// Value returns the scalar output.
func (d *Distance) Value() *action.Value { return d.value }

// Calculate evaluates the distance and its derivatives.
func (d *Distance) Calculate() error {
	d.value.ClearDerivatives()

	r0 := d.store.Position(d.pair[0])
	r1 := d.store.Position(d.pair[1])

	var diff [3]float64
	for k := 0; k < 3; k++ {
		diff[k] = r1[k] - r0[k]
	}
	dist := math.Sqrt(diff[0]*diff[0] + diff[1]*diff[1] + diff[2]*diff[2])
	if dist == 0 {
		d.value.Invalidate()
		return &action.DomainError{
			Label: d.core.Label(),
			Arg:   "ATOMS",
			Value: 0,
			Limit: 0,
		}
	}

	for k := 0; k < 3; k++ {
		d.value.SetDerivative(k, -diff[k]/dist)
		d.value.SetDerivative(3+k, diff[k]/dist)
	}
	d.value.Set(dist)
	return nil
}

// Apply drains the force accumulated on the value and pushes it onto the
// two atoms, with the matching virial contribution.
func (d *Distance) Apply() error {
	f := d.value.TakeForce()
	if f == 0 {
		return nil
	}

	var vir atoms.Tensor
	for i, idx := range d.pair {
		pos := d.store.Position(idx)
		var force [3]float64
		for k := 0; k < 3; k++ {
			force[k] = f * d.value.Derivative(3*i+k)
		}
		d.store.AddForce(idx, force)
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				vir[a][b] -= pos[a] * force[b]
			}
		}
	}
	d.store.AddVirial(vir)
	return nil
}
