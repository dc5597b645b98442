// Package atoms holds the per-step physical state shared between the host
// program and the action graph: positions, masses, charges, box geometry and
// the force, virial and bias accumulators that active actions write into.
//
// The host owns the decomposition. On a serial run it sets whole-system
// arrays directly; on a decomposed run each rank sets only its local atoms
// and Share reassembles the subset requested by active actions.
package atoms

import (
	"context"
	"fmt"

	"github.com/biasflow/biasflow/pkg/comm"
)

// Box is a 3x3 cell matrix in row-major order (rows are lattice vectors).
type Box [3][3]float64

// Tensor is a 3x3 accumulator used for the virial.
type Tensor [3][3]float64

// Store mediates between host-provided atom data and the whole-system view
// actions expect. Forces accumulate additively: the final force on an atom
// depends only on the set of active actions, never on their apply order.
type Store struct {
	natoms int

	positions []float64 // 3N, xyz interleaved
	masses    []float64
	charges   []float64
	box       Box

	forces []float64 // 3N, accumulated during the apply phase
	virial Tensor
	bias   float64

	// local decomposition: nil means the whole system is local
	local []int
	owned []bool

	// union of atom indices requested for the current step
	requested []int
	shared    bool

	// host output arrays, accumulated into by FlushForces
	hostForces []float64
	hostVirial []float64
}

// NewStore creates a store for n atoms.
func NewStore(n int) (*Store, error) {
	if n <= 0 {
		return nil, fmt.Errorf("atom count must be positive, got %d", n)
	}
	return &Store{
		natoms:    n,
		positions: make([]float64, 3*n),
		masses:    make([]float64, n),
		charges:   make([]float64, n),
		forces:    make([]float64, 3*n),
	}, nil
}

// Natoms returns the number of atoms in the system.
func (s *Store) Natoms() int { return s.natoms }

// SetPositions copies a whole-system position array (3N, xyz interleaved).
func (s *Store) SetPositions(p []float64) error {
	if len(p) != 3*s.natoms {
		return fmt.Errorf("position array length %d, want %d", len(p), 3*s.natoms)
	}
	copy(s.positions, p)
	s.shared = false
	return nil
}

// SetMasses copies the per-atom masses.
func (s *Store) SetMasses(m []float64) error {
	if len(m) != s.natoms {
		return fmt.Errorf("mass array length %d, want %d", len(m), s.natoms)
	}
	copy(s.masses, m)
	return nil
}

// SetCharges copies the per-atom charges.
func (s *Store) SetCharges(q []float64) error {
	if len(q) != s.natoms {
		return fmt.Errorf("charge array length %d, want %d", len(q), s.natoms)
	}
	copy(s.charges, q)
	return nil
}

// SetBox sets the cell matrix.
func (s *Store) SetBox(b Box) { s.box = b }

// Box returns the current cell matrix.
func (s *Store) Box() Box { return s.box }

// SetLocalAtoms declares the atoms owned by this rank. Positions set through
// SetLocalPositions cover only these indices; everything else is filled in
// by Share. Passing nil restores whole-system ownership.
func (s *Store) SetLocalAtoms(indices []int) error {
	if indices == nil {
		s.local = nil
		s.owned = nil
		return nil
	}
	owned := make([]bool, s.natoms)
	for _, i := range indices {
		if i < 0 || i >= s.natoms {
			return fmt.Errorf("local atom index %d out of range [0,%d)", i, s.natoms)
		}
		owned[i] = true
	}
	s.local = append([]int(nil), indices...)
	s.owned = owned
	return nil
}

// SetLocalPositions copies positions for the local atoms, in the order given
// to SetLocalAtoms (3 values per atom).
func (s *Store) SetLocalPositions(p []float64) error {
	if s.local == nil {
		return fmt.Errorf("no local decomposition declared")
	}
	if len(p) != 3*len(s.local) {
		return fmt.Errorf("local position length %d, want %d", len(p), 3*len(s.local))
	}
	for k, i := range s.local {
		copy(s.positions[3*i:3*i+3], p[3*k:3*k+3])
	}
	s.shared = false
	return nil
}

// Request records the union of atom indices needed for the current step.
// Indices are deduplicated; out-of-range indices are rejected.
func (s *Store) Request(indices []int) error {
	for _, i := range indices {
		if i < 0 || i >= s.natoms {
			return fmt.Errorf("requested atom index %d out of range [0,%d)", i, s.natoms)
		}
	}
	seen := make(map[int]bool, len(s.requested)+len(indices))
	merged := make([]int, 0, len(s.requested)+len(indices))
	for _, i := range s.requested {
		if !seen[i] {
			seen[i] = true
			merged = append(merged, i)
		}
	}
	for _, i := range indices {
		if !seen[i] {
			seen[i] = true
			merged = append(merged, i)
		}
	}
	s.requested = merged
	return nil
}

// ClearRequests drops the per-step atom request set.
func (s *Store) ClearRequests() { s.requested = s.requested[:0] }

// Requested returns the current per-step request set.
func (s *Store) Requested() []int { return s.requested }

// Share makes the requested atoms' positions available on every rank.
// Each rank contributes the rows it owns and zero for the rest; summing
// across the group reassembles the data because every atom has exactly one
// owner. On a serial run or with no decomposition it is a no-op.
func (s *Store) Share(ctx context.Context, c comm.Communicator) error {
	if c == nil || c.Size() == 1 || s.local == nil {
		s.shared = true
		return nil
	}
	buf := make([]float64, 3*len(s.requested))
	for k, i := range s.requested {
		if s.owned[i] {
			copy(buf[3*k:3*k+3], s.positions[3*i:3*i+3])
		}
	}
	if err := c.Sum(ctx, buf); err != nil {
		return fmt.Errorf("sharing %d atoms: %w", len(s.requested), err)
	}
	for k, i := range s.requested {
		copy(s.positions[3*i:3*i+3], buf[3*k:3*k+3])
	}
	s.shared = true
	return nil
}

// Shared reports whether the current step's requested atoms are available.
func (s *Store) Shared() bool { return s.shared }

// Position returns the xyz coordinates of atom i.
func (s *Store) Position(i int) [3]float64 {
	return [3]float64{s.positions[3*i], s.positions[3*i+1], s.positions[3*i+2]}
}

// Mass returns the mass of atom i.
func (s *Store) Mass(i int) float64 { return s.masses[i] }

// Charge returns the charge of atom i.
func (s *Store) Charge(i int) float64 { return s.charges[i] }

// ResetStep zeroes the force, virial and bias accumulators. Called once at
// the top of every calculate phase.
func (s *Store) ResetStep() {
	for i := range s.forces {
		s.forces[i] = 0
	}
	s.virial = Tensor{}
	s.bias = 0
}

// AddForce accumulates a force contribution on atom i.
func (s *Store) AddForce(i int, f [3]float64) {
	s.forces[3*i] += f[0]
	s.forces[3*i+1] += f[1]
	s.forces[3*i+2] += f[2]
}

// Force returns the accumulated force on atom i.
func (s *Store) Force(i int) [3]float64 {
	return [3]float64{s.forces[3*i], s.forces[3*i+1], s.forces[3*i+2]}
}

// AddVirial accumulates a virial contribution.
func (s *Store) AddVirial(v Tensor) {
	for a := 0; a < 3; a++ {
		for b := 0; b < 3; b++ {
			s.virial[a][b] += v[a][b]
		}
	}
}

// Virial returns the accumulated virial tensor.
func (s *Store) Virial() Tensor { return s.virial }

// AddBias accumulates a bias energy contribution.
func (s *Store) AddBias(v float64) { s.bias += v }

// Bias returns the accumulated bias energy for the current step.
func (s *Store) Bias() float64 { return s.bias }

// BindHostForces points the store at the host's force array. FlushForces
// accumulates into it; the engine calls that after the apply phase.
func (s *Store) BindHostForces(f []float64) error {
	if len(f) != 3*s.natoms {
		return fmt.Errorf("host force array length %d, want %d", len(f), 3*s.natoms)
	}
	s.hostForces = f
	return nil
}

// BindHostVirial points the store at the host's virial buffer, 9 components
// in row-major order. FlushForces accumulates into it.
func (s *Store) BindHostVirial(v []float64) error {
	if len(v) != 9 {
		return fmt.Errorf("host virial buffer length %d, want 9", len(v))
	}
	s.hostVirial = v
	return nil
}

// FlushForces adds the accumulated forces into the host's bound array.
// On a decomposed run only the locally owned rows are flushed, so each rank
// hands back exactly the atoms it integrates.
func (s *Store) FlushForces() {
	if s.hostForces != nil {
		if s.local == nil {
			for i, f := range s.forces {
				s.hostForces[i] += f
			}
		} else {
			for _, i := range s.local {
				s.hostForces[3*i] += s.forces[3*i]
				s.hostForces[3*i+1] += s.forces[3*i+1]
				s.hostForces[3*i+2] += s.forces[3*i+2]
			}
		}
	}
	if s.hostVirial != nil {
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				s.hostVirial[3*r+c] += s.virial[r][c]
			}
		}
	}
}
