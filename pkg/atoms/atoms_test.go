package atoms

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/biasflow/biasflow/pkg/comm"
)

func TestStore_New_RejectsNonPositiveCount(t *testing.T) {
	if _, err := NewStore(0); err == nil {
		t.Fatal("Expected error for zero atoms")
	}
	if _, err := NewStore(-3); err == nil {
		t.Fatal("Expected error for negative atoms")
	}
}

func TestStore_SetPositions_LengthChecked(t *testing.T) {
	s, err := NewStore(2)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if err := s.SetPositions([]float64{1, 2, 3}); err == nil {
		t.Error("Expected length error for short position array")
	}

	p := []float64{0, 0, 0, 1, 0, 0}
	if err := s.SetPositions(p); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	got := s.Position(1)
	if got[0] != 1 || got[1] != 0 || got[2] != 0 {
		t.Errorf("Expected atom 1 at (1,0,0), got %v", got)
	}
}

func TestStore_Request_DeduplicatesAndValidates(t *testing.T) {
	s, _ := NewStore(4)

	if err := s.Request([]int{0, 2}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := s.Request([]int{2, 3, 0}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	req := s.Requested()
	if len(req) != 3 {
		t.Errorf("Expected 3 unique requests, got %v", req)
	}

	if err := s.Request([]int{4}); err == nil {
		t.Error("Expected range error for atom 4")
	}

	s.ClearRequests()
	if len(s.Requested()) != 0 {
		t.Error("Expected empty request set after clear")
	}
}

func TestStore_ForceAccumulation_OrderIndependent(t *testing.T) {
	contributions := [][3]float64{
		{0.25, -1.5, 3.0},
		{-0.125, 0.5, -2.0},
		{1.0, 1.0, 1.0},
		{-0.5, 0.25, 0.75},
	}

	sumFor := func(order []int) [3]float64 {
		s, _ := NewStore(1)
		s.ResetStep()
		for _, k := range order {
			s.AddForce(0, contributions[k])
		}
		return s.Force(0)
	}

	base := sumFor([]int{0, 1, 2, 3})
	perms := [][]int{{3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1}}
	for _, p := range perms {
		got := sumFor(p)
		if got != base {
			t.Errorf("Permutation %v changed total force: %v vs %v", p, got, base)
		}
	}
}

func TestStore_ResetStep_ZeroesAccumulators(t *testing.T) {
	s, _ := NewStore(2)
	s.AddForce(0, [3]float64{1, 1, 1})
	s.AddBias(4.5)
	s.AddVirial(Tensor{{1}})

	s.ResetStep()

	if f := s.Force(0); f != ([3]float64{}) {
		t.Errorf("Expected zero force after reset, got %v", f)
	}
	if s.Bias() != 0 {
		t.Errorf("Expected zero bias after reset, got %v", s.Bias())
	}
	if s.Virial() != (Tensor{}) {
		t.Errorf("Expected zero virial after reset, got %v", s.Virial())
	}
}

func TestStore_Share_AcrossRanks(t *testing.T) {
	const natoms = 4
	ranks := comm.NewGroup(2)
	defer ranks[0].Close()

	// Rank 0 owns atoms 0,1; rank 1 owns atoms 2,3.
	locals := [][]int{{0, 1}, {2, 3}}
	positions := [][]float64{
		{0, 0, 0, 1, 1, 1},
		{2, 2, 2, 3, 3, 3},
	}

	var wg sync.WaitGroup
	stores := make([]*Store, 2)
	errs := make([]error, 2)
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			s, err := NewStore(natoms)
			if err != nil {
				errs[r] = err
				return
			}
			if err := s.SetLocalAtoms(locals[r]); err != nil {
				errs[r] = err
				return
			}
			if err := s.SetLocalPositions(positions[r]); err != nil {
				errs[r] = err
				return
			}
			if err := s.Request([]int{0, 3}); err != nil {
				errs[r] = err
				return
			}
			errs[r] = s.Share(context.Background(), ranks[r])
			stores[r] = s
		}(r)
	}
	wg.Wait()

	for r := 0; r < 2; r++ {
		if errs[r] != nil {
			t.Fatalf("rank %d: unexpected error: %v", r, errs[r])
		}
		if got := stores[r].Position(0); got != ([3]float64{0, 0, 0}) {
			t.Errorf("rank %d: atom 0 = %v, want (0,0,0)", r, got)
		}
		if got := stores[r].Position(3); got != ([3]float64{3, 3, 3}) {
			t.Errorf("rank %d: atom 3 = %v, want (3,3,3)", r, got)
		}
	}
}

func TestStore_FlushForces_LocalRowsOnly(t *testing.T) {
	s, _ := NewStore(3)
	if err := s.SetLocalAtoms([]int{1}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	host := make([]float64, 9)
	if err := s.BindHostForces(host); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	s.ResetStep()
	s.AddForce(0, [3]float64{1, 1, 1})
	s.AddForce(1, [3]float64{2, 2, 2})
	s.FlushForces()

	if host[0] != 0 {
		t.Errorf("Non-local atom 0 must not be flushed, got %v", host[0])
	}
	if host[3] != 2 || host[4] != 2 || host[5] != 2 {
		t.Errorf("Local atom 1 forces not flushed, got %v", host[3:6])
	}
}

func TestStore_FlushForces_Accumulates(t *testing.T) {
	s, _ := NewStore(1)
	host := []float64{10, 10, 10}
	if err := s.BindHostForces(host); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	s.ResetStep()
	s.AddForce(0, [3]float64{1, 2, 3})
	s.FlushForces()

	if host[0] != 11 || host[1] != 12 || host[2] != 13 {
		t.Errorf("Expected accumulation into host array, got %v", host)
	}
}

func TestStore_Share_SerialNoOp(t *testing.T) {
	s, _ := NewStore(2)
	p := make([]float64, 6)
	for i := range p {
		p[i] = rand.Float64()
	}
	if err := s.SetPositions(p); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := s.Share(context.Background(), comm.NewSerial()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !s.Shared() {
		t.Error("Expected shared flag after serial share")
	}
}
