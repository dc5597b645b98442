package comm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSerial_Collectives_NoOp(t *testing.T) {
	c := NewSerial()

	if c.Rank() != 0 {
		t.Errorf("Expected rank 0, got %d", c.Rank())
	}
	if c.Size() != 1 {
		t.Errorf("Expected size 1, got %d", c.Size())
	}

	buf := []float64{1, 2, 3}
	if err := c.Sum(context.Background(), buf); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if buf[0] != 1 || buf[1] != 2 || buf[2] != 3 {
		t.Errorf("Serial sum must leave buffer unchanged, got %v", buf)
	}

	if err := c.Barrier(context.Background()); err != nil {
		t.Fatalf("Expected no error from barrier, got: %v", err)
	}
}

func TestGroup_Sum_AllReduce(t *testing.T) {
	ranks := NewGroup(3)
	defer ranks[0].Close()

	var wg sync.WaitGroup
	results := make([][]float64, 3)
	for i, g := range ranks {
		wg.Add(1)
		go func(i int, g *Group) {
			defer wg.Done()
			buf := []float64{float64(i + 1), 0, float64(10 * (i + 1))}
			if err := g.Sum(context.Background(), buf); err != nil {
				t.Errorf("rank %d: unexpected error: %v", i, err)
				return
			}
			results[i] = buf
		}(i, g)
	}
	wg.Wait()

	for i, buf := range results {
		if buf == nil {
			t.Fatalf("rank %d produced no result", i)
		}
		if buf[0] != 6 {
			t.Errorf("rank %d: expected sum 6, got %v", i, buf[0])
		}
		if buf[2] != 60 {
			t.Errorf("rank %d: expected sum 60, got %v", i, buf[2])
		}
	}
}

func TestGroup_Bcast_FromRoot(t *testing.T) {
	ranks := NewGroup(2)
	defer ranks[0].Close()

	var wg sync.WaitGroup
	results := make([][]float64, 2)
	for i, g := range ranks {
		wg.Add(1)
		go func(i int, g *Group) {
			defer wg.Done()
			buf := make([]float64, 2)
			if i == 1 {
				buf[0], buf[1] = 7, 9
			}
			if err := g.Bcast(context.Background(), buf, 1); err != nil {
				t.Errorf("rank %d: unexpected error: %v", i, err)
				return
			}
			results[i] = buf
		}(i, g)
	}
	wg.Wait()

	for i, buf := range results {
		if buf[0] != 7 || buf[1] != 9 {
			t.Errorf("rank %d: expected [7 9], got %v", i, buf)
		}
	}
}

func TestGroup_Mismatch_IsFatal(t *testing.T) {
	ranks := NewGroup(2)
	defer ranks[0].Close()

	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = ranks[0].Sum(context.Background(), []float64{1})
	}()
	go func() {
		defer wg.Done()
		errs[1] = ranks[1].Barrier(context.Background())
	}()
	wg.Wait()

	if errs[0] == nil || errs[1] == nil {
		t.Fatalf("Expected mismatch errors on both ranks, got %v / %v", errs[0], errs[1])
	}

	// The group stays broken afterwards.
	errs2 := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs2[0] = ranks[0].Barrier(context.Background())
	}()
	go func() {
		defer wg.Done()
		errs2[1] = ranks[1].Barrier(context.Background())
	}()
	wg.Wait()

	if errs2[0] == nil || errs2[1] == nil {
		t.Errorf("Expected broken group to keep failing, got %v / %v", errs2[0], errs2[1])
	}
}

func TestGroup_Close_StopsCoordinator(t *testing.T) {
	ranks := NewGroup(2)

	if err := ranks[0].Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Collectives fail immediately instead of blocking on a coordinator
	// that is gone; every endpoint sees the closure.
	for i, g := range ranks {
		if err := g.Barrier(context.Background()); !errors.Is(err, ErrClosed) {
			t.Errorf("rank %d: expected ErrClosed, got %v", i, err)
		}
	}

	// Closing again is a no-op.
	if err := ranks[1].Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestGroup_ContextCancellation(t *testing.T) {
	ranks := NewGroup(2)
	defer ranks[0].Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// Only rank 0 enters the barrier; it must unblock via the context.
	err := ranks[0].Barrier(ctx)
	if err == nil {
		t.Fatal("Expected context error from abandoned collective")
	}
}
