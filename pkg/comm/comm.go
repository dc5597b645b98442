// Package comm provides the process-group abstraction used for collective
// data exchange when atoms are domain-decomposed across parallel ranks.
// Collectives are modeled as explicit message passing over channels; no
// shared memory between ranks is assumed.
package comm

import (
	"context"
	"fmt"
)

// Op identifies a collective operation. Every rank in a group must issue the
// same sequence of operations with matching buffer lengths; a mismatch leaves
// the group in an inconsistent state and is reported as a fatal error.
type Op string

const (
	// OpSum is an all-reduce summation over float64 buffers.
	OpSum Op = "sum"

	// OpSumInt is an all-reduce summation over int buffers.
	OpSumInt Op = "sum_int"

	// OpBcast broadcasts a buffer from the root rank to all ranks.
	OpBcast Op = "bcast"

	// OpBarrier synchronizes all ranks without moving data.
	OpBarrier Op = "barrier"
)

// Communicator is the parallel execution group seen by the engine.
// A serial run uses the single-rank implementation; multi-rank runs use a
// Group endpoint per rank. All collectives block until every rank in the
// group has reached the same call.
type Communicator interface {
	// Rank returns the index of the calling rank within the group.
	Rank() int

	// Size returns the number of ranks in the group.
	Size() int

	// Sum performs an in-place all-reduce summation of buf across ranks.
	Sum(ctx context.Context, buf []float64) error

	// SumInt performs an in-place all-reduce summation of buf across ranks.
	SumInt(ctx context.Context, buf []int) error

	// Bcast overwrites buf on every rank with the root rank's contents.
	Bcast(ctx context.Context, buf []float64, root int) error

	// Barrier blocks until all ranks have entered the barrier.
	Barrier(ctx context.Context) error
}

// MismatchError reports a collective issued with a different operation or
// buffer length than the rest of the group. It is fatal: the group cannot
// recover from a partial collective.
type MismatchError struct {
	Rank int
	Want Op
	Got  Op
	Len  int
	Exp  int
}

// Error implements the error interface.
func (e *MismatchError) Error() string {
	if e.Want != e.Got {
		return fmt.Sprintf("collective mismatch on rank %d: issued %s while group is in %s", e.Rank, e.Got, e.Want)
	}
	return fmt.Sprintf("collective %s length mismatch on rank %d: got %d, group expects %d", e.Got, e.Rank, e.Len, e.Exp)
}

// Serial is the single-rank communicator. All collectives are no-ops.
type Serial struct{}

// NewSerial creates a communicator for a run without domain decomposition.
func NewSerial() *Serial { return &Serial{} }

// Rank returns 0.
func (*Serial) Rank() int { return 0 }

// Size returns 1.
func (*Serial) Size() int { return 1 }

// Sum is a no-op on a single rank.
func (*Serial) Sum(context.Context, []float64) error { return nil }

// SumInt is a no-op on a single rank.
func (*Serial) SumInt(context.Context, []int) error { return nil }

// Bcast is a no-op on a single rank.
func (*Serial) Bcast(context.Context, []float64, int) error { return nil }

// Barrier is a no-op on a single rank.
func (*Serial) Barrier(context.Context) error { return nil }
