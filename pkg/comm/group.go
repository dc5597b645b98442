package comm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed reports an operation on a closed communicator group.
var ErrClosed = errors.New("communicator group closed")

// Group is one rank's endpoint into an in-process communicator group.
// All endpoints created by NewGroup share a coordinator that matches
// collective rounds: a round completes when every rank has issued the same
// operation with compatible buffers.
type Group struct {
	rank int
	size int
	req  chan *request
	done chan struct{}
	stop *sync.Once
}

// request carries one rank's contribution to a collective round.
type request struct {
	rank int
	op   Op
	f64  []float64
	ints []int
	root int
	done chan error
}

// NewGroup creates a communicator group of n ranks and returns one endpoint
// per rank. Closing any endpoint shuts the shared coordinator down; a group
// whose ranks disagree on a collective becomes broken and fails every
// subsequent operation.
func NewGroup(n int) []*Group {
	if n <= 0 {
		n = 1
	}
	req := make(chan *request)
	done := make(chan struct{})
	stop := new(sync.Once)
	endpoints := make([]*Group, n)
	for i := range endpoints {
		endpoints[i] = &Group{rank: i, size: n, req: req, done: done, stop: stop}
	}
	go coordinate(n, req, done)
	return endpoints
}

// Close shuts down the group's coordinator. All endpoints share it, so
// closing one closes the group; further collectives fail with ErrClosed.
func (g *Group) Close() error {
	g.stop.Do(func() { close(g.done) })
	return nil
}

// Rank returns the index of this endpoint within the group.
func (g *Group) Rank() int { return g.rank }

// Size returns the number of ranks in the group.
func (g *Group) Size() int { return g.size }

// Sum performs an in-place all-reduce summation of buf across ranks.
func (g *Group) Sum(ctx context.Context, buf []float64) error {
	return g.submit(ctx, &request{rank: g.rank, op: OpSum, f64: buf, done: make(chan error, 1)})
}

// SumInt performs an in-place all-reduce summation of buf across ranks.
func (g *Group) SumInt(ctx context.Context, buf []int) error {
	return g.submit(ctx, &request{rank: g.rank, op: OpSumInt, ints: buf, done: make(chan error, 1)})
}

// Bcast overwrites buf on every rank with the root rank's contents.
func (g *Group) Bcast(ctx context.Context, buf []float64, root int) error {
	if root < 0 || root >= g.size {
		return fmt.Errorf("bcast root %d out of range for group of %d", root, g.size)
	}
	return g.submit(ctx, &request{rank: g.rank, op: OpBcast, f64: buf, root: root, done: make(chan error, 1)})
}

// Barrier blocks until all ranks have entered the barrier.
func (g *Group) Barrier(ctx context.Context) error {
	return g.submit(ctx, &request{rank: g.rank, op: OpBarrier, done: make(chan error, 1)})
}

// submit hands a contribution to the coordinator and waits for the round to
// complete. Cancelling the context abandons the round; the rest of the group
// stays blocked until the host tears the run down, which mirrors the
// deadlock semantics of a real partial collective.
func (g *Group) submit(ctx context.Context, r *request) error {
	select {
	case g.req <- r:
	case <-g.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-r.done:
		return err
	case <-g.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// coordinate matches collective rounds for a group of n ranks until the
// group is closed.
func coordinate(n int, req chan *request, done chan struct{}) {
	var broken error
	for {
		round := make([]*request, 0, n)
		for len(round) < n {
			select {
			case r := <-req:
				round = append(round, r)
			case <-done:
				return
			}
		}
		if broken == nil {
			broken = checkRound(round)
		}
		if broken != nil {
			for _, r := range round {
				r.done <- broken
			}
			continue
		}
		runRound(round)
		for _, r := range round {
			r.done <- nil
		}
	}
}

// checkRound verifies that every rank issued the same operation with a
// compatible buffer.
func checkRound(round []*request) error {
	first := round[0]
	for _, r := range round[1:] {
		if r.op != first.op {
			return &MismatchError{Rank: r.rank, Want: first.op, Got: r.op}
		}
		switch r.op {
		case OpSum, OpBcast:
			if len(r.f64) != len(first.f64) {
				return &MismatchError{Rank: r.rank, Want: first.op, Got: r.op, Len: len(r.f64), Exp: len(first.f64)}
			}
		case OpSumInt:
			if len(r.ints) != len(first.ints) {
				return &MismatchError{Rank: r.rank, Want: first.op, Got: r.op, Len: len(r.ints), Exp: len(first.ints)}
			}
		}
		if r.op == OpBcast && r.root != first.root {
			return &MismatchError{Rank: r.rank, Want: first.op, Got: r.op}
		}
	}
	return nil
}

// runRound applies the reduction for one matched collective round.
func runRound(round []*request) {
	switch round[0].op {
	case OpSum:
		total := make([]float64, len(round[0].f64))
		for _, r := range round {
			for i, v := range r.f64 {
				total[i] += v
			}
		}
		for _, r := range round {
			copy(r.f64, total)
		}
	case OpSumInt:
		total := make([]int, len(round[0].ints))
		for _, r := range round {
			for i, v := range r.ints {
				total[i] += v
			}
		}
		for _, r := range round {
			copy(r.ints, total)
		}
	case OpBcast:
		var src []float64
		for _, r := range round {
			if r.rank == r.root {
				src = r.f64
			}
		}
		for _, r := range round {
			if r.rank != r.root {
				copy(r.f64, src)
			}
		}
	case OpBarrier:
		// Rendezvous only.
	}
}
