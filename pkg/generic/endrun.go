package generic

import (
	"fmt"

	"github.com/biasflow/biasflow/pkg/action"
)

// EndRun terminates the run once a target step is reached:
//
//	ENDRUN AT=50000 [CODE=0]
//
// The stop lands at the step boundary, after the apply phase, so the last
// step's forces still reach the host intact.
type EndRun struct {
	core  action.Core
	at    int64
	code  int
	stop  func(code int)
	fired bool
}

// NewEndRun is the constructor registered for the ENDRUN keyword.
func NewEndRun(in action.Input) (action.Action, error) {
	at, err := in.Options.Int64("AT")
	if err != nil {
		return nil, err
	}
	if at < 0 {
		return nil, fmt.Errorf("line %d: ENDRUN AT must be non-negative, got %d", in.Options.Line(), at)
	}
	code, err := in.Options.Int64Default("CODE", 0)
	if err != nil {
		return nil, err
	}
	return &EndRun{
		core: action.NewCore(in.Label),
		at:   at,
		code: int(code),
		stop: in.RequestStop,
	}, nil
}

// Core returns the bookkeeping record.
func (e *EndRun) Core() *action.Core { return &e.core }

// OnStep fires once the target step is reached.
func (e *EndRun) OnStep(step int64) bool {
	return !e.fired && step >= e.at
}

// Prepare declares per-step requirements; EndRun has none.
func (e *EndRun) Prepare() error { return nil }

// Calculate requests the stop.
func (e *EndRun) Calculate() error {
	if !e.fired {
		e.fired = true
		e.stop(e.code)
	}
	return nil
}

// Apply does nothing; the stop request already landed in Calculate.
func (e *EndRun) Apply() error { return nil }
