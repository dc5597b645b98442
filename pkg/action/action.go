// Package action defines the polymorphic unit of work evaluated by the
// engine: the core bookkeeping record every action embeds, the capability
// interfaces concrete actions opt into, and the registry mapping input-file
// keywords to constructors.
package action

import (
	"fmt"
	"os"

	"github.com/biasflow/biasflow/pkg/atoms"
	"github.com/biasflow/biasflow/pkg/telemetry"
)

// DomainPolicy decides what happens when Calculate sees an argument outside
// the action's declared domain. The default drops the action's output for
// the step; FATAL escalates to a run-ending error.
type DomainPolicy int

const (
	// DomainIgnore marks the output undefined for the step and lets the run
	// continue. Dependents see the invalid value and go undefined too.
	DomainIgnore DomainPolicy = iota

	// DomainFatal aborts the run on the first domain violation.
	DomainFatal
)

// DomainError reports an argument outside an action's declared interval.
// Under DomainIgnore it is absorbed by the engine; under DomainFatal it
// terminates the run.
type DomainError struct {
	Label string
	Arg   string
	Value float64
	Limit float64
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	return fmt.Sprintf("action %s: argument %s=%g outside declared domain (limit %g)",
		e.Label, e.Arg, e.Value, e.Limit)
}

// Core is the bookkeeping record embedded by every concrete action:
// identity, declared dependencies, per-step activation state and the
// domain-error policy. Dependencies are held as labels; the owning
// ActionSet resolves them, so an action never outlives or owns another.
type Core struct {
	label  string
	order  int
	deps   []string
	active bool
	policy DomainPolicy
}

// NewCore creates the core record for a labelled action.
func NewCore(label string) Core {
	return Core{label: label, order: -1}
}

// Label returns the unique label of the action.
func (c *Core) Label() string { return c.label }

// Order returns the registration order assigned by the ActionSet, or -1
// before the action is added.
func (c *Core) Order() int { return c.order }

// SetOrder is called by the ActionSet when the action is added.
func (c *Core) SetOrder(n int) { c.order = n }

// Dependencies returns the labels of the actions whose outputs this action
// reads.
func (c *Core) Dependencies() []string { return c.deps }

// AddDependency declares that this action reads the output of the action
// with the given label. Duplicates are collapsed.
func (c *Core) AddDependency(label string) {
	for _, d := range c.deps {
		if d == label {
			return
		}
	}
	c.deps = append(c.deps, label)
}

// Active reports whether the action must run on the current step.
func (c *Core) Active() bool { return c.active }

// SetActive is called by the activation engine every step.
func (c *Core) SetActive(v bool) { c.active = v }

// Policy returns the domain-error policy.
func (c *Core) Policy() DomainPolicy { return c.policy }

// SetPolicy sets the domain-error policy, normally from the FATAL flag.
func (c *Core) SetPolicy(p DomainPolicy) { c.policy = p }

// Action is the capability set every concrete variant supports.
//
// Prepare declares what the action will need this step (which atoms, which
// files); it is idempotent and may run before activation is known.
// Calculate reads dependency outputs and atom data and produces the
// action's value; a DomainError is recoverable under the default policy.
// Apply pushes force contributions back toward the atoms; it runs only for
// active actions, after Calculate, in reverse dependency order.
type Action interface {
	Core() *Core
	Prepare() error
	Calculate() error
	Apply() error
}

// Pilot is the capability that decides, per step, whether the graph
// executes. An action graph with no fired pilot is inactive for the step.
type Pilot interface {
	Action
	OnStep(step int64) bool
}

// Atomistic is the capability of actions that consume atom positions; they
// declare the atoms they need so the engine can issue one combined share
// request per step.
type Atomistic interface {
	Action
	RequestedAtoms() []int
}

// Valued is the capability of actions producing a scalar output consumable
// by other actions (the collective-variable capability).
type Valued interface {
	Action
	Value() *Value
}

// Biased is the capability of actions contributing bias energy; the engine
// sums the contributions of active biased actions into the step total.
type Biased interface {
	Action
	Bias() float64
}

// FileOpener is the suffix-aware file access the engine hands to actions
// that write output streams.
type FileOpener interface {
	OpenFile(path, mode string) (*os.File, error)
	CloseFile(f *os.File) error
}

// Input carries everything a constructor needs to build an action from one
// keyword line. The registry stays free of ambient state: atoms, logging
// and the stop hook arrive explicitly.
type Input struct {
	// Label is the unique label from the input line.
	Label string

	// Options gives typed access to the line's KEY=value fields and flags.
	Options *Options

	// Atoms is the shared store; nil in contexts without a system (parsing
	// for validation only).
	Atoms *atoms.Store

	// Resolve returns the already-registered action with the given label,
	// for ARG references. The returned action is borrowed, never owned.
	Resolve func(label string) (Action, error)

	// Files opens output files with the run's replica suffix fallback.
	Files FileOpener

	// Step returns the current step number; nil in contexts without a
	// running engine.
	Step func() int64

	// Log is the engine log stream.
	Log *telemetry.Logger

	// RequestStop asks the engine to stop at the next safe boundary.
	RequestStop func(code int)
}

// Constructor builds a concrete action from one parsed keyword line.
type Constructor func(in Input) (Action, error)
