package engine

import (
	"fmt"
	"iter"

	"github.com/biasflow/biasflow/pkg/action"
)

// ActionSet is the insertion-ordered registry owning every action of one
// run. Insertion order is declaration order in the input script and the
// tie-break for execution ordering. The set is append-only: actions are
// added during input parsing and never removed while the run lives.
type ActionSet struct {
	ordered []action.Action
	byLabel map[string]int
}

// NewActionSet creates an empty action set.
func NewActionSet() *ActionSet {
	return &ActionSet{byLabel: make(map[string]int)}
}

// Len returns the number of actions in the set.
func (s *ActionSet) Len() int { return len(s.ordered) }

// Add appends an action, assigning its registration order. Duplicate labels
// are a configuration error and leave the set unchanged.
func (s *ActionSet) Add(a action.Action) error {
	label := a.Core().Label()
	if _, exists := s.byLabel[label]; exists {
		return NewConfigError(ErrCodeDuplicateLabel,
			fmt.Sprintf("label %s already in use", label), nil).WithLabel(label)
	}
	a.Core().SetOrder(len(s.ordered))
	s.byLabel[label] = len(s.ordered)
	s.ordered = append(s.ordered, a)
	return nil
}

// Find returns the action with the given label.
func (s *ActionSet) Find(label string) (action.Action, error) {
	i, ok := s.byLabel[label]
	if !ok {
		return nil, NewConfigError(ErrCodeNotFound,
			fmt.Sprintf("no action with label %s", label), nil).WithLabel(label)
	}
	return s.ordered[i], nil
}

// All iterates over every action in insertion order.
func (s *ActionSet) All() iter.Seq[action.Action] {
	return func(yield func(action.Action) bool) {
		for _, a := range s.ordered {
			if !yield(a) {
				return
			}
		}
	}
}

// Pilots iterates over the pilot actions in insertion order.
func (s *ActionSet) Pilots() iter.Seq[action.Pilot] {
	return selectCapability[action.Pilot](s)
}

// Atomistic iterates over the atom-consuming actions in insertion order.
func (s *ActionSet) Atomistic() iter.Seq[action.Atomistic] {
	return selectCapability[action.Atomistic](s)
}

// Valued iterates over the value-producing actions in insertion order.
func (s *ActionSet) Valued() iter.Seq[action.Valued] {
	return selectCapability[action.Valued](s)
}

// Biased iterates over the bias-contributing actions in insertion order.
func (s *ActionSet) Biased() iter.Seq[action.Biased] {
	return selectCapability[action.Biased](s)
}

// selectCapability yields the actions implementing capability C, lazily and
// in insertion order. The sequence is restartable and finite.
func selectCapability[C any](s *ActionSet) iter.Seq[C] {
	return func(yield func(C) bool) {
		for _, a := range s.ordered {
			if c, ok := a.(C); ok {
				if !yield(c) {
					return
				}
			}
		}
	}
}
