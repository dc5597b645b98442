package engine

import (
	"errors"
	"testing"

	"github.com/biasflow/biasflow/pkg/action"
)

// stubAction is a minimal action for set and graph tests. It can act as a
// pilot with a configurable stride and records calculate/apply order into
// a shared trace.
type stubAction struct {
	core   action.Core
	stride int64
	trace  *[]string
}

func newStub(label string, deps ...string) *stubAction {
	s := &stubAction{core: action.NewCore(label)}
	for _, d := range deps {
		s.core.AddDependency(d)
	}
	return s
}

func (s *stubAction) Core() *action.Core { return &s.core }
func (s *stubAction) Prepare() error     { return nil }

func (s *stubAction) Calculate() error {
	if s.trace != nil {
		*s.trace = append(*s.trace, "calc:"+s.core.Label())
	}
	return nil
}

func (s *stubAction) Apply() error {
	if s.trace != nil {
		*s.trace = append(*s.trace, "apply:"+s.core.Label())
	}
	return nil
}

// stubPilot fires every stride steps.
type stubPilot struct {
	stubAction
}

func newStubPilot(label string, stride int64, deps ...string) *stubPilot {
	p := &stubPilot{stubAction: *newStub(label, deps...)}
	p.stride = stride
	return p
}

func (p *stubPilot) OnStep(step int64) bool { return step%p.stride == 0 }

func TestActionSet_AddAndFind(t *testing.T) {
	set := NewActionSet()

	a := newStub("d1")
	if err := set.Add(a); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if a.Core().Order() != 0 {
		t.Errorf("order = %d, want 0", a.Core().Order())
	}

	got, err := set.Find("d1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got != action.Action(a) {
		t.Error("Find returned a different action")
	}
}

func TestActionSet_DuplicateLabel(t *testing.T) {
	set := NewActionSet()
	if err := set.Add(newStub("d1")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	err := set.Add(newStub("d1"))
	if err == nil {
		t.Fatal("expected duplicate label error")
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != ErrCodeDuplicateLabel {
		t.Errorf("error = %v, want code %s", err, ErrCodeDuplicateLabel)
	}
	if set.Len() != 1 {
		t.Errorf("set length = %d after rejected add, want 1", set.Len())
	}
}

func TestActionSet_FindMissing(t *testing.T) {
	set := NewActionSet()
	_, err := set.Find("nope")
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != ErrCodeNotFound {
		t.Errorf("error = %v, want code %s", err, ErrCodeNotFound)
	}
}

func TestActionSet_CapabilitySelection(t *testing.T) {
	set := NewActionSet()
	if err := set.Add(newStub("a")); err != nil {
		t.Fatal(err)
	}
	if err := set.Add(newStubPilot("p", 1)); err != nil {
		t.Fatal(err)
	}
	if err := set.Add(newStub("b")); err != nil {
		t.Fatal(err)
	}

	var pilots []string
	for p := range set.Pilots() {
		pilots = append(pilots, p.Core().Label())
	}
	if len(pilots) != 1 || pilots[0] != "p" {
		t.Errorf("pilots = %v, want [p]", pilots)
	}

	var all []string
	for a := range set.All() {
		all = append(all, a.Core().Label())
	}
	want := []string{"a", "p", "b"}
	for i, l := range want {
		if all[i] != l {
			t.Fatalf("insertion order = %v, want %v", all, want)
		}
	}
}
