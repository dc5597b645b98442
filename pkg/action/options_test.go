package action

import (
	"testing"
)

func newTestOptions(fields map[string]string, flags []string) *Options {
	return NewOptions("TEST", "t1", 3, "t1: TEST ...", fields, flags)
}

func TestOptions_Scalar_ParsesAndConsumes(t *testing.T) {
	o := newTestOptions(map[string]string{"KAPPA": "2.5"}, nil)

	v, err := o.Scalar("KAPPA")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if v != 2.5 {
		t.Errorf("Expected 2.5, got %v", v)
	}
	if left := o.Unconsumed(); len(left) != 0 {
		t.Errorf("Expected everything consumed, got %v", left)
	}
}

func TestOptions_Scalar_MissingAndMalformed(t *testing.T) {
	o := newTestOptions(map[string]string{"AT": "abc"}, nil)

	if _, err := o.Scalar("KAPPA"); err == nil {
		t.Error("Expected error for missing key")
	}
	if _, err := o.Scalar("AT"); err == nil {
		t.Error("Expected error for malformed number")
	}
}

func TestOptions_ScalarDefault_UsedWhenAbsent(t *testing.T) {
	o := newTestOptions(map[string]string{}, nil)

	v, err := o.ScalarDefault("SLOPE", 1.0)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if v != 1.0 {
		t.Errorf("Expected default 1.0, got %v", v)
	}
}

func TestOptions_AtomList_OneBasedSerials(t *testing.T) {
	o := newTestOptions(map[string]string{"ATOMS": "1,5, 9"}, nil)

	idx, err := o.AtomList("ATOMS")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	want := []int{0, 4, 8}
	for i, v := range want {
		if idx[i] != v {
			t.Errorf("Expected %v, got %v", want, idx)
			break
		}
	}
}

func TestOptions_AtomList_RejectsZeroSerial(t *testing.T) {
	o := newTestOptions(map[string]string{"ATOMS": "0,2"}, nil)

	if _, err := o.AtomList("ATOMS"); err == nil {
		t.Error("Expected error for 0 serial")
	}
}

func TestOptions_Labels_CommaSplit(t *testing.T) {
	o := newTestOptions(map[string]string{"ARG": "d1, d2,d3"}, nil)

	labels := o.Labels("ARG")
	if len(labels) != 3 || labels[0] != "d1" || labels[1] != "d2" || labels[2] != "d3" {
		t.Errorf("Expected [d1 d2 d3], got %v", labels)
	}
}

func TestOptions_Unconsumed_ReportsLeftovers(t *testing.T) {
	o := newTestOptions(map[string]string{"ARG": "d1", "BOGUS": "1"}, []string{"FATAL", "NOPE"})

	o.Labels("ARG")
	o.Flag("FATAL")

	left := o.Unconsumed()
	if len(left) != 2 || left[0] != "BOGUS" || left[1] != "NOPE" {
		t.Errorf("Expected [BOGUS NOPE], got %v", left)
	}
}

func TestRegistry_Register_DuplicateRejected(t *testing.T) {
	r := NewRegistry()
	ctor := func(in Input) (Action, error) { return nil, nil }

	if err := r.Register("FOO", ctor); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := r.Register("FOO", ctor); err == nil {
		t.Error("Expected duplicate registration error")
	}

	if _, ok := r.Lookup("FOO"); !ok {
		t.Error("Expected FOO to stay registered")
	}
	if _, ok := r.Lookup("BAR"); ok {
		t.Error("Did not expect BAR")
	}
}

func TestRegistry_Keywords_Sorted(t *testing.T) {
	r := NewRegistry()
	ctor := func(in Input) (Action, error) { return nil, nil }
	for _, k := range []string{"ZETA", "ALPHA", "MID"} {
		if err := r.Register(k, ctor); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}

	kw := r.Keywords()
	if len(kw) != 3 || kw[0] != "ALPHA" || kw[1] != "MID" || kw[2] != "ZETA" {
		t.Errorf("Expected sorted keywords, got %v", kw)
	}
}

func TestCore_AddDependency_Deduplicates(t *testing.T) {
	c := NewCore("x")
	c.AddDependency("a")
	c.AddDependency("b")
	c.AddDependency("a")

	deps := c.Dependencies()
	if len(deps) != 2 {
		t.Errorf("Expected 2 dependencies, got %v", deps)
	}
}

func TestValue_ForceAccumulator_TakeResets(t *testing.T) {
	v := NewValue(2)
	v.AddForce(1.5)
	v.AddForce(-0.5)

	if f := v.TakeForce(); f != 1.0 {
		t.Errorf("Expected 1.0, got %v", f)
	}
	if f := v.TakeForce(); f != 0 {
		t.Errorf("Expected accumulator reset, got %v", f)
	}
}

func TestValue_Validity(t *testing.T) {
	v := NewValue(0)
	if v.Valid() {
		t.Error("New value must be undefined")
	}
	v.Set(3.14)
	if !v.Valid() {
		t.Error("Expected valid after Set")
	}
	v.Invalidate()
	if v.Valid() {
		t.Error("Expected invalid after Invalidate")
	}
}
