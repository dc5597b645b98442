package engine

import (
	"errors"
	"math"
	"testing"

	"github.com/biasflow/biasflow/pkg/builtin"
)

func cmdErrCode(t *testing.T, err error) string {
	t.Helper()
	var ee *EngineError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *EngineError, got %v", err)
	}
	return ee.Code
}

func TestCmd_FullDriverProtocol(t *testing.T) {
	e := New(Options{})
	if err := builtin.Register(e.Registry()); err != nil {
		t.Fatal(err)
	}

	var apiVersion int
	if err := e.Cmd("getApiVersion", &apiVersion); err != nil {
		t.Fatalf("getApiVersion: %v", err)
	}
	if apiVersion != APIVersion {
		t.Errorf("api version = %d, want %d", apiVersion, APIVersion)
	}

	steps := []struct {
		key string
		val any
	}{
		{"setMDEngine", "testmd"},
		{"setTimestep", 0.002},
		{"setNatoms", 2},
		{"init", nil},
		{"readInputLine", "d1: DISTANCE ATOMS=1,2"},
		{"readInputLine", "r1: RESTRAINT ARG=d1 AT=1.0 KAPPA=100"},
		{"readInputLine", "PRINT ARG=r1 STRIDE=1 FILE=" + t.TempDir() + "/out.dat"},
		{"setStep", int64(0)},
		{"setPositions", []float64{0, 0, 0, 2, 0, 0}},
		{"setMasses", []float64{1, 1}},
		{"setCharges", []float64{0, 0}},
		{"setBox", []float64{10, 0, 0, 0, 10, 0, 0, 0, 10}},
		{"setForces", make([]float64, 6)},
		{"setVirial", make([]float64, 9)},
		{"calc", nil},
	}
	for _, s := range steps {
		if err := e.Cmd(s.key, s.val); err != nil {
			t.Fatalf("Cmd(%q): %v", s.key, err)
		}
	}

	var bias float64
	if err := e.Cmd("getBias", &bias); err != nil {
		t.Fatalf("getBias: %v", err)
	}
	if math.Abs(bias-50) > 1e-9 {
		t.Errorf("bias = %g, want 50", bias)
	}

	var step int64
	if err := e.Cmd("getStep", &step); err != nil {
		t.Fatalf("getStep: %v", err)
	}
	if step != 0 {
		t.Errorf("step = %d, want 0", step)
	}
}

func TestCmd_UnrecognizedKey(t *testing.T) {
	e := New(Options{})
	err := e.Cmd("frobnicate", nil)
	if got := cmdErrCode(t, err); got != ErrCodeUnrecognizedCommand {
		t.Errorf("code = %s, want %s", got, ErrCodeUnrecognizedCommand)
	}
}

func TestCmd_WrongValueTypes(t *testing.T) {
	e := New(Options{})
	if err := e.Cmd("setNatoms", 2); err != nil {
		t.Fatal(err)
	}
	if err := e.Cmd("init", nil); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		key string
		val any
	}{
		{"setNatoms", "two"},
		{"setPositions", []int{1, 2, 3}},
		{"setTimestep", "fast"},
		{"getBias", 3.0}, // needs a pointer
		{"getStep", int64(0)},
		{"read", 42},
	}
	for _, tc := range cases {
		err := e.Cmd(tc.key, tc.val)
		if err == nil {
			t.Errorf("Cmd(%q, %T) should fail", tc.key, tc.val)
			continue
		}
		var ee *EngineError
		if !errors.As(err, &ee) || ee.Class != ErrorClassCommand {
			t.Errorf("Cmd(%q): error = %v, want command class", tc.key, err)
		}
	}
}

func TestCmd_BufferLengthValidation(t *testing.T) {
	e := New(Options{})
	if err := e.Cmd("setNatoms", 2); err != nil {
		t.Fatal(err)
	}
	if err := e.Cmd("init", nil); err != nil {
		t.Fatal(err)
	}

	if err := e.Cmd("setPositions", make([]float64, 5)); err == nil {
		t.Error("short position buffer should be rejected")
	}
	if err := e.Cmd("setBox", make([]float64, 3)); err == nil {
		t.Error("short box buffer should be rejected")
	}
	if err := e.Cmd("setVirial", make([]float64, 6)); err == nil {
		t.Error("short virial buffer should be rejected")
	}
}

func TestCmd_StepMustNotDecrease(t *testing.T) {
	e := New(Options{})
	if err := e.Cmd("setNatoms", 2); err != nil {
		t.Fatal(err)
	}
	if err := e.Cmd("init", nil); err != nil {
		t.Fatal(err)
	}
	if err := e.Cmd("setStep", int64(5)); err != nil {
		t.Fatal(err)
	}
	err := e.Cmd("setStep", int64(4))
	if got := cmdErrCode(t, err); got != ErrCodeInvalidArgument {
		t.Errorf("code = %s, want %s", got, ErrCodeInvalidArgument)
	}
}

func TestCmd_AfterExit_OnlyReadsAllowed(t *testing.T) {
	e := New(Options{})
	if err := e.Cmd("setNatoms", 2); err != nil {
		t.Fatal(err)
	}
	if err := e.Cmd("init", nil); err != nil {
		t.Fatal(err)
	}
	if err := e.Cmd("exit", 0); err != nil {
		t.Fatalf("exit: %v", err)
	}

	var bias float64
	if err := e.Cmd("getBias", &bias); err != nil {
		t.Errorf("getBias after exit: %v", err)
	}
	var step int64
	if err := e.Cmd("getStep", &step); err != nil {
		t.Errorf("getStep after exit: %v", err)
	}
	var v int
	if err := e.Cmd("getApiVersion", &v); err != nil {
		t.Errorf("getApiVersion after exit: %v", err)
	}

	for _, key := range []string{"calc", "setStep", "setPositions", "init", "read"} {
		err := e.Cmd(key, nil)
		if got := cmdErrCode(t, err); got != ErrCodeInvalidState {
			t.Errorf("Cmd(%q) after exit: code = %s, want %s", key, got, ErrCodeInvalidState)
		}
	}
}

func TestCmd_ExitIdempotent(t *testing.T) {
	e := New(Options{})
	calls := 0
	e.onExit = func(int) { calls++ }
	if err := e.Cmd("setNatoms", 2); err != nil {
		t.Fatal(err)
	}
	if err := e.Cmd("init", nil); err != nil {
		t.Fatal(err)
	}
	e.Exit(0)
	e.Exit(1)
	if calls != 1 {
		t.Errorf("onExit calls = %d, want 1", calls)
	}
	if e.ExitCode() != 0 {
		t.Errorf("exit code = %d, the first exit wins", e.ExitCode())
	}
}
