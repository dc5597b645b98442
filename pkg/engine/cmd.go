package engine

import (
	"context"
	"fmt"

	"github.com/biasflow/biasflow/pkg/atoms"
)

// APIVersion is the version of the host command vocabulary. Hosts probe it
// with getApiVersion before relying on newer commands.
const APIVersion = 3

// Cmd is the single entry point MD hosts drive the engine through: a string
// key selects the operation and value carries its argument or receives its
// result. Unknown keys are rejected with an UNRECOGNIZED_COMMAND error, and
// after exit only getBias, getStep and getApiVersion remain valid.
//
// Slice-valued setters (setPositions, setForces, setVirial and friends) bind
// the host buffer rather than copying it where the protocol says so:
// setForces and setVirial register output buffers the engine accumulates
// into after the apply phase.
func (e *Engine) Cmd(key string, value any) error {
	if e.state == StateExited {
		switch key {
		case "getBias", "getStep", "getApiVersion":
		default:
			return NewCommandError(ErrCodeInvalidState,
				fmt.Sprintf("command %q after exit", key), nil)
		}
	}

	switch key {
	case "setNatoms":
		n, err := asInt(key, value)
		if err != nil {
			return err
		}
		return e.SetNatoms(n)

	case "setMDEngine":
		s, err := asString(key, value)
		if err != nil {
			return err
		}
		e.SetMDEngine(s)
		return nil

	case "setTimestep":
		f, err := asFloat(key, value)
		if err != nil {
			return err
		}
		e.SetTimestep(f)
		return nil

	case "setSuffix":
		s, err := asString(key, value)
		if err != nil {
			return err
		}
		e.SetSuffix(s)
		return nil

	case "init":
		return e.Init()

	case "read":
		path, err := asString(key, value)
		if err != nil {
			return err
		}
		return e.ReadInput(path)

	case "readInputLine":
		line, err := asString(key, value)
		if err != nil {
			return err
		}
		return e.ReadInputLine(line)

	case "load":
		path, err := asString(key, value)
		if err != nil {
			return err
		}
		if e.loader == nil {
			return NewCommandError(ErrCodeInvalidState, "no extension loader configured", nil)
		}
		return e.loader.Load(e.registry, []string{path}, e.suffix)

	case "setStep":
		n, err := asInt64(key, value)
		if err != nil {
			return err
		}
		return e.SetStep(n)

	case "setPositions":
		buf, err := e.atomBuffer(key, value, 3)
		if err != nil {
			return err
		}
		return wrapStoreErr(key, e.atoms.SetPositions(buf))

	case "setMasses":
		buf, err := e.atomBuffer(key, value, 1)
		if err != nil {
			return err
		}
		return wrapStoreErr(key, e.atoms.SetMasses(buf))

	case "setCharges":
		buf, err := e.atomBuffer(key, value, 1)
		if err != nil {
			return err
		}
		return wrapStoreErr(key, e.atoms.SetCharges(buf))

	case "setBox":
		buf, err := asFloatSlice(key, value)
		if err != nil {
			return err
		}
		if len(buf) != 9 {
			return NewCommandError(ErrCodeInvalidArgument,
				fmt.Sprintf("setBox wants 9 components, got %d", len(buf)), nil)
		}
		var b atoms.Box
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				b[r][c] = buf[3*r+c]
			}
		}
		e.atoms.SetBox(b)
		return nil

	case "setForces":
		buf, err := e.atomBuffer(key, value, 3)
		if err != nil {
			return err
		}
		return wrapStoreErr(key, e.atoms.BindHostForces(buf))

	case "setVirial":
		buf, err := asFloatSlice(key, value)
		if err != nil {
			return err
		}
		return wrapStoreErr(key, e.atoms.BindHostVirial(buf))

	case "setLocalAtoms":
		if err := e.requireInitialized(); err != nil {
			return err
		}
		idx, ok := value.([]int)
		if !ok {
			return NewCommandError(ErrCodeInvalidArgument,
				fmt.Sprintf("%s wants []int, got %T", key, value), nil)
		}
		return wrapStoreErr(key, e.atoms.SetLocalAtoms(idx))

	case "setLocalPositions":
		buf, err := asFloatSlice(key, value)
		if err != nil {
			return err
		}
		if err := e.requireInitialized(); err != nil {
			return err
		}
		return wrapStoreErr(key, e.atoms.SetLocalPositions(buf))

	case "prepareCalc":
		return e.PrepareCalc(context.Background())

	case "shareData":
		return e.ShareData(context.Background())

	case "waitData":
		return e.WaitData(context.Background())

	case "performCalc":
		return e.PerformCalc(context.Background())

	case "calc":
		return e.Calc(context.Background())

	case "getBias":
		out, ok := value.(*float64)
		if !ok {
			return NewCommandError(ErrCodeInvalidArgument,
				fmt.Sprintf("getBias wants *float64, got %T", value), nil)
		}
		*out = e.Bias()
		return nil

	case "getStep":
		out, ok := value.(*int64)
		if !ok {
			return NewCommandError(ErrCodeInvalidArgument,
				fmt.Sprintf("getStep wants *int64, got %T", value), nil)
		}
		*out = e.step
		return nil

	case "getApiVersion":
		out, ok := value.(*int)
		if !ok {
			return NewCommandError(ErrCodeInvalidArgument,
				fmt.Sprintf("getApiVersion wants *int, got %T", value), nil)
		}
		*out = APIVersion
		return nil

	case "exit":
		code := 0
		if value != nil {
			n, err := asInt(key, value)
			if err != nil {
				return err
			}
			code = n
		}
		e.Exit(code)
		return nil

	default:
		return NewCommandError(ErrCodeUnrecognizedCommand,
			fmt.Sprintf("unrecognized command %q", key), nil)
	}
}

// atomBuffer validates a per-atom float buffer command: the engine must be
// initialized and the length must be perAtom components per atom.
func (e *Engine) atomBuffer(key string, value any, perAtom int) ([]float64, error) {
	if err := e.requireInitialized(); err != nil {
		return nil, err
	}
	buf, err := asFloatSlice(key, value)
	if err != nil {
		return nil, err
	}
	if want := perAtom * e.natoms; len(buf) != want {
		return nil, NewCommandError(ErrCodeInvalidArgument,
			fmt.Sprintf("%s wants %d components, got %d", key, want, len(buf)), nil)
	}
	return buf, nil
}

func wrapStoreErr(key string, err error) error {
	if err == nil {
		return nil
	}
	return NewCommandError(ErrCodeInvalidArgument, key+" rejected", err)
}

func asInt(key string, value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	}
	return 0, NewCommandError(ErrCodeInvalidArgument,
		fmt.Sprintf("%s wants an integer, got %T", key, value), nil)
}

func asInt64(key string, value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	}
	return 0, NewCommandError(ErrCodeInvalidArgument,
		fmt.Sprintf("%s wants an integer, got %T", key, value), nil)
}

func asFloat(key string, value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	}
	return 0, NewCommandError(ErrCodeInvalidArgument,
		fmt.Sprintf("%s wants a float, got %T", key, value), nil)
}

func asString(key string, value any) (string, error) {
	if s, ok := value.(string); ok {
		return s, nil
	}
	return "", NewCommandError(ErrCodeInvalidArgument,
		fmt.Sprintf("%s wants a string, got %T", key, value), nil)
}

func asFloatSlice(key string, value any) ([]float64, error) {
	if s, ok := value.([]float64); ok {
		return s, nil
	}
	return nil, NewCommandError(ErrCodeInvalidArgument,
		fmt.Sprintf("%s wants []float64, got %T", key, value), nil)
}
