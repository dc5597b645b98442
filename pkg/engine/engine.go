package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/biasflow/biasflow/pkg/action"
	"github.com/biasflow/biasflow/pkg/atoms"
	"github.com/biasflow/biasflow/pkg/comm"
	"github.com/biasflow/biasflow/pkg/script"
	"github.com/biasflow/biasflow/pkg/telemetry"
)

// State is the lifecycle state of an Engine.
type State int

const (
	// StateConstructed is the state before Init.
	StateConstructed State = iota

	// StateInitialized means Init has run and steps may be driven.
	StateInitialized

	// StateExited is terminal; only documented read-only commands work.
	StateExited
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateInitialized:
		return "initialized"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Loader registers extension action types for LOAD directives. The
// extension package provides the standard implementation.
type Loader interface {
	Load(reg *action.Registry, words []string, suffix string) error
	Release() error
}

// Options configures a new Engine. Zero values get serviceable defaults:
// serial communicator, stderr logger, disabled metrics and tracing.
type Options struct {
	// Comm is the parallel process group; nil means a serial run.
	Comm comm.Communicator

	// Logger is the engine log stream.
	Logger *telemetry.Logger

	// Metrics collects run metrics; nil disables collection.
	Metrics *telemetry.Metrics

	// Tracer emits per-step spans; nil disables tracing.
	Tracer *telemetry.Tracer

	// Loader handles LOAD directives; nil disables extension loading.
	Loader Loader

	// OnExit is called once when the engine exits, with the exit code.
	OnExit func(code int)
}

// Engine is the top-level driver: it owns the Atoms store, the ActionSet
// and the action-type registry, holds a reference to the Communicator, and
// runs the per-step protocol prepare -> share -> wait -> calculate ->
// apply. One Engine drives one simulation.
type Engine struct {
	comm     comm.Communicator
	log      *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	loader   Loader
	onExit   func(code int)
	registry *action.Registry

	state       State
	initialized bool

	natoms int
	atoms  *atoms.Store
	set    *ActionSet
	graph  *Graph

	step       int64
	activeStep bool
	active     []action.Action
	calculated map[string]bool

	suffix    string
	mdEngine  string
	timestep  float64
	inputName string
	autoLabel int

	citations []string

	stopRequested bool
	stopCode      int
	exitCode      int
}

// New creates an engine in the constructed state. Action types must be
// registered (the builtin package does this for the standard set) before
// input is read.
func New(opts Options) *Engine {
	c := opts.Comm
	if c == nil {
		c = comm.NewSerial()
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewDefaultLogger()
	}
	return &Engine{
		comm:       c,
		log:        log.NewComponentLogger("engine"),
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		loader:     opts.Loader,
		onExit:     opts.OnExit,
		registry:   action.NewRegistry(),
		set:        NewActionSet(),
		calculated: make(map[string]bool),
	}
}

// Registry returns the action-type registry, for builtin and extension
// registration before parsing.
func (e *Engine) Registry() *action.Registry { return e.registry }

// ActionSet returns the set of actions parsed so far.
func (e *Engine) ActionSet() *ActionSet { return e.set }

// Atoms returns the atoms store, or nil before Init.
func (e *Engine) Atoms() *atoms.Store { return e.atoms }

// State returns the current lifecycle state.
func (e *Engine) State() State { return e.state }

// Step returns the current step number.
func (e *Engine) Step() int64 { return e.step }

// Bias returns the bias energy accumulated for the current step.
func (e *Engine) Bias() float64 {
	if e.atoms == nil {
		return 0
	}
	return e.atoms.Bias()
}

// Active reports whether any pilot fired on the current step.
func (e *Engine) Active() bool { return e.activeStep }

// ExitCode returns the code passed to Exit, once exited.
func (e *Engine) ExitCode() int { return e.exitCode }

// SetNatoms declares the system size. Must precede Init.
func (e *Engine) SetNatoms(n int) error {
	if e.state != StateConstructed {
		return NewCommandError(ErrCodeInvalidState, "setNatoms after init", nil)
	}
	if n <= 0 {
		return NewCommandError(ErrCodeInvalidArgument, fmt.Sprintf("atom count must be positive, got %d", n), nil)
	}
	e.natoms = n
	return nil
}

// SetMDEngine records the name of the host MD code, for the log.
func (e *Engine) SetMDEngine(name string) { e.mdEngine = name }

// SetTimestep records the host integration timestep.
func (e *Engine) SetTimestep(dt float64) { e.timestep = dt }

// SetSuffix sets the per-run file suffix used by multi-replica runs
// sharing a directory.
func (e *Engine) SetSuffix(s string) { e.suffix = s }

// Suffix returns the per-run file suffix.
func (e *Engine) Suffix() string { return e.suffix }

// SetStep sets the current step number. Steps must not decrease.
func (e *Engine) SetStep(n int64) error {
	if n < e.step {
		return NewCommandError(ErrCodeInvalidArgument,
			fmt.Sprintf("step must not decrease: %d after %d", n, e.step), nil)
	}
	e.step = n
	return nil
}

// Init transitions the engine to the initialized state, allocating the
// atoms store. A second call is a deliberate no-op so hosts with sloppy
// setup paths do not abort the run.
func (e *Engine) Init() error {
	if e.initialized {
		return nil
	}
	if e.state == StateExited {
		return NewCommandError(ErrCodeInvalidState, "init after exit", nil)
	}
	if e.natoms <= 0 {
		return NewCommandError(ErrCodeInvalidState, "init before setNatoms", nil)
	}
	store, err := atoms.NewStore(e.natoms)
	if err != nil {
		return NewCommandError(ErrCodeInvalidArgument, "allocating atom store", err)
	}
	e.atoms = store
	e.initialized = true
	e.state = StateInitialized
	e.log.WithField("natoms", e.natoms).WithField("md_engine", e.mdEngine).Info("engine initialized")
	return nil
}

// ReadInput parses an input script from a file, constructing and
// registering one action per keyword line, then builds the dependency
// graph. The file is opened with the replica-suffix fallback.
func (e *Engine) ReadInput(path string) error {
	f, err := e.OpenFile(path, "r")
	if err != nil {
		return NewConfigError(ErrCodeInvalidArgument, fmt.Sprintf("opening input %s", path), err)
	}
	defer e.CloseFile(f)
	e.inputName = path
	return e.ReadInputReader(f)
}

// ReadInputReader parses an input script from a reader. The engine must be
// initialized first: constructors capture the atoms store.
func (e *Engine) ReadInputReader(r io.Reader) error {
	if err := e.requireInitialized(); err != nil {
		return err
	}
	directives, err := script.Parse(r)
	if err != nil {
		var pe *script.ParseError
		if errors.As(err, &pe) {
			return NewConfigError(ErrCodeInvalidArgument, pe.Msg, nil).WithLine(pe.Line)
		}
		return NewConfigError(ErrCodeInvalidArgument, "parsing input", err)
	}
	for _, d := range directives {
		if err := e.addDirective(d); err != nil {
			e.log.WithError(err).Error("input loading failed")
			return err
		}
	}
	return e.rebuildGraph()
}

// ReadInputLine parses a single directive line supplied by the host and
// rebuilds the graph, so hosts can assemble input programmatically.
func (e *Engine) ReadInputLine(line string) error {
	if err := e.requireInitialized(); err != nil {
		return err
	}
	directives, err := script.Parse(strings.NewReader(line))
	if err != nil {
		return NewConfigError(ErrCodeInvalidArgument, "parsing input line", err)
	}
	for _, d := range directives {
		// Line numbering restarts for every host-supplied line, so
		// positional auto-labels are re-derived to stay unique against
		// labels already taken by file-parsed input.
		if strings.HasPrefix(d.Label, "@") {
			d.Label = e.nextAutoLabel()
		}
		if err := e.addDirective(d); err != nil {
			return err
		}
	}
	return e.rebuildGraph()
}

// nextAutoLabel returns the next free positional label.
func (e *Engine) nextAutoLabel() string {
	for {
		e.autoLabel++
		label := fmt.Sprintf("@%d", e.autoLabel)
		if _, err := e.set.Find(label); err != nil {
			return label
		}
	}
}

// addDirective constructs one action from a parsed directive.
func (e *Engine) addDirective(d script.Directive) error {
	if d.Keyword == "LOAD" {
		return e.loadDirective(d)
	}

	ctor, ok := e.registry.Lookup(d.Keyword)
	if !ok {
		return NewConfigError(ErrCodeUnknownAction,
			fmt.Sprintf("unknown action %s in %q", d.Keyword, d.Raw), nil).
			WithLine(d.Line)
	}

	opts := action.NewOptions(d.Keyword, d.Label, d.Line, d.Raw, d.Fields, d.Flags)
	in := action.Input{
		Label:       d.Label,
		Options:     opts,
		Atoms:       e.atoms,
		Resolve:     e.resolveArg,
		Files:       e,
		Step:        e.Step,
		Log:         e.log.WithAction(d.Label),
		RequestStop: e.RequestStop,
	}
	a, err := ctor(in)
	if err != nil {
		var ee *EngineError
		if errors.As(err, &ee) {
			return err
		}
		return NewConfigError(ErrCodeInvalidArgument, "constructing action", err).
			WithLabel(d.Label).WithLine(d.Line)
	}

	if left := opts.Unconsumed(); len(left) > 0 {
		return NewConfigError(ErrCodeUnconsumedKeyword,
			fmt.Sprintf("unrecognized keywords %v in %q", left, d.Raw), nil).
			WithLabel(d.Label).WithLine(d.Line)
	}

	if err := e.set.Add(a); err != nil {
		var ee *EngineError
		if errors.As(err, &ee) {
			ee.Line = d.Line
		}
		return err
	}
	e.log.WithAction(d.Label).WithField("keyword", d.Keyword).Debug("action registered")
	return nil
}

// loadDirective handles a LOAD line: it hands the module path to the
// extension loader, which registers the action types the module defines
// before parsing continues.
func (e *Engine) loadDirective(d script.Directive) error {
	if e.loader == nil {
		return NewConfigError(ErrCodeUnknownAction,
			"LOAD directive but no extension loader configured", nil).WithLine(d.Line)
	}
	file, ok := d.Fields["FILE"]
	if !ok {
		return NewConfigError(ErrCodeInvalidArgument, "LOAD requires FILE=", nil).WithLine(d.Line)
	}
	words := append([]string{file}, d.Flags...)
	if err := e.loader.Load(e.registry, words, e.suffix); err != nil {
		return NewConfigError(ErrCodeInvalidArgument,
			fmt.Sprintf("loading extension %s", file), err).WithLine(d.Line)
	}
	e.log.WithField("module", file).Info("extension loaded")
	return nil
}

// resolveArg finds an already-registered action by label, for ARG
// references during construction.
func (e *Engine) resolveArg(label string) (action.Action, error) {
	return e.set.Find(label)
}

// rebuildGraph revalidates dependencies and recomputes the topological
// order after input changes.
func (e *Engine) rebuildGraph() error {
	g, err := BuildGraph(e.set)
	if err != nil {
		e.log.WithError(err).Error("dependency graph rejected")
		return err
	}
	e.graph = g
	return nil
}

// Graph returns the dependency graph, or nil before input is read.
func (e *Engine) Graph() *Graph { return e.graph }

// Calc runs one full step: prepare, share, wait, perform. Hosts wanting to
// overlap their own communication call the phases individually instead.
func (e *Engine) Calc(ctx context.Context) error {
	if err := e.PrepareCalc(ctx); err != nil {
		return err
	}
	if err := e.ShareData(ctx); err != nil {
		return err
	}
	if err := e.WaitData(ctx); err != nil {
		return err
	}
	return e.PerformCalc(ctx)
}

// PrepareCalc runs the activation engine for the current step and issues
// one combined atom request for the active atomistic actions. It is split
// from PerformCalc so the host can overlap neighbor-list work with the
// requirement computation.
func (e *Engine) PrepareCalc(ctx context.Context) error {
	if err := e.requireInitialized(); err != nil {
		return err
	}
	ctx, span := e.tracer.StartPhaseSpan(ctx, "prepare", e.step)
	defer span.End()
	start := time.Now()

	e.active = e.graphOrEmpty().Activate(e.step)
	e.activeStep = len(e.active) > 0
	e.metrics.SetActiveActions(len(e.active))
	clear(e.calculated)

	e.atoms.ClearRequests()
	if e.activeStep {
		for _, a := range e.active {
			if err := a.Prepare(); err != nil {
				return NewConfigError(ErrCodeInvalidArgument, "prepare failed", err).
					WithLabel(a.Core().Label())
			}
		}
		for _, a := range e.active {
			at, ok := a.(action.Atomistic)
			if !ok {
				continue
			}
			if err := e.atoms.Request(at.RequestedAtoms()); err != nil {
				return NewConfigError(ErrCodeInvalidArgument, "atom request rejected", err).
					WithLabel(a.Core().Label())
			}
		}
	}

	e.metrics.ObservePhase("prepare", time.Since(start))
	return nil
}

// ShareData starts the collective gather of the requested atoms across the
// communicator group. Every rank must reach this call.
func (e *Engine) ShareData(ctx context.Context) error {
	if err := e.requireInitialized(); err != nil {
		return err
	}
	ctx, span := e.tracer.StartPhaseSpan(ctx, "share", e.step)
	defer span.End()
	_ = ctx
	start := time.Now()

	if err := e.atoms.Share(ctx, e.comm); err != nil {
		cerr := NewCommError("atom share failed", err)
		e.log.WithError(cerr).Error("fatal communication error")
		e.metrics.CountError(string(ErrorClassComm), ErrCodeCollectiveMismatch)
		return cerr
	}
	e.metrics.ObservePhase("share", time.Since(start))
	return nil
}

// WaitData blocks until the shared atom data for this step is available.
func (e *Engine) WaitData(ctx context.Context) error {
	if err := e.requireInitialized(); err != nil {
		return err
	}
	if !e.atoms.Shared() {
		return e.ShareData(ctx)
	}
	return nil
}

// PerformCalc executes the active actions: calculate in dependency order,
// apply in reverse order, then flushes forces to the host and honors any
// stop request at the safe boundary.
func (e *Engine) PerformCalc(ctx context.Context) error {
	if err := e.requireInitialized(); err != nil {
		return err
	}
	ctx, span := e.tracer.StartStepSpan(ctx, e.step)
	defer span.End()
	start := time.Now()

	if err := e.justCalculate(ctx); err != nil {
		return err
	}
	if err := e.justApply(ctx); err != nil {
		return err
	}

	e.atoms.FlushForces()
	e.metrics.ObserveStep(e.activeStep, time.Since(start))
	e.metrics.SetBias(e.atoms.Bias())

	if e.stopRequested {
		e.log.WithField("code", e.stopCode).Info("stop requested by action, exiting at step boundary")
		e.Exit(e.stopCode)
	}
	return nil
}

// justCalculate invokes Calculate on every active action in topological
// order, resetting the bias accumulator first and summing bias
// contributions. A domain error under the default policy marks the
// action's output undefined; dependents of an undefined value go undefined
// too instead of computing on garbage.
func (e *Engine) justCalculate(ctx context.Context) error {
	_, span := e.tracer.StartPhaseSpan(ctx, "calculate", e.step)
	defer span.End()

	e.atoms.ResetStep()
	if !e.activeStep {
		return nil
	}

	for _, a := range e.active {
		label := a.Core().Label()

		// A value producer with an undefined input would compute on
		// garbage; it goes undefined instead. Sinks like PRINT still run
		// and render the gap themselves.
		if !e.inputsDefined(a) {
			if _, ok := a.(action.Valued); ok {
				e.invalidateOutput(a)
				e.log.WithAction(label).Debug("skipped: undefined input value")
				continue
			}
		}

		if err := a.Calculate(); err != nil {
			var de *action.DomainError
			if errors.As(err, &de) && a.Core().Policy() == action.DomainIgnore {
				e.invalidateOutput(a)
				e.metrics.CountError(string(ErrorClassNumeric), ErrCodeDomain)
				e.log.WithAction(label).WithError(err).Debug("output undefined for step")
				continue
			}
			ferr := NewNumericError(ErrCodeDomain, "calculate failed", err).WithLabel(label)
			if errors.As(err, &de) {
				// Escalated by the action's FATAL policy.
				ferr.Class = ErrorClassConfig
			}
			e.log.WithError(ferr).Error("fatal calculation error")
			return ferr
		}
		e.calculated[label] = true

		if b, ok := a.(action.Biased); ok {
			e.atoms.AddBias(b.Bias())
		}
	}
	return nil
}

// justApply invokes Apply on the active actions in reverse topological
// order, so each action's derivative contributions are in place before its
// dependencies propagate them toward the atoms.
func (e *Engine) justApply(ctx context.Context) error {
	_, span := e.tracer.StartPhaseSpan(ctx, "apply", e.step)
	defer span.End()

	if !e.activeStep {
		return nil
	}
	for i := len(e.active) - 1; i >= 0; i-- {
		a := e.active[i]
		label := a.Core().Label()
		if !e.calculated[label] {
			continue
		}
		if err := a.Apply(); err != nil {
			ferr := NewNumericError(ErrCodeDomain, "apply failed", err).WithLabel(label)
			ferr.Class = ErrorClassConfig
			e.log.WithError(ferr).Error("fatal apply error")
			return ferr
		}
	}
	return nil
}

// inputsDefined reports whether every value-producing dependency of a has
// a defined output this step.
func (e *Engine) inputsDefined(a action.Action) bool {
	for _, dep := range a.Core().Dependencies() {
		d, err := e.set.Find(dep)
		if err != nil {
			return false
		}
		if v, ok := d.(action.Valued); ok {
			if !e.calculated[dep] || !v.Value().Valid() {
				return false
			}
		}
	}
	return true
}

// invalidateOutput marks a value-producing action's output undefined.
func (e *Engine) invalidateOutput(a action.Action) {
	if v, ok := a.(action.Valued); ok {
		v.Value().Invalidate()
	}
}

// RequestStop asks the engine to exit with code at the next safe boundary,
// after the current step's apply phase completes.
func (e *Engine) RequestStop(code int) {
	e.stopRequested = true
	e.stopCode = code
}

// Exit flushes telemetry, releases loaded extensions and moves the engine
// to the terminal state. Only documented read-only commands are valid
// afterwards.
func (e *Engine) Exit(code int) {
	if e.state == StateExited {
		return
	}
	for i, c := range e.citations {
		e.log.WithField("ref", i+1).Info("citation: " + c)
	}
	if e.loader != nil {
		if err := e.loader.Release(); err != nil {
			e.log.WithError(err).Warn("releasing extensions")
		}
	}
	if e.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = e.tracer.Shutdown(ctx)
		cancel()
	}
	e.exitCode = code
	e.state = StateExited
	e.log.WithField("code", code).Info("engine exited")
	if e.onExit != nil {
		e.onExit(code)
	}
}

// Cite records a citation and returns its reference tag, e.g. "[3]".
func (e *Engine) Cite(ref string) string {
	e.citations = append(e.citations, ref)
	return fmt.Sprintf("[%d]", len(e.citations))
}

// OpenFile opens a file, retrying once with the run suffix appended when
// the first attempt fails. The retry lets multiple replica runs share one
// directory with per-replica inputs and outputs.
func (e *Engine) OpenFile(path, mode string) (*os.File, error) {
	open := func(p string) (*os.File, error) {
		switch mode {
		case "r":
			return os.Open(p)
		case "w":
			return os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		case "a":
			return os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		default:
			return nil, fmt.Errorf("unsupported file mode %q", mode)
		}
	}
	f, err := open(path)
	if err != nil && e.suffix != "" {
		if f2, err2 := open(path + "." + e.suffix); err2 == nil {
			return f2, nil
		}
	}
	return f, err
}

// CloseFile closes a file opened with OpenFile.
func (e *Engine) CloseFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Close()
}

// requireInitialized guards the per-step entry points.
func (e *Engine) requireInitialized() error {
	switch e.state {
	case StateInitialized:
		return nil
	case StateExited:
		return NewCommandError(ErrCodeInvalidState, "engine has exited", nil)
	default:
		return NewCommandError(ErrCodeInvalidState, "engine not initialized", nil)
	}
}

// graphOrEmpty returns the dependency graph, building an empty one when no
// input has been read so an inputless run is a clean pass-through.
func (e *Engine) graphOrEmpty() *Graph {
	if e.graph == nil {
		g, _ := BuildGraph(e.set)
		e.graph = g
	}
	return e.graph
}
