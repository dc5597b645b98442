// Package driver replays a trajectory through the engine: it owns the glue
// between configuration, policy checks, run recording and the per-step
// protocol that an embedding MD code would otherwise drive.
package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/biasflow/biasflow/pkg/builtin"
	"github.com/biasflow/biasflow/pkg/config"
	"github.com/biasflow/biasflow/pkg/engine"
	"github.com/biasflow/biasflow/pkg/extension"
	"github.com/biasflow/biasflow/pkg/policy"
	"github.com/biasflow/biasflow/pkg/script"
	"github.com/biasflow/biasflow/pkg/stores"
	"github.com/biasflow/biasflow/pkg/telemetry"
)

// ErrPolicyBlocked reports that policy violations stopped the run before
// the first step.
var ErrPolicyBlocked = errors.New("input script blocked by policy")

// Driver runs one configured replay.
type Driver struct {
	cfg *config.Config
	tel *telemetry.Telemetry
}

// Result summarizes a finished run.
type Result struct {
	// RunID is the store identifier; empty when recording is off.
	RunID string

	// Steps is the number of frames driven through the engine.
	Steps int64

	// ExitCode is the engine's exit code.
	ExitCode int

	// Stopped reports that an action ended the run before the
	// trajectory was exhausted.
	Stopped bool
}

// New creates a driver for one run.
func New(cfg *config.Config, tel *telemetry.Telemetry) (*Driver, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if tel == nil {
		var err error
		tel, err = telemetry.NewTelemetry(cfg.TelemetryConfig())
		if err != nil {
			return nil, fmt.Errorf("building telemetry: %w", err)
		}
	}
	return &Driver{cfg: cfg, tel: tel}, nil
}

// CheckPolicies parses the script and evaluates the configured policies
// against it. The natoms bound comes from the run configuration.
func (d *Driver) CheckPolicies(ctx context.Context) (*policy.Result, error) {
	content, err := os.ReadFile(d.cfg.Run.Script)
	if err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	directives, err := script.Parse(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parsing script: %w", err)
	}

	pe, err := policy.NewEngine(d.tel.Logger)
	if err != nil {
		return nil, err
	}
	if len(d.cfg.Policy.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, d.cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}
	return pe.Evaluate(ctx, policy.InputFromDirectives(directives, d.cfg.Run.Natoms))
}

// Run replays the configured trajectory through the engine.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	log := d.tel.Logger.NewComponentLogger("driver").WithField("run", d.cfg.Run.Name)
	if d.cfg.Run.Trajectory == "" {
		return nil, fmt.Errorf("run %s: a trajectory is required to drive the engine", d.cfg.Run.Name)
	}

	if d.cfg.Policy.Enabled {
		res, err := d.CheckPolicies(ctx)
		if err != nil {
			return nil, err
		}
		for _, v := range res.Violations {
			log.WithField("policy", v.Policy).WithField("label", v.Label).Warn(v.Message)
		}
		if !res.Allowed {
			for _, v := range res.Violations {
				d.tel.Events.PublishPolicyViolation(d.cfg.Run.Name, v.Label, v.Policy, v.Message)
			}
			return nil, fmt.Errorf("%w: %d violations", ErrPolicyBlocked, len(res.Violations))
		}
	}

	e := engine.New(engine.Options{
		Logger:  d.tel.Logger,
		Metrics: d.tel.Metrics,
		Tracer:  d.tel.Tracer,
		Loader:  extension.NewLoader(d.tel.Logger, d.tel.Metrics),
	})
	if err := builtin.Register(e.Registry()); err != nil {
		return nil, err
	}
	if err := e.SetNatoms(d.cfg.Run.Natoms); err != nil {
		return nil, err
	}
	e.SetMDEngine(d.cfg.Run.MDEngine)
	e.SetTimestep(d.cfg.Run.Timestep)
	e.SetSuffix(d.cfg.Run.Suffix)
	if err := e.Init(); err != nil {
		return nil, err
	}
	if err := e.ReadInput(d.cfg.Run.Script); err != nil {
		return nil, err
	}

	var store *stores.SQLiteStore
	var run *stores.Run
	if d.cfg.Store.Enabled {
		var err error
		store, err = stores.NewSQLiteStore(stores.Config{Path: d.cfg.Store.Path})
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		defer store.Close()

		run = stores.NewRun(d.cfg.Run.Name, d.cfg.Run.Script, d.cfg.Run.MDEngine,
			d.cfg.Run.Natoms, d.cfg.Run.Timestep)
		if err := store.CreateRun(ctx, run); err != nil {
			return nil, err
		}
	}

	result, err := d.replay(ctx, e, store, run, log)
	if store != nil && run != nil {
		d.finishRecord(ctx, store, run, result, err)
	}
	if err != nil {
		d.tel.Events.PublishRunFailed(d.runID(run), err.Error())
		return result, err
	}
	return result, nil
}

func (d *Driver) runID(run *stores.Run) string {
	if run != nil {
		return run.ID
	}
	return d.cfg.Run.Name
}

func (d *Driver) replay(ctx context.Context, e *engine.Engine, store *stores.SQLiteStore, run *stores.Run, log *telemetry.Logger) (*Result, error) {
	traj, err := os.Open(d.cfg.Run.Trajectory)
	if err != nil {
		return nil, fmt.Errorf("opening trajectory: %w", err)
	}
	defer traj.Close()

	runID := d.runID(run)
	d.tel.Events.PublishRunStarted(runID, d.cfg.Run.Script, d.cfg.Run.Natoms)
	start := time.Now()

	result := &Result{RunID: runID}
	reader := NewXYZReader(traj)
	for step := int64(0); ; step++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if d.cfg.Run.Steps > 0 && step >= d.cfg.Run.Steps {
			break
		}

		frame, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, fmt.Errorf("trajectory frame %d: %w", step, err)
		}
		if frame.Natoms != d.cfg.Run.Natoms {
			return result, fmt.Errorf("trajectory frame %d has %d atoms, run is configured for %d",
				step, frame.Natoms, d.cfg.Run.Natoms)
		}

		if err := e.SetStep(step); err != nil {
			return result, err
		}
		if err := e.Atoms().SetPositions(frame.Positions); err != nil {
			return result, err
		}
		if err := e.Calc(ctx); err != nil {
			return result, err
		}
		result.Steps = step + 1

		d.tel.Events.PublishStepComputed(runID, step, e.Bias(), e.ActionSet().Len())
		if store != nil {
			sample := &stores.StepSample{
				RunID:      runID,
				Step:       step,
				Bias:       e.Bias(),
				Active:     e.Active(),
				Outputs:    marshalOutputs(e),
				RecordedAt: time.Now().UTC(),
			}
			if err := store.RecordStep(ctx, sample); err != nil {
				return result, err
			}
		}

		if e.State() == engine.StateExited {
			result.Stopped = true
			result.ExitCode = e.ExitCode()
			log.WithStep(step).WithField("code", result.ExitCode).Info("run stopped by action")
			break
		}
	}

	if e.State() != engine.StateExited {
		e.Exit(0)
		result.ExitCode = e.ExitCode()
	}
	d.tel.Events.PublishRunCompleted(runID, result.Steps, time.Since(start))
	log.WithField("steps", result.Steps).Info("replay finished")
	return result, nil
}

func (d *Driver) finishRecord(ctx context.Context, store *stores.SQLiteStore, run *stores.Run, result *Result, runErr error) {
	status := stores.RunStatusCompleted
	var errMsg *string
	exitCode := 0
	switch {
	case runErr != nil:
		status = stores.RunStatusFailed
		msg := runErr.Error()
		errMsg = &msg
		exitCode = 1
	case result != nil && result.Stopped:
		status = stores.RunStatusStopped
		exitCode = result.ExitCode
	case result != nil:
		exitCode = result.ExitCode
	}
	if err := store.FinishRun(ctx, run.ID, status, exitCode, errMsg); err != nil {
		d.tel.Logger.WithError(err).Error("recording run completion failed")
	}
}

// marshalOutputs snapshots the defined scalar outputs as a JSON object.
// Undefined values are left out rather than encoded as NaN, which JSON
// cannot carry.
func marshalOutputs(e *engine.Engine) string {
	out := make(map[string]float64)
	for v := range e.ActionSet().Valued() {
		if !strings.HasPrefix(v.Core().Label(), "@") && v.Value().Valid() {
			out[v.Core().Label()] = v.Value().Get()
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Validate parses the script, builds the graph and runs policy checks
// without stepping the engine. It returns the constructed engine so
// callers can render the dependency graph.
func (d *Driver) Validate(ctx context.Context) (*engine.Engine, *policy.Result, error) {
	var pres *policy.Result
	if d.cfg.Policy.Enabled {
		var err error
		pres, err = d.CheckPolicies(ctx)
		if err != nil {
			return nil, nil, err
		}
	}

	e := engine.New(engine.Options{
		Logger: d.tel.Logger,
		Loader: extension.NewLoader(d.tel.Logger, nil),
	})
	if err := builtin.Register(e.Registry()); err != nil {
		return nil, pres, err
	}
	if err := e.SetNatoms(d.cfg.Run.Natoms); err != nil {
		return nil, pres, err
	}
	e.SetSuffix(d.cfg.Run.Suffix)
	if err := e.Init(); err != nil {
		return nil, pres, err
	}
	if err := e.ReadInput(d.cfg.Run.Script); err != nil {
		return nil, pres, err
	}
	return e, pres, nil
}
