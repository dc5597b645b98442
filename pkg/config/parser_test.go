package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestParser(t *testing.T) *Parser {
	t.Helper()
	p, err := NewParser()
	if err != nil {
		t.Fatalf("NewParser: %v", err)
	}
	return p
}

const minimalConfig = `
run: {
	name:   "alanine"
	script: "plumed.dat"
	natoms: 22
}
`

func TestParser_MinimalConfigGetsDefaults(t *testing.T) {
	p := newTestParser(t)

	cfg, err := p.ParseInline(minimalConfig)
	if err != nil {
		t.Fatalf("ParseInline: %v", err)
	}

	if cfg.Run.Name != "alanine" || cfg.Run.Script != "plumed.dat" || cfg.Run.Natoms != 22 {
		t.Errorf("run = %+v", cfg.Run)
	}
	if cfg.Run.Timestep != 0.001 {
		t.Errorf("timestep default = %g, want 0.001", cfg.Run.Timestep)
	}
	if cfg.Run.MDEngine != "driver" {
		t.Errorf("mdEngine default = %q, want driver", cfg.Run.MDEngine)
	}
	if cfg.Store.Enabled {
		t.Error("store should default to disabled")
	}
	if cfg.Store.Path != "biasflow.db" {
		t.Errorf("store path default = %q", cfg.Store.Path)
	}
	if !cfg.Policy.Enabled {
		t.Error("policy checks should default to enabled")
	}
	if cfg.Telemetry.Environment != "development" {
		t.Errorf("environment default = %q", cfg.Telemetry.Environment)
	}
}

func TestParser_FullConfig(t *testing.T) {
	p := newTestParser(t)

	cfg, err := p.ParseInline(`
run: {
	name:       "meta"
	script:     "bias.dat"
	trajectory: "traj.xyz"
	natoms:     128
	timestep:   0.002
	steps:      5000
	mdEngine:   "gromacs"
	suffix:     "0"
}
telemetry: {
	environment:   "cluster"
	logLevel:      "warn"
	metrics:       true
	metricsListen: ":9191"
}
store: {
	enabled: true
	path:    "runs.db"
}
policy: {
	enabled: false
}
`)
	if err != nil {
		t.Fatalf("ParseInline: %v", err)
	}

	if cfg.Run.Trajectory != "traj.xyz" || cfg.Run.Steps != 5000 || cfg.Run.Suffix != "0" {
		t.Errorf("run = %+v", cfg.Run)
	}
	if !cfg.Store.Enabled || cfg.Store.Path != "runs.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Policy.Enabled {
		t.Error("policy should be disabled")
	}

	tc := cfg.TelemetryConfig()
	if tc.Environment != "cluster" {
		t.Errorf("environment = %q", tc.Environment)
	}
	if tc.Logging.Level != "warn" {
		t.Errorf("log level = %q, want the override", tc.Logging.Level)
	}
	if !tc.Metrics.Enabled || tc.Metrics.ListenAddress != ":9191" {
		t.Errorf("metrics = %+v", tc.Metrics)
	}
}

func TestParser_TelemetryOTLPSelection(t *testing.T) {
	p := newTestParser(t)

	cfg, err := p.ParseInline(minimalConfig + `
telemetry: {
	tracing:         true
	tracingEndpoint: "collector:4317"
}
`)
	if err != nil {
		t.Fatalf("ParseInline: %v", err)
	}

	tc := cfg.TelemetryConfig()
	if !tc.Tracing.Enabled || tc.Tracing.Exporter != "otlp" || tc.Tracing.Endpoint != "collector:4317" {
		t.Errorf("tracing = %+v", tc.Tracing)
	}
}

func TestParser_Rejections(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{
			name: "missing script",
			content: `
run: {
	name:   "x"
	natoms: 2
}
`,
			want: "script",
		},
		{
			name: "non-positive natoms",
			content: `
run: {
	name:   "x"
	script: "in.dat"
	natoms: 0
}
`,
			want: "natoms",
		},
		{
			name: "unknown field",
			content: minimalConfig + `
run: atoms: 5
`,
			want: "atoms",
		},
		{
			name: "bad log level",
			content: minimalConfig + `
telemetry: logLevel: "loud"
`,
			want: "logLevel",
		},
	}

	p := newTestParser(t)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.ParseInline(tc.content)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestParser_LoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.cue")
	if err := os.WriteFile(path, []byte(minimalConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	p := newTestParser(t)
	cfg, err := p.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Run.Name != "alanine" {
		t.Errorf("run name = %q", cfg.Run.Name)
	}

	if _, err := p.Load(filepath.Join(dir, "missing.cue")); err == nil {
		t.Error("missing file should error")
	}
}
