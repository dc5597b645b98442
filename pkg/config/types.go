// Package config loads and validates driver-run configuration. Runs are
// described in CUE: the schema supplies defaults and range constraints, and
// a struct-tag validation pass catches what the schema cannot express.
package config

import (
	"fmt"

	"github.com/biasflow/biasflow/pkg/telemetry"
)

// Config is the full configuration of one driver run.
type Config struct {
	// Run describes the simulation input.
	Run RunConfig `json:"run" validate:"required"`

	// Telemetry tunes logging, metrics, tracing and events.
	Telemetry TelemetryConfig `json:"telemetry"`

	// Store configures run recording.
	Store StoreConfig `json:"store"`

	// Policy configures input-script policy checks.
	Policy PolicyConfig `json:"policy"`
}

// RunConfig describes the simulation input of one run.
type RunConfig struct {
	// Name identifies the run in logs, events and the store.
	Name string `json:"name" validate:"required"`

	// Script is the path of the action input script.
	Script string `json:"script" validate:"required"`

	// Trajectory is an optional XYZ trajectory to replay through the
	// engine; without it the driver expects positions from the host.
	Trajectory string `json:"trajectory,omitempty"`

	// Natoms is the number of atoms in the system.
	Natoms int `json:"natoms" validate:"gt=0"`

	// Timestep is the MD timestep in the host's time unit.
	Timestep float64 `json:"timestep" validate:"gt=0"`

	// Steps bounds the replay; 0 means the whole trajectory.
	Steps int64 `json:"steps" validate:"gte=0"`

	// MDEngine names the host code, for logs and output headers.
	MDEngine string `json:"mdEngine"`

	// Suffix is the replica suffix appended to file names on open
	// fallback in multi-replica runs.
	Suffix string `json:"suffix,omitempty"`
}

// TelemetryConfig is the run-file view of the telemetry stack; it maps onto
// the full telemetry.Config via Config.TelemetryConfig.
type TelemetryConfig struct {
	// Environment selects the preset: development or cluster.
	Environment string `json:"environment" validate:"omitempty,oneof=development cluster"`

	// LogLevel overrides the preset's level.
	LogLevel string `json:"logLevel" validate:"omitempty,oneof=trace debug info warn error fatal"`

	// LogFormat overrides the preset's format.
	LogFormat string `json:"logFormat" validate:"omitempty,oneof=console json"`

	// Metrics enables the prometheus endpoint.
	Metrics bool `json:"metrics"`

	// MetricsListen is the metrics endpoint address.
	MetricsListen string `json:"metricsListen,omitempty"`

	// Tracing enables step/phase spans.
	Tracing bool `json:"tracing"`

	// TracingEndpoint is the OTLP collector address; empty selects the
	// stdout exporter.
	TracingEndpoint string `json:"tracingEndpoint,omitempty"`

	// Events enables run-event publishing.
	Events bool `json:"events"`
}

// StoreConfig configures run recording.
type StoreConfig struct {
	// Enabled turns on recording of runs and step samples.
	Enabled bool `json:"enabled"`

	// Path is the SQLite database file.
	Path string `json:"path" validate:"required_if=Enabled true"`
}

// PolicyConfig configures input-script policy checks.
type PolicyConfig struct {
	// Enabled turns on policy evaluation before a run starts.
	Enabled bool `json:"enabled"`

	// Paths lists additional rego policy files loaded next to the
	// builtin rules.
	Paths []string `json:"paths,omitempty"`
}

// TelemetryConfig expands the run-file telemetry section into a full
// telemetry.Config, starting from the preset the environment selects.
func (c *Config) TelemetryConfig() *telemetry.Config {
	var cfg *telemetry.Config
	switch c.Telemetry.Environment {
	case "cluster":
		cfg = telemetry.ClusterConfig()
	default:
		cfg = telemetry.DevelopmentConfig()
	}

	if c.Telemetry.LogLevel != "" {
		cfg.Logging.Level = c.Telemetry.LogLevel
	}
	if c.Telemetry.LogFormat != "" {
		cfg.Logging.Format = c.Telemetry.LogFormat
	}
	cfg.Metrics.Enabled = c.Telemetry.Metrics
	if c.Telemetry.MetricsListen != "" {
		cfg.Metrics.ListenAddress = c.Telemetry.MetricsListen
	}
	cfg.Tracing.Enabled = c.Telemetry.Tracing
	if c.Telemetry.TracingEndpoint != "" {
		cfg.Tracing.Exporter = "otlp"
		cfg.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	}
	cfg.Events.Enabled = c.Telemetry.Events
	return cfg
}

// ValidationError is one schema or constraint violation, with its position
// in the source file when CUE can attribute one.
type ValidationError struct {
	File    string
	Line    int
	Column  int
	Path    string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// ValidationErrors aggregates violations from one parse.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (es ValidationErrors) Error() string {
	if len(es) == 1 {
		return es[0].Error()
	}
	return fmt.Sprintf("%s (and %d more)", es[0].Error(), len(es)-1)
}
