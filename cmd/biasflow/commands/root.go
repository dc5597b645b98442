package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/biasflow/biasflow/pkg/config"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "biasflow",
		Short: "BiasFlow - Free Energy and Enhanced Sampling Engine",
		Long: `BiasFlow computes collective variables and bias potentials along
molecular dynamics trajectories.

Features:
  - Typed run configs via CUE
  - Collective variables, restraints and walls with analytic forces
  - Extension actions via Starlark scripts and WASM modules
  - Policy checks on input scripts (OPA/rego)
  - Run and step recording to SQLite`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "biasflow.cue", "run config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newPoliciesCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newDevCommand())

	return rootCmd
}

// loadConfig parses the configured run file; the --verbose flag forces the
// log level down to debug regardless of what the file says.
func loadConfig() (*config.Config, error) {
	parser, err := config.NewParser()
	if err != nil {
		return nil, err
	}
	cfg, err := parser.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.LogLevel = "debug"
	}
	return cfg, nil
}
