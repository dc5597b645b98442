package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/biasflow/biasflow/pkg/driver"
	"github.com/biasflow/biasflow/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		trajectory string
		steps      int64
		suffix     string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replay a trajectory through the engine",
		Long: `Run the configured input script against a trajectory.

Each frame becomes one engine step: positions are shared, active actions
compute their values and bias, and forces are accumulated the way an
embedding MD code would receive them. With recording enabled the run and
its per-step samples land in the SQLite store.`,
		Example: `  # Run with the config's trajectory
  biasflow run

  # Override the trajectory and bound the replay
  biasflow run --trajectory traj.xyz --steps 1000

  # Replica run: inputs fall back to name.SUFFIX
  biasflow run --suffix 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if trajectory != "" {
				cfg.Run.Trajectory = trajectory
			}
			if cmd.Flags().Changed("steps") {
				cfg.Run.Steps = steps
			}
			if suffix != "" {
				cfg.Run.Suffix = suffix
			}

			tel, err := telemetry.NewTelemetry(cfg.TelemetryConfig())
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(ctx); err != nil {
					log.Warn().Err(err).Msg("telemetry shutdown")
				}
			}()
			if cfg.Telemetry.Metrics {
				if err := tel.StartMetricsServer(); err != nil {
					return err
				}
			}

			d, err := driver.New(cfg, tel)
			if err != nil {
				return err
			}
			res, err := d.Run(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(res)
			}
			fmt.Printf("Run %s finished: %d steps, exit code %d\n", cfg.Run.Name, res.Steps, res.ExitCode)
			if res.Stopped {
				fmt.Println("Stopped early by an action.")
			}
			if res.RunID != "" {
				fmt.Printf("Recorded as run %s\n", res.RunID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&trajectory, "trajectory", "", "trajectory file (overrides config)")
	cmd.Flags().Int64Var(&steps, "steps", 0, "maximum steps to replay (overrides config)")
	cmd.Flags().StringVar(&suffix, "suffix", "", "replica file suffix (overrides config)")

	return cmd
}
