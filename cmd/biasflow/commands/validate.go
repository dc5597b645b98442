package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/biasflow/biasflow/pkg/driver"
	"github.com/biasflow/biasflow/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the run config and input script",
		Long: `Validate the run configuration and the action input script.

This command checks:
  - CUE syntax and schema conformance of the config
  - Script grammar, keywords, labels and argument references
  - Dependency graph consistency (unknown labels, cycles)
  - Policy compliance (OPA/rego)`,
		Example: `  # Validate the default config
  biasflow validate

  # Validate a specific config
  biasflow validate -c runs/alanine.cue`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}

			d, err := driver.New(cfg, nil)
			if err != nil {
				return err
			}
			e, pres, err := d.Validate(cmd.Context())
			if err != nil {
				return fmt.Errorf("script: %w", err)
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(map[string]any{
					"config":  configPath,
					"script":  cfg.Run.Script,
					"actions": e.ActionSet().Len(),
					"policy":  pres,
				})
			}

			fmt.Printf("Config:  %s OK\n", configPath)
			fmt.Printf("Script:  %s OK (%d actions)\n", cfg.Run.Script, e.ActionSet().Len())
			printPolicyResult(pres)
			if pres != nil && !pres.Allowed {
				return fmt.Errorf("policy checks failed")
			}
			return nil
		},
	}
	return cmd
}

func printPolicyResult(res *policy.Result) {
	if res == nil {
		fmt.Println("Policy:  skipped (disabled)")
		return
	}
	if res.Allowed && len(res.Violations) == 0 && len(res.Warnings) == 0 {
		fmt.Println("Policy:  OK")
		return
	}
	for _, v := range res.Violations {
		where := v.Policy
		if v.Label != "" {
			where = fmt.Sprintf("%s (%s, line %d)", v.Policy, v.Label, v.Line)
		}
		fmt.Printf("Policy:  [%s] %s: %s\n", v.Severity, where, v.Message)
	}
	for _, w := range res.Warnings {
		fmt.Printf("Policy:  warning: %s\n", w)
	}
	if !res.Allowed {
		fmt.Println("Policy:  BLOCKED")
	}
}
