package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/biasflow/biasflow/pkg/driver"
)

func newGraphCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Render the action dependency graph",
		Long: `Parse the input script and render its action dependency graph in
Graphviz DOT format. Pilots, the actions that decide whether a step is
active, are drawn as doubled boxes.`,
		Example: `  # Print the graph
  biasflow graph

  # Render to an image via graphviz
  biasflow graph -o actions.dot && dot -Tsvg actions.dot -o actions.svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// Policy gating is validate's job; graph should render even
			// for a script a site rule would block.
			cfg.Policy.Enabled = false

			d, err := driver.New(cfg, nil)
			if err != nil {
				return err
			}
			e, _, err := d.Validate(cmd.Context())
			if err != nil {
				return err
			}

			dot := e.Graph().ToDOT()
			if output == "" {
				fmt.Print(dot)
				return nil
			}
			return os.WriteFile(output, []byte(dot), 0o644)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write DOT to a file instead of stdout")

	return cmd
}
