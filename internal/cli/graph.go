package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/factorywatch/internal/orchestrator"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the stage graph in Graphviz DOT format",
	Long: `Print the stage graph with its gates. Pipe it to "dot -Tsvg" to render.
The confidence gate is read from the loaded configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		g := orchestrator.DefaultGraph(cfg.Pipeline.ConfidenceGate)
		if err := g.Validate(); err != nil {
			return err
		}
		dot, err := g.DOT()
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), dot)
		return nil
	},
}

