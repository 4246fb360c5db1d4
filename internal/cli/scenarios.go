package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/factorywatch/internal/catalog"
)

var scenariosCmd = &cobra.Command{
	Use:   "scenarios",
	Short: "List the built-in sensor scenarios",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		scenarios := catalog.Scenarios()
		if format == "json" {
			return printJSON(cmd.OutOrStdout(), scenarios)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-16s %s\n", "ID", "NAME")
		fmt.Fprintf(w, "%-16s %s\n", rule(16, 4)...)
		for _, s := range scenarios {
			fmt.Fprintf(w, "%-16s %s\n", s.ID, s.Name)
		}
		return nil
	},
}

var injectCmd = &cobra.Command{
	Use:   "inject <scenario>",
	Short: "Store a sensor reading built from a scenario",
	Long: `Store a reading for --machine with the scenario's sensor values and print
its ID. Pass the ID to "factory run --reading" to process it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		machineID, _ := cmd.Flags().GetString("machine")
		if machineID == "" {
			return fmt.Errorf("--machine is required")
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.store.GetMachine(cmd.Context(), machineID); err != nil {
			return err
		}
		r, err := catalog.Inject(cmd.Context(), a.store, args[0], machineID, time.Now())
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return printJSON(cmd.OutOrStdout(), r)
		}
		fmt.Fprintln(cmd.OutOrStdout(), r.ID)
		return nil
	},
}

func init() {
	scenariosCmd.Flags().String("format", "text", "Output format: text or json")
	injectCmd.Flags().String("machine", "", "Machine ID")
	injectCmd.Flags().String("format", "text", "Output format: text or json")
}
