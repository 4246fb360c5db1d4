package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var workorderCmd = &cobra.Command{
	Use:   "workorder",
	Short: "Advance work orders",
}

func workorderActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <wo-number>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			wo, err := a.orch.AdvanceWorkOrder(cmd.Context(), args[0], action)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", wo.WONumber, wo.Status)
			return nil
		},
	}
}

func init() {
	workorderCmd.AddCommand(workorderActionCmd("accept", "Mark a pending work order in progress"))
	workorderCmd.AddCommand(workorderActionCmd("complete", "Mark an in-progress work order completed"))
}
