package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		format, _ := cmd.Flags().GetString("format")

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		sessions, err := a.store.ListSessions(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if format == "json" {
			return printJSON(cmd.OutOrStdout(), sessions)
		}
		if len(sessions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-36s %-12s %-10s %-4s %-10s %s\n", "SESSION", "MACHINE", "STATUS", "PCT", "STAGE", "STARTED")
		fmt.Fprintf(w, "%-36s %-12s %-10s %-4s %-10s %s\n", rule(36, 12, 10, 4, 10, 7)...)
		for _, s := range sessions {
			fmt.Fprintf(w, "%-36s %-12s %-10s %-4d %-10s %s\n",
				s.ID, s.MachineID, s.Status, s.Progress, s.CurrentStage, s.StartedAt.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

func init() {
	sessionsCmd.Flags().Int("limit", 20, "Maximum sessions to list")
	sessionsCmd.Flags().String("format", "text", "Output format: text or json")
}
