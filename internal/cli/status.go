package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show a session with its stage logs and records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		info, err := a.orch.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return printJSON(cmd.OutOrStdout(), info)
		}

		w := cmd.OutOrStdout()
		s := info.Session
		fmt.Fprintf(w, "Session:  %s\n", s.ID)
		fmt.Fprintf(w, "Machine:  %s\n", s.MachineID)
		fmt.Fprintf(w, "Reading:  %s\n", s.ReadingID)
		fmt.Fprintf(w, "Status:   %s (%d%%)\n", s.Status, s.Progress)
		fmt.Fprintf(w, "Stage:    %s: %s\n", s.CurrentStage, s.CurrentAction)
		fmt.Fprintf(w, "Started:  %s\n", s.StartedAt.Format("2006-01-02 15:04:05"))
		if s.CompletedAt != nil {
			fmt.Fprintf(w, "Finished: %s (%s)\n", s.CompletedAt.Format("2006-01-02 15:04:05"), s.CompletedAt.Sub(s.StartedAt).Round(1e6))
		}
		if rs := s.ResultSummary; rs != nil && rs.Error != "" {
			fmt.Fprintf(w, "Error:    %s\n", rs.Error)
		}

		if len(info.Logs) > 0 {
			fmt.Fprintln(w)
			fmt.Fprintf(w, "%-10s %-10s %-8s %s\n", "STAGE", "STATUS", "MS", "DECISION")
			fmt.Fprintf(w, "%-10s %-10s %-8s %s\n", rule(10, 10, 8, 8)...)
			for _, l := range info.Logs {
				fmt.Fprintf(w, "%-10s %-10s %-8d %s\n", l.Stage, l.Status, l.DurationMS, truncate(l.Decision, 60))
			}
		}

		if r := info.Records; r != nil && r.WorkOrder != nil {
			wo := r.WorkOrder
			fmt.Fprintln(w)
			fmt.Fprintf(w, "Work order %s [%s] %s\n", wo.WONumber, wo.Priority, wo.Status)
			fmt.Fprintf(w, "  %s\n", wo.Title)
			fmt.Fprintf(w, "  technician: %s, cost: %.0f, downtime: %.1fh\n", wo.AssignedTechnician, wo.EstimatedCost, wo.DowntimeHours)
		}
		if r := info.Records; r != nil && len(r.Notifications) > 0 {
			fmt.Fprintln(w)
			for _, n := range r.Notifications {
				sent := "queued"
				if n.Delivered {
					sent = "sent"
				}
				fmt.Fprintf(w, "  notify %-16s %-8s %-12s %s\n", n.RecipientName, n.Channel, n.MessageType, sent)
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
}
