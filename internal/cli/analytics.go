package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/factorywatch/internal/analytics"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Query business value and pipeline performance",
	Long: `Print the full analytics report, or one section of it via a subcommand.

--since accepts a day count ("7d"), a duration ("12h") or a date (YYYY-MM-DD).`,
	RunE: analyticsRunner(func(w io.Writer, r *analytics.Report) {
		printValue(w, r.Value)
		fmt.Fprintln(w)
		printDecisions(w, r.Decisions)
		fmt.Fprintln(w)
		printStages(w, r.Stages)
	}),
}

var analyticsValueCmd = &cobra.Command{
	Use:   "value",
	Short: "Cost avoided, maintenance cost and net value, overall and per machine",
	RunE: analyticsRunner(func(w io.Writer, r *analytics.Report) {
		printValue(w, r.Value)
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "MACHINE\tWORK ORDERS\tCOST AVOIDED\tNET VALUE")
		for _, m := range r.Machines {
			fmt.Fprintf(tw, "%s\t%d\t%.0f\t%.0f\n", m.MachineID, m.WorkOrders, m.CostAvoided, m.NetValue)
		}
		_ = tw.Flush()
	}),
}

var analyticsDecisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "How finished sessions ended",
	RunE: analyticsRunner(func(w io.Writer, r *analytics.Report) {
		printDecisions(w, r.Decisions)
	}),
}

var analyticsStageDurationCmd = &cobra.Command{
	Use:   "stage-duration",
	Short: "Average and percentile durations per stage",
	RunE: analyticsRunner(func(w io.Writer, r *analytics.Report) {
		printStages(w, r.Stages)
	}),
}

var analyticsThroughputCmd = &cobra.Command{
	Use:   "throughput",
	Short: "Sessions started, completed and failed per week",
	RunE: analyticsRunner(func(w io.Writer, r *analytics.Report) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "WEEK\tSTARTED\tCOMPLETED\tFAILED\tANOMALIES\tAVG SECONDS")
		for _, t := range r.Throughput {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%.1f\n", t.Period, t.Started, t.Completed, t.Failed, t.Anomalies, t.AvgDuration)
		}
		_ = tw.Flush()
	}),
}

// analyticsRunner builds the report and hands it to render, or prints it as
// JSON with --format json.
func analyticsRunner(render func(io.Writer, *analytics.Report)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		sinceFlag, _ := cmd.Flags().GetString("since")
		format, _ := cmd.Flags().GetString("format")
		since, err := analytics.ParseSince(sinceFlag, time.Now())
		if err != nil {
			return err
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := analytics.Build(cmd.Context(), a.store, since)
		if err != nil {
			return err
		}
		if format == "json" {
			return printJSON(cmd.OutOrStdout(), report)
		}
		render(cmd.OutOrStdout(), report)
		return nil
	}
}

func printValue(w io.Writer, v *analytics.BusinessValue) {
	fmt.Fprintf(w, "Work orders:      %d\n", v.WorkOrders)
	fmt.Fprintf(w, "Cost avoided:     %.0f\n", v.CostAvoided)
	fmt.Fprintf(w, "Maintenance cost: %.0f\n", v.MaintenanceCost)
	fmt.Fprintf(w, "Net value:        %.0f\n", v.NetValue)
	fmt.Fprintf(w, "Average ROI:      %.1f%%\n", v.AvgROI)
	fmt.Fprintf(w, "Downtime:         %.1fh\n", v.DowntimeHours)
}

func printDecisions(w io.Writer, ds []analytics.DecisionCount) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OUTCOME\tCOUNT\tPCT")
	for _, d := range ds {
		fmt.Fprintf(tw, "%s\t%d\t%.1f%%\n", d.Decision, d.Count, d.Pct)
	}
	_ = tw.Flush()
}

func printStages(w io.Writer, ss []analytics.StageDuration) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tRUNS\tFALLBACKS\tAVG MS\tP50 MS\tP95 MS")
	for _, s := range ss {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.0f\t%.0f\t%.0f\n", s.Stage, s.Count, s.Fallbacks, s.Avg, s.P50, s.P95)
	}
	_ = tw.Flush()
}

func init() {
	analyticsCmd.PersistentFlags().String("since", "", "Only include sessions since (e.g. 7d, 12h, 2026-01-02)")
	analyticsCmd.PersistentFlags().String("format", "text", "Output format: text or json")

	analyticsCmd.AddCommand(analyticsValueCmd)
	analyticsCmd.AddCommand(analyticsDecisionsCmd)
	analyticsCmd.AddCommand(analyticsStageDurationCmd)
	analyticsCmd.AddCommand(analyticsThroughputCmd)
}
