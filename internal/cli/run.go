package cli

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/factorywatch/internal/catalog"
	"github.com/lucasnoah/factorywatch/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline for a reading and print the final state",
	Long: `Run the full pipeline for one machine and block until the session is
COMPLETED or FAILED.

Use --reading for a stored reading, or --scenario to inject a fresh reading
from a built-in scenario first. With --all, the scenario is injected for every
machine and the runs execute concurrently.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		machineID, _ := cmd.Flags().GetString("machine")
		readingID, _ := cmd.Flags().GetString("reading")
		scenario, _ := cmd.Flags().GetString("scenario")
		all, _ := cmd.Flags().GetBool("all")
		format, _ := cmd.Flags().GetString("format")

		if all {
			return runAll(cmd, scenario, format)
		}
		if machineID == "" {
			return fmt.Errorf("--machine is required")
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		in, err := a.prepareRun(ctx, machineID, readingID, scenario)
		if err != nil {
			return err
		}
		st, err := a.orch.Run(ctx, in)
		if err != nil {
			return err
		}
		if format == "json" {
			return printJSON(cmd.OutOrStdout(), st)
		}
		printState(cmd.OutOrStdout(), st)
		return nil
	},
}

// runAll injects scenario for every machine and runs the sessions concurrently.
func runAll(cmd *cobra.Command, scenario, format string) error {
	if scenario == "" {
		return fmt.Errorf("--all requires --scenario")
	}
	if _, ok := catalog.Lookup(scenario); !ok {
		return fmt.Errorf("unknown scenario %q", scenario)
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	machines, err := a.store.ListMachines(ctx)
	if err != nil {
		return fmt.Errorf("list machines: %w", err)
	}

	var (
		mu     sync.Mutex
		states = make([]*pipeline.State, len(machines))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, m := range machines {
		g.Go(func() error {
			r, err := catalog.Inject(gctx, a.store, scenario, m.MachineID, time.Now())
			if err != nil {
				return fmt.Errorf("%s: %w", m.MachineID, err)
			}
			in, err := a.orch.Prepare(gctx, m.MachineID, r.ID)
			if err != nil {
				return fmt.Errorf("%s: %w", m.MachineID, err)
			}
			st, err := a.orch.Run(gctx, in)
			if err != nil {
				return fmt.Errorf("%s: %w", m.MachineID, err)
			}
			mu.Lock()
			states[i] = st
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if format == "json" {
		return printJSON(cmd.OutOrStdout(), states)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%-14s %-38s %-10s %-10s %s\n", "MACHINE", "SESSION", "STATUS", "SEVERITY", "WORK ORDER")
	fmt.Fprintf(w, "%-14s %-38s %-10s %-10s %s\n", rule(14, 38, 10, 10, 10)...)
	for _, st := range states {
		status := pipeline.SessionCompleted
		if st.Error != "" {
			status = pipeline.SessionFailed
		}
		severity, wo := "-", "-"
		if st.AnomalyDetails != nil {
			severity = string(st.AnomalyDetails.Severity)
		}
		if st.WorkOrder != nil {
			wo = st.WorkOrder.WONumber
		}
		fmt.Fprintf(w, "%-14s %-38s %-10s %-10s %s\n", st.MachineID, st.SessionID, status, severity, wo)
	}
	return nil
}

func init() {
	runCmd.Flags().String("machine", "", "Machine ID")
	runCmd.Flags().String("reading", "", "Stored reading ID")
	runCmd.Flags().String("scenario", "", "Inject a reading from this scenario before running")
	runCmd.Flags().Bool("all", false, "Run the scenario on every machine")
	runCmd.Flags().String("format", "text", "Output format: text or json")
}
