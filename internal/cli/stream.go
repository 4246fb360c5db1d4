package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Run the pipeline and print each stage update as it happens",
	RunE: func(cmd *cobra.Command, args []string) error {
		machineID, _ := cmd.Flags().GetString("machine")
		readingID, _ := cmd.Flags().GetString("reading")
		scenario, _ := cmd.Flags().GetString("scenario")
		format, _ := cmd.Flags().GetString("format")
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

		w := cmd.OutOrStdout()
		if format != "json" {
			fmt.Fprintf(w, "Session %s\n", in.SessionID)
		}
		for u := range a.orch.Stream(ctx, in) {
			if format == "json" {
				if err := printJSON(w, u); err != nil {
					return err
				}
				continue
			}
			fmt.Fprintf(w, "[%3d%%] %-10s %s\n", u.Progress, u.Stage, u.Action)
			if u.Done && u.State != nil {
				printState(w, u.State)
			} else if u.Error != "" {
				fmt.Fprintf(w, "error: %s\n", u.Error)
			}
		}
		return nil
	},
}

func init() {
	streamCmd.Flags().String("machine", "", "Machine ID")
	streamCmd.Flags().String("reading", "", "Stored reading ID")
	streamCmd.Flags().String("scenario", "", "Inject a reading from this scenario before running")
	streamCmd.Flags().String("format", "text", "Output format: text or json (one object per update)")
}
