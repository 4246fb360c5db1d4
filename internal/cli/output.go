package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/lucasnoah/factorywatch/internal/pipeline"
)

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func rule(widths ...int) []any {
	out := make([]any, len(widths))
	for i, n := range widths {
		out[i] = strings.Repeat("-", n)
	}
	return out
}

// printState writes the outcome of a finished run.
func printState(w io.Writer, st *pipeline.State) {
	status := pipeline.SessionCompleted
	if st.Error != "" {
		status = pipeline.SessionFailed
	}
	fmt.Fprintf(w, "Session %s: %s (%d%%)\n", st.SessionID, status, st.Progress)
	if st.Error != "" {
		fmt.Fprintf(w, "  error:      %s\n", st.Error)
	}
	if !st.AnomalyDetected {
		fmt.Fprintln(w, "  anomaly:    none")
	} else if d := st.AnomalyDetails; d != nil {
		fmt.Fprintf(w, "  anomaly:    %s (%s)\n", d.Type, d.Severity)
	}
	if d := st.Diagnosis; d != nil {
		fmt.Fprintf(w, "  diagnosis:  %s (confidence %.0f)\n", truncate(d.RootCause, 60), d.Confidence)
	}
	if wo := st.WorkOrder; wo != nil {
		fmt.Fprintf(w, "  work order: %s %s [%s] %s\n", wo.WONumber, truncate(wo.Title, 40), wo.Priority, wo.Status)
	}
	if sa := st.SafetyApproval; sa != nil {
		fmt.Fprintf(w, "  safety:     %s\n", sa.Decision)
	}
	if len(st.Notifications) > 0 {
		fmt.Fprintf(w, "  notified:   %d recipient(s)\n", len(st.Notifications))
	}
	fmt.Fprintf(w, "  logs:       %d\n", len(st.Logs))
}
