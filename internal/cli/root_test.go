package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lucasnoah/factorywatch/internal/pipeline"
)

func executeCommand(args ...string) (string, error) {
	resetFlags(rootCmd)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// resetFlags restores every flag to its default so one test's flags don't
// leak into the next Execute.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// isolate points HOME at a temp dir, clears credentials and writes a config
// with no database, so commands use a fresh file store.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("LINE_CHANNEL_ACCESS_TOKEN", "")
	cfgPath := filepath.Join(home, "factorywatch.yaml")
	if err := os.WriteFile(cfgPath, []byte("server:\n  port: 9191\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return cfgPath
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"run", "stream", "status", "sessions", "inject", "scenarios",
		"workorder", "analytics", "graph", "serve", "config", "db",
		"prompts", "version",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestNestedSubcommands(t *testing.T) {
	cases := map[string][]string{
		"workorder": {"accept", "complete"},
		"analytics": {"value", "decisions", "stage-duration", "throughput"},
		"db":        {"migrate", "reset", "seed"},
		"config":    {"validate", "show", "paths"},
		"prompts":   {"list", "show", "install"},
	}
	for parent, subs := range cases {
		for _, sub := range subs {
			out, err := executeCommand(parent, sub, "--help")
			if err != nil {
				t.Errorf("%s %s --help failed: %v", parent, sub, err)
			}
			if out == "" {
				t.Errorf("%s %s --help produced no output", parent, sub)
			}
		}
	}
}

func TestScenariosCommand(t *testing.T) {
	out, err := executeCommand("scenarios")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, id := range []string{"bearing_wear", "overheat", "vibration_spike", "pressure_critical", "combined_failure"} {
		if !strings.Contains(out, id) {
			t.Errorf("scenarios output missing %q", id)
		}
	}
}

func TestGraphCommand(t *testing.T) {
	cfg := isolate(t)
	out, err := executeCommand("--config", cfg, "graph")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "digraph") || !strings.Contains(out, "DIAGNOSER") {
		t.Errorf("unexpected DOT output:\n%s", out)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := isolate(t)
	out, err := executeCommand("--config", cfg, "config", "validate")
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, out)
	}
	if !strings.Contains(out, "valid") {
		t.Errorf("output = %q", out)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(bad, []byte("pipeline:\n  confidence_gate: 150\n"), 0o644)
	if _, err := executeCommand("--config", bad, "config", "validate"); err == nil {
		t.Error("expected validation error for confidence_gate 150")
	}
}

func TestConfigShow(t *testing.T) {
	cfg := isolate(t)
	out, err := executeCommand("--config", cfg, "config", "show")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "9191") {
		t.Errorf("expected configured port in output, got:\n%s", out)
	}
}

func TestInjectRunStatus(t *testing.T) {
	cfg := isolate(t)

	out, err := executeCommand("--config", cfg, "inject", "overheat", "--machine", "BLR-PMP-01")
	if err != nil {
		t.Fatalf("inject: %v\n%s", err, out)
	}
	readingID := strings.TrimSpace(out)
	if readingID == "" {
		t.Fatal("inject printed no reading id")
	}

	out, err = executeCommand("--config", cfg, "run", "--machine", "BLR-PMP-01", "--reading", readingID, "--format", "json")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	var st pipeline.State
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("decode run output: %v\n%s", err, out)
	}
	if st.SessionID == "" || st.Error != "" {
		t.Fatalf("run state: session=%q error=%q", st.SessionID, st.Error)
	}
	if !st.AnomalyDetected {
		t.Error("expected overheat reading to be flagged")
	}
	if len(st.Logs) == 0 {
		t.Error("expected stage logs")
	}

	out, err = executeCommand("--config", cfg, "status", st.SessionID)
	if err != nil {
		t.Fatalf("status: %v\n%s", err, out)
	}
	if !strings.Contains(out, "COMPLETED") || !strings.Contains(out, "DETECTOR") {
		t.Errorf("status output:\n%s", out)
	}

	out, err = executeCommand("--config", cfg, "sessions")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	if !strings.Contains(out, st.SessionID) {
		t.Errorf("sessions output missing %s:\n%s", st.SessionID, out)
	}
}

func TestRunWithScenario(t *testing.T) {
	cfg := isolate(t)
	out, err := executeCommand("--config", cfg, "run", "--machine", "CLG-FAN-02", "--scenario", "bearing_wear")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "COMPLETED") {
		t.Errorf("run output:\n%s", out)
	}
}

func TestRunAll(t *testing.T) {
	cfg := isolate(t)
	out, err := executeCommand("--config", cfg, "run", "--all", "--scenario", "vibration_spike")
	if err != nil {
		t.Fatalf("run --all: %v\n%s", err, out)
	}
	for _, m := range []string{"BLR-PMP-01", "CLG-FAN-02", "CMP-AIR-03", "CNV-BLT-04"} {
		if !strings.Contains(out, m) {
			t.Errorf("run --all output missing %s:\n%s", m, out)
		}
	}
}

func TestRun_InputErrors(t *testing.T) {
	cfg := isolate(t)
	cases := map[string][]string{
		"no machine":       {"run", "--scenario", "overheat"},
		"no reading":       {"run", "--machine", "BLR-PMP-01"},
		"unknown scenario": {"run", "--machine", "BLR-PMP-01", "--scenario", "meteor"},
		"all no scenario":  {"run", "--all"},
		"unknown machine":  {"inject", "overheat", "--machine", "NOPE-01"},
		"status missing":   {"status", "no-such-session"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := executeCommand(append([]string{"--config", cfg}, args...)...); err == nil {
				t.Errorf("expected error for %v", args)
			}
		})
	}
}

func TestStreamCommand(t *testing.T) {
	cfg := isolate(t)
	out, err := executeCommand("--config", cfg, "stream", "--machine", "CMP-AIR-03", "--scenario", "pressure_critical")
	if err != nil {
		t.Fatalf("stream: %v\n%s", err, out)
	}
	if !strings.Contains(out, "DETECTOR") || !strings.Contains(out, "COMPLETED") {
		t.Errorf("stream output:\n%s", out)
	}
}

func TestWorkorderUnknown(t *testing.T) {
	cfg := isolate(t)
	if _, err := executeCommand("--config", cfg, "workorder", "accept", "WO-NOPE"); err == nil {
		t.Error("expected error for unknown work order")
	}
}

func TestAnalyticsCommand(t *testing.T) {
	cfg := isolate(t)
	if _, err := executeCommand("--config", cfg, "run", "--machine", "BLR-PMP-01", "--scenario", "combined_failure"); err != nil {
		t.Fatalf("run: %v", err)
	}
	out, err := executeCommand("--config", cfg, "analytics", "--format", "json")
	if err != nil {
		t.Fatalf("analytics: %v\n%s", err, out)
	}
	var report map[string]any
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, out)
	}
	if _, ok := report["business_value"]; !ok {
		t.Errorf("report missing business_value: %s", out)
	}

	out, err = executeCommand("--config", cfg, "analytics", "stage-duration", "--since", "7d")
	if err != nil {
		t.Fatalf("analytics stage-duration: %v", err)
	}
	if !strings.Contains(out, "DETECTOR") {
		t.Errorf("stage-duration output:\n%s", out)
	}

	if _, err := executeCommand("--config", cfg, "analytics", "--since", "yesterday-ish"); err == nil {
		t.Error("expected error for bad --since")
	}
}

func TestDBCommandsRequireURL(t *testing.T) {
	cfg := isolate(t)
	_, err := executeCommand("--config", cfg, "db", "migrate")
	if err == nil || !strings.Contains(err.Error(), "database.url") {
		t.Errorf("expected database.url error, got %v", err)
	}
	_, err = executeCommand("--config", cfg, "db", "reset")
	if err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Errorf("expected confirmation error, got %v", err)
	}
}

func TestDBSeedFileStore(t *testing.T) {
	cfg := isolate(t)
	out, err := executeCommand("--config", cfg, "db", "seed", "--force")
	if err != nil {
		t.Fatalf("seed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "seeded") {
		t.Errorf("seed output = %q", out)
	}
}

func TestPromptsCommands(t *testing.T) {
	dir := t.TempDir()
	out, err := executeCommand("prompts", "list", "--dir", dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "built-in") || strings.Contains(out, "override") {
		t.Errorf("list before install:\n%s", out)
	}

	out, err = executeCommand("prompts", "install", "--dir", dir)
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	if !strings.Contains(out, "wrote") {
		t.Errorf("install output:\n%s", out)
	}

	out, err = executeCommand("prompts", "list", "--dir", dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.Contains(out, "built-in") {
		t.Errorf("expected all overrides after install:\n%s", out)
	}

	out, err = executeCommand("prompts", "install", "--dir", dir)
	if err != nil {
		t.Fatalf("second install: %v", err)
	}
	if !strings.Contains(out, "already present") {
		t.Errorf("second install output:\n%s", out)
	}
}
