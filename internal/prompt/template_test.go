package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRender_SimpleVars(t *testing.T) {
	result, err := Render("Machine {{machine_id}} at {{health_score}}%.", Vars{
		"machine_id":   "BLR-PMP-01",
		"health_score": "92",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "Machine BLR-PMP-01 at 92%." {
		t.Errorf("got %q", result)
	}
}

func TestRender_MissingVars(t *testing.T) {
	_, err := Render("{{a}} and {{b}} and {{c}}", Vars{"b": "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "a") || !strings.Contains(err.Error(), "c") {
		t.Errorf("error should mention all missing vars, got: %v", err)
	}
}

func TestRender_Conditionals(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars Vars
		want string
	}{
		{"present", "A{{#if x}}[{{x}}]{{/if}}B", Vars{"x": "1"}, "A[1]B"},
		{"absent", "A{{#if x}}[{{x}}]{{/if}}B", Vars{}, "AB"},
		{"empty", "A{{#if x}}[{{x}}]{{/if}}B", Vars{"x": ""}, "AB"},
		{"nested outer absent", "{{#if a}}<{{#if b}}{{b}}{{/if}}>{{/if}}.", Vars{"b": "2"}, "."},
		{"nested both", "{{#if a}}<{{#if b}}{{b}}{{/if}}>{{/if}}.", Vars{"a": "1", "b": "2"}, "<2>."},
		{"two blocks", "{{#if a}}a{{/if}}{{#if b}}b{{/if}}", Vars{"b": "y"}, "b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.tmpl, tt.vars)
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRender_MalformedConditionals(t *testing.T) {
	if _, err := Render("{{#if a}}open", Vars{"a": "1"}); err == nil {
		t.Error("expected error for unclosed block")
	}
	if _, err := Render("close{{/if}}", Vars{}); err == nil {
		t.Error("expected error for dangling close")
	}
}

func TestRender_ValueNotReexpanded(t *testing.T) {
	got, err := Render("{{a}}", Vars{"a": "{{b}}", "b": "x"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "{{b}}" {
		t.Errorf("got %q, want literal {{b}}", got)
	}
}

func TestBuiltinTemplateNames(t *testing.T) {
	for _, stage := range []string{"detector", "diagnoser", "planner", "validator", "notifier"} {
		for _, kind := range []string{"system", "user"} {
			name := stage + "." + kind + ".md"
			if _, ok := builtinTemplates[name]; !ok {
				t.Errorf("missing built-in template %s", name)
			}
		}
	}
	if len(Names()) != len(builtinTemplates) {
		t.Errorf("Names() = %d entries, want %d", len(Names()), len(builtinTemplates))
	}
}

func TestLibrary_StageBuiltin(t *testing.T) {
	lib := NewLibrary("")
	sys, user, err := lib.Stage("validator", Vars{
		"machine_name": "Pump", "criticality": "HIGH", "root_cause": "wear", "confidence": "88",
		"time_to_failure": "3 days", "recommended_action": "replace", "wo_title": "Replace bearing",
		"wo_priority": "HIGH", "technician": "Somchai", "estimated_cost": "9300", "parts": "BRG",
		"checks": "- COST_LIMIT: PASS",
	})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if !strings.Contains(sys, "ESCALATE_HUMAN") {
		t.Error("system prompt should list decisions")
	}
	if !strings.Contains(user, "Replace bearing") || strings.Contains(user, "{{") {
		t.Errorf("user prompt not fully rendered:\n%s", user)
	}
}

func TestLibrary_NotifierOptionalSections(t *testing.T) {
	_, user, err := NewLibrary("").Stage("notifier", Vars{
		"machine_name": "Pump", "machine_id": "M-1", "location": "A", "criticality": "LOW",
		"anomaly": "BEARING_WEAR (CRITICAL)", "recipients": "- PLANT_MANAGER",
	})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	if !strings.Contains(user, "BEARING_WEAR") {
		t.Error("anomaly section missing")
	}
	if strings.Contains(user, "Work order:") {
		t.Error("work order section should be omitted")
	}
}

func TestLibrary_Override(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "detector.system.md"), []byte("custom {{machine_id}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := NewLibrary(dir).Load("detector.system.md")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != "custom {{machine_id}}" {
		t.Errorf("override not used: %q", got)
	}
	if got, _ := NewLibrary(dir).Load("planner.system.md"); got != plannerSystem {
		t.Error("missing override should fall back to built-in")
	}
}

func TestLibrary_LoadErrors(t *testing.T) {
	lib := NewLibrary(t.TempDir())
	if _, err := lib.Load("nope.md"); err == nil {
		t.Error("expected not found error")
	}
	if _, err := lib.Load("../etc/passwd"); err == nil {
		t.Error("expected error for path traversal")
	}
}

func TestInstall(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "prompts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "detector.user.md"), []byte("mine"), 0o644); err != nil {
		t.Fatal(err)
	}

	written, err := Install(dir)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if len(written) != len(builtinTemplates)-1 {
		t.Errorf("written %d, want %d", len(written), len(builtinTemplates)-1)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "detector.user.md"))
	if string(data) != "mine" {
		t.Error("existing template was overwritten")
	}
}
