package stage

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/factorywatch/internal/config"
	"github.com/lucasnoah/factorywatch/internal/pipeline"
)

func TestNormalizeConfidence(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0.85, 85},
		{85, 85},
		{1, 100},
		{0, 0},
		{0.8567, 85.7},
		{150, 100},
		{-5, 0},
		{70, 70},
	}
	for _, tt := range tests {
		if got := NormalizeConfidence(tt.in); got != tt.want {
			t.Errorf("NormalizeConfidence(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewEngine_BadGuardrailRule(t *testing.T) {
	cfg := config.Default()
	cfg.Guardrails.Rules = []config.Rule{{Name: "BROKEN", When: "estimated_cost >"}}
	if _, err := NewEngine(newMockStore(), newMockReasoner(), nil, cfg); err == nil {
		t.Fatal("expected compile error for bad guardrail rule")
	}
}

func TestNewEngine_BadRecipientRule(t *testing.T) {
	cfg := config.Default()
	cfg.Notify.Recipients = []config.RecipientRule{{Role: "PLANT_MANAGER", When: "severity =="}}
	if _, err := NewEngine(newMockStore(), newMockReasoner(), nil, cfg); err == nil {
		t.Fatal("expected compile error for bad recipient rule")
	}
}

func TestEngine_Func(t *testing.T) {
	e := newTestEngine(t, newMockStore(), newMockReasoner(), nil)
	for _, s := range pipeline.Stages {
		if _, err := e.Func(s); err != nil {
			t.Errorf("Func(%s): %v", s, err)
		}
	}
	if _, err := e.Func("BOGUS"); err == nil {
		t.Error("expected error for unknown stage")
	}
}

func TestEngine_ProgressOutput(t *testing.T) {
	var buf bytes.Buffer
	e := newTestEngine(t, newMockStore(), newMockReasoner(), nil)
	e.SetProgress(&buf)
	run(t, e.Detect, quietState())
	if !strings.Contains(buf.String(), "  → DETECTOR:") {
		t.Errorf("expected progress lines, got %q", buf.String())
	}
}

func TestDecisionPath_FillsDefaults(t *testing.T) {
	dp := decisionPath("q?", []optionJSON{{Option: "A", Score: 70}}, map[string]float64{"A": 1, "B": 30}, "A", "because")
	if len(dp.Choices) != 2 {
		t.Fatalf("expected 2 choices, got %d", len(dp.Choices))
	}
	if dp.Choices[0].Score != 70 || !dp.Choices[0].Selected || dp.Choices[0].Reason != "because" {
		t.Errorf("reasoner option not kept: %+v", dp.Choices[0])
	}
	if dp.Choices[1].Option != "B" || dp.Choices[1].Selected {
		t.Errorf("default option wrong: %+v", dp.Choices[1])
	}
}

func TestTrail_MergeRenumbers(t *testing.T) {
	tr := newTrail(func() time.Time { return fixedNow })
	tr.add("a", "b", "c")
	tr.merge([]roundJSON{{Round: 7, Thought: "x"}, {}, {Round: 9, Conclusion: "y"}})
	if len(tr.rounds) != 3 {
		t.Fatalf("expected 3 rounds, got %d", len(tr.rounds))
	}
	for i, r := range tr.rounds {
		if r.Round != i+1 {
			t.Errorf("round %d numbered %d", i, r.Round)
		}
	}
}
