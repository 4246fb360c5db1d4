package orchestrator

import (
	"testing"

	"github.com/awalterschulze/gographviz"

	"github.com/lucasnoah/factorywatch/internal/pipeline"
)

func TestDefaultGraph_Next(t *testing.T) {
	g := DefaultGraph(70)
	diag := func(c float64) *pipeline.Diagnosis { return &pipeline.Diagnosis{Confidence: c} }

	tests := []struct {
		name string
		from pipeline.StageName
		st   pipeline.State
		want pipeline.StageName
	}{
		{"anomaly", pipeline.StageDetector, pipeline.State{AnomalyDetected: true}, pipeline.StageDiagnoser},
		{"no anomaly", pipeline.StageDetector, pipeline.State{}, End},
		{"confidence at gate", pipeline.StageDiagnoser, pipeline.State{Diagnosis: diag(70)}, pipeline.StagePlanner},
		{"confidence below gate", pipeline.StageDiagnoser, pipeline.State{Diagnosis: diag(69)}, pipeline.StageNotifier},
		{"no diagnosis", pipeline.StageDiagnoser, pipeline.State{}, pipeline.StageNotifier},
		{"planner", pipeline.StagePlanner, pipeline.State{}, pipeline.StageValidator},
		{"validator", pipeline.StageValidator, pipeline.State{}, pipeline.StageNotifier},
		{"notifier", pipeline.StageNotifier, pipeline.State{}, End},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.Next(tt.from, &tt.st)
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if got != tt.want {
				t.Errorf("Next(%s) = %s, want %s", tt.from, got, tt.want)
			}
		})
	}

	if _, err := g.Next("UNKNOWN", &pipeline.State{}); err == nil {
		t.Error("expected error for a stage with no edges")
	}
}

func TestGraph_Validate(t *testing.T) {
	if err := DefaultGraph(70).Validate(); err != nil {
		t.Fatalf("default graph invalid: %v", err)
	}

	always := func(*pipeline.State) bool { return true }
	tests := []struct {
		name string
		g    Graph
	}{
		{"no start", Graph{}},
		{"dead end", Graph{Start: pipeline.StageDetector, Edges: []Edge{
			{From: pipeline.StageDetector, To: pipeline.StageDiagnoser},
		}}},
		{"gated only", Graph{Start: pipeline.StageDetector, Edges: []Edge{
			{From: pipeline.StageDetector, To: End, When: always},
		}}},
		{"edge out of end", Graph{Start: pipeline.StageDetector, Edges: []Edge{
			{From: pipeline.StageDetector, To: End},
			{From: End, To: pipeline.StageDetector},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.g.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestGraph_DOT(t *testing.T) {
	dot, err := DefaultGraph(70).DOT()
	if err != nil {
		t.Fatalf("DOT: %v", err)
	}

	ast, err := gographviz.ParseString(dot)
	if err != nil {
		t.Fatalf("output does not parse: %v\n%s", err, dot)
	}
	g := gographviz.NewGraph()
	if err := gographviz.Analyse(ast, g); err != nil {
		t.Fatalf("analyse: %v", err)
	}
	if !g.Directed {
		t.Error("graph should be directed")
	}
	if got := len(g.Nodes.Nodes); got != 6 {
		t.Errorf("nodes = %d, want 6", got)
	}
	if got := len(g.Edges.Edges); got != 7 {
		t.Errorf("edges = %d, want 7", got)
	}

	labels := map[string]bool{}
	for _, e := range g.Edges.Edges {
		labels[e.Attrs[gographviz.Label]] = true
	}
	for _, want := range []string{`"anomaly"`, `"no anomaly"`, `"confidence >= 70"`, `"confidence < 70"`} {
		if !labels[want] {
			t.Errorf("missing edge label %s in %v", want, labels)
		}
	}
}
