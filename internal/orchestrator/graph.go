package orchestrator

import (
	"fmt"
	"strconv"

	"github.com/awalterschulze/gographviz"

	"github.com/lucasnoah/factorywatch/internal/pipeline"
	"github.com/lucasnoah/factorywatch/internal/stage"
)

// End is the terminal node of the graph.
const End pipeline.StageName = pipeline.NextEnd

// Edge is one transition. When is nil for an unconditional edge.
type Edge struct {
	From  pipeline.StageName
	To    pipeline.StageName
	Label string
	When  func(st *pipeline.State) bool
}

// Graph is the fixed stage topology: a start stage and ordered outgoing edges
// per stage. The first edge whose gate holds is taken.
type Graph struct {
	Start pipeline.StageName
	Edges []Edge
}

// DefaultGraph returns the detector → diagnoser → planner → validator → notifier
// chain with the anomaly gate and the confidence gate.
func DefaultGraph(confidenceGate float64) *Graph {
	anomaly := func(st *pipeline.State) bool { return st.AnomalyDetected }
	confident := func(st *pipeline.State) bool { return stage.PassesGate(st.Diagnosis, confidenceGate) }
	gate := strconv.FormatFloat(confidenceGate, 'f', -1, 64)

	return &Graph{
		Start: pipeline.StageDetector,
		Edges: []Edge{
			{From: pipeline.StageDetector, To: pipeline.StageDiagnoser, Label: "anomaly", When: anomaly},
			{From: pipeline.StageDetector, To: End, Label: "no anomaly"},
			{From: pipeline.StageDiagnoser, To: pipeline.StagePlanner, Label: "confidence >= " + gate, When: confident},
			{From: pipeline.StageDiagnoser, To: pipeline.StageNotifier, Label: "confidence < " + gate},
			{From: pipeline.StagePlanner, To: pipeline.StageValidator},
			{From: pipeline.StageValidator, To: pipeline.StageNotifier},
			{From: pipeline.StageNotifier, To: End},
		},
	}
}

// Next returns the stage that follows from given the merged state.
func (g *Graph) Next(from pipeline.StageName, st *pipeline.State) (pipeline.StageName, error) {
	for _, e := range g.Edges {
		if e.From != from {
			continue
		}
		if e.When == nil || e.When(st) {
			return e.To, nil
		}
	}
	return "", fmt.Errorf("no edge leaves stage %q", from)
}

// Validate checks that every stage is reachable from Start and that every
// non-terminal stage has an unconditional fallthrough edge.
func (g *Graph) Validate() error {
	if g.Start == "" {
		return fmt.Errorf("graph has no start stage")
	}
	out := make(map[pipeline.StageName][]Edge)
	for _, e := range g.Edges {
		if e.From == End {
			return fmt.Errorf("edge leaves %s", End)
		}
		out[e.From] = append(out[e.From], e)
	}
	for from, edges := range out {
		if edges[len(edges)-1].When != nil {
			return fmt.Errorf("stage %q has no unconditional edge", from)
		}
	}

	seen := map[pipeline.StageName]bool{g.Start: true}
	queue := []pipeline.StageName{g.Start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur != End && len(out[cur]) == 0 {
			return fmt.Errorf("stage %q has no outgoing edge", cur)
		}
		for _, e := range out[cur] {
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	if !seen[End] {
		return fmt.Errorf("%s is unreachable", End)
	}
	return nil
}

// DOT renders the graph in Graphviz DOT form.
func (g *Graph) DOT() (string, error) {
	const name = "pipeline"
	out := gographviz.NewGraph()
	if err := out.SetName(name); err != nil {
		return "", fmt.Errorf("set graph name: %w", err)
	}
	if err := out.SetDir(true); err != nil {
		return "", fmt.Errorf("set graph direction: %w", err)
	}

	added := map[pipeline.StageName]bool{}
	addNode := func(n pipeline.StageName) error {
		if added[n] {
			return nil
		}
		added[n] = true
		attrs := map[string]string{"shape": "box"}
		if n == End {
			attrs["shape"] = "doublecircle"
		}
		return out.AddNode(name, string(n), attrs)
	}

	if err := addNode(g.Start); err != nil {
		return "", fmt.Errorf("add node: %w", err)
	}
	for _, e := range g.Edges {
		if err := addNode(e.From); err != nil {
			return "", fmt.Errorf("add node: %w", err)
		}
		if err := addNode(e.To); err != nil {
			return "", fmt.Errorf("add node: %w", err)
		}
		var attrs map[string]string
		if e.Label != "" {
			attrs = map[string]string{"label": strconv.Quote(e.Label)}
		}
		if err := out.AddEdge(string(e.From), string(e.To), true, attrs); err != nil {
			return "", fmt.Errorf("add edge %s->%s: %w", e.From, e.To, err)
		}
	}
	return out.String(), nil
}
