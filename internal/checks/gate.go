package checks

import (
	"encoding/json"
	"fmt"

	"github.com/lucasnoah/factorywatch/internal/pipeline"
)

// Check names recorded on a safety approval.
const (
	CheckCostLimit       = "COST_LIMIT"
	CheckConfidenceLevel = "CONFIDENCE_LEVEL"
	CheckEmergency       = "EMERGENCY_CHECK"
	CheckDowntimeLimit   = "DOWNTIME_LIMIT"
	CheckLogic           = "LOGIC_VALIDATION"
)

// Facts are the work-order values the guardrails look at.
type Facts struct {
	EstimatedCost      float64
	Confidence         float64
	DowntimeHours      float64
	Severity           pipeline.Severity
	MachineCriticality pipeline.Severity
	Priority           pipeline.Priority
	Technician         string
	PartsCount         int
}

// Env exposes the facts to expr rules.
func (f Facts) Env() map[string]any {
	return map[string]any{
		"estimated_cost":      f.EstimatedCost,
		"confidence":          f.Confidence,
		"downtime_hours":      f.DowntimeHours,
		"severity":            string(f.Severity),
		"machine_criticality": string(f.MachineCriticality),
		"priority":            string(f.Priority),
		"technician":          f.Technician,
		"parts_count":         f.PartsCount,
	}
}

// Emergency reports the critical-anomaly-on-critical-machine combination.
func (f Facts) Emergency() bool {
	return f.Severity == pipeline.SeverityCritical && f.MachineCriticality == pipeline.SeverityCritical
}

// Limits are the numeric guardrails.
type Limits struct {
	MaxOrderValue       float64
	MinConfidence       float64
	MaxDowntimeHours    float64
	EmergencyNeedsHuman bool
}

// GateResult is the structured output of a guardrail run.
type GateResult struct {
	Gate              string                 `json:"gate"`
	SessionID         string                 `json:"session_id"`
	Passed            bool                   `json:"passed"`
	Checks            []pipeline.SafetyCheck `json:"checks"`
	RemainingFailures map[string]string      `json:"remaining_failures,omitempty"`
}

// JSON returns the gate result as indented JSON.
func (g *GateResult) JSON() (string, error) {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Add records one more check, e.g. a verdict computed outside the gate.
func (g *GateResult) Add(c pipeline.SafetyCheck) {
	g.Checks = append(g.Checks, c)
	if !c.Passed {
		g.Passed = false
		if g.RemainingFailures == nil {
			g.RemainingFailures = make(map[string]string)
		}
		g.RemainingFailures[c.Check] = c.Note
	}
}

// Failed reports whether the named check ran and failed.
func (g *GateResult) Failed(name string) bool {
	_, ok := g.RemainingFailures[name]
	return ok
}

// GateOpts configures a gate run.
type GateOpts struct {
	Gate      string
	SessionID string
	Facts     Facts
	Limits    Limits
	Rules     []*Rule
}

// RunGate evaluates every guardrail; unlike a stop-on-first-failure gate,
// all checks always run so the approval lists each verdict.
func RunGate(opts GateOpts) *GateResult {
	gate := &GateResult{
		Gate:      opts.Gate,
		SessionID: opts.SessionID,
		Passed:    true,
	}
	f, l := opts.Facts, opts.Limits

	gate.Add(pipeline.SafetyCheck{
		Check:  CheckCostLimit,
		Passed: f.EstimatedCost <= l.MaxOrderValue,
		Note:   fmt.Sprintf("estimated %.0f, limit %.0f", f.EstimatedCost, l.MaxOrderValue),
	})
	gate.Add(pipeline.SafetyCheck{
		Check:  CheckConfidenceLevel,
		Passed: f.Confidence >= l.MinConfidence,
		Note:   fmt.Sprintf("confidence %.1f%%, minimum %.0f%%", f.Confidence, l.MinConfidence),
	})

	emergency := pipeline.SafetyCheck{Check: CheckEmergency, Passed: true, Note: "no emergency combination"}
	if f.Emergency() {
		if l.EmergencyNeedsHuman {
			emergency = pipeline.SafetyCheck{Check: CheckEmergency, Passed: false,
				Note: "critical anomaly on a critical machine requires a human"}
		} else {
			emergency.Note = "critical anomaly on a critical machine, escalation disabled"
		}
	}
	gate.Add(emergency)

	if l.MaxDowntimeHours > 0 {
		gate.Add(pipeline.SafetyCheck{
			Check:  CheckDowntimeLimit,
			Passed: f.DowntimeHours <= l.MaxDowntimeHours,
			Note:   fmt.Sprintf("downtime %.1fh, limit %.1fh", f.DowntimeHours, l.MaxDowntimeHours),
		})
	}

	env := f.Env()
	for _, r := range opts.Rules {
		ok, err := r.Eval(env)
		note := r.Message
		if err != nil {
			ok, note = false, err.Error()
		}
		gate.Add(pipeline.SafetyCheck{Check: r.Name, Passed: ok, Note: note})
	}
	return gate
}
