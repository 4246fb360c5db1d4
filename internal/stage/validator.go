package stage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/factorywatch/internal/checks"
	"github.com/lucasnoah/factorywatch/internal/pipeline"
	"github.com/lucasnoah/factorywatch/internal/prompt"
)

const actionSafetyValidation = "SAFETY_VALIDATION"

// validatorResponse is the JSON the reasoner returns for a plan review.
type validatorResponse struct {
	ThinkingRounds []roundJSON `json:"thinking_rounds"`
	LogicCheck     struct {
		ActionMatchesDiagnosis bool   `json:"action_matches_diagnosis"`
		TechnicianQualified    bool   `json:"technician_qualified"`
		PartsAppropriate       bool   `json:"parts_appropriate"`
		TimingAppropriate      bool   `json:"timing_appropriate"`
		Explanation            string `json:"explanation"`
	} `json:"logic_check"`
	AdditionalRisks []struct {
		Risk       string `json:"risk"`
		Severity   string `json:"severity"`
		Mitigation string `json:"mitigation"`
	} `json:"additional_risks"`
	Decision struct {
		Result        string `json:"result"`
		Reason        string `json:"reason"`
		RequiresHuman bool   `json:"requires_human"`
	} `json:"decision"`
	Reasoning string `json:"reasoning"`
}

// Verdict is the input to the safety decision.
type Verdict struct {
	Gate                *checks.GateResult
	Emergency           bool // critical anomaly on a critical machine with escalation enabled
	CriticalMachine     bool // machine is CRITICAL and such machines need a human
	ReviewRequiresHuman bool
}

// Decide applies the safety decision order: emergencies escalate, failed
// checks block unless the review asked for a human, and confidence, cost or
// review concerns escalate. Everything else is approved.
func Decide(v Verdict) pipeline.SafetyDecision {
	switch {
	case v.Emergency:
		return pipeline.DecisionEscalateHuman
	case !v.Gate.Passed && !v.ReviewRequiresHuman:
		return pipeline.DecisionBlocked
	case v.Gate.Failed(checks.CheckConfidenceLevel),
		v.Gate.Failed(checks.CheckCostLimit),
		v.ReviewRequiresHuman,
		v.CriticalMachine:
		return pipeline.DecisionEscalateHuman
	}
	return pipeline.DecisionApproved
}

func workOrderStatusFor(d pipeline.SafetyDecision) pipeline.WorkOrderStatus {
	switch d {
	case pipeline.DecisionApproved:
		return pipeline.WorkOrderApproved
	case pipeline.DecisionBlocked:
		return pipeline.WorkOrderBlocked
	}
	return pipeline.WorkOrderPending
}

// Validate runs the guardrails and a reasoned plan review, then decides
// whether the work order may proceed unattended.
func (e *Engine) Validate(ctx context.Context, st *pipeline.State) (pipeline.Update, error) {
	const stage = pipeline.StageValidator
	if st.Diagnosis == nil || st.WorkOrder == nil {
		return pipeline.Update{}, nil
	}
	start := time.Now()
	d, wo := st.Diagnosis, st.WorkOrder
	g := e.cfg.Guardrails
	e.logf("%s: validating %s", stage, wo.WONumber)

	facts := checks.Facts{
		EstimatedCost:      wo.EstimatedCost,
		Confidence:         d.Confidence,
		DowntimeHours:      wo.DowntimeHours,
		MachineCriticality: st.Machine.Criticality,
		Priority:           wo.Priority,
		Technician:         wo.AssignedTechnician,
		PartsCount:         len(wo.PartsNeeded),
	}
	if st.AnomalyDetails != nil {
		facts.Severity = st.AnomalyDetails.Severity
	}
	gate := checks.RunGate(checks.GateOpts{
		Gate:      string(stage),
		SessionID: st.SessionID,
		Facts:     facts,
		Limits: checks.Limits{
			MaxOrderValue:       g.MaxOrderValue,
			MinConfidence:       g.MinConfidenceForAutoApprove,
			MaxDowntimeHours:    g.MaxDowntimeHours,
			EmergencyNeedsHuman: g.EmergencyNeedsHuman(),
		},
		Rules: e.rules,
	})

	tr := newTrail(e.now)
	steps := []struct {
		action   string
		progress int
		check    string
	}{
		{"Checking cost limit", 65, checks.CheckCostLimit},
		{"Checking diagnosis confidence", 68, checks.CheckConfidenceLevel},
		{"Checking emergency conditions", 72, checks.CheckEmergency},
	}
	for _, s := range steps {
		if err := e.setProgress(ctx, st, stage, s.action, s.progress); err != nil {
			return pipeline.Update{}, err
		}
		c := findCheck(gate, s.check)
		tr.add(s.action, c.Note, passFail(c.Passed))
	}

	if err := e.setProgress(ctx, st, stage, "Verifying plan logic", 76); err != nil {
		return pipeline.Update{}, err
	}
	resp, err := ask[validatorResponse](ctx, e, stage, validatorVars(st, gate))
	fallback := err != nil
	logic := pipeline.SafetyCheck{Check: checks.CheckLogic}
	requiresHuman := false
	reviewReason := ""
	if fallback {
		e.fellBack(ctx, stage, err)
		logic.Note = "plan review unavailable"
		requiresHuman = true
		reviewReason = "Automatic plan review failed; a human must approve"
	} else {
		tr.merge(resp.ThinkingRounds)
		lc := resp.LogicCheck
		logic.Passed = lc.ActionMatchesDiagnosis && lc.TechnicianQualified
		logic.Note = firstNonEmpty(lc.Explanation, resp.Decision.Reason)
		requiresHuman = resp.Decision.RequiresHuman ||
			strings.EqualFold(resp.Decision.Result, string(pipeline.DecisionEscalateHuman))
		reviewReason = firstNonEmpty(resp.Decision.Reason, resp.Reasoning)
	}
	gate.Add(logic)

	if err := e.setProgress(ctx, st, stage, "Assessing additional risks", 80); err != nil {
		return pipeline.Update{}, err
	}
	var risks []string
	if !fallback {
		for _, r := range resp.AdditionalRisks {
			risks = append(risks, fmt.Sprintf("%s (%s)", r.Risk, r.Severity))
		}
	}
	tr.add("Review the plan logic", logic.Note, fmt.Sprintf("%s, %d extra risk(s)", passFail(logic.Passed), len(risks)))

	if err := e.setProgress(ctx, st, stage, "Making safety decision", 85); err != nil {
		return pipeline.Update{}, err
	}
	v := Verdict{
		Gate:                gate,
		Emergency:           facts.Emergency() && g.EmergencyNeedsHuman(),
		CriticalMachine:     g.CriticalMachineNeedsHuman() && st.Machine.Criticality == pipeline.SeverityCritical,
		ReviewRequiresHuman: requiresHuman,
	}
	decision := Decide(v)
	reasoning := decisionReason(decision, v, reviewReason)
	tr.add("Decide", fmt.Sprintf("%d of %d checks passed", len(gate.Checks)-len(gate.RemainingFailures), len(gate.Checks)), string(decision))

	approval := &pipeline.SafetyApproval{
		Approved:              decision == pipeline.DecisionApproved,
		Decision:              decision,
		Checks:                gate.Checks,
		Reasoning:             reasoning,
		RequiresHumanApproval: decision == pipeline.DecisionEscalateHuman,
		Fallback:              fallback,
	}
	updated := *wo
	updated.Status = workOrderStatusFor(decision)

	entry := e.newLogEntry(st, stage, actionSafetyValidation)
	entry.Input = map[string]any{
		"wo_number":      wo.WONumber,
		"estimated_cost": wo.EstimatedCost,
		"confidence":     d.Confidence,
		"criticality":    st.Machine.Criticality,
	}
	entry.Reasoning = reasoning
	entry.ThinkingRounds = tr.rounds
	entry.DecisionPath = decisionPath("May this work order proceed without a human?", nil,
		map[string]float64{
			string(pipeline.DecisionApproved):      scoreIf(decision == pipeline.DecisionApproved),
			string(pipeline.DecisionEscalateHuman): scoreIf(decision == pipeline.DecisionEscalateHuman),
			string(pipeline.DecisionBlocked):       scoreIf(decision == pipeline.DecisionBlocked),
		},
		string(decision), reasoning)
	entry.Decision = string(decision)
	entry.NextStage = string(pipeline.StageNotifier)
	entry.Output = map[string]any{
		"decision":          decision,
		"checks":            gate.Checks,
		"requires_human":    approval.RequiresHumanApproval,
		"additional_risks":  risks,
		"work_order_status": updated.Status,
		"fallback":          fallback,
	}

	action := "Safety decision: " + string(decision)
	if err := e.setProgress(ctx, st, stage, action, 88); err != nil {
		return pipeline.Update{}, err
	}
	if err := e.saveLog(ctx, entry, start); err != nil {
		return pipeline.Update{}, err
	}
	if err := e.store.UpdateWorkOrderStatus(ctx, wo.WONumber, updated.Status); err != nil {
		return pipeline.Update{}, fmt.Errorf("update work order status: %w", err)
	}
	e.metrics.SafetyDecision(string(decision))
	e.logf("%s: %s (%s)", stage, action, reasoning)
	e.finish(stage, start, fallback)

	return pipeline.Update{
		CurrentStage:   pipeline.Ptr(stage),
		CurrentAction:  pipeline.Ptr(action),
		Progress:       pipeline.Ptr(88),
		WorkOrder:      &updated,
		SafetyApproval: approval,
		Logs:           []pipeline.LogEntry{*entry},
	}, nil
}

func decisionReason(d pipeline.SafetyDecision, v Verdict, review string) string {
	var why []string
	switch {
	case v.Emergency:
		why = append(why, "critical anomaly on a critical machine")
	case d == pipeline.DecisionBlocked:
		for _, c := range v.Gate.Checks {
			if !c.Passed {
				why = append(why, fmt.Sprintf("%s failed: %s", c.Check, c.Note))
			}
		}
	case d == pipeline.DecisionEscalateHuman:
		if v.Gate.Failed(checks.CheckConfidenceLevel) {
			why = append(why, "confidence below the auto-approve minimum")
		}
		if v.Gate.Failed(checks.CheckCostLimit) {
			why = append(why, "cost above the approval limit")
		}
		if v.ReviewRequiresHuman && review != "" {
			why = append(why, review)
		}
		if v.CriticalMachine {
			why = append(why, "critical machines require human approval")
		}
	default:
		why = append(why, "all checks passed")
		if review != "" {
			why = append(why, review)
		}
	}
	return fmt.Sprintf("%s: %s", d, strings.Join(why, "; "))
}

func findCheck(g *checks.GateResult, name string) pipeline.SafetyCheck {
	for _, c := range g.Checks {
		if c.Check == name {
			return c
		}
	}
	return pipeline.SafetyCheck{Check: name}
}

func passFail(ok bool) string {
	if ok {
		return "PASS"
	}
	return "FAIL"
}

func scoreIf(selected bool) float64 {
	if selected {
		return 100
	}
	return 0
}

func validatorVars(st *pipeline.State, gate *checks.GateResult) prompt.Vars {
	d, wo := st.Diagnosis, st.WorkOrder
	checkLines := make([]string, 0, len(gate.Checks))
	for _, c := range gate.Checks {
		checkLines = append(checkLines, fmt.Sprintf("%s: %s (%s)", c.Check, passFail(c.Passed), c.Note))
	}
	partNames := make([]string, 0, len(wo.PartsNeeded))
	for _, p := range wo.PartsNeeded {
		partNames = append(partNames, fmt.Sprintf("%s x%d", firstNonEmpty(p.Name, p.PartNumber), p.Quantity))
	}
	parts := "none"
	if len(partNames) > 0 {
		parts = strings.Join(partNames, ", ")
	}
	return prompt.Vars{
		"machine_name":       st.Machine.Name,
		"criticality":        string(st.Machine.Criticality),
		"root_cause":         d.RootCause,
		"confidence":         formatNum(d.Confidence),
		"time_to_failure":    d.TimeToFailure,
		"recommended_action": d.RecommendedAction,
		"wo_title":           wo.Title,
		"wo_priority":        string(wo.Priority),
		"technician":         wo.AssignedTechnician,
		"estimated_cost":     formatNum(wo.EstimatedCost),
		"parts":              parts,
		"checks":             bullets(checkLines),
	}
}
