package stage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/factorywatch/internal/pipeline"
	"github.com/lucasnoah/factorywatch/internal/prompt"
)

const (
	actionRootCause = "ROOT_CAUSE_ANALYSIS"

	decisionRootCause     = "ROOT_CAUSE_IDENTIFIED"
	decisionLowConfidence = "LOW_CONFIDENCE_ESCALATION"

	unknownCause = "UNKNOWN"
)

// diagnoserResponse is the JSON the reasoner returns for a diagnosis.
type diagnoserResponse struct {
	ThinkingRounds     []roundJSON              `json:"thinking_rounds"`
	PossibleCauses     []pipeline.PossibleCause `json:"possible_causes"`
	SelectedCause      string                   `json:"selected_cause"`
	RootCause          string                   `json:"root_cause"`
	ConfidenceLevel    float64                  `json:"confidence_level"`
	Prediction         pipeline.Prediction      `json:"prediction"`
	BusinessImpact     pipeline.BusinessImpact  `json:"business_impact"`
	SupportingEvidence []string                 `json:"supporting_evidence"`
	RecommendedAction  string                   `json:"recommended_action"`
	Reasoning          string                   `json:"reasoning"`
}

func defaultPrediction() pipeline.Prediction {
	return pipeline.Prediction{
		PredictedFailureDays:   7,
		FailureProbability:     0.5,
		MaintenanceUrgency:     "SCHEDULED",
		EstimatedDowntimeHours: 2,
	}
}

func defaultBusinessImpact() pipeline.BusinessImpact {
	return pipeline.BusinessImpact{
		CostImpact:               100000,
		ProductionValuePreserved: 100000,
		MaintenanceCost:          15000,
		ROIPercentage:            566.67,
		BusinessImpactScore:      5,
	}
}

// FallbackDiagnosis is the conservative result used when no usable answer comes back.
func FallbackDiagnosis() *pipeline.Diagnosis {
	return &pipeline.Diagnosis{
		RootCause:          unknownCause,
		SelectedCause:      unknownCause,
		Confidence:         50,
		SupportingEvidence: []string{"sensor values exceeded thresholds"},
		RecommendedAction:  "have a technician inspect the machine",
		TimeToFailure:      timeToFailure(7),
		Reasoning:          "Root cause could not be determined automatically",
		Prediction:         defaultPrediction(),
		BusinessImpact:     defaultBusinessImpact(),
		Fallback:           true,
	}
}

// PassesGate reports whether a diagnosis is confident enough to plan work.
func PassesGate(d *pipeline.Diagnosis, gate float64) bool {
	return d != nil && d.Confidence >= gate
}

// Diagnose determines the root cause, failure horizon and business impact of
// a confirmed anomaly.
func (e *Engine) Diagnose(ctx context.Context, st *pipeline.State) (pipeline.Update, error) {
	const stage = pipeline.StageDiagnoser
	if !st.AnomalyDetected || st.AnomalyDetails == nil {
		return pipeline.Update{}, nil
	}
	start := time.Now()
	anomaly := st.AnomalyDetails
	e.logf("%s: diagnosing %s on %s", stage, anomaly.Type, st.MachineID)

	if err := e.setProgress(ctx, st, stage, "Analysing anomaly pattern", 25); err != nil {
		return pipeline.Update{}, err
	}
	tr := newTrail(e.now)
	pattern := patternFlags(anomaly.Metrics)
	tr.add(
		"Which symptom groups are involved?",
		fmt.Sprintf("%d abnormal metric(s): %s", len(anomaly.Metrics), violationSummary(anomaly.Metrics)),
		"Pattern: "+pattern.String(),
	)

	if err := e.setProgress(ctx, st, stage, "Gathering machine context", 30); err != nil {
		return pipeline.Update{}, err
	}
	tr.add(
		"How exposed is this machine?",
		fmt.Sprintf("%s is a %s machine at %s%% health", st.Machine.Name, st.Machine.Criticality, formatNum(st.Machine.HealthScore)),
		fmt.Sprintf("Anomaly severity %s", anomaly.Severity),
	)

	if err := e.setProgress(ctx, st, stage, "Determining root cause", 35); err != nil {
		return pipeline.Update{}, err
	}
	resp, err := ask[diagnoserResponse](ctx, e, stage, e.diagnoserVars(st))
	fallback := err != nil
	var d *pipeline.Diagnosis
	if fallback {
		e.fellBack(ctx, stage, err)
		d = FallbackDiagnosis()
	} else {
		tr.merge(resp.ThinkingRounds)
		d = diagnosisFrom(resp)
	}

	if err := e.setProgress(ctx, st, stage, "Estimating business impact", 38); err != nil {
		return pipeline.Update{}, err
	}
	gate := e.cfg.Pipeline.ConfidenceGate
	next, decision := pipeline.StagePlanner, decisionRootCause
	if !PassesGate(d, gate) {
		next, decision = pipeline.StageNotifier, decisionLowConfidence
	}
	tr.add(
		"Is the diagnosis strong enough to plan work?",
		fmt.Sprintf("confidence %s%% against a gate of %s%%", formatNum(d.Confidence), formatNum(gate)),
		fmt.Sprintf("Route to %s", next),
	)

	entry := e.newLogEntry(st, stage, actionRootCause)
	entry.Input = map[string]any{
		"anomaly_type": anomaly.Type,
		"severity":     anomaly.Severity,
		"metrics":      anomaly.Metrics,
	}
	entry.Reasoning = d.Reasoning
	entry.ThinkingRounds = tr.rounds
	entry.DecisionPath = causePath(d)
	entry.Confidence = pipeline.Ptr(d.Confidence)
	entry.Decision = decision
	entry.NextStage = string(next)
	entry.Output = map[string]any{
		"root_cause":         d.RootCause,
		"confidence":         d.Confidence,
		"time_to_failure":    d.TimeToFailure,
		"recommended_action": d.RecommendedAction,
		"prediction":         d.Prediction,
		"business_impact":    d.BusinessImpact,
		"fallback":           fallback,
	}

	action := fmt.Sprintf("Root cause: %s (%s%%)", d.RootCause, formatNum(d.Confidence))
	if err := e.setProgress(ctx, st, stage, action, 40); err != nil {
		return pipeline.Update{}, err
	}
	if err := e.saveLog(ctx, entry, start); err != nil {
		return pipeline.Update{}, err
	}
	if err := e.store.SaveDiagnosis(ctx, st.SessionID, st.MachineID, d); err != nil {
		return pipeline.Update{}, fmt.Errorf("save diagnosis: %w", err)
	}
	e.logf("%s: %s, next %s", stage, action, next)
	e.finish(stage, start, fallback)

	return pipeline.Update{
		CurrentStage:  pipeline.Ptr(stage),
		CurrentAction: pipeline.Ptr(action),
		Progress:      pipeline.Ptr(40),
		Diagnosis:     d,
		Logs:          []pipeline.LogEntry{*entry},
	}, nil
}

// diagnosisFrom coerces a reasoner answer into a Diagnosis.
func diagnosisFrom(r *diagnoserResponse) *pipeline.Diagnosis {
	d := &pipeline.Diagnosis{
		SelectedCause:      r.SelectedCause,
		RootCause:          firstNonEmpty(r.RootCause, r.SelectedCause, unknownCause),
		Confidence:         NormalizeConfidence(r.ConfidenceLevel),
		SupportingEvidence: r.SupportingEvidence,
		RecommendedAction:  firstNonEmpty(r.RecommendedAction, "have a technician inspect the machine"),
		Reasoning:          r.Reasoning,
		Prediction:         r.Prediction,
		BusinessImpact:     r.BusinessImpact,
	}
	if d.SelectedCause == "" {
		d.SelectedCause = d.RootCause
	}
	for _, c := range r.PossibleCauses {
		c.Confidence = NormalizeConfidence(c.Confidence)
		d.PossibleCauses = append(d.PossibleCauses, c)
	}

	def := defaultPrediction()
	p := &d.Prediction
	if p.PredictedFailureDays <= 0 {
		p.PredictedFailureDays = def.PredictedFailureDays
	}
	if p.FailureProbability <= 0 {
		p.FailureProbability = def.FailureProbability
	} else if p.FailureProbability > 1 {
		p.FailureProbability = p.FailureProbability / 100
	}
	if p.MaintenanceUrgency == "" {
		p.MaintenanceUrgency = def.MaintenanceUrgency
	}
	if p.EstimatedDowntimeHours <= 0 {
		p.EstimatedDowntimeHours = def.EstimatedDowntimeHours
	}

	defBI := defaultBusinessImpact()
	bi := &d.BusinessImpact
	if bi.CostImpact <= 0 {
		bi.CostImpact = defBI.CostImpact
	}
	if bi.ProductionValuePreserved <= 0 {
		bi.ProductionValuePreserved = defBI.ProductionValuePreserved
	}
	if bi.MaintenanceCost <= 0 {
		bi.MaintenanceCost = defBI.MaintenanceCost
	}
	if bi.ROIPercentage == 0 {
		bi.ROIPercentage = round2((bi.ProductionValuePreserved - bi.MaintenanceCost) / bi.MaintenanceCost * 100)
	}
	if bi.BusinessImpactScore <= 0 {
		bi.BusinessImpactScore = defBI.BusinessImpactScore
	}

	d.TimeToFailure = timeToFailure(p.PredictedFailureDays)
	if d.Reasoning == "" {
		d.Reasoning = fmt.Sprintf("%s identified with %s%% confidence", d.RootCause, formatNum(d.Confidence))
	}
	return d
}

func timeToFailure(days float64) string {
	return strconv.FormatFloat(round2(days), 'f', -1, 64) + " days"
}

func causePath(d *pipeline.Diagnosis) *pipeline.DecisionPath {
	dp := &pipeline.DecisionPath{
		Question:      "What is the most likely root cause?",
		FinalDecision: d.SelectedCause,
		Reasoning:     d.Reasoning,
	}
	for _, c := range d.PossibleCauses {
		dp.Choices = append(dp.Choices, pipeline.DecisionChoice{
			Option:      c.Cause,
			Description: c.Description,
			Pros:        c.SupportingEvidence,
			Cons:        c.ContradictingEvidence,
			Score:       c.Confidence,
			Selected:    c.Cause == d.SelectedCause,
		})
	}
	if len(dp.Choices) == 0 {
		dp.Choices = []pipeline.DecisionChoice{{
			Option:   d.SelectedCause,
			Score:    d.Confidence,
			Selected: true,
			Pros:     d.SupportingEvidence,
		}}
	}
	return dp
}

// pattern groups the abnormal metrics by symptom.
type pattern struct {
	vibration   bool
	temperature bool
	pressure    bool
}

func patternFlags(vs []pipeline.MetricViolation) pattern {
	var p pattern
	for _, v := range vs {
		switch {
		case strings.Contains(v.Metric, "vib"):
			p.vibration = true
		case strings.Contains(v.Metric, "temp"):
			p.temperature = true
		case strings.Contains(v.Metric, "pressure"):
			p.pressure = true
		}
	}
	return p
}

func (p pattern) String() string {
	var parts []string
	if p.vibration {
		parts = append(parts, "vibration")
	}
	if p.temperature {
		parts = append(parts, "temperature")
	}
	if p.pressure {
		parts = append(parts, "pressure")
	}
	if len(parts) == 0 {
		return "other"
	}
	return strings.Join(parts, " + ")
}

func (e *Engine) diagnoserVars(st *pipeline.State) prompt.Vars {
	a := st.AnomalyDetails
	lines := make([]string, 0, len(a.Metrics))
	for _, v := range a.Metrics {
		lines = append(lines, fmt.Sprintf("%s: %s (threshold %s, %s)", v.Metric, formatNum(v.Value), formatNum(v.Threshold), v.Deviation))
	}
	p := e.cfg.Pipeline
	return prompt.Vars{
		"machine_name":     st.Machine.Name,
		"machine_type":     st.Machine.Type,
		"criticality":      string(st.Machine.Criticality),
		"health_score":     formatNum(st.Machine.HealthScore),
		"location":         firstNonEmpty(st.Machine.Location, "unknown"),
		"anomaly_type":     a.Type,
		"severity":         string(a.Severity),
		"metrics":          bullets(lines),
		"reading":          readingJSON(st.Reading),
		"production_rate":  formatNum(p.ProductionRatePerHour),
		"downtime_cost":    formatNum(p.DowntimeCostPerHour),
		"maintenance_cost": formatNum(p.AvgMaintenanceCost),
	}
}
