package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/factorywatch/internal/pipeline"
	"github.com/lucasnoah/factorywatch/internal/prompt"
)

const (
	actionAnomalyDetection = "ANOMALY_DETECTION"

	decisionAnomaly       = "ANOMALY_DETECTED"
	decisionFalsePositive = "FALSE_POSITIVE"
	decisionNoAnomaly     = "NO_ANOMALY"

	anomalyThresholdExceeded = "THRESHOLD_EXCEEDED"
)

// detectorResponse is the JSON the reasoner returns for a detection.
type detectorResponse struct {
	ThinkingRounds   []roundJSON `json:"thinking_rounds"`
	DecisionAnalysis struct {
		OptionsConsidered []optionJSON `json:"options_considered"`
		SelectedOption    string       `json:"selected_option"`
		SelectionReason   string       `json:"selection_reason"`
	} `json:"decision_analysis"`
	IsAnomaly   *bool   `json:"isAnomaly"`
	Severity    string  `json:"severity"`
	AnomalyType string  `json:"anomalyType"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
}

// Violations compares a reading with the thresholds for its machine type.
// Comparisons are strict and the critical bound is checked before the warning bound.
func Violations(r pipeline.Reading, machineType string, thresholds []pipeline.Threshold) []pipeline.MetricViolation {
	var out []pipeline.MetricViolation
	for _, t := range thresholds {
		if t.MachineType != "" && machineType != "" && !strings.EqualFold(t.MachineType, machineType) {
			continue
		}
		v, ok := r.Metric(t.Metric)
		if !ok {
			continue
		}
		var (
			bound float64
			sev   pipeline.Severity
		)
		switch {
		case t.CriticalHigh != nil && v > *t.CriticalHigh:
			bound, sev = *t.CriticalHigh, pipeline.SeverityCritical
		case t.WarningHigh != nil && v > *t.WarningHigh:
			bound, sev = *t.WarningHigh, pipeline.SeverityWarning
		case t.CriticalLow != nil && v < *t.CriticalLow:
			bound, sev = *t.CriticalLow, pipeline.SeverityCritical
		case t.WarningLow != nil && v < *t.WarningLow:
			bound, sev = *t.WarningLow, pipeline.SeverityWarning
		default:
			continue
		}
		out = append(out, pipeline.MetricViolation{
			Metric:    t.Metric,
			Value:     v,
			Threshold: bound,
			Severity:  sev,
			Deviation: deviation(v, bound),
		})
	}
	return out
}

func deviation(v, bound float64) string {
	if bound == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%+.1f%%", (v-bound)/bound*100)
}

func hasCritical(vs []pipeline.MetricViolation) bool {
	for _, v := range vs {
		if v.Severity == pipeline.SeverityCritical {
			return true
		}
	}
	return false
}

// Detect checks the reading against its thresholds and, when any bound is
// crossed, asks the reasoner to classify the anomaly.
func (e *Engine) Detect(ctx context.Context, st *pipeline.State) (pipeline.Update, error) {
	const stage = pipeline.StageDetector
	start := time.Now()
	e.logf("%s: checking %s against %d thresholds", stage, st.MachineID, len(st.Thresholds))

	if err := e.setProgress(ctx, st, stage, "Checking sensor thresholds", 10); err != nil {
		return pipeline.Update{}, err
	}

	tr := newTrail(e.now)
	violations := Violations(st.Reading, st.Machine.Type, st.Thresholds)
	tr.add(
		"Compare every sampled metric with its warning and critical bounds",
		fmt.Sprintf("%d threshold(s) configured for %s, %d violated", len(st.Thresholds), st.Machine.Type, len(violations)),
		violationSummary(violations),
	)

	if err := e.setProgress(ctx, st, stage, "Evaluating threshold violations", 15); err != nil {
		return pipeline.Update{}, err
	}

	entry := e.newLogEntry(st, stage, actionAnomalyDetection)
	entry.Input = map[string]any{
		"reading_id": st.Reading.ID,
		"reading":    st.Reading,
		"thresholds": len(st.Thresholds),
	}

	if len(violations) == 0 {
		return e.noAnomaly(ctx, st, entry, tr, start, "All sensor values are within their thresholds", nil)
	}

	if err := e.setProgress(ctx, st, stage, "Analysing anomaly pattern", 18); err != nil {
		return pipeline.Update{}, err
	}

	resp, err := ask[detectorResponse](ctx, e, stage, detectorVars(st, violations))
	fallback := err != nil
	if fallback {
		e.fellBack(ctx, stage, err)
		resp = &detectorResponse{}
	}
	tr.merge(resp.ThinkingRounds)

	critical := hasCritical(violations)
	if !fallback && resp.IsAnomaly != nil && !*resp.IsAnomaly && !critical {
		tr.add("Weigh the warning-level violations", "No critical bound was crossed", "Dismissed as a false positive")
		return e.noAnomaly(ctx, st, entry, tr, start, firstNonEmpty(resp.Reasoning, "Warning-level readings dismissed as a false positive"), resp)
	}

	details := &pipeline.AnomalyDetails{
		Type:      firstNonEmpty(resp.AnomalyType, anomalyThresholdExceeded),
		Metrics:   violations,
		Reasoning: resp.Reasoning,
		Fallback:  fallback,
	}
	if sev, ok := parseSeverity(resp.Severity); ok && !fallback {
		details.Severity = sev
	} else if critical {
		details.Severity = pipeline.SeverityCritical
	} else {
		details.Severity = pipeline.SeverityHigh
	}
	details.Confidence = NormalizeConfidence(resp.Confidence)
	if fallback {
		details.Reasoning = fmt.Sprintf("Threshold check found %d violation(s); classified from threshold severity only", len(violations))
	}
	if details.Reasoning == "" {
		details.Reasoning = violationSummary(violations)
	}
	tr.add(
		"Classify the anomaly",
		fmt.Sprintf("type %s, severity %s", details.Type, details.Severity),
		"Anomaly confirmed, hand over to diagnosis",
	)

	entry.Reasoning = details.Reasoning
	entry.ThinkingRounds = tr.rounds
	entry.DecisionPath = decisionPath(
		"Is this reading a real anomaly?",
		resp.DecisionAnalysis.OptionsConsidered,
		map[string]float64{decisionAnomaly: 85, decisionFalsePositive: 15},
		decisionAnomaly,
		firstNonEmpty(resp.DecisionAnalysis.SelectionReason, details.Reasoning),
	)
	if details.Confidence > 0 {
		entry.Confidence = pipeline.Ptr(details.Confidence)
	}
	entry.Decision = decisionAnomaly
	entry.NextStage = string(pipeline.StageDiagnoser)
	entry.Output = map[string]any{
		"anomaly_detected": true,
		"anomaly_type":     details.Type,
		"severity":         details.Severity,
		"violations":       violations,
		"fallback":         fallback,
	}

	action := fmt.Sprintf("Anomaly detected: %s (%s)", details.Type, details.Severity)
	if err := e.setProgress(ctx, st, stage, action, 20); err != nil {
		return pipeline.Update{}, err
	}
	if err := e.saveLog(ctx, entry, start); err != nil {
		return pipeline.Update{}, err
	}
	if err := e.store.SaveAnomaly(ctx, st.SessionID, st.MachineID, st.Reading.ID, details); err != nil {
		return pipeline.Update{}, fmt.Errorf("save anomaly: %w", err)
	}
	e.logf("%s: %s", stage, action)
	e.finish(stage, start, fallback)

	return pipeline.Update{
		CurrentStage:    pipeline.Ptr(stage),
		CurrentAction:   pipeline.Ptr(action),
		Progress:        pipeline.Ptr(20),
		AnomalyDetected: pipeline.Ptr(true),
		AnomalyDetails:  details,
		Logs:            []pipeline.LogEntry{*entry},
	}, nil
}

// noAnomaly closes the detector log for a reading that needs no follow-up.
func (e *Engine) noAnomaly(ctx context.Context, st *pipeline.State, entry *pipeline.LogEntry, tr *trail, start time.Time, reason string, resp *detectorResponse) (pipeline.Update, error) {
	const stage = pipeline.StageDetector
	decision := decisionNoAnomaly
	var options []optionJSON
	if resp != nil {
		decision = decisionFalsePositive
		options = resp.DecisionAnalysis.OptionsConsidered
	}
	entry.Reasoning = reason
	entry.ThinkingRounds = tr.rounds
	entry.DecisionPath = decisionPath(
		"Is this reading a real anomaly?",
		options,
		map[string]float64{decisionAnomaly: 15, decisionFalsePositive: 85},
		decisionFalsePositive,
		reason,
	)
	entry.Decision = decision
	entry.NextStage = pipeline.NextEnd
	entry.Output = map[string]any{"anomaly_detected": false}

	action := "No anomaly detected"
	if err := e.setProgress(ctx, st, stage, action, 20); err != nil {
		return pipeline.Update{}, err
	}
	if err := e.saveLog(ctx, entry, start); err != nil {
		return pipeline.Update{}, err
	}
	e.logf("%s: %s", stage, strings.ToLower(action))
	e.finish(stage, start, false)

	return pipeline.Update{
		CurrentStage:    pipeline.Ptr(stage),
		CurrentAction:   pipeline.Ptr(action),
		Progress:        pipeline.Ptr(20),
		AnomalyDetected: pipeline.Ptr(false),
		Logs:            []pipeline.LogEntry{*entry},
	}, nil
}

func violationSummary(vs []pipeline.MetricViolation) string {
	if len(vs) == 0 {
		return "No threshold exceeded"
	}
	parts := make([]string, 0, len(vs))
	for _, v := range vs {
		parts = append(parts, fmt.Sprintf("%s %s (%s)", v.Metric, v.Severity, v.Deviation))
	}
	return "Exceeded: " + strings.Join(parts, ", ")
}

func detectorVars(st *pipeline.State, vs []pipeline.MetricViolation) prompt.Vars {
	lines := make([]string, 0, len(vs))
	for _, v := range vs {
		lines = append(lines, fmt.Sprintf("%s = %s (threshold %s, %s, %s)",
			v.Metric, formatNum(v.Value), formatNum(v.Threshold), v.Severity, v.Deviation))
	}
	return prompt.Vars{
		"machine_name": st.Machine.Name,
		"machine_id":   st.MachineID,
		"machine_type": st.Machine.Type,
		"criticality":  string(st.Machine.Criticality),
		"health_score": formatNum(st.Machine.HealthScore),
		"reading":      readingJSON(st.Reading),
		"violations":   bullets(lines),
	}
}

func readingJSON(r pipeline.Reading) string {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", r)
	}
	return string(data)
}
