// Package analytics aggregates business value and pipeline behaviour across sessions.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lucasnoah/factorywatch/internal/pipeline"
)

// Source is the read side of a session store used by analytics.
type Source interface {
	ListSessions(ctx context.Context, limit int) ([]pipeline.Session, error)
	ListLogEntries(ctx context.Context, sessionID string) ([]pipeline.LogEntry, error)
	ListBusinessMetrics(ctx context.Context) ([]pipeline.BusinessMetrics, error)
}

// BusinessValue totals the value records written for planned work orders.
type BusinessValue struct {
	WorkOrders      int     `json:"work_orders"`
	CostAvoided     float64 `json:"cost_avoided"`
	MaintenanceCost float64 `json:"maintenance_cost"`
	NetValue        float64 `json:"net_value"`
	AvgROI          float64 `json:"avg_roi_pct"`
	DowntimeHours   float64 `json:"downtime_hours"`
}

// QueryBusinessValue sums business value records created at or after since.
// A zero since includes everything.
func QueryBusinessValue(ctx context.Context, src Source, since time.Time) (*BusinessValue, error) {
	records, err := src.ListBusinessMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("query business value: %w", err)
	}
	bv := &BusinessValue{}
	var rois []float64
	for _, m := range records {
		if m.CreatedAt.Before(since) {
			continue
		}
		bv.WorkOrders++
		bv.CostAvoided += m.CostAvoided
		bv.MaintenanceCost += m.MaintenanceCost
		bv.DowntimeHours += m.DowntimeHours
		rois = append(rois, m.ROIPercentage)
	}
	bv.NetValue = round1(bv.CostAvoided - bv.MaintenanceCost)
	bv.CostAvoided = round1(bv.CostAvoided)
	bv.MaintenanceCost = round1(bv.MaintenanceCost)
	bv.DowntimeHours = round1(bv.DowntimeHours)
	bv.AvgROI = avg(rois)
	return bv, nil
}

// MachineValue is the business value attributed to one machine.
type MachineValue struct {
	MachineID   string  `json:"machine_id"`
	WorkOrders  int     `json:"work_orders"`
	CostAvoided float64 `json:"cost_avoided"`
	NetValue    float64 `json:"net_value"`
}

// QueryMachineValue groups business value records by machine, highest value first.
func QueryMachineValue(ctx context.Context, src Source, since time.Time) ([]MachineValue, error) {
	records, err := src.ListBusinessMetrics(ctx)
	if err != nil {
		return nil, fmt.Errorf("query machine value: %w", err)
	}
	byMachine := make(map[string]*MachineValue)
	for _, m := range records {
		if m.CreatedAt.Before(since) {
			continue
		}
		mv, ok := byMachine[m.MachineID]
		if !ok {
			mv = &MachineValue{MachineID: m.MachineID}
			byMachine[m.MachineID] = mv
		}
		mv.WorkOrders++
		mv.CostAvoided += m.CostAvoided
		mv.NetValue += m.CostAvoided - m.MaintenanceCost
	}

	results := make([]MachineValue, 0, len(byMachine))
	for _, mv := range byMachine {
		mv.CostAvoided = round1(mv.CostAvoided)
		mv.NetValue = round1(mv.NetValue)
		results = append(results, *mv)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].NetValue != results[j].NetValue {
			return results[i].NetValue > results[j].NetValue
		}
		return results[i].MachineID < results[j].MachineID
	})
	return results, nil
}

// DecisionCount is how often sessions ended with one outcome.
type DecisionCount struct {
	Decision string  `json:"decision"`
	Count    int     `json:"count"`
	Pct      float64 `json:"pct"`
}

// Outcomes recorded for sessions that never reached the validator.
const (
	OutcomeNoAnomaly     = "NO_ANOMALY"
	OutcomeLowConfidence = "LOW_CONFIDENCE"
	OutcomeFailed        = "FAILED"
)

// QueryDecisions classifies finished sessions by how they ended: the safety
// decision when one was made, otherwise why planning was skipped.
func QueryDecisions(ctx context.Context, src Source, since time.Time) ([]DecisionCount, error) {
	sessions, err := src.ListSessions(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	counts := make(map[string]int)
	total := 0
	for _, s := range sessions {
		if s.StartedAt.Before(since) || !s.Status.Terminal() {
			continue
		}
		total++
		counts[outcome(s)]++
	}

	results := make([]DecisionCount, 0, len(counts))
	for d, n := range counts {
		results = append(results, DecisionCount{Decision: d, Count: n, Pct: pct(n, total)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Count != results[j].Count {
			return results[i].Count > results[j].Count
		}
		return results[i].Decision < results[j].Decision
	})
	return results, nil
}

func outcome(s pipeline.Session) string {
	if s.Status == pipeline.SessionFailed {
		return OutcomeFailed
	}
	rs := s.ResultSummary
	switch {
	case rs == nil || !rs.AnomalyDetected:
		return OutcomeNoAnomaly
	case rs.SafetyDecision != "":
		return rs.SafetyDecision
	default:
		return OutcomeLowConfidence
	}
}

// StageDuration holds duration stats for a stage, in milliseconds.
type StageDuration struct {
	Stage     string  `json:"stage"`
	Count     int     `json:"count"`
	Fallbacks int     `json:"fallbacks"`
	Avg       float64 `json:"avg_ms"`
	P50       float64 `json:"p50_ms"`
	P95       float64 `json:"p95_ms"`
}

// QueryStageDurations returns average and percentile durations per stage
// from the agent log entries of sessions started at or after since.
func QueryStageDurations(ctx context.Context, src Source, since time.Time) ([]StageDuration, error) {
	sessions, err := src.ListSessions(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("query stage durations: %w", err)
	}
	durations := make(map[string][]float64)
	fallbacks := make(map[string]int)
	for _, s := range sessions {
		if s.StartedAt.Before(since) {
			continue
		}
		logs, err := src.ListLogEntries(ctx, s.ID)
		if err != nil {
			return nil, fmt.Errorf("list logs for %s: %w", s.ID, err)
		}
		for _, e := range logs {
			stage := string(e.Stage)
			durations[stage] = append(durations[stage], float64(e.DurationMS))
			if fb, _ := e.Output["fallback"].(bool); fb {
				fallbacks[stage]++
			}
		}
	}

	var results []StageDuration
	for stage, d := range durations {
		sort.Float64s(d)
		results = append(results, StageDuration{
			Stage:     stage,
			Count:     len(d),
			Fallbacks: fallbacks[stage],
			Avg:       avg(d),
			P50:       percentile(d, 50),
			P95:       percentile(d, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return stageOrder(results[i].Stage) < stageOrder(results[j].Stage)
	})
	return results, nil
}

func stageOrder(s string) int {
	for i, st := range pipeline.Stages {
		if string(st) == s {
			return i
		}
	}
	return len(pipeline.Stages)
}

// Throughput holds session counts for one ISO week.
type Throughput struct {
	Period      string  `json:"period"`
	Started     int     `json:"started"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Anomalies   int     `json:"anomalies"`
	AvgDuration float64 `json:"avg_duration_seconds"`
}

// QueryThroughput returns session metrics grouped by ISO week, newest first,
// limited to the last ten weeks with activity.
func QueryThroughput(ctx context.Context, src Source, since time.Time) ([]Throughput, error) {
	sessions, err := src.ListSessions(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("query throughput: %w", err)
	}
	type bucket struct {
		Throughput
		durations []float64
	}
	buckets := make(map[string]*bucket)
	for _, s := range sessions {
		if s.StartedAt.Before(since) {
			continue
		}
		year, week := s.StartedAt.ISOWeek()
		period := fmt.Sprintf("%d-W%02d", year, week)
		b, ok := buckets[period]
		if !ok {
			b = &bucket{Throughput: Throughput{Period: period}}
			buckets[period] = b
		}
		b.Started++
		switch s.Status {
		case pipeline.SessionCompleted:
			b.Completed++
		case pipeline.SessionFailed:
			b.Failed++
		}
		if s.ResultSummary != nil && s.ResultSummary.AnomalyDetected {
			b.Anomalies++
		}
		if s.CompletedAt != nil {
			b.durations = append(b.durations, s.CompletedAt.Sub(s.StartedAt).Seconds())
		}
	}

	results := make([]Throughput, 0, len(buckets))
	for _, b := range buckets {
		b.AvgDuration = avg(b.durations)
		results = append(results, b.Throughput)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Period > results[j].Period
	})
	if len(results) > 10 {
		results = results[:10]
	}
	return results, nil
}

// Report bundles every analytics view.
type Report struct {
	Since      *time.Time      `json:"since,omitempty"`
	Value      *BusinessValue  `json:"business_value"`
	Machines   []MachineValue  `json:"machines"`
	Decisions  []DecisionCount `json:"decisions"`
	Stages     []StageDuration `json:"stages"`
	Throughput []Throughput    `json:"throughput"`
}

// Build runs every query against src.
func Build(ctx context.Context, src Source, since time.Time) (*Report, error) {
	r := &Report{}
	if !since.IsZero() {
		r.Since = &since
	}
	var err error
	if r.Value, err = QueryBusinessValue(ctx, src, since); err != nil {
		return nil, err
	}
	if r.Machines, err = QueryMachineValue(ctx, src, since); err != nil {
		return nil, err
	}
	if r.Decisions, err = QueryDecisions(ctx, src, since); err != nil {
		return nil, err
	}
	if r.Stages, err = QueryStageDurations(ctx, src, since); err != nil {
		return nil, err
	}
	if r.Throughput, err = QueryThroughput(ctx, src, since); err != nil {
		return nil, err
	}
	return r, nil
}

// ParseSince parses a --since value: a duration like "168h", a day count
// like "7d", or a date "2006-01-02". An empty value returns the zero time.
func ParseSince(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	var days int
	if n, err := fmt.Sscanf(s, "%dd", &days); err == nil && n == 1 && fmt.Sprintf("%dd", days) == s {
		return now.AddDate(0, 0, -days), nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid since value %q: want a duration, Nd, or YYYY-MM-DD", s)
}

// --- helpers ---

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
