package stage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/factorywatch/internal/pipeline"
	"github.com/lucasnoah/factorywatch/internal/prompt"
)

const (
	actionResourcePlanning = "RESOURCE_PLANNING"

	decisionWorkOrder = "WORK_ORDER_CREATED"

	unassigned       = "Unassigned"
	fallbackWOCost   = 5000
	fallbackWOLength = 4 * time.Hour
)

// plannerResponse is the JSON the reasoner returns for a maintenance plan.
type plannerResponse struct {
	ThinkingRounds      []roundJSON `json:"thinking_rounds"`
	TechnicianSelection struct {
		Candidates []struct {
			Name       string   `json:"name"`
			MatchScore float64  `json:"match_score"`
			Reasons    []string `json:"reasons"`
		} `json:"candidates"`
		SelectedTechnician struct {
			Name            string `json:"name"`
			SelectionReason string `json:"selection_reason"`
		} `json:"selected_technician"`
	} `json:"technician_selection"`
	ScheduleOptimization struct {
		ProductionDowntimeHours float64 `json:"production_downtime_hours"`
	} `json:"schedule_optimization"`
	CostAnalysis struct {
		TotalEstimatedCost float64 `json:"total_estimated_cost"`
		ROIProjection      float64 `json:"roi_projection"`
		CostBreakdown      struct {
			ProductionPreservation float64 `json:"production_preservation"`
		} `json:"cost_breakdown"`
	} `json:"cost_analysis"`
	WorkOrder struct {
		Title                   string              `json:"title"`
		Description             string              `json:"description"`
		MaintenanceType         string              `json:"maintenance_type"`
		Priority                string              `json:"priority"`
		AssignedTechnician      string              `json:"assigned_technician"`
		ScheduledStart          string              `json:"scheduled_start"`
		ScheduledEnd            string              `json:"scheduled_end"`
		ProductionDowntimeHours float64             `json:"production_downtime_hours"`
		PartsNeeded             []pipeline.PartLine `json:"parts_needed"`
		EstimatedCost           float64             `json:"estimated_cost"`
		SafetyRequirements      []string            `json:"safety_requirements"`
	} `json:"work_order"`
	Reasoning string `json:"reasoning"`
}

// Plan books a technician, parts and a time window for a diagnosed fault.
func (e *Engine) Plan(ctx context.Context, st *pipeline.State) (pipeline.Update, error) {
	const stage = pipeline.StagePlanner
	if st.Diagnosis == nil {
		return pipeline.Update{}, nil
	}
	start := time.Now()
	d := st.Diagnosis
	e.logf("%s: planning work for %s", stage, d.RootCause)

	if err := e.setProgress(ctx, st, stage, "Loading technicians and parts", 45); err != nil {
		return pipeline.Update{}, err
	}
	techs, parts, err := e.lookupResources(ctx)
	if err != nil {
		return pipeline.Update{}, err
	}
	tr := newTrail(e.now)
	tr.add(
		"Who and what is available right now?",
		fmt.Sprintf("%d technician(s) available, %d part(s) in stock", len(techs), len(parts)),
		"Resource snapshot taken",
	)

	if err := e.setProgress(ctx, st, stage, "Evaluating technicians", 50); err != nil {
		return pipeline.Update{}, err
	}
	if err := e.setProgress(ctx, st, stage, "Optimizing maintenance schedule", 55); err != nil {
		return pipeline.Update{}, err
	}
	now := e.now().UTC()
	resp, err := ask[plannerResponse](ctx, e, stage, e.plannerVars(st, techs, parts, now))
	fallback := err != nil
	var wo *pipeline.WorkOrder
	var costAvoided float64
	if fallback {
		e.fellBack(ctx, stage, err)
		wo = fallbackWorkOrder(st, techs, now)
	} else {
		tr.merge(resp.ThinkingRounds)
		wo = workOrderFrom(resp, st, techs, parts, now)
		costAvoided = resp.CostAnalysis.CostBreakdown.ProductionPreservation
	}
	costAvoided = firstPositive(costAvoided, d.BusinessImpact.ProductionValuePreserved)

	if err := e.setProgress(ctx, st, stage, "Building work order", 58); err != nil {
		return pipeline.Update{}, err
	}
	tr.add(
		"Finalize the work order",
		fmt.Sprintf("%s assigned, %d part line(s), cost %s", wo.AssignedTechnician, len(wo.PartsNeeded), formatNum(wo.EstimatedCost)),
		fmt.Sprintf("%s priority %s, %s to %s", wo.WONumber, wo.Priority,
			wo.ScheduledStart.Format(time.RFC3339), wo.ScheduledEnd.Format(time.RFC3339)),
	)

	entry := e.newLogEntry(st, stage, actionResourcePlanning)
	entry.Input = map[string]any{
		"root_cause":  d.RootCause,
		"confidence":  d.Confidence,
		"technicians": len(techs),
		"parts":       len(parts),
	}
	reasoning := fmt.Sprintf("Planned %s for %s", wo.Title, st.Machine.Name)
	var candidates []optionJSON
	selectReason := ""
	if !fallback {
		reasoning = firstNonEmpty(resp.Reasoning, reasoning)
		selectReason = resp.TechnicianSelection.SelectedTechnician.SelectionReason
		for _, c := range resp.TechnicianSelection.Candidates {
			candidates = append(candidates, optionJSON{Option: c.Name, Pros: c.Reasons, Score: c.MatchScore})
		}
	} else {
		reasoning = "Fallback plan: first available technician, no parts reserved, default cost"
	}
	entry.Reasoning = reasoning
	entry.ThinkingRounds = tr.rounds
	entry.DecisionPath = decisionPath("Which technician should do the work?", candidates, nil,
		wo.AssignedTechnician, firstNonEmpty(selectReason, reasoning))
	entry.Decision = decisionWorkOrder
	entry.NextStage = string(pipeline.StageValidator)
	entry.Output = map[string]any{
		"wo_number":      wo.WONumber,
		"priority":       wo.Priority,
		"technician":     wo.AssignedTechnician,
		"estimated_cost": wo.EstimatedCost,
		"downtime_hours": wo.DowntimeHours,
		"parts":          wo.PartsNeeded,
		"fallback":       fallback,
	}

	action := fmt.Sprintf("Work order %s created", wo.WONumber)
	if err := e.setProgress(ctx, st, stage, action, 60); err != nil {
		return pipeline.Update{}, err
	}
	if err := e.saveLog(ctx, entry, start); err != nil {
		return pipeline.Update{}, err
	}
	if err := e.store.SaveWorkOrder(ctx, st.SessionID, st.MachineID, wo); err != nil {
		return pipeline.Update{}, fmt.Errorf("save work order: %w", err)
	}
	bm := &pipeline.BusinessMetrics{
		SessionID:       st.SessionID,
		MachineID:       st.MachineID,
		WONumber:        wo.WONumber,
		CostAvoided:     costAvoided,
		MaintenanceCost: wo.EstimatedCost,
		DowntimeHours:   wo.DowntimeHours,
		CreatedAt:       now,
	}
	if wo.EstimatedCost > 0 {
		bm.ROIPercentage = round2((costAvoided - wo.EstimatedCost) / wo.EstimatedCost * 100)
	}
	if err := e.store.SaveBusinessMetrics(ctx, bm); err != nil {
		return pipeline.Update{}, fmt.Errorf("save business metrics: %w", err)
	}
	e.logf("%s: %s (%s, %s)", stage, action, wo.Priority, wo.AssignedTechnician)
	e.finish(stage, start, fallback)

	return pipeline.Update{
		CurrentStage:  pipeline.Ptr(stage),
		CurrentAction: pipeline.Ptr(action),
		Progress:      pipeline.Ptr(60),
		WorkOrder:     wo,
		Technicians:   techs,
		Parts:         parts,
		Logs:          []pipeline.LogEntry{*entry},
	}, nil
}

// lookupResources loads technicians and stock concurrently.
func (e *Engine) lookupResources(ctx context.Context) ([]pipeline.Technician, []pipeline.Part, error) {
	var (
		techs []pipeline.Technician
		parts []pipeline.Part
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		techs, err = e.store.AvailableTechnicians(gctx)
		if err != nil {
			return fmt.Errorf("lookup technicians: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		parts, err = e.store.PartsInStock(gctx)
		if err != nil {
			return fmt.Errorf("lookup parts: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if techs == nil {
		techs = []pipeline.Technician{}
	}
	if parts == nil {
		parts = []pipeline.Part{}
	}
	return techs, parts, nil
}

func newWONumber(now time.Time) string {
	return fmt.Sprintf("WO-%d", now.UnixMilli())
}

func fallbackWorkOrder(st *pipeline.State, techs []pipeline.Technician, now time.Time) *pipeline.WorkOrder {
	priority := pipeline.PriorityHigh
	if st.AnomalyDetails != nil && st.AnomalyDetails.Severity == pipeline.SeverityCritical {
		priority = pipeline.PriorityUrgent
	}
	tech := unassigned
	if len(techs) > 0 {
		tech = techs[0].Name
	}
	return &pipeline.WorkOrder{
		WONumber:           newWONumber(now),
		Title:              fmt.Sprintf("Repair %s - %s", st.Machine.Name, st.Diagnosis.RootCause),
		Description:        st.Diagnosis.RecommendedAction,
		MaintenanceType:    "CORRECTIVE",
		Priority:           priority,
		AssignedTechnician: tech,
		ScheduledStart:     now,
		ScheduledEnd:       now.Add(fallbackWOLength),
		PartsNeeded:        []pipeline.PartLine{},
		EstimatedCost:      fallbackWOCost,
		DowntimeHours:      st.Diagnosis.Prediction.EstimatedDowntimeHours,
		Status:             pipeline.WorkOrderPending,
		Fallback:           true,
	}
}

// workOrderFrom coerces a reasoner plan into a WorkOrder. Technicians and parts
// are only accepted when they exist in the resource snapshot.
func workOrderFrom(r *plannerResponse, st *pipeline.State, techs []pipeline.Technician, stock []pipeline.Part, now time.Time) *pipeline.WorkOrder {
	w := r.WorkOrder
	wo := &pipeline.WorkOrder{
		WONumber:           newWONumber(now),
		Title:              firstNonEmpty(w.Title, "Maintenance Work Order"),
		Description:        firstNonEmpty(w.Description, st.Diagnosis.RecommendedAction),
		MaintenanceType:    firstNonEmpty(strings.ToUpper(w.MaintenanceType), "PREDICTIVE"),
		SafetyRequirements: w.SafetyRequirements,
		ROIProjection:      r.CostAnalysis.ROIProjection,
		Status:             pipeline.WorkOrderPending,
	}
	if p, ok := parsePriority(w.Priority); ok {
		wo.Priority = p
	} else {
		wo.Priority = pipeline.PriorityHigh
	}

	wo.AssignedTechnician = matchTechnician(techs,
		w.AssignedTechnician, r.TechnicianSelection.SelectedTechnician.Name)

	wo.ScheduledStart = parseTime(w.ScheduledStart, now.Add(2*time.Hour))
	wo.ScheduledEnd = parseTime(w.ScheduledEnd, now.Add(6*time.Hour))
	if !wo.ScheduledEnd.After(wo.ScheduledStart) {
		wo.ScheduledEnd = wo.ScheduledStart.Add(fallbackWOLength)
	}

	byNumber := make(map[string]pipeline.Part, len(stock))
	for _, p := range stock {
		byNumber[p.PartNumber] = p
	}
	wo.PartsNeeded = []pipeline.PartLine{}
	var partsCost float64
	for _, line := range w.PartsNeeded {
		p, ok := byNumber[line.PartNumber]
		if !ok {
			continue
		}
		if line.Quantity <= 0 {
			line.Quantity = 1
		}
		if line.Quantity > p.Quantity {
			line.Quantity = p.Quantity
		}
		line.Name = firstNonEmpty(line.Name, p.Name)
		if line.UnitCost <= 0 {
			line.UnitCost = p.UnitCost
		}
		partsCost += line.UnitCost * float64(line.Quantity)
		wo.PartsNeeded = append(wo.PartsNeeded, line)
	}

	wo.EstimatedCost = firstPositive(w.EstimatedCost, r.CostAnalysis.TotalEstimatedCost, partsCost, fallbackWOCost)
	wo.DowntimeHours = firstPositive(w.ProductionDowntimeHours, r.ScheduleOptimization.ProductionDowntimeHours,
		st.Diagnosis.Prediction.EstimatedDowntimeHours)
	return wo
}

func matchTechnician(techs []pipeline.Technician, names ...string) string {
	for _, name := range names {
		for _, t := range techs {
			if name != "" && strings.EqualFold(strings.TrimSpace(name), t.Name) {
				return t.Name
			}
		}
	}
	if len(techs) > 0 {
		return techs[0].Name
	}
	return unassigned
}

func parseTime(s string, def time.Time) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return def
}

func (e *Engine) plannerVars(st *pipeline.State, techs []pipeline.Technician, parts []pipeline.Part, now time.Time) prompt.Vars {
	d := st.Diagnosis
	techLines := make([]string, 0, len(techs))
	for _, t := range techs {
		techLines = append(techLines, fmt.Sprintf("%s (skill %d, %s)", t.Name, t.SkillLevel, strings.Join(t.Specializations, ", ")))
	}
	partLines := make([]string, 0, len(parts))
	for _, p := range parts {
		partLines = append(partLines, fmt.Sprintf("%s %s: %d in stock at %s THB", p.PartNumber, p.Name, p.Quantity, formatNum(p.UnitCost)))
	}
	severity := ""
	if st.AnomalyDetails != nil {
		severity = string(st.AnomalyDetails.Severity)
	}
	return prompt.Vars{
		"machine_name":       st.Machine.Name,
		"machine_type":       st.Machine.Type,
		"criticality":        string(st.Machine.Criticality),
		"location":           firstNonEmpty(st.Machine.Location, "unknown"),
		"health_score":       formatNum(st.Machine.HealthScore),
		"root_cause":         d.RootCause,
		"confidence":         formatNum(d.Confidence),
		"recommended_action": d.RecommendedAction,
		"time_to_failure":    d.TimeToFailure,
		"severity":           firstNonEmpty(severity, "UNKNOWN"),
		"technicians":        bullets(techLines),
		"parts":              bullets(partLines),
		"production_rate":    formatNum(e.cfg.Pipeline.ProductionRatePerHour),
		"downtime_cost":      formatNum(e.cfg.Pipeline.DowntimeCostPerHour),
		"now":                now.Format(time.RFC3339),
	}
}
