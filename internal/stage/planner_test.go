package stage

import (
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/factorywatch/internal/pipeline"
)

// diagnosedState returns testState after detection and a 90% diagnosis.
func diagnosedState(t *testing.T) *pipeline.State {
	t.Helper()
	st := detectedState(t)
	e := newTestEngine(t, newMockStore(), fullReasoner(), nil)
	run(t, e.Diagnose, st)
	return st
}

func TestPlan_NoDiagnosisIsNoop(t *testing.T) {
	store := newMockStore()
	e := newTestEngine(t, store, fullReasoner(), nil)
	st := detectedState(t)

	u, err := e.Plan(t.Context(), st)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !u.Empty() || len(store.progress) != 0 {
		t.Error("planner must no-op without a diagnosis")
	}
}

func TestPlan_FromResponse(t *testing.T) {
	store := newMockStore()
	e := newTestEngine(t, store, fullReasoner(), nil)
	st := diagnosedState(t)

	run(t, e.Plan, st)

	wo := st.WorkOrder
	if wo == nil {
		t.Fatal("expected work order")
	}
	if wo.WONumber != "WO-"+itoa(fixedNow.UnixMilli()) {
		t.Errorf("wo number = %s", wo.WONumber)
	}
	if wo.AssignedTechnician != "Somchai Jaidee" || wo.Priority != pipeline.PriorityHigh {
		t.Errorf("work order = %+v", wo)
	}
	if wo.MaintenanceType != "PREDICTIVE" {
		t.Errorf("maintenance type = %q", wo.MaintenanceType)
	}
	if len(wo.PartsNeeded) != 1 || wo.PartsNeeded[0].PartNumber != "BRG-6205" {
		t.Errorf("unknown parts must be dropped: %+v", wo.PartsNeeded)
	}
	wantStart := time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)
	if !wo.ScheduledStart.Equal(wantStart) {
		t.Errorf("start = %v, want %v", wo.ScheduledStart, wantStart)
	}
	if wo.EstimatedCost != 9300 || wo.DowntimeHours != 3 || wo.Status != pipeline.WorkOrderPending {
		t.Errorf("work order = %+v", wo)
	}
	if len(st.Technicians) != 2 || len(st.Parts) != 2 {
		t.Errorf("resource snapshot not returned: %d techs, %d parts", len(st.Technicians), len(st.Parts))
	}
	if len(store.workOrders) != 1 || len(store.metrics) != 1 {
		t.Fatal("work order and business metrics must be saved")
	}
	bm := store.metrics[0]
	if bm.CostAvoided != 150000 || bm.MaintenanceCost != 9300 || bm.ROIPercentage != 1512.9 {
		t.Errorf("business metrics = %+v", bm)
	}
}

func TestPlan_Fallback(t *testing.T) {
	r := fullReasoner()
	r.errs[pipeline.StagePlanner] = errors.New("rate limited")
	store := newMockStore()
	e := newTestEngine(t, store, r, nil)
	st := diagnosedState(t)

	run(t, e.Plan, st)

	wo := st.WorkOrder
	if !wo.Fallback || wo.AssignedTechnician != "Somchai Jaidee" || len(wo.PartsNeeded) != 0 {
		t.Errorf("work order = %+v", wo)
	}
	if wo.Priority != pipeline.PriorityUrgent {
		t.Errorf("critical anomaly should give URGENT, got %s", wo.Priority)
	}
	if wo.EstimatedCost != fallbackWOCost {
		t.Errorf("cost = %v", wo.EstimatedCost)
	}
	if !wo.ScheduledStart.Equal(fixedNow) || wo.ScheduledEnd.Sub(wo.ScheduledStart) != 4*time.Hour {
		t.Errorf("window = %v - %v", wo.ScheduledStart, wo.ScheduledEnd)
	}
	if !strings.HasPrefix(wo.Title, "Repair Transfer Pump 5 - ") {
		t.Errorf("title = %q", wo.Title)
	}
}

func TestPlan_NoTechnicians(t *testing.T) {
	r := fullReasoner()
	r.errs[pipeline.StagePlanner] = errors.New("down")
	store := newMockStore()
	store.technicians = nil
	store.parts = nil
	e := newTestEngine(t, store, r, nil)
	st := diagnosedState(t)

	run(t, e.Plan, st)

	if st.WorkOrder.AssignedTechnician != unassigned {
		t.Errorf("technician = %q", st.WorkOrder.AssignedTechnician)
	}
}

func TestPlan_LookupErrorPropagates(t *testing.T) {
	store := newMockStore()
	store.failOn["PartsInStock"] = errors.New("connection reset")
	e := newTestEngine(t, store, fullReasoner(), nil)

	_, err := e.Plan(t.Context(), diagnosedState(t))
	if err == nil || !strings.Contains(err.Error(), "lookup parts") {
		t.Fatalf("expected lookup error, got %v", err)
	}
}

func TestWorkOrderFrom_Defaults(t *testing.T) {
	st := diagnosedState(t)
	techs := []pipeline.Technician{{Name: "Wichai Rakngan"}}
	wo := workOrderFrom(&plannerResponse{}, st, techs, nil, fixedNow)

	if wo.Title != "Maintenance Work Order" || wo.Priority != pipeline.PriorityHigh {
		t.Errorf("work order = %+v", wo)
	}
	if wo.AssignedTechnician != "Wichai Rakngan" {
		t.Errorf("technician = %q", wo.AssignedTechnician)
	}
	if !wo.ScheduledStart.Equal(fixedNow.Add(2*time.Hour)) || !wo.ScheduledEnd.Equal(fixedNow.Add(6*time.Hour)) {
		t.Errorf("window = %v - %v", wo.ScheduledStart, wo.ScheduledEnd)
	}
	if wo.EstimatedCost != fallbackWOCost {
		t.Errorf("cost = %v", wo.EstimatedCost)
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
