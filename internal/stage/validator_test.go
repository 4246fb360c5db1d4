package stage

import (
	"errors"
	"testing"
	"time"

	"github.com/lucasnoah/factorywatch/internal/config"

	"github.com/lucasnoah/factorywatch/internal/checks"
	"github.com/lucasnoah/factorywatch/internal/pipeline"
)

// plannedState returns testState with a planned work order.
func plannedState(t *testing.T) *pipeline.State {
	t.Helper()
	st := diagnosedState(t)
	e := newTestEngine(t, newMockStore(), fullReasoner(), nil)
	run(t, e.Plan, st)
	return st
}

func gateWith(failed ...string) *checks.GateResult {
	g := &checks.GateResult{Passed: true}
	for _, name := range []string{checks.CheckCostLimit, checks.CheckConfidenceLevel, checks.CheckEmergency, checks.CheckLogic} {
		ok := true
		for _, f := range failed {
			if f == name {
				ok = false
			}
		}
		g.Add(pipeline.SafetyCheck{Check: name, Passed: ok})
	}
	return g
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name string
		v    Verdict
		want pipeline.SafetyDecision
	}{
		{"all pass", Verdict{Gate: gateWith()}, pipeline.DecisionApproved},
		{"emergency overrides passing checks", Verdict{Gate: gateWith(), Emergency: true}, pipeline.DecisionEscalateHuman},
		{"emergency overrides failures", Verdict{Gate: gateWith(checks.CheckLogic), Emergency: true}, pipeline.DecisionEscalateHuman},
		{"logic failure blocks", Verdict{Gate: gateWith(checks.CheckLogic)}, pipeline.DecisionBlocked},
		{"cost failure blocks without review escalation", Verdict{Gate: gateWith(checks.CheckCostLimit)}, pipeline.DecisionBlocked},
		{"cost failure with review escalation", Verdict{Gate: gateWith(checks.CheckCostLimit), ReviewRequiresHuman: true}, pipeline.DecisionEscalateHuman},
		{"review asks for a human", Verdict{Gate: gateWith(), ReviewRequiresHuman: true}, pipeline.DecisionEscalateHuman},
		{"critical machine needs a human", Verdict{Gate: gateWith(), CriticalMachine: true}, pipeline.DecisionEscalateHuman},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.v); got != tt.want {
				t.Errorf("Decide = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestValidate_Approved(t *testing.T) {
	store := newMockStore()
	e := newTestEngine(t, store, fullReasoner(), nil)
	st := plannedState(t)

	run(t, e.Validate, st)

	sa := st.SafetyApproval
	if sa == nil || sa.Decision != pipeline.DecisionApproved || !sa.Approved || sa.RequiresHumanApproval {
		t.Fatalf("approval = %+v", sa)
	}
	if len(sa.Checks) != 4 {
		t.Errorf("expected 4 checks, got %d", len(sa.Checks))
	}
	if st.WorkOrder.Status != pipeline.WorkOrderApproved {
		t.Errorf("work order status = %s", st.WorkOrder.Status)
	}
	if store.woStatus[st.WorkOrder.WONumber] != pipeline.WorkOrderApproved {
		t.Error("work order status not persisted")
	}
	want := []int{65, 68, 72, 76, 80, 85, 88}
	got := store.progressValues()
	if len(got) != len(want) {
		t.Fatalf("progress = %v, want %v", got, want)
	}
}

func TestValidate_UnparseableReviewEscalates(t *testing.T) {
	r := fullReasoner()
	r.responses[pipeline.StageValidator] = "not json at all"
	e := newTestEngine(t, newMockStore(), r, nil)
	st := plannedState(t)

	run(t, e.Validate, st)

	sa := st.SafetyApproval
	if sa.Decision != pipeline.DecisionEscalateHuman || sa.Approved || !sa.Fallback {
		t.Errorf("approval = %+v", sa)
	}
	if st.WorkOrder.Status != pipeline.WorkOrderPending {
		t.Errorf("work order status = %s", st.WorkOrder.Status)
	}
}

func TestValidate_ReviewErrorEscalates(t *testing.T) {
	r := fullReasoner()
	r.errs[pipeline.StageValidator] = errors.New("503")
	e := newTestEngine(t, newMockStore(), r, nil)
	st := plannedState(t)

	run(t, e.Validate, st)

	if st.SafetyApproval.Decision != pipeline.DecisionEscalateHuman {
		t.Errorf("decision = %s", st.SafetyApproval.Decision)
	}
}

func TestValidate_EmergencyOverride(t *testing.T) {
	e := newTestEngine(t, newMockStore(), fullReasoner(), nil)
	st := plannedState(t)
	st.Machine.Criticality = pipeline.SeverityCritical

	run(t, e.Validate, st)

	sa := st.SafetyApproval
	if sa.Decision != pipeline.DecisionEscalateHuman {
		t.Errorf("decision = %s, want ESCALATE_HUMAN", sa.Decision)
	}
	for _, c := range sa.Checks {
		if c.Check == checks.CheckCostLimit && !c.Passed {
			t.Error("cost check should pass in this scenario")
		}
		if c.Check == checks.CheckConfidenceLevel && !c.Passed {
			t.Error("confidence check should pass in this scenario")
		}
	}
}

func TestValidate_LogicMismatchBlocks(t *testing.T) {
	r := fullReasoner()
	r.responses[pipeline.StageValidator] = validatorJSON(false, false)
	store := newMockStore()
	e := newTestEngine(t, store, r, nil)
	st := plannedState(t)

	run(t, e.Validate, st)

	if st.SafetyApproval.Decision != pipeline.DecisionBlocked {
		t.Errorf("decision = %s", st.SafetyApproval.Decision)
	}
	if store.woStatus[st.WorkOrder.WONumber] != pipeline.WorkOrderBlocked {
		t.Error("blocked status not persisted")
	}
}

func TestValidate_NoWorkOrderIsNoop(t *testing.T) {
	e := newTestEngine(t, newMockStore(), fullReasoner(), nil)
	u, err := e.Validate(t.Context(), diagnosedState(t))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !u.Empty() {
		t.Error("validator must no-op without a work order")
	}
}

// engineWithGuardrails is newTestEngine with edited guardrails.
func engineWithGuardrails(t *testing.T, edit func(*config.GuardrailConfig)) *Engine {
	t.Helper()
	cfg := config.Default()
	edit(&cfg.Guardrails)
	e, err := NewEngine(newMockStore(), fullReasoner(), nil, cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	e.SetClock(func() time.Time { return fixedNow })
	return e
}

func TestValidate_CriticalMachineApprovedByDefault(t *testing.T) {
	e := newTestEngine(t, newMockStore(), fullReasoner(), nil)
	st := plannedState(t)
	st.Machine.Criticality = pipeline.SeverityCritical
	st.AnomalyDetails.Severity = pipeline.SeverityHigh

	run(t, e.Validate, st)

	if st.SafetyApproval.Decision != pipeline.DecisionApproved {
		t.Errorf("decision = %s, want APPROVED", st.SafetyApproval.Decision)
	}
}

func TestValidate_CriticalMachineRuleOptIn(t *testing.T) {
	on := true
	e := engineWithGuardrails(t, func(g *config.GuardrailConfig) { g.CriticalMachineRequiresHuman = &on })
	st := plannedState(t)
	st.Machine.Criticality = pipeline.SeverityCritical
	st.AnomalyDetails.Severity = pipeline.SeverityHigh

	run(t, e.Validate, st)

	if st.SafetyApproval.Decision != pipeline.DecisionEscalateHuman {
		t.Errorf("decision = %s, want ESCALATE_HUMAN", st.SafetyApproval.Decision)
	}
}

func TestValidate_LongDowntimeApprovedByDefault(t *testing.T) {
	e := newTestEngine(t, newMockStore(), fullReasoner(), nil)
	st := plannedState(t)
	st.WorkOrder.DowntimeHours = 6

	run(t, e.Validate, st)

	sa := st.SafetyApproval
	if sa.Decision != pipeline.DecisionApproved {
		t.Errorf("decision = %s, want APPROVED", sa.Decision)
	}
	for _, c := range sa.Checks {
		if c.Check == checks.CheckDowntimeLimit {
			t.Error("downtime check should not run without max_downtime_hours")
		}
	}
}

func TestValidate_DowntimeLimitOptIn(t *testing.T) {
	e := engineWithGuardrails(t, func(g *config.GuardrailConfig) { g.MaxDowntimeHours = 4 })
	st := plannedState(t)
	st.WorkOrder.DowntimeHours = 6

	run(t, e.Validate, st)

	if st.SafetyApproval.Decision != pipeline.DecisionBlocked {
		t.Errorf("decision = %s, want BLOCKED", st.SafetyApproval.Decision)
	}
}
