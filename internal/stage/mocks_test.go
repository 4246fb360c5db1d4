package stage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/factorywatch/internal/config"
	"github.com/lucasnoah/factorywatch/internal/pipeline"
)

// --- Mock Reasoner ---

// mockReasoner answers by stage, recognised from the system prompt.
type mockReasoner struct {
	mu        sync.Mutex
	responses map[pipeline.StageName]string
	errs      map[pipeline.StageName]error
	calls     []pipeline.StageName
	prompts   map[pipeline.StageName]string
}

func newMockReasoner() *mockReasoner {
	return &mockReasoner{
		responses: make(map[pipeline.StageName]string),
		errs:      make(map[pipeline.StageName]error),
		prompts:   make(map[pipeline.StageName]string),
	}
}

func stageOf(system string) pipeline.StageName {
	switch {
	case strings.Contains(system, "anomaly detection agent"):
		return pipeline.StageDetector
	case strings.Contains(system, "diagnosis agent"):
		return pipeline.StageDiagnoser
	case strings.Contains(system, "planning agent"):
		return pipeline.StagePlanner
	case strings.Contains(system, "safety agent"):
		return pipeline.StageValidator
	case strings.Contains(system, "communication agent"):
		return pipeline.StageNotifier
	}
	return ""
}

func (m *mockReasoner) Evaluate(_ context.Context, system, user string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := stageOf(system)
	m.calls = append(m.calls, s)
	m.prompts[s] = user
	if err := m.errs[s]; err != nil {
		return "", err
	}
	if r, ok := m.responses[s]; ok {
		return r, nil
	}
	return "", fmt.Errorf("no response for %s", s)
}

func (m *mockReasoner) called(s pipeline.StageName) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == s {
			n++
		}
	}
	return n
}

// --- Mock Messenger ---

type pushed struct {
	To   string
	Text string
}

type mockMessenger struct {
	mu     sync.Mutex
	pushes []pushed
	err    error
}

func (m *mockMessenger) Push(_ context.Context, to, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.pushes = append(m.pushes, pushed{To: to, Text: text})
	return fmt.Sprintf("msg-%d", len(m.pushes)), nil
}

// --- Mock Store ---

type progressCall struct {
	Stage    pipeline.StageName
	Action   string
	Progress int
}

type mockStore struct {
	mu            sync.Mutex
	progress      []progressCall
	logs          []pipeline.LogEntry
	anomalies     []*pipeline.AnomalyDetails
	diagnoses     []*pipeline.Diagnosis
	workOrders    []*pipeline.WorkOrder
	woStatus      map[string]pipeline.WorkOrderStatus
	metrics       []*pipeline.BusinessMetrics
	notifications []pipeline.Notification
	sent          map[string]string
	finalized     []pipeline.SessionStatus
	summary       *pipeline.ResultSummary

	technicians []pipeline.Technician
	parts       []pipeline.Part
	employees   []pipeline.Employee

	failOn map[string]error // method name -> error
}

func newMockStore() *mockStore {
	return &mockStore{
		woStatus: make(map[string]pipeline.WorkOrderStatus),
		sent:     make(map[string]string),
		failOn:   make(map[string]error),
		technicians: []pipeline.Technician{
			{ID: "EMP001", Name: "Somchai Jaidee", SkillLevel: 5, Specializations: []string{"PUMP", "BEARING"}, Available: true},
			{ID: "EMP002", Name: "Wichai Rakngan", SkillLevel: 4, Specializations: []string{"FAN", "MOTOR"}, Available: true},
		},
		parts: []pipeline.Part{
			{PartNumber: "BRG-6205", Name: "Ball bearing 6205", Category: "BEARING", Quantity: 12, UnitCost: 850},
			{PartNumber: "SEAL-M25", Name: "Mechanical seal 25mm", Category: "SEAL", Quantity: 4, UnitCost: 3200},
		},
		employees: []pipeline.Employee{
			{Name: "Somchai Jaidee", Role: "TECHNICIAN", LineUserID: "U-somchai"},
			{Name: "Wichai Rakngan", Role: "TECHNICIAN", LineUserID: "U-wichai"},
			{Name: "Nuanphan Suayngam", Role: "MANAGER", LineUserID: "U-manager"},
			{Name: "Damrong Wichacheep", Role: "MAINTENANCE_HEAD", LineUserID: "U-head"},
		},
	}
}

func (m *mockStore) fail(method string) error {
	return m.failOn[method]
}

func (m *mockStore) UpdateProgress(_ context.Context, _ string, stage pipeline.StageName, action string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpdateProgress"); err != nil {
		return err
	}
	m.progress = append(m.progress, progressCall{stage, action, progress})
	return nil
}

func (m *mockStore) SaveLogEntry(_ context.Context, entry *pipeline.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("SaveLogEntry"); err != nil {
		return err
	}
	m.logs = append(m.logs, *entry)
	return nil
}

func (m *mockStore) SaveAnomaly(_ context.Context, _, _, _ string, d *pipeline.AnomalyDetails) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anomalies = append(m.anomalies, d)
	return m.fail("SaveAnomaly")
}

func (m *mockStore) SaveDiagnosis(_ context.Context, _, _ string, d *pipeline.Diagnosis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.diagnoses = append(m.diagnoses, d)
	return m.fail("SaveDiagnosis")
}

func (m *mockStore) SaveWorkOrder(_ context.Context, _, _ string, wo *pipeline.WorkOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workOrders = append(m.workOrders, wo)
	m.woStatus[wo.WONumber] = wo.Status
	return m.fail("SaveWorkOrder")
}

func (m *mockStore) UpdateWorkOrderStatus(_ context.Context, wo string, status pipeline.WorkOrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.woStatus[wo] = status
	return m.fail("UpdateWorkOrderStatus")
}

func (m *mockStore) SaveBusinessMetrics(_ context.Context, bm *pipeline.BusinessMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = append(m.metrics, bm)
	return m.fail("SaveBusinessMetrics")
}

func (m *mockStore) SaveNotification(_ context.Context, n *pipeline.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, *n)
	return m.fail("SaveNotification")
}

func (m *mockStore) MarkNotificationSent(_ context.Context, _, id, lineID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent[id] = lineID
	return nil
}

func (m *mockStore) AvailableTechnicians(context.Context) ([]pipeline.Technician, error) {
	if err := m.fail("AvailableTechnicians"); err != nil {
		return nil, err
	}
	return m.technicians, nil
}

func (m *mockStore) PartsInStock(context.Context) ([]pipeline.Part, error) {
	if err := m.fail("PartsInStock"); err != nil {
		return nil, err
	}
	return m.parts, nil
}

func (m *mockStore) FindEmployee(_ context.Context, name string, roles []string) (*pipeline.Employee, error) {
	if name != "" {
		for _, e := range m.employees {
			if e.Name == name && (len(roles) == 0 || slices.Contains(roles, e.Role)) {
				e := e
				return &e, nil
			}
		}
		return nil, nil
	}
	for _, r := range roles {
		for _, e := range m.employees {
			if e.Role == r {
				e := e
				return &e, nil
			}
		}
	}
	return nil, nil
}

func (m *mockStore) FinalizeSession(_ context.Context, _ string, status pipeline.SessionStatus, summary *pipeline.ResultSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FinalizeSession"); err != nil {
		return err
	}
	m.finalized = append(m.finalized, status)
	m.summary = summary
	return nil
}

func (m *mockStore) progressValues() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.progress))
	for _, p := range m.progress {
		out = append(out, p.Progress)
	}
	return out
}

// --- Fixtures ---

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, store *mockStore, r *mockReasoner, msg Messenger) *Engine {
	t.Helper()
	e, err := NewEngine(store, r, msg, config.Default())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	e.SetClock(func() time.Time { return fixedNow })
	return e
}

func f64(v float64) *float64 { return &v }

// testState is a bearing-wear reading on a HIGH criticality pump.
func testState() *pipeline.State {
	machine := pipeline.Machine{
		MachineID:   "PMP-TRF-05",
		Name:        "Transfer Pump 5",
		Type:        "PUMP",
		Location:    "Utility building",
		Criticality: pipeline.SeverityHigh,
		HealthScore: 88,
	}
	reading := pipeline.Reading{
		ID:               "r-1",
		MachineID:        machine.MachineID,
		Timestamp:        fixedNow,
		VibRMSHorizontal: 4.5,
		VibRMSVertical:   2.0,
		VibPeakAccel:     0.5,
		BearingTemp:      88,
	}
	thresholds := []pipeline.Threshold{
		{MachineType: "PUMP", Metric: "vib_rms_horizontal", WarningHigh: f64(2.8), CriticalHigh: f64(3.0)},
		{MachineType: "PUMP", Metric: "vib_rms_vertical", WarningHigh: f64(2.5), CriticalHigh: f64(3.5)},
		{MachineType: "PUMP", Metric: "bearing_temp", WarningHigh: f64(75), CriticalHigh: f64(85)},
	}
	return pipeline.NewState("sess-1", reading, machine, thresholds)
}

// quietState has every value inside its bounds.
func quietState() *pipeline.State {
	st := testState()
	st.Reading.VibRMSHorizontal = 1.2
	st.Reading.BearingTemp = 60
	return st
}

const detectorAnomalyJSON = `{
  "thinking_rounds": [{"round": 1, "thought": "vibration and temperature both high", "observation": "two critical", "conclusion": "bearing"}],
  "decision_analysis": {
    "options_considered": [
      {"option": "ANOMALY_DETECTED", "pros": ["two critical bounds"], "cons": [], "score": 95},
      {"option": "FALSE_POSITIVE", "pros": [], "cons": ["sustained"], "score": 5}
    ],
    "selected_option": "ANOMALY_DETECTED",
    "selection_reason": "combined vibration and temperature"
  },
  "isAnomaly": true,
  "severity": "CRITICAL",
  "anomalyType": "BEARING_WEAR",
  "confidence": 92,
  "reasoning": "Bearing wear pattern"
}`

func diagnoserJSON(confidence string) string {
	return `{
  "thinking_rounds": [{"round": 1, "thought": "t", "observation": "o", "conclusion": "c"}],
  "possible_causes": [
    {"cause": "BEARING_WEAR", "description": "worn bearing", "confidence": 88, "supporting_evidence": ["temp"], "contradicting_evidence": []},
    {"cause": "IMBALANCE", "description": "rotor imbalance", "confidence": 20}
  ],
  "selected_cause": "BEARING_WEAR",
  "root_cause": "Bearing wear on drive end",
  "confidence_level": ` + confidence + `,
  "prediction": {"predicted_failure_days": 3, "failure_probability": 0.75, "maintenance_urgency": "URGENT", "estimated_downtime_hours": 3},
  "business_impact": {"cost_impact": 150000, "production_value_preserved": 150000, "maintenance_cost": 9300, "roi_percentage": 1512.9, "business_impact_score": 8},
  "supporting_evidence": ["bearing_temp 88"],
  "recommended_action": "Replace drive-end bearing",
  "reasoning": "Temperature and vibration rise together"
}`
}

const plannerJSON = "```json\n" + `{
  "thinking_rounds": [{"round": 1, "thought": "pick", "observation": "Somchai knows pumps", "conclusion": "assign"}],
  "technician_selection": {
    "candidates": [{"name": "Somchai Jaidee", "match_score": 95, "reasons": ["bearing specialist"]}],
    "selected_technician": {"name": "Somchai Jaidee", "selection_reason": "bearing specialist"}
  },
  "schedule_optimization": {"production_downtime_hours": 3},
  "cost_analysis": {"total_estimated_cost": 9300, "roi_projection": 1512.9, "cost_breakdown": {"production_preservation": 150000}},
  "work_order": {
    "title": "Replace drive-end bearing",
    "description": "Swap bearing and check alignment",
    "maintenance_type": "predictive",
    "priority": "HIGH",
    "assigned_technician": "Somchai Jaidee",
    "scheduled_start": "2026-03-02T22:00:00Z",
    "scheduled_end": "2026-03-03T01:00:00Z",
    "parts_needed": [
      {"part_number": "BRG-6205", "name": "Ball bearing 6205", "quantity": 2, "unit_cost": 850},
      {"part_number": "NOPE-1", "name": "Imaginary", "quantity": 1, "unit_cost": 10}
    ],
    "estimated_cost": 9300,
    "safety_requirements": ["lockout/tagout"]
  },
  "reasoning": "Night window avoids production loss"
}` + "\n```"

func validatorJSON(logicOK, requiresHuman bool) string {
	return fmt.Sprintf(`{
  "thinking_rounds": [{"round": 1, "thought": "check", "observation": "consistent", "conclusion": "ok"}],
  "logic_check": {"action_matches_diagnosis": %t, "technician_qualified": true, "parts_appropriate": true, "timing_appropriate": true, "explanation": "bearing replacement fits bearing wear"},
  "additional_risks": [{"risk": "hot surface", "severity": "LOW", "mitigation": "cool down"}],
  "decision": {"result": "APPROVED", "reason": "plan is consistent", "requires_human": %t},
  "reasoning": "consistent plan"
}`, logicOK, requiresHuman)
}

const notifierJSON = `{
  "messages": [
    {"recipient_type": "PLANT_MANAGER", "title": "Critical bearing wear", "content": "Pump needs attention"},
    {"recipient_type": "TECHNICIAN", "title": "Work order", "content": "Replace the bearing tonight"}
  ],
  "reasoning": "role-specific messages"
}`

// fullReasoner answers every stage successfully.
func fullReasoner() *mockReasoner {
	r := newMockReasoner()
	r.responses[pipeline.StageDetector] = detectorAnomalyJSON
	r.responses[pipeline.StageDiagnoser] = diagnoserJSON("90")
	r.responses[pipeline.StagePlanner] = plannerJSON
	r.responses[pipeline.StageValidator] = validatorJSON(true, false)
	r.responses[pipeline.StageNotifier] = notifierJSON
	return r
}

// run applies stage to st and returns the update.
func run(t *testing.T, fn Func, st *pipeline.State) pipeline.Update {
	t.Helper()
	u, err := fn(context.Background(), st)
	if err != nil {
		t.Fatalf("stage error: %v", err)
	}
	st.Apply(u)
	return u
}
