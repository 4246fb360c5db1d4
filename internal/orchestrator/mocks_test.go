package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/factorywatch/internal/catalog"
	"github.com/lucasnoah/factorywatch/internal/config"
	"github.com/lucasnoah/factorywatch/internal/pipeline"
	"github.com/lucasnoah/factorywatch/internal/stage"
)

// --- Mock Reasoner ---

// scriptedReasoner answers by the agent phrase found in the system prompt.
type scriptedReasoner struct {
	mu      sync.Mutex
	answers map[string]string // phrase -> response
	panicOn string
	calls   []string
}

var agentPhrases = []string{
	"anomaly detection agent",
	"diagnosis agent",
	"planning agent",
	"safety agent",
	"communication agent",
}

func (r *scriptedReasoner) Evaluate(_ context.Context, system, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range agentPhrases {
		if !strings.Contains(system, p) {
			continue
		}
		r.calls = append(r.calls, p)
		if p == r.panicOn {
			panic("reasoner exploded")
		}
		if a, ok := r.answers[p]; ok {
			return a, nil
		}
		return "", fmt.Errorf("no answer for %s", p)
	}
	return "", fmt.Errorf("unknown agent")
}

func (r *scriptedReasoner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// --- Mock Messenger ---

type recordingMessenger struct {
	mu sync.Mutex
	to []string
}

func (m *recordingMessenger) Push(_ context.Context, to, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.to = append(m.to, to)
	return fmt.Sprintf("line-%d", len(m.to)), nil
}

// --- Mock Publisher ---

type recordingPublisher struct {
	mu      sync.Mutex
	updates []pipeline.StreamUpdate
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, u pipeline.StreamUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, u)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

// --- Failing Store ---

// flakyStore is a FileStore whose diagnosis writes fail.
type flakyStore struct {
	*pipeline.FileStore
	err error
}

func (s *flakyStore) SaveDiagnosis(context.Context, string, string, *pipeline.Diagnosis) error {
	return s.err
}

// --- Fixtures ---

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func f64(v float64) *float64 { return &v }

// testCatalog is the seed catalog with one HIGH criticality pump whose
// vibration and bearing temperature bounds are 3.0 and 85.
func testCatalog(t *testing.T) *pipeline.Catalog {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default: %v", err)
	}
	cat.Machines = append(cat.Machines, pipeline.Machine{
		MachineID:   "PMP-TRF-05",
		Name:        "Transfer Pump 5",
		Type:        "PUMP",
		Location:    "Utility building",
		Criticality: pipeline.SeverityHigh,
		HealthScore: 88,
		Status:      "NORMAL",
	})
	var th []pipeline.Threshold
	for _, x := range cat.Thresholds {
		if x.MachineType != "PUMP" {
			th = append(th, x)
		}
	}
	th = append(th,
		pipeline.Threshold{MachineType: "PUMP", Metric: "vib_rms_horizontal", WarningHigh: f64(2.8), CriticalHigh: f64(3.0)},
		pipeline.Threshold{MachineType: "PUMP", Metric: "bearing_temp", WarningHigh: f64(75), CriticalHigh: f64(85)},
	)
	cat.Thresholds = th
	return cat
}

type harness struct {
	store     *pipeline.FileStore
	reasoner  *scriptedReasoner
	messenger *recordingMessenger
	publisher *recordingPublisher
	orch      *Orchestrator
}

func newHarness(t *testing.T, answers map[string]string) *harness {
	t.Helper()
	return newHarnessWithStore(t, answers, nil)
}

// newHarnessWithStore wires an orchestrator over a seeded FileStore. wrap,
// when set, decorates the store seen by the stages and the orchestrator.
func newHarnessWithStore(t *testing.T, answers map[string]string, wrap func(*pipeline.FileStore) *flakyStore) *harness {
	t.Helper()
	fs := pipeline.NewFileStore(t.TempDir())
	if err := fs.Seed(context.Background(), testCatalog(t), true); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	h := &harness{
		store:     fs,
		reasoner:  &scriptedReasoner{answers: answers},
		messenger: &recordingMessenger{},
		publisher: &recordingPublisher{},
	}

	var (
		stageStore stage.Store = fs
		orchStore  Store       = fs
	)
	if wrap != nil {
		w := wrap(fs)
		stageStore, orchStore = w, w
	}
	engine, err := stage.NewEngine(stageStore, h.reasoner, h.messenger, config.Default())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	engine.SetClock(func() time.Time { return fixedNow })

	h.orch = NewOrchestrator(orchStore, engine)
	h.orch.SetClock(func() time.Time { return fixedNow })
	h.orch.SetPublisher(h.publisher)
	return h
}

// input inserts a reading for the test pump and prepares a session for it.
func (h *harness) input(t *testing.T, vib, bearing float64) Input {
	t.Helper()
	ctx := context.Background()
	r := &pipeline.Reading{
		ID:               fmt.Sprintf("r-%v-%v", vib, bearing),
		MachineID:        "PMP-TRF-05",
		Timestamp:        fixedNow,
		VibRMSHorizontal: vib,
		VibRMSVertical:   1.0,
		VibPeakAccel:     0.3,
		BearingTemp:      bearing,
	}
	if err := h.store.InsertReading(ctx, r); err != nil {
		t.Fatalf("InsertReading: %v", err)
	}
	in, err := h.orch.Prepare(ctx, "PMP-TRF-05", r.ID)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return in
}

func (h *harness) session(t *testing.T, id string) *pipeline.Session {
	t.Helper()
	sess, err := h.store.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	return sess
}

const detectorJSON = `{
  "thinking_rounds": [{"round": 1, "thought": "both bounds exceeded", "observation": "two critical", "conclusion": "bearing"}],
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
  "possible_causes": [{"cause": "BEARING_WEAR", "description": "worn bearing", "confidence": 88}],
  "selected_cause": "BEARING_WEAR",
  "root_cause": "Bearing wear on drive end",
  "confidence_level": ` + confidence + `,
  "prediction": {"predicted_failure_days": 3, "failure_probability": 0.75, "maintenance_urgency": "URGENT", "estimated_downtime_hours": 3},
  "business_impact": {"cost_impact": 150000, "production_value_preserved": 150000, "maintenance_cost": 9300, "roi_percentage": 1512.9, "business_impact_score": 8},
  "recommended_action": "Replace drive-end bearing",
  "reasoning": "Temperature and vibration rise together"
}`
}

const plannerJSON = `{
  "thinking_rounds": [{"round": 1, "thought": "pick", "observation": "Somchai knows bearings", "conclusion": "assign"}],
  "work_order": {
    "title": "Replace drive-end bearing",
    "description": "Swap bearing and check alignment",
    "maintenance_type": "predictive",
    "priority": "HIGH",
    "assigned_technician": "Somchai Jaidee",
    "scheduled_start": "2026-03-02T22:00:00Z",
    "scheduled_end": "2026-03-03T01:00:00Z",
    "parts_needed": [{"part_number": "BRG-6308-NSK", "name": "NSK 6308ZZ bearing", "quantity": 2, "unit_cost": 2500}],
    "estimated_cost": 9300,
    "safety_requirements": ["lockout/tagout"]
  },
  "schedule_optimization": {"production_downtime_hours": 3},
  "reasoning": "Night window avoids production loss"
}`

const validatorJSON = `{
  "logic_check": {"action_matches_diagnosis": true, "technician_qualified": true, "parts_appropriate": true, "timing_appropriate": true, "explanation": "fits"},
  "decision": {"result": "APPROVED", "reason": "plan is consistent", "requires_human": false},
  "reasoning": "consistent plan"
}`

const notifierJSON = `{
  "messages": [
    {"recipient_type": "PLANT_MANAGER", "title": "Critical bearing wear", "content": "Pump needs attention"},
    {"recipient_type": "TECHNICIAN", "title": "Work order", "content": "Replace the bearing tonight"}
  ],
  "reasoning": "role-specific messages"
}`

// answersWithConfidence answers every stage; the diagnosis carries confidence.
func answersWithConfidence(confidence string) map[string]string {
	return map[string]string{
		"anomaly detection agent": detectorJSON,
		"diagnosis agent":         diagnoserJSON(confidence),
		"planning agent":          plannerJSON,
		"safety agent":            validatorJSON,
		"communication agent":     notifierJSON,
	}
}
