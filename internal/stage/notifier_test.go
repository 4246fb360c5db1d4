package stage

import (
	"errors"
	"strings"
	"testing"

	"github.com/lucasnoah/factorywatch/internal/pipeline"
)

// validatedState returns testState after an approved validation.
func validatedState(t *testing.T) *pipeline.State {
	t.Helper()
	st := plannedState(t)
	e := newTestEngine(t, newMockStore(), fullReasoner(), nil)
	run(t, e.Validate, st)
	return st
}

func rolesOf(ns []pipeline.Notification) []pipeline.RecipientType {
	out := make([]pipeline.RecipientType, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.RecipientType)
	}
	return out
}

func TestNotify_FullPath(t *testing.T) {
	store := newMockStore()
	msg := &mockMessenger{}
	e := newTestEngine(t, store, fullReasoner(), msg)
	st := validatedState(t)

	run(t, e.Notify, st)

	got := rolesOf(st.Notifications)
	want := []pipeline.RecipientType{pipeline.RecipientPlantManager, pipeline.RecipientTechnician, pipeline.RecipientMaintenanceHead}
	if len(got) != len(want) {
		t.Fatalf("recipients = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("recipient %d = %s, want %s", i, got[i], want[i])
		}
	}

	tech := st.Notifications[1]
	if tech.RecipientName != "Somchai Jaidee" || tech.RecipientLineID != "U-somchai" {
		t.Errorf("technician resolved to %+v", tech)
	}
	if tech.Content != "Replace the bearing tonight" {
		t.Errorf("technician content = %q", tech.Content)
	}
	head := st.Notifications[2]
	if !strings.Contains(head.Title, "Work order WO-") {
		t.Errorf("head should get the templated work order message, title %q", head.Title)
	}
	if st.Notifications[0].Priority != pipeline.PriorityUrgent {
		t.Errorf("manager priority = %s", st.Notifications[0].Priority)
	}

	if len(msg.pushes) != 3 {
		t.Errorf("expected 3 pushes, got %d", len(msg.pushes))
	}
	for _, n := range st.Notifications {
		if !n.Delivered || n.LineMessageID == "" || n.SentAt == nil {
			t.Errorf("notification not marked delivered: %+v", n)
		}
	}
	if len(store.notifications) != 3 || len(store.sent) != 3 {
		t.Errorf("saved %d notifications, %d receipts", len(store.notifications), len(store.sent))
	}

	if len(store.finalized) != 1 || store.finalized[0] != pipeline.SessionCompleted {
		t.Fatalf("finalized = %v", store.finalized)
	}
	s := store.summary
	if !s.AnomalyDetected || s.AnomalyType != "BEARING_WEAR" || s.SafetyDecision != "APPROVED" || s.NotificationCount != 3 {
		t.Errorf("summary = %+v", s)
	}
	if s.WorkOrder != st.WorkOrder.WONumber {
		t.Errorf("summary work order = %q", s.WorkOrder)
	}
	if st.Progress != 100 {
		t.Errorf("progress = %d", st.Progress)
	}
}

func TestNotify_LowConfidencePath(t *testing.T) {
	r := fullReasoner()
	r.responses[pipeline.StageDetector] = strings.Replace(detectorAnomalyJSON, `"CRITICAL"`, `"HIGH"`, 1)
	r.responses[pipeline.StageDiagnoser] = diagnoserJSON("40")
	store := newMockStore()
	e := newTestEngine(t, store, r, &mockMessenger{})
	st := testState()
	run(t, e.Detect, st)
	run(t, e.Diagnose, st)

	run(t, e.Notify, st)

	if len(st.Notifications) != 1 {
		t.Fatalf("expected one notification, got %v", rolesOf(st.Notifications))
	}
	n := st.Notifications[0]
	if n.RecipientType != pipeline.RecipientPlantManager || n.MessageType != pipeline.MessageStatusUpdate || n.Priority != pipeline.PriorityMedium {
		t.Errorf("notification = %+v", n)
	}
	if st.WorkOrder != nil || st.SafetyApproval != nil {
		t.Error("skip path must not produce a work order or approval")
	}
}

func TestNotify_FallbackSingleManagerAlert(t *testing.T) {
	r := fullReasoner()
	r.errs[pipeline.StageNotifier] = errors.New("boom")
	e := newTestEngine(t, newMockStore(), r, &mockMessenger{})
	st := validatedState(t)

	run(t, e.Notify, st)

	if len(st.Notifications) != 1 {
		t.Fatalf("expected single alert, got %v", rolesOf(st.Notifications))
	}
	n := st.Notifications[0]
	if n.RecipientType != pipeline.RecipientPlantManager || n.MessageType != pipeline.MessageAlert {
		t.Errorf("notification = %+v", n)
	}
	if !strings.Contains(n.Content, "BEARING_WEAR") {
		t.Errorf("templated alert should mention the anomaly: %q", n.Content)
	}
}

func TestNotify_DeliveryFailureIsNotFatal(t *testing.T) {
	store := newMockStore()
	msg := &mockMessenger{err: errors.New("LINE 500")}
	e := newTestEngine(t, store, fullReasoner(), msg)
	st := validatedState(t)

	u, err := e.Notify(t.Context(), st)
	if err != nil {
		t.Fatalf("delivery failure must not fail the stage: %v", err)
	}
	for _, n := range u.Notifications {
		if n.Delivered || n.DeliveryError == "" {
			t.Errorf("notification = %+v", n)
		}
	}
	if len(store.finalized) != 1 {
		t.Error("session must still be finalized")
	}
}

func TestNotify_MissingLineID(t *testing.T) {
	store := newMockStore()
	store.employees[0].LineUserID = ""
	msg := &mockMessenger{}
	e := newTestEngine(t, store, fullReasoner(), msg)
	st := validatedState(t)

	run(t, e.Notify, st)

	if len(msg.pushes) != 2 {
		t.Errorf("expected 2 pushes, got %d", len(msg.pushes))
	}
	if st.Notifications[1].DeliveryError == "" {
		t.Error("technician without LINE id should record a delivery error")
	}
}

func TestNotify_AssigneeMissingFromDirectory(t *testing.T) {
	store := newMockStore()
	store.employees = store.employees[1:] // drop Somchai, keep another technician
	msg := &mockMessenger{}
	e := newTestEngine(t, store, fullReasoner(), msg)
	st := validatedState(t)
	if st.WorkOrder.AssignedTechnician != "Somchai Jaidee" {
		t.Fatalf("assigned technician = %q", st.WorkOrder.AssignedTechnician)
	}

	run(t, e.Notify, st)

	tech := st.Notifications[1]
	if tech.RecipientType != pipeline.RecipientTechnician {
		t.Fatalf("notification 1 = %s", tech.RecipientType)
	}
	if tech.Delivered {
		t.Error("message for an unknown assignee must not be delivered")
	}
	if tech.DeliveryError != "no TECHNICIAN in the employee directory" {
		t.Errorf("DeliveryError = %q", tech.DeliveryError)
	}
	if tech.RecipientName != "Somchai Jaidee" || tech.RecipientLineID != "" {
		t.Errorf("recipient = %q / %q, want the assignee with no LINE id", tech.RecipientName, tech.RecipientLineID)
	}
	for _, p := range msg.pushes {
		if p.To == "U-wichai" {
			t.Error("another technician must not receive the assignee's work order")
		}
	}
	if len(msg.pushes) != 2 {
		t.Errorf("expected 2 pushes, got %d", len(msg.pushes))
	}
}

func TestNotify_FinalizeErrorPropagates(t *testing.T) {
	store := newMockStore()
	store.failOn["FinalizeSession"] = errors.New("db down")
	e := newTestEngine(t, store, fullReasoner(), &mockMessenger{})

	if _, err := e.Notify(t.Context(), validatedState(t)); err == nil {
		t.Fatal("expected finalize error")
	}
}

func TestRecipientEnv(t *testing.T) {
	e := newTestEngine(t, newMockStore(), fullReasoner(), nil)
	st := validatedState(t)
	env := e.RecipientEnv(st)
	if env["severity"] != "CRITICAL" || env["has_work_order"] != true || env["low_confidence"] != false {
		t.Errorf("env = %v", env)
	}
}
