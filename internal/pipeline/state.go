package pipeline

import "errors"

var (
	// ErrSessionNotFound is returned by stores when a session id is unknown.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTerminalSession is returned when a COMPLETED or FAILED session is modified.
	ErrTerminalSession = errors.New("session already in a terminal state")
	// ErrEmployeeNotFound is returned when a directory name is unknown.
	ErrEmployeeNotFound = errors.New("employee not found")
	// ErrLineIDTaken is returned when a LINE user id is already registered to
	// another employee.
	ErrLineIDTaken = errors.New("LINE user id already registered")
)

// State is the record threaded through every stage of one run.
// Stages never mutate it; they return an Update that the executor applies.
type State struct {
	SessionID  string      `json:"session_id"`
	MachineID  string      `json:"machine_id"`
	Reading    Reading     `json:"reading"`
	Machine    Machine     `json:"machine"`
	Thresholds []Threshold `json:"thresholds"`

	CurrentStage  StageName `json:"current_stage,omitempty"`
	CurrentAction string    `json:"current_action"`
	Progress      int       `json:"progress"`

	AnomalyDetected bool            `json:"anomaly_detected"`
	AnomalyDetails  *AnomalyDetails `json:"anomaly_details,omitempty"`
	Diagnosis       *Diagnosis      `json:"diagnosis,omitempty"`
	WorkOrder       *WorkOrder      `json:"work_order,omitempty"`
	SafetyApproval  *SafetyApproval `json:"safety_approval,omitempty"`
	Notifications   []Notification  `json:"notifications,omitempty"`
	Technicians     []Technician    `json:"technicians,omitempty"`
	Parts           []Part          `json:"parts,omitempty"`

	Logs  []LogEntry `json:"logs"`
	Error string     `json:"error,omitempty"`
}

// NewState seeds a run: inputs set, every stage output unset, progress 0.
func NewState(sessionID string, reading Reading, machine Machine, thresholds []Threshold) *State {
	return &State{
		SessionID:     sessionID,
		MachineID:     machine.MachineID,
		Reading:       reading,
		Machine:       machine,
		Thresholds:    thresholds,
		CurrentAction: "Initializing pipeline",
		Logs:          []LogEntry{},
	}
}

// Update is a partial state returned by a stage. Nil fields are untouched.
// Logs is the only accumulating field; everything else is last-write-wins.
type Update struct {
	CurrentStage    *StageName      `json:"current_stage,omitempty"`
	CurrentAction   *string         `json:"current_action,omitempty"`
	Progress        *int            `json:"progress,omitempty"`
	AnomalyDetected *bool           `json:"anomaly_detected,omitempty"`
	AnomalyDetails  *AnomalyDetails `json:"anomaly_details,omitempty"`
	Diagnosis       *Diagnosis      `json:"diagnosis,omitempty"`
	WorkOrder       *WorkOrder      `json:"work_order,omitempty"`
	SafetyApproval  *SafetyApproval `json:"safety_approval,omitempty"`
	Notifications   []Notification  `json:"notifications,omitempty"`
	Technicians     []Technician    `json:"technicians,omitempty"`
	Parts           []Part          `json:"parts,omitempty"`
	Logs            []LogEntry      `json:"logs,omitempty"`
}

// Empty reports whether the update carries nothing (a stage no-op).
func (u Update) Empty() bool {
	return u.CurrentStage == nil && u.CurrentAction == nil && u.Progress == nil &&
		u.AnomalyDetected == nil && u.AnomalyDetails == nil && u.Diagnosis == nil &&
		u.WorkOrder == nil && u.SafetyApproval == nil && u.Notifications == nil &&
		u.Technicians == nil && u.Parts == nil && len(u.Logs) == 0
}

// Apply merges u into s. Progress never moves backwards, and log entries whose
// id is already present are skipped so applying the same update twice is a no-op.
func (s *State) Apply(u Update) {
	if u.CurrentStage != nil {
		s.CurrentStage = *u.CurrentStage
	}
	if u.CurrentAction != nil {
		s.CurrentAction = *u.CurrentAction
	}
	if u.Progress != nil && *u.Progress > s.Progress {
		s.Progress = *u.Progress
	}
	if u.AnomalyDetected != nil {
		s.AnomalyDetected = *u.AnomalyDetected
	}
	if u.AnomalyDetails != nil {
		s.AnomalyDetails = u.AnomalyDetails
	}
	if u.Diagnosis != nil {
		s.Diagnosis = u.Diagnosis
	}
	if u.WorkOrder != nil {
		s.WorkOrder = u.WorkOrder
	}
	if u.SafetyApproval != nil {
		s.SafetyApproval = u.SafetyApproval
	}
	if u.Notifications != nil {
		s.Notifications = u.Notifications
	}
	if u.Technicians != nil {
		s.Technicians = u.Technicians
	}
	if u.Parts != nil {
		s.Parts = u.Parts
	}
	if len(u.Logs) > 0 {
		seen := make(map[string]bool, len(s.Logs))
		for _, l := range s.Logs {
			seen[l.ID] = true
		}
		for _, l := range u.Logs {
			if l.ID != "" && seen[l.ID] {
				continue
			}
			seen[l.ID] = true
			s.Logs = append(s.Logs, l)
		}
	}
}

// Clone returns a copy whose slices can be read while s keeps changing.
// Stage outputs are shared; they are never modified once returned.
func (s *State) Clone() *State {
	c := *s
	c.Thresholds = append([]Threshold(nil), s.Thresholds...)
	c.Notifications = append([]Notification(nil), s.Notifications...)
	c.Technicians = append([]Technician(nil), s.Technicians...)
	c.Parts = append([]Part(nil), s.Parts...)
	c.Logs = append([]LogEntry{}, s.Logs...)
	return &c
}

// Summary builds the result summary recorded when a session finalizes.
func (s *State) Summary() *ResultSummary {
	rs := &ResultSummary{
		AnomalyDetected:   s.AnomalyDetected,
		NotificationCount: len(s.Notifications),
		Error:             s.Error,
	}
	if s.AnomalyDetails != nil {
		rs.AnomalyType = s.AnomalyDetails.Type
		rs.Severity = string(s.AnomalyDetails.Severity)
	}
	if s.Diagnosis != nil {
		rs.RootCause = s.Diagnosis.RootCause
	}
	if s.WorkOrder != nil {
		rs.WorkOrder = s.WorkOrder.WONumber
	}
	if s.SafetyApproval != nil {
		rs.SafetyDecision = string(s.SafetyApproval.Decision)
	}
	return rs
}

// StreamUpdate is emitted after every stage transition in streaming mode.
type StreamUpdate struct {
	Stage    StageName `json:"stage"`
	Action   string    `json:"action"`
	Progress int       `json:"progress"`
	Partial  Update    `json:"partial"`
	State    *State    `json:"state"`
	Done     bool      `json:"done,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Ptr returns a pointer to v. Stages use it to fill Update fields.
func Ptr[T any](v T) *T {
	return &v
}
