package pipeline

import "time"

// StageName identifies one of the five pipeline stages.
type StageName string

const (
	StageDetector  StageName = "DETECTOR"
	StageDiagnoser StageName = "DIAGNOSER"
	StagePlanner   StageName = "PLANNER"
	StageValidator StageName = "VALIDATOR"
	StageNotifier  StageName = "NOTIFIER"
)

// NextEnd is the next-stage marker recorded when a run terminates.
const NextEnd = "END"

// Stages lists every stage in execution order.
var Stages = []StageName{StageDetector, StageDiagnoser, StagePlanner, StageValidator, StageNotifier}

// SessionStatus is the lifecycle status of a pipeline session.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "RUNNING"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionFailed    SessionStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// Severity grades anomalies and threshold violations.
// Violations only ever carry WARNING or CRITICAL.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Priority is used for work orders and notifications.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// SafetyDecision is the Validator verdict.
type SafetyDecision string

const (
	DecisionApproved      SafetyDecision = "APPROVED"
	DecisionBlocked       SafetyDecision = "BLOCKED"
	DecisionEscalateHuman SafetyDecision = "ESCALATE_HUMAN"
)

// WorkOrderStatus tracks a work order after planning.
type WorkOrderStatus string

const (
	WorkOrderPending    WorkOrderStatus = "PENDING"
	WorkOrderApproved   WorkOrderStatus = "APPROVED"
	WorkOrderBlocked    WorkOrderStatus = "BLOCKED"
	WorkOrderInProgress WorkOrderStatus = "IN_PROGRESS"
	WorkOrderCompleted  WorkOrderStatus = "COMPLETED"
)

// RecipientType is the stakeholder role a notification targets.
type RecipientType string

const (
	RecipientPlantManager    RecipientType = "PLANT_MANAGER"
	RecipientTechnician      RecipientType = "TECHNICIAN"
	RecipientMaintenanceHead RecipientType = "MAINTENANCE_HEAD"
)

// Channel is a notification delivery channel.
type Channel string

const (
	ChannelLINE      Channel = "LINE"
	ChannelEmail     Channel = "EMAIL"
	ChannelDashboard Channel = "DASHBOARD"
)

// MessageType classifies notification content.
type MessageType string

const (
	MessageAlert        MessageType = "ALERT"
	MessageWorkOrder    MessageType = "WORK_ORDER"
	MessageStatusUpdate MessageType = "STATUS_UPDATE"
)

// LogStatus is the outcome recorded on a log entry.
type LogStatus string

const (
	LogCompleted LogStatus = "COMPLETED"
	LogFailed    LogStatus = "FAILED"
)

// Reading is one sensor snapshot for a machine.
type Reading struct {
	ID               string    `json:"id"`
	MachineID        string    `json:"machine_id"`
	Timestamp        time.Time `json:"timestamp"`
	VibRMSHorizontal float64   `json:"vib_rms_horizontal"`
	VibRMSVertical   float64   `json:"vib_rms_vertical"`
	VibPeakAccel     float64   `json:"vib_peak_accel"`
	BearingTemp      float64   `json:"bearing_temp"`
	Pressure         *float64  `json:"pressure,omitempty"`
	MotorTemp        *float64  `json:"motor_temp,omitempty"`
	CurrentAmp       *float64  `json:"current_amp,omitempty"`
	StatusFlag       string    `json:"status_flag,omitempty"`
}

// Metric returns the reading value for a threshold metric name.
// Optional metrics that were not sampled report ok=false.
func (r Reading) Metric(name string) (float64, bool) {
	switch name {
	case "vib_rms_horizontal":
		return r.VibRMSHorizontal, true
	case "vib_rms_vertical":
		return r.VibRMSVertical, true
	case "vib_peak_accel":
		return r.VibPeakAccel, true
	case "bearing_temp":
		return r.BearingTemp, true
	case "pressure":
		return deref(r.Pressure)
	case "motor_temp":
		return deref(r.MotorTemp)
	case "current_amp":
		return deref(r.CurrentAmp)
	}
	return 0, false
}

func deref(p *float64) (float64, bool) {
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Machine describes a monitored asset.
type Machine struct {
	MachineID   string   `json:"machine_id" yaml:"machine_id"`
	Name        string   `json:"name" yaml:"name"`
	Type        string   `json:"type" yaml:"type"`
	Location    string   `json:"location,omitempty" yaml:"location"`
	Criticality Severity `json:"criticality" yaml:"criticality"`
	HealthScore float64  `json:"health_score" yaml:"health_score"`
	Status      string   `json:"status,omitempty" yaml:"status"`
}

// Threshold holds the warning/critical bounds for one metric on one machine type.
// Nil bounds are not checked.
type Threshold struct {
	MachineType  string   `json:"machine_type" yaml:"machine_type"`
	Metric       string   `json:"metric" yaml:"metric"`
	WarningHigh  *float64 `json:"warning_high,omitempty" yaml:"warning_high"`
	CriticalHigh *float64 `json:"critical_high,omitempty" yaml:"critical_high"`
	WarningLow   *float64 `json:"warning_low,omitempty" yaml:"warning_low"`
	CriticalLow  *float64 `json:"critical_low,omitempty" yaml:"critical_low"`
	Unit         string   `json:"unit,omitempty" yaml:"unit"`
}

// MetricViolation is one metric outside its configured bounds.
type MetricViolation struct {
	Metric    string   `json:"metric"`
	Value     float64  `json:"value"`
	Threshold float64  `json:"threshold"`
	Severity  Severity `json:"severity"`
	Deviation string   `json:"deviation"`
}

// AnomalyDetails is the Detector output when an anomaly is confirmed.
type AnomalyDetails struct {
	Type       string            `json:"type"`
	Severity   Severity          `json:"severity"`
	Metrics    []MetricViolation `json:"metrics"`
	Reasoning  string            `json:"reasoning"`
	Confidence float64           `json:"confidence,omitempty"`
	Fallback   bool              `json:"fallback,omitempty"`
}

// Prediction is the Diagnoser's failure forecast.
type Prediction struct {
	PredictedFailureDays   float64 `json:"predicted_failure_days"`
	FailureProbability     float64 `json:"failure_probability"`
	MaintenanceUrgency     string  `json:"maintenance_urgency"`
	EstimatedDowntimeHours float64 `json:"estimated_downtime_hours"`
}

// BusinessImpact is the Diagnoser's cost estimate.
type BusinessImpact struct {
	CostImpact               float64 `json:"cost_impact"`
	ProductionValuePreserved float64 `json:"production_value_preserved"`
	MaintenanceCost          float64 `json:"maintenance_cost"`
	ROIPercentage            float64 `json:"roi_percentage"`
	BusinessImpactScore      float64 `json:"business_impact_score"`
}

// PossibleCause is one candidate root cause considered during diagnosis.
type PossibleCause struct {
	Cause                 string   `json:"cause"`
	Description           string   `json:"description"`
	Confidence            float64  `json:"confidence"`
	SupportingEvidence    []string `json:"supporting_evidence,omitempty"`
	ContradictingEvidence []string `json:"contradicting_evidence,omitempty"`
}

// Diagnosis is the Diagnoser output. Confidence is always on the 0-100 scale.
type Diagnosis struct {
	RootCause          string          `json:"root_cause"`
	SelectedCause      string          `json:"selected_cause"`
	Confidence         float64         `json:"confidence"`
	SupportingEvidence []string        `json:"supporting_evidence,omitempty"`
	RecommendedAction  string          `json:"recommended_action"`
	TimeToFailure      string          `json:"time_to_failure"`
	Reasoning          string          `json:"reasoning"`
	Prediction         Prediction      `json:"prediction"`
	BusinessImpact     BusinessImpact  `json:"business_impact"`
	PossibleCauses     []PossibleCause `json:"possible_causes,omitempty"`
	Fallback           bool            `json:"fallback,omitempty"`
}

// PartLine is a part reserved on a work order.
type PartLine struct {
	PartNumber string  `json:"part_number"`
	Name       string  `json:"name"`
	Quantity   int     `json:"quantity"`
	UnitCost   float64 `json:"unit_cost"`
}

// WorkOrder is the Planner output.
type WorkOrder struct {
	WONumber           string          `json:"wo_number"`
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	MaintenanceType    string          `json:"maintenance_type,omitempty"`
	Priority           Priority        `json:"priority"`
	AssignedTechnician string          `json:"assigned_technician"`
	ScheduledStart     time.Time       `json:"scheduled_start"`
	ScheduledEnd       time.Time       `json:"scheduled_end"`
	PartsNeeded        []PartLine      `json:"parts_needed"`
	EstimatedCost      float64         `json:"estimated_cost"`
	DowntimeHours      float64         `json:"downtime_hours"`
	ROIProjection      float64         `json:"roi_projection,omitempty"`
	SafetyRequirements []string        `json:"safety_requirements,omitempty"`
	Status             WorkOrderStatus `json:"status"`
	Fallback           bool            `json:"fallback,omitempty"`
}

// SafetyCheck is one named pass/fail guardrail.
type SafetyCheck struct {
	Check  string `json:"check"`
	Passed bool   `json:"passed"`
	Note   string `json:"note,omitempty"`
}

// SafetyApproval is the Validator output.
type SafetyApproval struct {
	Approved              bool           `json:"approved"`
	Decision              SafetyDecision `json:"decision"`
	Checks                []SafetyCheck  `json:"checks"`
	Reasoning             string         `json:"reasoning"`
	RequiresHumanApproval bool           `json:"requires_human_approval"`
	Fallback              bool           `json:"fallback,omitempty"`
}

// Notification is one message to one stakeholder.
type Notification struct {
	ID              string        `json:"id"`
	SessionID       string        `json:"session_id"`
	RecipientType   RecipientType `json:"recipient_type"`
	RecipientName   string        `json:"recipient_name"`
	RecipientLineID string        `json:"recipient_line_id,omitempty"`
	Channel         Channel       `json:"channel"`
	MessageType     MessageType   `json:"message_type"`
	Title           string        `json:"title"`
	Content         string        `json:"content"`
	Priority        Priority      `json:"priority"`
	Delivered       bool          `json:"delivered"`
	LineMessageID   string        `json:"line_message_id,omitempty"`
	SentAt          *time.Time    `json:"sent_at,omitempty"`
	DeliveryError   string        `json:"delivery_error,omitempty"`
}

// Technician is a maintenance technician available for assignment.
type Technician struct {
	ID              string   `json:"id" yaml:"id"`
	Name            string   `json:"name" yaml:"name"`
	SkillLevel      int      `json:"skill_level" yaml:"skill_level"`
	Specializations []string `json:"specializations" yaml:"specializations"`
	Available       bool     `json:"is_available" yaml:"is_available"`
}

// Part is a stocked spare part.
type Part struct {
	PartNumber string  `json:"part_number" yaml:"part_number"`
	Name       string  `json:"name" yaml:"name"`
	Category   string  `json:"category" yaml:"category"`
	Quantity   int     `json:"quantity" yaml:"quantity"`
	UnitCost   float64 `json:"unit_cost" yaml:"unit_cost"`
}

// Employee is a directory entry used to resolve messaging addresses.
type Employee struct {
	Name       string `json:"name" yaml:"name"`
	Role       string `json:"role" yaml:"role"`
	LineUserID string `json:"line_user_id" yaml:"line_user_id"`
}

// ThinkingRound is one thought/observation/conclusion step of a stage's reasoning trail.
type ThinkingRound struct {
	Round       int       `json:"round"`
	Thought     string    `json:"thought"`
	Observation string    `json:"observation"`
	Conclusion  string    `json:"conclusion"`
	Timestamp   time.Time `json:"timestamp"`
}

// DecisionChoice is one option weighed in a DecisionPath.
type DecisionChoice struct {
	Option      string   `json:"option"`
	Description string   `json:"description"`
	Pros        []string `json:"pros"`
	Cons        []string `json:"cons"`
	Score       float64  `json:"score"`
	Selected    bool     `json:"selected"`
	Reason      string   `json:"reason,omitempty"`
}

// DecisionPath records the question a stage answered and how.
type DecisionPath struct {
	Question      string           `json:"question"`
	Choices       []DecisionChoice `json:"choices"`
	FinalDecision string           `json:"final_decision"`
	Reasoning     string           `json:"reasoning"`
}

// LogEntry is the immutable record of one stage invocation.
type LogEntry struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id"`
	Stage          StageName       `json:"stage"`
	MachineID      string          `json:"machine_id"`
	Action         string          `json:"action"`
	Input          map[string]any  `json:"input_data,omitempty"`
	Output         map[string]any  `json:"output_data,omitempty"`
	Reasoning      string          `json:"reasoning"`
	ThinkingRounds []ThinkingRound `json:"thinking_rounds"`
	DecisionPath   *DecisionPath   `json:"decision_path,omitempty"`
	Confidence     *float64        `json:"confidence,omitempty"`
	Decision       string          `json:"decision"`
	NextStage      string          `json:"next_stage"`
	Status         LogStatus       `json:"status"`
	DurationMS     int64           `json:"duration_ms"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ResultSummary is the snapshot written when a session is finalized.
type ResultSummary struct {
	AnomalyDetected   bool   `json:"anomalyDetected"`
	AnomalyType       string `json:"anomalyType,omitempty"`
	Severity          string `json:"severity,omitempty"`
	RootCause         string `json:"rootCause,omitempty"`
	WorkOrder         string `json:"workOrder,omitempty"`
	SafetyDecision    string `json:"safetyDecision,omitempty"`
	NotificationCount int    `json:"notificationCount"`
	Error             string `json:"error,omitempty"`
}

// Session is the persisted lifecycle record for one pipeline run.
type Session struct {
	ID            string         `json:"id"`
	MachineID     string         `json:"machine_id"`
	ReadingID     string         `json:"reading_id"`
	Status        SessionStatus  `json:"status"`
	CurrentStage  StageName      `json:"current_stage"`
	CurrentAction string         `json:"current_action"`
	Progress      int            `json:"progress"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	ResultSummary *ResultSummary `json:"result_summary,omitempty"`
}

// BusinessMetrics is the value record written for every planned work order.
type BusinessMetrics struct {
	SessionID       string    `json:"session_id"`
	MachineID       string    `json:"machine_id"`
	WONumber        string    `json:"wo_number"`
	CostAvoided     float64   `json:"cost_avoided"`
	MaintenanceCost float64   `json:"maintenance_cost"`
	ROIPercentage   float64   `json:"roi_percentage"`
	DowntimeHours   float64   `json:"downtime_hours"`
	CreatedAt       time.Time `json:"created_at"`
}
