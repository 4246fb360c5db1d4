package config

import (
	"strings"
	"time"

	"github.com/lucasnoah/factorywatch/internal/pipeline"
)

// Config is the top-level configuration parsed from factorywatch YAML.
type Config struct {
	Database   DatabaseConfig       `yaml:"database"`
	LLM        LLMConfig            `yaml:"llm"`
	Pipeline   PipelineConfig       `yaml:"pipeline"`
	Guardrails GuardrailConfig      `yaml:"guardrails"`
	Notify     NotifyConfig         `yaml:"notify"`
	Events     EventsConfig         `yaml:"events"`
	Server     ServerConfig         `yaml:"server"`
	Thresholds []pipeline.Threshold `yaml:"thresholds"`
}

// DatabaseConfig selects the store. An empty URL uses the JSON file store.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

// LLMConfig configures reasoning calls.
type LLMConfig struct {
	Model       string      `yaml:"model"`
	Temperature *float64    `yaml:"temperature"`
	MaxTokens   int         `yaml:"max_tokens"`
	APIKeyEnv   string      `yaml:"api_key_env"`
	BaseURL     string      `yaml:"base_url"`
	Retry       RetryConfig `yaml:"retry"`
}

// RetryConfig mirrors llm.RetryConfig with YAML durations.
type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	BackoffBase       string  `yaml:"backoff_base"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	MaxBackoff        string  `yaml:"max_backoff"`
}

// PipelineConfig holds gate and business-impact parameters.
type PipelineConfig struct {
	ConfidenceGate        float64           `yaml:"confidence_gate"`
	StageTimeout          string            `yaml:"stage_timeout"`
	StageTimeouts         map[string]string `yaml:"stage_timeouts"`
	ProductionRatePerHour float64           `yaml:"production_rate_per_hour"`
	DowntimeCostPerHour   float64           `yaml:"downtime_cost_per_hour"`
	AvgMaintenanceCost    float64           `yaml:"avg_maintenance_cost"`
	HealthPenalty         HealthPenalty     `yaml:"health_penalty"`
}

// HealthPenalty is subtracted from a machine's health score after an anomaly.
type HealthPenalty struct {
	Critical float64 `yaml:"critical"`
	Warning  float64 `yaml:"warning"`
}

// GuardrailConfig bounds what the validator approves without a human.
type GuardrailConfig struct {
	MaxOrderValue                float64 `yaml:"max_order_value"`
	MaxDowntimeHours             float64 `yaml:"max_downtime_hours"`
	MinConfidenceForAutoApprove  float64 `yaml:"min_confidence_for_auto_approve"`
	RequiresHumanForEmergency    *bool   `yaml:"requires_human_for_emergency"`
	CriticalMachineRequiresHuman *bool   `yaml:"critical_machine_requires_human"`
	Rules                        []Rule  `yaml:"rules"`
}

// Rule is an extra named guardrail. When must evaluate to true for the check to pass.
type Rule struct {
	Name    string `yaml:"name"`
	When    string `yaml:"when"`
	Message string `yaml:"message"`
}

// NotifyConfig configures message delivery and the recipient policy.
type NotifyConfig struct {
	Line       LineConfig      `yaml:"line"`
	Recipients []RecipientRule `yaml:"recipients"`
}

// LineConfig configures LINE push delivery.
type LineConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
	BaseURL  string `yaml:"base_url"`
}

// RecipientRule informs Role when the When expression holds.
type RecipientRule struct {
	Role        string `yaml:"role"`
	When        string `yaml:"when"`
	Channel     string `yaml:"channel"`
	MessageType string `yaml:"message_type"`
	Priority    string `yaml:"priority"`
}

// EventsConfig configures NATS publishing. An empty URL disables it.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// EmergencyNeedsHuman reports whether critical anomalies on critical machines escalate.
func (g GuardrailConfig) EmergencyNeedsHuman() bool {
	return g.RequiresHumanForEmergency == nil || *g.RequiresHumanForEmergency
}

// CriticalMachineNeedsHuman reports whether critical machines always need a
// human. It is off unless configured.
func (g GuardrailConfig) CriticalMachineNeedsHuman() bool {
	return g.CriticalMachineRequiresHuman != nil && *g.CriticalMachineRequiresHuman
}

// Timeout returns the reasoning-call timeout for a stage.
// Unparseable values fall back to the default; Validate reports them.
func (p PipelineConfig) Timeout(stage pipeline.StageName) time.Duration {
	for name, s := range p.StageTimeouts {
		if !strings.EqualFold(name, string(stage)) {
			continue
		}
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	if d, err := time.ParseDuration(p.StageTimeout); err == nil {
		return d
	}
	return DefaultStageTimeout
}

// Durations converts the retry settings, falling back to defaults on parse errors.
func (r RetryConfig) Durations() (base, max time.Duration) {
	base, err := time.ParseDuration(r.BackoffBase)
	if err != nil {
		base = 2 * time.Second
	}
	max, err = time.ParseDuration(r.MaxBackoff)
	if err != nil {
		max = 30 * time.Second
	}
	return base, max
}
