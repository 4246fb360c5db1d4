package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/expr-lang/expr"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var knownRoles = map[string]bool{
	"PLANT_MANAGER":    true,
	"TECHNICIAN":       true,
	"MAINTENANCE_HEAD": true,
}

var knownMessageTypes = map[string]bool{
	"":              true,
	"ALERT":         true,
	"WORK_ORDER":    true,
	"STATUS_UPDATE": true,
}

var knownStages = map[string]bool{
	"DETECTOR":  true,
	"DIAGNOSER": true,
	"PLANNER":   true,
	"VALIDATOR": true,
	"NOTIFIER":  true,
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Database.MaxConns < 0 {
		add("database.max_conns", "must be non-negative")
	}

	if cfg.LLM.Temperature != nil && (*cfg.LLM.Temperature < 0 || *cfg.LLM.Temperature > 2) {
		add("llm.temperature", "must be between 0 and 2")
	}
	if cfg.LLM.MaxTokens < 0 {
		add("llm.max_tokens", "must be non-negative")
	}
	if cfg.LLM.Retry.MaxAttempts < 0 {
		add("llm.retry.max_attempts", "must be non-negative")
	}
	checkDuration(&errs, "llm.retry.backoff_base", cfg.LLM.Retry.BackoffBase)
	checkDuration(&errs, "llm.retry.max_backoff", cfg.LLM.Retry.MaxBackoff)

	p := cfg.Pipeline
	if p.ConfidenceGate < 0 || p.ConfidenceGate > 100 {
		add("pipeline.confidence_gate", "must be between 0 and 100")
	}
	checkDuration(&errs, "pipeline.stage_timeout", p.StageTimeout)
	for name, d := range p.StageTimeouts {
		field := "pipeline.stage_timeouts." + name
		if !knownStages[strings.ToUpper(name)] {
			add(field, "unknown stage %q", name)
		}
		checkDuration(&errs, field, d)
	}
	for field, v := range map[string]float64{
		"pipeline.production_rate_per_hour": p.ProductionRatePerHour,
		"pipeline.downtime_cost_per_hour":   p.DowntimeCostPerHour,
		"pipeline.avg_maintenance_cost":     p.AvgMaintenanceCost,
		"pipeline.health_penalty.critical":  p.HealthPenalty.Critical,
		"pipeline.health_penalty.warning":   p.HealthPenalty.Warning,
	} {
		if v < 0 {
			add(field, "must be non-negative")
		}
	}

	g := cfg.Guardrails
	if g.MaxOrderValue < 0 {
		add("guardrails.max_order_value", "must be non-negative")
	}
	if g.MaxDowntimeHours < 0 {
		add("guardrails.max_downtime_hours", "must be non-negative")
	}
	if g.MinConfidenceForAutoApprove < 0 || g.MinConfidenceForAutoApprove > 100 {
		add("guardrails.min_confidence_for_auto_approve", "must be between 0 and 100")
	}
	names := make(map[string]bool)
	for i, r := range g.Rules {
		prefix := fmt.Sprintf("guardrails.rules[%d]", i)
		if r.Name == "" {
			add(prefix+".name", "is required")
		} else if names[r.Name] {
			add(prefix+".name", "duplicate rule name %q", r.Name)
		}
		names[r.Name] = true
		checkBoolExpr(&errs, prefix+".when", r.When)
	}

	for i, r := range cfg.Notify.Recipients {
		prefix := fmt.Sprintf("notify.recipients[%d]", i)
		if !knownRoles[r.Role] {
			add(prefix+".role", "unknown role %q", r.Role)
		}
		if !knownMessageTypes[r.MessageType] {
			add(prefix+".message_type", "unknown message type %q", r.MessageType)
		}
		checkBoolExpr(&errs, prefix+".when", r.When)
	}

	for i, t := range cfg.Thresholds {
		prefix := fmt.Sprintf("thresholds[%d]", i)
		if t.MachineType == "" {
			add(prefix+".machine_type", "is required")
		}
		if t.Metric == "" {
			add(prefix+".metric", "is required")
		}
		if t.WarningHigh != nil && t.CriticalHigh != nil && *t.WarningHigh > *t.CriticalHigh {
			add(prefix, "warning_high must not exceed critical_high")
		}
		if t.WarningLow != nil && t.CriticalLow != nil && *t.WarningLow < *t.CriticalLow {
			add(prefix, "warning_low must not be below critical_low")
		}
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		add("server.port", "must be a valid TCP port")
	}
	return errs
}

func checkDuration(errs *[]ValidationError, field, s string) {
	if s == "" {
		return
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		*errs = append(*errs, ValidationError{Field: field, Message: fmt.Sprintf("invalid duration %q", s)})
		return
	}
	if d < 0 {
		*errs = append(*errs, ValidationError{Field: field, Message: "must be non-negative"})
	}
}

func checkBoolExpr(errs *[]ValidationError, field, src string) {
	if src == "" {
		*errs = append(*errs, ValidationError{Field: field, Message: "is required"})
		return
	}
	if _, err := expr.Compile(src, expr.AsBool(), expr.AllowUndefinedVariables()); err != nil {
		*errs = append(*errs, ValidationError{Field: field, Message: fmt.Sprintf("invalid expression: %v", err)})
	}
}
