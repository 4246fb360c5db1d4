package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultStageTimeout bounds a single reasoning call when no timeout is configured.
const DefaultStageTimeout = 45 * time.Second

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a configuration from the given YAML file path,
// then fills unset values with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault loads the first config found in ./factorywatch.yaml or
// ~/.factory/config.yaml. With neither present it returns Default().
func LoadDefault() (*Config, error) {
	for _, path := range SearchPaths() {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return Default(), nil
}

// SearchPaths lists the locations LoadDefault checks, in order.
func SearchPaths() []string {
	candidates := []string{"factorywatch.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".factory", "config.yaml"))
	}
	return candidates
}

// DefaultRecipients reproduces the built-in notification policy.
func DefaultRecipients() []RecipientRule {
	return []RecipientRule{
		{Role: "PLANT_MANAGER", When: `severity == "CRITICAL" || requires_human`, Channel: "LINE", MessageType: "ALERT", Priority: "URGENT"},
		{Role: "TECHNICIAN", When: `has_work_order`, Channel: "LINE", MessageType: "WORK_ORDER"},
		{Role: "MAINTENANCE_HEAD", When: `has_work_order`, Channel: "LINE", MessageType: "WORK_ORDER"},
		{Role: "PLANT_MANAGER", When: `low_confidence && severity != "CRITICAL"`, Channel: "LINE", MessageType: "STATUS_UPDATE", Priority: "MEDIUM"},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 10
	}

	l := &cfg.LLM
	if l.Model == "" {
		l.Model = "gpt-4.1-mini"
	}
	if l.Temperature == nil {
		t := 0.3
		l.Temperature = &t
	}
	if l.MaxTokens == 0 {
		l.MaxTokens = 2000
	}
	if l.APIKeyEnv == "" {
		l.APIKeyEnv = "OPENAI_API_KEY"
	}
	if l.Retry.MaxAttempts == 0 {
		l.Retry.MaxAttempts = 3
	}
	if l.Retry.BackoffBase == "" {
		l.Retry.BackoffBase = "2s"
	}
	if l.Retry.BackoffMultiplier == 0 {
		l.Retry.BackoffMultiplier = 2.0
	}
	if l.Retry.MaxBackoff == "" {
		l.Retry.MaxBackoff = "30s"
	}

	p := &cfg.Pipeline
	if p.ConfidenceGate == 0 {
		p.ConfidenceGate = 70
	}
	if p.StageTimeout == "" {
		p.StageTimeout = DefaultStageTimeout.String()
	}
	if p.ProductionRatePerHour == 0 {
		p.ProductionRatePerHour = 1000
	}
	if p.DowntimeCostPerHour == 0 {
		p.DowntimeCostPerHour = 50000
	}
	if p.AvgMaintenanceCost == 0 {
		p.AvgMaintenanceCost = 15000
	}
	if p.HealthPenalty.Critical == 0 {
		p.HealthPenalty.Critical = 30
	}
	if p.HealthPenalty.Warning == 0 {
		p.HealthPenalty.Warning = 15
	}

	g := &cfg.Guardrails
	if g.MaxOrderValue == 0 {
		g.MaxOrderValue = 50000
	}
	if g.MinConfidenceForAutoApprove == 0 {
		g.MinConfidenceForAutoApprove = 85
	}

	if cfg.Notify.Line.TokenEnv == "" {
		cfg.Notify.Line.TokenEnv = "LINE_CHANNEL_ACCESS_TOKEN"
	}
	if len(cfg.Notify.Recipients) == 0 {
		cfg.Notify.Recipients = DefaultRecipients()
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "factorywatch"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
}
