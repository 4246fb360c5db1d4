package stage

import (
	"context"
	"fmt"
	"io"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/factorywatch/internal/checks"
	"github.com/lucasnoah/factorywatch/internal/config"
	"github.com/lucasnoah/factorywatch/internal/llm"
	"github.com/lucasnoah/factorywatch/internal/logctx"
	"github.com/lucasnoah/factorywatch/internal/metrics"
	"github.com/lucasnoah/factorywatch/internal/pipeline"
	"github.com/lucasnoah/factorywatch/internal/prompt"
)

// Store is the persistence the stages write through.
type Store interface {
	UpdateProgress(ctx context.Context, sessionID string, stage pipeline.StageName, action string, progress int) error
	SaveLogEntry(ctx context.Context, entry *pipeline.LogEntry) error
	SaveAnomaly(ctx context.Context, sessionID, machineID, readingID string, details *pipeline.AnomalyDetails) error
	SaveDiagnosis(ctx context.Context, sessionID, machineID string, d *pipeline.Diagnosis) error
	SaveWorkOrder(ctx context.Context, sessionID, machineID string, wo *pipeline.WorkOrder) error
	UpdateWorkOrderStatus(ctx context.Context, woNumber string, status pipeline.WorkOrderStatus) error
	SaveBusinessMetrics(ctx context.Context, m *pipeline.BusinessMetrics) error
	SaveNotification(ctx context.Context, n *pipeline.Notification) error
	MarkNotificationSent(ctx context.Context, sessionID, id, lineMessageID string, sentAt time.Time) error
	AvailableTechnicians(ctx context.Context) ([]pipeline.Technician, error)
	PartsInStock(ctx context.Context) ([]pipeline.Part, error)
	FindEmployee(ctx context.Context, name string, roles []string) (*pipeline.Employee, error)
	FinalizeSession(ctx context.Context, sessionID string, status pipeline.SessionStatus, summary *pipeline.ResultSummary) error
}

// Messenger delivers a text message to a channel address and returns the message id.
type Messenger interface {
	Push(ctx context.Context, to, text string) (string, error)
}

// Func is one pipeline stage. It reads the state and returns a partial update;
// an empty update means the stage had nothing to do.
type Func func(ctx context.Context, st *pipeline.State) (pipeline.Update, error)

// Engine runs the five pipeline stages against shared collaborators.
type Engine struct {
	store      Store
	reasoner   llm.Reasoner
	messenger  Messenger
	prompts    *prompt.Library
	cfg        *config.Config
	metrics    *metrics.Recorder
	rules      []*checks.Rule
	recipients []recipientRule
	now        func() time.Time
	progress   io.Writer // live progress output; nil = silent
}

// NewEngine creates a stage engine. Guardrail and recipient expressions in cfg
// are compiled here so a bad rule fails at startup.
func NewEngine(store Store, reasoner llm.Reasoner, messenger Messenger, cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engine{
		store:     store,
		reasoner:  reasoner,
		messenger: messenger,
		prompts:   prompt.NewLibrary(""),
		cfg:       cfg,
		now:       time.Now,
	}
	for _, r := range cfg.Guardrails.Rules {
		rule, err := checks.CompileRule(r.Name, r.When, r.Message)
		if err != nil {
			return nil, fmt.Errorf("guardrail: %w", err)
		}
		e.rules = append(e.rules, rule)
	}
	recipients := cfg.Notify.Recipients
	if len(recipients) == 0 {
		recipients = config.DefaultRecipients()
	}
	for _, r := range recipients {
		rule, err := compileRecipient(r)
		if err != nil {
			return nil, fmt.Errorf("recipient: %w", err)
		}
		e.recipients = append(e.recipients, rule)
	}
	return e, nil
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (e *Engine) SetProgress(w io.Writer) {
	e.progress = w
}

// SetMetrics attaches a Prometheus recorder.
func (e *Engine) SetMetrics(m *metrics.Recorder) {
	e.metrics = m
}

// SetPrompts replaces the prompt library (e.g. one with an override dir).
func (e *Engine) SetPrompts(l *prompt.Library) {
	e.prompts = l
}

// SetClock overrides the time source (for testing).
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Config returns the engine's configuration.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Func returns the stage function for name.
func (e *Engine) Func(name pipeline.StageName) (Func, error) {
	switch name {
	case pipeline.StageDetector:
		return e.Detect, nil
	case pipeline.StageDiagnoser:
		return e.Diagnose, nil
	case pipeline.StagePlanner:
		return e.Plan, nil
	case pipeline.StageValidator:
		return e.Validate, nil
	case pipeline.StageNotifier:
		return e.Notify, nil
	}
	return nil, fmt.Errorf("unknown stage %q", name)
}

// logf prints a progress line if a progress writer is configured.
func (e *Engine) logf(format string, args ...interface{}) {
	if e.progress != nil {
		fmt.Fprintf(e.progress, "  → "+format+"\n", args...)
	}
}

// setProgress persists the session's current stage, action and progress.
func (e *Engine) setProgress(ctx context.Context, st *pipeline.State, stage pipeline.StageName, action string, progress int) error {
	if err := e.store.UpdateProgress(ctx, st.SessionID, stage, action, progress); err != nil {
		return fmt.Errorf("update progress (%s %d%%): %w", stage, progress, err)
	}
	return nil
}

// ask renders the stage prompts, calls the reasoner under the stage timeout
// and decodes the JSON answer. Any error means the caller must fall back.
func ask[T any](ctx context.Context, e *Engine, stage pipeline.StageName, vars prompt.Vars) (*T, error) {
	name := strings.ToLower(string(stage))
	system, user, err := e.prompts.Stage(name, vars)
	if err != nil {
		return nil, fmt.Errorf("render prompt: %w", err)
	}
	if e.reasoner == nil {
		return nil, llm.NewFatalError(fmt.Errorf("no reasoner configured"))
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Pipeline.Timeout(stage))
	defer cancel()
	content, err := e.reasoner.Evaluate(callCtx, system, user)
	if err != nil {
		return nil, err
	}
	out, err := llm.Decode[T](content)
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", name, err)
	}
	return out, nil
}

// fellBack logs a reasoning failure and counts it.
func (e *Engine) fellBack(ctx context.Context, stage pipeline.StageName, err error) {
	logctx.FromContext(ctx).Warn("reasoning call failed, using fallback", "stage", stage, "error", err)
	e.logf("%s: reasoning unavailable (%v), using fallback", stage, err)
	e.metrics.Fallback(string(stage))
}

// finish records stage metrics.
func (e *Engine) finish(stage pipeline.StageName, start time.Time, fallback bool) {
	outcome := metrics.OutcomeOK
	if fallback {
		outcome = metrics.OutcomeFallback
	}
	e.metrics.ObserveStage(string(stage), outcome, time.Since(start))
}

// newLogEntry starts the log entry for one stage invocation.
func (e *Engine) newLogEntry(st *pipeline.State, stage pipeline.StageName, action string) *pipeline.LogEntry {
	return &pipeline.LogEntry{
		ID:        uuid.NewString(),
		SessionID: st.SessionID,
		Stage:     stage,
		MachineID: st.MachineID,
		Action:    action,
		Status:    pipeline.LogCompleted,
		CreatedAt: e.now().UTC(),
	}
}

// saveLog stamps the duration and persists entry.
func (e *Engine) saveLog(ctx context.Context, entry *pipeline.LogEntry, start time.Time) error {
	entry.DurationMS = time.Since(start).Milliseconds()
	if err := e.store.SaveLogEntry(ctx, entry); err != nil {
		return fmt.Errorf("save %s log entry: %w", entry.Stage, err)
	}
	return nil
}

// roundJSON is a thinking round as returned by the reasoner.
type roundJSON struct {
	Round       int    `json:"round"`
	Thought     string `json:"thought"`
	Observation string `json:"observation"`
	Conclusion  string `json:"conclusion"`
}

// optionJSON is a scored option as returned by the reasoner.
type optionJSON struct {
	Option      string   `json:"option"`
	Description string   `json:"description"`
	Pros        []string `json:"pros"`
	Cons        []string `json:"cons"`
	Score       float64  `json:"score"`
}

// trail accumulates a stage's thinking rounds in order.
type trail struct {
	rounds []pipeline.ThinkingRound
	now    func() time.Time
}

func newTrail(now func() time.Time) *trail {
	return &trail{now: now}
}

func (t *trail) add(thought, observation, conclusion string) {
	t.rounds = append(t.rounds, pipeline.ThinkingRound{
		Round:       len(t.rounds) + 1,
		Thought:     thought,
		Observation: observation,
		Conclusion:  conclusion,
		Timestamp:   t.now().UTC(),
	})
}

// merge appends reasoner rounds, renumbered after the existing ones.
func (t *trail) merge(rounds []roundJSON) {
	for _, r := range rounds {
		if r.Thought == "" && r.Observation == "" && r.Conclusion == "" {
			continue
		}
		t.add(r.Thought, r.Observation, r.Conclusion)
	}
}

// decisionPath builds a decision record, marking selected and filling
// missing options with their default scores.
func decisionPath(question string, options []optionJSON, defaults map[string]float64, selected, reason string) *pipeline.DecisionPath {
	seen := make(map[string]bool)
	dp := &pipeline.DecisionPath{Question: question, FinalDecision: selected, Reasoning: reason}
	for _, o := range options {
		if o.Option == "" || seen[o.Option] {
			continue
		}
		seen[o.Option] = true
		dp.Choices = append(dp.Choices, pipeline.DecisionChoice{
			Option:      o.Option,
			Description: o.Description,
			Pros:        o.Pros,
			Cons:        o.Cons,
			Score:       o.Score,
			Selected:    o.Option == selected,
		})
	}
	for _, name := range slices.Sorted(maps.Keys(defaults)) {
		if seen[name] {
			continue
		}
		dp.Choices = append(dp.Choices, pipeline.DecisionChoice{
			Option:   name,
			Score:    defaults[name],
			Selected: name == selected,
		})
	}
	for i := range dp.Choices {
		if dp.Choices[i].Selected {
			dp.Choices[i].Reason = reason
		}
	}
	return dp
}

// NormalizeConfidence maps a confidence to the 0-100 scale. Values in (0, 1]
// are treated as fractions. The result is clamped and rounded to one decimal.
func NormalizeConfidence(c float64) float64 {
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return 0
	}
	if c > 0 && c <= 1 {
		c *= 100
	}
	c = math.Max(0, math.Min(100, c))
	return math.Round(c*10) / 10
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func parseSeverity(s string) (pipeline.Severity, bool) {
	switch sev := pipeline.Severity(strings.ToUpper(strings.TrimSpace(s))); sev {
	case pipeline.SeverityLow, pipeline.SeverityMedium, pipeline.SeverityHigh, pipeline.SeverityCritical:
		return sev, true
	}
	return "", false
}

func parsePriority(s string) (pipeline.Priority, bool) {
	switch p := pipeline.Priority(strings.ToUpper(strings.TrimSpace(s))); p {
	case pipeline.PriorityLow, pipeline.PriorityMedium, pipeline.PriorityHigh, pipeline.PriorityUrgent:
		return p, true
	}
	return "", false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...float64) float64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func bullets(lines []string) string {
	if len(lines) == 0 {
		return "- none"
	}
	return "- " + strings.Join(lines, "\n- ")
}

func formatNum(v float64) string {
	return strconv.FormatFloat(round2(v), 'f', -1, 64)
}
