package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/factorywatch/internal/events"
	"github.com/lucasnoah/factorywatch/internal/logctx"
	"github.com/lucasnoah/factorywatch/internal/metrics"
	"github.com/lucasnoah/factorywatch/internal/pipeline"
	"github.com/lucasnoah/factorywatch/internal/stage"
)

// Store is the persistence the orchestrator needs on top of the stages' own.
type Store interface {
	CreateSession(ctx context.Context, sess *pipeline.Session) error
	GetSession(ctx context.Context, id string) (*pipeline.Session, error)
	FinalizeSession(ctx context.Context, sessionID string, status pipeline.SessionStatus, summary *pipeline.ResultSummary) error
	ListLogEntries(ctx context.Context, sessionID string) ([]pipeline.LogEntry, error)
	GetRecords(ctx context.Context, sessionID string) (*pipeline.Records, error)
	GetMachine(ctx context.Context, machineID string) (*pipeline.Machine, error)
	GetReading(ctx context.Context, id string) (*pipeline.Reading, error)
	ThresholdsFor(ctx context.Context, machineType string) ([]pipeline.Threshold, error)
	UpdateMachineHealth(ctx context.Context, machineID, status string, health float64) error
	GetWorkOrder(ctx context.Context, woNumber string) (*pipeline.WorkOrder, error)
	UpdateWorkOrderStatus(ctx context.Context, woNumber string, status pipeline.WorkOrderStatus) error
}

// Orchestrator owns session lifecycle and walks the stage graph.
// It holds no per-run state, so runs for different sessions may execute concurrently.
type Orchestrator struct {
	store     Store
	engine    *stage.Engine
	graph     *Graph
	publisher events.Publisher
	metrics   *metrics.Recorder
	now       func() time.Time
	progress  io.Writer // live progress output; nil = silent
}

// NewOrchestrator creates an Orchestrator over the default graph, gated by the
// engine's configured confidence threshold.
func NewOrchestrator(store Store, engine *stage.Engine) *Orchestrator {
	return &Orchestrator{
		store:     store,
		engine:    engine,
		graph:     DefaultGraph(engine.Config().Pipeline.ConfidenceGate),
		publisher: events.Nop{},
		now:       time.Now,
	}
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (o *Orchestrator) SetProgress(w io.Writer) {
	o.progress = w
}

// SetPublisher attaches an event publisher for stage updates.
func (o *Orchestrator) SetPublisher(p events.Publisher) {
	if p == nil {
		p = events.Nop{}
	}
	o.publisher = p
}

// SetMetrics attaches a Prometheus recorder.
func (o *Orchestrator) SetMetrics(m *metrics.Recorder) {
	o.metrics = m
}

// SetClock overrides the time source (for testing).
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// Graph returns the stage graph the orchestrator walks.
func (o *Orchestrator) Graph() *Graph {
	return o.graph
}

func (o *Orchestrator) logf(format string, args ...interface{}) {
	if o.progress != nil {
		fmt.Fprintf(o.progress, "  → "+format+"\n", args...)
	}
}

// Input is everything one run needs.
type Input struct {
	SessionID  string
	Reading    pipeline.Reading
	Machine    pipeline.Machine
	Thresholds []pipeline.Threshold
}

func (in Input) validate() error {
	if in.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	return in.validateSubject()
}

// validateSubject checks the machine and reading.
func (in Input) validateSubject() error {
	if in.Machine.MachineID == "" {
		return fmt.Errorf("machine id is required")
	}
	if in.Reading.MachineID != "" && in.Reading.MachineID != in.Machine.MachineID {
		return fmt.Errorf("reading %s belongs to machine %s, not %s", in.Reading.ID, in.Reading.MachineID, in.Machine.MachineID)
	}
	return nil
}

// CreateSession records a new RUNNING session at progress 0 and returns its id.
func (o *Orchestrator) CreateSession(ctx context.Context, machineID, readingID string) (string, error) {
	if machineID == "" {
		return "", fmt.Errorf("machine id is required")
	}
	sess := &pipeline.Session{
		ID:            uuid.NewString(),
		MachineID:     machineID,
		ReadingID:     readingID,
		Status:        pipeline.SessionRunning,
		CurrentAction: "Initializing pipeline",
		StartedAt:     o.now().UTC(),
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return sess.ID, nil
}

// Prepare loads the machine, reading and thresholds for a run and creates
// its session.
func (o *Orchestrator) Prepare(ctx context.Context, machineID, readingID string) (Input, error) {
	machine, err := o.store.GetMachine(ctx, machineID)
	if err != nil {
		return Input{}, fmt.Errorf("get machine: %w", err)
	}
	reading, err := o.store.GetReading(ctx, readingID)
	if err != nil {
		return Input{}, fmt.Errorf("get reading: %w", err)
	}
	thresholds, err := o.store.ThresholdsFor(ctx, machine.Type)
	if err != nil {
		return Input{}, fmt.Errorf("get thresholds: %w", err)
	}
	in := Input{Reading: *reading, Machine: *machine, Thresholds: thresholds}
	if err := in.validateSubject(); err != nil {
		return Input{}, err
	}
	id, err := o.CreateSession(ctx, machineID, readingID)
	if err != nil {
		return Input{}, err
	}
	in.SessionID = id
	return in, nil
}

// Run executes the pipeline to completion and returns the final merged state.
// The returned error is only for invalid input; failures during the run mark
// the session FAILED and are reported in State.Error.
func (o *Orchestrator) Run(ctx context.Context, in Input) (*pipeline.State, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	return o.execute(ctx, in, nil), nil
}

// Stream executes the pipeline and sends an update after every stage. The
// channel is closed after the final update, which has Done set.
func (o *Orchestrator) Stream(ctx context.Context, in Input) <-chan pipeline.StreamUpdate {
	ch := make(chan pipeline.StreamUpdate, len(pipeline.Stages)+1)
	if err := in.validate(); err != nil {
		ch <- pipeline.StreamUpdate{Done: true, Error: err.Error()}
		close(ch)
		return ch
	}
	go func() {
		defer close(ch)
		o.execute(ctx, in, func(u pipeline.StreamUpdate) {
			select {
			case ch <- u:
			case <-ctx.Done():
			}
		})
	}()
	return ch
}

// StatusInfo is a session with its ordered log entries and domain records.
type StatusInfo struct {
	Session *pipeline.Session   `json:"session"`
	Logs    []pipeline.LogEntry `json:"logs"`
	Records *pipeline.Records   `json:"records,omitempty"`
}

// Status returns the persisted view of a session.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) (*StatusInfo, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	logs, err := o.store.ListLogEntries(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list log entries: %w", err)
	}
	rec, err := o.store.GetRecords(ctx, sessionID)
	if err != nil && !errors.Is(err, pipeline.ErrSessionNotFound) {
		return nil, fmt.Errorf("get records: %w", err)
	}
	return &StatusInfo{Session: sess, Logs: logs, Records: rec}, nil
}

// AdvanceWorkOrder applies a technician action (accept or complete) to a work order.
func (o *Orchestrator) AdvanceWorkOrder(ctx context.Context, woNumber, action string) (*pipeline.WorkOrder, error) {
	wo, err := o.store.GetWorkOrder(ctx, woNumber)
	if err != nil {
		return nil, fmt.Errorf("get work order: %w", err)
	}
	next, err := wo.Status.Advance(action)
	if err != nil {
		return nil, err
	}
	if err := o.store.UpdateWorkOrderStatus(ctx, woNumber, next); err != nil {
		return nil, fmt.Errorf("update work order: %w", err)
	}
	o.logf("work order %s: %s -> %s", woNumber, wo.Status, next)
	wo.Status = next
	return wo, nil
}

// execute walks the graph from its start stage. Stage errors and panics end
// the run as FAILED; emit, when set, receives every update.
func (o *Orchestrator) execute(ctx context.Context, in Input, emit func(pipeline.StreamUpdate)) (st *pipeline.State) {
	st = pipeline.NewState(in.SessionID, in.Reading, in.Machine, in.Thresholds)
	ctx = logctx.With(ctx, "session_id", in.SessionID, "machine_id", in.Machine.MachineID)
	o.logf("session %s: machine %s reading %s", in.SessionID, in.Machine.MachineID, in.Reading.ID)

	cur := o.graph.Start
	defer func() {
		if r := recover(); r != nil {
			st = o.fail(ctx, st, cur, fmt.Errorf("panic in %s: %v", strings.ToLower(string(cur)), r), emit)
		}
	}()

	var last pipeline.StageName
	for cur != End {
		if err := ctx.Err(); err != nil {
			return o.fail(ctx, st, cur, fmt.Errorf("run cancelled before %s: %w", strings.ToLower(string(cur)), err), emit)
		}
		fn, err := o.engine.Func(cur)
		if err != nil {
			return o.fail(ctx, st, cur, err, emit)
		}
		o.logf("%s", cur)
		u, err := fn(logctx.With(ctx, "stage", cur), st)
		if err != nil {
			return o.fail(ctx, st, cur, fmt.Errorf("%s: %w", strings.ToLower(string(cur)), err), emit)
		}
		st.Apply(u)
		o.send(ctx, st, emit, pipeline.StreamUpdate{
			Stage:    cur,
			Action:   st.CurrentAction,
			Progress: st.Progress,
			Partial:  u,
			State:    st.Clone(),
		})

		next, err := o.graph.Next(cur, st)
		if err != nil {
			return o.fail(ctx, st, cur, err, emit)
		}
		last, cur = cur, next
	}

	// The notifier finalizes the session itself; any other path ends here.
	if last != pipeline.StageNotifier {
		if err := o.store.FinalizeSession(ctx, st.SessionID, pipeline.SessionCompleted, st.Summary()); err != nil {
			return o.fail(ctx, st, last, fmt.Errorf("finalize session: %w", err), emit)
		}
	}
	o.updateMachineHealth(ctx, st)
	o.metrics.SessionFinished(string(pipeline.SessionCompleted))
	o.logf("session %s completed (%d log entries)", st.SessionID, len(st.Logs))
	o.send(ctx, st, emit, pipeline.StreamUpdate{
		Stage:    last,
		Action:   st.CurrentAction,
		Progress: st.Progress,
		State:    st.Clone(),
		Done:     true,
	})
	return st
}

// fail marks the session FAILED and returns the partial state with Error set.
func (o *Orchestrator) fail(ctx context.Context, st *pipeline.State, at pipeline.StageName, err error, emit func(pipeline.StreamUpdate)) *pipeline.State {
	st.Error = err.Error()
	log := logctx.FromContext(ctx)
	log.Error("pipeline run failed", "stage", at, "error", err)
	o.logf("session %s failed at %s: %v", st.SessionID, at, err)

	fctx := context.WithoutCancel(ctx)
	if ferr := o.store.FinalizeSession(fctx, st.SessionID, pipeline.SessionFailed, st.Summary()); ferr != nil && !errors.Is(ferr, pipeline.ErrTerminalSession) {
		log.Warn("could not mark session failed", "error", ferr)
	}
	o.metrics.SessionFinished(string(pipeline.SessionFailed))
	o.send(fctx, st, emit, pipeline.StreamUpdate{
		Stage:    at,
		Action:   st.CurrentAction,
		Progress: st.Progress,
		State:    st.Clone(),
		Done:     true,
		Error:    st.Error,
	})
	return st
}

// send publishes u and hands it to emit.
func (o *Orchestrator) send(ctx context.Context, st *pipeline.State, emit func(pipeline.StreamUpdate), u pipeline.StreamUpdate) {
	if err := o.publisher.Publish(ctx, st.SessionID, u); err != nil {
		logctx.FromContext(ctx).Warn("publish stage event", "error", err)
	}
	if emit != nil {
		emit(u)
	}
}

// updateMachineHealth lowers the machine's health score after an anomaly.
func (o *Orchestrator) updateMachineHealth(ctx context.Context, st *pipeline.State) {
	if !st.AnomalyDetected || st.AnomalyDetails == nil {
		return
	}
	penalty := o.engine.Config().Pipeline.HealthPenalty
	status, drop := "WARNING", penalty.Warning
	if st.AnomalyDetails.Severity == pipeline.SeverityCritical {
		status, drop = "CRITICAL", penalty.Critical
	}
	health := math.Max(0, st.Machine.HealthScore-drop)
	if err := o.store.UpdateMachineHealth(ctx, st.MachineID, status, health); err != nil {
		logctx.FromContext(ctx).Warn("update machine health", "error", err)
		return
	}
	o.logf("machine %s: %s, health %.0f", st.MachineID, status, health)
}
