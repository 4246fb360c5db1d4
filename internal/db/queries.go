package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/lucasnoah/factorywatch/internal/pipeline"
)

// --- Sessions ---

// CreateSession inserts a new session record.
func (d *DB) CreateSession(ctx context.Context, sess *pipeline.Session) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO sessions (id, machine_id, reading_id, status, current_stage, current_action, progress, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sess.ID, sess.MachineID, sess.ReadingID, string(sess.Status), string(sess.CurrentStage),
		sess.CurrentAction, sess.Progress, sess.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

const sessionColumns = `id, machine_id, reading_id, status, current_stage, current_action, progress, started_at, completed_at, result_summary`

func scanSession(row pgx.Row) (*pipeline.Session, error) {
	var (
		s       pipeline.Session
		status  string
		stage   string
		summary []byte
	)
	if err := row.Scan(&s.ID, &s.MachineID, &s.ReadingID, &status, &stage, &s.CurrentAction,
		&s.Progress, &s.StartedAt, &s.CompletedAt, &summary); err != nil {
		return nil, err
	}
	s.Status = pipeline.SessionStatus(status)
	s.CurrentStage = pipeline.StageName(stage)
	if len(summary) > 0 {
		s.ResultSummary = &pipeline.ResultSummary{}
		if err := json.Unmarshal(summary, s.ResultSummary); err != nil {
			return nil, fmt.Errorf("decode result summary: %w", err)
		}
	}
	return &s, nil
}

// GetSession returns a session by id.
func (d *DB) GetSession(ctx context.Context, id string) (*pipeline.Session, error) {
	s, err := scanSession(d.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, pipeline.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// ListSessions returns sessions, newest first. limit <= 0 returns all.
func (d *DB) ListSessions(ctx context.Context, limit int) ([]pipeline.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := d.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (pipeline.Session, error) {
		s, err := scanSession(row)
		if err != nil {
			return pipeline.Session{}, err
		}
		return *s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	return sessions, nil
}

// requireRunning explains why an update of a RUNNING session touched no rows.
func (d *DB) requireRunning(ctx context.Context, id string) error {
	s, err := d.GetSession(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("session %s is %s: %w", id, s.Status, pipeline.ErrTerminalSession)
}

// UpdateProgress records the current stage and action. Progress never decreases.
func (d *DB) UpdateProgress(ctx context.Context, sessionID string, stage pipeline.StageName, action string, progress int) error {
	tag, err := d.pool.Exec(ctx,
		`UPDATE sessions SET current_stage = $2, current_action = $3, progress = GREATEST(progress, $4)
		 WHERE id = $1 AND status = 'RUNNING'`,
		sessionID, string(stage), action, progress,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return d.requireRunning(ctx, sessionID)
	}
	return nil
}

// FinalizeSession moves a RUNNING session to a terminal status.
func (d *DB) FinalizeSession(ctx context.Context, sessionID string, status pipeline.SessionStatus, summary *pipeline.ResultSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode result summary: %w", err)
	}
	tag, err := d.pool.Exec(ctx,
		`UPDATE sessions SET status = $2, completed_at = now(), result_summary = $3,
		     progress = CASE WHEN $2 = 'COMPLETED' THEN 100 ELSE progress END
		 WHERE id = $1 AND status = 'RUNNING'`,
		sessionID, string(status), data,
	)
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return d.requireRunning(ctx, sessionID)
	}
	return nil
}

// --- Agent logs ---

// SaveLogEntry appends a log entry to its session.
func (d *DB) SaveLogEntry(ctx context.Context, e *pipeline.LogEntry) error {
	input, err := jsonOrNil(e.Input)
	if err != nil {
		return err
	}
	output, err := jsonOrNil(e.Output)
	if err != nil {
		return err
	}
	rounds, err := json.Marshal(e.ThinkingRounds)
	if err != nil {
		return fmt.Errorf("encode thinking rounds: %w", err)
	}
	if e.ThinkingRounds == nil {
		rounds = []byte("[]")
	}
	path, err := jsonOrNil(e.DecisionPath)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx,
		`INSERT INTO agent_logs (id, session_id, stage, machine_id, action, input_data, output_data, reasoning,
		     thinking_rounds, decision_path, confidence, decision, next_stage, status, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		e.ID, e.SessionID, string(e.Stage), e.MachineID, e.Action, input, output, e.Reasoning,
		rounds, path, e.Confidence, e.Decision, e.NextStage, string(e.Status), e.DurationMS, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save log entry: %w", err)
	}
	return nil
}

// ListLogEntries returns a session's log entries in insertion order.
func (d *DB) ListLogEntries(ctx context.Context, sessionID string) ([]pipeline.LogEntry, error) {
	if _, err := d.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := d.pool.Query(ctx,
		`SELECT id, session_id, stage, machine_id, action, input_data, output_data, reasoning,
		     thinking_rounds, decision_path, confidence, decision, next_stage, status, duration_ms, created_at
		 FROM agent_logs WHERE session_id = $1 ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list log entries: %w", err)
	}
	logs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (pipeline.LogEntry, error) {
		var (
			e                            pipeline.LogEntry
			stage, status                string
			input, output, rounds, dpath []byte
		)
		if err := row.Scan(&e.ID, &e.SessionID, &stage, &e.MachineID, &e.Action, &input, &output, &e.Reasoning,
			&rounds, &dpath, &e.Confidence, &e.Decision, &e.NextStage, &status, &e.DurationMS, &e.CreatedAt); err != nil {
			return e, err
		}
		e.Stage = pipeline.StageName(stage)
		e.Status = pipeline.LogStatus(status)
		if err := unmarshalIfSet(input, &e.Input); err != nil {
			return e, err
		}
		if err := unmarshalIfSet(output, &e.Output); err != nil {
			return e, err
		}
		if err := unmarshalIfSet(rounds, &e.ThinkingRounds); err != nil {
			return e, err
		}
		if len(dpath) > 0 && string(dpath) != "null" {
			e.DecisionPath = &pipeline.DecisionPath{}
			if err := json.Unmarshal(dpath, e.DecisionPath); err != nil {
				return e, err
			}
		}
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan log entries: %w", err)
	}
	return logs, nil
}

// --- Domain records ---

// SaveAnomaly records the confirmed anomaly for a session.
func (d *DB) SaveAnomaly(ctx context.Context, sessionID, machineID, readingID string, a *pipeline.AnomalyDetails) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode anomaly: %w", err)
	}
	_, err = d.pool.Exec(ctx,
		`INSERT INTO anomalies (session_id, machine_id, reading_id, anomaly_type, severity, details)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (session_id) DO UPDATE SET anomaly_type = EXCLUDED.anomaly_type,
		     severity = EXCLUDED.severity, details = EXCLUDED.details`,
		sessionID, machineID, readingID, a.Type, string(a.Severity), data,
	)
	if err != nil {
		return fmt.Errorf("save anomaly: %w", err)
	}
	return nil
}

// SaveDiagnosis records the diagnosis for a session.
func (d *DB) SaveDiagnosis(ctx context.Context, sessionID, machineID string, diag *pipeline.Diagnosis) error {
	data, err := json.Marshal(diag)
	if err != nil {
		return fmt.Errorf("encode diagnosis: %w", err)
	}
	_, err = d.pool.Exec(ctx,
		`INSERT INTO diagnoses (session_id, machine_id, root_cause, confidence, details)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id) DO UPDATE SET root_cause = EXCLUDED.root_cause,
		     confidence = EXCLUDED.confidence, details = EXCLUDED.details`,
		sessionID, machineID, diag.RootCause, diag.Confidence, data,
	)
	if err != nil {
		return fmt.Errorf("save diagnosis: %w", err)
	}
	return nil
}

// SaveWorkOrder records a planned work order.
func (d *DB) SaveWorkOrder(ctx context.Context, sessionID, machineID string, wo *pipeline.WorkOrder) error {
	data, err := json.Marshal(wo)
	if err != nil {
		return fmt.Errorf("encode work order: %w", err)
	}
	_, err = d.pool.Exec(ctx,
		`INSERT INTO work_orders (wo_number, session_id, machine_id, status, priority, assigned_technician, estimated_cost, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (wo_number) DO UPDATE SET status = EXCLUDED.status, priority = EXCLUDED.priority,
		     assigned_technician = EXCLUDED.assigned_technician, estimated_cost = EXCLUDED.estimated_cost,
		     details = EXCLUDED.details, updated_at = now()`,
		wo.WONumber, sessionID, machineID, string(wo.Status), string(wo.Priority),
		wo.AssignedTechnician, wo.EstimatedCost, data,
	)
	if err != nil {
		return fmt.Errorf("save work order: %w", err)
	}
	return nil
}

// GetWorkOrder returns a work order by number.
func (d *DB) GetWorkOrder(ctx context.Context, woNumber string) (*pipeline.WorkOrder, error) {
	var (
		status string
		data   []byte
	)
	err := d.pool.QueryRow(ctx, `SELECT status, details FROM work_orders WHERE wo_number = $1`, woNumber).Scan(&status, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("work order %s not found", woNumber)
	}
	if err != nil {
		return nil, fmt.Errorf("get work order: %w", err)
	}
	var wo pipeline.WorkOrder
	if err := json.Unmarshal(data, &wo); err != nil {
		return nil, fmt.Errorf("decode work order: %w", err)
	}
	wo.Status = pipeline.WorkOrderStatus(status)
	return &wo, nil
}

// WorkOrderSession returns the id of the session that planned a work order.
func (d *DB) WorkOrderSession(ctx context.Context, woNumber string) (string, error) {
	var id string
	err := d.pool.QueryRow(ctx, `SELECT session_id FROM work_orders WHERE wo_number = $1`, woNumber).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("work order %s not found", woNumber)
	}
	if err != nil {
		return "", fmt.Errorf("get work order session: %w", err)
	}
	return id, nil
}

// UpdateWorkOrderStatus changes a work order's status.
func (d *DB) UpdateWorkOrderStatus(ctx context.Context, woNumber string, status pipeline.WorkOrderStatus) error {
	tag, err := d.pool.Exec(ctx,
		`UPDATE work_orders SET status = $2, updated_at = now() WHERE wo_number = $1`,
		woNumber, string(status),
	)
	if err != nil {
		return fmt.Errorf("update work order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("work order %s not found", woNumber)
	}
	return nil
}

// SaveBusinessMetrics appends a business value record.
func (d *DB) SaveBusinessMetrics(ctx context.Context, m *pipeline.BusinessMetrics) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO business_value_metrics (session_id, machine_id, wo_number, cost_avoided, maintenance_cost, roi_percentage, downtime_hours, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.SessionID, m.MachineID, m.WONumber, m.CostAvoided, m.MaintenanceCost, m.ROIPercentage, m.DowntimeHours, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save business metrics: %w", err)
	}
	return nil
}

// ListBusinessMetrics returns every business value record, oldest first.
func (d *DB) ListBusinessMetrics(ctx context.Context) ([]pipeline.BusinessMetrics, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT session_id, machine_id, wo_number, cost_avoided, maintenance_cost, roi_percentage, downtime_hours, created_at
		 FROM business_value_metrics ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list business metrics: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (pipeline.BusinessMetrics, error) {
		var m pipeline.BusinessMetrics
		err := row.Scan(&m.SessionID, &m.MachineID, &m.WONumber, &m.CostAvoided, &m.MaintenanceCost,
			&m.ROIPercentage, &m.DowntimeHours, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan business metrics: %w", err)
	}
	return out, nil
}

// SaveNotification records a notification before delivery is attempted.
func (d *DB) SaveNotification(ctx context.Context, n *pipeline.Notification) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO notifications (id, session_id, recipient_type, recipient_name, recipient_line_id, channel,
		     message_type, title, content, priority, delivered, line_message_id, sent_at, delivery_error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		n.ID, n.SessionID, string(n.RecipientType), n.RecipientName, n.RecipientLineID, string(n.Channel),
		string(n.MessageType), n.Title, n.Content, string(n.Priority), n.Delivered, n.LineMessageID, n.SentAt, n.DeliveryError,
	)
	if err != nil {
		return fmt.Errorf("save notification: %w", err)
	}
	return nil
}

// MarkNotificationSent stores the delivery receipt of a notification.
func (d *DB) MarkNotificationSent(ctx context.Context, sessionID, id, lineMessageID string, sentAt time.Time) error {
	_, err := d.pool.Exec(ctx,
		`UPDATE notifications SET delivered = TRUE, line_message_id = $3, sent_at = $4
		 WHERE session_id = $1 AND id = $2`,
		sessionID, id, lineMessageID, sentAt,
	)
	if err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}
	return nil
}

// GetRecords returns the domain records persisted for a session.
func (d *DB) GetRecords(ctx context.Context, sessionID string) (*pipeline.Records, error) {
	if _, err := d.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rec := &pipeline.Records{Notifications: []pipeline.Notification{}}

	var data []byte
	err := d.pool.QueryRow(ctx, `SELECT details FROM anomalies WHERE session_id = $1`, sessionID).Scan(&data)
	if err == nil {
		rec.Anomaly = &pipeline.AnomalyDetails{}
		if err := json.Unmarshal(data, rec.Anomaly); err != nil {
			return nil, fmt.Errorf("decode anomaly: %w", err)
		}
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get anomaly: %w", err)
	}

	err = d.pool.QueryRow(ctx, `SELECT details FROM diagnoses WHERE session_id = $1`, sessionID).Scan(&data)
	if err == nil {
		rec.Diagnosis = &pipeline.Diagnosis{}
		if err := json.Unmarshal(data, rec.Diagnosis); err != nil {
			return nil, fmt.Errorf("decode diagnosis: %w", err)
		}
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get diagnosis: %w", err)
	}

	var status string
	err = d.pool.QueryRow(ctx,
		`SELECT status, details FROM work_orders WHERE session_id = $1 ORDER BY created_at DESC LIMIT 1`, sessionID,
	).Scan(&status, &data)
	if err == nil {
		rec.WorkOrder = &pipeline.WorkOrder{}
		if err := json.Unmarshal(data, rec.WorkOrder); err != nil {
			return nil, fmt.Errorf("decode work order: %w", err)
		}
		rec.WorkOrder.Status = pipeline.WorkOrderStatus(status)
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get work order: %w", err)
	}

	rows, err := d.pool.Query(ctx,
		`SELECT id, session_id, recipient_type, recipient_name, recipient_line_id, channel, message_type,
		     title, content, priority, delivered, line_message_id, sent_at, delivery_error
		 FROM notifications WHERE session_id = $1 ORDER BY seq`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	ns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (pipeline.Notification, error) {
		var (
			n                                  pipeline.Notification
			rtype, channel, mtype, priority string
		)
		err := row.Scan(&n.ID, &n.SessionID, &rtype, &n.RecipientName, &n.RecipientLineID, &channel, &mtype,
			&n.Title, &n.Content, &priority, &n.Delivered, &n.LineMessageID, &n.SentAt, &n.DeliveryError)
		n.RecipientType = pipeline.RecipientType(rtype)
		n.Channel = pipeline.Channel(channel)
		n.MessageType = pipeline.MessageType(mtype)
		n.Priority = pipeline.Priority(priority)
		return n, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan notifications: %w", err)
	}
	rec.Notifications = append(rec.Notifications, ns...)
	return rec, nil
}

// --- Lookups ---

// AvailableTechnicians returns technicians flagged available, most skilled first.
func (d *DB) AvailableTechnicians(ctx context.Context) ([]pipeline.Technician, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, name, skill_level, specializations, is_available FROM technicians
		 WHERE is_available ORDER BY skill_level DESC, name`,
	)
	if err != nil {
		return nil, fmt.Errorf("list technicians: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (pipeline.Technician, error) {
		var t pipeline.Technician
		err := row.Scan(&t.ID, &t.Name, &t.SkillLevel, &t.Specializations, &t.Available)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan technicians: %w", err)
	}
	return out, nil
}

// PartsInStock returns parts with a positive quantity.
func (d *DB) PartsInStock(ctx context.Context) ([]pipeline.Part, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT part_number, name, category, quantity, unit_cost FROM parts_inventory
		 WHERE quantity > 0 ORDER BY part_number`,
	)
	if err != nil {
		return nil, fmt.Errorf("list parts: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (pipeline.Part, error) {
		var p pipeline.Part
		err := row.Scan(&p.PartNumber, &p.Name, &p.Category, &p.Quantity, &p.UnitCost)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan parts: %w", err)
	}
	return out, nil
}

// FindEmployee resolves a directory entry. With a name it matches that exact
// name, restricted to roles when any are given, and never substitutes someone
// else. Without a name it returns the first entry holding one of roles. It
// returns nil when nothing matches.
func (d *DB) FindEmployee(ctx context.Context, name string, roles []string) (*pipeline.Employee, error) {
	upper := make([]string, len(roles))
	for i, r := range roles {
		upper[i] = strings.ToUpper(r)
	}
	var e pipeline.Employee
	if name != "" {
		err := d.pool.QueryRow(ctx,
			`SELECT name, role, line_user_id FROM employees
			 WHERE name = $1 AND (cardinality($2::text[]) = 0 OR upper(role) = ANY($2))
			 ORDER BY role LIMIT 1`, name, upper,
		).Scan(&e.Name, &e.Role, &e.LineUserID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("find employee: %w", err)
		}
		return &e, nil
	}
	for _, role := range upper {
		err := d.pool.QueryRow(ctx,
			`SELECT name, role, line_user_id FROM employees WHERE upper(role) = $1 ORDER BY name LIMIT 1`, role,
		).Scan(&e.Name, &e.Role, &e.LineUserID)
		if err == nil {
			return &e, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("find employee: %w", err)
		}
	}
	return nil, nil
}

// FindEmployeeByLineID returns the employee registered under a LINE user id,
// or nil.
func (d *DB) FindEmployeeByLineID(ctx context.Context, lineUserID string) (*pipeline.Employee, error) {
	if lineUserID == "" {
		return nil, nil
	}
	var e pipeline.Employee
	err := d.pool.QueryRow(ctx,
		`SELECT name, role, line_user_id FROM employees WHERE line_user_id = $1 ORDER BY name, role LIMIT 1`, lineUserID,
	).Scan(&e.Name, &e.Role, &e.LineUserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find employee by LINE id: %w", err)
	}
	return &e, nil
}

// UpdateEmployeeLineID registers a LINE user id for every directory row of
// name. It fails with ErrLineIDTaken when another employee already holds the
// id and with ErrEmployeeNotFound when name is not in the directory.
func (d *DB) UpdateEmployeeLineID(ctx context.Context, name, lineUserID string) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if lineUserID != "" {
		var holder string
		err := tx.QueryRow(ctx,
			`SELECT name FROM employees WHERE line_user_id = $1 AND name <> $2 LIMIT 1`, lineUserID, name,
		).Scan(&holder)
		if err == nil {
			return fmt.Errorf("%w: held by %s", pipeline.ErrLineIDTaken, holder)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("check LINE id: %w", err)
		}
	}
	tag, err := tx.Exec(ctx, `UPDATE employees SET line_user_id = $2 WHERE name = $1`, name, lineUserID)
	if err != nil {
		return fmt.Errorf("update LINE id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", pipeline.ErrEmployeeNotFound, name)
	}
	return tx.Commit(ctx)
}

// --- Catalog ---

const machineColumns = `machine_id, name, type, location, criticality, health_score, status`

func scanMachine(row pgx.Row) (pipeline.Machine, error) {
	var (
		m    pipeline.Machine
		crit string
	)
	err := row.Scan(&m.MachineID, &m.Name, &m.Type, &m.Location, &crit, &m.HealthScore, &m.Status)
	m.Criticality = pipeline.Severity(crit)
	return m, err
}

// ListMachines returns all machines.
func (d *DB) ListMachines(ctx context.Context) ([]pipeline.Machine, error) {
	rows, err := d.pool.Query(ctx, `SELECT `+machineColumns+` FROM machines ORDER BY machine_id`)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (pipeline.Machine, error) {
		return scanMachine(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan machines: %w", err)
	}
	return out, nil
}

// GetMachine returns a machine by id.
func (d *DB) GetMachine(ctx context.Context, machineID string) (*pipeline.Machine, error) {
	m, err := scanMachine(d.pool.QueryRow(ctx, `SELECT `+machineColumns+` FROM machines WHERE machine_id = $1`, machineID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("machine %s not found", machineID)
	}
	if err != nil {
		return nil, fmt.Errorf("get machine: %w", err)
	}
	return &m, nil
}

// UpdateMachineHealth sets a machine's status and health score.
func (d *DB) UpdateMachineHealth(ctx context.Context, machineID, status string, health float64) error {
	tag, err := d.pool.Exec(ctx,
		`UPDATE machines SET status = $2, health_score = $3 WHERE machine_id = $1`,
		machineID, status, health,
	)
	if err != nil {
		return fmt.Errorf("update machine health: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("machine %s not found", machineID)
	}
	return nil
}

// ThresholdsFor returns the thresholds configured for a machine type.
func (d *DB) ThresholdsFor(ctx context.Context, machineType string) ([]pipeline.Threshold, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT machine_type, metric, warning_high, critical_high, warning_low, critical_low, unit
		 FROM thresholds WHERE machine_type = $1 ORDER BY metric`,
		machineType,
	)
	if err != nil {
		return nil, fmt.Errorf("list thresholds: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (pipeline.Threshold, error) {
		var t pipeline.Threshold
		err := row.Scan(&t.MachineType, &t.Metric, &t.WarningHigh, &t.CriticalHigh, &t.WarningLow, &t.CriticalLow, &t.Unit)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan thresholds: %w", err)
	}
	return out, nil
}

// InsertReading stores a sensor reading.
func (d *DB) InsertReading(ctx context.Context, r *pipeline.Reading) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO sensor_readings (id, machine_id, timestamp, vib_rms_horizontal, vib_rms_vertical, vib_peak_accel,
		     bearing_temp, pressure, motor_temp, current_amp, status_flag)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.MachineID, r.Timestamp, r.VibRMSHorizontal, r.VibRMSVertical, r.VibPeakAccel,
		r.BearingTemp, r.Pressure, r.MotorTemp, r.CurrentAmp, r.StatusFlag,
	)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// GetReading returns a sensor reading by id.
func (d *DB) GetReading(ctx context.Context, id string) (*pipeline.Reading, error) {
	var r pipeline.Reading
	err := d.pool.QueryRow(ctx,
		`SELECT id, machine_id, timestamp, vib_rms_horizontal, vib_rms_vertical, vib_peak_accel,
		     bearing_temp, pressure, motor_temp, current_amp, status_flag
		 FROM sensor_readings WHERE id = $1`, id,
	).Scan(&r.ID, &r.MachineID, &r.Timestamp, &r.VibRMSHorizontal, &r.VibRMSVertical, &r.VibPeakAccel,
		&r.BearingTemp, &r.Pressure, &r.MotorTemp, &r.CurrentAmp, &r.StatusFlag)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reading %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get reading: %w", err)
	}
	return &r, nil
}

// Seed loads the catalog. Existing rows are kept unless force is set, in
// which case every catalog row is overwritten.
func (d *DB) Seed(ctx context.Context, cat *pipeline.Catalog, force bool) error {
	conflict := " ON CONFLICT DO NOTHING"
	if force {
		conflict = ""
	}
	b := &pgx.Batch{}
	for _, m := range cat.Machines {
		q := `INSERT INTO machines (` + machineColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7)`
		if force {
			q += ` ON CONFLICT (machine_id) DO UPDATE SET name = EXCLUDED.name, type = EXCLUDED.type,
			     location = EXCLUDED.location, criticality = EXCLUDED.criticality,
			     health_score = EXCLUDED.health_score, status = EXCLUDED.status`
		} else {
			q += conflict
		}
		status := m.Status
		if status == "" {
			status = "NORMAL"
		}
		b.Queue(q, m.MachineID, m.Name, m.Type, m.Location, string(m.Criticality), m.HealthScore, status)
	}
	for _, t := range cat.Thresholds {
		q := `INSERT INTO thresholds (machine_type, metric, warning_high, critical_high, warning_low, critical_low, unit)
		      VALUES ($1, $2, $3, $4, $5, $6, $7)`
		if force {
			q += ` ON CONFLICT (machine_type, metric) DO UPDATE SET warning_high = EXCLUDED.warning_high,
			     critical_high = EXCLUDED.critical_high, warning_low = EXCLUDED.warning_low,
			     critical_low = EXCLUDED.critical_low, unit = EXCLUDED.unit`
		} else {
			q += conflict
		}
		b.Queue(q, t.MachineType, t.Metric, t.WarningHigh, t.CriticalHigh, t.WarningLow, t.CriticalLow, t.Unit)
	}
	for _, t := range cat.Technicians {
		q := `INSERT INTO technicians (id, name, skill_level, specializations, is_available) VALUES ($1, $2, $3, $4, $5)`
		if force {
			q += ` ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, skill_level = EXCLUDED.skill_level,
			     specializations = EXCLUDED.specializations, is_available = EXCLUDED.is_available`
		} else {
			q += conflict
		}
		specs := t.Specializations
		if specs == nil {
			specs = []string{}
		}
		b.Queue(q, t.ID, t.Name, t.SkillLevel, specs, t.Available)
	}
	for _, p := range cat.Parts {
		q := `INSERT INTO parts_inventory (part_number, name, category, quantity, unit_cost) VALUES ($1, $2, $3, $4, $5)`
		if force {
			q += ` ON CONFLICT (part_number) DO UPDATE SET name = EXCLUDED.name, category = EXCLUDED.category,
			     quantity = EXCLUDED.quantity, unit_cost = EXCLUDED.unit_cost`
		} else {
			q += conflict
		}
		b.Queue(q, p.PartNumber, p.Name, p.Category, p.Quantity, p.UnitCost)
	}
	for _, e := range cat.Employees {
		q := `INSERT INTO employees (name, role, line_user_id) VALUES ($1, $2, $3)`
		if force {
			q += ` ON CONFLICT (name, role) DO UPDATE SET line_user_id = EXCLUDED.line_user_id`
		} else {
			q += conflict
		}
		b.Queue(q, e.Name, e.Role, e.LineUserID)
	}

	return pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("seed catalog: %w", err)
		}
		return nil
	})
}

// --- JSON helpers ---

// jsonOrNil encodes v, mapping nil maps and pointers to SQL NULL.
func jsonOrNil(v any) ([]byte, error) {
	switch x := v.(type) {
	case map[string]any:
		if x == nil {
			return nil, nil
		}
	case *pipeline.DecisionPath:
		if x == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json column: %w", err)
	}
	return data, nil
}

func unmarshalIfSet(data []byte, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}
