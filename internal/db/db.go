// Package db is the Postgres store for sessions, agent logs, domain records
// and the plant catalog.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a Postgres connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// Open connects to the database at url. maxConns <= 0 keeps the pool default.
func Open(ctx context.Context, url string, maxConns int32) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Close closes the pool.
func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

// Pool returns the underlying pool for advanced queries.
func (d *DB) Pool() *pgxpool.Pool {
	return d.pool
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS machines (
    machine_id   TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    type         TEXT NOT NULL,
    location     TEXT NOT NULL DEFAULT '',
    criticality  TEXT NOT NULL,
    health_score DOUBLE PRECISION NOT NULL DEFAULT 100,
    status       TEXT NOT NULL DEFAULT 'NORMAL'
);

CREATE TABLE IF NOT EXISTS thresholds (
    machine_type  TEXT NOT NULL,
    metric        TEXT NOT NULL,
    warning_high  DOUBLE PRECISION,
    critical_high DOUBLE PRECISION,
    warning_low   DOUBLE PRECISION,
    critical_low  DOUBLE PRECISION,
    unit          TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (machine_type, metric)
);

CREATE TABLE IF NOT EXISTS sensor_readings (
    id                 TEXT PRIMARY KEY,
    machine_id         TEXT NOT NULL REFERENCES machines(machine_id),
    timestamp          TIMESTAMPTZ NOT NULL,
    vib_rms_horizontal DOUBLE PRECISION NOT NULL,
    vib_rms_vertical   DOUBLE PRECISION NOT NULL,
    vib_peak_accel     DOUBLE PRECISION NOT NULL,
    bearing_temp       DOUBLE PRECISION NOT NULL,
    pressure           DOUBLE PRECISION,
    motor_temp         DOUBLE PRECISION,
    current_amp        DOUBLE PRECISION,
    status_flag        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_readings_machine ON sensor_readings(machine_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS technicians (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL UNIQUE,
    skill_level     INTEGER NOT NULL DEFAULT 1,
    specializations TEXT[] NOT NULL DEFAULT '{}',
    is_available    BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS parts_inventory (
    part_number TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    category    TEXT NOT NULL DEFAULT '',
    quantity    INTEGER NOT NULL DEFAULT 0,
    unit_cost   DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS employees (
    name         TEXT NOT NULL,
    role         TEXT NOT NULL,
    line_user_id TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (name, role)
);

CREATE TABLE IF NOT EXISTS sessions (
    id             TEXT PRIMARY KEY,
    machine_id     TEXT NOT NULL,
    reading_id     TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL CHECK (status IN ('RUNNING','COMPLETED','FAILED')),
    current_stage  TEXT NOT NULL DEFAULT '',
    current_action TEXT NOT NULL DEFAULT '',
    progress       INTEGER NOT NULL DEFAULT 0,
    started_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at   TIMESTAMPTZ,
    result_summary JSONB
);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at DESC);

CREATE TABLE IF NOT EXISTS agent_logs (
    seq             BIGSERIAL PRIMARY KEY,
    id              TEXT NOT NULL UNIQUE,
    session_id      TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    stage           TEXT NOT NULL,
    machine_id      TEXT NOT NULL,
    action          TEXT NOT NULL,
    input_data      JSONB,
    output_data     JSONB,
    reasoning       TEXT NOT NULL DEFAULT '',
    thinking_rounds JSONB NOT NULL DEFAULT '[]',
    decision_path   JSONB,
    confidence      DOUBLE PRECISION,
    decision        TEXT NOT NULL DEFAULT '',
    next_stage      TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL,
    duration_ms     BIGINT NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_logs_session ON agent_logs(session_id, seq);

CREATE TABLE IF NOT EXISTS anomalies (
    session_id   TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
    machine_id   TEXT NOT NULL,
    reading_id   TEXT NOT NULL DEFAULT '',
    anomaly_type TEXT NOT NULL,
    severity     TEXT NOT NULL,
    details      JSONB NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS diagnoses (
    session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
    machine_id TEXT NOT NULL,
    root_cause TEXT NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    details    JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS work_orders (
    wo_number           TEXT PRIMARY KEY,
    session_id          TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    machine_id          TEXT NOT NULL,
    status              TEXT NOT NULL,
    priority            TEXT NOT NULL,
    assigned_technician TEXT NOT NULL DEFAULT '',
    estimated_cost      DOUBLE PRECISION NOT NULL DEFAULT 0,
    details             JSONB NOT NULL,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_work_orders_session ON work_orders(session_id);

CREATE TABLE IF NOT EXISTS notifications (
    seq               BIGSERIAL PRIMARY KEY,
    id                TEXT NOT NULL UNIQUE,
    session_id        TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    recipient_type    TEXT NOT NULL,
    recipient_name    TEXT NOT NULL DEFAULT '',
    recipient_line_id TEXT NOT NULL DEFAULT '',
    channel           TEXT NOT NULL,
    message_type      TEXT NOT NULL,
    title             TEXT NOT NULL,
    content           TEXT NOT NULL,
    priority          TEXT NOT NULL DEFAULT '',
    delivered         BOOLEAN NOT NULL DEFAULT FALSE,
    line_message_id   TEXT NOT NULL DEFAULT '',
    sent_at           TIMESTAMPTZ,
    delivery_error    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_notifications_session ON notifications(session_id, seq);

CREATE TABLE IF NOT EXISTS business_value_metrics (
    id               BIGSERIAL PRIMARY KEY,
    session_id       TEXT NOT NULL,
    machine_id       TEXT NOT NULL,
    wo_number        TEXT NOT NULL,
    cost_avoided     DOUBLE PRECISION NOT NULL,
    maintenance_cost DOUBLE PRECISION NOT NULL,
    roi_percentage   DOUBLE PRECISION NOT NULL,
    downtime_hours   DOUBLE PRECISION NOT NULL,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// tables lists every table in drop order.
var tables = []string{
	"business_value_metrics", "notifications", "work_orders", "diagnoses", "anomalies",
	"agent_logs", "sessions", "employees", "parts_inventory", "technicians",
	"sensor_readings", "thresholds", "machines", "schema_version",
}

// Migrate applies the database schema.
func (d *DB) Migrate(ctx context.Context) error {
	var applied bool
	err := d.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'schema_version')`,
	).Scan(&applied)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}
	if applied {
		var count int
		if err := d.pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_version WHERE version = 1`).Scan(&count); err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		if count > 0 {
			return nil
		}
	}

	return pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, schemaV1); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES (1) ON CONFLICT DO NOTHING`); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	})
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset(ctx context.Context) error {
	for _, t := range tables {
		if _, err := d.pool.Exec(ctx, "DROP TABLE IF EXISTS "+t+" CASCADE"); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate(ctx)
}
