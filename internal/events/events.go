// Package events publishes pipeline stage updates for external dashboards.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lucasnoah/factorywatch/internal/pipeline"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "factorywatch"

// Publisher sends stream updates somewhere.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, u pipeline.StreamUpdate) error
	Close() error
}

// StageEvent is the message body published per stage transition.
// It leaves out the full state snapshot.
type StageEvent struct {
	SessionID string             `json:"sessionId"`
	Stage     pipeline.StageName `json:"stage"`
	Action    string             `json:"action"`
	Progress  int                `json:"progress"`
	Done      bool               `json:"done,omitempty"`
	Error     string             `json:"error,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Subject returns the subject stage events for a session are published on.
func Subject(prefix, sessionID string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return fmt.Sprintf("%s.session.%s.stage", prefix, sessionID)
}

// NATS publishes stage events to a NATS server.
type NATS struct {
	conn   *nats.Conn
	prefix string
}

// ConnectNATS dials url and returns a publisher using prefix for subjects.
func ConnectNATS(url, prefix string) (*NATS, error) {
	conn, err := nats.Connect(url, nats.Name("factorywatch"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATS{conn: conn, prefix: prefix}, nil
}

// Publish sends u as a StageEvent.
func (n *NATS) Publish(ctx context.Context, sessionID string, u pipeline.StreamUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(StageEvent{
		SessionID: sessionID,
		Stage:     u.Stage,
		Action:    u.Action,
		Progress:  u.Progress,
		Done:      u.Done,
		Error:     u.Error,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal stage event: %w", err)
	}
	if err := n.conn.Publish(Subject(n.prefix, sessionID), data); err != nil {
		return fmt.Errorf("publish stage event: %w", err)
	}
	return nil
}

// Close drains the connection.
func (n *NATS) Close() error {
	return n.conn.Drain()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, pipeline.StreamUpdate) error { return nil }
func (Nop) Close() error                                                 { return nil }
