package web

import (
	"context"
	"fmt"
	"time"

	"github.com/lucasnoah/factorywatch/internal/analytics"
	"github.com/lucasnoah/factorywatch/internal/catalog"
	"github.com/lucasnoah/factorywatch/internal/pipeline"
)

// ---- view models ----

// DashboardData is rendered by the dashboard page.
type DashboardData struct {
	Sessions  []SessionRow
	Machines  []pipeline.Machine
	Value     *analytics.BusinessValue
	Scenarios []catalog.Scenario
}

// SessionRow is one recent session on the dashboard.
type SessionRow struct {
	ID         string
	MachineID  string
	Status     string
	Stage      string
	Action     string
	Progress   int
	StartedAgo string
	Outcome    string
}

const recentSessionLimit = 20

func (s *Server) dashboardData(ctx context.Context) (*DashboardData, error) {
	sessions, err := s.recentSessions(ctx, recentSessionLimit)
	if err != nil {
		return nil, err
	}
	machines, err := s.store.ListMachines(ctx)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	value, err := analytics.QueryBusinessValue(ctx, s.store, time.Time{})
	if err != nil {
		return nil, err
	}
	return &DashboardData{
		Sessions:  sessions,
		Machines:  machines,
		Value:     value,
		Scenarios: catalog.Scenarios(),
	}, nil
}

// recentSessions returns the newest sessions as dashboard rows.
func (s *Server) recentSessions(ctx context.Context, limit int) ([]SessionRow, error) {
	sessions, err := s.store.ListSessions(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("recent sessions: %w", err)
	}
	now := s.now()
	rows := make([]SessionRow, 0, len(sessions))
	for _, sess := range sessions {
		rows = append(rows, SessionRow{
			ID:         sess.ID,
			MachineID:  sess.MachineID,
			Status:     string(sess.Status),
			Stage:      string(sess.CurrentStage),
			Action:     sess.CurrentAction,
			Progress:   sess.Progress,
			StartedAgo: relTime(sess.StartedAt, now),
			Outcome:    outcome(sess),
		})
	}
	return rows, nil
}

func outcome(sess pipeline.Session) string {
	rs := sess.ResultSummary
	switch {
	case rs == nil:
		return ""
	case rs.Error != "":
		return "error: " + rs.Error
	case !rs.AnomalyDetected:
		return "no anomaly"
	case rs.SafetyDecision != "":
		return rs.SafetyDecision
	}
	return "notified (" + rs.Severity + ")"
}

func relTime(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
