// Package web serves the pipeline HTTP API, the SSE stage stream and the dashboard page.
package web

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/lucasnoah/factorywatch/internal/analytics"
	"github.com/lucasnoah/factorywatch/internal/metrics"
	"github.com/lucasnoah/factorywatch/internal/orchestrator"
	"github.com/lucasnoah/factorywatch/internal/pipeline"
	"github.com/lucasnoah/factorywatch/internal/stage"
)

//go:embed templates
var templateFS embed.FS

var funcMap = template.FuncMap{
	"badgeClass": func(status string) string {
		return "badge badge-" + strings.ToLower(strings.ReplaceAll(status, "_", "-"))
	},
	"healthClass": func(score float64) string {
		switch {
		case score < 50:
			return "health health-critical"
		case score < 80:
			return "health health-warning"
		}
		return "health health-ok"
	},
	"money": func(v float64) string {
		return fmt.Sprintf("฿%.0f", v)
	},
}

// Store is what the server needs beyond the orchestrator: catalog reads,
// the employee directory and work order status updates.
type Store interface {
	analytics.Source
	ListMachines(ctx context.Context) ([]pipeline.Machine, error)
	InsertReading(ctx context.Context, r *pipeline.Reading) error

	FindEmployee(ctx context.Context, name string, roles []string) (*pipeline.Employee, error)
	FindEmployeeByLineID(ctx context.Context, lineUserID string) (*pipeline.Employee, error)
	UpdateEmployeeLineID(ctx context.Context, name, lineUserID string) error
	WorkOrderSession(ctx context.Context, woNumber string) (string, error)
	SaveNotification(ctx context.Context, n *pipeline.Notification) error
	MarkNotificationSent(ctx context.Context, sessionID, id, lineMessageID string, sentAt time.Time) error
}

// Server is the HTTP API and dashboard server.
type Server struct {
	orch      *orchestrator.Orchestrator
	store     Store
	metrics   *metrics.Recorder
	messenger stage.Messenger
	port      int
	now       func() time.Time

	dashboardTmpl *template.Template
}

// NewServer creates a Server with parsed templates.
func NewServer(orch *orchestrator.Orchestrator, store Store, port int) *Server {
	return &Server{
		orch:          orch,
		store:         store,
		port:          port,
		now:           time.Now,
		dashboardTmpl: mustParseTmpl("base.html", "dashboard.html"),
	}
}

// SetMetrics exposes m on /metrics.
func (s *Server) SetMetrics(m *metrics.Recorder) {
	s.metrics = m
}

// SetMessenger sets the sender for work order status updates. Without one
// the updates are recorded but not delivered.
func (s *Server) SetMessenger(m stage.Messenger) {
	s.messenger = m
}

// SetClock overrides the time source used for injected readings.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

func mustParseTmpl(names ...string) *template.Template {
	patterns := make([]string, len(names))
	for i, n := range names {
		patterns[i] = "templates/" + n
	}
	return template.Must(template.New("").Funcs(funcMap).ParseFS(templateFS, patterns...))
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		s.handleDashboard(w, r)
	})
	mux.HandleFunc("POST /api/pipeline/run", s.handleRun)
	mux.HandleFunc("GET /api/pipeline/status", s.handleStatus)
	mux.HandleFunc("GET /api/pipeline/stream", s.handleStream)
	mux.HandleFunc("GET /api/scenarios", s.handleScenarios)
	mux.HandleFunc("POST /api/inject", s.handleInject)
	mux.HandleFunc("GET /api/machines", s.handleMachines)
	mux.HandleFunc("GET /api/analytics", s.handleAnalytics)
	mux.HandleFunc("POST /api/line/webhook", s.handleLineWebhook)
	mux.HandleFunc("POST /api/employees/register-line", s.handleRegisterLine)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

// Start registers routes and starts listening.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	log.Printf("FactoryWatch UI: http://localhost%s", addr)
	return http.ListenAndServe(addr, s.Handler())
}
