package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/lucasnoah/factorywatch/internal/analytics"
	"github.com/lucasnoah/factorywatch/internal/catalog"
	"github.com/lucasnoah/factorywatch/internal/line"
	"github.com/lucasnoah/factorywatch/internal/pipeline"
)

// ---- request / response models ----

// RunRequest starts a pipeline run for a stored reading.
type RunRequest struct {
	MachineID string `json:"machineId"`
	ReadingID string `json:"readingId"`
}

// RunResponse is the final state of a blocking run.
type RunResponse struct {
	SessionID string          `json:"sessionId"`
	Status    string          `json:"status"`
	State     *pipeline.State `json:"state"`
}

// InjectRequest stores a scenario reading for a machine.
type InjectRequest struct {
	MachineID string `json:"machineId"`
	Scenario  string `json:"scenario"`
}

// WebhookResult reports what happened to one work-order postback.
type WebhookResult struct {
	WONumber       string `json:"woNumber"`
	Action         string `json:"action"`
	Status         string `json:"status,omitempty"`
	NotificationID string `json:"notificationId,omitempty"`
	Ignored        bool   `json:"ignored,omitempty"`
	Error          string `json:"error,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// ---- helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorBody{Error: err.Error()})
}

// lookupStatus maps a store lookup error to a status code.
func lookupStatus(err error) int {
	if errors.Is(err, pipeline.ErrSessionNotFound) || strings.Contains(err.Error(), "not found") {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

// ---- handlers ----

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.MachineID == "" || req.ReadingID == "" {
		writeError(w, http.StatusBadRequest, errors.New("machineId and readingId are required"))
		return
	}
	in, err := s.orch.Prepare(r.Context(), req.MachineID, req.ReadingID)
	if err != nil {
		writeError(w, lookupStatus(err), err)
		return
	}
	st, err := s.orch.Run(r.Context(), in)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	status := string(pipeline.SessionCompleted)
	if st.Error != "" {
		status = string(pipeline.SessionFailed)
	}
	writeJSON(w, http.StatusOK, RunResponse{SessionID: in.SessionID, Status: status, State: st})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("sessionId is required"))
		return
	}
	info, err := s.orch.Status(r.Context(), id)
	if err != nil {
		writeError(w, lookupStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleScenarios(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, catalog.Scenarios())
}

func (s *Server) handleInject(w http.ResponseWriter, r *http.Request) {
	var req InjectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reading, err := catalog.Inject(r.Context(), s.store, req.Scenario, req.MachineID, s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, reading)
}

func (s *Server) handleMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := s.store.ListMachines(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if machines == nil {
		machines = []pipeline.Machine{}
	}
	writeJSON(w, http.StatusOK, machines)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	since, err := analytics.ParseSince(r.URL.Query().Get("since"), s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	report, err := analytics.Build(r.Context(), s.store, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleLineWebhook applies work-order postbacks from registered employees
// and tells the plant manager. Postbacks from unknown LINE users are ignored.
// LINE retries non-2xx responses, so per-event failures are reported in the
// body with 200.
func (s *Server) handleLineWebhook(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	postbacks, err := line.ParseWebhook(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	results := make([]WebhookResult, 0, len(postbacks))
	for _, pb := range postbacks {
		results = append(results, s.applyPostback(r.Context(), pb))
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) applyPostback(ctx context.Context, pb line.Postback) WebhookResult {
	res := WebhookResult{WONumber: pb.WONumber, Action: pb.WorkOrderAction()}
	sender, err := s.store.FindEmployeeByLineID(ctx, pb.UserID)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if sender == nil {
		log.Printf("webhook: ignoring %s from unregistered LINE user %q", pb.WONumber, pb.UserID)
		res.Ignored = true
		res.Error = "sender is not a registered employee"
		return res
	}
	wo, err := s.orch.AdvanceWorkOrder(ctx, pb.WONumber, res.Action)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Status = string(wo.Status)
	n, err := s.statusUpdate(ctx, sender, wo)
	if err != nil {
		log.Printf("webhook: status update for %s: %v", wo.WONumber, err)
		return res
	}
	res.NotificationID = n.ID
	return res
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data, err := s.dashboardData(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.dashboardTmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		log.Printf("render dashboard: %v", err)
	}
}
