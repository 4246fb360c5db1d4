package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Catalog is the plant reference data: assets, bounds, people and stock.
type Catalog struct {
	Machines    []Machine    `json:"machines" yaml:"machines"`
	Thresholds  []Threshold  `json:"thresholds" yaml:"thresholds"`
	Technicians []Technician `json:"technicians" yaml:"technicians"`
	Parts       []Part       `json:"parts" yaml:"parts"`
	Employees   []Employee   `json:"employees" yaml:"employees"`
}

// Records groups the domain results persisted for a session.
type Records struct {
	Anomaly       *AnomalyDetails `json:"anomaly,omitempty"`
	Diagnosis     *Diagnosis      `json:"diagnosis,omitempty"`
	WorkOrder     *WorkOrder      `json:"work_order,omitempty"`
	Notifications []Notification  `json:"notifications"`
}

// FileStore persists sessions, log entries and domain records as JSON files.
// It is used when no database is configured and by tests.
//
//	<base>/catalog.json
//	<base>/readings/<id>.json
//	<base>/metrics.json
//	<base>/workorders/<wo>.json
//	<base>/sessions/<id>/{session,logs,records}.json
type FileStore struct {
	baseDir string
	mu      sync.Mutex
}

// NewFileStore creates a FileStore rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

// DefaultFileStore returns a FileStore at ~/.factory/store, creating the directory if needed.
func DefaultFileStore() (*FileStore, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".factory", "store")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &FileStore{baseDir: dir}, nil
}

// BaseDir returns the store's root directory.
func (s *FileStore) BaseDir() string {
	return s.baseDir
}

func (s *FileStore) sessionDir(id string) string {
	return filepath.Join(s.baseDir, "sessions", id)
}

func (s *FileStore) catalogPath() string {
	return filepath.Join(s.baseDir, "catalog.json")
}

// Seed writes the catalog unless one is already present. With force it overwrites.
func (s *FileStore) Seed(_ context.Context, cat *Catalog, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !force {
		if _, err := os.Stat(s.catalogPath()); err == nil {
			return nil
		}
	}
	return writeJSON(s.catalogPath(), cat)
}

func (s *FileStore) catalog() (*Catalog, error) {
	var cat Catalog
	if err := readJSON(s.catalogPath(), &cat); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Catalog{}, nil
		}
		return nil, err
	}
	return &cat, nil
}

// --- Sessions ---

// CreateSession writes a new session record.
func (s *FileStore) CreateSession(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.sessionDir(sess.ID)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	if err := writeJSON(filepath.Join(dir, "session.json"), sess); err != nil {
		return fmt.Errorf("write session.json: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, "logs.json"), []LogEntry{}); err != nil {
		return fmt.Errorf("write logs.json: %w", err)
	}
	return writeJSON(filepath.Join(dir, "records.json"), &Records{Notifications: []Notification{}})
}

func (s *FileStore) getSession(id string) (*Session, error) {
	var sess Session
	if err := readJSON(filepath.Join(s.sessionDir(id), "session.json"), &sess); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
		}
		return nil, err
	}
	return &sess, nil
}

// GetSession reads a session record.
func (s *FileStore) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getSession(id)
}

// updateSession performs a read-modify-write of a session that is still RUNNING.
func (s *FileStore) updateSession(id string, fn func(*Session)) error {
	sess, err := s.getSession(id)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("session %s is %s: %w", id, sess.Status, ErrTerminalSession)
	}
	fn(sess)
	return writeJSON(filepath.Join(s.sessionDir(id), "session.json"), sess)
}

// UpdateProgress records the current stage and action. Progress never decreases.
func (s *FileStore) UpdateProgress(_ context.Context, sessionID string, stage StageName, action string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateSession(sessionID, func(sess *Session) {
		sess.CurrentStage = stage
		sess.CurrentAction = action
		if progress > sess.Progress {
			sess.Progress = progress
		}
	})
}

// FinalizeSession moves a RUNNING session to a terminal status.
func (s *FileStore) FinalizeSession(_ context.Context, sessionID string, status SessionStatus, summary *ResultSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	return s.updateSession(sessionID, func(sess *Session) {
		sess.Status = status
		sess.CompletedAt = &now
		sess.ResultSummary = summary
		if status == SessionCompleted {
			sess.Progress = 100
		}
	})
}

// ListSessions returns sessions, newest first. limit <= 0 returns all.
func (s *FileStore) ListSessions(_ context.Context, limit int) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(filepath.Join(s.baseDir, "sessions"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var sessions []Session
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sess, err := s.getSession(e.Name())
		if err != nil {
			continue // skip broken entries
		}
		sessions = append(sessions, *sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// --- Log entries ---

// SaveLogEntry appends a log entry to its session.
func (s *FileStore) SaveLogEntry(_ context.Context, entry *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.sessionDir(entry.SessionID), "logs.json")
	var logs []LogEntry
	if err := readJSON(path, &logs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("session %s: %w", entry.SessionID, ErrSessionNotFound)
		}
		return err
	}
	logs = append(logs, *entry)
	return writeJSON(path, logs)
}

// ListLogEntries returns a session's log entries in creation order.
func (s *FileStore) ListLogEntries(_ context.Context, sessionID string) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var logs []LogEntry
	if err := readJSON(filepath.Join(s.sessionDir(sessionID), "logs.json"), &logs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
		}
		return nil, err
	}
	sort.SliceStable(logs, func(i, j int) bool {
		return logs[i].CreatedAt.Before(logs[j].CreatedAt)
	})
	return logs, nil
}

// --- Domain records ---

func (s *FileStore) updateRecords(sessionID string, fn func(*Records)) error {
	path := filepath.Join(s.sessionDir(sessionID), "records.json")
	var rec Records
	if err := readJSON(path, &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
		}
		return err
	}
	fn(&rec)
	return writeJSON(path, &rec)
}

// SaveAnomaly records the confirmed anomaly for a session.
func (s *FileStore) SaveAnomaly(_ context.Context, sessionID, _ string, _ string, details *AnomalyDetails) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateRecords(sessionID, func(r *Records) { r.Anomaly = details })
}

// SaveDiagnosis records the diagnosis for a session.
func (s *FileStore) SaveDiagnosis(_ context.Context, sessionID, _ string, d *Diagnosis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateRecords(sessionID, func(r *Records) { r.Diagnosis = d })
}

type workOrderFile struct {
	SessionID string    `json:"session_id"`
	MachineID string    `json:"machine_id"`
	WorkOrder WorkOrder `json:"work_order"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *FileStore) workOrderPath(woNumber string) string {
	return filepath.Join(s.baseDir, "workorders", woNumber+".json")
}

// SaveWorkOrder records a planned work order.
func (s *FileStore) SaveWorkOrder(_ context.Context, sessionID, machineID string, wo *WorkOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.updateRecords(sessionID, func(r *Records) { r.WorkOrder = wo }); err != nil {
		return err
	}
	return writeJSON(s.workOrderPath(wo.WONumber), &workOrderFile{
		SessionID: sessionID,
		MachineID: machineID,
		WorkOrder: *wo,
		UpdatedAt: time.Now().UTC(),
	})
}

// GetWorkOrder reads a work order by number.
func (s *FileStore) GetWorkOrder(_ context.Context, woNumber string) (*WorkOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var f workOrderFile
	if err := readJSON(s.workOrderPath(woNumber), &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("work order %s not found", woNumber)
		}
		return nil, err
	}
	return &f.WorkOrder, nil
}

// WorkOrderSession returns the id of the session that planned a work order.
func (s *FileStore) WorkOrderSession(_ context.Context, woNumber string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var f workOrderFile
	if err := readJSON(s.workOrderPath(woNumber), &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("work order %s not found", woNumber)
		}
		return "", err
	}
	return f.SessionID, nil
}

// UpdateWorkOrderStatus changes a work order's status.
func (s *FileStore) UpdateWorkOrderStatus(_ context.Context, woNumber string, status WorkOrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var f workOrderFile
	if err := readJSON(s.workOrderPath(woNumber), &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("work order %s not found", woNumber)
		}
		return err
	}
	f.WorkOrder.Status = status
	f.UpdatedAt = time.Now().UTC()
	if err := writeJSON(s.workOrderPath(woNumber), &f); err != nil {
		return err
	}
	return s.updateRecords(f.SessionID, func(r *Records) {
		if r.WorkOrder != nil && r.WorkOrder.WONumber == woNumber {
			r.WorkOrder.Status = status
		}
	})
}

// SaveBusinessMetrics appends a business value record.
func (s *FileStore) SaveBusinessMetrics(_ context.Context, m *BusinessMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.baseDir, "metrics.json")
	var all []BusinessMetrics
	if err := readJSON(path, &all); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	all = append(all, *m)
	return writeJSON(path, all)
}

// ListBusinessMetrics returns every business value record.
func (s *FileStore) ListBusinessMetrics(_ context.Context) ([]BusinessMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []BusinessMetrics
	if err := readJSON(filepath.Join(s.baseDir, "metrics.json"), &all); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return all, nil
}

// SaveNotification records a notification before delivery is attempted.
func (s *FileStore) SaveNotification(_ context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateRecords(n.SessionID, func(r *Records) {
		r.Notifications = append(r.Notifications, *n)
	})
}

// MarkNotificationSent stores the delivery receipt of a notification.
func (s *FileStore) MarkNotificationSent(_ context.Context, sessionID, id, lineMessageID string, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateRecords(sessionID, func(r *Records) {
		for i := range r.Notifications {
			if r.Notifications[i].ID == id {
				r.Notifications[i].Delivered = true
				r.Notifications[i].LineMessageID = lineMessageID
				r.Notifications[i].SentAt = &sentAt
			}
		}
	})
}

// GetRecords returns the domain records persisted for a session.
func (s *FileStore) GetRecords(_ context.Context, sessionID string) (*Records, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rec Records
	if err := readJSON(filepath.Join(s.sessionDir(sessionID), "records.json"), &rec); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
		}
		return nil, err
	}
	return &rec, nil
}

// --- Lookups ---

// AvailableTechnicians returns technicians flagged available.
func (s *FileStore) AvailableTechnicians(_ context.Context) ([]Technician, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cat, err := s.catalog()
	if err != nil {
		return nil, err
	}
	var out []Technician
	for _, t := range cat.Technicians {
		if t.Available {
			out = append(out, t)
		}
	}
	return out, nil
}

// PartsInStock returns parts with a positive quantity.
func (s *FileStore) PartsInStock(_ context.Context) ([]Part, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cat, err := s.catalog()
	if err != nil {
		return nil, err
	}
	var out []Part
	for _, p := range cat.Parts {
		if p.Quantity > 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

// FindEmployee resolves a directory entry. With a name it matches that exact
// name, restricted to roles when any are given, and never substitutes someone
// else. Without a name it returns the first entry holding one of roles. It
// returns nil when nothing matches.
func (s *FileStore) FindEmployee(_ context.Context, name string, roles []string) (*Employee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cat, err := s.catalog()
	if err != nil {
		return nil, err
	}
	if name != "" {
		for _, e := range cat.Employees {
			if e.Name == name && (len(roles) == 0 || hasRole(e.Role, roles)) {
				e := e
				return &e, nil
			}
		}
		return nil, nil
	}
	for _, role := range roles {
		for _, e := range cat.Employees {
			if strings.EqualFold(e.Role, role) {
				e := e
				return &e, nil
			}
		}
	}
	return nil, nil
}

func hasRole(role string, roles []string) bool {
	for _, r := range roles {
		if strings.EqualFold(role, r) {
			return true
		}
	}
	return false
}

// FindEmployeeByLineID returns the employee registered under a LINE user id,
// or nil.
func (s *FileStore) FindEmployeeByLineID(_ context.Context, lineUserID string) (*Employee, error) {
	if lineUserID == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cat, err := s.catalog()
	if err != nil {
		return nil, err
	}
	for _, e := range cat.Employees {
		if e.LineUserID == lineUserID {
			e := e
			return &e, nil
		}
	}
	return nil, nil
}

// UpdateEmployeeLineID registers a LINE user id for every directory entry of
// name. It fails with ErrLineIDTaken when another employee already holds the
// id and with ErrEmployeeNotFound when name is not in the directory.
func (s *FileStore) UpdateEmployeeLineID(_ context.Context, name, lineUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cat, err := s.catalog()
	if err != nil {
		return err
	}
	found := false
	for _, e := range cat.Employees {
		if e.Name == name {
			found = true
		} else if lineUserID != "" && e.LineUserID == lineUserID {
			return fmt.Errorf("%w: held by %s", ErrLineIDTaken, e.Name)
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrEmployeeNotFound, name)
	}
	for i := range cat.Employees {
		if cat.Employees[i].Name == name {
			cat.Employees[i].LineUserID = lineUserID
		}
	}
	return writeJSON(s.catalogPath(), cat)
}

// --- Catalog ---

// ListMachines returns all machines.
func (s *FileStore) ListMachines(_ context.Context) ([]Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cat, err := s.catalog()
	if err != nil {
		return nil, err
	}
	return cat.Machines, nil
}

// GetMachine returns a machine by id.
func (s *FileStore) GetMachine(_ context.Context, machineID string) (*Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cat, err := s.catalog()
	if err != nil {
		return nil, err
	}
	for _, m := range cat.Machines {
		if m.MachineID == machineID {
			m := m
			return &m, nil
		}
	}
	return nil, fmt.Errorf("machine %s not found", machineID)
}

// UpdateMachineHealth sets a machine's status and health score.
func (s *FileStore) UpdateMachineHealth(_ context.Context, machineID, status string, health float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cat, err := s.catalog()
	if err != nil {
		return err
	}
	for i := range cat.Machines {
		if cat.Machines[i].MachineID == machineID {
			cat.Machines[i].Status = status
			cat.Machines[i].HealthScore = health
			return writeJSON(s.catalogPath(), cat)
		}
	}
	return fmt.Errorf("machine %s not found", machineID)
}

// ThresholdsFor returns the thresholds configured for a machine type.
func (s *FileStore) ThresholdsFor(_ context.Context, machineType string) ([]Threshold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cat, err := s.catalog()
	if err != nil {
		return nil, err
	}
	var out []Threshold
	for _, t := range cat.Thresholds {
		if t.MachineType == machineType {
			out = append(out, t)
		}
	}
	return out, nil
}

// InsertReading stores a sensor reading.
func (s *FileStore) InsertReading(_ context.Context, r *Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.baseDir, "readings", r.ID+".json"), r)
}

// GetReading returns a sensor reading by id.
func (s *FileStore) GetReading(_ context.Context, id string) (*Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var r Reading
	if err := readJSON(filepath.Join(s.baseDir, "readings", id+".json"), &r); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading %s not found", id)
		}
		return nil, err
	}
	return &r, nil
}

// --- File helpers ---

// writeAtomic writes data via a temp file in the same directory and a rename,
// so readers never observe a half-written file.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmpName, path, err)
	}
	tmpName = ""
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return writeAtomic(path, append(data, '\n'))
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return nil
}
