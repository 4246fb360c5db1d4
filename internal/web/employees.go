package web

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/lucasnoah/factorywatch/internal/pipeline"
)

// managerRoles are the directory roles that receive work order status updates.
var managerRoles = []string{"PLANT_MANAGER", "MANAGER"}

// RegisterLineRequest links a LINE account to a directory entry.
type RegisterLineRequest struct {
	EmployeeName string `json:"employeeName"`
	LineUserID   string `json:"lineUserId"`
}

func (s *Server) handleRegisterLine(w http.ResponseWriter, r *http.Request) {
	var req RegisterLineRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.EmployeeName == "" || req.LineUserID == "" {
		writeError(w, http.StatusBadRequest, errors.New("employeeName and lineUserId are required"))
		return
	}
	err := s.store.UpdateEmployeeLineID(r.Context(), req.EmployeeName, req.LineUserID)
	switch {
	case errors.Is(err, pipeline.ErrEmployeeNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, pipeline.ErrLineIDTaken):
		writeError(w, http.StatusConflict, errors.New("this LINE account is already registered to another employee"))
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	emp, err := s.store.FindEmployeeByLineID(r.Context(), req.LineUserID)
	if err != nil || emp == nil {
		emp = &pipeline.Employee{Name: req.EmployeeName, LineUserID: req.LineUserID}
	}
	writeJSON(w, http.StatusOK, emp)
}

// statusUpdate tells the plant manager that a technician moved a work order.
// The notification is recorded against the planning session; delivery is
// best-effort and its failure is kept on the record.
func (s *Server) statusUpdate(ctx context.Context, tech *pipeline.Employee, wo *pipeline.WorkOrder) (*pipeline.Notification, error) {
	sessionID, err := s.store.WorkOrderSession(ctx, wo.WONumber)
	if err != nil {
		return nil, err
	}
	n := &pipeline.Notification{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		RecipientType: pipeline.RecipientPlantManager,
		Channel:       pipeline.ChannelLINE,
		MessageType:   pipeline.MessageStatusUpdate,
		Priority:      pipeline.PriorityMedium,
	}
	switch wo.Status {
	case pipeline.WorkOrderInProgress:
		n.Title = "Work order accepted"
		n.Content = fmt.Sprintf("%s accepted %s and is starting work.", tech.Name, wo.WONumber)
	case pipeline.WorkOrderCompleted:
		n.Title = "Work order completed"
		n.Content = fmt.Sprintf("%s reported %s as completed.", tech.Name, wo.WONumber)
		n.Priority = pipeline.PriorityHigh
	default:
		n.Title = "Work order updated"
		n.Content = fmt.Sprintf("%s moved %s to %s.", tech.Name, wo.WONumber, wo.Status)
	}

	mgr, err := s.store.FindEmployee(ctx, "", managerRoles)
	if err != nil {
		return nil, fmt.Errorf("lookup manager: %w", err)
	}
	if mgr != nil {
		n.RecipientName = mgr.Name
		n.RecipientLineID = mgr.LineUserID
	}
	if err := s.store.SaveNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("save notification: %w", err)
	}
	if err := s.push(ctx, n); err != nil {
		n.DeliveryError = err.Error()
		log.Printf("status update %s not delivered: %v", wo.WONumber, err)
	}
	return n, nil
}

func (s *Server) push(ctx context.Context, n *pipeline.Notification) error {
	switch {
	case n.RecipientName == "":
		return fmt.Errorf("no %s in the employee directory", n.RecipientType)
	case n.RecipientLineID == "":
		return fmt.Errorf("%s has no LINE user id", n.RecipientName)
	case s.messenger == nil:
		return errors.New("messaging disabled")
	}
	id, err := s.messenger.Push(ctx, n.RecipientLineID, n.Title+"\n\n"+n.Content)
	if err != nil {
		return err
	}
	sentAt := s.now().UTC()
	n.Delivered = true
	n.LineMessageID = id
	n.SentAt = &sentAt
	if err := s.store.MarkNotificationSent(ctx, n.SessionID, n.ID, id, sentAt); err != nil {
		log.Printf("record delivery receipt %s: %v", n.ID, err)
	}
	return nil
}
