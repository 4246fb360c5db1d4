package pipeline

import (
	"errors"
	"fmt"
)

// Work order actions a technician can take.
const (
	ActionAccept   = "accept"
	ActionComplete = "complete"
)

// ErrInvalidTransition is returned when a work order cannot take an action in its current status.
var ErrInvalidTransition = errors.New("invalid work order transition")

// Advance returns the status a work order moves to when action is taken.
// Approved and pending orders can be accepted; orders in progress can be completed.
func (s WorkOrderStatus) Advance(action string) (WorkOrderStatus, error) {
	switch action {
	case ActionAccept:
		if s == WorkOrderApproved || s == WorkOrderPending {
			return WorkOrderInProgress, nil
		}
	case ActionComplete:
		if s == WorkOrderInProgress {
			return WorkOrderCompleted, nil
		}
	default:
		return s, fmt.Errorf("unknown work order action %q", action)
	}
	return s, fmt.Errorf("%s a %s work order: %w", action, s, ErrInvalidTransition)
}
