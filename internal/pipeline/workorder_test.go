package pipeline

import (
	"errors"
	"testing"
)

func TestWorkOrderStatus_Advance(t *testing.T) {
	tests := []struct {
		from    WorkOrderStatus
		action  string
		want    WorkOrderStatus
		wantErr bool
	}{
		{WorkOrderApproved, ActionAccept, WorkOrderInProgress, false},
		{WorkOrderPending, ActionAccept, WorkOrderInProgress, false},
		{WorkOrderInProgress, ActionComplete, WorkOrderCompleted, false},
		{WorkOrderBlocked, ActionAccept, WorkOrderBlocked, true},
		{WorkOrderApproved, ActionComplete, WorkOrderApproved, true},
		{WorkOrderCompleted, ActionAccept, WorkOrderCompleted, true},
		{WorkOrderInProgress, "cancel", WorkOrderInProgress, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_"+tt.action, func(t *testing.T) {
			got, err := tt.from.Advance(tt.action)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}

	if _, err := WorkOrderBlocked.Advance(ActionAccept); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("blocked accept error = %v, want ErrInvalidTransition", err)
	}
}
