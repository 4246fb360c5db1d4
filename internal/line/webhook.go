package line

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Postback actions carried in button data as "<action>:<work order>".
const (
	ActionAcceptWork   = "accept_work"
	ActionCompleteWork = "complete_work"
)

// WebhookBody is the subset of a LINE webhook payload the server reads.
type WebhookBody struct {
	Events []WebhookEvent `json:"events"`
}

// WebhookEvent is a single webhook event.
type WebhookEvent struct {
	Type   string `json:"type"`
	Source struct {
		UserID string `json:"userId"`
	} `json:"source"`
	Postback *struct {
		Data string `json:"data"`
	} `json:"postback,omitempty"`
}

// Postback is a parsed work-order action.
type Postback struct {
	Action   string
	WONumber string
	UserID   string
}

// ParseWebhook decodes a webhook body and returns its work-order postbacks.
// Events that are not postbacks or carry unknown actions are skipped.
func ParseWebhook(data []byte) ([]Postback, error) {
	var body WebhookBody
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	var out []Postback
	for _, ev := range body.Events {
		if ev.Type != "postback" || ev.Postback == nil {
			continue
		}
		action, wo, ok := strings.Cut(ev.Postback.Data, ":")
		if !ok || wo == "" {
			continue
		}
		if action != ActionAcceptWork && action != ActionCompleteWork {
			continue
		}
		out = append(out, Postback{Action: action, WONumber: wo, UserID: ev.Source.UserID})
	}
	return out, nil
}

// WorkOrderAction maps the postback action to the work order action it requests.
func (p Postback) WorkOrderAction() string {
	switch p.Action {
	case ActionAcceptWork:
		return "accept"
	case ActionCompleteWork:
		return "complete"
	}
	return ""
}
