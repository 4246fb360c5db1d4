package stage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lucasnoah/factorywatch/internal/checks"
	"github.com/lucasnoah/factorywatch/internal/config"
	"github.com/lucasnoah/factorywatch/internal/logctx"
	"github.com/lucasnoah/factorywatch/internal/pipeline"
	"github.com/lucasnoah/factorywatch/internal/prompt"
)

const (
	actionNotification = "STAKEHOLDER_NOTIFICATION"

	decisionNotified = "NOTIFICATIONS_SENT"
)

// directoryRoles maps a recipient type to the employee roles that can fill it.
var directoryRoles = map[pipeline.RecipientType][]string{
	pipeline.RecipientPlantManager:    {"PLANT_MANAGER", "MANAGER"},
	pipeline.RecipientTechnician:      {"TECHNICIAN"},
	pipeline.RecipientMaintenanceHead: {"MAINTENANCE_HEAD", "SUPERVISOR"},
}

// recipientRule is a compiled notify.recipients entry.
type recipientRule struct {
	role        pipeline.RecipientType
	channel     pipeline.Channel
	messageType pipeline.MessageType
	priority    pipeline.Priority
	rule        *checks.Rule
}

func compileRecipient(r config.RecipientRule) (recipientRule, error) {
	rule, err := checks.CompileRule(r.Role, r.When, "")
	if err != nil {
		return recipientRule{}, err
	}
	rr := recipientRule{
		role:        pipeline.RecipientType(strings.ToUpper(r.Role)),
		channel:     pipeline.Channel(strings.ToUpper(firstNonEmpty(r.Channel, string(pipeline.ChannelLINE)))),
		messageType: pipeline.MessageType(strings.ToUpper(firstNonEmpty(r.MessageType, string(pipeline.MessageAlert)))),
		rule:        rule,
	}
	if p, ok := parsePriority(r.Priority); ok {
		rr.priority = p
	}
	return rr, nil
}

// recipient is one stakeholder selected for this run.
type recipient struct {
	role        pipeline.RecipientType
	channel     pipeline.Channel
	messageType pipeline.MessageType
	priority    pipeline.Priority
}

// notifierResponse is the JSON the reasoner returns with message drafts.
type notifierResponse struct {
	ThinkingRounds []roundJSON `json:"thinking_rounds"`
	Messages       []struct {
		RecipientType string `json:"recipient_type"`
		Title         string `json:"title"`
		Content       string `json:"content"`
	} `json:"messages"`
	Reasoning string `json:"reasoning"`
}

// RecipientEnv is the expression environment recipient rules see.
func (e *Engine) RecipientEnv(st *pipeline.State) map[string]any {
	env := map[string]any{
		"severity":            "",
		"requires_human":      false,
		"has_work_order":      st.WorkOrder != nil,
		"low_confidence":      st.Diagnosis != nil && !PassesGate(st.Diagnosis, e.cfg.Pipeline.ConfidenceGate),
		"decision":            "",
		"machine_criticality": string(st.Machine.Criticality),
	}
	if st.AnomalyDetails != nil {
		env["severity"] = string(st.AnomalyDetails.Severity)
	}
	if st.SafetyApproval != nil {
		env["requires_human"] = st.SafetyApproval.RequiresHumanApproval
		env["decision"] = string(st.SafetyApproval.Decision)
	}
	return env
}

// selectRecipients evaluates the recipient rules. The first matching rule per
// role wins. Rule errors are logged and treated as no match.
func (e *Engine) selectRecipients(ctx context.Context, st *pipeline.State) []recipient {
	env := e.RecipientEnv(st)
	seen := make(map[pipeline.RecipientType]bool)
	var out []recipient
	for _, r := range e.recipients {
		if seen[r.role] {
			continue
		}
		ok, err := r.rule.Eval(env)
		if err != nil {
			logctx.FromContext(ctx).Warn("recipient rule failed", "role", r.role, "error", err)
			continue
		}
		if !ok {
			continue
		}
		seen[r.role] = true
		out = append(out, recipient{
			role:        r.role,
			channel:     r.channel,
			messageType: r.messageType,
			priority:    firstPriority(r.priority, defaultPriority(st)),
		})
	}
	return out
}

func defaultPriority(st *pipeline.State) pipeline.Priority {
	if st.WorkOrder != nil && st.WorkOrder.Priority != "" {
		return st.WorkOrder.Priority
	}
	if st.AnomalyDetails != nil && st.AnomalyDetails.Severity == pipeline.SeverityCritical {
		return pipeline.PriorityUrgent
	}
	return pipeline.PriorityHigh
}

func firstPriority(ps ...pipeline.Priority) pipeline.Priority {
	for _, p := range ps {
		if p != "" {
			return p
		}
	}
	return pipeline.PriorityMedium
}

// Notify informs the stakeholders and completes the session.
func (e *Engine) Notify(ctx context.Context, st *pipeline.State) (pipeline.Update, error) {
	const stage = pipeline.StageNotifier
	start := time.Now()
	e.logf("%s: notifying stakeholders for %s", stage, st.MachineID)

	if err := e.setProgress(ctx, st, stage, "Selecting recipients", 90); err != nil {
		return pipeline.Update{}, err
	}
	tr := newTrail(e.now)
	recipients := e.selectRecipients(ctx, st)
	tr.add("Who needs to know?", recipientSummary(recipients), fmt.Sprintf("%d recipient(s) selected", len(recipients)))

	if err := e.setProgress(ctx, st, stage, "Writing messages", 92); err != nil {
		return pipeline.Update{}, err
	}
	drafts := make(map[pipeline.RecipientType][2]string)
	resp, err := ask[notifierResponse](ctx, e, stage, notifierVars(st, recipients))
	fallback := err != nil
	reasoning := ""
	if fallback {
		e.fellBack(ctx, stage, err)
		recipients = []recipient{{
			role:        pipeline.RecipientPlantManager,
			channel:     pipeline.ChannelLINE,
			messageType: pipeline.MessageAlert,
			priority:    defaultPriority(st),
		}}
		reasoning = "Message drafting failed; sent a single alert to the plant manager"
	} else {
		tr.merge(resp.ThinkingRounds)
		for _, m := range resp.Messages {
			rt := pipeline.RecipientType(strings.ToUpper(strings.TrimSpace(m.RecipientType)))
			if _, dup := drafts[rt]; dup || strings.TrimSpace(m.Content) == "" {
				continue
			}
			drafts[rt] = [2]string{m.Title, m.Content}
		}
		reasoning = firstNonEmpty(resp.Reasoning, fmt.Sprintf("Notified %d stakeholder(s)", len(recipients)))
	}

	if err := e.setProgress(ctx, st, stage, "Resolving recipients", 94); err != nil {
		return pipeline.Update{}, err
	}
	notifications := make([]pipeline.Notification, 0, len(recipients))
	contacts := make([]*pipeline.Employee, 0, len(recipients))
	for _, r := range recipients {
		// A named assignee is looked up by name only; a miss stays undelivered.
		name := ""
		if r.role == pipeline.RecipientTechnician && st.WorkOrder != nil && st.WorkOrder.AssignedTechnician != unassigned {
			name = st.WorkOrder.AssignedTechnician
		}
		emp, err := e.store.FindEmployee(ctx, name, directoryRoles[r.role])
		if err != nil {
			return pipeline.Update{}, fmt.Errorf("lookup %s contact: %w", r.role, err)
		}
		title, content := templatedMessage(st, r)
		if d, ok := drafts[r.role]; ok {
			title, content = firstNonEmpty(d[0], title), d[1]
		}
		n := pipeline.Notification{
			ID:            uuid.NewString(),
			SessionID:     st.SessionID,
			RecipientType: r.role,
			Channel:       r.channel,
			MessageType:   r.messageType,
			Title:         title,
			Content:       content,
			Priority:      r.priority,
		}
		if emp != nil {
			n.RecipientName = emp.Name
			n.RecipientLineID = emp.LineUserID
		} else {
			n.RecipientName = name
		}
		notifications = append(notifications, n)
		contacts = append(contacts, emp)
	}

	entry := e.newLogEntry(st, stage, actionNotification)
	entry.Input = map[string]any{
		"recipients": recipientSummary(recipients),
		"has_work":   st.WorkOrder != nil,
	}
	entry.Reasoning = reasoning
	entry.Decision = decisionNotified
	entry.NextStage = pipeline.NextEnd
	out := make([]map[string]any, 0, len(notifications))
	for _, n := range notifications {
		out = append(out, map[string]any{
			"recipient_type": n.RecipientType,
			"recipient_name": n.RecipientName,
			"message_type":   n.MessageType,
			"priority":       n.Priority,
		})
	}
	entry.Output = map[string]any{"notifications": out, "fallback": fallback}

	if err := e.setProgress(ctx, st, stage, "Sending messages", 96); err != nil {
		return pipeline.Update{}, err
	}
	tr.add("Deliver", fmt.Sprintf("%d message(s) queued", len(notifications)), "Delivery is best-effort")
	entry.ThinkingRounds = tr.rounds
	if err := e.saveLog(ctx, entry, start); err != nil {
		return pipeline.Update{}, err
	}

	delivered := 0
	for i := range notifications {
		n := &notifications[i]
		if err := e.store.SaveNotification(ctx, n); err != nil {
			return pipeline.Update{}, fmt.Errorf("save notification: %w", err)
		}
		if err := e.deliver(ctx, n, contacts[i]); err != nil {
			n.DeliveryError = err.Error()
			logctx.FromContext(ctx).Warn("notification not delivered",
				"recipient", n.RecipientType, "name", n.RecipientName, "error", err)
			e.logf("%s: %s not delivered: %v", stage, n.RecipientType, err)
			continue
		}
		delivered++
	}

	action := fmt.Sprintf("Notified %d stakeholder(s), %d delivered", len(notifications), delivered)
	if err := e.setProgress(ctx, st, stage, action, 100); err != nil {
		return pipeline.Update{}, err
	}

	update := pipeline.Update{
		CurrentStage:  pipeline.Ptr(stage),
		CurrentAction: pipeline.Ptr(action),
		Progress:      pipeline.Ptr(100),
		Notifications: notifications,
		Logs:          []pipeline.LogEntry{*entry},
	}
	final := st.Clone()
	final.Apply(update)
	if err := e.store.FinalizeSession(ctx, st.SessionID, pipeline.SessionCompleted, final.Summary()); err != nil {
		return pipeline.Update{}, fmt.Errorf("finalize session: %w", err)
	}
	e.logf("%s: %s", stage, action)
	e.finish(stage, start, fallback)
	return update, nil
}

// deliver pushes one LINE message and records the receipt.
func (e *Engine) deliver(ctx context.Context, n *pipeline.Notification, contact *pipeline.Employee) error {
	if n.Channel != pipeline.ChannelLINE {
		return fmt.Errorf("channel %s has no sender", n.Channel)
	}
	if contact == nil {
		return fmt.Errorf("no %s in the employee directory", n.RecipientType)
	}
	if contact.LineUserID == "" {
		return fmt.Errorf("%s has no LINE user id", contact.Name)
	}
	if e.messenger == nil {
		return fmt.Errorf("messaging disabled")
	}
	text := n.Content
	if n.Title != "" {
		text = n.Title + "\n\n" + n.Content
	}
	id, err := e.messenger.Push(ctx, contact.LineUserID, text)
	if err != nil {
		return err
	}
	sentAt := e.now().UTC()
	n.Delivered = true
	n.LineMessageID = id
	n.SentAt = &sentAt
	if err := e.store.MarkNotificationSent(ctx, n.SessionID, n.ID, id, sentAt); err != nil {
		logctx.FromContext(ctx).Warn("record delivery receipt", "notification", n.ID, "error", err)
	}
	return nil
}

// templatedMessage writes the message used when no draft is available.
func templatedMessage(st *pipeline.State, r recipient) (title, content string) {
	var b strings.Builder
	machine := firstNonEmpty(st.Machine.Name, st.MachineID)
	switch r.messageType {
	case pipeline.MessageWorkOrder:
		title = "New work order"
		if wo := st.WorkOrder; wo != nil {
			title = fmt.Sprintf("Work order %s", wo.WONumber)
			fmt.Fprintf(&b, "%s\nMachine: %s\nPriority: %s\nTechnician: %s\n", wo.Title, machine, wo.Priority, wo.AssignedTechnician)
			fmt.Fprintf(&b, "Window: %s to %s\n", wo.ScheduledStart.Format("2006-01-02 15:04"), wo.ScheduledEnd.Format("2006-01-02 15:04"))
			fmt.Fprintf(&b, "Estimated cost: %s THB\nStatus: %s", formatNum(wo.EstimatedCost), wo.Status)
		}
	case pipeline.MessageStatusUpdate:
		title = fmt.Sprintf("Status update: %s", machine)
		fmt.Fprintf(&b, "Anomaly under review on %s.\n", machine)
		if d := st.Diagnosis; d != nil {
			fmt.Fprintf(&b, "Likely cause: %s (%s%% confidence). Manual inspection recommended.", d.RootCause, formatNum(d.Confidence))
		}
	default:
		title = fmt.Sprintf("Alert: %s", machine)
		if a := st.AnomalyDetails; a != nil {
			fmt.Fprintf(&b, "%s anomaly (%s) on %s.\n", a.Severity, a.Type, machine)
		}
		if d := st.Diagnosis; d != nil {
			fmt.Fprintf(&b, "Root cause: %s, expected failure in %s.\n", d.RootCause, d.TimeToFailure)
		}
		if s := st.SafetyApproval; s != nil {
			fmt.Fprintf(&b, "Safety decision: %s.", s.Decision)
		} else {
			b.WriteString("Please review.")
		}
	}
	return title, strings.TrimSpace(b.String())
}

func recipientSummary(rs []recipient) string {
	if len(rs) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(rs))
	for _, r := range rs {
		parts = append(parts, fmt.Sprintf("%s %s via %s (%s)", r.role, r.messageType, r.channel, r.priority))
	}
	return strings.Join(parts, ", ")
}

func notifierVars(st *pipeline.State, rs []recipient) prompt.Vars {
	vars := prompt.Vars{
		"machine_name": st.Machine.Name,
		"machine_id":   st.MachineID,
		"location":     firstNonEmpty(st.Machine.Location, "unknown"),
		"criticality":  string(st.Machine.Criticality),
		"anomaly":      "",
		"diagnosis":    "",
		"work_order":   "",
		"safety":       "",
	}
	if a := st.AnomalyDetails; a != nil {
		vars["anomaly"] = fmt.Sprintf("%s, severity %s\n%s", a.Type, a.Severity, violationSummary(a.Metrics))
	}
	if d := st.Diagnosis; d != nil {
		vars["diagnosis"] = fmt.Sprintf("Root cause %s (%s%%), failure in %s, action: %s\nCost impact %s THB, ROI %s%%",
			d.RootCause, formatNum(d.Confidence), d.TimeToFailure, d.RecommendedAction,
			formatNum(d.BusinessImpact.CostImpact), formatNum(d.BusinessImpact.ROIPercentage))
	}
	if wo := st.WorkOrder; wo != nil {
		vars["work_order"] = fmt.Sprintf("%s %s, priority %s, technician %s, %s to %s, cost %s THB",
			wo.WONumber, wo.Title, wo.Priority, wo.AssignedTechnician,
			wo.ScheduledStart.Format(time.RFC3339), wo.ScheduledEnd.Format(time.RFC3339), formatNum(wo.EstimatedCost))
	}
	if s := st.SafetyApproval; s != nil {
		vars["safety"] = fmt.Sprintf("%s: %s", s.Decision, s.Reasoning)
	}
	lines := make([]string, 0, len(rs))
	for _, r := range rs {
		lines = append(lines, fmt.Sprintf("%s (%s, %s)", r.role, r.messageType, r.priority))
	}
	vars["recipients"] = bullets(lines)
	return vars
}
