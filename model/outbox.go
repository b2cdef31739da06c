package model

import "time"

// OutboxKind distinguishes the two record shapes the Policy Engine writes.
type OutboxKind string

const (
	OutboxNotification OutboxKind = "notification"
	OutboxTicket       OutboxKind = "ticket"
)

// OutboxRecord is one append-only row of event_outbox (§3.7). The pipeline
// never delivers these itself; dispatch/notify.go drains them.
type OutboxRecord struct {
	ID        string
	Kind      OutboxKind
	Payload   map[string]any
	CreatedAt time.Time
}

// NotificationPayload is the fixed shape for OutboxNotification payloads.
func NotificationPayload(eventID string, siteID int, minerID, issueCode string, severity Severity, reason, priority string, ts time.Time) map[string]any {
	return map[string]any{
		"event_id":   eventID,
		"site_id":    siteID,
		"miner_id":   minerID,
		"issue_code": issueCode,
		"severity":   severity.String(),
		"reason":     reason,
		"priority":   priority,
		"timestamp":  ts.Format(time.RFC3339),
	}
}

// TicketPayload is the fixed shape for OutboxTicket payloads.
func TicketPayload(notif map[string]any, subject, description string) map[string]any {
	out := make(map[string]any, len(notif)+2)
	for k, v := range notif {
		out[k] = v
	}
	out["subject"] = subject
	out["description"] = description
	return out
}
