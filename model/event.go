package model

import (
	"strconv"
	"time"
)

// Severity is an ordinal problem severity, P0 (critical) highest.
type Severity int

const (
	SeverityP3 Severity = iota // advisory
	SeverityP2
	SeverityP1
	SeverityP0 // critical
)

func (s Severity) String() string {
	switch s {
	case SeverityP0:
		return "P0"
	case SeverityP1:
		return "P1"
	case SeverityP2:
		return "P2"
	case SeverityP3:
		return "P3"
	default:
		return "P3"
	}
}

// ParseSeverity maps "P0".."P3" back to a Severity, defaulting to P3.
func ParseSeverity(s string) Severity {
	switch s {
	case "P0":
		return SeverityP0
	case "P1":
		return SeverityP1
	case "P2":
		return SeverityP2
	default:
		return SeverityP3
	}
}

// EventStatus is the lifecycle status of a ProblemEvent.
type EventStatus string

const (
	StatusAck        EventStatus = "ack"
	StatusOpen       EventStatus = "open"
	StatusInProgress EventStatus = "in_progress"
	StatusResolved   EventStatus = "resolved"
	StatusSuppressed EventStatus = "suppressed"
)

// Active reports whether a status counts as the single active row for a
// dedup_key (the partial-unique-index invariant in §6.2).
func (s EventStatus) Active() bool {
	return s == StatusAck || s == StatusOpen || s == StatusInProgress
}

// EvidenceMax bounds the append-only evidence list (§3.5).
const EvidenceMax = 100

// ProblemEvent is the central lifecycle entity (§3.5).
type ProblemEvent struct {
	ID              string
	SiteID          int
	MinerID         string
	IssueCode       string
	DedupKey        string
	Severity        Severity
	Status          EventStatus
	StartTS         time.Time
	LastSeenTS      time.Time
	ResolvedTS      *time.Time
	RecurrenceCount int
	ConsecutiveFail int
	ConsecutiveOK   int
	Evidence        []map[string]any
	PeerMetricsJSON map[string]PeerMetricBlock
	MLJSON          *MLPrediction
	SuppressUntil   *time.Time
	MaintenanceFlag bool
}

// DedupKey builds the dedup_key for a (site, miner, issue) triple.
func DedupKey(siteID int, minerID, issueCode string) string {
	return strconv.Itoa(siteID) + ":" + minerID + ":" + issueCode
}

// AppendEvidence appends a snapshot and trims to EvidenceMax most recent.
func (e *ProblemEvent) AppendEvidence(snapshot map[string]any) {
	e.Evidence = append(e.Evidence, snapshot)
	if len(e.Evidence) > EvidenceMax {
		e.Evidence = e.Evidence[len(e.Evidence)-EvidenceMax:]
	}
}

// HealthState is the worst-severity rollup shown in a Health Object.
type HealthState string

const (
	HealthOK HealthState = "OK"
)

// HealthObject is the per-miner end-of-cycle summary (§3.6).
type HealthObject struct {
	SiteID      int       `json:"site_id"`
	MinerID     string    `json:"miner_id"`
	HealthState string    `json:"health_state"`
	Issues      []string  `json:"issues"`
	PFail24h    float64   `json:"p_fail_24h"`
	LastSeenTS  time.Time `json:"last_seen_ts"`
	AssessedAt  time.Time `json:"assessed_at"`
}
