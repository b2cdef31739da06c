package engine

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/minerwatch/fhpep/model"
)

// EventStore is the subset of storage.Store EventEngine depends on.
type EventStore interface {
	GetActiveEvent(ctx context.Context, dedupKey string) (*model.ProblemEvent, error)
	GetResolvedWithinCooldown(ctx context.Context, dedupKey string, cooldown time.Duration) (*model.ProblemEvent, error)
	InsertEvent(ctx context.Context, e model.ProblemEvent) error
	UpdateEvent(ctx context.Context, e model.ProblemEvent) error
	ActiveEvents(ctx context.Context, siteID *int, minerID *string) ([]model.ProblemEvent, error)
	SuppressMiner(ctx context.Context, minerID string, until *time.Time, maintenance bool) error
	UnsuppressMiner(ctx context.Context, minerID string) error
	IsMinerSuppressed(ctx context.Context, minerID string, now time.Time) (bool, error)
}

// EventTuning holds the centrally configurable knobs named in §4.5's
// "Default tuning". Mixing values across processes would violate the
// single-active-event invariant, so these are constructed once at process
// start and passed explicitly (§9).
type EventTuning struct {
	DebounceThreshold int
	ResolveThreshold  int
	CooldownHours     int
	// EvidenceMax is carried here but not read: ProblemEvent.AppendEvidence
	// trims the evidence list to the model.EvidenceMax constant (100), and
	// this field does not change that bound.
	EvidenceMax int
}

// DefaultEventTuning returns the §4.5 defaults.
func DefaultEventTuning() EventTuning {
	return EventTuning{DebounceThreshold: 2, ResolveThreshold: 3, CooldownHours: 24, EvidenceMax: 100}
}

// EventEngine is the lifecycle/dedup/debounce heart of the system. Its
// contract: for a given dedup_key there is at most one row with
// status ∈ {ack, open, in_progress}.
type EventEngine struct {
	store  EventStore
	tuning EventTuning
}

func NewEventEngine(store EventStore, tuning EventTuning) *EventEngine {
	return &EventEngine{store: store, tuning: tuning}
}

// Action is the outcome tag a caller (the Policy Engine, tests) inspects to
// decide whether this cycle's event is worth dispatching.
type Action string

const (
	ActionCreated     Action = "created"
	ActionDebouncing  Action = "debouncing"
	ActionUpdated     Action = "updated"
	ActionEscalated   Action = "escalated"
	ActionReopened    Action = "reopened"
	ActionSuppressed  Action = "suppressed"
	ActionResolved    Action = "resolved"
	ActionResolving   Action = "resolving"
	ActionNoActive    Action = "no_active_event"
)

// DetectionResult is what ProcessDetection/ProcessHealthy return.
type DetectionResult struct {
	Action Action
	Reason string
	Event  *model.ProblemEvent
}

// DetectionInput bundles everything ProcessDetection needs for one miner's
// one firing rule.
type DetectionInput struct {
	SiteID      int
	MinerID     string
	IssueCode   string
	Severity    model.Severity
	Evidence    map[string]any
	PeerMetrics map[string]model.PeerMetricBlock
	ML          *model.MLPrediction
}

// ProcessDetection implements §4.5's processDetection.
func (e *EventEngine) ProcessDetection(ctx context.Context, in DetectionInput) (DetectionResult, error) {
	now := time.Now()

	suppressed, err := e.store.IsMinerSuppressed(ctx, in.MinerID, now)
	if err != nil {
		return DetectionResult{}, err
	}
	if suppressed {
		return DetectionResult{Action: ActionSuppressed}, nil
	}

	dedupKey := model.DedupKey(in.SiteID, in.MinerID, in.IssueCode)
	cooldown := time.Duration(e.tuning.CooldownHours) * time.Hour

	active, err := e.store.GetActiveEvent(ctx, dedupKey)
	if err != nil {
		return DetectionResult{}, err
	}

	if active != nil {
		return e.updateActive(ctx, active, in, now)
	}

	resolved, err := e.store.GetResolvedWithinCooldown(ctx, dedupKey, cooldown)
	if err != nil {
		return DetectionResult{}, err
	}
	if resolved != nil {
		return e.reopen(ctx, resolved, in, now)
	}

	return e.create(ctx, dedupKey, in, now)
}

func (e *EventEngine) updateActive(ctx context.Context, active *model.ProblemEvent, in DetectionInput, now time.Time) (DetectionResult, error) {
	active.ConsecutiveFail++
	active.ConsecutiveOK = 0
	active.LastSeenTS = now
	active.AppendEvidence(in.Evidence)
	if in.PeerMetrics != nil {
		active.PeerMetricsJSON = in.PeerMetrics
	}
	if in.ML != nil {
		active.MLJSON = in.ML
	}

	action := ActionUpdated
	if in.Severity > active.Severity {
		active.Severity = in.Severity // monotonic escalation only (§8 invariant 2)
		action = ActionEscalated
	}
	if active.Status == model.StatusAck && active.ConsecutiveFail >= e.tuning.DebounceThreshold {
		active.Status = model.StatusOpen
	}

	if err := e.store.UpdateEvent(ctx, *active); err != nil {
		return DetectionResult{}, err
	}
	return DetectionResult{Action: action, Event: active}, nil
}

func (e *EventEngine) reopen(ctx context.Context, resolved *model.ProblemEvent, in DetectionInput, now time.Time) (DetectionResult, error) {
	resolved.Status = model.StatusOpen
	resolved.ResolvedTS = nil
	resolved.ConsecutiveFail = 1
	resolved.ConsecutiveOK = 0
	resolved.RecurrenceCount++
	resolved.LastSeenTS = now
	resolved.Evidence = nil
	resolved.AppendEvidence(in.Evidence)
	if in.PeerMetrics != nil {
		resolved.PeerMetricsJSON = in.PeerMetrics
	}
	if in.ML != nil {
		resolved.MLJSON = in.ML
	}
	if in.Severity > resolved.Severity {
		resolved.Severity = in.Severity
	}

	if err := e.store.UpdateEvent(ctx, *resolved); err != nil {
		return DetectionResult{}, err
	}
	return DetectionResult{Action: ActionReopened, Event: resolved}, nil
}

func (e *EventEngine) create(ctx context.Context, dedupKey string, in DetectionInput, now time.Time) (DetectionResult, error) {
	status := model.StatusAck
	action := ActionDebouncing
	if e.tuning.DebounceThreshold <= 1 {
		status = model.StatusOpen
		action = ActionCreated
	}

	evt := model.ProblemEvent{
		ID:              uuid.NewString(),
		SiteID:          in.SiteID,
		MinerID:         in.MinerID,
		IssueCode:       in.IssueCode,
		DedupKey:        dedupKey,
		Severity:        in.Severity,
		Status:          status,
		StartTS:         now,
		LastSeenTS:      now,
		ConsecutiveFail: 1,
		ConsecutiveOK:   0,
		PeerMetricsJSON: in.PeerMetrics,
		MLJSON:          in.ML,
	}
	evt.AppendEvidence(in.Evidence)

	if err := e.store.InsertEvent(ctx, evt); err != nil {
		if isEventRace(err) {
			// Another process created the row first; re-read and apply as
			// an update instead of failing the detection (§4.5 concurrency
			// note, §7 ErrEventRace).
			active, getErr := e.store.GetActiveEvent(ctx, dedupKey)
			if getErr != nil || active == nil {
				return DetectionResult{}, err
			}
			return e.updateActive(ctx, active, in, now)
		}
		return DetectionResult{}, err
	}
	return DetectionResult{Action: action, Event: &evt}, nil
}

// isEventRace is overridden in tests; the production binaries wire
// storage.IsUniqueViolation in through SetRaceDetector below. Until then it
// reports no race.
var isEventRace = func(err error) bool { return false }

// SetRaceDetector lets the orchestrator wire storage.IsUniqueViolation in
// without engine importing storage's pgx types directly.
func SetRaceDetector(fn func(error) bool) { isEventRace = fn }

// ProcessHealthy implements §4.5's processHealthy.
func (e *EventEngine) ProcessHealthy(ctx context.Context, siteID int, minerID, issueCode string) (DetectionResult, error) {
	dedupKey := model.DedupKey(siteID, minerID, issueCode)
	active, err := e.store.GetActiveEvent(ctx, dedupKey)
	if err != nil {
		return DetectionResult{}, err
	}
	if active == nil {
		return DetectionResult{Action: ActionNoActive}, nil
	}

	active.ConsecutiveOK++
	active.ConsecutiveFail = 0
	active.LastSeenTS = time.Now()

	action := ActionResolving
	if active.ConsecutiveOK >= e.tuning.ResolveThreshold {
		active.Status = model.StatusResolved
		now := time.Now()
		active.ResolvedTS = &now
		action = ActionResolved
	}

	if err := e.store.UpdateEvent(ctx, *active); err != nil {
		return DetectionResult{}, err
	}
	return DetectionResult{Action: action, Event: active}, nil
}

// BulkResult tallies actions across a BulkProcess call and carries each
// processed detection's outcome, since callers (the Policy Engine) need the
// resulting event and action, not just a count.
type BulkResult struct {
	Tally      map[Action]int
	Errors     int
	Detections []DetectionResult
}

// BulkProcess applies every detection and healthy signal, tallying actions.
// A single item's failure is logged and does not abort the rest (§4.5).
func (e *EventEngine) BulkProcess(ctx context.Context, detections []DetectionInput, healthy []HealthySignal) BulkResult {
	result := BulkResult{Tally: make(map[Action]int)}

	// Within a cycle, detections for a miner are consumed before healthy
	// signals for that miner (§5 ordering guarantees).
	for _, d := range detections {
		res, err := e.ProcessDetection(ctx, d)
		if err != nil {
			log.Printf("fhpep: process detection failed miner=%s issue=%s: %v", d.MinerID, d.IssueCode, err)
			result.Errors++
			continue
		}
		result.Tally[res.Action]++
		result.Detections = append(result.Detections, res)
	}
	for _, h := range healthy {
		res, err := e.ProcessHealthy(ctx, h.SiteID, h.MinerID, h.IssueCode)
		if err != nil {
			log.Printf("fhpep: process healthy failed miner=%s issue=%s: %v", h.MinerID, h.IssueCode, err)
			result.Errors++
			continue
		}
		result.Tally[res.Action]++
	}
	return result
}

// HealthySignal is a (site, miner, issue) triple the rule taxonomy did not
// fire for this cycle.
type HealthySignal struct {
	SiteID    int
	MinerID   string
	IssueCode string
}

// SuppressMiner applies a suppression to every active event on the miner.
// A maintenance suppression has no expiry (until stays nil); a reason-less,
// time-bounded suppression defaults to a 24h window when the caller does
// not supply one, matching the original service's behavior (DESIGN.md open
// question #2).
func (e *EventEngine) SuppressMiner(ctx context.Context, minerID string, until *time.Time, maintenance bool) error {
	if until == nil && !maintenance {
		t := time.Now().Add(24 * time.Hour)
		until = &t
	}
	return e.store.SuppressMiner(ctx, minerID, until, maintenance)
}

// UnsuppressMiner clears both suppression controls.
func (e *EventEngine) UnsuppressMiner(ctx context.Context, minerID string) error {
	return e.store.UnsuppressMiner(ctx, minerID)
}

// ActiveEvents is a query helper (supplemented from the original's
// get_active_events; backs the §6.5 /events endpoint).
func (e *EventEngine) ActiveEvents(ctx context.Context, siteID *int, minerID *string) ([]model.ProblemEvent, error) {
	return e.store.ActiveEvents(ctx, siteID, minerID)
}
