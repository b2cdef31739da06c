package engine

import (
	"context"
	"testing"
	"time"

	"github.com/minerwatch/fhpep/model"
)

type fakeEventStore struct {
	byDedupKey map[string]*model.ProblemEvent
	resolved   map[string]*model.ProblemEvent
	suppressed map[string]*time.Time
	maintenance map[string]bool
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{
		byDedupKey:  make(map[string]*model.ProblemEvent),
		resolved:    make(map[string]*model.ProblemEvent),
		suppressed:  make(map[string]*time.Time),
		maintenance: make(map[string]bool),
	}
}

func (f *fakeEventStore) GetActiveEvent(ctx context.Context, dedupKey string) (*model.ProblemEvent, error) {
	e, ok := f.byDedupKey[dedupKey]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (f *fakeEventStore) GetResolvedWithinCooldown(ctx context.Context, dedupKey string, cooldown time.Duration) (*model.ProblemEvent, error) {
	e, ok := f.resolved[dedupKey]
	if !ok {
		return nil, nil
	}
	if e.ResolvedTS != nil && time.Since(*e.ResolvedTS) > cooldown {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (f *fakeEventStore) InsertEvent(ctx context.Context, e model.ProblemEvent) error {
	if existing, ok := f.byDedupKey[e.DedupKey]; ok && existing.Status.Active() {
		return errDuplicateKey
	}
	cp := e
	f.byDedupKey[e.DedupKey] = &cp
	return nil
}

func (f *fakeEventStore) UpdateEvent(ctx context.Context, e model.ProblemEvent) error {
	cp := e
	if e.Status.Active() {
		f.byDedupKey[e.DedupKey] = &cp
		delete(f.resolved, e.DedupKey)
	} else if e.Status == model.StatusResolved {
		f.resolved[e.DedupKey] = &cp
		delete(f.byDedupKey, e.DedupKey)
	}
	return nil
}

func (f *fakeEventStore) ActiveEvents(ctx context.Context, siteID *int, minerID *string) ([]model.ProblemEvent, error) {
	var out []model.ProblemEvent
	for _, e := range f.byDedupKey {
		if siteID != nil && e.SiteID != *siteID {
			continue
		}
		if minerID != nil && e.MinerID != *minerID {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

func (f *fakeEventStore) SuppressMiner(ctx context.Context, minerID string, until *time.Time, maintenance bool) error {
	f.suppressed[minerID] = until
	f.maintenance[minerID] = maintenance
	return nil
}

func (f *fakeEventStore) UnsuppressMiner(ctx context.Context, minerID string) error {
	delete(f.suppressed, minerID)
	delete(f.maintenance, minerID)
	return nil
}

func (f *fakeEventStore) IsMinerSuppressed(ctx context.Context, minerID string, now time.Time) (bool, error) {
	if f.maintenance[minerID] {
		return true, nil
	}
	until, ok := f.suppressed[minerID]
	if !ok {
		return false, nil
	}
	if until == nil {
		return true, nil
	}
	return now.Before(*until), nil
}

type dupKeyError struct{}

func (dupKeyError) Error() string { return "duplicate key" }

var errDuplicateKey = dupKeyError{}

func TestProcessDetectionCreatesDebouncingFirst(t *testing.T) {
	store := newFakeEventStore()
	e := NewEventEngine(store, DefaultEventTuning())

	in := DetectionInput{SiteID: 1, MinerID: "m1", IssueCode: "overheat_crit", Severity: model.SeverityP0}
	res, err := e.ProcessDetection(context.Background(), in)
	if err != nil {
		t.Fatalf("ProcessDetection: %v", err)
	}
	if res.Action != ActionDebouncing {
		t.Errorf("Action = %v, want debouncing (DebounceThreshold=2)", res.Action)
	}
	if res.Event.Status != model.StatusAck {
		t.Errorf("Status = %v, want ack", res.Event.Status)
	}
}

func TestProcessDetectionDebounceThenOpens(t *testing.T) {
	store := newFakeEventStore()
	e := NewEventEngine(store, DefaultEventTuning())
	in := DetectionInput{SiteID: 1, MinerID: "m1", IssueCode: "overheat_crit", Severity: model.SeverityP0}

	if _, err := e.ProcessDetection(context.Background(), in); err != nil {
		t.Fatalf("first detection: %v", err)
	}
	res, err := e.ProcessDetection(context.Background(), in)
	if err != nil {
		t.Fatalf("second detection: %v", err)
	}
	if res.Event.Status != model.StatusOpen {
		t.Errorf("after 2 consecutive fails, Status = %v, want open", res.Event.Status)
	}
}

func TestProcessDetectionEscalatesMonotonically(t *testing.T) {
	store := newFakeEventStore()
	e := NewEventEngine(store, EventTuning{DebounceThreshold: 1, ResolveThreshold: 3, CooldownHours: 24, EvidenceMax: 100})

	low := DetectionInput{SiteID: 1, MinerID: "m1", IssueCode: "hashrate_degradation", Severity: model.SeverityP2}
	if _, err := e.ProcessDetection(context.Background(), low); err != nil {
		t.Fatalf("create: %v", err)
	}

	high := DetectionInput{SiteID: 1, MinerID: "m1", IssueCode: "hashrate_degradation", Severity: model.SeverityP0}
	res, err := e.ProcessDetection(context.Background(), high)
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if res.Action != ActionEscalated || res.Event.Severity != model.SeverityP0 {
		t.Errorf("expected escalation to P0, got action=%v severity=%v", res.Action, res.Event.Severity)
	}

	backDown := DetectionInput{SiteID: 1, MinerID: "m1", IssueCode: "hashrate_degradation", Severity: model.SeverityP2}
	res, err = e.ProcessDetection(context.Background(), backDown)
	if err != nil {
		t.Fatalf("lower severity update: %v", err)
	}
	if res.Event.Severity != model.SeverityP0 {
		t.Errorf("severity must never de-escalate within a detection run, got %v", res.Event.Severity)
	}
}

func TestProcessDetectionSuppressed(t *testing.T) {
	store := newFakeEventStore()
	e := NewEventEngine(store, DefaultEventTuning())
	if err := e.SuppressMiner(context.Background(), "m1", nil, true); err != nil {
		t.Fatalf("SuppressMiner: %v", err)
	}

	in := DetectionInput{SiteID: 1, MinerID: "m1", IssueCode: "offline", Severity: model.SeverityP0}
	res, err := e.ProcessDetection(context.Background(), in)
	if err != nil {
		t.Fatalf("ProcessDetection: %v", err)
	}
	if res.Action != ActionSuppressed {
		t.Errorf("Action = %v, want suppressed", res.Action)
	}
}

func TestProcessHealthyResolvesAtThreshold(t *testing.T) {
	store := newFakeEventStore()
	e := NewEventEngine(store, EventTuning{DebounceThreshold: 1, ResolveThreshold: 3, CooldownHours: 24, EvidenceMax: 100})
	in := DetectionInput{SiteID: 1, MinerID: "m1", IssueCode: "overheat_crit", Severity: model.SeverityP0}
	if _, err := e.ProcessDetection(context.Background(), in); err != nil {
		t.Fatalf("create: %v", err)
	}

	var last DetectionResult
	for i := 0; i < 3; i++ {
		var err error
		last, err = e.ProcessHealthy(context.Background(), 1, "m1", "overheat_crit")
		if err != nil {
			t.Fatalf("ProcessHealthy %d: %v", i, err)
		}
	}
	if last.Action != ActionResolved {
		t.Errorf("after resolve_threshold consecutive healthy signals, Action = %v, want resolved", last.Action)
	}
}

func TestProcessHealthyNoActiveEvent(t *testing.T) {
	store := newFakeEventStore()
	e := NewEventEngine(store, DefaultEventTuning())
	res, err := e.ProcessHealthy(context.Background(), 1, "m1", "overheat_crit")
	if err != nil {
		t.Fatalf("ProcessHealthy: %v", err)
	}
	if res.Action != ActionNoActive {
		t.Errorf("Action = %v, want no_active_event", res.Action)
	}
}

func TestReopenWithinCooldownIncrementsRecurrence(t *testing.T) {
	store := newFakeEventStore()
	resolvedAt := time.Now().Add(-time.Hour)
	store.resolved["1:m1:offline"] = &model.ProblemEvent{
		ID: "evt-1", SiteID: 1, MinerID: "m1", IssueCode: "offline", DedupKey: "1:m1:offline",
		Severity: model.SeverityP0, Status: model.StatusResolved, ResolvedTS: &resolvedAt, RecurrenceCount: 0,
	}
	e := NewEventEngine(store, DefaultEventTuning())

	in := DetectionInput{SiteID: 1, MinerID: "m1", IssueCode: "offline", Severity: model.SeverityP0}
	res, err := e.ProcessDetection(context.Background(), in)
	if err != nil {
		t.Fatalf("ProcessDetection: %v", err)
	}
	if res.Action != ActionReopened {
		t.Errorf("Action = %v, want reopened", res.Action)
	}
	if res.Event.RecurrenceCount != 1 {
		t.Errorf("RecurrenceCount = %d, want 1", res.Event.RecurrenceCount)
	}
	if res.Event.Status != model.StatusOpen {
		t.Errorf("reopened event should be open immediately, got %v", res.Event.Status)
	}
}

func TestBulkProcessExposesPerDetectionResults(t *testing.T) {
	store := newFakeEventStore()
	e := NewEventEngine(store, EventTuning{DebounceThreshold: 1, ResolveThreshold: 3, CooldownHours: 24, EvidenceMax: 100})

	detections := []DetectionInput{
		{SiteID: 1, MinerID: "m1", IssueCode: "overheat_crit", Severity: model.SeverityP0},
		{SiteID: 1, MinerID: "m2", IssueCode: "offline", Severity: model.SeverityP0},
	}
	bulk := e.BulkProcess(context.Background(), detections, nil)
	if len(bulk.Detections) != 2 {
		t.Fatalf("expected 2 detection results, got %d", len(bulk.Detections))
	}
	for _, res := range bulk.Detections {
		if res.Action != ActionCreated {
			t.Errorf("expected created action with DebounceThreshold=1, got %v", res.Action)
		}
		if res.Event == nil {
			t.Errorf("expected a non-nil event on each detection result")
		}
	}
}

func TestIsEventRaceRecoversAsUpdate(t *testing.T) {
	store := newFakeEventStore()
	e := NewEventEngine(store, EventTuning{DebounceThreshold: 1, ResolveThreshold: 3, CooldownHours: 24, EvidenceMax: 100})

	// Pre-seed an active row as if another process just created it,
	// simulating the unique-violation race InsertEvent hits.
	existing := model.ProblemEvent{
		ID: "evt-race", SiteID: 1, MinerID: "m1", IssueCode: "offline", DedupKey: "1:m1:offline",
		Severity: model.SeverityP0, Status: model.StatusOpen, ConsecutiveFail: 1,
	}
	store.byDedupKey[existing.DedupKey] = &existing

	orig := isEventRace
	SetRaceDetector(func(err error) bool { return err == errDuplicateKey })
	defer SetRaceDetector(orig)

	in := DetectionInput{SiteID: 1, MinerID: "m1", IssueCode: "offline", Severity: model.SeverityP0}
	res, err := e.create(context.Background(), existing.DedupKey, in, time.Now())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Action != ActionUpdated {
		t.Errorf("race-recovered create should fall through to an update, got %v", res.Action)
	}
}
