package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/minerwatch/fhpep/engine"
	"github.com/minerwatch/fhpep/model"
)

// fakeEventStore is a minimal in-memory engine.EventStore, scoped to what
// the query handlers exercise (no live database, per the narrow-interface
// pattern used throughout the engine tests).
type fakeEventStore struct {
	active      []model.ProblemEvent
	suppressed  map[string]bool
	maintenance map[string]bool
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{suppressed: map[string]bool{}, maintenance: map[string]bool{}}
}

func (f *fakeEventStore) GetActiveEvent(ctx context.Context, dedupKey string) (*model.ProblemEvent, error) {
	for i := range f.active {
		if f.active[i].DedupKey == dedupKey {
			return &f.active[i], nil
		}
	}
	return nil, nil
}

func (f *fakeEventStore) GetResolvedWithinCooldown(ctx context.Context, dedupKey string, cooldown time.Duration) (*model.ProblemEvent, error) {
	return nil, nil
}

func (f *fakeEventStore) InsertEvent(ctx context.Context, e model.ProblemEvent) error {
	f.active = append(f.active, e)
	return nil
}

func (f *fakeEventStore) UpdateEvent(ctx context.Context, e model.ProblemEvent) error {
	for i := range f.active {
		if f.active[i].ID == e.ID {
			f.active[i] = e
			return nil
		}
	}
	return nil
}

func (f *fakeEventStore) ActiveEvents(ctx context.Context, siteID *int, minerID *string) ([]model.ProblemEvent, error) {
	var out []model.ProblemEvent
	for _, e := range f.active {
		if siteID != nil && e.SiteID != *siteID {
			continue
		}
		if minerID != nil && e.MinerID != *minerID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeEventStore) SuppressMiner(ctx context.Context, minerID string, until *time.Time, maintenance bool) error {
	f.suppressed[minerID] = true
	f.maintenance[minerID] = maintenance
	return nil
}

func (f *fakeEventStore) UnsuppressMiner(ctx context.Context, minerID string) error {
	delete(f.suppressed, minerID)
	delete(f.maintenance, minerID)
	return nil
}

func (f *fakeEventStore) IsMinerSuppressed(ctx context.Context, minerID string, now time.Time) (bool, error) {
	return f.suppressed[minerID], nil
}

func newTestServer(store *fakeEventStore) *Server {
	events := engine.NewEventEngine(store, engine.DefaultEventTuning())
	fleet := engine.NewFleetBaseliner(0)
	return NewServer(events, fleet)
}

func TestHandleHealthReturnsOKWhenNoActiveEvents(t *testing.T) {
	s := newTestServer(newFakeEventStore())
	req := httptest.NewRequest(http.MethodGet, "/health/m1", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var health model.HealthObject
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.HealthState != "OK" {
		t.Errorf("HealthState = %q, want OK", health.HealthState)
	}
}

func TestHandleHealthRollsUpWorstSeverity(t *testing.T) {
	store := newFakeEventStore()
	store.active = []model.ProblemEvent{
		{MinerID: "m1", SiteID: 1, IssueCode: "temp_anomaly", Severity: model.SeverityP2, Status: model.StatusOpen, LastSeenTS: time.Now()},
		{MinerID: "m1", SiteID: 1, IssueCode: "offline", Severity: model.SeverityP0, Status: model.StatusOpen, LastSeenTS: time.Now()},
	}
	s := newTestServer(store)
	req := httptest.NewRequest(http.MethodGet, "/health/m1", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var health model.HealthObject
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.HealthState != model.SeverityP0.String() {
		t.Errorf("HealthState = %q, want %q", health.HealthState, model.SeverityP0.String())
	}
	if len(health.Issues) != 2 {
		t.Errorf("expected 2 rolled-up issues, got %d", len(health.Issues))
	}
}

func TestHandleHealthPFailOverrideForcesAtLeastP1(t *testing.T) {
	store := newFakeEventStore()
	store.active = []model.ProblemEvent{
		{
			MinerID: "m1", SiteID: 1, IssueCode: "temp_anomaly", Severity: model.SeverityP3,
			Status: model.StatusOpen, LastSeenTS: time.Now(),
			MLJSON: &model.MLPrediction{PFail24h: 0.9},
		},
	}
	s := newTestServer(store)
	req := httptest.NewRequest(http.MethodGet, "/health/m1", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var health model.HealthObject
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.HealthState != model.SeverityP1.String() {
		t.Errorf("HealthState = %q, want %q (p_fail_24h=0.9 override)", health.HealthState, model.SeverityP1.String())
	}
}

func TestHandleEventsFiltersByStatus(t *testing.T) {
	store := newFakeEventStore()
	store.active = []model.ProblemEvent{
		{MinerID: "m1", SiteID: 1, IssueCode: "offline", Status: model.StatusOpen, DedupKey: "1:m1:offline"},
		{MinerID: "m2", SiteID: 1, IssueCode: "temp_anomaly", Status: model.StatusAck, DedupKey: "1:m2:temp_anomaly"},
	}
	s := newTestServer(store)
	req := httptest.NewRequest(http.MethodGet, "/events?status=open", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var events []model.ProblemEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 || events[0].MinerID != "m1" {
		t.Fatalf("expected exactly the open event for m1, got %+v", events)
	}
}

func TestHandleFleetUnknownGroupReturns404(t *testing.T) {
	s := newTestServer(newFakeEventStore())
	req := httptest.NewRequest(http.MethodGet, "/fleet/no-such-group", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleSuppressThenUnsuppress(t *testing.T) {
	store := newFakeEventStore()
	s := newTestServer(store)

	body := strings.NewReader(`{"until_minutes": 60, "maintenance": true}`)
	req := httptest.NewRequest(http.MethodPost, "/suppress/m1", body)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("suppress status = %d, want 204", rec.Code)
	}
	if !store.suppressed["m1"] || !store.maintenance["m1"] {
		t.Fatalf("expected m1 to be suppressed with maintenance=true, store=%+v", store)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/unsuppress/m1", nil)
	rec2 := httptest.NewRecorder()
	s.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusNoContent {
		t.Fatalf("unsuppress status = %d, want 204", rec2.Code)
	}
	if store.suppressed["m1"] {
		t.Errorf("expected m1 to no longer be suppressed after unsuppress")
	}
}
