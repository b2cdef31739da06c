package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/minerwatch/fhpep/model"
	"github.com/minerwatch/fhpep/storage"
)

// PolicyTuning holds the §6.4 dispatch budget knobs.
type PolicyTuning struct {
	MaxNotifications     int
	MaxTickets           int
	P2DurationGateMins   int
	P2PFailTicketThresh  float64
}

// DefaultPolicyTuning returns the default tuning knobs.
func DefaultPolicyTuning() PolicyTuning {
	return PolicyTuning{MaxNotifications: 20, MaxTickets: 5, P2DurationGateMins: 30, P2PFailTicketThresh: 0.5}
}

// PolicyStore is the subset of storage.Store PolicyEngine depends on.
type PolicyStore interface {
	WriteOutbox(ctx context.Context, rec model.OutboxRecord) error
}

// PolicyEngine performs budgeted, per-site dispatch of problem events to the
// outbox (§4.6). It never sends anything itself — dispatch/notify.go drains
// event_outbox.
type PolicyEngine struct {
	store    PolicyStore
	tuning   PolicyTuning
	fallback *storage.FallbackLog
}

func NewPolicyEngine(store PolicyStore, tuning PolicyTuning) *PolicyEngine {
	return &PolicyEngine{store: store, tuning: tuning}
}

// SetFallbackLog wires a JSONL fallback so OutboxUnavailable (§7) never
// drops a record silently: writeBatch falls back to this log when
// WriteOutbox fails instead of aborting the rest of the batch.
func (p *PolicyEngine) SetFallbackLog(fl *storage.FallbackLog) {
	p.fallback = fl
}

// EngineResult bundles one miner's event-engine outcome for this cycle plus
// enough event/prediction detail for dispatch decisions.
type EngineResult struct {
	Event    model.ProblemEvent
	Action   Action
	PFail24h float64
}

// candidate is an engine result annotated with its dispatch priority for
// budget sorting.
type candidate struct {
	result EngineResult
	reason string
}

// BatchResult is the outbox write tally EvaluateBatch produces, useful for
// tests and for the orchestrator's cycle summary.
type BatchResult struct {
	NotificationsSent int
	TicketsSent       int
	Suppressed        int
}

// EvaluateBatch implements §4.6. siteMinerCounts maps site_id to the number
// of miners in that site, used for the Top-K computation.
func (p *PolicyEngine) EvaluateBatch(ctx context.Context, results []EngineResult, siteMinerCounts map[int]int) (BatchResult, error) {
	bySite := make(map[int][]EngineResult)
	for _, r := range results {
		if !eligibleAction(r.Action) {
			continue
		}
		bySite[r.Event.SiteID] = append(bySite[r.Event.SiteID], r)
	}

	var total BatchResult
	for siteID, siteResults := range bySite {
		res, err := p.evaluateSite(ctx, siteID, siteResults, siteMinerCounts[siteID])
		if err != nil {
			return total, err
		}
		total.NotificationsSent += res.NotificationsSent
		total.TicketsSent += res.TicketsSent
		total.Suppressed += res.Suppressed
	}
	return total, nil
}

func eligibleAction(a Action) bool {
	return a == ActionCreated || a == ActionUpdated || a == ActionEscalated || a == ActionReopened
}

func (p *PolicyEngine) evaluateSite(ctx context.Context, siteID int, results []EngineResult, minerCount int) (BatchResult, error) {
	var result BatchResult

	k := int(math.Floor(float64(minerCount) * 0.05))
	if k < 3 {
		k = 3
	}

	// Top-K worst active P2s by p_fail_24h, for the P2 notify gate.
	var p2s []EngineResult
	for _, r := range results {
		if r.Event.Severity == model.SeverityP2 {
			p2s = append(p2s, r)
		}
	}
	sort.Slice(p2s, func(i, j int) bool { return p2s[i].PFail24h > p2s[j].PFail24h })
	topK := make(map[string]bool, k)
	for i, r := range p2s {
		if i >= k {
			break
		}
		topK[r.Event.MinerID] = true
	}

	var notifyCandidates, ticketCandidates []candidate
	now := time.Now()
	for _, r := range results {
		openDuration := now.Sub(r.Event.StartTS)
		switch r.Event.Severity {
		case model.SeverityP0, model.SeverityP1:
			notifyCandidates = append(notifyCandidates, candidate{result: r, reason: "severity " + r.Event.Severity.String()})
			ticketCandidates = append(ticketCandidates, candidate{result: r, reason: "severity " + r.Event.Severity.String()})
		case model.SeverityP2:
			durationGate := openDuration > time.Duration(p.tuning.P2DurationGateMins)*time.Minute
			if topK[r.Event.MinerID] || durationGate {
				reason := "top-k worst p_fail_24h in site"
				if !topK[r.Event.MinerID] {
					reason = "event open beyond duration gate"
				}
				notifyCandidates = append(notifyCandidates, candidate{result: r, reason: reason})
			}
			if r.PFail24h > p.tuning.P2PFailTicketThresh && durationGate {
				ticketCandidates = append(ticketCandidates, candidate{result: r, reason: "p_fail_24h above ticket threshold and event aged"})
			}
		case model.SeverityP3:
			// neither notified nor ticketed
		}
	}

	// P0/P1 always fit first; stable within that by insertion order. Then P2
	// sorted by p_fail_24h descending fills remaining slots.
	sortBySeverityThenPFail(notifyCandidates)
	sortBySeverityThenPFail(ticketCandidates)

	sent, suppressed := p.writeBatch(ctx, notifyCandidates, p.tuning.MaxNotifications, model.OutboxNotification)
	result.NotificationsSent = sent
	result.Suppressed += suppressed

	sent, suppressed = p.writeBatch(ctx, ticketCandidates, p.tuning.MaxTickets, model.OutboxTicket)
	result.TicketsSent = sent
	result.Suppressed += suppressed

	return result, nil
}

func sortBySeverityThenPFail(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		si, sj := cands[i].result.Event.Severity, cands[j].result.Event.Severity
		if si != sj {
			return si > sj // P0 > P1 > P2 > P3, higher severity first
		}
		return cands[i].result.PFail24h > cands[j].result.PFail24h
	})
}

// writeBatch writes every candidate to the outbox, per §4.6/§8 invariant 6:
// P0/P1 candidates are never suppressed by the budget — only P2 candidates
// (the tail of cands, since sortBySeverityThenPFail puts P0/P1 first) are
// capped to whatever slots remain after every P0/P1 is counted.
func (p *PolicyEngine) writeBatch(ctx context.Context, cands []candidate, max int, kind model.OutboxKind) (sent, suppressed int) {
	now := time.Now()

	alwaysDispatched := 0
	for _, c := range cands {
		if isAlwaysDispatched(c.result.Event.Severity) {
			alwaysDispatched++
		}
	}
	p2Budget := max - alwaysDispatched
	if p2Budget < 0 {
		p2Budget = 0
	}

	p2Seen := 0
	for _, c := range cands {
		evt := c.result.Event
		if !isAlwaysDispatched(evt.Severity) {
			if p2Seen >= p2Budget {
				p2Seen++
				suppressed++
				continue
			}
			p2Seen++
		}

		payload := model.NotificationPayload(evt.ID, evt.SiteID, evt.MinerID, evt.IssueCode, evt.Severity, c.reason, evt.Severity.String(), now)
		if kind == model.OutboxTicket {
			subject := fmt.Sprintf("[%s] %s on %s", evt.Severity.String(), evt.IssueCode, evt.MinerID)
			description := fmt.Sprintf("Severity %s issue %q on miner %s, open since %s, p_fail_24h=%.2f",
				evt.Severity.String(), evt.IssueCode, evt.MinerID, evt.StartTS.Format(time.RFC3339), c.result.PFail24h)
			payload = model.TicketPayload(payload, subject, description)
		}
		rec := model.OutboxRecord{ID: uuid.NewString(), Kind: kind, Payload: payload, CreatedAt: now}
		if err := p.store.WriteOutbox(ctx, rec); err != nil {
			log.Printf("fhpep: %v: outbox write failed for %s on %s, falling back: %v", ErrOutboxUnavailable, evt.IssueCode, evt.MinerID, err)
			if p.fallback != nil {
				if ferr := p.fallback.Write(rec); ferr != nil {
					log.Printf("fhpep: fallback log write also failed for %s on %s: %v", evt.IssueCode, evt.MinerID, ferr)
				}
			}
		}
		sent++
	}
	return sent, suppressed
}

// isAlwaysDispatched reports whether severity exempts a candidate from the
// notification/ticket budget (§4.6: "P0: always notify, always ticket" /
// "P1: always notify, always ticket").
func isAlwaysDispatched(sev model.Severity) bool {
	return sev == model.SeverityP0 || sev == model.SeverityP1
}
