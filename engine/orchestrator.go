package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/minerwatch/fhpep/model"
	"github.com/minerwatch/fhpep/telemetry"
)

const schedulerLockKey = "feature_store_job"

// OrchestratorStore is the subset of storage.Store the Orchestrator needs
// directly (beyond what it hands to its component services).
type OrchestratorStore interface {
	AcquireLock(ctx context.Context, lockKey, holderID string, lease time.Duration) (bool, error)
	RenewLock(ctx context.Context, lockKey, holderID string, lease time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey, holderID string) error
}

// Orchestrator runs the five-minute cycle (§4.8): acquire lock, fetch
// telemetry, run every engine stage, dispatch, release lock. Structured the
// way a collector/ticker loop runs — a
// signal-aware interval ticker around one per-cycle function.
type Orchestrator struct {
	store    OrchestratorStore
	source   telemetry.Source
	baseline *BaselineService
	mode     *ModeInferer
	fleet    *FleetBaseliner
	rules    *RulesEngine
	events   *EventEngine
	policy   *PolicyEngine
	ml       *WeakSupervisor

	holderID    string
	leaseTime   time.Duration
	cycleWindow time.Duration

	retrainEvery time.Duration
	lastTrained  time.Time
}

// OrchestratorConfig bundles the constructed services an Orchestrator wires
// together; each is independently unit-testable (see each engine
// component's *_test.go).
type OrchestratorConfig struct {
	Store        OrchestratorStore
	Source       telemetry.Source
	Baseline     *BaselineService
	Mode         *ModeInferer
	Fleet        *FleetBaseliner
	Rules        *RulesEngine
	Events       *EventEngine
	Policy       *PolicyEngine
	ML           *WeakSupervisor
	HolderID     string
	LeaseSeconds int
	CycleWindow  time.Duration
	RetrainEvery time.Duration
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	lease := time.Duration(cfg.LeaseSeconds) * time.Second
	if lease <= 0 {
		lease = 4 * time.Minute
	}
	window := cfg.CycleWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	retrainEvery := cfg.RetrainEvery
	if retrainEvery <= 0 {
		retrainEvery = 24 * time.Hour
	}
	return &Orchestrator{
		store: cfg.Store, source: cfg.Source, baseline: cfg.Baseline, mode: cfg.Mode,
		fleet: cfg.Fleet, rules: cfg.Rules, events: cfg.Events, policy: cfg.Policy, ml: cfg.ML,
		holderID: cfg.HolderID, leaseTime: lease, cycleWindow: window, retrainEvery: retrainEvery,
	}
}

// CycleSummary reports what one RunCycle call did, for logging and tests.
type CycleSummary struct {
	LockAcquired  bool
	MinersSeen    int
	Detections    int
	Healthy       int
	Dispatch      BatchResult
	TrainingRan   bool
	TrainingStats TrainResult
}

// RunCycle executes steps 1-11 of §4.8 exactly once. Returns a zero-value,
// LockAcquired=false summary (not an error) when another process holds the
// lock, matching a "return immediately" contract.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleSummary, error) {
	var summary CycleSummary

	acquired, err := o.store.AcquireLock(ctx, schedulerLockKey, o.holderID, o.leaseTime)
	if err != nil {
		return summary, fmt.Errorf("%w: %v", ErrLockLost, err)
	}
	if !acquired {
		return summary, nil
	}
	summary.LockAcquired = true

	// cycleCtx is shared with the heartbeat goroutine so a lost lock cancels
	// every remaining store call in this cycle (§5: "a cycle that exceeds
	// lease must detect lock loss and abort; do not commit after loss").
	cycleCtx, cancelCycle := context.WithCancel(ctx)
	defer cancelCycle()
	go o.heartbeat(cycleCtx, cancelCycle)
	ctx = cycleCtx
	defer func() {
		if err := o.store.ReleaseLock(context.Background(), schedulerLockKey, o.holderID); err != nil {
			log.Printf("fhpep: release lock failed: %v", err)
		}
	}()

	// Step 2: fetch telemetry, discard records outside the cycle window.
	raw, err := o.source.FetchLive(ctx)
	if err != nil {
		return summary, fmt.Errorf("fetch telemetry: %w", err)
	}
	now := time.Now()
	var records []model.TelemetryRecord
	for _, r := range raw {
		if !r.Valid() {
			log.Printf("fhpep: skipping telemetry record missing identity fields: %+v", r)
			continue
		}
		if now.Sub(r.ObservedAt) > o.cycleWindow {
			continue
		}
		records = append(records, r)
	}
	summary.MinersSeen = len(records)

	// Step 3: extract features.
	features := make([]model.FeatureVector, len(records))
	for i, r := range records {
		features[i] = model.ExtractFeatures(r)
	}

	if ctx.Err() != nil {
		return summary, fmt.Errorf("%w: lock lost before baseline commit", ErrLockLost)
	}

	// Step 4: bulk baseline update.
	baselinesByMiner := make(map[string]map[string]model.MinerBaselineState, len(features))
	if _, err := o.baseline.BulkUpdate(ctx, features); err != nil {
		log.Printf("fhpep: bulk baseline update error: %v", err)
	}
	// Fan out the per-miner baseline reads: each fetch is keyed by a distinct
	// miner_id and independent of every other, so a cycle with a large fleet
	// isn't serialized behind one round trip per miner.
	var baselinesMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, fv := range features {
		fv := fv
		g.Go(func() error {
			rows, err := o.baseline.GetBaselines(gctx, fv.MinerID)
			if err != nil {
				log.Printf("fhpep: get baselines failed miner=%s: %v", fv.MinerID, err)
				return nil
			}
			baselinesMu.Lock()
			baselinesByMiner[fv.MinerID] = rows
			baselinesMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// Step 5: infer modes, annotate feature vectors.
	modes := o.mode.InferModes(features)
	for i := range features {
		if a, ok := modes[features[i].MinerID]; ok {
			features[i].InferredMode = a.Mode
			features[i].ModeConfidence = a.Confidence
		}
	}

	// Step 6: refresh fleet cache, annotate fleet_z_hashrate.
	o.fleet.ComputeAllGroups(features)
	for i := range features {
		if features[i].HashrateRatio == nil {
			continue
		}
		groupKey := PeerGroupKey(features[i].SiteID, features[i].Model, features[i].Firmware, features[i].InferredMode)
		z := o.fleet.ComputeRobustZ(groupKey, "hashrate_ratio", *features[i].HashrateRatio)
		features[i].FleetZHashrate = &z
	}

	// Step 7: ML prediction.
	predictions, err := o.ml.Predict(ctx, baselinesByMiner)
	if err != nil {
		log.Printf("fhpep: ml predict error: %v", err)
		predictions = make(map[string]model.MLPrediction)
	}

	// Step 8-9: rule evaluation, bulk event processing.
	var detections []DetectionInput
	var healthySignals []HealthySignal
	siteMinerCounts := make(map[int]int)
	for _, fv := range features {
		siteMinerCounts[fv.SiteID]++
		baselines := baselinesByMiner[fv.MinerID]
		fired, healthy := o.rules.EvaluateAll(fv, baselines)

		peerMetrics := o.fleet.BuildPeerMetrics(fv)
		var ml *model.MLPrediction
		if pred, ok := predictions[fv.MinerID]; ok {
			ml = &pred
		}

		for _, d := range fired {
			detections = append(detections, DetectionInput{
				SiteID: fv.SiteID, MinerID: fv.MinerID, IssueCode: d.IssueCode,
				Severity: d.Severity, Evidence: d.Evidence, PeerMetrics: peerMetrics, ML: ml,
			})
		}
		for _, code := range healthy {
			healthySignals = append(healthySignals, HealthySignal{SiteID: fv.SiteID, MinerID: fv.MinerID, IssueCode: code})
		}
	}
	summary.Detections = len(detections)
	summary.Healthy = len(healthySignals)

	if ctx.Err() != nil {
		return summary, fmt.Errorf("%w: lock lost before event commit", ErrLockLost)
	}

	// Step 9: bulkProcess.
	bulk := o.events.BulkProcess(ctx, detections, healthySignals)

	engineResults := make([]EngineResult, 0, len(bulk.Detections))
	for _, res := range bulk.Detections {
		if res.Event == nil {
			continue
		}
		pFail := 0.0
		if pred, ok := predictions[res.Event.MinerID]; ok {
			pFail = pred.PFail24h
		}
		engineResults = append(engineResults, EngineResult{Event: *res.Event, Action: res.Action, PFail24h: pFail})
	}

	if ctx.Err() != nil {
		return summary, fmt.Errorf("%w: lock lost before dispatch commit", ErrLockLost)
	}

	// Step 10: policy dispatch.
	dispatchResult, err := o.policy.EvaluateBatch(ctx, engineResults, siteMinerCounts)
	if err != nil {
		log.Printf("fhpep: policy dispatch error: %v", err)
	}
	summary.Dispatch = dispatchResult

	// Periodic retrain, independent of the 5-minute detection cadence
	// (§4.7 "periodically-retrained"); piggybacks on whichever cycle holds
	// the lock when the interval elapses rather than its own schedule.
	if time.Since(o.lastTrained) >= o.retrainEvery {
		trainResult, err := o.ml.Train(ctx)
		if err != nil {
			log.Printf("fhpep: model training error: %v", err)
		} else {
			o.lastTrained = time.Now()
			summary.TrainingRan = true
			summary.TrainingStats = trainResult
			log.Printf("fhpep: training cycle status=%s version=%s", trainResult.Status, trainResult.Version)
		}
	}

	return summary, nil
}

// heartbeat renews the scheduler lock every third of the lease duration
// until ctx is canceled, so a long-running cycle keeps its lock (§4.8 step 1
// "renewed via heartbeat if the cycle runs long"). On a lost renewal it
// calls cancel so RunCycle's own context is canceled too, aborting any
// remaining commits in that cycle (§5, §8 invariant 9).
func (o *Orchestrator) heartbeat(ctx context.Context, cancel context.CancelFunc) {
	interval := o.leaseTime / 3
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := o.store.RenewLock(ctx, schedulerLockKey, o.holderID, o.leaseTime)
			if err != nil {
				log.Printf("fhpep: lock renew error: %v", err)
				continue
			}
			if !ok {
				log.Printf("fhpep: lock renew lost holder=%s", o.holderID)
				cancel()
				return
			}
		}
	}
}

// Run drives RunCycle on a fixed interval until a termination signal
// arrives, mirroring a signal-and-ticker loop.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("fhpep: orchestrator started (holder=%s interval=%s)", o.holderID, interval)

	for {
		select {
		case <-sigCh:
			log.Printf("fhpep: orchestrator shutting down")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := o.RunCycle(ctx)
			if err != nil {
				log.Printf("fhpep: cycle error: %v", err)
				continue
			}
			if !summary.LockAcquired {
				log.Printf("fhpep: lock held elsewhere, skipping cycle")
				continue
			}
			log.Printf("fhpep: cycle complete miners=%d detections=%d healthy=%d notifications=%d tickets=%d",
				summary.MinersSeen, summary.Detections, summary.Healthy,
				summary.Dispatch.NotificationsSent, summary.Dispatch.TicketsSent)
		}
	}
}
