package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/minerwatch/fhpep/model"
	"github.com/minerwatch/fhpep/storage"
)

// BaselineService maintains, for each (miner, metric) pair, an incrementally
// updated EWMA and variance. It never scans history: every update reads only
// the row's previous value (§4.1).
type BaselineService struct {
	store Store
	span  int // EWMA span; alpha = 2/(span+1)
}

// Store is the subset of storage.Store BaselineService depends on. Each
// engine component declares its own narrow interface so tests can fake only
// what they exercise.
type Store interface {
	GetBaseline(ctx context.Context, minerID, metric string) (*model.MinerBaselineState, error)
	UpsertBaseline(ctx context.Context, row model.MinerBaselineState) error
	GetBaselines(ctx context.Context, minerID string) (map[string]model.MinerBaselineState, error)
}

var _ Store = (*storage.PGStore)(nil)

// NewBaselineService constructs a service with the given EWMA span (§6.4
// EWMA_SPAN, default 12 ≈ 1 hour at 5-minute cadence).
func NewBaselineService(store Store, span int) *BaselineService {
	if span <= 0 {
		span = 12
	}
	return &BaselineService{store: store, span: span}
}

func (b *BaselineService) alpha() float64 {
	return 2.0 / float64(b.span+1)
}

// UpdateBaseline updates every present metric of fv and returns the
// per-metric result (§4.1). Absent metrics are skipped without error.
func (b *BaselineService) UpdateBaseline(ctx context.Context, fv model.FeatureVector) (map[string]model.MetricUpdate, error) {
	out := make(map[string]model.MetricUpdate)
	for _, metric := range model.MetricNames {
		val := fv.Value(metric)
		if val == nil {
			continue
		}
		upd, err := b.updateOne(ctx, fv.MinerID, fv.SiteID, metric, *val)
		if err != nil {
			log.Printf("fhpep: baseline update failed for miner=%s metric=%s: %v", fv.MinerID, metric, err)
			continue
		}
		out[metric] = upd
	}
	return out, nil
}

func (b *BaselineService) updateOne(ctx context.Context, minerID string, siteID int, metric string, raw float64) (model.MetricUpdate, error) {
	current, err := b.store.GetBaseline(ctx, minerID, metric)
	if err != nil {
		return model.MetricUpdate{}, fmt.Errorf("%w: %v", ErrBaselineWrite, err)
	}

	var row model.MinerBaselineState
	if current != nil {
		row = *current
	} else {
		row = model.MinerBaselineState{MinerID: minerID, SiteID: siteID, MetricName: metric}
	}

	alpha := b.alpha()
	var residual, zScore float64

	if row.SampleCount == 0 {
		row.EWMAValue = raw
		row.EWMAVariance = 0
		residual = 0
	} else {
		newEWMA := alpha*raw + (1-alpha)*row.EWMAValue
		residual = raw - newEWMA
		row.EWMAVariance = alpha*residual*residual + (1-alpha)*row.EWMAVariance
		row.EWMAValue = newEWMA
		if row.EWMAVariance > 0 {
			zScore = residual / math.Sqrt(row.EWMAVariance)
		}
	}

	row.SampleCount++
	row.LastRawValue = raw
	row.LastResidual = residual
	row.LastZScore = zScore
	row.SiteID = siteID
	row.UpdatedAt = time.Now()

	if err := b.store.UpsertBaseline(ctx, row); err != nil {
		return model.MetricUpdate{}, fmt.Errorf("%w: %v", ErrBaselineWrite, err)
	}

	return model.MetricUpdate{
		Metric:      metric,
		EWMA:        row.EWMAValue,
		Residual:    residual,
		ZScore:      zScore,
		SampleCount: row.SampleCount,
	}, nil
}

// BulkUpdate updates every feature vector's present metrics. A per-record
// failure is logged and skipped; the batch never aborts (§4.1 failure
// policy — the transaction-level failure case is the storage layer's
// concern, since pgx batches each Exec independently per call here).
func (b *BaselineService) BulkUpdate(ctx context.Context, records []model.FeatureVector) (map[string]map[string]model.MetricUpdate, error) {
	results := make(map[string]map[string]model.MetricUpdate, len(records))
	for _, fv := range records {
		upd, err := b.UpdateBaseline(ctx, fv)
		if err != nil {
			log.Printf("fhpep: bulk baseline update failed for miner=%s: %v", fv.MinerID, err)
			continue
		}
		results[fv.MinerID] = upd
	}
	return results, nil
}

// GetBaselines returns the current baseline row set for one miner.
func (b *BaselineService) GetBaselines(ctx context.Context, minerID string) (map[string]model.MinerBaselineState, error) {
	return b.store.GetBaselines(ctx, minerID)
}
