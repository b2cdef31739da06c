package model

import "time"

// MinerBaselineState is one row of per-miner, per-metric EWMA state. The row
// only ever depends on its own previous value, never on a history scan.
type MinerBaselineState struct {
	MinerID        string
	SiteID         int
	MetricName     string
	EWMAValue      float64
	EWMAVariance   float64
	SampleCount    int
	LastRawValue   float64
	LastResidual   float64
	LastZScore     float64
	InferredMode   string
	ModeConfidence float64
	UpdatedAt      time.Time
}

// MetricUpdate is the per-metric result returned by BaselineService.UpdateBaseline.
type MetricUpdate struct {
	Metric      string
	EWMA        float64
	Residual    float64
	ZScore      float64
	SampleCount int
}
