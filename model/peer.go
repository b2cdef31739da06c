package model

import "time"

// PeerMetricStats is the robust statistics computed for one metric within
// one peer group.
type PeerMetricStats struct {
	Median float64
	MAD    float64
	P10    float64
	P25    float64
	P75    float64
	P90    float64
	Count  int

	// raw holds the sample values used to build Median/MAD/percentiles so
	// PercentileRank can be recomputed for an arbitrary value. Unexported;
	// callers outside package model read a copy through RawValues.
	raw []float64
}

// RawValues returns a copy of the samples backing these stats.
func (s PeerMetricStats) RawValues() []float64 {
	out := make([]float64, len(s.raw))
	copy(out, s.raw)
	return out
}

// NewPeerMetricStats builds stats from raw, unsorted samples. The slice is
// not retained by reference in the returned struct's raw field beyond a copy.
func NewPeerMetricStats(samples []float64) PeerMetricStats {
	raw := make([]float64, len(samples))
	copy(raw, samples)
	return PeerMetricStats{raw: raw}
}

// PeerGroupStats holds peer statistics for every metric observed in a group,
// plus bookkeeping for the FleetBaseliner's TTL cache.
type PeerGroupStats struct {
	GroupKey   string
	Metrics    map[string]PeerMetricStats
	ComputedAt time.Time
}

// PeerMetricBlock is the per-miner, per-metric comparison block emitted by
// FleetBaseliner.BuildPeerMetrics.
type PeerMetricBlock struct {
	Value           float64 `json:"value"`
	GroupMedian     float64 `json:"group_median"`
	RobustZ         float64 `json:"robust_z"`
	PercentileRank  float64 `json:"percentile_rank"`
	GroupP10        float64 `json:"group_p10"`
	GroupP90        float64 `json:"group_p90"`
}
