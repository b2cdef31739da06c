package model

// FeatureVector holds the four numeric semantic metrics derived from a
// TelemetryRecord for one miner in one cycle, plus the scalars computed
// later in the pipeline (fleet comparison, inferred mode). A nil pointer
// means the metric is absent for this cycle, not zero.
type FeatureVector struct {
	MinerID  string
	SiteID   int
	Model    string
	Firmware string
	IsOnline bool

	HashrateRatio *float64
	BoardsRatio   *float64
	TempMax       *float64
	Efficiency    *float64

	FanSpeedMin *int

	// Populated later in the pipeline (see Orchestrator step 6).
	FleetZHashrate *float64
	InferredMode   string
	ModeConfidence float64
}

// MetricNames lists the four semantic metrics baselines are kept for, in a
// fixed order used anywhere metric iteration must be deterministic.
var MetricNames = []string{"hashrate_ratio", "boards_ratio", "temp_max", "efficiency"}

// Value returns the feature's value for the named metric, or nil if absent
// or the name is not one of MetricNames.
func (f FeatureVector) Value(metric string) *float64 {
	switch metric {
	case "hashrate_ratio":
		return f.HashrateRatio
	case "boards_ratio":
		return f.BoardsRatio
	case "temp_max":
		return f.TempMax
	case "efficiency":
		return f.Efficiency
	default:
		return nil
	}
}

// ExtractFeatures applies the §3.2 definitions to a telemetry record.
func ExtractFeatures(r TelemetryRecord) FeatureVector {
	fv := FeatureVector{
		MinerID:  r.MinerID,
		SiteID:   r.SiteID,
		Model:    r.Model,
		Firmware: r.Firmware,
		IsOnline: r.IsOnline,
	}

	if r.HashrateCurrent != nil && r.HashrateExpected != nil && *r.HashrateExpected > 0 {
		v := *r.HashrateCurrent / *r.HashrateExpected
		fv.HashrateRatio = &v
	}
	if r.BoardsHealthy != nil && r.BoardsTotal != nil && *r.BoardsTotal > 0 {
		v := float64(*r.BoardsHealthy) / float64(*r.BoardsTotal)
		fv.BoardsRatio = &v
	}
	if r.TemperatureMax != nil {
		v := *r.TemperatureMax
		fv.TempMax = &v
	}
	if r.PowerDraw != nil && r.HashrateCurrent != nil && *r.HashrateCurrent > 0 {
		v := *r.PowerDraw / *r.HashrateCurrent
		fv.Efficiency = &v
	}
	if len(r.FanSpeeds) > 0 {
		min := r.FanSpeeds[0]
		for _, s := range r.FanSpeeds[1:] {
			if s < min {
				min = s
			}
		}
		fv.FanSpeedMin = &min
	}
	return fv
}
