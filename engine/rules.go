package engine

import (
	"math"
	"time"

	"github.com/minerwatch/fhpep/model"
)

// Rule is one entry of the fixed, versioned taxonomy (§4.4). Hard rules read
// only the current cycle's features; soft rules additionally need baseline
// state and the fleet z-score the orchestrator has already attached.
type Rule struct {
	Code     string
	Severity model.Severity
	Fires    func(in RuleInput) bool
	Evidence func(in RuleInput) map[string]any
}

// RuleInput bundles everything a rule might need. Soft rules that need
// baselines/fleet context will find nil pointers on a cold-start miner;
// Fires must treat that as "does not fire", not a crash.
type RuleInput struct {
	Features   model.FeatureVector
	Baselines  map[string]model.MinerBaselineState // by metric name
	MinSamples int
}

func baselineZ(in RuleInput, metric string) (float64, int, bool) {
	b, ok := in.Baselines[metric]
	if !ok {
		return 0, 0, false
	}
	return b.LastZScore, b.SampleCount, true
}

func baselineResidual(in RuleInput, metric string) (float64, int, bool) {
	b, ok := in.Baselines[metric]
	if !ok {
		return 0, 0, false
	}
	return b.LastResidual, b.SampleCount, true
}

func desc(rule, text string) string { return rule + ": " + text }

func baseEvidence(code, description string) map[string]any {
	return map[string]any{
		"rule_code":    code,
		"description":  description,
		"evaluated_at": time.Now().UTC().Format(time.RFC3339),
	}
}

// HardRules fire off raw features alone, no baseline history required.
var HardRules = []Rule{
	{
		Code: "overheat_crit", Severity: model.SeverityP0,
		Fires: func(in RuleInput) bool {
			return in.Features.TempMax != nil && *in.Features.TempMax >= 85
		},
		Evidence: func(in RuleInput) map[string]any {
			e := baseEvidence("overheat_crit", desc("overheat_crit", "temperature at or above critical threshold"))
			e["temp_max"] = *in.Features.TempMax
			e["threshold"] = 85.0
			return e
		},
	},
	{
		Code: "offline", Severity: model.SeverityP0,
		Fires: func(in RuleInput) bool { return !in.Features.IsOnline },
		Evidence: func(in RuleInput) map[string]any {
			return baseEvidence("offline", desc("offline", "miner is not reporting as online"))
		},
	},
	{
		Code: "hashrate_zero", Severity: model.SeverityP1,
		Fires: func(in RuleInput) bool {
			return in.Features.IsOnline && in.Features.HashrateRatio != nil && *in.Features.HashrateRatio <= 0.01
		},
		Evidence: func(in RuleInput) map[string]any {
			e := baseEvidence("hashrate_zero", desc("hashrate_zero", "online miner reporting near-zero hashrate"))
			e["hashrate_ratio"] = *in.Features.HashrateRatio
			e["threshold"] = 0.01
			return e
		},
	},
	{
		Code: "boards_dead", Severity: model.SeverityP1,
		Fires: func(in RuleInput) bool {
			return in.Features.BoardsRatio != nil && *in.Features.BoardsRatio <= 0.5
		},
		Evidence: func(in RuleInput) map[string]any {
			e := baseEvidence("boards_dead", desc("boards_dead", "half or more of hashboards unhealthy"))
			e["boards_ratio"] = *in.Features.BoardsRatio
			e["threshold"] = 0.5
			return e
		},
	},
	{
		Code: "fan_zero", Severity: model.SeverityP1,
		Fires: func(in RuleInput) bool {
			return in.Features.IsOnline && in.Features.FanSpeedMin != nil && *in.Features.FanSpeedMin == 0
		},
		Evidence: func(in RuleInput) map[string]any {
			e := baseEvidence("fan_zero", desc("fan_zero", "online miner has a stalled fan"))
			e["fan_speed_min"] = *in.Features.FanSpeedMin
			return e
		},
	},
	{
		Code: "overheat_warn", Severity: model.SeverityP1,
		Fires: func(in RuleInput) bool {
			return in.Features.TempMax != nil && *in.Features.TempMax >= 75 && *in.Features.TempMax < 85
		},
		Evidence: func(in RuleInput) map[string]any {
			e := baseEvidence("overheat_warn", desc("overheat_warn", "temperature elevated but below critical"))
			e["temp_max"] = *in.Features.TempMax
			return e
		},
	},
}

// SoftRules consume baselines and fleet context; MinSamples gates the
// degradation rules against cold-start noise (§4.4 "Cold-start guard").
var SoftRules = []Rule{
	{
		Code: "hashrate_degradation", Severity: model.SeverityP2,
		Fires: func(in RuleInput) bool {
			z, n, ok := baselineZ(in, "hashrate_ratio")
			return ok && z < -2 && n >= in.MinSamples
		},
		Evidence: func(in RuleInput) map[string]any {
			z, n, _ := baselineZ(in, "hashrate_ratio")
			e := baseEvidence("hashrate_degradation", desc("hashrate_degradation", "hashrate trending well below its own baseline"))
			e["z_score"] = z
			e["sample_count"] = n
			return e
		},
	},
	{
		Code: "efficiency_degradation", Severity: model.SeverityP2,
		Fires: func(in RuleInput) bool {
			z, n, ok := baselineZ(in, "efficiency")
			return ok && z > 2 && n >= in.MinSamples
		},
		Evidence: func(in RuleInput) map[string]any {
			z, n, _ := baselineZ(in, "efficiency")
			e := baseEvidence("efficiency_degradation", desc("efficiency_degradation", "power-per-hash trending well above its own baseline"))
			e["z_score"] = z
			e["sample_count"] = n
			return e
		},
	},
	{
		Code: "temp_anomaly", Severity: model.SeverityP2,
		Fires: func(in RuleInput) bool {
			z, _, ok := baselineZ(in, "temp_max")
			return ok && z > 2.5 // intentionally ungated: spikes matter even for new miners
		},
		Evidence: func(in RuleInput) map[string]any {
			z, n, _ := baselineZ(in, "temp_max")
			e := baseEvidence("temp_anomaly", desc("temp_anomaly", "temperature trending well above its own baseline"))
			e["z_score"] = z
			e["sample_count"] = n
			return e
		},
	},
	{
		Code: "fleet_outlier", Severity: model.SeverityP3,
		Fires: func(in RuleInput) bool {
			return in.Features.FleetZHashrate != nil && math.Abs(*in.Features.FleetZHashrate) > 3
		},
		Evidence: func(in RuleInput) map[string]any {
			e := baseEvidence("fleet_outlier", desc("fleet_outlier", "hashrate far outside peer-group norms"))
			e["fleet_z_hashrate"] = *in.Features.FleetZHashrate
			return e
		},
	},
	{
		Code: "boards_degrading", Severity: model.SeverityP3,
		Fires: func(in RuleInput) bool {
			r, n, ok := baselineResidual(in, "boards_ratio")
			return ok && r < -0.1 && n >= in.MinSamples
		},
		Evidence: func(in RuleInput) map[string]any {
			r, n, _ := baselineResidual(in, "boards_ratio")
			e := baseEvidence("boards_degrading", desc("boards_degrading", "board health trending down against its own baseline"))
			e["residual"] = r
			e["sample_count"] = n
			return e
		},
	},
}

// AllIssueCodes lists every code in the taxonomy, used by the orchestrator
// to emit a healthy signal for every rule that did not fire this cycle.
var AllIssueCodes = func() []string {
	out := make([]string, 0, len(HardRules)+len(SoftRules))
	for _, r := range HardRules {
		out = append(out, r.Code)
	}
	for _, r := range SoftRules {
		out = append(out, r.Code)
	}
	return out
}()

// RulesEngine evaluates the fixed taxonomy against one miner's input.
type RulesEngine struct {
	minSamples int
}

// NewRulesEngine creates an engine with the configured cold-start gate
// (§6.4 SOFT_RULE_MIN_SAMPLES, default 6).
func NewRulesEngine(minSamples int) *RulesEngine {
	if minSamples <= 0 {
		minSamples = 6
	}
	return &RulesEngine{minSamples: minSamples}
}

// Detection is one rule firing, with the evidence to attach to the event.
type Detection struct {
	IssueCode string
	Severity  model.Severity
	Evidence  map[string]any
}

// EvaluateAll runs every rule in the taxonomy, never aborting on a single
// rule's panic-worthy input — each Fires/Evidence call is guarded.
func (r *RulesEngine) EvaluateAll(fv model.FeatureVector, baselines map[string]model.MinerBaselineState) (detections []Detection, healthy []string) {
	in := RuleInput{Features: fv, Baselines: baselines, MinSamples: r.minSamples}

	evalOne := func(rule Rule) (fired bool, evidence map[string]any) {
		defer func() {
			if rec := recover(); rec != nil {
				fired, evidence = false, nil
			}
		}()
		if !rule.Fires(in) {
			return false, nil
		}
		return true, rule.Evidence(in)
	}

	for _, rule := range HardRules {
		if fired, evidence := evalOne(rule); fired {
			detections = append(detections, Detection{IssueCode: rule.Code, Severity: rule.Severity, Evidence: evidence})
		} else {
			healthy = append(healthy, rule.Code)
		}
	}
	for _, rule := range SoftRules {
		if fired, evidence := evalOne(rule); fired {
			detections = append(detections, Detection{IssueCode: rule.Code, Severity: rule.Severity, Evidence: evidence})
		} else {
			healthy = append(healthy, rule.Code)
		}
	}
	return detections, healthy
}
