package engine

import (
	"testing"

	"github.com/minerwatch/fhpep/model"
)

func TestHardRuleOverheatCrit(t *testing.T) {
	r := NewRulesEngine(6)
	fv := model.FeatureVector{MinerID: "m1", IsOnline: true, TempMax: ptr(90)}
	detections, _ := r.EvaluateAll(fv, nil)
	if !hasIssue(detections, "overheat_crit") {
		t.Errorf("expected overheat_crit to fire at temp_max=90")
	}
}

func TestHardRuleOffline(t *testing.T) {
	r := NewRulesEngine(6)
	fv := model.FeatureVector{MinerID: "m1", IsOnline: false}
	detections, _ := r.EvaluateAll(fv, nil)
	if !hasIssue(detections, "offline") {
		t.Errorf("expected offline to fire when IsOnline=false")
	}
}

func TestHardRuleHashrateZeroRequiresOnline(t *testing.T) {
	r := NewRulesEngine(6)
	fv := model.FeatureVector{MinerID: "m1", IsOnline: false, HashrateRatio: ptr(0.0)}
	detections, _ := r.EvaluateAll(fv, nil)
	if hasIssue(detections, "hashrate_zero") {
		t.Errorf("hashrate_zero should not fire for an already-offline miner (offline supersedes it)")
	}
}

func TestSoftRuleColdStartGuard(t *testing.T) {
	r := NewRulesEngine(6)
	fv := model.FeatureVector{MinerID: "m1", IsOnline: true, HashrateRatio: ptr(0.5)}
	baselines := map[string]model.MinerBaselineState{
		"hashrate_ratio": {MetricName: "hashrate_ratio", LastZScore: -3, SampleCount: 2},
	}
	detections, _ := r.EvaluateAll(fv, baselines)
	if hasIssue(detections, "hashrate_degradation") {
		t.Errorf("hashrate_degradation should be gated below min_samples=6, got sample_count=2")
	}
}

func TestSoftRuleFiresAboveSampleGate(t *testing.T) {
	r := NewRulesEngine(6)
	fv := model.FeatureVector{MinerID: "m1", IsOnline: true, HashrateRatio: ptr(0.5)}
	baselines := map[string]model.MinerBaselineState{
		"hashrate_ratio": {MetricName: "hashrate_ratio", LastZScore: -3, SampleCount: 10},
	}
	detections, _ := r.EvaluateAll(fv, baselines)
	if !hasIssue(detections, "hashrate_degradation") {
		t.Errorf("expected hashrate_degradation to fire at z=-3, sample_count=10")
	}
}

func TestSoftRuleTempAnomalyIsUngated(t *testing.T) {
	r := NewRulesEngine(6)
	fv := model.FeatureVector{MinerID: "m1", IsOnline: true}
	baselines := map[string]model.MinerBaselineState{
		"temp_max": {MetricName: "temp_max", LastZScore: 3, SampleCount: 1},
	}
	detections, _ := r.EvaluateAll(fv, baselines)
	if !hasIssue(detections, "temp_anomaly") {
		t.Errorf("temp_anomaly should fire even with sample_count=1 (intentionally ungated)")
	}
}

func TestEvaluateAllRecoversFromPanickingRule(t *testing.T) {
	r := &RulesEngine{minSamples: 6}
	panicky := Rule{
		Code: "panicky", Severity: model.SeverityP3,
		Fires:    func(in RuleInput) bool { panic("boom") },
		Evidence: func(in RuleInput) map[string]any { return nil },
	}
	orig := SoftRules
	SoftRules = append(append([]Rule{}, SoftRules...), panicky)
	defer func() { SoftRules = orig }()

	fv := model.FeatureVector{MinerID: "m1", IsOnline: true}
	detections, healthy := r.EvaluateAll(fv, nil)
	if hasIssue(detections, "panicky") {
		t.Errorf("a panicking rule must not be treated as fired")
	}
	if !contains(healthy, "panicky") {
		t.Errorf("a panicking rule should be recorded healthy, not dropped")
	}
}

func hasIssue(detections []Detection, code string) bool {
	for _, d := range detections {
		if d.IssueCode == code {
			return true
		}
	}
	return false
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
