package engine

import (
	"testing"

	"github.com/minerwatch/fhpep/model"
)

func makeFV(minerID string, hashrate, temp, eff float64) model.FeatureVector {
	return model.FeatureVector{
		MinerID: minerID, SiteID: 1, Model: "S19", Firmware: "1.0",
		IsOnline: true, HashrateRatio: ptr(hashrate), TempMax: ptr(temp), Efficiency: ptr(eff),
	}
}

func TestModeInfererSmallGroupIsUnknown(t *testing.T) {
	m := NewModeInferer()
	features := []model.FeatureVector{
		makeFV("m1", 0.9, 60, 30),
		makeFV("m2", 0.95, 62, 31),
	}
	out := m.InferModes(features)
	for _, fv := range features {
		if out[fv.MinerID].Mode != "unknown" {
			t.Errorf("miner %s: mode = %q, want unknown for group smaller than 5", fv.MinerID, out[fv.MinerID].Mode)
		}
	}
}

func TestModeInfererSeparatesEcoAndPerf(t *testing.T) {
	m := NewModeInferer()
	var features []model.FeatureVector
	for i := 0; i < 6; i++ {
		features = append(features, makeFV("eco-"+string(rune('a'+i)), 0.6, 55, 25))
	}
	for i := 0; i < 6; i++ {
		features = append(features, makeFV("perf-"+string(rune('a'+i)), 1.3, 80, 45))
	}

	out := m.InferModes(features)
	ecoModes := map[string]bool{}
	perfModes := map[string]bool{}
	for _, fv := range features[:6] {
		ecoModes[out[fv.MinerID].Mode] = true
	}
	for _, fv := range features[6:] {
		perfModes[out[fv.MinerID].Mode] = true
	}
	if len(ecoModes) != 1 || len(perfModes) != 1 {
		t.Fatalf("expected each group internally consistent, got eco=%v perf=%v", ecoModes, perfModes)
	}
	for mode := range ecoModes {
		if mode == "unknown" {
			t.Errorf("eco cluster labeled unknown")
		}
	}
	var ecoLabel, perfLabel string
	for mode := range ecoModes {
		ecoLabel = mode
	}
	for mode := range perfModes {
		perfLabel = mode
	}
	if ecoLabel == perfLabel {
		t.Errorf("eco and perf clusters got the same label %q", ecoLabel)
	}
}

func TestModeInfererDeterministic(t *testing.T) {
	m1 := NewModeInferer()
	m2 := NewModeInferer()
	var features []model.FeatureVector
	for i := 0; i < 9; i++ {
		features = append(features, makeFV("m"+string(rune('a'+i)), 0.7+float64(i)*0.05, 60+float64(i), 30+float64(i)))
	}

	out1 := m1.InferModes(features)
	out2 := m2.InferModes(features)
	for _, fv := range features {
		if out1[fv.MinerID].Mode != out2[fv.MinerID].Mode {
			t.Errorf("miner %s: nondeterministic mode assignment %q vs %q", fv.MinerID, out1[fv.MinerID].Mode, out2[fv.MinerID].Mode)
		}
	}
}

func TestPeerGroupKeyOmitsEmptyOrUnknownMode(t *testing.T) {
	cases := []struct {
		mode string
		want string
	}{
		{"", "1:S19:1.0"},
		{"unknown", "1:S19:1.0"},
		{"eco", "1:S19:1.0:eco"},
	}
	for _, c := range cases {
		got := PeerGroupKey(1, "S19", "1.0", c.mode)
		if got != c.want {
			t.Errorf("PeerGroupKey(mode=%q) = %q, want %q", c.mode, got, c.want)
		}
	}
}
