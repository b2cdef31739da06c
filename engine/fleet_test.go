package engine

import (
	"testing"

	"github.com/minerwatch/fhpep/model"
)

func TestFleetBaselinerComputeRobustZ(t *testing.T) {
	f := NewFleetBaseliner(0)
	features := []model.FeatureVector{
		makeFV("m1", 1.00, 60, 30),
		makeFV("m2", 0.95, 60, 30),
		makeFV("m3", 1.05, 60, 30),
		makeFV("m4", 0.90, 60, 30),
		makeFV("m5", 0.20, 60, 30), // outlier
	}
	f.ComputeAllGroups(features)

	groupKey := PeerGroupKey(1, "S19", "1.0", "")
	z := f.ComputeRobustZ(groupKey, "hashrate_ratio", 0.2)
	if z >= 0 {
		t.Errorf("outlier below median should have negative robust z, got %v", z)
	}

	zMedian := f.ComputeRobustZ(groupKey, "hashrate_ratio", 0.95)
	if zMedian != 0 {
		t.Errorf("value at the median should have z=0, got %v", zMedian)
	}
}

func TestFleetBaselinerCacheMissReturnsZero(t *testing.T) {
	f := NewFleetBaseliner(0)
	z := f.ComputeRobustZ("no-such-group", "hashrate_ratio", 5)
	if z != 0 {
		t.Errorf("cache miss should yield z=0, got %v", z)
	}
	if _, ok := f.Get("no-such-group"); ok {
		t.Errorf("Get on empty cache should report a miss")
	}
}

func TestFleetBaselinerFreshEntryIsPresent(t *testing.T) {
	f := NewFleetBaseliner(0)
	features := []model.FeatureVector{makeFV("m1", 1.0, 60, 30)}
	f.ComputeAllGroups(features)
	groupKey := PeerGroupKey(1, "S19", "1.0", "")
	if _, ok := f.Get(groupKey); !ok {
		t.Fatalf("expected a fresh cache entry to be present")
	}
}

func TestBuildPeerMetricsEmptyOnCacheMiss(t *testing.T) {
	f := NewFleetBaseliner(0)
	fv := makeFV("m1", 1.0, 60, 30)
	blocks := f.BuildPeerMetrics(fv)
	if len(blocks) != 0 {
		t.Errorf("expected an empty peer metrics block before ComputeAllGroups runs, got %d entries", len(blocks))
	}
}

func TestBuildPeerMetricsPopulatesKnownMetrics(t *testing.T) {
	f := NewFleetBaseliner(0)
	features := []model.FeatureVector{
		makeFV("m1", 1.0, 60, 30),
		makeFV("m2", 0.9, 58, 29),
		makeFV("m3", 1.1, 62, 31),
	}
	f.ComputeAllGroups(features)
	blocks := f.BuildPeerMetrics(features[0])
	block, ok := blocks["hashrate_ratio"]
	if !ok {
		t.Fatalf("expected hashrate_ratio in peer metrics block")
	}
	if block.Value != 1.0 {
		t.Errorf("block.Value = %v, want 1.0", block.Value)
	}
}
