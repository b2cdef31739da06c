package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/minerwatch/fhpep/model"
)

type fakeWeakSupervisorStore struct {
	baselines []model.MinerBaselineState
	active    *model.ModelRegistryRow
	inserted  []model.ModelRegistryRow
}

func (f *fakeWeakSupervisorStore) AllBaselines(ctx context.Context) ([]model.MinerBaselineState, error) {
	return f.baselines, nil
}

func (f *fakeWeakSupervisorStore) ActiveModel(ctx context.Context, modelName string) (*model.ModelRegistryRow, error) {
	return f.active, nil
}

func (f *fakeWeakSupervisorStore) InsertModel(ctx context.Context, row model.ModelRegistryRow) error {
	f.inserted = append(f.inserted, row)
	f.active = &row
	return nil
}

func (f *fakeWeakSupervisorStore) DeactivateModels(ctx context.Context, modelName string) error {
	f.active = nil
	return nil
}

type fakeLabelSource struct {
	critical map[string]bool
}

func (f *fakeLabelSource) HadCriticalEventSince(ctx context.Context, minerID string, since time.Time) (bool, error) {
	return f.critical[minerID], nil
}

func TestWeakSupervisorPredictsZeroWithoutActiveModel(t *testing.T) {
	store := &fakeWeakSupervisorStore{}
	labels := &fakeLabelSource{}
	w := NewWeakSupervisor(store, labels, t.TempDir())

	batch := map[string]map[string]model.MinerBaselineState{
		"m1": {"hashrate_ratio": {MetricName: "hashrate_ratio", EWMAValue: 0.9, SampleCount: 10}},
	}
	preds, err := w.Predict(context.Background(), batch)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	pred, ok := preds["m1"]
	if !ok {
		t.Fatalf("expected a prediction for m1")
	}
	if pred.PFail24h != 0.0 || pred.ModelVersion != "none" {
		t.Errorf("with no active model, expected p_fail_24h=0.0 model_version=none, got %+v", pred)
	}
}

func TestWeakSupervisorTrainGateInsufficientData(t *testing.T) {
	store := &fakeWeakSupervisorStore{
		baselines: []model.MinerBaselineState{
			{MinerID: "m1", MetricName: "hashrate_ratio", EWMAValue: 0.9, SampleCount: 10},
		},
	}
	labels := &fakeLabelSource{critical: map[string]bool{"m1": true}}
	w := NewWeakSupervisor(store, labels, t.TempDir())

	result, err := w.Train(context.Background())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if result.Status != "insufficient_data" {
		t.Errorf("Status = %q, want insufficient_data (1 sample, below min_samples=50)", result.Status)
	}
}

func TestWeakSupervisorTrainsWhenGatePasses(t *testing.T) {
	var baselines []model.MinerBaselineState
	labelSet := map[string]bool{}
	for i := 0; i < 60; i++ {
		minerID := fmt.Sprintf("m%02d", i)
		hashrate := 0.9
		critical := false
		if i%10 == 0 { // 6 positives, clears minPositive=5
			hashrate = 0.2
			critical = true
		}
		baselines = append(baselines, model.MinerBaselineState{
			MinerID: minerID, MetricName: "hashrate_ratio", EWMAValue: hashrate, SampleCount: 20,
		})
		labelSet[minerID] = critical
	}

	store := &fakeWeakSupervisorStore{baselines: baselines}
	labels := &fakeLabelSource{critical: labelSet}
	w := NewWeakSupervisor(store, labels, t.TempDir())

	result, err := w.Train(context.Background())
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if result.Status != "trained" {
		t.Fatalf("Status = %q, want trained", result.Status)
	}
	if store.active == nil {
		t.Fatalf("expected a newly active model after training")
	}
	if result.Metrics.SampleCount != 60 {
		t.Errorf("Metrics.SampleCount = %d, want 60", result.Metrics.SampleCount)
	}
}

func TestEncodeModeMapping(t *testing.T) {
	cases := map[string]float64{"eco": 0, "normal": 1, "perf": 2, "unknown": -1, "": -1}
	for mode, want := range cases {
		if got := encodeMode(mode); got != want {
			t.Errorf("encodeMode(%q) = %v, want %v", mode, got, want)
		}
	}
}

func TestComputeAUCPerfectSeparation(t *testing.T) {
	scores := []float64{0.1, 0.2, 0.8, 0.9}
	labels := []int{0, 0, 1, 1}
	auc := computeAUC(scores, labels)
	if auc != 1.0 {
		t.Errorf("computeAUC with perfect separation = %v, want 1.0", auc)
	}
}

func TestComputeAUCSingleClassReturnsHalf(t *testing.T) {
	scores := []float64{0.1, 0.2, 0.3}
	labels := []int{0, 0, 0}
	auc := computeAUC(scores, labels)
	if auc != 0.5 {
		t.Errorf("computeAUC with a single class present = %v, want 0.5", auc)
	}
}
