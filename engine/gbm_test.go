package engine

import "testing"

func TestTrainGBMLearnsSeparableClasses(t *testing.T) {
	features := []string{"x"}
	var x [][]float64
	var y []int
	for i := 0; i < 20; i++ {
		x = append(x, []float64{0.0})
		y = append(y, 0)
	}
	for i := 0; i < 20; i++ {
		x = append(x, []float64{10.0})
		y = append(y, 1)
	}

	gbm := trainGBM(features, x, y, 30, 0.3, 1.0)
	pLow, _ := gbm.PredictProba([]float64{0.0})
	pHigh, _ := gbm.PredictProba([]float64{10.0})
	if pLow > 0.3 {
		t.Errorf("P(y=1|x=0) = %v, want low", pLow)
	}
	if pHigh < 0.7 {
		t.Errorf("P(y=1|x=10) = %v, want high", pHigh)
	}
}

func TestGBMRoundTripsThroughGOB(t *testing.T) {
	features := []string{"a", "b"}
	x := [][]float64{{0, 0}, {1, 1}, {0, 1}, {1, 0}}
	y := []int{0, 1, 0, 1}
	gbm := trainGBM(features, x, y, 10, 0.2, 1.0)

	blob, err := marshalGOBModel(gbm)
	if err != nil {
		t.Fatalf("marshalGOBModel: %v", err)
	}
	restored, err := unmarshalGOBModel(blob)
	if err != nil {
		t.Fatalf("unmarshalGOBModel: %v", err)
	}

	for _, row := range x {
		want, _ := gbm.PredictProba(row)
		got, _ := restored.PredictProba(row)
		if want != got {
			t.Errorf("PredictProba mismatch after round-trip for %v: want %v, got %v", row, want, got)
		}
	}
}

func TestTrainGBMEmptyInputReturnsUsableModel(t *testing.T) {
	gbm := trainGBM([]string{"x"}, nil, nil, 10, 0.1, 1.0)
	p, importances := gbm.PredictProba([]float64{0})
	if p < 0 || p > 1 {
		t.Errorf("PredictProba on an empty-trained model returned an out-of-range probability: %v", p)
	}
	if len(importances) != 1 {
		t.Errorf("expected one importance slot per feature, got %d", len(importances))
	}
}
