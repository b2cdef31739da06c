package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/minerwatch/fhpep/model"
)

// modelFeatureNames are the baseline-derived inputs: EWMA values and
// variances for every tracked metric, sample_count, and mode_encoded
// (§4.7 "Features come from baselines only").
func modelFeatureNames() []string {
	names := make([]string, 0, len(model.MetricNames)*2+2)
	for _, m := range model.MetricNames {
		names = append(names, m+"_ewma", m+"_variance")
	}
	names = append(names, "sample_count", "mode_encoded")
	return names
}

// WeakSupervisorStore is the subset of storage.Store WeakSupervisor depends on.
type WeakSupervisorStore interface {
	AllBaselines(ctx context.Context) ([]model.MinerBaselineState, error)
	ActiveModel(ctx context.Context, modelName string) (*model.ModelRegistryRow, error)
	InsertModel(ctx context.Context, row model.ModelRegistryRow) error
	DeactivateModels(ctx context.Context, modelName string) error
}

// EventLabelSource answers "did this miner have a P0/P1 event start in the
// last 24h", the weak label (§4.7). Implemented against the events table by
// storage.PGStore; kept as its own narrow interface to keep label
// construction time-leakage-free and independently testable.
type EventLabelSource interface {
	HadCriticalEventSince(ctx context.Context, minerID string, since time.Time) (bool, error)
}

const weakSupervisorModelName = "p_fail_24h"

// WeakSupervisor trains and serves the failure-probability classifier
// (§4.7). It degrades gracefully: with no active model it predicts 0.0 for
// everyone rather than failing the pipeline.
type WeakSupervisor struct {
	store    WeakSupervisorStore
	labels   EventLabelSource
	blobDir  string
	minSamples int
	minPositive int
}

func NewWeakSupervisor(store WeakSupervisorStore, labels EventLabelSource, blobDir string) *WeakSupervisor {
	return &WeakSupervisor{store: store, labels: labels, blobDir: blobDir, minSamples: 50, minPositive: 5}
}

// TrainResult reports what Train did, for logging/metrics.
type TrainResult struct {
	Status  string // "trained" | "insufficient_data"
	Version string
	Metrics model.TrainingMetrics
}

// Train builds weak-labeled training samples from the current baseline
// state and the event history, then fits a fresh model if the gate passes
// (§4.7 "Training gate").
func (w *WeakSupervisor) Train(ctx context.Context) (TrainResult, error) {
	baselines, err := w.store.AllBaselines(ctx)
	if err != nil {
		return TrainResult{}, err
	}

	samples, err := w.buildTrainingSamples(ctx, baselines)
	if err != nil {
		return TrainResult{}, err
	}

	positiveCount := 0
	for _, s := range samples {
		positiveCount += s.Label
	}
	if len(samples) < w.minSamples || positiveCount < w.minPositive {
		return TrainResult{Status: "insufficient_data"}, nil
	}

	names := modelFeatureNames()
	x := make([][]float64, len(samples))
	y := make([]int, len(samples))
	for i, s := range samples {
		row := make([]float64, len(names))
		for j, n := range names {
			row[j] = s.Features[n] // missing → zero value (§4.7)
		}
		x[i] = row
		y[i] = s.Label
	}

	negativeCount := len(samples) - positiveCount
	scalePosWeight := 1.0
	if positiveCount > 0 {
		scalePosWeight = float64(negativeCount) / float64(positiveCount)
	}

	gbm := trainGBM(names, x, y, 50, 0.1, scalePosWeight)
	metrics := evaluateOnTrainingSet(gbm, x, y)

	version := time.Now().UTC().Format("20060102_150405")
	blob, err := marshalGOBModel(gbm)
	if err != nil {
		return TrainResult{}, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}

	blobPath := filepath.Join(w.blobDir, weakSupervisorModelName+"_"+version+".gob")
	if err := os.MkdirAll(w.blobDir, 0o755); err != nil {
		return TrainResult{}, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	tmpPath := blobPath + ".tmp"
	if err := os.WriteFile(tmpPath, blob, 0o644); err != nil {
		return TrainResult{}, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	if err := os.Rename(tmpPath, blobPath); err != nil {
		return TrainResult{}, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}

	if err := w.store.DeactivateModels(ctx, weakSupervisorModelName); err != nil {
		return TrainResult{}, err
	}
	row := model.ModelRegistryRow{
		ModelName:   weakSupervisorModelName,
		Version:     version,
		ModelType:   "gbm_stump_ensemble",
		MetricsJSON: metricsToMap(metrics),
		BlobPath:    blobPath,
		IsActive:    true,
		TrainedAt:   time.Now(),
		SampleCount: len(samples),
		FeatureNames: names,
	}
	if err := w.store.InsertModel(ctx, row); err != nil {
		return TrainResult{}, err
	}

	return TrainResult{Status: "trained", Version: version, Metrics: metrics}, nil
}

// encodeMode maps the inferred-mode label to the {-1,0,1,2} encoding named
// in §4.7: -1 unknown, 0 eco, 1 normal, 2 perf.
func encodeMode(mode string) float64 {
	switch mode {
	case "eco":
		return 0
	case "normal":
		return 1
	case "perf":
		return 2
	default:
		return -1
	}
}

func anyModeOf(metrics map[string]model.MinerBaselineState) string {
	for _, row := range metrics {
		if row.InferredMode != "" {
			return row.InferredMode
		}
	}
	return "unknown"
}

func (w *WeakSupervisor) buildTrainingSamples(ctx context.Context, baselines []model.MinerBaselineState) ([]model.TrainingSample, error) {
	byMiner := make(map[string]map[string]model.MinerBaselineState)
	for _, b := range baselines {
		if byMiner[b.MinerID] == nil {
			byMiner[b.MinerID] = make(map[string]model.MinerBaselineState)
		}
		byMiner[b.MinerID][b.MetricName] = b
	}

	since := time.Now().Add(-24 * time.Hour)
	var samples []model.TrainingSample
	for minerID, metrics := range byMiner {
		features := make(map[string]float64)
		for metric, row := range metrics {
			features[metric+"_ewma"] = row.EWMAValue
			features[metric+"_variance"] = row.EWMAVariance
			features["sample_count"] = float64(row.SampleCount)
		}
		features["mode_encoded"] = encodeMode(anyModeOf(metrics))

		label := 0
		if w.labels != nil {
			had, err := w.labels.HadCriticalEventSince(ctx, minerID, since)
			if err != nil {
				log.Printf("fhpep: label lookup failed for miner=%s: %v", minerID, err)
				continue
			}
			if had {
				label = 1
			}
		}
		samples = append(samples, model.TrainingSample{MinerID: minerID, Features: features, Label: label})
	}
	return samples, nil
}

func evaluateOnTrainingSet(gbm *GBMModel, x [][]float64, y []int) model.TrainingMetrics {
	var tp, fp, tn, fn int
	scores := make([]float64, len(x))
	for i, row := range x {
		p, _ := gbm.PredictProba(row)
		scores[i] = p
		predicted := 0
		if p >= 0.5 {
			predicted = 1
		}
		switch {
		case predicted == 1 && y[i] == 1:
			tp++
		case predicted == 1 && y[i] == 0:
			fp++
		case predicted == 0 && y[i] == 0:
			tn++
		default:
			fn++
		}
	}

	precision := safeDiv(float64(tp), float64(tp+fp))
	recall := safeDiv(float64(tp), float64(tp+fn))
	f1 := 0.0
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}

	return model.TrainingMetrics{
		AUC:           computeAUC(scores, y),
		Precision:     precision,
		Recall:        recall,
		F1:            f1,
		SampleCount:   len(x),
		PositiveCount: tp + fn,
	}
}

func safeDiv(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}

// computeAUC computes the rank-based AUC (Mann-Whitney U statistic), exact
// and tie-aware, without needing a full ROC sweep.
func computeAUC(scores []float64, labels []int) float64 {
	type scored struct {
		score float64
		label int
	}
	pairs := make([]scored, len(scores))
	for i := range scores {
		pairs[i] = scored{score: scores[i], label: labels[i]}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })

	var positives, negatives int
	for _, p := range pairs {
		if p.label == 1 {
			positives++
		} else {
			negatives++
		}
	}
	if positives == 0 || negatives == 0 {
		return 0.5
	}

	// Assign average ranks for ties.
	ranks := make([]float64, len(pairs))
	i := 0
	for i < len(pairs) {
		j := i
		for j < len(pairs) && pairs[j].score == pairs[i].score {
			j++
		}
		avgRank := float64(i+j+1) / 2.0
		for k := i; k < j; k++ {
			ranks[k] = avgRank
		}
		i = j
	}

	var rankSumPos float64
	for i, p := range pairs {
		if p.label == 1 {
			rankSumPos += ranks[i]
		}
	}

	u := rankSumPos - float64(positives*(positives+1))/2.0
	return u / float64(positives*negatives)
}

func metricsToMap(m model.TrainingMetrics) map[string]any {
	return map[string]any{
		"auc": m.AUC, "precision": m.Precision, "recall": m.Recall, "f1": m.F1,
		"sample_count": m.SampleCount, "positive_count": m.PositiveCount,
	}
}

// Predict implements §4.7's predict operation with graceful degradation.
func (w *WeakSupervisor) Predict(ctx context.Context, batch map[string]map[string]model.MinerBaselineState) (map[string]model.MLPrediction, error) {
	active, err := w.store.ActiveModel(ctx, weakSupervisorModelName)
	if err != nil {
		return nil, err
	}
	if active == nil {
		out := make(map[string]model.MLPrediction, len(batch))
		for minerID := range batch {
			out[minerID] = model.MLPrediction{PFail24h: 0.0, ModelVersion: "none"}
		}
		return out, nil
	}

	blob, err := os.ReadFile(active.BlobPath)
	if err != nil {
		log.Printf("fhpep: model blob load failed path=%s: %v", active.BlobPath, err)
		out := make(map[string]model.MLPrediction, len(batch))
		for minerID := range batch {
			out[minerID] = model.MLPrediction{PFail24h: 0.0, ModelVersion: "none"}
		}
		return out, nil
	}
	gbm, err := unmarshalGOBModel(blob)
	if err != nil {
		log.Printf("fhpep: model blob decode failed path=%s: %v", active.BlobPath, err)
		out := make(map[string]model.MLPrediction, len(batch))
		for minerID := range batch {
			out[minerID] = model.MLPrediction{PFail24h: 0.0, ModelVersion: "none"}
		}
		return out, nil
	}

	names := modelFeatureNames()
	out := make(map[string]model.MLPrediction, len(batch))
	for minerID, metrics := range batch {
		row := make([]float64, len(names))
		var sampleCount int
		for _, baseline := range metrics {
			if baseline.SampleCount > sampleCount {
				sampleCount = baseline.SampleCount
			}
		}
		for i, n := range names {
			switch n {
			case "sample_count":
				row[i] = float64(sampleCount)
			case "mode_encoded":
				row[i] = encodeMode(anyModeOf(metrics))
			default:
				for metric, baseline := range metrics {
					if n == metric+"_ewma" {
						row[i] = baseline.EWMAValue
					}
					if n == metric+"_variance" {
						row[i] = baseline.EWMAVariance
					}
				}
			}
		}
		p, importances := gbm.PredictProba(row)
		out[minerID] = model.MLPrediction{
			PFail24h:     p,
			TopFeatures:  topNFeatures(names, importances, 3),
			ModelVersion: active.Version,
		}
	}
	return out, nil
}

func topNFeatures(names []string, importances []float64, n int) []model.FeatureImportance {
	type pair struct {
		name  string
		value float64
	}
	pairs := make([]pair, len(names))
	for i := range names {
		pairs[i] = pair{name: names[i], value: importances[i]}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].value > pairs[j].value })
	if n > len(pairs) {
		n = len(pairs)
	}
	out := make([]model.FeatureImportance, n)
	for i := 0; i < n; i++ {
		out[i] = model.FeatureImportance{Name: pairs[i].name, Importance: pairs[i].value}
	}
	return out
}
