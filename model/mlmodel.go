package model

import "time"

// ModelRegistryRow is one row of ml_model_registry (§3.8).
type ModelRegistryRow struct {
	ModelName    string
	Version      string
	ModelType    string
	MetricsJSON  map[string]any
	BlobPath     string
	IsActive     bool
	TrainedAt    time.Time
	SampleCount  int
	FeatureNames []string
}

// FeatureImportance is one entry of a MLPrediction's top-3 feature list.
type FeatureImportance struct {
	Name       string  `json:"name"`
	Importance float64 `json:"importance"`
}

// MLPrediction is the per-miner ml_json block (§3.5, §4.7).
type MLPrediction struct {
	PFail24h     float64             `json:"p_fail_24h"`
	TopFeatures  []FeatureImportance `json:"top_features"`
	ModelVersion string              `json:"model_version"`
}

// TrainingSample is one row built by WeakSupervisor's label builder: the
// baseline-derived feature vector for a miner, paired with its weak label.
type TrainingSample struct {
	MinerID  string
	Features map[string]float64
	Label    int // 1 if a P0/P1 event fired in the last 24h, else 0
}

// TrainingMetrics is the training-set-evaluated metrics block recorded on a
// successful ModelRegistryRow.
type TrainingMetrics struct {
	AUC           float64 `json:"auc"`
	Precision     float64 `json:"precision"`
	Recall        float64 `json:"recall"`
	F1            float64 `json:"f1"`
	SampleCount   int     `json:"sample_count"`
	PositiveCount int     `json:"positive_count"`
}
