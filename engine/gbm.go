package engine

import (
	"bytes"
	"encoding/gob"
	"math"
	"sort"
)

// stump is a single-split decision stump: the weak learner of the ensemble.
// No ML library exists anywhere in the reference corpus this repo is grounded
// on, so the classifier itself — unlike sqrt/median/percentile, which the
// standard library already provides — is domain logic built from scratch,
// same as the k-means implementation in mode.go.
type stump struct {
	FeatureIndex int
	Threshold    float64
	LeftValue    float64
	RightValue   float64
}

func (s stump) predict(x []float64) float64 {
	if x[s.FeatureIndex] <= s.Threshold {
		return s.LeftValue
	}
	return s.RightValue
}

// GBMModel is a gradient-boosted stump ensemble for binary classification,
// trained with a logistic loss (§4.7 "Gradient-boosted tree classifier tuned
// for AUC"). Each depth-1 tree splits on one feature, so the ensemble is
// additive in its features (it models no feature interactions) and is
// trivial to serialize.
type GBMModel struct {
	Features     []string
	Stumps       []stump
	LearningRate float64
	InitLogOdds  float64
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

// trainGBM fits nRounds stumps via gradient boosting on logistic loss.
// scalePosWeight reweights positive-class gradients to counter class
// imbalance (§4.7).
func trainGBM(features []string, x [][]float64, y []int, nRounds int, learningRate, scalePosWeight float64) *GBMModel {
	n := len(x)
	if n == 0 || nRounds <= 0 {
		return &GBMModel{Features: features, LearningRate: learningRate}
	}

	posCount, negCount := 0, 0
	for _, label := range y {
		if label == 1 {
			posCount++
		} else {
			negCount++
		}
	}
	initP := float64(posCount) / float64(n)
	if initP <= 0 {
		initP = 0.01
	}
	if initP >= 1 {
		initP = 0.99
	}
	initLogOdds := math.Log(initP / (1 - initP))

	pred := make([]float64, n)
	for i := range pred {
		pred[i] = initLogOdds
	}

	model := &GBMModel{Features: features, LearningRate: learningRate, InitLogOdds: initLogOdds}

	for round := 0; round < nRounds; round++ {
		gradients := make([]float64, n)
		weights := make([]float64, n)
		for i := range x {
			p := sigmoid(pred[i])
			target := float64(y[i])
			w := 1.0
			if y[i] == 1 {
				w = scalePosWeight
			}
			gradients[i] = w * (target - p)
			weights[i] = w * p * (1 - p)
		}

		best := fitStump(x, gradients, weights, len(features))
		if best == nil {
			break
		}
		model.Stumps = append(model.Stumps, *best)
		for i, row := range x {
			pred[i] += learningRate * best.predict(row)
		}
	}

	return model
}

// fitStump finds the single-feature, single-threshold split minimizing the
// unweighted squared error of the pseudo-residuals against the leaf values;
// each leaf value is the residual sum divided by the weight sum.
func fitStump(x [][]float64, gradients, weights []float64, nFeatures int) *stump {
	n := len(x)
	if n == 0 {
		return nil
	}

	var best *stump
	bestLoss := math.Inf(1)

	for f := 0; f < nFeatures; f++ {
		type pair struct {
			value float64
			idx   int
		}
		sorted := make([]pair, n)
		for i := range x {
			sorted[i] = pair{value: x[i][f], idx: i}
		}
		sort.Slice(sorted, func(a, b int) bool { return sorted[a].value < sorted[b].value })

		for cut := 1; cut < n; cut++ {
			if sorted[cut].value == sorted[cut-1].value {
				continue
			}
			threshold := (sorted[cut].value + sorted[cut-1].value) / 2

			var leftSum, leftW, rightSum, rightW float64
			for i := 0; i < cut; i++ {
				idx := sorted[i].idx
				leftSum += gradients[idx]
				leftW += weights[idx]
			}
			for i := cut; i < n; i++ {
				idx := sorted[i].idx
				rightSum += gradients[idx]
				rightW += weights[idx]
			}

			leftVal := weightedLeafValue(leftSum, leftW)
			rightVal := weightedLeafValue(rightSum, rightW)

			loss := 0.0
			for i := 0; i < cut; i++ {
				idx := sorted[i].idx
				d := gradients[idx] - leftVal
				loss += d * d
			}
			for i := cut; i < n; i++ {
				idx := sorted[i].idx
				d := gradients[idx] - rightVal
				loss += d * d
			}

			if loss < bestLoss {
				bestLoss = loss
				best = &stump{FeatureIndex: f, Threshold: threshold, LeftValue: leftVal, RightValue: rightVal}
			}
		}
	}
	return best
}

func weightedLeafValue(gradSum, weightSum float64) float64 {
	if weightSum <= 1e-9 {
		return 0
	}
	return gradSum / weightSum
}

// PredictProba returns P(y=1|x) and a per-feature importance score derived
// from how often/strongly each feature was split on (gain-proxy: total
// |leaf delta| contributed by splits on that feature).
func (m *GBMModel) PredictProba(x []float64) (float64, []float64) {
	logOdds := m.InitLogOdds
	importances := make([]float64, len(m.Features))
	for _, s := range m.Stumps {
		contribution := m.LearningRate * s.predict(x)
		logOdds += contribution
		importances[s.FeatureIndex] += math.Abs(contribution)
	}
	return sigmoid(logOdds), importances
}

// marshalGOB/unmarshalGOBModel serialize the model blob (§4.7 "write model
// blob to durable path"). gob is the standard library's native
// Go-to-Go serialization and needs no schema, unlike JSON for this nested
// float/struct shape.
func marshalGOBModel(m *GBMModel) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshalGOBModel(blob []byte) (*GBMModel, error) {
	var m GBMModel
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}
