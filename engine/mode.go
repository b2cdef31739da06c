package engine

import (
	"math"
	"math/rand"
	"sort"

	"github.com/minerwatch/fhpep/model"
	"github.com/minerwatch/fhpep/util"
)

// modeFeatureNames are the three features used to cluster operating modes
// (§4.2 step 2).
var modeFeatureNames = []string{"hashrate_ratio", "temp_max", "efficiency"}

// ModeInferer infers each miner's operating mode (eco/normal/perf/unknown)
// within its peer group, so degradation comparisons stay apples-to-apples.
type ModeInferer struct {
	seed int64
}

// NewModeInferer creates an inferer with a fixed clustering seed (§4.2
// "Determinism contract" — re-running on the same input must be stable).
func NewModeInferer() *ModeInferer {
	return &ModeInferer{seed: 42}
}

// ModeAssignment is one miner's inferred mode and confidence.
type ModeAssignment struct {
	MinerID    string
	Mode       string
	Confidence float64
}

// PeerGroupKeyBase groups members for clustering — (site, model, firmware),
// deliberately without a mode segment since mode is what this step computes
// (resolves the group-key ambiguity noted in DESIGN.md: the builder used
// here only ever omits mode, it never has one to omit).
func PeerGroupKeyBase(siteID int, modelName, firmware string) string {
	return PeerGroupKey(siteID, modelName, firmware, "")
}

// InferModes runs §4.2's algorithm over every peer group found in features.
func (m *ModeInferer) InferModes(features []model.FeatureVector) map[string]ModeAssignment {
	groups := make(map[string][]model.FeatureVector)
	for _, fv := range features {
		key := PeerGroupKeyBase(fv.SiteID, fv.Model, fv.Firmware)
		groups[key] = append(groups[key], fv)
	}

	out := make(map[string]ModeAssignment, len(features))
	for _, members := range groups {
		for minerID, assignment := range m.clusterGroup(members) {
			out[minerID] = assignment
		}
	}
	return out
}

func (m *ModeInferer) clusterGroup(members []model.FeatureVector) map[string]ModeAssignment {
	out := make(map[string]ModeAssignment, len(members))

	if len(members) < 5 {
		for _, fv := range members {
			out[fv.MinerID] = ModeAssignment{MinerID: fv.MinerID, Mode: "unknown", Confidence: 0}
		}
		return out
	}

	// Build the feature matrix; members lacking any valid feature get unknown.
	type row = rowHolder
	var matrix []row
	for _, fv := range members {
		vec, ok := modeFeatureVector(fv)
		if !ok {
			out[fv.MinerID] = ModeAssignment{MinerID: fv.MinerID, Mode: "unknown", Confidence: 0}
			continue
		}
		matrix = append(matrix, row{minerID: fv.MinerID, vec: vec})
	}

	n := len(matrix)
	if n < 5 {
		for _, r := range matrix {
			out[r.minerID] = ModeAssignment{MinerID: r.minerID, Mode: "unknown", Confidence: 0}
		}
		return out
	}

	scaled := standardize(matrixOf(matrix))

	k := n / 3
	if k > 3 {
		k = 3
	}
	if k < 1 {
		k = 1
	}
	if k == 1 {
		for _, r := range matrix {
			out[r.minerID] = ModeAssignment{MinerID: r.minerID, Mode: "unknown", Confidence: 0}
		}
		return out
	}

	assignments, centroids, ok := kmeans(scaled, k, m.seed)
	if !ok {
		for _, r := range matrix {
			out[r.minerID] = ModeAssignment{MinerID: r.minerID, Mode: "unknown", Confidence: 0}
		}
		return out
	}

	// Rank clusters by mean hashrate_ratio (feature index 0) ascending, then
	// label eco/normal/perf (or eco/perf for k=2).
	clusterMeanHashrate := make([]float64, k)
	clusterCounts := make([]int, k)
	for i, c := range assignments {
		clusterMeanHashrate[c] += matrix[i].vec[0]
		clusterCounts[c]++
	}
	for c := range clusterMeanHashrate {
		if clusterCounts[c] > 0 {
			clusterMeanHashrate[c] /= float64(clusterCounts[c])
		}
	}
	order := make([]int, k)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return clusterMeanHashrate[order[a]] < clusterMeanHashrate[order[b]] })

	labels := modeLabelsFor(k)
	clusterLabel := make(map[int]string, k)
	for rank, clusterIdx := range order {
		clusterLabel[clusterIdx] = labels[rank]
	}

	// Confidence: clamp(1 - d_self/d_max_in_cluster, 0.3, 1.0).
	maxDistInCluster := make([]float64, k)
	dists := make([]float64, n)
	for i, vec := range scaled {
		c := assignments[i]
		d := util.EuclideanDistance(vec, centroids[c])
		dists[i] = d
		if d > maxDistInCluster[c] {
			maxDistInCluster[c] = d
		}
	}

	for i, r := range matrix {
		c := assignments[i]
		conf := 1.0
		if maxDistInCluster[c] > 0 {
			conf = 1 - dists[i]/maxDistInCluster[c]
		}
		conf = util.Clamp(conf, 0.3, 1.0)
		out[r.minerID] = ModeAssignment{MinerID: r.minerID, Mode: clusterLabel[c], Confidence: conf}
	}
	return out
}

func modeLabelsFor(k int) []string {
	switch k {
	case 2:
		return []string{"eco", "perf"}
	default:
		return []string{"eco", "normal", "perf"}
	}
}

func modeFeatureVector(fv model.FeatureVector) ([]float64, bool) {
	vec := make([]float64, len(modeFeatureNames))
	any := false
	for i, name := range modeFeatureNames {
		if v := fv.Value(name); v != nil {
			vec[i] = *v
			any = true
		} else {
			vec[i] = 0
		}
	}
	return vec, any
}

type rowHolder = struct {
	minerID string
	vec     []float64
}

func matrixOf(rows []rowHolder) [][]float64 {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		out[i] = r.vec
	}
	return out
}

// standardize z-scales each column independently (StandardScaler behavior).
func standardize(matrix [][]float64) [][]float64 {
	if len(matrix) == 0 {
		return matrix
	}
	cols := len(matrix[0])
	out := make([][]float64, len(matrix))
	for i := range out {
		out[i] = make([]float64, cols)
	}
	for c := 0; c < cols; c++ {
		col := make([]float64, len(matrix))
		for i := range matrix {
			col[i] = matrix[i][c]
		}
		mean := util.Mean(col)
		variance := 0.0
		for _, v := range col {
			d := v - mean
			variance += d * d
		}
		variance /= float64(len(col))
		std := 1.0
		if variance > 0 {
			std = math.Sqrt(variance)
		}
		for i := range matrix {
			out[i][c] = (matrix[i][c] - mean) / std
		}
	}
	return out
}

// kmeans runs deterministic (fixed-seed) Lloyd's-algorithm k-means. Returns
// per-point cluster assignments and final centroids, or ok=false on a
// degenerate input (ErrClustering recovery path — callers fall back to
// "unknown" for every member).
func kmeans(points [][]float64, k int, seed int64) ([]int, [][]float64, bool) {
	n := len(points)
	if n == 0 || k <= 0 || k > n {
		return nil, nil, false
	}
	dims := len(points[0])
	rng := rand.New(rand.NewSource(seed))

	// k-means++-style seeding kept simple: deterministic shuffle of indices,
	// take the first k as initial centroids.
	order := rng.Perm(n)
	centroids := make([][]float64, k)
	for i := 0; i < k; i++ {
		centroids[i] = append([]float64(nil), points[order[i]]...)
	}

	assignments := make([]int, n)
	const maxIters = 50
	for iter := 0; iter < maxIters; iter++ {
		changed := false
		for i, p := range points {
			best, bestDist := 0, util.EuclideanDistance(p, centroids[0])
			for c := 1; c < k; c++ {
				d := util.EuclideanDistance(p, centroids[c])
				if d < bestDist {
					best, bestDist = c, d
				}
			}
			if assignments[i] != best {
				changed = true
			}
			assignments[i] = best
		}

		newCentroids := make([][]float64, k)
		counts := make([]int, k)
		for c := range newCentroids {
			newCentroids[c] = make([]float64, dims)
		}
		for i, p := range points {
			c := assignments[i]
			counts[c]++
			for d := 0; d < dims; d++ {
				newCentroids[c][d] += p[d]
			}
		}
		degenerate := false
		for c := range newCentroids {
			if counts[c] == 0 {
				degenerate = true
				newCentroids[c] = centroids[c]
				continue
			}
			for d := 0; d < dims; d++ {
				newCentroids[c][d] /= float64(counts[c])
			}
		}
		centroids = newCentroids
		if degenerate && iter == maxIters-1 {
			return nil, nil, false
		}
		if !changed {
			break
		}
	}
	return assignments, centroids, true
}
