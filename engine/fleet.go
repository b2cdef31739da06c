package engine

import (
	"strconv"
	"sync"
	"time"

	"github.com/minerwatch/fhpep/model"
	"github.com/minerwatch/fhpep/util"
)

// PeerGroupKey builds group_key = site:model:firmware[:mode]. The mode
// segment is appended only when mode is neither empty nor "unknown" (§4.3;
// resolves the ambiguity recorded in DESIGN.md between the two Python
// originals' inconsistent builders — this is the single builder FHPEP uses
// everywhere a group key is needed).
func PeerGroupKey(siteID int, modelName, firmware, mode string) string {
	key := strconv.Itoa(siteID) + ":" + modelName + ":" + firmware
	if mode != "" && mode != "unknown" {
		key += ":" + mode
	}
	return key
}

// FleetBaseliner provides robust (median/MAD) peer-group context. The cache
// is in-memory, TTL'd, and rebuilt fresh each cycle (§4.3) — intentionally
// the one piece of process-local mutable state this repo carries (§9).
type FleetBaseliner struct {
	mu    sync.RWMutex
	cache map[string]model.PeerGroupStats
	ttl   time.Duration
}

// NewFleetBaseliner creates a baseliner with the given cache TTL (§6.4
// FLEET_CACHE_TTL_SECONDS, default 300).
func NewFleetBaseliner(ttl time.Duration) *FleetBaseliner {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &FleetBaseliner{cache: make(map[string]model.PeerGroupStats), ttl: ttl}
}

// ComputeAllGroups rebuilds peer-group stats for every (group, metric)
// combination found in features, replacing the cache wholesale (§4.8 step 6
// calls this once per cycle).
func (f *FleetBaseliner) ComputeAllGroups(features []model.FeatureVector) {
	groups := make(map[string][]model.FeatureVector)
	for _, fv := range features {
		key := PeerGroupKey(fv.SiteID, fv.Model, fv.Firmware, fv.InferredMode)
		groups[key] = append(groups[key], fv)
	}

	now := time.Now()
	next := make(map[string]model.PeerGroupStats, len(groups))
	for key, members := range groups {
		metrics := make(map[string]model.PeerMetricStats)
		for _, metric := range model.MetricNames {
			var samples []float64
			for _, fv := range members {
				if v := fv.Value(metric); v != nil {
					samples = append(samples, *v)
				}
			}
			if len(samples) == 0 {
				continue
			}
			stats := model.NewPeerMetricStats(samples)
			stats.Median = util.Median(samples)
			stats.MAD = util.MAD(samples)
			stats.P10 = util.Percentile(samples, 10)
			stats.P25 = util.Percentile(samples, 25)
			stats.P75 = util.Percentile(samples, 75)
			stats.P90 = util.Percentile(samples, 90)
			stats.Count = len(samples)
			metrics[metric] = stats
		}
		next[key] = model.PeerGroupStats{GroupKey: key, Metrics: metrics, ComputedAt: now}
	}

	f.mu.Lock()
	f.cache = next
	f.mu.Unlock()
}

// Get returns the cached stats for a group, honoring TTL. ok is false on a
// cache miss or stale entry (ErrCacheMiss recovery: callers return
// robust_z = 0 and an empty peer block).
func (f *FleetBaseliner) Get(groupKey string) (model.PeerGroupStats, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats, ok := f.cache[groupKey]
	if !ok {
		return model.PeerGroupStats{}, false
	}
	if time.Since(stats.ComputedAt) > f.ttl {
		return model.PeerGroupStats{}, false
	}
	return stats, true
}

// InvalidateCache clears one group, or the whole cache when key is "".
func (f *FleetBaseliner) InvalidateCache(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key == "" {
		f.cache = make(map[string]model.PeerGroupStats)
		return
	}
	delete(f.cache, key)
}

// ComputeRobustZ computes (value-median)/(mad*1.4826) against a group's
// cached metric stats. Returns 0 if the metric isn't in the group.
func (f *FleetBaseliner) ComputeRobustZ(groupKey, metric string, value float64) float64 {
	stats, ok := f.Get(groupKey)
	if !ok {
		return 0
	}
	m, ok := stats.Metrics[metric]
	if !ok {
		return 0
	}
	return util.RobustZ(value, m.Median, m.MAD)
}

// BuildPeerMetrics returns the per-miner comparison block for every metric
// present both on fv and in the group's cache (§4.3 buildPeerMetrics).
func (f *FleetBaseliner) BuildPeerMetrics(fv model.FeatureVector) map[string]model.PeerMetricBlock {
	groupKey := PeerGroupKey(fv.SiteID, fv.Model, fv.Firmware, fv.InferredMode)
	stats, ok := f.Get(groupKey)
	if !ok {
		return map[string]model.PeerMetricBlock{}
	}

	out := make(map[string]model.PeerMetricBlock)
	for _, metric := range model.MetricNames {
		v := fv.Value(metric)
		if v == nil {
			continue
		}
		m, ok := stats.Metrics[metric]
		if !ok {
			continue
		}
		out[metric] = model.PeerMetricBlock{
			Value:          *v,
			GroupMedian:    m.Median,
			RobustZ:        util.RobustZ(*v, m.Median, m.MAD),
			PercentileRank: util.PercentileRank(m.RawValues(), *v),
			GroupP10:       m.P10,
			GroupP90:       m.P90,
		}
	}
	return out
}
