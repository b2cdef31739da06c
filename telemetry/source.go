// Package telemetry abstracts where per-cycle miner readings come from,
// modeled on a collector.Collector/Registry split: one live
// implementation that talks to the fleet, one static implementation for
// tests and offline replay.
package telemetry

import (
	"context"

	"github.com/minerwatch/fhpep/model"
)

// Source fetches the latest normalized telemetry batch: one record per
// miner with age within the orchestrator's cycle window (§4.8 step 2).
type Source interface {
	FetchLive(ctx context.Context) ([]model.TelemetryRecord, error)
}
