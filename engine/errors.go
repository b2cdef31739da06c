package engine

import "errors"

// Error kinds named in §7. Each carries the stated recovery policy at its
// call site; these are sentinels for errors.Is, not exhaustive types, since
// most wrap an underlying cause.
var (
	// ErrTelemetrySchema: an input record lacks miner_id or site_id.
	// Recovered by skipping the record.
	ErrTelemetrySchema = errors.New("fhpep: telemetry record missing required field")

	// ErrBaselineWrite: an upsert failed. Recovered by rolling back the
	// per-miner change; the batch continues.
	ErrBaselineWrite = errors.New("fhpep: baseline write failed")

	// ErrClustering: k-means failed or produced degenerate clusters.
	// Recovered by marking all group members unknown.
	ErrClustering = errors.New("fhpep: clustering failed")

	// ErrCacheMiss: FleetBaseliner asked for an uncached group. Recovered by
	// returning robust_z = 0 and an empty peer block.
	ErrCacheMiss = errors.New("fhpep: peer group not cached")

	// ErrEventRace: dedup_key uniqueness was violated on insert. Recovered
	// by re-reading the active event and applying as an update.
	ErrEventRace = errors.New("fhpep: event insert raced with a concurrent create")

	// ErrLockLost: the orchestrator's distributed lock expired mid-cycle.
	// Fatal to the cycle: abort any pending commits.
	ErrLockLost = errors.New("fhpep: scheduler lock lost")

	// ErrModelLoad: the active model blob is missing or corrupt. Recovered
	// by predicting 0.0 for all miners.
	ErrModelLoad = errors.New("fhpep: model load failed")

	// ErrOutboxUnavailable: the outbox table is unreachable. Recovered by
	// falling back to the JSONL log; P0/P1 are never dropped silently.
	ErrOutboxUnavailable = errors.New("fhpep: outbox unavailable")
)
