// Package storage backs the persistence invariants of §6.2: per-miner
// baseline rows, the problem_events lifecycle table, the outbox, the model
// registry, and the distributed scheduler lock.
package storage

import (
	"context"
	"time"

	"github.com/minerwatch/fhpep/model"
)

// Store is the persistence contract every engine component depends on. It
// is implemented by *PGStore; tests use a fake in-memory implementation
// (see engine's *_test.go files) so component logic never needs a live
// database to verify.
type Store interface {
	// Baselines
	GetBaseline(ctx context.Context, minerID, metric string) (*model.MinerBaselineState, error)
	UpsertBaseline(ctx context.Context, row model.MinerBaselineState) error
	GetBaselines(ctx context.Context, minerID string) (map[string]model.MinerBaselineState, error)
	AllBaselines(ctx context.Context) ([]model.MinerBaselineState, error)

	// Events
	GetActiveEvent(ctx context.Context, dedupKey string) (*model.ProblemEvent, error)
	GetResolvedWithinCooldown(ctx context.Context, dedupKey string, cooldown time.Duration) (*model.ProblemEvent, error)
	InsertEvent(ctx context.Context, e model.ProblemEvent) error
	UpdateEvent(ctx context.Context, e model.ProblemEvent) error
	ActiveEvents(ctx context.Context, siteID *int, minerID *string) ([]model.ProblemEvent, error)
	SuppressMiner(ctx context.Context, minerID string, until *time.Time, maintenance bool) error
	UnsuppressMiner(ctx context.Context, minerID string) error
	IsMinerSuppressed(ctx context.Context, minerID string, now time.Time) (bool, error)
	HadCriticalEventSince(ctx context.Context, minerID string, since time.Time) (bool, error)

	// Outbox
	WriteOutbox(ctx context.Context, rec model.OutboxRecord) error
	SiteOutboxCounts(ctx context.Context, siteID int, since time.Time) (notifications int, tickets int, err error)
	DrainOutbox(ctx context.Context, limit int) ([]model.OutboxRecord, error)
	MarkOutboxDelivered(ctx context.Context, id string) error

	// ML model registry
	ActiveModel(ctx context.Context, modelName string) (*model.ModelRegistryRow, error)
	InsertModel(ctx context.Context, row model.ModelRegistryRow) error
	DeactivateModels(ctx context.Context, modelName string) error
	ActiveVersion(ctx context.Context, modelName string) (string, error)

	// Scheduler lock
	AcquireLock(ctx context.Context, lockKey, holderID string, lease time.Duration) (bool, error)
	RenewLock(ctx context.Context, lockKey, holderID string, lease time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey, holderID string) error

	Close()
}

// ErrNoRows is a shared "no rows" sentinel for Store implementations.
// PGStore does not return it: its single-row lookups report a miss as a nil
// result with a nil error.
var ErrNoRows = errNoRows{}

type errNoRows struct{}

func (errNoRows) Error() string { return "storage: no rows" }
