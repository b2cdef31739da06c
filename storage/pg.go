package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/minerwatch/fhpep/model"
)

// uniqueViolation is the Postgres SQLSTATE for a unique_violation, used to
// detect the dedup_key race EventRaceError recovers from (§7).
const uniqueViolation = "23505"

// PGStore is the pgx/v5-backed Store implementation.
type PGStore struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and applies migrations.
func Open(ctx context.Context, databaseURL string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	s := &PGStore{pool: pool}
	if err := Migrate(ctx, s); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) Close() { s.pool.Close() }

// IsUniqueViolation reports whether err is a Postgres unique_violation,
// the signal EventEngine retries a create-as-update on (§4.5, §7).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}

func (s *PGStore) GetBaseline(ctx context.Context, minerID, metric string) (*model.MinerBaselineState, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT miner_id, site_id, metric_name, ewma_value, ewma_variance, sample_count,
		       last_raw_value, last_residual, last_z_score, inferred_mode, mode_confidence, updated_at
		FROM miner_baseline_state WHERE miner_id = $1 AND metric_name = $2`, minerID, metric)
	var b model.MinerBaselineState
	err := row.Scan(&b.MinerID, &b.SiteID, &b.MetricName, &b.EWMAValue, &b.EWMAVariance, &b.SampleCount,
		&b.LastRawValue, &b.LastResidual, &b.LastZScore, &b.InferredMode, &b.ModeConfidence, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PGStore) UpsertBaseline(ctx context.Context, row model.MinerBaselineState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO miner_baseline_state
			(miner_id, site_id, metric_name, ewma_value, ewma_variance, sample_count,
			 last_raw_value, last_residual, last_z_score, inferred_mode, mode_confidence, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (miner_id, metric_name) DO UPDATE SET
			site_id = EXCLUDED.site_id,
			ewma_value = EXCLUDED.ewma_value,
			ewma_variance = EXCLUDED.ewma_variance,
			sample_count = EXCLUDED.sample_count,
			last_raw_value = EXCLUDED.last_raw_value,
			last_residual = EXCLUDED.last_residual,
			last_z_score = EXCLUDED.last_z_score,
			inferred_mode = EXCLUDED.inferred_mode,
			mode_confidence = EXCLUDED.mode_confidence,
			updated_at = EXCLUDED.updated_at`,
		row.MinerID, row.SiteID, row.MetricName, row.EWMAValue, row.EWMAVariance, row.SampleCount,
		row.LastRawValue, row.LastResidual, row.LastZScore, row.InferredMode, row.ModeConfidence, row.UpdatedAt)
	return err
}

func (s *PGStore) GetBaselines(ctx context.Context, minerID string) (map[string]model.MinerBaselineState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT miner_id, site_id, metric_name, ewma_value, ewma_variance, sample_count,
		       last_raw_value, last_residual, last_z_score, inferred_mode, mode_confidence, updated_at
		FROM miner_baseline_state WHERE miner_id = $1`, minerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]model.MinerBaselineState)
	for rows.Next() {
		var b model.MinerBaselineState
		if err := rows.Scan(&b.MinerID, &b.SiteID, &b.MetricName, &b.EWMAValue, &b.EWMAVariance, &b.SampleCount,
			&b.LastRawValue, &b.LastResidual, &b.LastZScore, &b.InferredMode, &b.ModeConfidence, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out[b.MetricName] = b
	}
	return out, rows.Err()
}

func (s *PGStore) AllBaselines(ctx context.Context) ([]model.MinerBaselineState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT miner_id, site_id, metric_name, ewma_value, ewma_variance, sample_count,
		       last_raw_value, last_residual, last_z_score, inferred_mode, mode_confidence, updated_at
		FROM miner_baseline_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MinerBaselineState
	for rows.Next() {
		var b model.MinerBaselineState
		if err := rows.Scan(&b.MinerID, &b.SiteID, &b.MetricName, &b.EWMAValue, &b.EWMAVariance, &b.SampleCount,
			&b.LastRawValue, &b.LastResidual, &b.LastZScore, &b.InferredMode, &b.ModeConfidence, &b.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanEvent(row pgx.Row) (*model.ProblemEvent, error) {
	var e model.ProblemEvent
	var severity, status string
	var evidenceJSON, peerJSON []byte
	var mlJSON []byte
	err := row.Scan(&e.ID, &e.SiteID, &e.MinerID, &e.IssueCode, &e.DedupKey, &severity, &status,
		&e.StartTS, &e.LastSeenTS, &e.ResolvedTS, &e.RecurrenceCount, &e.ConsecutiveFail, &e.ConsecutiveOK,
		&evidenceJSON, &peerJSON, &mlJSON, &e.SuppressUntil, &e.MaintenanceFlag)
	if err != nil {
		return nil, err
	}
	e.Severity = model.ParseSeverity(severity)
	e.Status = model.EventStatus(status)
	if len(evidenceJSON) > 0 {
		_ = json.Unmarshal(evidenceJSON, &e.Evidence)
	}
	if len(peerJSON) > 0 {
		_ = json.Unmarshal(peerJSON, &e.PeerMetricsJSON)
	}
	if len(mlJSON) > 0 {
		var ml model.MLPrediction
		if err := json.Unmarshal(mlJSON, &ml); err == nil {
			e.MLJSON = &ml
		}
	}
	return &e, nil
}

const eventColumns = `id, site_id, miner_id, issue_code, dedup_key, severity, status, start_ts, last_seen_ts,
	resolved_ts, recurrence_count, consecutive_fail, consecutive_ok, evidence_json, peer_metrics_json,
	ml_json, suppress_until, maintenance_flag`

func (s *PGStore) GetActiveEvent(ctx context.Context, dedupKey string) (*model.ProblemEvent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM problem_events
		WHERE dedup_key = $1 AND status IN ('ack','open','in_progress')`, dedupKey)
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *PGStore) GetResolvedWithinCooldown(ctx context.Context, dedupKey string, cooldown time.Duration) (*model.ProblemEvent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM problem_events
		WHERE dedup_key = $1 AND status = 'resolved' AND resolved_ts > $2
		ORDER BY resolved_ts DESC LIMIT 1`, dedupKey, time.Now().Add(-cooldown))
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// HadCriticalEventSince reports whether a P0/P1 event started for this
// miner on or after since (§4.7's weak label, WeakSupervisor.EventLabelSource).
func (s *PGStore) HadCriticalEventSince(ctx context.Context, minerID string, since time.Time) (bool, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM problem_events
		WHERE miner_id = $1 AND severity IN ('P0', 'P1') AND start_ts >= $2`,
		minerID, since).Scan(&count)
	return count > 0, err
}

func (s *PGStore) InsertEvent(ctx context.Context, e model.ProblemEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	evidenceJSON, _ := json.Marshal(e.Evidence)
	peerJSON, _ := json.Marshal(e.PeerMetricsJSON)
	var mlJSON []byte
	if e.MLJSON != nil {
		mlJSON, _ = json.Marshal(e.MLJSON)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO problem_events (`+eventColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		e.ID, e.SiteID, e.MinerID, e.IssueCode, e.DedupKey, e.Severity.String(), string(e.Status),
		e.StartTS, e.LastSeenTS, e.ResolvedTS, e.RecurrenceCount, e.ConsecutiveFail, e.ConsecutiveOK,
		evidenceJSON, peerJSON, mlJSON, e.SuppressUntil, e.MaintenanceFlag)
	return err
}

func (s *PGStore) UpdateEvent(ctx context.Context, e model.ProblemEvent) error {
	evidenceJSON, _ := json.Marshal(e.Evidence)
	peerJSON, _ := json.Marshal(e.PeerMetricsJSON)
	var mlJSON []byte
	if e.MLJSON != nil {
		mlJSON, _ = json.Marshal(e.MLJSON)
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE problem_events SET
			severity = $2, status = $3, last_seen_ts = $4, resolved_ts = $5,
			recurrence_count = $6, consecutive_fail = $7, consecutive_ok = $8,
			evidence_json = $9, peer_metrics_json = $10, ml_json = $11,
			suppress_until = $12, maintenance_flag = $13
		WHERE id = $1`,
		e.ID, e.Severity.String(), string(e.Status), e.LastSeenTS, e.ResolvedTS,
		e.RecurrenceCount, e.ConsecutiveFail, e.ConsecutiveOK,
		evidenceJSON, peerJSON, mlJSON, e.SuppressUntil, e.MaintenanceFlag)
	return err
}

func (s *PGStore) ActiveEvents(ctx context.Context, siteID *int, minerID *string) ([]model.ProblemEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM problem_events WHERE status IN ('ack','open','in_progress')`
	args := []any{}
	if siteID != nil {
		args = append(args, *siteID)
		query += fmt.Sprintf(" AND site_id = $%d", len(args))
	}
	if minerID != nil {
		args = append(args, *minerID)
		query += fmt.Sprintf(" AND miner_id = $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ProblemEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *PGStore) SuppressMiner(ctx context.Context, minerID string, until *time.Time, maintenance bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE problem_events SET suppress_until = $2, maintenance_flag = $3
		WHERE miner_id = $1 AND status IN ('ack','open','in_progress')`, minerID, until, maintenance)
	return err
}

func (s *PGStore) UnsuppressMiner(ctx context.Context, minerID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE problem_events SET suppress_until = NULL, maintenance_flag = false
		WHERE miner_id = $1`, minerID)
	return err
}

func (s *PGStore) IsMinerSuppressed(ctx context.Context, minerID string, now time.Time) (bool, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM problem_events
		WHERE miner_id = $1 AND status IN ('ack','open','in_progress')
		  AND (maintenance_flag = true OR suppress_until > $2)`, minerID, now).Scan(&count)
	return count > 0, err
}

func (s *PGStore) WriteOutbox(ctx context.Context, rec model.OutboxRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO event_outbox (id, kind, payload, created_at) VALUES ($1,$2,$3,$4)`,
		rec.ID, string(rec.Kind), payload, rec.CreatedAt)
	return err
}

// DrainOutbox returns undelivered outbox records, oldest first, bounded by
// limit so a backlog cannot stall a single poll.
func (s *PGStore) DrainOutbox(ctx context.Context, limit int) ([]model.OutboxRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, payload, created_at FROM event_outbox
		WHERE NOT delivered ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.OutboxRecord
	for rows.Next() {
		var rec model.OutboxRecord
		var kind string
		var payload []byte
		if err := rows.Scan(&rec.ID, &kind, &payload, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Kind = model.OutboxKind(kind)
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkOutboxDelivered flags a record so DrainOutbox won't return it again.
func (s *PGStore) MarkOutboxDelivered(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE event_outbox SET delivered = true WHERE id = $1`, id)
	return err
}

func (s *PGStore) SiteOutboxCounts(ctx context.Context, siteID int, since time.Time) (int, int, error) {
	var notifications, tickets int
	err := s.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE kind = 'notification' AND (payload->>'site_id')::int = $1),
			count(*) FILTER (WHERE kind = 'ticket' AND (payload->>'site_id')::int = $1)
		FROM event_outbox WHERE created_at > $2`, siteID, since).Scan(&notifications, &tickets)
	return notifications, tickets, err
}

func (s *PGStore) ActiveModel(ctx context.Context, modelName string) (*model.ModelRegistryRow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT model_name, version, model_type, metrics_json, blob_path, is_active, trained_at,
		       sample_count, feature_names
		FROM ml_model_registry WHERE model_name = $1 AND is_active = true`, modelName)
	var m model.ModelRegistryRow
	var metricsJSON []byte
	err := row.Scan(&m.ModelName, &m.Version, &m.ModelType, &metricsJSON, &m.BlobPath, &m.IsActive,
		&m.TrainedAt, &m.SampleCount, &m.FeatureNames)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(metricsJSON, &m.MetricsJSON)
	return &m, nil
}

func (s *PGStore) InsertModel(ctx context.Context, row model.ModelRegistryRow) error {
	metricsJSON, err := json.Marshal(row.MetricsJSON)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO ml_model_registry
			(model_name, version, model_type, metrics_json, blob_path, is_active, trained_at, sample_count, feature_names)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		row.ModelName, row.Version, row.ModelType, metricsJSON, row.BlobPath, row.IsActive,
		row.TrainedAt, row.SampleCount, row.FeatureNames)
	return err
}

func (s *PGStore) DeactivateModels(ctx context.Context, modelName string) error {
	_, err := s.pool.Exec(ctx, `UPDATE ml_model_registry SET is_active = false WHERE model_name = $1`, modelName)
	return err
}

func (s *PGStore) ActiveVersion(ctx context.Context, modelName string) (string, error) {
	var version string
	err := s.pool.QueryRow(ctx, `
		SELECT version FROM ml_model_registry WHERE model_name = $1 AND is_active = true`, modelName).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return "none", nil
	}
	return version, err
}

func (s *PGStore) AcquireLock(ctx context.Context, lockKey, holderID string, lease time.Duration) (bool, error) {
	now := time.Now()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO scheduler_locks (lock_key, holder_id, acquired_at, expires_at, worker_info)
		VALUES ($1, $2, $3, $4, '')
		ON CONFLICT (lock_key) DO UPDATE SET
			holder_id = EXCLUDED.holder_id, acquired_at = EXCLUDED.acquired_at, expires_at = EXCLUDED.expires_at
		WHERE scheduler_locks.expires_at < $3`,
		lockKey, holderID, now, now.Add(lease))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGStore) RenewLock(ctx context.Context, lockKey, holderID string, lease time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduler_locks SET expires_at = $3
		WHERE lock_key = $1 AND holder_id = $2`,
		lockKey, holderID, time.Now().Add(lease))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGStore) ReleaseLock(ctx context.Context, lockKey, holderID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM scheduler_locks WHERE lock_key = $1 AND holder_id = $2`, lockKey, holderID)
	return err
}
