package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
)

// PostgresDispatchRepository 命令下发台账 Repository 实现
type PostgresDispatchRepository struct {
	db *sql.DB
}

// NewPostgresDispatchRepository 创建下发台账 Repository
func NewPostgresDispatchRepository(db *sql.DB) *PostgresDispatchRepository {
	return &PostgresDispatchRepository{db: db}
}

var _ DispatchRepository = (*PostgresDispatchRepository)(nil)

const dispatchColumns = `request_id, device_id, action, payload_fingerprint,
	outcome_status, latency_ms, retry_count, last_error, created_at, finalized_at`

// InsertPending 幂等插入：ON CONFLICT DO NOTHING + RETURNING 判定是否新建，
// 去重命中时再查一次返回现存行（第二次查询只发生在重试路径上，不在热路径）
func (r *PostgresDispatchRepository) InsertPending(ctx context.Context, rec *domain.DispatchRecord) (bool, *domain.DispatchRecord, error) {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO dispatch_records
			(request_id, device_id, action, payload_fingerprint, outcome_status, retry_count, last_error)
		VALUES ($1, $2, $3, $4, 'pending', 0, '')
		ON CONFLICT (request_id) DO NOTHING
		RETURNING created_at`,
		rec.RequestID, rec.DeviceID, rec.Action, rec.PayloadFingerprint,
	).Scan(&rec.CreatedAt)
	if err == nil {
		rec.OutcomeStatus = domain.DispatchPending
		return true, rec, nil
	}
	if err != sql.ErrNoRows {
		return false, nil, fmt.Errorf("failed to insert dispatch record %s: %w", rec.RequestID, err)
	}

	existing, err := r.Get(ctx, rec.RequestID)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// Get 按 request_id 查询
func (r *PostgresDispatchRepository) Get(ctx context.Context, requestID string) (*domain.DispatchRecord, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM dispatch_records WHERE request_id = $1", dispatchColumns)

	rec := &domain.DispatchRecord{}
	err := r.db.QueryRowContext(ctx, query, requestID).Scan(
		&rec.RequestID,
		&rec.DeviceID,
		&rec.Action,
		&rec.PayloadFingerprint,
		&rec.OutcomeStatus,
		&rec.LatencyMS,
		&rec.RetryCount,
		&rec.LastError,
		&rec.CreatedAt,
		&rec.FinalizedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dispatch record %s: %w", requestID, err)
	}
	return rec, nil
}

// Finalize 置终态；WHERE outcome_status='pending' 保证终态只写一次
func (r *PostgresDispatchRepository) Finalize(ctx context.Context, requestID string, status domain.DispatchStatus, latencyMS int, retryCount int, lastError string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dispatch_records
		SET outcome_status = $2, latency_ms = $3, retry_count = $4,
		    last_error = $5, finalized_at = NOW()
		WHERE request_id = $1 AND outcome_status = 'pending'`,
		requestID, status, latencyMS, retryCount, lastError,
	)
	if err != nil {
		return false, fmt.Errorf("failed to finalize dispatch record %s: %w", requestID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
