package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
)

// PostgresHeartbeatsRepository 心跳历史日志 Repository 实现
// 物理表按天拆分（heartbeats_pYYYYMMDD），表名由上层从分区目录解析后传入。
// 表名不能参数化，拼接前必须过 domain.ValidatePartitionKey 白名单。
type PostgresHeartbeatsRepository struct {
	db *sql.DB
}

// NewPostgresHeartbeatsRepository 创建心跳 Repository
func NewPostgresHeartbeatsRepository(db *sql.DB) *PostgresHeartbeatsRepository {
	return &PostgresHeartbeatsRepository{db: db}
}

// 确保实现了接口
var _ HeartbeatsRepository = (*PostgresHeartbeatsRepository)(nil)

const heartbeatColumns = `device_id, observed_at, dedup_bucket, received_at,
	battery_level, network_type, uptime_seconds, app_versions, extras`

// Insert 插入心跳；(device_id, dedup_bucket) 冲突时 DO NOTHING。
// RETURNING id 让插入与去重判定在一条语句内完成：扫到行 = 插入成功，
// sql.ErrNoRows = 去重命中。
func (r *PostgresHeartbeatsRepository) Insert(ctx context.Context, partitionKey string, rec *domain.HeartbeatRecord) (bool, error) {
	if err := domain.ValidatePartitionKey(partitionKey); err != nil {
		return false, err
	}

	appVersions, err := marshalJSONB(rec.AppVersions)
	if err != nil {
		return false, fmt.Errorf("failed to marshal app_versions: %w", err)
	}
	extras, err := marshalJSONB(rec.Extras)
	if err != nil {
		return false, fmt.Errorf("failed to marshal extras: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (device_id, dedup_bucket) DO NOTHING
		RETURNING id`, partitionKey, heartbeatColumns)

	err = r.db.QueryRowContext(ctx, query,
		rec.DeviceID,
		rec.ObservedAt,
		rec.DedupBucket,
		rec.ReceivedAt,
		rec.BatteryLevel,
		rec.NetworkType,
		rec.UptimeSeconds,
		appVersions,
		extras,
	).Scan(&rec.ID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert heartbeat into %s: %w", partitionKey, err)
	}
	return true, nil
}

// LatestPerDevice 在给定分区集合内取每设备最新一条心跳。
// 跨分区用 UNION ALL 再 DISTINCT ON (device_id) ... ORDER BY observed_at DESC。
func (r *PostgresHeartbeatsRepository) LatestPerDevice(ctx context.Context, partitionKeys []string, since time.Time) ([]*domain.HeartbeatRecord, error) {
	if len(partitionKeys) == 0 {
		return nil, nil
	}

	parts := make([]string, 0, len(partitionKeys))
	for _, key := range partitionKeys {
		if err := domain.ValidatePartitionKey(key); err != nil {
			return nil, err
		}
		parts = append(parts, fmt.Sprintf(
			"SELECT id, %s FROM %s WHERE observed_at >= $1", heartbeatColumns, key))
	}

	query := fmt.Sprintf(`
		SELECT DISTINCT ON (device_id) id, %s
		FROM (%s) hb
		ORDER BY device_id, observed_at DESC`,
		heartbeatColumns, strings.Join(parts, " UNION ALL "))

	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest heartbeats: %w", err)
	}
	defer rows.Close()

	var out []*domain.HeartbeatRecord
	for rows.Next() {
		rec, err := scanHeartbeat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StreamPartition 按 (observed_at, device_id) 顺序遍历分区全部行。
// 顺序固定是归档 checksum 可复算的前提。
func (r *PostgresHeartbeatsRepository) StreamPartition(ctx context.Context, partitionKey string, fn func(*domain.HeartbeatRecord) error) error {
	if err := domain.ValidatePartitionKey(partitionKey); err != nil {
		return err
	}

	query := fmt.Sprintf(
		"SELECT id, %s FROM %s ORDER BY observed_at, device_id", heartbeatColumns, partitionKey)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to stream partition %s: %w", partitionKey, err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanHeartbeat(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// PartitionStats 行数 + pg_total_relation_size
func (r *PostgresHeartbeatsRepository) PartitionStats(ctx context.Context, partitionKey string) (int64, int64, error) {
	if err := domain.ValidatePartitionKey(partitionKey); err != nil {
		return 0, 0, err
	}

	query := fmt.Sprintf(
		"SELECT COUNT(*), pg_total_relation_size('%s') FROM %s", partitionKey, partitionKey)

	var rowCount, byteSize int64
	if err := r.db.QueryRowContext(ctx, query).Scan(&rowCount, &byteSize); err != nil {
		return 0, 0, fmt.Errorf("failed to stat partition %s: %w", partitionKey, err)
	}
	return rowCount, byteSize, nil
}

func scanHeartbeat(rows *sql.Rows) (*domain.HeartbeatRecord, error) {
	rec := &domain.HeartbeatRecord{}
	var appVersions, extras []byte
	err := rows.Scan(
		&rec.ID,
		&rec.DeviceID,
		&rec.ObservedAt,
		&rec.DedupBucket,
		&rec.ReceivedAt,
		&rec.BatteryLevel,
		&rec.NetworkType,
		&rec.UptimeSeconds,
		&appVersions,
		&extras,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan heartbeat row: %w", err)
	}
	if len(appVersions) > 0 {
		if err := json.Unmarshal(appVersions, &rec.AppVersions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal app_versions: %w", err)
		}
	}
	if len(extras) > 0 {
		if err := json.Unmarshal(extras, &rec.Extras); err != nil {
			return nil, fmt.Errorf("failed to unmarshal extras: %w", err)
		}
	}
	return rec, nil
}
