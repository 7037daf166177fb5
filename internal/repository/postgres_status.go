package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
)

// PostgresStatusRepository 设备最新状态投影 Repository 实现
type PostgresStatusRepository struct {
	db *sql.DB
}

// NewPostgresStatusRepository 创建状态投影 Repository
func NewPostgresStatusRepository(db *sql.DB) *PostgresStatusRepository {
	return &PostgresStatusRepository{db: db}
}

var _ StatusRepository = (*PostgresStatusRepository)(nil)

const statusColumns = `device_id, last_ts, battery_level, network_type,
	uptime_seconds, app_versions, extras, received_at, updated_at`

// Get 单设备查询
func (r *PostgresStatusRepository) Get(ctx context.Context, deviceID string) (*domain.DeviceLastStatus, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM device_last_status WHERE device_id = $1", statusColumns)

	row := r.db.QueryRowContext(ctx, query, deviceID)
	st, err := scanStatusRow(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get status for %s: %w", deviceID, err)
	}
	return st, nil
}

// GetMany 批量查询（Reconciliation 用）
func (r *PostgresStatusRepository) GetMany(ctx context.Context, deviceIDs []string) (map[string]*domain.DeviceLastStatus, error) {
	if len(deviceIDs) == 0 {
		return map[string]*domain.DeviceLastStatus{}, nil
	}

	query := fmt.Sprintf(
		"SELECT %s FROM device_last_status WHERE device_id = ANY($1)", statusColumns)

	rows, err := r.db.QueryContext(ctx, query, pq.Array(deviceIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to batch get status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*domain.DeviceLastStatus, len(deviceIDs))
	for rows.Next() {
		st, err := scanStatusRow(rows)
		if err != nil {
			return nil, err
		}
		out[st.DeviceID] = st
	}
	return out, rows.Err()
}

// List 分页列表，按 last_ts 降序
func (r *PostgresStatusRepository) List(ctx context.Context, filters StatusFilters, page, size int) ([]*domain.DeviceLastStatus, int, error) {
	where := []string{"TRUE"}
	args := []interface{}{}
	argN := 1

	if filters.NetworkType != "" {
		where = append(where, fmt.Sprintf("network_type = $%d", argN))
		args = append(args, filters.NetworkType)
		argN++
	}
	if filters.AppPackage != "" {
		if filters.AppVersion != "" {
			where = append(where, fmt.Sprintf("app_versions->>$%d = $%d", argN, argN+1))
			args = append(args, filters.AppPackage, filters.AppVersion)
			argN += 2
		} else {
			where = append(where, fmt.Sprintf("app_versions ? $%d", argN))
			args = append(args, filters.AppPackage)
			argN++
		}
	}
	if filters.StaleBefore != nil {
		where = append(where, fmt.Sprintf("last_ts < $%d", argN))
		args = append(args, *filters.StaleBefore)
		argN++
	}
	if filters.Search != "" {
		where = append(where, fmt.Sprintf("device_id LIKE $%d", argN))
		args = append(args, filters.Search+"%")
		argN++
	}

	whereClause := strings.Join(where, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM device_last_status WHERE " + whereClause
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count status rows: %w", err)
	}

	query := fmt.Sprintf(
		"SELECT %s FROM device_last_status WHERE %s ORDER BY last_ts DESC LIMIT $%d OFFSET $%d",
		statusColumns, whereClause, argN, argN+1)
	args = append(args, size, (page-1)*size)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list status rows: %w", err)
	}
	defer rows.Close()

	var out []*domain.DeviceLastStatus
	for rows.Next() {
		st, err := scanStatusRow(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, st)
	}
	return out, total, rows.Err()
}

// UpsertIfNewer 条件 upsert，"last write wins by event time"。
// 单条原子语句：并发心跳竞争同一设备行时由行锁串行化，旧数据的写变成 no-op。
// WHERE 用 <=（不是 <）：同 observed_at 重放允许刷新字段，满足 "apply iff newer or equal"。
func (r *PostgresStatusRepository) UpsertIfNewer(ctx context.Context, st *domain.DeviceLastStatus) (bool, error) {
	appVersions, err := marshalJSONB(st.AppVersions)
	if err != nil {
		return false, fmt.Errorf("failed to marshal app_versions: %w", err)
	}
	extras, err := marshalJSONB(st.Extras)
	if err != nil {
		return false, fmt.Errorf("failed to marshal extras: %w", err)
	}

	var deviceID string
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO device_last_status
			(device_id, last_ts, battery_level, network_type, uptime_seconds,
			 app_versions, extras, received_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (device_id) DO UPDATE SET
			last_ts        = EXCLUDED.last_ts,
			battery_level  = EXCLUDED.battery_level,
			network_type   = EXCLUDED.network_type,
			uptime_seconds = EXCLUDED.uptime_seconds,
			app_versions   = EXCLUDED.app_versions,
			extras         = EXCLUDED.extras,
			received_at    = EXCLUDED.received_at,
			updated_at     = NOW()
		WHERE device_last_status.last_ts <= EXCLUDED.last_ts
		RETURNING device_id`,
		st.DeviceID,
		st.LastTS,
		st.BatteryLevel,
		st.NetworkType,
		st.UptimeSeconds,
		appVersions,
		extras,
		st.ReceivedAt,
	).Scan(&deviceID)
	if err == sql.ErrNoRows {
		// 现存行更新，条件写被跳过
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to upsert status for %s: %w", st.DeviceID, err)
	}
	return true, nil
}

// scanner 抽象 *sql.Row / *sql.Rows 共用的 Scan
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanStatusRow(s scanner) (*domain.DeviceLastStatus, error) {
	st := &domain.DeviceLastStatus{}
	var appVersions, extras []byte
	err := s.Scan(
		&st.DeviceID,
		&st.LastTS,
		&st.BatteryLevel,
		&st.NetworkType,
		&st.UptimeSeconds,
		&appVersions,
		&extras,
		&st.ReceivedAt,
		&st.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(appVersions) > 0 {
		if err := json.Unmarshal(appVersions, &st.AppVersions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal app_versions: %w", err)
		}
	}
	if len(extras) > 0 {
		if err := json.Unmarshal(extras, &st.Extras); err != nil {
			return nil, fmt.Errorf("failed to unmarshal extras: %w", err)
		}
	}
	return st, nil
}
