package repository

import (
	"context"
	"time"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
)

// StatusFilters 设备状态列表过滤器
type StatusFilters struct {
	NetworkType string     // 可选：网络类型过滤
	AppPackage  string     // 可选：上报了该包名的设备
	AppVersion  string     // 可选：与 AppPackage 联用，限定版本
	StaleBefore *time.Time // 可选：last_ts 早于该时间（疑似离线设备）
	Search      string     // 可选：device_id 前缀搜索
}

// StatusRepository 设备最新状态投影 Repository 接口
// 本表是派生投影：写入方只有 Ingest 快路径和 Reconciliation 修复路径
type StatusRepository interface {
	// Get 单设备查询；不存在返回 domain.ErrNotFound
	Get(ctx context.Context, deviceID string) (*domain.DeviceLastStatus, error)

	// GetMany 批量查询（Reconciliation 用），返回 device_id -> row，缺失的设备不在 map 中
	GetMany(ctx context.Context, deviceIDs []string) (map[string]*domain.DeviceLastStatus, error)

	// List 分页列表，按 last_ts 降序
	List(ctx context.Context, filters StatusFilters, page, size int) ([]*domain.DeviceLastStatus, int, error)

	// UpsertIfNewer 条件 upsert："apply iff newer"。
	// 必须是单条原子语句（INSERT ... ON CONFLICT ... WHERE last_ts <= EXCLUDED.last_ts），
	// 不能读后写，否则并发心跳会竞态。返回 applied=false 表示现存行更新，写被跳过。
	UpsertIfNewer(ctx context.Context, st *domain.DeviceLastStatus) (applied bool, err error)
}
