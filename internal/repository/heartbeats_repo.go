package repository

import (
	"context"
	"time"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
)

// HeartbeatsRepository 心跳历史日志 Repository 接口
// 注意：写入方只有 Ingest 路径；行永不更新，删除只发生在分区整体 prune 时
type HeartbeatsRepository interface {
	// Insert 向指定物理分区表插入一条心跳。
	// (device_id, dedup_bucket) 唯一键冲突不是错误：返回 inserted=false 表示去重命中。
	Insert(ctx context.Context, partitionKey string, rec *domain.HeartbeatRecord) (inserted bool, err error)

	// LatestPerDevice 在给定分区集合内，取每个设备 observed_at 最新的一条心跳
	// （Reconciliation Job 用来计算日志侧的真实最新状态）
	LatestPerDevice(ctx context.Context, partitionKeys []string, since time.Time) ([]*domain.HeartbeatRecord, error)

	// StreamPartition 按 (observed_at, device_id) 顺序遍历整个分区的行（归档导出用）
	StreamPartition(ctx context.Context, partitionKey string, fn func(*domain.HeartbeatRecord) error) error

	// PartitionStats 分区行数与物理字节大小（归档时记入目录）
	PartitionStats(ctx context.Context, partitionKey string) (rowCount, byteSize int64, err error)
}
