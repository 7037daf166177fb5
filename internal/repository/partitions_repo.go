package repository

import (
	"context"
	"time"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
)

// PartitionsRepository 分区目录 Repository 接口
// 目录（heartbeat_partitions 表）是物理分区的权威索引；
// 除 Create/DropPartition 外不做任何 DDL
type PartitionsRepository interface {
	// List 返回全部目录行，按 range_start 升序
	List(ctx context.Context) ([]*domain.PartitionMetadata, error)

	// Get 按 partition_key 查单行；不存在返回 domain.ErrNotFound
	Get(ctx context.Context, partitionKey string) (*domain.PartitionMetadata, error)

	// Create 建物理分区表并登记目录行（幂等：已存在返回 created=false，不报错）
	Create(ctx context.Context, partitionKey string, rangeStart, rangeEnd time.Time) (created bool, err error)

	// TransitionState 单条原子状态转换（WHERE state=from 保护），
	// 返回 false 表示当前状态不是 from，没有发生转换
	TransitionState(ctx context.Context, partitionKey string, from, to domain.PartitionState) (bool, error)

	// MarkArchived 归档成功后写 checksum/统计并置 archived
	// （允许从 active 或 archive_failed 进入 archived）
	MarkArchived(ctx context.Context, partitionKey, checksum string, rowCount, byteSize int64) error

	// DropPartition 物理删除分区表并把目录行置为 pruned。
	// 调用方必须保证当前状态是 archived，这里再做一次状态保护。
	DropPartition(ctx context.Context, partitionKey string) error
}

// AdvisoryLock 后台任务互斥锁（生产实现为 Postgres advisory lock）。
// 获取和释放必须发生在同一个数据库会话上。
type AdvisoryLock interface {
	// TryAcquire 非阻塞获取；已被其他运行持有时返回 false
	TryAcquire(ctx context.Context) (bool, error)
	// Release 释放本进程持有的锁；未持有时为 no-op
	Release(ctx context.Context) error
	// ForceRelease 运维动作：强制释放卡死的锁（终止持有者会话），慎用
	ForceRelease(ctx context.Context) error
}
