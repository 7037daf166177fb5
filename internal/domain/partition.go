package domain

import (
	"fmt"
	"regexp"
	"time"
)

// PartitionState 分区生命周期状态
type PartitionState string

const (
	PartitionActive        PartitionState = "active"
	PartitionArchived      PartitionState = "archived"
	PartitionArchiveFailed PartitionState = "archive_failed"
	PartitionPruned        PartitionState = "pruned"
)

// PartitionMetadata 分区目录行（对应 heartbeat_partitions 表）
// 目录是物理分区表的权威索引：Ingestor 只查目录做路由，
// 只有 Maintenance Job 创建/转换分区，Ingestor 找不到分区时快速失败。
// 状态机：active -> archived -> pruned；归档失败进入 archive_failed，下轮重试。
type PartitionMetadata struct {
	PartitionKey string         `db:"partition_key"` // 物理表名，如 heartbeats_p20260829
	State        PartitionState `db:"state"`
	RangeStart   time.Time      `db:"range_start"` // TIMESTAMPTZ, inclusive
	RangeEnd     time.Time      `db:"range_end"`   // TIMESTAMPTZ, exclusive
	RowCount     int64          `db:"row_count"`   // 归档时统计
	ByteSize     int64          `db:"byte_size"`   // 归档时统计
	Checksum     string         `db:"checksum"`    // 归档导出内容的 SHA-256（hex）
	ArchivedAt   *time.Time     `db:"archived_at"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

// Covers 判断时间点是否落在本分区范围内（[range_start, range_end)）
func (p *PartitionMetadata) Covers(at time.Time) bool {
	return !at.Before(p.RangeStart) && at.Before(p.RangeEnd)
}

// PartitionKeyFor 按 UTC 天生成分区表名
func PartitionKeyFor(at time.Time) string {
	return "heartbeats_p" + at.UTC().Format("20060102")
}

// PartitionRangeFor 按 UTC 天生成分区时间范围
func PartitionRangeFor(at time.Time) (start, end time.Time) {
	utc := at.UTC()
	start = time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

var partitionKeyPattern = regexp.MustCompile(`^heartbeats_p\d{8}$`)

// ValidatePartitionKey 校验分区表名（表名会拼进 DDL/DML，必须白名单校验）
func ValidatePartitionKey(key string) error {
	if !partitionKeyPattern.MatchString(key) {
		return fmt.Errorf("invalid partition key: %q", key)
	}
	return nil
}
