package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound 记录不存在（如 finalize 未知的 request_id）
var ErrNotFound = errors.New("record not found")

// ValidationError 输入非法：缺少必填状态字段或时间戳超出允许的时钟偏移窗口。
// 本层不重试，直接回给调用方。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NoPartitionError 没有覆盖 observed_at 的分区。
// 这是运维配置问题（Maintenance Job 没跑或 lookahead 不足），
// 写入直接失败，绝不在热路径上临时建分区。
type NoPartitionError struct {
	At time.Time
}

func (e *NoPartitionError) Error() string {
	return fmt.Sprintf("no partition covers %s", e.At.UTC().Format(time.RFC3339))
}

// ArchiveExportError 单个分区归档导出失败，分区转入 archive_failed，
// 下一轮 maintenance 重试；不影响同批其他分区。
type ArchiveExportError struct {
	PartitionKey string
	Err          error
}

func (e *ArchiveExportError) Error() string {
	return fmt.Sprintf("archive export failed for %s: %v", e.PartitionKey, e.Err)
}

func (e *ArchiveExportError) Unwrap() error { return e.Err }
