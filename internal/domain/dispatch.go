package domain

import "time"

// DispatchStatus 下发记录状态
type DispatchStatus string

const (
	DispatchPending DispatchStatus = "pending"
	DispatchSent    DispatchStatus = "sent"
	DispatchFailed  DispatchStatus = "failed"
)

// IsTerminal 是否终态（终态记录的 finalize 调用按幂等 no-op 处理）
func (s DispatchStatus) IsTerminal() bool {
	return s == DispatchSent || s == DispatchFailed
}

// DispatchRecord 命令下发台账（对应 dispatch_records 表）
// request_id 是调用方提供的幂等键：同一 request_id 只会有一行，
// 重复 RecordDispatch 返回已有行而不是新建，保证副作用 at-most-once。
// 推送本身由外部传输层执行，这里只做 bookkeeping。
type DispatchRecord struct {
	RequestID          string         `db:"request_id"` // UNIQUE, caller-supplied idempotency key
	DeviceID           string         `db:"device_id"`
	Action             string         `db:"action"`              // VARCHAR(50), 如 'reboot'/'install_apk'/'update_settings'
	PayloadFingerprint string         `db:"payload_fingerprint"` // 载荷指纹，便于排查同 key 不同载荷的调用方 bug
	OutcomeStatus      DispatchStatus `db:"outcome_status"`
	LatencyMS          *int           `db:"latency_ms"` // 推送耗时，finalize 时写入
	RetryCount         int            `db:"retry_count"`
	LastError          string         `db:"last_error"`
	CreatedAt          time.Time      `db:"created_at"`
	FinalizedAt        *time.Time     `db:"finalized_at"`
}
