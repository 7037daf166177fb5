package domain

import "time"

// HeartbeatRecord 设备心跳历史记录（对应按天分区的 heartbeats_pYYYYMMDD 表）
// 一行代表一次被接受的心跳；行只插入、不更新，分区被清理时整体删除
type HeartbeatRecord struct {
	// 主键
	ID int64 `db:"id"` // BIGSERIAL

	// 设备索引
	DeviceID string `db:"device_id"` // NOT NULL, enrollment 子系统负责设备生命周期

	// 时间戳
	ObservedAt  time.Time `db:"observed_at"`  // TIMESTAMPTZ, 设备上报时间，用于分区路由
	DedupBucket time.Time `db:"dedup_bucket"` // TIMESTAMPTZ, observed_at 截断到去重窗口
	ReceivedAt  time.Time `db:"received_at"`  // TIMESTAMPTZ, 服务端接收时间

	// 状态字段
	BatteryLevel  *int              `db:"battery_level"`  // INTEGER, 0-100
	NetworkType   string            `db:"network_type"`   // VARCHAR(20), 'wifi'/'cellular'/'ethernet'
	UptimeSeconds *int64            `db:"uptime_seconds"` // BIGINT, nullable
	AppVersions   map[string]string `db:"app_versions"`   // JSONB, package -> version
	Extras        map[string]any    `db:"extras"`         // JSONB, free-form health signals
}

// StatusFields 心跳携带的状态载荷（Ingest 入参，与 HeartbeatRecord 共用字段定义）
type StatusFields struct {
	BatteryLevel  *int              `json:"battery_level"`
	NetworkType   string            `json:"network_type"`
	UptimeSeconds *int64            `json:"uptime_seconds"`
	AppVersions   map[string]string `json:"app_versions"`
	Extras        map[string]any    `json:"extras"`
}

// TruncateToBucket 计算 dedup_bucket：observed_at 向下取整到固定窗口
func TruncateToBucket(observedAt time.Time, width time.Duration) time.Time {
	return observedAt.UTC().Truncate(width)
}
