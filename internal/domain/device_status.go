package domain

import "time"

// DeviceLastStatus 设备最新状态投影（对应 device_last_status 表，每设备一行）
// 由历史日志派生的缓存视图：Ingestor 快路径和 Reconciliation 修复路径写入，
// 其他任何路径都不允许写。日志是事实来源，本表只是投影。
type DeviceLastStatus struct {
	DeviceID string    `db:"device_id"` // PRIMARY KEY
	LastTS   time.Time `db:"last_ts"`   // TIMESTAMPTZ, 已反映的最新 observed_at，单调不减

	// 与 HeartbeatRecord 相同的状态字段
	BatteryLevel  *int              `db:"battery_level"`
	NetworkType   string            `db:"network_type"`
	UptimeSeconds *int64            `db:"uptime_seconds"`
	AppVersions   map[string]string `db:"app_versions"` // JSONB
	Extras        map[string]any    `db:"extras"`       // JSONB

	ReceivedAt time.Time `db:"received_at"` // 对应心跳的服务端接收时间
	UpdatedAt  time.Time `db:"updated_at"`  // 本行最后一次被写的时间
}

// StatusFromHeartbeat 由心跳记录构造投影行
func StatusFromHeartbeat(rec *HeartbeatRecord) *DeviceLastStatus {
	return &DeviceLastStatus{
		DeviceID:      rec.DeviceID,
		LastTS:        rec.ObservedAt,
		BatteryLevel:  rec.BatteryLevel,
		NetworkType:   rec.NetworkType,
		UptimeSeconds: rec.UptimeSeconds,
		AppVersions:   rec.AppVersions,
		Extras:        rec.Extras,
		ReceivedAt:    rec.ReceivedAt,
	}
}
