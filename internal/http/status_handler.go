package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/service"

	"go.uber.org/zap"
)

// StatusHandler 设备状态读取 Handler（dashboard 读路径，只碰投影）
type StatusHandler struct {
	status service.StatusService
	logger *zap.Logger
}

// NewStatusHandler 创建状态读取 Handler
func NewStatusHandler(status service.StatusService, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{status: status, logger: logger}
}

// deviceStatusView 对外的状态行
type deviceStatusView struct {
	DeviceID      string            `json:"device_id"`
	LastTS        time.Time         `json:"last_ts"`
	BatteryLevel  *int              `json:"battery_level"`
	NetworkType   string            `json:"network_type"`
	UptimeSeconds *int64            `json:"uptime_seconds"`
	AppVersions   map[string]string `json:"app_versions"`
	Extras        map[string]any    `json:"extras"`
	ReceivedAt    time.Time         `json:"received_at"`
}

func statusView(st *domain.DeviceLastStatus) deviceStatusView {
	return deviceStatusView{
		DeviceID:      st.DeviceID,
		LastTS:        st.LastTS,
		BatteryLevel:  st.BatteryLevel,
		NetworkType:   st.NetworkType,
		UptimeSeconds: st.UptimeSeconds,
		AppVersions:   st.AppVersions,
		Extras:        st.Extras,
		ReceivedAt:    st.ReceivedAt,
	}
}

// ListStatus GET /data/api/v1/telemetry/status
// 支持 network_type / app_package / app_version / stale_before / search / page / pageSize
func (h *StatusHandler) ListStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	req := service.ListStatusRequest{
		NetworkType: strings.TrimSpace(q.Get("network_type")),
		AppPackage:  strings.TrimSpace(q.Get("app_package")),
		AppVersion:  strings.TrimSpace(q.Get("app_version")),
		Search:      strings.TrimSpace(q.Get("search")),
		Page:        parseInt(q.Get("page"), 1),
		Size:        parseInt(q.Get("pageSize"), 20),
	}
	if v := q.Get("stale_before"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, Fail("invalid stale_before, want RFC3339"))
			return
		}
		req.StaleBefore = &ts
	}

	resp, err := h.status.ListStatus(ctx, req)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]deviceStatusView, 0, len(resp.Items))
	for _, st := range resp.Items {
		items = append(items, statusView(st))
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": items,
		"total": resp.Total,
		"page":  req.Page,
	}))
}

// GetStatus GET /data/api/v1/telemetry/status/{device_id}
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request, deviceID string) {
	ctx := r.Context()

	st, err := h.status.GetStatus(ctx, deviceID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(statusView(st)))
}
