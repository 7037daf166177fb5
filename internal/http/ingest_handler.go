package httpapi

import (
	"net/http"
	"time"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/service"

	"go.uber.org/zap"
)

// IngestHandler 心跳摄入 Handler
type IngestHandler struct {
	ingest service.IngestService
	logger *zap.Logger
}

// NewIngestHandler 创建心跳摄入 Handler
func NewIngestHandler(ingest service.IngestService, logger *zap.Logger) *IngestHandler {
	return &IngestHandler{ingest: ingest, logger: logger}
}

// ingestPayload 设备侧 API 层转发过来的单条心跳
type ingestPayload struct {
	DeviceID   string              `json:"device_id"`
	ObservedAt time.Time           `json:"observed_at"`
	Status     domain.StatusFields `json:"status"`
}

type ingestResult struct {
	Accepted     bool `json:"accepted"`
	Deduplicated bool `json:"deduplicated"`
}

// PostHeartbeat 摄入一条心跳。
// 去重命中也是 202：对重试中的设备，两种结果都意味着"别再发了"。
func (h *IngestHandler) PostHeartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload ingestPayload
	if err := readBodyJSON(r, 1<<20, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid payload"))
		return
	}

	resp, err := h.ingest.Ingest(ctx, service.IngestRequest{
		DeviceID:   payload.DeviceID,
		ObservedAt: payload.ObservedAt,
		Status:     payload.Status,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, Ok(ingestResult{
		Accepted:     resp.Accepted,
		Deduplicated: resp.Deduplicated,
	}))
}
