package httpapi

import (
	"net/http"
	"time"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/service"

	"go.uber.org/zap"
)

// DispatchHandler 命令下发台账 Handler（命令发送子系统调用）
type DispatchHandler struct {
	dispatch service.DispatchService
	logger   *zap.Logger
}

// NewDispatchHandler 创建下发台账 Handler
func NewDispatchHandler(dispatch service.DispatchService, logger *zap.Logger) *DispatchHandler {
	return &DispatchHandler{dispatch: dispatch, logger: logger}
}

type recordDispatchPayload struct {
	RequestID          string `json:"request_id"`
	DeviceID           string `json:"device_id"`
	Action             string `json:"action"`
	PayloadFingerprint string `json:"payload_fingerprint"`
}

type updateOutcomePayload struct {
	Status     string `json:"status"`
	LatencyMS  int    `json:"latency_ms"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error"`
}

// dispatchRecordView 对外的台账行
type dispatchRecordView struct {
	RequestID          string     `json:"request_id"`
	DeviceID           string     `json:"device_id"`
	Action             string     `json:"action"`
	PayloadFingerprint string     `json:"payload_fingerprint"`
	OutcomeStatus      string     `json:"outcome_status"`
	LatencyMS          *int       `json:"latency_ms"`
	RetryCount         int        `json:"retry_count"`
	LastError          string     `json:"last_error"`
	CreatedAt          time.Time  `json:"created_at"`
	FinalizedAt        *time.Time `json:"finalized_at"`
}

func dispatchView(rec *domain.DispatchRecord) dispatchRecordView {
	return dispatchRecordView{
		RequestID:          rec.RequestID,
		DeviceID:           rec.DeviceID,
		Action:             rec.Action,
		PayloadFingerprint: rec.PayloadFingerprint,
		OutcomeStatus:      string(rec.OutcomeStatus),
		LatencyMS:          rec.LatencyMS,
		RetryCount:         rec.RetryCount,
		LastError:          rec.LastError,
		CreatedAt:          rec.CreatedAt,
		FinalizedAt:        rec.FinalizedAt,
	}
}

// RecordDispatch POST /data/api/v1/dispatches
// created=false 时调用方必须跳过实际发送（幂等键命中）
func (h *DispatchHandler) RecordDispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload recordDispatchPayload
	if err := readBodyJSON(r, 1<<20, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid payload"))
		return
	}

	resp, err := h.dispatch.RecordDispatch(ctx, service.RecordDispatchRequest{
		RequestID:          payload.RequestID,
		DeviceID:           payload.DeviceID,
		Action:             payload.Action,
		PayloadFingerprint: payload.PayloadFingerprint,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, Ok(map[string]any{
		"created": resp.Created,
		"record":  dispatchView(resp.Record),
	}))
}

// UpdateOutcome POST /data/api/v1/dispatches/{request_id}/outcome
func (h *DispatchHandler) UpdateOutcome(w http.ResponseWriter, r *http.Request, requestID string) {
	ctx := r.Context()

	var payload updateOutcomePayload
	if err := readBodyJSON(r, 1<<20, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid payload"))
		return
	}

	resp, err := h.dispatch.UpdateOutcome(ctx, service.UpdateOutcomeRequest{
		RequestID:  requestID,
		Status:     domain.DispatchStatus(payload.Status),
		LatencyMS:  payload.LatencyMS,
		RetryCount: payload.RetryCount,
		LastError:  payload.LastError,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"noop":   resp.NoOp,
		"record": dispatchView(resp.Record),
	}))
}

// GetRecord GET /data/api/v1/dispatches/{request_id}
func (h *DispatchHandler) GetRecord(w http.ResponseWriter, r *http.Request, requestID string) {
	ctx := r.Context()

	rec, err := h.dispatch.GetDispatch(ctx, requestID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(dispatchView(rec)))
}
