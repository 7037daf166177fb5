package service

import (
	"context"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/metrics"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/repository"

	"go.uber.org/zap"
)

// DispatchService 命令下发台账服务接口。
// 实际的推送由外部传输层做；这里只保证同一 request_id 的副作用
// 至多被记账一次，以及 finalize 的幂等。
type DispatchService interface {
	RecordDispatch(ctx context.Context, req RecordDispatchRequest) (*RecordDispatchResponse, error)
	UpdateOutcome(ctx context.Context, req UpdateOutcomeRequest) (*UpdateOutcomeResponse, error)
	GetDispatch(ctx context.Context, requestID string) (*domain.DispatchRecord, error)
}

// RecordDispatchRequest 下发记账请求
type RecordDispatchRequest struct {
	RequestID          string
	DeviceID           string
	Action             string
	PayloadFingerprint string
}

// RecordDispatchResponse Created=false 表示 request_id 已存在：
// 调用方必须理解为"不要重发"，而不是错误
type RecordDispatchResponse struct {
	Created bool
	Record  *domain.DispatchRecord
}

// UpdateOutcomeRequest finalize 请求
type UpdateOutcomeRequest struct {
	RequestID  string
	Status     domain.DispatchStatus
	LatencyMS  int
	RetryCount int
	LastError  string
}

// UpdateOutcomeResponse NoOp=true 表示记录已是终态（重试 finalize），按幂等处理
type UpdateOutcomeResponse struct {
	NoOp   bool
	Record *domain.DispatchRecord
}

type dispatchService struct {
	repo   repository.DispatchRepository
	logger *zap.Logger
}

// NewDispatchService 创建 DispatchService 实例
func NewDispatchService(repo repository.DispatchRepository, logger *zap.Logger) DispatchService {
	return &dispatchService{repo: repo, logger: logger}
}

// RecordDispatch 以 request_id 为幂等键记账
func (s *dispatchService) RecordDispatch(ctx context.Context, req RecordDispatchRequest) (*RecordDispatchResponse, error) {
	if req.RequestID == "" {
		return nil, &domain.ValidationError{Field: "request_id", Reason: "required"}
	}
	if req.DeviceID == "" {
		return nil, &domain.ValidationError{Field: "device_id", Reason: "required"}
	}
	if req.Action == "" {
		return nil, &domain.ValidationError{Field: "action", Reason: "required"}
	}

	rec := &domain.DispatchRecord{
		RequestID:          req.RequestID,
		DeviceID:           req.DeviceID,
		Action:             req.Action,
		PayloadFingerprint: req.PayloadFingerprint,
	}

	created, existing, err := s.repo.InsertPending(ctx, rec)
	if err != nil {
		s.logger.Error("RecordDispatch failed",
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
		return nil, err
	}

	if created {
		metrics.DispatchCreated.Inc()
		return &RecordDispatchResponse{Created: true, Record: existing}, nil
	}

	if existing.PayloadFingerprint != req.PayloadFingerprint {
		// 同 key 不同载荷：调用方的幂等键生成有 bug，记下来便于排查
		s.logger.Warn("dispatch request_id reused with different payload",
			zap.String("request_id", req.RequestID),
			zap.String("recorded_fingerprint", existing.PayloadFingerprint),
			zap.String("new_fingerprint", req.PayloadFingerprint),
		)
	}
	return &RecordDispatchResponse{Created: false, Record: existing}, nil
}

// UpdateOutcome finalize：未知 request_id 返回 domain.ErrNotFound；
// 已终态的记录按 no-op 成功处理（网络分区下的重试 finalize 是预期行为）
func (s *dispatchService) UpdateOutcome(ctx context.Context, req UpdateOutcomeRequest) (*UpdateOutcomeResponse, error) {
	if req.RequestID == "" {
		return nil, &domain.ValidationError{Field: "request_id", Reason: "required"}
	}
	if !req.Status.IsTerminal() {
		return nil, &domain.ValidationError{Field: "status", Reason: "must be sent or failed"}
	}

	updated, err := s.repo.Finalize(ctx, req.RequestID, req.Status, req.LatencyMS, req.RetryCount, req.LastError)
	if err != nil {
		s.logger.Error("UpdateOutcome failed",
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
		return nil, err
	}

	if updated {
		metrics.DispatchFinalized.WithLabelValues(string(req.Status)).Inc()
		rec, err := s.repo.Get(ctx, req.RequestID)
		if err != nil {
			return nil, err
		}
		return &UpdateOutcomeResponse{NoOp: false, Record: rec}, nil
	}

	// 没更新到行：要么不存在，要么已终态，用 Get 区分
	rec, err := s.repo.Get(ctx, req.RequestID)
	if err != nil {
		// domain.ErrNotFound 原样上抛
		return nil, err
	}
	return &UpdateOutcomeResponse{NoOp: true, Record: rec}, nil
}

// GetDispatch 查询单条记录
func (s *dispatchService) GetDispatch(ctx context.Context, requestID string) (*domain.DispatchRecord, error) {
	if requestID == "" {
		return nil, &domain.ValidationError{Field: "request_id", Reason: "required"}
	}
	return s.repo.Get(ctx, requestID)
}
