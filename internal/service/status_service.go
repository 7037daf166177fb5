package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/config"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/repository"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/store"

	"go.uber.org/zap"
)

// StatusService 设备状态读取服务接口（dashboard 专用读路径）
// 只读 Fast-Status 投影，绝不触碰历史日志，保证 O(1) 读延迟
type StatusService interface {
	GetStatus(ctx context.Context, deviceID string) (*domain.DeviceLastStatus, error)
	ListStatus(ctx context.Context, req ListStatusRequest) (*ListStatusResponse, error)
}

// ListStatusRequest 状态列表请求
type ListStatusRequest struct {
	NetworkType string
	AppPackage  string
	AppVersion  string
	StaleBefore *time.Time
	Search      string
	Page        int
	Size        int
}

// ListStatusResponse 状态列表响应
type ListStatusResponse struct {
	Items []*domain.DeviceLastStatus
	Total int
}

type statusService struct {
	status repository.StatusRepository
	kv     store.KV
	ttl    time.Duration
	logger *zap.Logger
}

// NewStatusService 创建 StatusService 实例
func NewStatusService(status repository.StatusRepository, kv store.KV, cfg config.IngestConfig, logger *zap.Logger) StatusService {
	return &statusService{
		status: status,
		kv:     kv,
		ttl:    cfg.StatusCacheTTL,
		logger: logger,
	}
}

// GetStatus 单设备查询：先缓存后投影表，未命中回填
func (s *statusService) GetStatus(ctx context.Context, deviceID string) (*domain.DeviceLastStatus, error) {
	if deviceID == "" {
		return nil, &domain.ValidationError{Field: "device_id", Reason: "required"}
	}

	if cached, err := s.kv.Get(ctx, statusCacheKey(deviceID)); err == nil {
		st := &domain.DeviceLastStatus{}
		if err := json.Unmarshal([]byte(cached), st); err == nil {
			return st, nil
		}
		// 缓存内容损坏：当作未命中，回源后覆盖
	}

	st, err := s.status.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(st); err == nil {
		if err := s.kv.Set(ctx, statusCacheKey(deviceID), string(payload), s.ttl); err != nil {
			s.logger.Warn("status cache backfill failed", zap.String("device_id", deviceID), zap.Error(err))
		}
	}
	return st, nil
}

// ListStatus 分页列表：直接走投影表（列表查询不缓存）
func (s *statusService) ListStatus(ctx context.Context, req ListStatusRequest) (*ListStatusResponse, error) {
	page := req.Page
	if page <= 0 {
		page = 1
	}
	size := req.Size
	if size <= 0 {
		size = 20
	}
	if size > 200 {
		size = 200
	}

	filters := repository.StatusFilters{
		NetworkType: req.NetworkType,
		AppPackage:  req.AppPackage,
		AppVersion:  req.AppVersion,
		StaleBefore: req.StaleBefore,
		Search:      req.Search,
	}

	items, total, err := s.status.List(ctx, filters, page, size)
	if err != nil {
		s.logger.Error("ListStatus failed", zap.Error(err))
		return nil, err
	}
	return &ListStatusResponse{Items: items, Total: total}, nil
}
