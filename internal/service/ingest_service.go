package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/config"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/metrics"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/repository"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/store"

	"go.uber.org/zap"
)

// IngestService 心跳摄入服务接口
type IngestService interface {
	Ingest(ctx context.Context, req IngestRequest) (*IngestResponse, error)
}

// IngestRequest 单条心跳
type IngestRequest struct {
	DeviceID   string
	ObservedAt time.Time
	Status     domain.StatusFields
}

// IngestResponse 摄入结果。去重命中不是错误：Accepted=true, Deduplicated=true。
type IngestResponse struct {
	Accepted     bool
	Deduplicated bool
}

// ingestService 实现
// 写路径：一条历史日志插入（幂等）+ 一条条件投影 upsert + 缓存写穿。
// 不做命令下发、不做通知。
type ingestService struct {
	heartbeats repository.HeartbeatsRepository
	status     repository.StatusRepository
	partitions *PartitionIndex
	kv         store.KV
	cfg        config.IngestConfig
	logger     *zap.Logger

	now func() time.Time
}

// NewIngestService 创建 IngestService 实例
func NewIngestService(
	heartbeats repository.HeartbeatsRepository,
	status repository.StatusRepository,
	partitions *PartitionIndex,
	kv store.KV,
	cfg config.IngestConfig,
	logger *zap.Logger,
) IngestService {
	return &ingestService{
		heartbeats: heartbeats,
		status:     status,
		partitions: partitions,
		kv:         kv,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Ingest 验证、去重、落日志、条件刷新投影
func (s *ingestService) Ingest(ctx context.Context, req IngestRequest) (*IngestResponse, error) {
	started := s.now()

	if err := s.validate(req); err != nil {
		metrics.HeartbeatsRejected.WithLabelValues("validation").Inc()
		return nil, err
	}

	partitionKey, err := s.partitions.Resolve(ctx, req.ObservedAt)
	if err != nil {
		if _, ok := err.(*domain.NoPartitionError); ok {
			// 运维配置问题：缺少分区。快速失败，热路径上绝不做 DDL。
			metrics.HeartbeatsRejected.WithLabelValues("no_partition").Inc()
			s.logger.Error("no partition for heartbeat",
				zap.String("device_id", req.DeviceID),
				zap.Time("observed_at", req.ObservedAt),
			)
		}
		return nil, err
	}

	rec := &domain.HeartbeatRecord{
		DeviceID:      req.DeviceID,
		ObservedAt:    req.ObservedAt.UTC(),
		DedupBucket:   domain.TruncateToBucket(req.ObservedAt, s.cfg.BucketWidth),
		ReceivedAt:    s.now().UTC(),
		BatteryLevel:  req.Status.BatteryLevel,
		NetworkType:   req.Status.NetworkType,
		UptimeSeconds: req.Status.UptimeSeconds,
		AppVersions:   req.Status.AppVersions,
		Extras:        req.Status.Extras,
	}

	inserted, err := s.heartbeats.Insert(ctx, partitionKey, rec)
	if err != nil {
		s.logger.Error("heartbeat insert failed",
			zap.String("device_id", req.DeviceID),
			zap.String("partition", partitionKey),
			zap.Error(err),
		)
		return nil, err
	}
	if !inserted {
		// 同 (device_id, dedup_bucket) 已有行：设备重试命中去重键，按成功处理
		metrics.HeartbeatsDeduplicated.Inc()
		return &IngestResponse{Accepted: true, Deduplicated: true}, nil
	}

	st := domain.StatusFromHeartbeat(rec)
	applied, err := s.status.UpsertIfNewer(ctx, st)
	if err != nil {
		// 日志行已落盘，投影由 Reconciliation Job 兜底修复；心跳本身算成功
		s.logger.Error("status projection upsert failed, reconciliation will repair",
			zap.String("device_id", req.DeviceID),
			zap.Error(err),
		)
	} else if applied {
		s.cacheStatus(ctx, st)
	}

	metrics.HeartbeatsIngested.Inc()
	metrics.IngestLatency.Observe(s.now().Sub(started).Seconds())
	return &IngestResponse{Accepted: true, Deduplicated: false}, nil
}

func (s *ingestService) validate(req IngestRequest) error {
	if req.DeviceID == "" {
		return &domain.ValidationError{Field: "device_id", Reason: "required"}
	}
	if req.ObservedAt.IsZero() {
		return &domain.ValidationError{Field: "observed_at", Reason: "required"}
	}
	if req.ObservedAt.After(s.now().Add(s.cfg.MaxFutureSkew)) {
		return &domain.ValidationError{Field: "observed_at", Reason: "beyond allowed clock skew"}
	}
	if req.Status.BatteryLevel == nil {
		return &domain.ValidationError{Field: "battery_level", Reason: "required"}
	}
	if *req.Status.BatteryLevel < 0 || *req.Status.BatteryLevel > 100 {
		return &domain.ValidationError{Field: "battery_level", Reason: "out of range"}
	}
	if req.Status.NetworkType == "" {
		return &domain.ValidationError{Field: "network_type", Reason: "required"}
	}
	return nil
}

// cacheStatus 写穿缓存；失败只记日志，缓存不是事实来源
func (s *ingestService) cacheStatus(ctx context.Context, st *domain.DeviceLastStatus) {
	payload, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := s.kv.Set(ctx, statusCacheKey(st.DeviceID), string(payload), s.cfg.StatusCacheTTL); err != nil {
		s.logger.Warn("status cache write failed", zap.String("device_id", st.DeviceID), zap.Error(err))
	}
}

func statusCacheKey(deviceID string) string {
	return "device-status:" + deviceID
}
