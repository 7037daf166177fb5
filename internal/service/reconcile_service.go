package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/config"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/metrics"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/repository"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/store"

	"go.uber.org/zap"
)

// ReconcileReport 单次回扫的结果。Repaired 是本任务的核心健康信号：
// 持续偏高说明 Ingest 的条件写路径有 bug，不是正常现象。
type ReconcileReport struct {
	DevicesChecked int   `json:"devices_checked"`
	Repaired       int   `json:"repaired"`
	DurationMS     int64 `json:"duration_ms"`
}

// ReconcileService 投影回扫任务：日志是事实来源，投影只是缓存。
// 对窗口内有心跳的设备，从日志算出真实最新记录，发现投影落后就重放
// UpsertIfNewer 修复。乱序并发到达导致的条件写跳过、投影行丢失都由这里兜底。
type ReconcileService struct {
	heartbeats repository.HeartbeatsRepository
	partitions repository.PartitionsRepository
	status     repository.StatusRepository
	kv         store.KV
	lock       repository.AdvisoryLock
	window     time.Duration
	runTimeout time.Duration
	logger     *zap.Logger

	now func() time.Time
}

// NewReconcileService 创建回扫任务
func NewReconcileService(
	heartbeats repository.HeartbeatsRepository,
	partitions repository.PartitionsRepository,
	status repository.StatusRepository,
	kv store.KV,
	lock repository.AdvisoryLock,
	cfg config.JobsConfig,
	logger *zap.Logger,
) *ReconcileService {
	return &ReconcileService{
		heartbeats: heartbeats,
		partitions: partitions,
		status:     status,
		kv:         kv,
		lock:       lock,
		window:     cfg.ReconcileWindow,
		runTimeout: cfg.RunTimeout,
		logger:     logger,
		now:        time.Now,
	}
}

// Run 执行一轮回扫；拿不到锁返回 ErrRunInProgress
func (s *ReconcileService) Run(ctx context.Context) (*ReconcileReport, error) {
	acquired, err := s.lock.TryAcquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile lock acquire failed: %w", err)
	}
	if !acquired {
		return nil, ErrRunInProgress
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.lock.Release(releaseCtx); err != nil {
			s.logger.Error("reconcile lock release failed", zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	started := s.now()
	since := started.UTC().Add(-s.window)
	report := &ReconcileReport{}

	keys, err := s.partitionsInWindow(runCtx, since)
	if err != nil {
		return report, err
	}
	if len(keys) == 0 {
		return report, nil
	}

	latest, err := s.heartbeats.LatestPerDevice(runCtx, keys, since)
	if err != nil {
		return report, fmt.Errorf("failed to compute latest heartbeats: %w", err)
	}
	report.DevicesChecked = len(latest)

	deviceIDs := make([]string, 0, len(latest))
	for _, rec := range latest {
		deviceIDs = append(deviceIDs, rec.DeviceID)
	}
	projected, err := s.status.GetMany(runCtx, deviceIDs)
	if err != nil {
		return report, fmt.Errorf("failed to load projection rows: %w", err)
	}

	for _, rec := range latest {
		if runCtx.Err() != nil {
			s.logger.Warn("reconcile run timed out", zap.Error(runCtx.Err()))
			break
		}

		cur, ok := projected[rec.DeviceID]
		if ok && !cur.LastTS.Before(rec.ObservedAt) {
			// 投影不落后于日志，无需修复
			continue
		}

		applied, err := s.status.UpsertIfNewer(runCtx, domain.StatusFromHeartbeat(rec))
		if err != nil {
			s.logger.Error("projection repair failed",
				zap.String("device_id", rec.DeviceID), zap.Error(err))
			continue
		}
		if applied {
			report.Repaired++
			metrics.ProjectionRepairs.Inc()
			// 缓存失效即可，下次读取回填
			if err := s.kv.Del(runCtx, statusCacheKey(rec.DeviceID)); err != nil {
				s.logger.Warn("status cache invalidation failed",
					zap.String("device_id", rec.DeviceID), zap.Error(err))
			}
		}
	}

	report.DurationMS = s.now().Sub(started).Milliseconds()
	metrics.ReconcileDuration.Observe(float64(report.DurationMS) / 1000)

	s.logger.Info("reconcile run finished",
		zap.Int("devices_checked", report.DevicesChecked),
		zap.Int("repaired", report.Repaired),
		zap.Int64("duration_ms", report.DurationMS),
	)
	return report, runCtx.Err()
}

// partitionsInWindow 与回扫窗口相交、数据仍在库内的分区
func (s *ReconcileService) partitionsInWindow(ctx context.Context, since time.Time) ([]string, error) {
	all, err := s.partitions.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}

	var keys []string
	for _, p := range all {
		if p.State == domain.PartitionPruned {
			continue
		}
		if p.RangeEnd.After(since) && p.RangeStart.Before(s.now().UTC().Add(24*time.Hour)) {
			keys = append(keys, p.PartitionKey)
		}
	}
	return keys, nil
}
