package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/config"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/metrics"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/repository"

	"go.uber.org/zap"
)

// ErrRunInProgress 另一个运行正持有任务锁（手动触发撞上调度运行时的正常结果）
var ErrRunInProgress = errors.New("another run is in progress")

// MaintenanceReport 单次维护运行的结果
type MaintenanceReport struct {
	PartitionsCreated int   `json:"partitions_created"`
	Archived          int   `json:"archived"`
	ArchiveFailed     int   `json:"archive_failed"`
	Pruned            int   `json:"pruned"`
	PruneFailed       int   `json:"prune_failed"`
	DurationMS        int64 `json:"duration_ms"`
}

// MaintenanceService 分区维护任务：预建未来分区、归档出活跃窗口的分区、
// 清理过保留期的分区。整个运行由 advisory lock 串行化，
// 归档/清理的失败按分区隔离，创建失败中止本轮（下轮重试）。
type MaintenanceService struct {
	partitions repository.PartitionsRepository
	heartbeats repository.HeartbeatsRepository
	lock       repository.AdvisoryLock
	sink       ArchiveSink
	index      *PartitionIndex
	cfg        config.PartitionConfig
	runTimeout time.Duration
	logger     *zap.Logger

	now func() time.Time
}

// NewMaintenanceService 创建维护任务
func NewMaintenanceService(
	partitions repository.PartitionsRepository,
	heartbeats repository.HeartbeatsRepository,
	lock repository.AdvisoryLock,
	sink ArchiveSink,
	index *PartitionIndex,
	cfg config.PartitionConfig,
	runTimeout time.Duration,
	logger *zap.Logger,
) *MaintenanceService {
	return &MaintenanceService{
		partitions: partitions,
		heartbeats: heartbeats,
		lock:       lock,
		sink:       sink,
		index:      index,
		cfg:        cfg,
		runTimeout: runTimeout,
		logger:     logger,
		now:        time.Now,
	}
}

// Run 执行一轮维护。调度器和手动触发都走这里；拿不到锁返回 ErrRunInProgress。
func (s *MaintenanceService) Run(ctx context.Context) (*MaintenanceReport, error) {
	acquired, err := s.lock.TryAcquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("maintenance lock acquire failed: %w", err)
	}
	if !acquired {
		return nil, ErrRunInProgress
	}
	// 锁必须在所有退出路径上释放，包括超时中止；
	// Release 用独立 context，run ctx 超时后仍能解锁
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.lock.Release(releaseCtx); err != nil {
			s.logger.Error("maintenance lock release failed", zap.Error(err))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	started := s.now()
	report := &MaintenanceReport{}

	// 1. 预建未来分区。失败中止本轮：没有分区比归档晚做一天严重得多。
	if err := s.createUpcoming(runCtx, report); err != nil {
		s.logger.Error("partition creation aborted the run", zap.Error(err))
		return report, err
	}

	// 创建之后刷新路由索引，新分区立刻可写
	if err := s.index.Refresh(runCtx); err != nil {
		s.logger.Warn("partition index refresh failed", zap.Error(err))
	}

	all, err := s.partitions.List(runCtx)
	if err != nil {
		return report, fmt.Errorf("failed to list partitions: %w", err)
	}

	// 2. 归档：出了活跃写入窗口的 active / archive_failed 分区。
	// 单分区失败不影响其他分区。
	s.archiveAgedOut(runCtx, all, report)

	// 3. 清理：过了完整保留期且已归档的分区。
	// active / archive_failed 分区绝不清理，这是硬保序。
	s.pruneExpired(runCtx, all, report)

	report.DurationMS = s.now().Sub(started).Milliseconds()
	metrics.MaintenanceDuration.Observe(float64(report.DurationMS) / 1000)

	s.logger.Info("maintenance run finished",
		zap.Int("created", report.PartitionsCreated),
		zap.Int("archived", report.Archived),
		zap.Int("archive_failed", report.ArchiveFailed),
		zap.Int("pruned", report.Pruned),
		zap.Int("prune_failed", report.PruneFailed),
		zap.Int64("duration_ms", report.DurationMS),
	)
	return report, runCtx.Err()
}

// createUpcoming 从今天起预建 lookahead 天的分区（幂等）
func (s *MaintenanceService) createUpcoming(ctx context.Context, report *MaintenanceReport) error {
	today, _ := domain.PartitionRangeFor(s.now())
	for d := 0; d <= s.cfg.LookaheadDays; d++ {
		day := today.AddDate(0, 0, d)
		start, end := domain.PartitionRangeFor(day)
		key := domain.PartitionKeyFor(day)

		created, err := s.partitions.Create(ctx, key, start, end)
		if err != nil {
			return fmt.Errorf("failed to create partition %s: %w", key, err)
		}
		if created {
			report.PartitionsCreated++
			metrics.PartitionTransitions.WithLabelValues("created").Inc()
			s.logger.Info("partition created", zap.String("partition", key))
		}
	}
	return nil
}

func (s *MaintenanceService) archiveAgedOut(ctx context.Context, all []*domain.PartitionMetadata, report *MaintenanceReport) {
	activeCutoff := s.now().UTC().AddDate(0, 0, -s.cfg.ActiveWindowDays)

	for _, p := range all {
		if ctx.Err() != nil {
			s.logger.Warn("maintenance run timed out during archival", zap.Error(ctx.Err()))
			return
		}
		if p.State != domain.PartitionActive && p.State != domain.PartitionArchiveFailed {
			continue
		}
		if p.RangeEnd.After(activeCutoff) {
			// 仍在活跃写入窗口内，不碰
			continue
		}

		if err := s.archivePartition(ctx, p); err != nil {
			report.ArchiveFailed++
			metrics.PartitionTransitions.WithLabelValues("archive_failed").Inc()
			s.logger.Error("partition archive failed",
				zap.String("partition", p.PartitionKey),
				zap.Error(err),
			)
			// 留在 archive_failed，下轮重试；继续处理其他分区
			if p.State == domain.PartitionActive {
				if _, terr := s.partitions.TransitionState(ctx, p.PartitionKey,
					domain.PartitionActive, domain.PartitionArchiveFailed); terr != nil {
					s.logger.Error("failed to mark partition archive_failed",
						zap.String("partition", p.PartitionKey), zap.Error(terr))
				}
			}
			continue
		}
		report.Archived++
		metrics.PartitionTransitions.WithLabelValues("archived").Inc()
	}
}

// archivePartition 导出 + checksum + 上传，全部成功后才置 archived
func (s *MaintenanceService) archivePartition(ctx context.Context, p *domain.PartitionMetadata) error {
	data, checksum, exported, err := s.exportPartition(ctx, p.PartitionKey)
	if err != nil {
		return &domain.ArchiveExportError{PartitionKey: p.PartitionKey, Err: err}
	}

	artifact := p.PartitionKey + ".ndjson"
	if err := s.sink.Put(ctx, artifact, data, checksum); err != nil {
		return &domain.ArchiveExportError{PartitionKey: p.PartitionKey, Err: err}
	}

	rowCount, byteSize, err := s.heartbeats.PartitionStats(ctx, p.PartitionKey)
	if err != nil {
		// 制品已上传，统计失败只降级记录
		s.logger.Warn("partition stats failed, recording export row count only",
			zap.String("partition", p.PartitionKey), zap.Error(err))
		rowCount, byteSize = exported, int64(len(data))
	}

	if err := s.partitions.MarkArchived(ctx, p.PartitionKey, checksum, rowCount, byteSize); err != nil {
		return err
	}

	s.logger.Info("partition archived",
		zap.String("partition", p.PartitionKey),
		zap.Int64("rows", rowCount),
		zap.String("checksum", checksum),
	)
	return nil
}

// heartbeatExportLine 归档导出的行格式。字段顺序固定，checksum 才可复算。
type heartbeatExportLine struct {
	DeviceID      string            `json:"device_id"`
	ObservedAt    time.Time         `json:"observed_at"`
	DedupBucket   time.Time         `json:"dedup_bucket"`
	ReceivedAt    time.Time         `json:"received_at"`
	BatteryLevel  *int              `json:"battery_level,omitempty"`
	NetworkType   string            `json:"network_type,omitempty"`
	UptimeSeconds *int64            `json:"uptime_seconds,omitempty"`
	AppVersions   map[string]string `json:"app_versions,omitempty"`
	Extras        map[string]any    `json:"extras,omitempty"`
}

// exportPartition 按固定顺序序列化整个分区为 NDJSON，同时计算 SHA-256
func (s *MaintenanceService) exportPartition(ctx context.Context, partitionKey string) ([]byte, string, int64, error) {
	var buf bytes.Buffer
	hash := sha256.New()
	var rows int64

	err := s.heartbeats.StreamPartition(ctx, partitionKey, func(rec *domain.HeartbeatRecord) error {
		line, err := json.Marshal(heartbeatExportLine{
			DeviceID:      rec.DeviceID,
			ObservedAt:    rec.ObservedAt.UTC(),
			DedupBucket:   rec.DedupBucket.UTC(),
			ReceivedAt:    rec.ReceivedAt.UTC(),
			BatteryLevel:  rec.BatteryLevel,
			NetworkType:   rec.NetworkType,
			UptimeSeconds: rec.UptimeSeconds,
			AppVersions:   rec.AppVersions,
			Extras:        rec.Extras,
		})
		if err != nil {
			return err
		}
		line = append(line, '\n')
		buf.Write(line)
		hash.Write(line)
		rows++
		return nil
	})
	if err != nil {
		return nil, "", 0, err
	}
	return buf.Bytes(), hex.EncodeToString(hash.Sum(nil)), rows, nil
}

func (s *MaintenanceService) pruneExpired(ctx context.Context, all []*domain.PartitionMetadata, report *MaintenanceReport) {
	retentionCutoff := s.now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)

	for _, p := range all {
		if ctx.Err() != nil {
			s.logger.Warn("maintenance run timed out during pruning", zap.Error(ctx.Err()))
			return
		}
		if p.State != domain.PartitionArchived {
			continue
		}
		if p.RangeEnd.After(retentionCutoff) {
			continue
		}

		if err := s.partitions.DropPartition(ctx, p.PartitionKey); err != nil {
			report.PruneFailed++
			s.logger.Error("partition prune failed",
				zap.String("partition", p.PartitionKey), zap.Error(err))
			continue
		}
		report.Pruned++
		metrics.PartitionTransitions.WithLabelValues("pruned").Inc()
		s.logger.Info("partition pruned", zap.String("partition", p.PartitionKey))
	}
}
