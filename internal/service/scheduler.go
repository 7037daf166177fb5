package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/config"

	"go.uber.org/zap"
)

// Scheduler 后台任务调度：maintenance 每晚、reconcile 每小时。
// 两个任务都和手动触发共用同一把 advisory lock，调度撞上手动运行时
// 拿不到锁直接跳过本轮。
type Scheduler struct {
	cron        *cron.Cron
	maintenance *MaintenanceService
	reconcile   *ReconcileService
	cfg         config.JobsConfig
	logger      *zap.Logger
}

// NewScheduler 创建调度器
func NewScheduler(maintenance *MaintenanceService, reconcile *ReconcileService, cfg config.JobsConfig, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:        cron.New(),
		maintenance: maintenance,
		reconcile:   reconcile,
		cfg:         cfg,
		logger:      logger,
	}
}

// Start 注册两个计划并启动 cron
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.cfg.MaintenanceSchedule, func() {
		if _, err := s.maintenance.Run(context.Background()); err != nil {
			if errors.Is(err, ErrRunInProgress) {
				s.logger.Info("scheduled maintenance skipped, another run holds the lock")
				return
			}
			s.logger.Error("scheduled maintenance run failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", s.cfg.MaintenanceSchedule, err)
	}

	_, err = s.cron.AddFunc(s.cfg.ReconcileSchedule, func() {
		if _, err := s.reconcile.Run(context.Background()); err != nil {
			if errors.Is(err, ErrRunInProgress) {
				s.logger.Info("scheduled reconciliation skipped, another run holds the lock")
				return
			}
			s.logger.Error("scheduled reconciliation run failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reconcile schedule %q: %w", s.cfg.ReconcileSchedule, err)
	}

	s.cron.Start()
	s.logger.Info("background scheduler started",
		zap.String("maintenance", s.cfg.MaintenanceSchedule),
		zap.String("reconcile", s.cfg.ReconcileSchedule),
	)
	return nil
}

// Stop 停止调度，等待在跑的任务结束
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("background scheduler stopped")
}
