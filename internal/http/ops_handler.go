package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/repository"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/service"

	"go.uber.org/zap"
)

// OpsHandler 运维触发接口：手动跑 maintenance/reconcile、
// 强制释放卡死的任务锁、分区目录查看与导出。
// 手动触发和调度运行共用同一把 advisory lock，可以放心并发调用。
type OpsHandler struct {
	maintenance *service.MaintenanceService
	reconcile   *service.ReconcileService
	partitions  repository.PartitionsRepository
	lock        repository.AdvisoryLock
	logger      *zap.Logger
}

// NewOpsHandler 创建运维 Handler
func NewOpsHandler(
	maintenance *service.MaintenanceService,
	reconcile *service.ReconcileService,
	partitions repository.PartitionsRepository,
	lock repository.AdvisoryLock,
	logger *zap.Logger,
) *OpsHandler {
	return &OpsHandler{
		maintenance: maintenance,
		reconcile:   reconcile,
		partitions:  partitions,
		lock:        lock,
		logger:      logger,
	}
}

// RunMaintenance POST /data/api/v1/ops/maintenance/run
func (h *OpsHandler) RunMaintenance(w http.ResponseWriter, r *http.Request) {
	report, err := h.maintenance.Run(r.Context())
	if err != nil {
		if errors.Is(err, service.ErrRunInProgress) {
			writeJSON(w, http.StatusConflict, Fail("maintenance already running"))
			return
		}
		h.logger.Error("manual maintenance run failed", zap.Error(err))
		// 失败的运行也返回已完成的部分，报告对排障有用
		writeJSON(w, http.StatusInternalServerError, Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, Ok(report))
}

// RunReconciliation POST /data/api/v1/ops/reconcile/run
func (h *OpsHandler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconcile.Run(r.Context())
	if err != nil {
		if errors.Is(err, service.ErrRunInProgress) {
			writeJSON(w, http.StatusConflict, Fail("reconciliation already running"))
			return
		}
		h.logger.Error("manual reconciliation run failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, Ok(report))
}

// ForceReleaseLock POST /data/api/v1/ops/locks/force-release
// 终止持锁会话，只在确认调度进程已死但锁没放时使用
func (h *OpsHandler) ForceReleaseLock(w http.ResponseWriter, r *http.Request) {
	if err := h.lock.ForceRelease(r.Context()); err != nil {
		h.logger.Error("force release failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("force release failed"))
		return
	}
	writeJSON(w, http.StatusOK, Ok("lock released"))
}

// partitionView 分区目录行
type partitionView struct {
	PartitionKey string     `json:"partition_key"`
	State        string     `json:"state"`
	RangeStart   time.Time  `json:"range_start"`
	RangeEnd     time.Time  `json:"range_end"`
	RowCount     int64      `json:"row_count"`
	ByteSize     int64      `json:"byte_size"`
	Checksum     string     `json:"checksum"`
	ArchivedAt   *time.Time `json:"archived_at"`
}

func toPartitionViews(all []*domain.PartitionMetadata) []partitionView {
	out := make([]partitionView, 0, len(all))
	for _, p := range all {
		out = append(out, partitionView{
			PartitionKey: p.PartitionKey,
			State:        string(p.State),
			RangeStart:   p.RangeStart,
			RangeEnd:     p.RangeEnd,
			RowCount:     p.RowCount,
			ByteSize:     p.ByteSize,
			Checksum:     p.Checksum,
			ArchivedAt:   p.ArchivedAt,
		})
	}
	return out
}

// ListPartitions GET /data/api/v1/ops/partitions
func (h *OpsHandler) ListPartitions(w http.ResponseWriter, r *http.Request) {
	all, err := h.partitions.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(toPartitionViews(all)))
}

// ExportPartitions GET /data/api/v1/ops/partitions/export
// 分区目录导出为 Excel，给运维做容量/保留审计用
func (h *OpsHandler) ExportPartitions(w http.ResponseWriter, r *http.Request) {
	all, err := h.partitions.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	data, err := GeneratePartitionCatalogExport(all)
	if err != nil {
		h.logger.Error("partition catalog export failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("export failed"))
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="partition_catalog.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
