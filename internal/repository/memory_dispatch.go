package repository

import (
	"context"
	"sync"
	"time"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
)

// MemoryDispatchRepo 内存版下发台账（联测 / 单元测试用）
type MemoryDispatchRepo struct {
	mu   sync.Mutex
	rows map[string]*domain.DispatchRecord
}

// NewMemoryDispatchRepo 创建内存下发台账
func NewMemoryDispatchRepo() *MemoryDispatchRepo {
	return &MemoryDispatchRepo{rows: map[string]*domain.DispatchRecord{}}
}

var _ DispatchRepository = (*MemoryDispatchRepo)(nil)

func (r *MemoryDispatchRepo) InsertPending(_ context.Context, rec *domain.DispatchRecord) (bool, *domain.DispatchRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.rows[rec.RequestID]; ok {
		cp := *existing
		return false, &cp, nil
	}

	cp := *rec
	cp.OutcomeStatus = domain.DispatchPending
	cp.CreatedAt = time.Now().UTC()
	r.rows[rec.RequestID] = &cp

	out := cp
	return true, &out, nil
}

func (r *MemoryDispatchRepo) Get(_ context.Context, requestID string) (*domain.DispatchRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.rows[requestID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *MemoryDispatchRepo) Finalize(_ context.Context, requestID string, status domain.DispatchStatus, latencyMS int, retryCount int, lastError string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.rows[requestID]
	if !ok || rec.OutcomeStatus != domain.DispatchPending {
		return false, nil
	}
	now := time.Now().UTC()
	rec.OutcomeStatus = status
	rec.LatencyMS = &latencyMS
	rec.RetryCount = retryCount
	rec.LastError = lastError
	rec.FinalizedAt = &now
	return true, nil
}
