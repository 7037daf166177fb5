package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
)

// MemoryStatusRepo 内存版状态投影（联测 / 单元测试用）
type MemoryStatusRepo struct {
	mu   sync.RWMutex
	rows map[string]*domain.DeviceLastStatus
}

// NewMemoryStatusRepo 创建内存状态投影
func NewMemoryStatusRepo() *MemoryStatusRepo {
	return &MemoryStatusRepo{rows: map[string]*domain.DeviceLastStatus{}}
}

var _ StatusRepository = (*MemoryStatusRepo)(nil)

func (r *MemoryStatusRepo) Get(_ context.Context, deviceID string) (*domain.DeviceLastStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.rows[deviceID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (r *MemoryStatusRepo) GetMany(_ context.Context, deviceIDs []string) (map[string]*domain.DeviceLastStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*domain.DeviceLastStatus, len(deviceIDs))
	for _, id := range deviceIDs {
		if st, ok := r.rows[id]; ok {
			cp := *st
			out[id] = &cp
		}
	}
	return out, nil
}

func (r *MemoryStatusRepo) List(_ context.Context, filters StatusFilters, page, size int) ([]*domain.DeviceLastStatus, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*domain.DeviceLastStatus
	for _, st := range r.rows {
		if filters.NetworkType != "" && st.NetworkType != filters.NetworkType {
			continue
		}
		if filters.AppPackage != "" {
			ver, ok := st.AppVersions[filters.AppPackage]
			if !ok {
				continue
			}
			if filters.AppVersion != "" && ver != filters.AppVersion {
				continue
			}
		}
		if filters.StaleBefore != nil && !st.LastTS.Before(*filters.StaleBefore) {
			continue
		}
		if filters.Search != "" && !strings.HasPrefix(st.DeviceID, filters.Search) {
			continue
		}
		cp := *st
		matched = append(matched, &cp)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].LastTS.After(matched[j].LastTS) })

	total := len(matched)
	start := (page - 1) * size
	if start >= total {
		return nil, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (r *MemoryStatusRepo) UpsertIfNewer(_ context.Context, st *domain.DeviceLastStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.rows[st.DeviceID]
	if ok && cur.LastTS.After(st.LastTS) {
		return false, nil
	}
	cp := *st
	cp.UpdatedAt = time.Now().UTC()
	r.rows[st.DeviceID] = &cp
	return true, nil
}
