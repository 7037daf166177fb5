package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/repository"
)

// PartitionIndex 分区路由索引：把分区目录缓存在进程内，
// 热路径上 Ingest 的"observed_at -> 物理表"解析不用每次查库。
// 缓存未命中会强制刷新一次再判定；确实没有覆盖分区时返回 NoPartitionError
// （绝不在写入路径上建分区）。
type PartitionIndex struct {
	repo       repository.PartitionsRepository
	refreshTTL time.Duration

	mu        sync.RWMutex
	ranges    []*domain.PartitionMetadata // 可写分区（state=active），按 range_start 升序
	refreshed time.Time
}

// NewPartitionIndex 创建分区路由索引
func NewPartitionIndex(repo repository.PartitionsRepository) *PartitionIndex {
	return &PartitionIndex{
		repo:       repo,
		refreshTTL: time.Minute,
	}
}

// Resolve 找到覆盖 at 的可写分区表名
func (idx *PartitionIndex) Resolve(ctx context.Context, at time.Time) (string, error) {
	if key, ok := idx.lookup(at); ok {
		return key, nil
	}

	// 未命中：可能是缓存过期（Maintenance Job 刚建了新分区），刷新后重试一次
	if err := idx.Refresh(ctx); err != nil {
		return "", err
	}
	if key, ok := idx.lookup(at); ok {
		return key, nil
	}
	return "", &domain.NoPartitionError{At: at}
}

// Refresh 从分区目录重建缓存
func (idx *PartitionIndex) Refresh(ctx context.Context) error {
	all, err := idx.repo.List(ctx)
	if err != nil {
		return err
	}

	active := make([]*domain.PartitionMetadata, 0, len(all))
	for _, p := range all {
		if p.State == domain.PartitionActive {
			active = append(active, p)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].RangeStart.Before(active[j].RangeStart) })

	idx.mu.Lock()
	idx.ranges = active
	idx.refreshed = time.Now()
	idx.mu.Unlock()
	return nil
}

func (idx *PartitionIndex) lookup(at time.Time) (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if time.Since(idx.refreshed) > idx.refreshTTL {
		return "", false
	}
	// 分区不重叠，二分找第一个 range_end > at 的分区即可
	i := sort.Search(len(idx.ranges), func(i int) bool {
		return idx.ranges[i].RangeEnd.After(at)
	})
	if i < len(idx.ranges) && idx.ranges[i].Covers(at) {
		return idx.ranges[i].PartitionKey, true
	}
	return "", false
}
