package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
)

// MemoryTelemetryStore: 内存版的分区目录 + 心跳日志，用于 DB 未就绪时的联测
// 和单元测试（分区路由逻辑不依赖真实多分区数据库即可验证）。
// 同一个结构同时实现 PartitionsRepository 和 HeartbeatsRepository，
// 因为 DropPartition 需要同时删掉目录行和该分区存储的心跳。
type MemoryTelemetryStore struct {
	mu sync.RWMutex

	partitions map[string]*domain.PartitionMetadata
	// heartbeats: partitionKey -> dedup key ("deviceID|bucket") -> record
	heartbeats map[string]map[string]*domain.HeartbeatRecord
	nextID     int64
}

// NewMemoryTelemetryStore 创建内存存储
func NewMemoryTelemetryStore() *MemoryTelemetryStore {
	return &MemoryTelemetryStore{
		partitions: map[string]*domain.PartitionMetadata{},
		heartbeats: map[string]map[string]*domain.HeartbeatRecord{},
	}
}

var (
	_ PartitionsRepository = (*MemoryTelemetryStore)(nil)
	_ HeartbeatsRepository = (*MemoryTelemetryStore)(nil)
)

// ---- PartitionsRepository ----

func (s *MemoryTelemetryStore) List(_ context.Context) ([]*domain.PartitionMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.PartitionMetadata, 0, len(s.partitions))
	for _, p := range s.partitions {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RangeStart.Before(out[j].RangeStart) })
	return out, nil
}

func (s *MemoryTelemetryStore) Get(_ context.Context, partitionKey string) (*domain.PartitionMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.partitions[partitionKey]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryTelemetryStore) Create(_ context.Context, partitionKey string, rangeStart, rangeEnd time.Time) (bool, error) {
	if err := domain.ValidatePartitionKey(partitionKey); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.partitions[partitionKey]; ok {
		return false, nil
	}
	now := time.Now().UTC()
	s.partitions[partitionKey] = &domain.PartitionMetadata{
		PartitionKey: partitionKey,
		State:        domain.PartitionActive,
		RangeStart:   rangeStart,
		RangeEnd:     rangeEnd,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.heartbeats[partitionKey] = map[string]*domain.HeartbeatRecord{}
	return true, nil
}

func (s *MemoryTelemetryStore) TransitionState(_ context.Context, partitionKey string, from, to domain.PartitionState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions[partitionKey]
	if !ok || p.State != from {
		return false, nil
	}
	p.State = to
	p.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryTelemetryStore) MarkArchived(_ context.Context, partitionKey, checksum string, rowCount, byteSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions[partitionKey]
	if !ok {
		return domain.ErrNotFound
	}
	if p.State != domain.PartitionActive && p.State != domain.PartitionArchiveFailed {
		return fmt.Errorf("partition %s not in an archivable state", partitionKey)
	}
	now := time.Now().UTC()
	p.State = domain.PartitionArchived
	p.Checksum = checksum
	p.RowCount = rowCount
	p.ByteSize = byteSize
	p.ArchivedAt = &now
	p.UpdatedAt = now
	return nil
}

func (s *MemoryTelemetryStore) DropPartition(_ context.Context, partitionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions[partitionKey]
	if !ok {
		return domain.ErrNotFound
	}
	if p.State != domain.PartitionArchived {
		return fmt.Errorf("partition %s is not archived, refusing to prune", partitionKey)
	}
	p.State = domain.PartitionPruned
	p.UpdatedAt = time.Now().UTC()
	delete(s.heartbeats, partitionKey)
	return nil
}

// ---- HeartbeatsRepository ----

func (s *MemoryTelemetryStore) Insert(_ context.Context, partitionKey string, rec *domain.HeartbeatRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	part, ok := s.heartbeats[partitionKey]
	if !ok {
		return false, fmt.Errorf("partition table %s does not exist", partitionKey)
	}

	key := rec.DeviceID + "|" + rec.DedupBucket.UTC().Format(time.RFC3339)
	if _, exists := part[key]; exists {
		return false, nil
	}
	s.nextID++
	cp := *rec
	cp.ID = s.nextID
	part[key] = &cp
	rec.ID = cp.ID
	return true, nil
}

func (s *MemoryTelemetryStore) LatestPerDevice(_ context.Context, partitionKeys []string, since time.Time) ([]*domain.HeartbeatRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := map[string]*domain.HeartbeatRecord{}
	for _, key := range partitionKeys {
		for _, rec := range s.heartbeats[key] {
			if rec.ObservedAt.Before(since) {
				continue
			}
			cur, ok := latest[rec.DeviceID]
			if !ok || rec.ObservedAt.After(cur.ObservedAt) {
				cp := *rec
				latest[rec.DeviceID] = &cp
			}
		}
	}

	out := make([]*domain.HeartbeatRecord, 0, len(latest))
	for _, rec := range latest {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (s *MemoryTelemetryStore) StreamPartition(_ context.Context, partitionKey string, fn func(*domain.HeartbeatRecord) error) error {
	s.mu.RLock()
	recs := make([]*domain.HeartbeatRecord, 0, len(s.heartbeats[partitionKey]))
	for _, rec := range s.heartbeats[partitionKey] {
		cp := *rec
		recs = append(recs, &cp)
	}
	s.mu.RUnlock()

	// 与 Postgres 实现保持同一遍历顺序，checksum 才可比
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].ObservedAt.Equal(recs[j].ObservedAt) {
			return recs[i].ObservedAt.Before(recs[j].ObservedAt)
		}
		return recs[i].DeviceID < recs[j].DeviceID
	})

	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryTelemetryStore) PartitionStats(_ context.Context, partitionKey string) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	part, ok := s.heartbeats[partitionKey]
	if !ok {
		return 0, 0, fmt.Errorf("partition table %s does not exist", partitionKey)
	}
	// 内存实现没有物理大小概念，按行数粗估
	return int64(len(part)), int64(len(part)) * 256, nil
}
