package service

import (
	"context"
	"testing"
	"time"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionIndex_ResolvesAfterRefresh(t *testing.T) {
	telemetry := repository.NewMemoryTelemetryStore()
	idx := NewPartitionIndex(telemetry)
	ctx := context.Background()

	at := testNow.Add(-time.Hour)

	// 目录为空：未命中
	_, err := idx.Resolve(ctx, at)
	var npErr *domain.NoPartitionError
	require.ErrorAs(t, err, &npErr)

	// Maintenance Job 建了分区后，Resolve 的 miss 路径会强制刷新并命中
	start, end := domain.PartitionRangeFor(testNow)
	_, err = telemetry.Create(ctx, domain.PartitionKeyFor(testNow), start, end)
	require.NoError(t, err)

	key, err := idx.Resolve(ctx, at)
	require.NoError(t, err)
	assert.Equal(t, domain.PartitionKeyFor(testNow), key)
}

func TestPartitionIndex_SkipsNonActivePartitions(t *testing.T) {
	telemetry := repository.NewMemoryTelemetryStore()
	idx := NewPartitionIndex(telemetry)
	ctx := context.Background()

	day := testNow.AddDate(0, 0, -5)
	start, end := domain.PartitionRangeFor(day)
	key := domain.PartitionKeyFor(day)
	_, err := telemetry.Create(ctx, key, start, end)
	require.NoError(t, err)
	require.NoError(t, telemetry.MarkArchived(ctx, key, "cafe", 0, 0))

	// 已归档的分区不可写
	_, err = idx.Resolve(ctx, day.Add(time.Hour))
	var npErr *domain.NoPartitionError
	assert.ErrorAs(t, err, &npErr)
}

func TestPartitionIndex_RangeBoundaries(t *testing.T) {
	telemetry := repository.NewMemoryTelemetryStore()
	idx := NewPartitionIndex(telemetry)
	ctx := context.Background()

	start, end := domain.PartitionRangeFor(testNow)
	key := domain.PartitionKeyFor(testNow)
	_, err := telemetry.Create(ctx, key, start, end)
	require.NoError(t, err)

	// range_start 含，range_end 不含
	got, err := idx.Resolve(ctx, start)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = idx.Resolve(ctx, end)
	var npErr *domain.NoPartitionError
	assert.ErrorAs(t, err, &npErr)
}
