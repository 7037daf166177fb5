package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/config"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/repository"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupStatus() (StatusService, *repository.MemoryStatusRepo, *store.MemoryKV) {
	repo := repository.NewMemoryStatusRepo()
	kv := store.NewMemoryKV()
	cfg := config.IngestConfig{StatusCacheTTL: 5 * time.Minute}
	return NewStatusService(repo, kv, cfg, zap.NewNop()), repo, kv
}

func TestGetStatus_BackfillsCacheOnMiss(t *testing.T) {
	svc, repo, kv := setupStatus()
	ctx := context.Background()

	_, err := repo.UpsertIfNewer(ctx, &domain.DeviceLastStatus{
		DeviceID:    "dev-1",
		LastTS:      testNow.Add(-time.Minute),
		NetworkType: "wifi",
	})
	require.NoError(t, err)

	st, err := svc.GetStatus(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "wifi", st.NetworkType)

	cached, err := kv.Get(ctx, statusCacheKey("dev-1"))
	require.NoError(t, err)
	assert.Contains(t, cached, `"dev-1"`)
}

func TestGetStatus_ServesFromCache(t *testing.T) {
	svc, _, kv := setupStatus()
	ctx := context.Background()

	payload, _ := json.Marshal(&domain.DeviceLastStatus{
		DeviceID:    "dev-2",
		LastTS:      testNow,
		NetworkType: "ethernet",
	})
	require.NoError(t, kv.Set(ctx, statusCacheKey("dev-2"), string(payload), time.Minute))

	// repo 里没有这一行，结果只能来自缓存
	st, err := svc.GetStatus(ctx, "dev-2")
	require.NoError(t, err)
	assert.Equal(t, "ethernet", st.NetworkType)
}

func TestGetStatus_CorruptCacheFallsThrough(t *testing.T) {
	svc, repo, kv := setupStatus()
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, statusCacheKey("dev-3"), "{not json", time.Minute))
	_, err := repo.UpsertIfNewer(ctx, &domain.DeviceLastStatus{
		DeviceID: "dev-3", LastTS: testNow, NetworkType: "wifi",
	})
	require.NoError(t, err)

	st, err := svc.GetStatus(ctx, "dev-3")
	require.NoError(t, err)
	assert.Equal(t, "wifi", st.NetworkType)
}

func TestGetStatus_NotFound(t *testing.T) {
	svc, _, _ := setupStatus()

	_, err := svc.GetStatus(context.Background(), "no-such-device")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListStatus_FiltersAndPaginates(t *testing.T) {
	svc, repo, _ := setupStatus()
	ctx := context.Background()

	for i, nt := range []string{"wifi", "wifi", "cellular"} {
		_, err := repo.UpsertIfNewer(ctx, &domain.DeviceLastStatus{
			DeviceID:    []string{"dev-a", "dev-b", "dev-c"}[i],
			LastTS:      testNow.Add(time.Duration(-i) * time.Hour),
			NetworkType: nt,
			AppVersions: map[string]string{"com.example.agent": "2.1.0"},
		})
		require.NoError(t, err)
	}

	resp, err := svc.ListStatus(ctx, ListStatusRequest{NetworkType: "wifi"})
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Total)
	require.Len(t, resp.Items, 2)
	// last_ts 降序
	assert.Equal(t, "dev-a", resp.Items[0].DeviceID)

	resp, err = svc.ListStatus(ctx, ListStatusRequest{Page: 2, Size: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Total)
	require.Len(t, resp.Items, 1)

	stale := testNow.Add(-90 * time.Minute)
	resp, err = svc.ListStatus(ctx, ListStatusRequest{StaleBefore: &stale})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, "dev-c", resp.Items[0].DeviceID)
}

func TestListStatus_ClampsPageSize(t *testing.T) {
	svc, repo, _ := setupStatus()
	ctx := context.Background()

	_, err := repo.UpsertIfNewer(ctx, &domain.DeviceLastStatus{
		DeviceID: "dev-1", LastTS: testNow, NetworkType: "wifi",
	})
	require.NoError(t, err)

	resp, err := svc.ListStatus(ctx, ListStatusRequest{Page: -3, Size: 100000})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Total)
	require.Len(t, resp.Items, 1)
}
