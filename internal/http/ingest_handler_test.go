package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/config"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/repository"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/service"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/store"

	"go.uber.org/zap"
)

type ingestFixture struct {
	router    *Router
	telemetry *repository.MemoryTelemetryStore
	status    *repository.MemoryStatusRepo
}

// newIngestFixture 组装内存后端的完整摄入链路，预建今天的分区
func newIngestFixture(t *testing.T) *ingestFixture {
	logger := zap.NewNop()
	telemetry := repository.NewMemoryTelemetryStore()
	status := repository.NewMemoryStatusRepo()
	kv := store.NewMemoryKV()

	now := time.Now().UTC()
	start, end := domain.PartitionRangeFor(now)
	if _, err := telemetry.Create(context.Background(), domain.PartitionKeyFor(now), start, end); err != nil {
		t.Fatalf("failed to seed partition: %v", err)
	}

	cfg := config.IngestConfig{
		BucketWidth:    10 * time.Second,
		MaxFutureSkew:  24 * time.Hour,
		StatusCacheTTL: 5 * time.Minute,
	}
	ingest := service.NewIngestService(telemetry, status, service.NewPartitionIndex(telemetry), kv, cfg, logger)
	statusSvc := service.NewStatusService(status, kv, cfg, logger)

	router := NewRouter(logger)
	router.RegisterTelemetryRoutes(
		NewIngestHandler(ingest, logger),
		NewStatusHandler(statusSvc, logger),
	)
	return &ingestFixture{router: router, telemetry: telemetry, status: status}
}

func postHeartbeat(f *ingestFixture, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/data/api/v1/telemetry/heartbeats", strings.NewReader(body))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestPostHeartbeat_Accepted(t *testing.T) {
	f := newIngestFixture(t)

	observed := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	w := postHeartbeat(f, `{
		"device_id": "dev-1",
		"observed_at": "`+observed+`",
		"status": {"battery_level": 85, "network_type": "wifi"}
	}`)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, `"code":2000`) {
		t.Fatalf("expected wrapper code=2000, got: %s", body)
	}
	if !strings.Contains(body, `"accepted":true`) || !strings.Contains(body, `"deduplicated":false`) {
		t.Fatalf("unexpected result: %s", body)
	}

	// 去重命中也是 202
	w = postHeartbeat(f, `{
		"device_id": "dev-1",
		"observed_at": "`+observed+`",
		"status": {"battery_level": 85, "network_type": "wifi"}
	}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on duplicate, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"deduplicated":true`) {
		t.Fatalf("expected deduplicated=true, got: %s", w.Body.String())
	}
}

func TestPostHeartbeat_ValidationRejected(t *testing.T) {
	f := newIngestFixture(t)

	observed := time.Now().UTC().Format(time.RFC3339)
	w := postHeartbeat(f, `{
		"device_id": "dev-1",
		"observed_at": "`+observed+`",
		"status": {"network_type": "wifi"}
	}`)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "battery_level") {
		t.Fatalf("expected battery_level in error, got: %s", w.Body.String())
	}
}

func TestPostHeartbeat_NoPartitionIs503(t *testing.T) {
	f := newIngestFixture(t)

	// 一个月前没有分区覆盖
	observed := time.Now().UTC().AddDate(0, -1, 0).Format(time.RFC3339)
	w := postHeartbeat(f, `{
		"device_id": "dev-1",
		"observed_at": "`+observed+`",
		"status": {"battery_level": 50, "network_type": "wifi"}
	}`)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPostHeartbeat_MethodNotAllowed(t *testing.T) {
	f := newIngestFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/data/api/v1/telemetry/heartbeats", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestGetStatus_AfterIngest(t *testing.T) {
	f := newIngestFixture(t)

	observed := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	postHeartbeat(f, `{
		"device_id": "dev-42",
		"observed_at": "`+observed+`",
		"status": {"battery_level": 66, "network_type": "cellular"}
	}`)

	req := httptest.NewRequest(http.MethodGet, "/data/api/v1/telemetry/status/dev-42", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, `"device_id":"dev-42"`) || !strings.Contains(body, `"battery_level":66`) {
		t.Fatalf("unexpected status body: %s", body)
	}

	// 未知设备
	req = httptest.NewRequest(http.MethodGet, "/data/api/v1/telemetry/status/nobody", nil)
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListStatus_Filters(t *testing.T) {
	f := newIngestFixture(t)

	observed := time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)
	for _, body := range []string{
		`{"device_id": "dev-a", "observed_at": "` + observed + `", "status": {"battery_level": 10, "network_type": "wifi"}}`,
		`{"device_id": "dev-b", "observed_at": "` + observed + `", "status": {"battery_level": 20, "network_type": "cellular"}}`,
	} {
		postHeartbeat(f, body)
	}

	req := httptest.NewRequest(http.MethodGet, "/data/api/v1/telemetry/status?network_type=wifi", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, "dev-a") || strings.Contains(body, "dev-b") {
		t.Fatalf("filter not applied: %s", body)
	}
	if !strings.Contains(body, `"total":1`) {
		t.Fatalf("expected total=1: %s", body)
	}
}
