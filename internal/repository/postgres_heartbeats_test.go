package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
)

func setupHeartbeatsMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresHeartbeatsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewPostgresHeartbeatsRepository(db)
	return db, mock, repo
}

func sampleHeartbeat(observed time.Time) *domain.HeartbeatRecord {
	battery := 85
	return &domain.HeartbeatRecord{
		DeviceID:     "dev-1",
		ObservedAt:   observed,
		DedupBucket:  domain.TruncateToBucket(observed, 10*time.Second),
		ReceivedAt:   observed.Add(time.Second),
		BatteryLevel: &battery,
		NetworkType:  "wifi",
		AppVersions:  map[string]string{"com.example.agent": "2.1.0"},
	}
}

func TestHeartbeatsInsert_Success(t *testing.T) {
	db, mock, repo := setupHeartbeatsMock(t)
	defer db.Close()

	observed := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	rec := sampleHeartbeat(observed)

	mock.ExpectQuery(`INSERT INTO heartbeats_p20260820`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	inserted, err := repo.Insert(context.Background(), "heartbeats_p20260820", rec)

	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(42), rec.ID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeatsInsert_DedupConflict(t *testing.T) {
	db, mock, repo := setupHeartbeatsMock(t)
	defer db.Close()

	observed := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	rec := sampleHeartbeat(observed)

	// ON CONFLICT DO NOTHING 时 RETURNING 扫不到行
	mock.ExpectQuery(`INSERT INTO heartbeats_p20260820`).
		WillReturnError(sql.ErrNoRows)

	inserted, err := repo.Insert(context.Background(), "heartbeats_p20260820", rec)

	require.NoError(t, err)
	assert.False(t, inserted)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeatsInsert_RejectsBadPartitionKey(t *testing.T) {
	db, _, repo := setupHeartbeatsMock(t)
	defer db.Close()

	rec := sampleHeartbeat(time.Now().UTC())

	_, err := repo.Insert(context.Background(), "heartbeats_p2026; DROP TABLE x", rec)
	assert.Error(t, err)
}

func TestHeartbeatsPartitionStats(t *testing.T) {
	db, mock, repo := setupHeartbeatsMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\), pg_total_relation_size`).
		WillReturnRows(sqlmock.NewRows([]string{"count", "size"}).AddRow(int64(1200), int64(98304)))

	rows, bytes, err := repo.PartitionStats(context.Background(), "heartbeats_p20260820")

	require.NoError(t, err)
	assert.Equal(t, int64(1200), rows)
	assert.Equal(t, int64(98304), bytes)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeatsLatestPerDevice(t *testing.T) {
	db, mock, repo := setupHeartbeatsMock(t)
	defer db.Close()

	observed := time.Date(2026, 8, 20, 11, 0, 0, 0, time.UTC)
	battery := 60
	rows := sqlmock.NewRows([]string{
		"id", "device_id", "observed_at", "dedup_bucket", "received_at",
		"battery_level", "network_type", "uptime_seconds", "app_versions", "extras",
	}).AddRow(
		int64(7), "dev-1", observed, observed.Truncate(10*time.Second), observed.Add(time.Second),
		battery, "cellular", nil, []byte(`{"com.example.agent":"2.1.0"}`), nil,
	)

	mock.ExpectQuery(`SELECT DISTINCT ON \(device_id\)`).
		WithArgs(observed.Add(-time.Hour)).
		WillReturnRows(rows)

	latest, err := repo.LatestPerDevice(context.Background(),
		[]string{"heartbeats_p20260820"}, observed.Add(-time.Hour))

	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, "dev-1", latest[0].DeviceID)
	assert.Equal(t, "2.1.0", latest[0].AppVersions["com.example.agent"])
	require.NotNil(t, latest[0].BatteryLevel)
	assert.Equal(t, 60, *latest[0].BatteryLevel)

	require.NoError(t, mock.ExpectationsWereMet())
}
