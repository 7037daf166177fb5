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

func setupStatusMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresStatusRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewPostgresStatusRepository(db)
	return db, mock, repo
}

func sampleStatus(lastTS time.Time) *domain.DeviceLastStatus {
	battery := 70
	return &domain.DeviceLastStatus{
		DeviceID:     "dev-1",
		LastTS:       lastTS,
		BatteryLevel: &battery,
		NetworkType:  "wifi",
		ReceivedAt:   lastTS.Add(time.Second),
	}
}

func TestStatusUpsertIfNewer_Applied(t *testing.T) {
	db, mock, repo := setupStatusMock(t)
	defer db.Close()

	lastTS := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO device_last_status`).
		WillReturnRows(sqlmock.NewRows([]string{"device_id"}).AddRow("dev-1"))

	applied, err := repo.UpsertIfNewer(context.Background(), sampleStatus(lastTS))

	require.NoError(t, err)
	assert.True(t, applied)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusUpsertIfNewer_SkippedWhenOlder(t *testing.T) {
	db, mock, repo := setupStatusMock(t)
	defer db.Close()

	lastTS := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	// WHERE last_ts <= EXCLUDED.last_ts 不满足时 RETURNING 扫不到行
	mock.ExpectQuery(`INSERT INTO device_last_status`).
		WillReturnError(sql.ErrNoRows)

	applied, err := repo.UpsertIfNewer(context.Background(), sampleStatus(lastTS))

	require.NoError(t, err)
	assert.False(t, applied)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusGet_NotFound(t *testing.T) {
	db, mock, repo := setupStatusMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT .+ FROM device_last_status`).
		WithArgs("dev-missing").
		WillReturnError(sql.ErrNoRows)

	st, err := repo.Get(context.Background(), "dev-missing")

	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Nil(t, st)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusGet_Success(t *testing.T) {
	db, mock, repo := setupStatusMock(t)
	defer db.Close()

	lastTS := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"device_id", "last_ts", "battery_level", "network_type",
		"uptime_seconds", "app_versions", "extras", "received_at", "updated_at",
	}).AddRow(
		"dev-1", lastTS, 70, "wifi", int64(3600),
		[]byte(`{"com.example.agent":"2.1.0"}`), nil, lastTS.Add(time.Second), lastTS.Add(time.Second),
	)

	mock.ExpectQuery(`SELECT .+ FROM device_last_status`).
		WithArgs("dev-1").
		WillReturnRows(rows)

	st, err := repo.Get(context.Background(), "dev-1")

	require.NoError(t, err)
	assert.Equal(t, "dev-1", st.DeviceID)
	assert.True(t, st.LastTS.Equal(lastTS))
	assert.Equal(t, "2.1.0", st.AppVersions["com.example.agent"])

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusList_BuildsFiltersAndCount(t *testing.T) {
	db, mock, repo := setupStatusMock(t)
	defer db.Close()

	lastTS := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM device_last_status`).
		WithArgs("wifi").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	rows := sqlmock.NewRows([]string{
		"device_id", "last_ts", "battery_level", "network_type",
		"uptime_seconds", "app_versions", "extras", "received_at", "updated_at",
	}).AddRow(
		"dev-1", lastTS, 70, "wifi", nil, nil, nil, lastTS, lastTS,
	)
	mock.ExpectQuery(`SELECT .+ FROM device_last_status WHERE .+ ORDER BY last_ts DESC`).
		WithArgs("wifi", 20, 0).
		WillReturnRows(rows)

	items, total, err := repo.List(context.Background(),
		StatusFilters{NetworkType: "wifi"}, 1, 20)

	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, "dev-1", items[0].DeviceID)

	require.NoError(t, mock.ExpectationsWereMet())
}
