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

func setupPartitionsMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresPartitionsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewPostgresPartitionsRepository(db)
	return db, mock, repo
}

func TestPartitionsCreate_NewPartition(t *testing.T) {
	db, mock, repo := setupPartitionsMock(t)
	defer db.Close()

	start, end := domain.PartitionRangeFor(time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC))

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS heartbeats_p20260820`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`INSERT INTO heartbeat_partitions`).
		WithArgs("heartbeats_p20260820", start, end).
		WillReturnRows(sqlmock.NewRows([]string{"partition_key"}).AddRow("heartbeats_p20260820"))

	created, err := repo.Create(context.Background(), "heartbeats_p20260820", start, end)

	require.NoError(t, err)
	assert.True(t, created)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPartitionsCreate_AlreadyRegistered(t *testing.T) {
	db, mock, repo := setupPartitionsMock(t)
	defer db.Close()

	start, end := domain.PartitionRangeFor(time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC))

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS heartbeats_p20260820`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// ON CONFLICT DO NOTHING：目录行已存在
	mock.ExpectQuery(`INSERT INTO heartbeat_partitions`).
		WillReturnError(sql.ErrNoRows)

	created, err := repo.Create(context.Background(), "heartbeats_p20260820", start, end)

	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPartitionsCreate_RejectsBadKey(t *testing.T) {
	db, _, repo := setupPartitionsMock(t)
	defer db.Close()

	start, end := domain.PartitionRangeFor(time.Now().UTC())
	_, err := repo.Create(context.Background(), "evil_table", start, end)
	assert.Error(t, err)
}

func TestPartitionsTransitionState(t *testing.T) {
	db, mock, repo := setupPartitionsMock(t)
	defer db.Close()

	mock.ExpectExec(`UPDATE heartbeat_partitions`).
		WithArgs("heartbeats_p20260820", "active", "archive_failed").
		WillReturnResult(sqlmock.NewResult(0, 1))

	moved, err := repo.TransitionState(context.Background(), "heartbeats_p20260820",
		domain.PartitionActive, domain.PartitionArchiveFailed)

	require.NoError(t, err)
	assert.True(t, moved)

	// 前置状态不匹配：0 行受影响
	mock.ExpectExec(`UPDATE heartbeat_partitions`).
		WithArgs("heartbeats_p20260820", "active", "archive_failed").
		WillReturnResult(sqlmock.NewResult(0, 0))

	moved, err = repo.TransitionState(context.Background(), "heartbeats_p20260820",
		domain.PartitionActive, domain.PartitionArchiveFailed)

	require.NoError(t, err)
	assert.False(t, moved)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPartitionsDropPartition_Success(t *testing.T) {
	db, mock, repo := setupPartitionsMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE heartbeat_partitions`).
		WithArgs("heartbeats_p20260501").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DROP TABLE IF EXISTS heartbeats_p20260501`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := repo.DropPartition(context.Background(), "heartbeats_p20260501")

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPartitionsDropPartition_RefusesNonArchived(t *testing.T) {
	db, mock, repo := setupPartitionsMock(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE heartbeat_partitions`).
		WithArgs("heartbeats_p20260501").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.DropPartition(context.Background(), "heartbeats_p20260501")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "refusing to prune")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPartitionsGet_NotFound(t *testing.T) {
	db, mock, repo := setupPartitionsMock(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT .+ FROM heartbeat_partitions`).
		WithArgs("heartbeats_p19990101").
		WillReturnError(sql.ErrNoRows)

	p, err := repo.Get(context.Background(), "heartbeats_p19990101")

	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Nil(t, p)

	require.NoError(t, mock.ExpectationsWereMet())
}
