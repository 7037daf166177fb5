package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
)

// PostgresPartitionsRepository 分区目录 Repository 实现
// heartbeat_partitions 表是物理分区的权威索引；
// Create/DropPartition 是整个服务里仅有的两处 DDL。
type PostgresPartitionsRepository struct {
	db *sql.DB
}

// NewPostgresPartitionsRepository 创建分区目录 Repository
func NewPostgresPartitionsRepository(db *sql.DB) *PostgresPartitionsRepository {
	return &PostgresPartitionsRepository{db: db}
}

var _ PartitionsRepository = (*PostgresPartitionsRepository)(nil)

const partitionColumns = `partition_key, state, range_start, range_end,
	row_count, byte_size, checksum, archived_at, created_at, updated_at`

// List 全部目录行，按 range_start 升序
func (r *PostgresPartitionsRepository) List(ctx context.Context) ([]*domain.PartitionMetadata, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM heartbeat_partitions ORDER BY range_start", partitionColumns)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	defer rows.Close()

	var out []*domain.PartitionMetadata
	for rows.Next() {
		p, err := scanPartition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Get 按 partition_key 查单行
func (r *PostgresPartitionsRepository) Get(ctx context.Context, partitionKey string) (*domain.PartitionMetadata, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM heartbeat_partitions WHERE partition_key = $1", partitionColumns)

	p := &domain.PartitionMetadata{}
	var checksum sql.NullString
	err := r.db.QueryRowContext(ctx, query, partitionKey).Scan(
		&p.PartitionKey, &p.State, &p.RangeStart, &p.RangeEnd,
		&p.RowCount, &p.ByteSize, &checksum, &p.ArchivedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get partition %s: %w", partitionKey, err)
	}
	p.Checksum = checksum.String
	return p, nil
}

// Create 建物理分区表 + 登记目录行。
// 两步都幂等（IF NOT EXISTS / ON CONFLICT DO NOTHING），重复创建返回 created=false。
// CHECK 约束兜底分区边界，(device_id, dedup_bucket) 唯一索引承载去重语义。
func (r *PostgresPartitionsRepository) Create(ctx context.Context, partitionKey string, rangeStart, rangeEnd time.Time) (bool, error) {
	if err := domain.ValidatePartitionKey(partitionKey); err != nil {
		return false, err
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id            BIGSERIAL PRIMARY KEY,
			device_id     VARCHAR(64) NOT NULL,
			observed_at   TIMESTAMPTZ NOT NULL,
			dedup_bucket  TIMESTAMPTZ NOT NULL,
			received_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			battery_level INTEGER,
			network_type  VARCHAR(20),
			uptime_seconds BIGINT,
			app_versions  JSONB,
			extras        JSONB,
			CONSTRAINT %s_range_check CHECK (observed_at >= '%s' AND observed_at < '%s'),
			CONSTRAINT %s_dedup_key UNIQUE (device_id, dedup_bucket)
		)`,
		partitionKey,
		partitionKey, rangeStart.UTC().Format(time.RFC3339), rangeEnd.UTC().Format(time.RFC3339),
		partitionKey,
	)
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return false, fmt.Errorf("failed to create partition table %s: %w", partitionKey, err)
	}

	var key string
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO heartbeat_partitions (partition_key, state, range_start, range_end)
		VALUES ($1, 'active', $2, $3)
		ON CONFLICT (partition_key) DO NOTHING
		RETURNING partition_key`,
		partitionKey, rangeStart, rangeEnd,
	).Scan(&key)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to register partition %s: %w", partitionKey, err)
	}
	return true, nil
}

// TransitionState 原子状态转换，WHERE state=from 保护避免重复归档/清理
func (r *PostgresPartitionsRepository) TransitionState(ctx context.Context, partitionKey string, from, to domain.PartitionState) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE heartbeat_partitions
		SET state = $3, updated_at = NOW()
		WHERE partition_key = $1 AND state = $2`,
		partitionKey, from, to,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition partition %s %s->%s: %w", partitionKey, from, to, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkArchived 导出成功后写入统计与 checksum；
// 允许的前置状态是 active（首次归档）或 archive_failed（重试成功）
func (r *PostgresPartitionsRepository) MarkArchived(ctx context.Context, partitionKey, checksum string, rowCount, byteSize int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE heartbeat_partitions
		SET state = 'archived', checksum = $2, row_count = $3, byte_size = $4,
		    archived_at = NOW(), updated_at = NOW()
		WHERE partition_key = $1 AND state IN ('active', 'archive_failed')`,
		partitionKey, checksum, rowCount, byteSize,
	)
	if err != nil {
		return fmt.Errorf("failed to mark partition %s archived: %w", partitionKey, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("partition %s not in an archivable state", partitionKey)
	}
	return nil
}

// DropPartition 物理删表 + 目录行置 pruned，同一事务内完成。
// WHERE state='archived' 是硬保护：active / archive_failed 的分区绝不允许被清理。
func (r *PostgresPartitionsRepository) DropPartition(ctx context.Context, partitionKey string) error {
	if err := domain.ValidatePartitionKey(partitionKey); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin prune tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE heartbeat_partitions
		SET state = 'pruned', updated_at = NOW()
		WHERE partition_key = $1 AND state = 'archived'`,
		partitionKey,
	)
	if err != nil {
		return fmt.Errorf("failed to mark partition %s pruned: %w", partitionKey, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("partition %s is not archived, refusing to prune", partitionKey)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", partitionKey)); err != nil {
		return fmt.Errorf("failed to drop partition table %s: %w", partitionKey, err)
	}

	return tx.Commit()
}

func scanPartition(rows *sql.Rows) (*domain.PartitionMetadata, error) {
	p := &domain.PartitionMetadata{}
	var checksum sql.NullString
	err := rows.Scan(
		&p.PartitionKey, &p.State, &p.RangeStart, &p.RangeEnd,
		&p.RowCount, &p.ByteSize, &checksum, &p.ArchivedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan partition row: %w", err)
	}
	p.Checksum = checksum.String
	return p, nil
}
