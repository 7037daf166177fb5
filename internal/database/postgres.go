package database

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/config"
)

// NewPostgresDB 创建请求路径使用的主连接池
func NewPostgresDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// NewBackgroundDB 后台任务专用小池。
// maintenance/reconcile 与在线摄入共用一个 Postgres，但连接数单独封顶，
// 长跑的归档/回扫不会把请求池抽干。
func NewBackgroundDB(cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open background database: %w", err)
	}

	max := cfg.BackgroundMaxConns
	if max <= 0 {
		max = 2
	}
	db.SetMaxOpenConns(max)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping background database: %w", err)
	}

	return db, nil
}
