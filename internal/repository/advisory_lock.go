package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// advisory lock 的两段 key：classID 区分应用，jobID 区分任务
const (
	lockClassID = 7401 // unitymdm telemetry core

	LockJobMaintenance int64 = 1
	LockJobReconcile   int64 = 2
)

// PostgresAdvisoryLock Postgres advisory lock 封装。
// advisory lock 是会话级的：TryAcquire 把一个 *sql.Conn 从池里钉住，
// Release 在同一连接上解锁后归还。连接断开时锁自动释放。
type PostgresAdvisoryLock struct {
	db     *sql.DB
	jobID  int64
	logger *zap.Logger

	mu   sync.Mutex
	conn *sql.Conn // 持锁期间的专用会话，未持锁时为 nil
}

// NewPostgresAdvisoryLock 创建后台任务互斥锁
func NewPostgresAdvisoryLock(db *sql.DB, jobID int64, logger *zap.Logger) *PostgresAdvisoryLock {
	return &PostgresAdvisoryLock{db: db, jobID: jobID, logger: logger}
}

var _ AdvisoryLock = (*PostgresAdvisoryLock)(nil)

// TryAcquire 非阻塞获取
func (l *PostgresAdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		// 本进程已持有
		return false, nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to pin lock session: %w", err)
	}

	var locked bool
	err = conn.QueryRowContext(ctx,
		"SELECT pg_try_advisory_lock($1, $2)", lockClassID, l.jobID,
	).Scan(&locked)
	if err != nil {
		conn.Close()
		return false, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	if !locked {
		conn.Close()
		return false, nil
	}

	l.conn = conn
	return true, nil
}

// Release 在持锁会话上解锁并归还连接；所有退出路径都必须走到这里
func (l *PostgresAdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}

	var unlocked bool
	err := l.conn.QueryRowContext(ctx,
		"SELECT pg_advisory_unlock($1, $2)", lockClassID, l.jobID,
	).Scan(&unlocked)
	closeErr := l.conn.Close()
	l.conn = nil

	if err != nil {
		// 连接关闭后会话消失，锁随之释放；记录但不向上传播
		l.logger.Warn("advisory unlock query failed, lock released via session close", zap.Error(err))
		return closeErr
	}
	if !unlocked {
		l.logger.Warn("advisory unlock returned false, lock was not held by this session")
	}
	return closeErr
}

// ForceRelease 运维动作：终止当前持锁会话。
// 针对"调度进程崩溃但会话没断"这类卡死场景；会打断正在进行的维护运行。
func (l *PostgresAdvisoryLock) ForceRelease(ctx context.Context) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT pg_terminate_backend(pid)
		FROM pg_locks
		WHERE locktype = 'advisory' AND classid = $1 AND objid = $2 AND granted`,
		lockClassID, l.jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to force-release maintenance lock: %w", err)
	}
	defer rows.Close()

	terminated := 0
	for rows.Next() {
		var ok bool
		if err := rows.Scan(&ok); err != nil {
			return fmt.Errorf("failed to scan terminate result: %w", err)
		}
		if ok {
			terminated++
		}
	}
	if terminated > 0 {
		l.logger.Warn("maintenance lock force-released, holder session terminated",
			zap.Int("sessions", terminated))
	}
	return rows.Err()
}

// MemoryAdvisoryLock 进程内互斥锁：DB 未就绪的联测环境用
type MemoryAdvisoryLock struct {
	mu   sync.Mutex
	held bool
}

// NewMemoryAdvisoryLock 创建内存互斥锁
func NewMemoryAdvisoryLock() *MemoryAdvisoryLock {
	return &MemoryAdvisoryLock{}
}

var _ AdvisoryLock = (*MemoryAdvisoryLock)(nil)

func (l *MemoryAdvisoryLock) TryAcquire(_ context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *MemoryAdvisoryLock) Release(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	return nil
}

func (l *MemoryAdvisoryLock) ForceRelease(ctx context.Context) error {
	return l.Release(ctx)
}
