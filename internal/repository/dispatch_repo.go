package repository

import (
	"context"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
)

// DispatchRepository 命令下发台账 Repository 接口
type DispatchRepository interface {
	// InsertPending 以 request_id 为幂等键插入 pending 行。
	// 已存在时返回 created=false 和现存行（不比较载荷——同 key 不同载荷是调用方 bug，
	// 这里只保证不重复触发副作用）。
	InsertPending(ctx context.Context, rec *domain.DispatchRecord) (created bool, existing *domain.DispatchRecord, err error)

	// Get 按 request_id 查询；不存在返回 domain.ErrNotFound
	Get(ctx context.Context, requestID string) (*domain.DispatchRecord, error)

	// Finalize 把 pending 行置为终态（sent/failed）。
	// WHERE outcome_status='pending' 保护：已终态返回 updated=false（调用方按 no-op 处理），
	// 行不存在也返回 false，由调用方用 Get 区分。
	Finalize(ctx context.Context, requestID string, status domain.DispatchStatus, latencyMS int, retryCount int, lastError string) (updated bool, err error)
}
