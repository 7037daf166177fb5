package service

import (
	"context"
	"testing"

	"github.com/sergiogordon/unitymdm-prod-sub003/internal/domain"
	"github.com/sergiogordon/unitymdm-prod-sub003/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupDispatch() DispatchService {
	return NewDispatchService(repository.NewMemoryDispatchRepo(), zap.NewNop())
}

func TestRecordDispatch_IdempotentByRequestID(t *testing.T) {
	svc := setupDispatch()
	ctx := context.Background()

	req := RecordDispatchRequest{
		RequestID:          "req-001",
		DeviceID:           "dev-1",
		Action:             "reboot",
		PayloadFingerprint: "fp-abc",
	}

	resp, err := svc.RecordDispatch(ctx, req)
	require.NoError(t, err)
	assert.True(t, resp.Created)
	assert.Equal(t, domain.DispatchPending, resp.Record.OutcomeStatus)

	// 同 request_id 重放：不新建，返回已有行
	resp, err = svc.RecordDispatch(ctx, req)
	require.NoError(t, err)
	assert.False(t, resp.Created)
	assert.Equal(t, "req-001", resp.Record.RequestID)
	assert.Equal(t, "reboot", resp.Record.Action)
}

func TestRecordDispatch_Validation(t *testing.T) {
	svc := setupDispatch()
	ctx := context.Background()

	var vErr *domain.ValidationError

	_, err := svc.RecordDispatch(ctx, RecordDispatchRequest{DeviceID: "dev-1", Action: "reboot"})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "request_id", vErr.Field)

	_, err = svc.RecordDispatch(ctx, RecordDispatchRequest{RequestID: "r", Action: "reboot"})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "device_id", vErr.Field)

	_, err = svc.RecordDispatch(ctx, RecordDispatchRequest{RequestID: "r", DeviceID: "dev-1"})
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "action", vErr.Field)
}

func TestUpdateOutcome_FinalizeThenIdempotentRetry(t *testing.T) {
	svc := setupDispatch()
	ctx := context.Background()

	_, err := svc.RecordDispatch(ctx, RecordDispatchRequest{
		RequestID: "req-002", DeviceID: "dev-1", Action: "install_apk",
	})
	require.NoError(t, err)

	resp, err := svc.UpdateOutcome(ctx, UpdateOutcomeRequest{
		RequestID: "req-002",
		Status:    domain.DispatchSent,
		LatencyMS: 950,
	})
	require.NoError(t, err)
	assert.False(t, resp.NoOp)
	assert.Equal(t, domain.DispatchSent, resp.Record.OutcomeStatus)
	require.NotNil(t, resp.Record.LatencyMS)
	assert.Equal(t, 950, *resp.Record.LatencyMS)
	assert.NotNil(t, resp.Record.FinalizedAt)

	// 重试 finalize：终态不变，按 no-op 成功
	resp, err = svc.UpdateOutcome(ctx, UpdateOutcomeRequest{
		RequestID: "req-002",
		Status:    domain.DispatchFailed,
		LastError: "timeout",
	})
	require.NoError(t, err)
	assert.True(t, resp.NoOp)
	assert.Equal(t, domain.DispatchSent, resp.Record.OutcomeStatus)
	assert.Equal(t, "", resp.Record.LastError)
}

func TestUpdateOutcome_UnknownRequestID(t *testing.T) {
	svc := setupDispatch()

	_, err := svc.UpdateOutcome(context.Background(), UpdateOutcomeRequest{
		RequestID: "no-such-request",
		Status:    domain.DispatchFailed,
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateOutcome_RejectsNonTerminalStatus(t *testing.T) {
	svc := setupDispatch()

	_, err := svc.UpdateOutcome(context.Background(), UpdateOutcomeRequest{
		RequestID: "req-003",
		Status:    domain.DispatchPending,
	})
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "status", vErr.Field)
}
