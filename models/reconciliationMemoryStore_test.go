package models

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRun(runId string, start time.Time) *ReconciliationRun {
	return &ReconciliationRun{
		RunId:       runId,
		Status:      RunStatusPending,
		PeriodStart: start,
		PeriodEnd:   start.AddDate(0, 0, 6),
		CreatedBy:   "ops",
	}
}

func TestMemoryRunStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRunStore()
	run := newTestRun("run-1", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, s.Create(ctx, run))
	require.Error(t, s.Create(ctx, run), "duplicate run id")

	now := time.Now().UTC()
	run.Status = RunStatusRunning
	run.StartedAt = &now
	require.NoError(t, s.UpdateStatus(ctx, run))

	run.Status = RunStatusPartial
	run.CompletedAt = &now
	items := []ReconciliationItem{
		{Position: 1, Source: LedgerSourceGateway, RecordId: "g1", ReconciliationStatus: ItemStatusUnmatchedGateway},
		{Position: 0, Source: LedgerSourceApp, RecordId: "a1", ReconciliationStatus: ItemStatusUnmatchedApp},
	}
	require.NoError(t, s.Save(ctx, run, items))

	got, gotItems, err := s.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusPartial, got.Status)
	require.Len(t, gotItems, 2)
	assert.Equal(t, "a1", gotItems[0].RecordId, "items come back in position order")
	assert.Equal(t, "run-1", gotItems[1].RunId)

	// terminal runs are immutable
	run.Status = RunStatusFailed
	err = s.UpdateStatus(ctx, run)
	require.Error(t, err)
	assert.True(t, IsReconErrorKind(err, ErrKindStorage))
	require.Error(t, s.Save(ctx, run, nil))
}

func TestMemoryRunStore_GetUnknown(t *testing.T) {
	_, _, err := NewMemoryRunStore().Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, ErrKindRunNotFound, ErrorKindOf(err))

	_, err = NewMemoryRunStore().Export(context.Background(), "missing", nil)
	assert.Equal(t, ErrKindRunNotFound, ErrorKindOf(err))
}

func TestMemoryRunStore_ExportFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRunStore()
	run := newTestRun("run-x", time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	run.Status = RunStatusPartial
	require.NoError(t, s.Save(ctx, run, []ReconciliationItem{
		{Position: 0, RecordId: "a1", ReconciliationStatus: ItemStatusMatched},
		{Position: 1, RecordId: "a2", ReconciliationStatus: ItemStatusAmountMismatch},
		{Position: 2, RecordId: "g1", ReconciliationStatus: ItemStatusMatched},
	}))

	all, err := s.Export(ctx, "run-x", nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	status := ItemStatusMatched
	matched, err := s.Export(ctx, "run-x", &status)
	require.NoError(t, err)
	require.Len(t, matched, 2)
	assert.Equal(t, "a1", matched[0].RecordId)
	assert.Equal(t, "g1", matched[1].RecordId)

	status = ItemStatusUnmatchedGateway
	none, err := s.Export(ctx, "run-x", &status)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryRunStore_ListAndPurge(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRunStore()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	old := base.AddDate(0, -6, 0)

	for i := 0; i < 5; i++ {
		run := newTestRun(fmt.Sprintf("run-%d", i), base.AddDate(0, 0, 7*i))
		run.Status = RunStatusSuccess
		completed := base
		if i < 2 {
			completed = old
		}
		run.CompletedAt = &completed
		require.NoError(t, s.Save(ctx, run, nil))
	}
	pending := newTestRun("run-pending", base)
	require.NoError(t, s.Create(ctx, pending))

	all, err := s.List(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 6)

	status := RunStatusSuccess
	from := base.AddDate(0, 0, 14)
	filtered, err := s.List(ctx, RunFilter{Status: &status, From: &from})
	require.NoError(t, err)
	assert.Len(t, filtered, 3, "runs 2..4 end on or after the 15th")

	page, err := s.List(ctx, RunFilter{Limit: 2, Offset: 5})
	require.NoError(t, err)
	assert.Len(t, page, 1)

	n, err := s.SoftDeleteCompletedBefore(ctx, base.AddDate(0, -1, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, _, err = s.Get(ctx, "run-0")
	assert.Equal(t, ErrKindRunNotFound, ErrorKindOf(err))
	_, _, err = s.Get(ctx, "run-pending")
	assert.NoError(t, err, "non-terminal runs are never purged")
}

func TestMemoryRunStore_IdempotencyKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRunStore()

	existing, err := s.ClaimIdempotencyKey(ctx, "ops", "k1", "run-a")
	require.NoError(t, err)
	assert.Empty(t, existing)

	existing, err = s.ClaimIdempotencyKey(ctx, "ops", "k1", "run-b")
	require.NoError(t, err)
	assert.Equal(t, "run-a", existing)

	existing, err = s.ClaimIdempotencyKey(ctx, "other", "k1", "run-c")
	require.NoError(t, err)
	assert.Empty(t, existing, "keys are scoped per creator")

	require.NoError(t, s.ReleaseIdempotencyKey(ctx, "ops", "k1"))
	_, found, err := s.LookupIdempotencyKey(ctx, "ops", "k1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReconError_Format(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewReconError(ErrKindLedgerFetch, "gateway ledger", cause)
	assert.Equal(t, "LedgerFetchError: gateway ledger: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("trigger: %w", err)
	assert.Equal(t, ErrKindLedgerFetch, ErrorKindOf(wrapped))
	assert.Equal(t, ErrKindInternal, ErrorKindOf(cause))
	assert.Same(t, err, AsReconError(wrapped, ErrKindInternal, "x"))
}

func TestRunGuardKey(t *testing.T) {
	county := " Nairobi "
	run := ReconciliationRun{
		PeriodStart:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:    time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC),
		CountyFilter: &county,
	}
	assert.Equal(t, "recon:window:2025-01-01:2025-01-31:nairobi", run.GuardKey())
	run.CountyFilter = nil
	assert.Equal(t, "recon:window:2025-01-01:2025-01-31:*", run.GuardKey())
}
