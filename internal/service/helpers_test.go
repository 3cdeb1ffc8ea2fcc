package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-cmp-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-cmp-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-cmp-approvals/internal/repository"
)

var t0 = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

// testClock advances by one minute on every call.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("id-%04d", n.Add(1)) }
}

func newTestEngine(t *testing.T, store repository.Store, opts ...Option) *ApprovalEngine {
	t.Helper()
	clock := &testClock{now: t0}
	base := []Option{
		WithClock(clock.Now),
		WithIDGenerator(sequentialIDs()),
		WithRetryPolicy(RetryPolicy{ReadRetries: 2, Backoff: time.Millisecond}),
	}
	return NewApprovalEngine(store, logger.Nop(), append(base, opts...)...)
}

func submit(t *testing.T, e *ApprovalEngine, requester string, approvers ...string) *StatusSnapshot {
	t.Helper()
	snap, err := e.Submit(context.Background(), SubmitRequest{
		TaskType:    "BOARD_RESOLUTION",
		TaskID:      "task-" + requester,
		TaskTitle:   "Resolution",
		RequesterID: requester,
		ApproverIDs: approvers,
	})
	require.NoError(t, err)
	return snap
}

func requireCode(t *testing.T, err error, code errors.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, errors.CodeOf(err), "error: %v", err)
}

// flakyStore fails the first n reads with UNAVAILABLE.
type flakyStore struct {
	repository.Store
	failures atomic.Int32
	reads    atomic.Int32
}

func (f *flakyStore) fail() error {
	f.reads.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errors.New(errors.ErrCodeUnavailable, "connection reset")
	}
	return nil
}

func (f *flakyStore) Get(ctx context.Context, id string) (*repository.ApprovalRecord, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Store.Get(ctx, id)
}

func (f *flakyStore) List(ctx context.Context, filter repository.ListFilter) ([]*repository.ApprovalRecord, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.Store.List(ctx, filter)
}

// failingSaveStore rejects every Save with the given error.
type failingSaveStore struct {
	repository.Store
	err   error
	saves atomic.Int32
}

func (f *failingSaveStore) Save(context.Context, *repository.ApprovalRecord, int64, ...*repository.AuditEntry) error {
	f.saves.Add(1)
	return f.err
}

type stubDirectory struct {
	title string
	err   error
	calls int
}

func (d *stubDirectory) TaskTitle(context.Context, string, string) (string, error) {
	d.calls++
	return d.title, d.err
}
