package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-cmp-approvals/internal/metrics"
	"github.com/pesio-ai/be-cmp-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-cmp-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-cmp-approvals/internal/repository"
)

// RetryPolicy bounds retries of transient (UNAVAILABLE) store failures.
// Only reads are retried; a write that may have been applied is surfaced.
type RetryPolicy struct {
	ReadRetries int
	Backoff     time.Duration
}

// DefaultRetryPolicy matches the service configuration defaults.
var DefaultRetryPolicy = RetryPolicy{ReadRetries: 2, Backoff: 50 * time.Millisecond}

// storeReader wraps the read side of a Store with retries.
type storeReader struct {
	store  repository.Store
	policy RetryPolicy
	log    *logger.Logger
}

func retryRead[T any](ctx context.Context, r *storeReader, op string, fn func(context.Context) (T, error)) (T, error) {
	for attempt := 0; ; attempt++ {
		v, err := fn(ctx)
		if err == nil || !errors.Is(err, errors.ErrCodeUnavailable) || attempt >= r.policy.ReadRetries {
			return v, err
		}

		metrics.StoreReadRetriesTotal.Inc()
		r.log.Warn().Err(err).
			Str("operation", op).
			Int("attempt", attempt+1).
			Msg("Store read failed; retrying")

		wait := r.policy.Backoff * time.Duration(attempt+1)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, errors.Wrap(ctx.Err(), errors.ErrCodeUnavailable, "store read abandoned while retrying")
		case <-timer.C:
		}
	}
}

func (r *storeReader) get(ctx context.Context, requestID string) (*repository.ApprovalRecord, error) {
	return retryRead(ctx, r, "get", func(ctx context.Context) (*repository.ApprovalRecord, error) {
		return r.store.Get(ctx, requestID)
	})
}

func (r *storeReader) getByStep(ctx context.Context, stepID string) (*repository.ApprovalRecord, error) {
	return retryRead(ctx, r, "get_by_step", func(ctx context.Context) (*repository.ApprovalRecord, error) {
		return r.store.GetByStepID(ctx, stepID)
	})
}

func (r *storeReader) list(ctx context.Context, filter repository.ListFilter) ([]*repository.ApprovalRecord, error) {
	return retryRead(ctx, r, "list", func(ctx context.Context) ([]*repository.ApprovalRecord, error) {
		return r.store.List(ctx, filter)
	})
}

func (r *storeReader) listAudit(ctx context.Context, requestID string) ([]*repository.AuditEntry, error) {
	return retryRead(ctx, r, "list_audit", func(ctx context.Context) ([]*repository.AuditEntry, error) {
		return r.store.ListAudit(ctx, requestID)
	})
}
