package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-cmp-approvals/internal/platform/errors"
)

var baseTime = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newRecord(id, requester string, requestedAt time.Time, approvers ...string) *ApprovalRecord {
	req := &ApprovalRequest{
		ID:               id,
		TaskType:         "BOARD_RESOLUTION",
		TaskID:           "task-" + id,
		TaskTitle:        "Resolution " + id,
		RequesterID:      requester,
		Urgency:          UrgencyNormal,
		Status:           RequestInProgress,
		CurrentStepOrder: 1,
		TotalSteps:       len(approvers),
		RequestedAt:      requestedAt,
		UpdatedAt:        requestedAt,
	}
	steps := make([]*ApprovalStep, len(approvers))
	for i, a := range approvers {
		steps[i] = &ApprovalStep{
			ID:         fmt.Sprintf("%s-s%d", id, i+1),
			RequestID:  id,
			StepOrder:  i + 1,
			ApproverID: a,
			Status:     StepPending,
		}
	}
	return &ApprovalRecord{Request: req, Steps: steps}
}

func submittedAudit(rec *ApprovalRecord) *AuditEntry {
	return &AuditEntry{
		ID:          rec.Request.ID + "-a0",
		RequestID:   rec.Request.ID,
		Action:      AuditSubmitted,
		PerformedBy: rec.Request.RequesterID,
		PerformedAt: rec.Request.RequestedAt,
		StatusAfter: RequestInProgress,
	}
}

// runStoreContract exercises the behaviour every Store implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create assigns number and version", func(t *testing.T) {
		s := newStore(t)
		r1 := newRecord("r1", "alice", baseTime, "a", "b")
		r2 := newRecord("r2", "alice", baseTime.Add(time.Minute), "a")
		require.NoError(t, s.Create(ctx, r1, submittedAudit(r1)))
		require.NoError(t, s.Create(ctx, r2))

		assert.Equal(t, "APR-2025-00001", r1.Request.ApprovalNo)
		assert.Equal(t, "APR-2025-00002", r2.Request.ApprovalNo)

		got, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Request.Version)
		assert.Equal(t, "APR-2025-00001", got.Request.ApprovalNo)
		require.Len(t, got.Steps, 2)
		assert.Equal(t, 1, got.Steps[0].StepOrder)
		assert.Equal(t, "b", got.Steps[1].ApproverID)

		audit, err := s.ListAudit(ctx, "r1")
		require.NoError(t, err)
		require.Len(t, audit, 1)
		assert.Equal(t, AuditSubmitted, audit[0].Action)
	})

	t.Run("get missing is not found", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "nope")
		assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
		_, err = s.GetByStepID(ctx, "nope")
		assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
	})

	t.Run("get by step id", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newRecord("r1", "alice", baseTime, "a", "b")))
		got, err := s.GetByStepID(ctx, "r1-s2")
		require.NoError(t, err)
		assert.Equal(t, "r1", got.Request.ID)
	})

	t.Run("save is version guarded", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newRecord("r1", "alice", baseTime, "a", "b")))

		first, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		second, err := s.Get(ctx, "r1")
		require.NoError(t, err)

		now := baseTime.Add(time.Hour)
		first.Steps[0].Status = StepApproved
		first.Steps[0].ProcessedAt = &now
		first.Request.CurrentStepOrder = 2
		require.NoError(t, s.Save(ctx, first, 1))
		assert.Equal(t, int64(2), first.Request.Version)

		second.Steps[0].Status = StepRejected
		second.Steps[0].ProcessedAt = &now
		second.Request.Status = RequestRejected
		err = s.Save(ctx, second, 1)
		assert.True(t, errors.Is(err, errors.ErrCodeConflict), "got %v", err)

		got, err := s.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, StepApproved, got.Steps[0].Status)
		assert.Equal(t, RequestInProgress, got.Request.Status)
		assert.Equal(t, 2, got.Request.CurrentStepOrder)
	})

	t.Run("save refuses to rewrite a terminal step", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, newRecord("r1", "alice", baseTime, "a", "b")))
		rec, err := s.Get(ctx, "r1")
		require.NoError(t, err)

		now := baseTime.Add(time.Hour)
		rec.Steps[0].Status = StepApproved
		rec.Steps[0].ProcessedAt = &now
		require.NoError(t, s.Save(ctx, rec, 1))

		rec.Steps[0].Status = StepRejected
		err = s.Save(ctx, rec, 2)
		assert.True(t, errors.Is(err, errors.ErrCodeConflict), "got %v", err)
	})

	t.Run("save missing request", func(t *testing.T) {
		s := newStore(t)
		err := s.Save(ctx, newRecord("ghost", "alice", baseTime, "a"), 1)
		assert.True(t, errors.Is(err, errors.ErrCodeNotFound), "got %v", err)
	})

	t.Run("list filters", func(t *testing.T) {
		s := newStore(t)
		r1 := newRecord("r1", "alice", baseTime, "bob", "carol")
		r2 := newRecord("r2", "alice", baseTime.Add(time.Hour), "carol")
		r3 := newRecord("r3", "dave", baseTime.Add(2*time.Hour), "bob")
		r3.Request.TaskType = "COMMITTEE"
		r3.Request.TaskTitle = "Quarterly committee minutes"
		for _, r := range []*ApprovalRecord{r1, r2, r3} {
			require.NoError(t, s.Create(ctx, r))
		}

		ids := func(recs []*ApprovalRecord) []string {
			out := make([]string, len(recs))
			for i, r := range recs {
				out[i] = r.Request.ID
			}
			return out
		}

		all, err := s.List(ctx, ListFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"r3", "r2", "r1"}, ids(all))
		require.Len(t, all[2].Steps, 2)

		mine, err := s.List(ctx, ListFilter{RequesterID: "alice"})
		require.NoError(t, err)
		assert.Equal(t, []string{"r2", "r1"}, ids(mine))

		held, err := s.List(ctx, ListFilter{ApproverID: "carol"})
		require.NoError(t, err)
		assert.Equal(t, []string{"r2", "r1"}, ids(held))

		current, err := s.List(ctx, ListFilter{CurrentApproverID: "carol"})
		require.NoError(t, err)
		assert.Equal(t, []string{"r2"}, ids(current))

		involved, err := s.List(ctx, ListFilter{ParticipantID: "bob"})
		require.NoError(t, err)
		assert.Equal(t, []string{"r3", "r1"}, ids(involved))

		submitted, err := s.List(ctx, ListFilter{ParticipantID: "alice", Statuses: []RequestStatus{RequestInProgress}})
		require.NoError(t, err)
		assert.Equal(t, []string{"r2", "r1"}, ids(submitted))

		typed, err := s.List(ctx, ListFilter{TaskType: "COMMITTEE"})
		require.NoError(t, err)
		assert.Equal(t, []string{"r3"}, ids(typed))

		kw, err := s.List(ctx, ListFilter{Keyword: "QUARTERLY"})
		require.NoError(t, err)
		assert.Equal(t, []string{"r3"}, ids(kw))

		from := baseTime.Add(30 * time.Minute)
		to := baseTime.Add(90 * time.Minute)
		ranged, err := s.List(ctx, ListFilter{From: &from, To: &to})
		require.NoError(t, err)
		assert.Equal(t, []string{"r2"}, ids(ranged))

		limited, err := s.List(ctx, ListFilter{Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []string{"r3"}, ids(limited))

		none, err := s.List(ctx, ListFilter{Statuses: []RequestStatus{RequestApproved}})
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestGormStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return openTestSQLite(t) })
}

func TestMemoryStoreIsolatesSnapshots(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, newRecord("r1", "alice", baseTime, "a")))

	snap, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	snap.Steps[0].Status = StepApproved
	snap.Request.Status = RequestApproved

	again, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StepPending, again.Steps[0].Status)
	assert.Equal(t, RequestInProgress, again.Request.Status)
}

func TestFormatApprovalNo(t *testing.T) {
	assert.Equal(t, "APR-2025-00042", FormatApprovalNo(2025, 42))
}
