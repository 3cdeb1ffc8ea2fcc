package repository

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-cmp-approvals/internal/platform/database"
	"github.com/pesio-ai/be-cmp-approvals/internal/platform/errors"
)

// postgresDSNEnv points the contract suite at a disposable database. Tables
// are truncated between subtests.
const postgresDSNEnv = "APPROVALS_TEST_POSTGRES_DSN"

func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", postgresDSNEnv)
	}
	ctx := context.Background()
	db, err := database.New(ctx, database.Config{DSN: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	store := NewPostgresStore(db)
	require.NoError(t, store.Migrate(ctx))

	runStoreContract(t, func(t *testing.T) Store {
		_, err := db.Exec(ctx, `TRUNCATE approval_audit_log, approval_steps, approval_requests, approval_no_counters`)
		require.NoError(t, err)
		return store
	})
}

func TestBuildListWhereEmpty(t *testing.T) {
	where, args := buildListWhere(ListFilter{})
	assert.Empty(t, where)
	assert.Empty(t, args)
}

func TestBuildListWhereFields(t *testing.T) {
	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.FixedZone("KST", 9*3600))
	to := from.Add(24 * time.Hour)

	tests := []struct {
		name     string
		filter   ListFilter
		wantCond []string
		wantArgs []any
	}{
		{
			name:     "requester",
			filter:   ListFilter{RequesterID: "alice"},
			wantCond: []string{"r.requester_id = $1"},
			wantArgs: []any{"alice"},
		},
		{
			name:     "task type and id",
			filter:   ListFilter{TaskType: "BOARD_RESOLUTION", TaskID: "br-1"},
			wantCond: []string{"r.task_type = $1", "r.task_id = $2"},
			wantArgs: []any{"BOARD_RESOLUTION", "br-1"},
		},
		{
			name:     "statuses",
			filter:   ListFilter{Statuses: []RequestStatus{RequestApproved, RequestRejected}},
			wantCond: []string{"r.status = ANY($1)"},
			wantArgs: []any{[]string{"APPROVED", "REJECTED"}},
		},
		{
			name:     "date range in utc",
			filter:   ListFilter{From: &from, To: &to},
			wantCond: []string{"r.requested_at >= $1", "r.requested_at <= $2"},
			wantArgs: []any{from.UTC(), to.UTC()},
		},
		{
			name:     "keyword reuses one placeholder",
			filter:   ListFilter{Keyword: "dividend"},
			wantCond: []string{"(r.task_title ILIKE $1 OR r.approval_no ILIKE $1)"},
			wantArgs: []any{"%dividend%"},
		},
		{
			name:     "approver holds any step",
			filter:   ListFilter{ApproverID: "bob"},
			wantCond: []string{"a.request_id = r.id AND a.approver_id = $1"},
			wantArgs: []any{"bob"},
		},
		{
			name:     "participant is requester or approver",
			filter:   ListFilter{ParticipantID: "carol"},
			wantCond: []string{"(r.requester_id = $1 OR EXISTS", "ps.approver_id = $1"},
			wantArgs: []any{"carol"},
		},
		{
			name:   "current approver",
			filter: ListFilter{CurrentApproverID: "dave"},
			wantCond: []string{
				"r.status IN ('PENDING', 'IN_PROGRESS')",
				"c.step_order = r.current_step_order",
				"c.status = 'PENDING'",
				"c.approver_id = $1",
			},
			wantArgs: []any{"dave"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, args := buildListWhere(tt.filter)
			require.Contains(t, where, "WHERE ")
			for _, c := range tt.wantCond {
				assert.Contains(t, where, c)
			}
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestBuildListWhereNumbersArgsInOrder(t *testing.T) {
	where, args := buildListWhere(ListFilter{
		RequesterID:       "alice",
		TaskType:          "POLICY_CHANGE",
		Keyword:           "retention",
		CurrentApproverID: "bob",
	})

	assert.Equal(t, []any{"alice", "POLICY_CHANGE", "%retention%", "bob"}, args)
	assert.Contains(t, where, "WHERE r.requester_id = $1")
	assert.Contains(t, where, "AND r.task_type = $2")
	assert.Contains(t, where, "ILIKE $3")
	assert.Contains(t, where, "c.approver_id = $4")
	for i := 5; i < 8; i++ {
		assert.NotContains(t, where, fmt.Sprintf("$%d", i))
	}
}

func TestWrapPgErr(t *testing.T) {
	assert.NoError(t, wrapPgErr(nil, "ignored"))

	coded := errors.NotFound("approval_request", "r1")
	assert.Same(t, coded, wrapPgErr(coded, "failed"))

	wrappedCoded := fmt.Errorf("in tx: %w", errors.New(errors.ErrCodeConflict, "lost race"))
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(wrapPgErr(wrappedCoded, "failed")))

	connErr := fmt.Errorf("failed to begin transaction: %w", &pgconn.ConnectError{Config: &pgconn.Config{}})
	err := wrapPgErr(connErr, "failed to get approval request")
	assert.Equal(t, errors.ErrCodeUnavailable, errors.CodeOf(err))
	var out *errors.Error
	require.True(t, errors.As(err, &out))
	assert.Equal(t, "failed to get approval request", out.Message)

	uniqueViolation := &pgconn.PgError{Code: "23505", Message: "duplicate key"}
	assert.Equal(t, errors.ErrCodeInternal, errors.CodeOf(wrapPgErr(uniqueViolation, "failed")))
}
