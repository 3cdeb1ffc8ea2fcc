package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-cmp-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-cmp-approvals/internal/repository"
	"github.com/pesio-ai/be-cmp-approvals/internal/service"
)

type httpFixture struct {
	mux *http.ServeMux
}

func newHTTPFixture(t *testing.T) *httpFixture {
	t.Helper()
	store := repository.NewMemoryStore()
	lines, err := service.NewLineRegistry([]service.ApprovalLine{{
		ID: "board", Name: "Board", TaskType: "BOARD_RESOLUTION", Active: true,
		Steps: []service.ApprovalLineStep{{Order: 1, Name: "Officer", ApproverID: "officer"}},
	}})
	require.NoError(t, err)

	engine := service.NewApprovalEngine(store, logger.Nop(), service.WithLines(lines))
	history := service.NewHistoryService(store, logger.Nop(), service.DefaultRetryPolicy)
	h := NewHTTPHandler(engine, history, logger.Nop())

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &httpFixture{mux: mux}
}

func (f *httpFixture) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(UserIDHeader, user)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (f *httpFixture) submit(t *testing.T, approvers ...string) snapshotView {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/approvals/submit", "alice", map[string]any{
		"task_type":    "BOARD_RESOLUTION",
		"task_id":      "br-1",
		"task_title":   "Dividend resolution",
		"approver_ids": approvers,
		"urgency":      "urgent",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[snapshotView](t, rec)
}

func TestHTTPSubmitAndProcess(t *testing.T) {
	f := newHTTPFixture(t)
	snap := f.submit(t, "bob", "carol")

	assert.Equal(t, "IN_PROGRESS", snap.Status)
	assert.Equal(t, "URGENT", snap.Urgency)
	require.Len(t, snap.Steps, 2)
	require.NotNil(t, snap.CurrentStep)
	assert.Equal(t, "bob", snap.CurrentStep.ApproverID)

	rec := f.do(t, http.MethodPost, "/api/v1/approvals/process", "bob", map[string]any{
		"step_id": snap.Steps[0].ID, "action": "approve",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[processView](t, rec)
	assert.False(t, res.IsCompleted)
	require.NotNil(t, res.NextApproverID)
	assert.Equal(t, "carol", *res.NextApproverID)

	rec = f.do(t, http.MethodPost, "/api/v1/approvals/process", "carol", map[string]any{
		"step_id": snap.Steps[1].ID, "action": "REJECT", "comments": "no quorum",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res = decode[processView](t, rec)
	assert.True(t, res.IsCompleted)
	assert.Equal(t, "REJECTED", res.RequestStatus)
	assert.Nil(t, res.NextApproverID)

	rec = f.do(t, http.MethodGet, "/api/v1/approvals/get?id="+snap.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[snapshotView](t, rec)
	assert.True(t, got.IsCompleted)
	assert.Nil(t, got.CurrentStep)

	rec = f.do(t, http.MethodGet, "/api/v1/approvals/audit?id="+snap.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	trail := decode[struct {
		Entries []auditView `json:"entries"`
	}](t, rec)
	require.Len(t, trail.Entries, 3)
	assert.Equal(t, "REJECTED", trail.Entries[2].Action)
}

func TestHTTPErrorCodes(t *testing.T) {
	f := newHTTPFixture(t)
	snap := f.submit(t, "bob", "carol")

	tests := []struct {
		name       string
		method     string
		path       string
		user       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"missing actor", http.MethodPost, "/api/v1/approvals/process", "", map[string]any{"step_id": snap.Steps[0].ID, "action": "APPROVE"}, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"out of order", http.MethodPost, "/api/v1/approvals/process", "carol", map[string]any{"step_id": snap.Steps[1].ID, "action": "APPROVE"}, http.StatusConflict, "NOT_CURRENT_STEP"},
		{"wrong approver", http.MethodPost, "/api/v1/approvals/process", "carol", map[string]any{"step_id": snap.Steps[0].ID, "action": "APPROVE"}, http.StatusForbidden, "WRONG_APPROVER"},
		{"unknown step", http.MethodPost, "/api/v1/approvals/process", "bob", map[string]any{"step_id": "nope", "action": "APPROVE"}, http.StatusNotFound, "NOT_FOUND"},
		{"cancel by other", http.MethodPost, "/api/v1/approvals/cancel", "bob", map[string]any{"request_id": snap.ID}, http.StatusForbidden, "UNAUTHORIZED"},
		{"empty approvers", http.MethodPost, "/api/v1/approvals/submit", "alice", map[string]any{"task_type": "X", "task_id": "1"}, http.StatusBadRequest, "INVALID_SUBMISSION"},
		{"unknown request", http.MethodGet, "/api/v1/approvals/get?id=nope", "", nil, http.StatusNotFound, "NOT_FOUND"},
		{"bad date", http.MethodGet, "/api/v1/approvals/mine?from=yesterday", "alice", nil, http.StatusBadRequest, "INVALID_SUBMISSION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.user, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantCode, decode[errorBody](t, rec).Code)
		})
	}
}

func TestHTTPMethodNotAllowed(t *testing.T) {
	f := newHTTPFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/approvals/submit", "alice", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHTTPCancelThenRejected(t *testing.T) {
	f := newHTTPFixture(t)
	snap := f.submit(t, "bob")

	rec := f.do(t, http.MethodPost, "/api/v1/approvals/cancel", "alice", map[string]any{"request_id": snap.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/v1/approvals/cancel", "alice", map[string]any{"request_id": snap.ID})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "REQUEST_NOT_ACTIVE", decode[errorBody](t, rec).Code)
}

func TestHTTPBoxes(t *testing.T) {
	f := newHTTPFixture(t)
	snap := f.submit(t, "bob")

	rec := f.do(t, http.MethodGet, "/api/v1/approvals/pending", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[struct {
		Items []snapshotView `json:"items"`
	}](t, rec)
	require.Len(t, pending.Items, 1)
	assert.Equal(t, snap.ID, pending.Items[0].ID)

	rec = f.do(t, http.MethodGet, "/api/v1/approvals/mine?keyword=dividend&status=in_progress", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	mine := decode[struct {
		Items []snapshotView `json:"items"`
	}](t, rec)
	assert.Len(t, mine.Items, 1)

	rec = f.do(t, http.MethodPost, "/api/v1/approvals/process", "bob", map[string]any{"step_id": snap.Steps[0].ID, "action": "APPROVE"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/approvals/completed", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	completed := decode[struct {
		Items []historyView `json:"items"`
	}](t, rec)
	require.Len(t, completed.Items, 1)
	assert.Equal(t, "APPROVED", completed.Items[0].UserAction)

	rec = f.do(t, http.MethodGet, "/api/v1/approvals/counts", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, service.BoxCounts{Completed: 1}, decode[service.BoxCounts](t, rec))

	rec = f.do(t, http.MethodGet, "/api/v1/approvals/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[statsView](t, rec)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByStatus["APPROVED"])
	assert.Equal(t, 1.0, stats.ApprovalRate)

	rec = f.do(t, http.MethodGet, "/api/v1/approvals/by-task?task_type=BOARD_RESOLUTION&task_id=br-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, snap.ID, decode[snapshotView](t, rec).ID)
}

func TestHTTPApprovalLines(t *testing.T) {
	f := newHTTPFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/approval-lines?task_type=BOARD_RESOLUTION", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	lines := decode[struct {
		Lines []service.ApprovalLine `json:"lines"`
	}](t, rec)
	require.Len(t, lines.Lines, 1)
	assert.Equal(t, "board", lines.Lines[0].ID)

	rec = f.do(t, http.MethodPost, "/api/v1/approvals/submit-line", "alice", map[string]any{
		"line_id": "board", "task_id": "br-9",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	snap := decode[snapshotView](t, rec)
	assert.Equal(t, "BOARD_RESOLUTION", snap.TaskType)
	require.Len(t, snap.Steps, 1)
	assert.Equal(t, "officer", snap.Steps[0].ApproverID)
	assert.Equal(t, "Officer", snap.Steps[0].StepName)
}

func TestHTTPDelayed(t *testing.T) {
	f := newHTTPFixture(t)
	snap := f.submit(t, "bob")

	rec := f.do(t, http.MethodGet, "/api/v1/approvals/delayed?days=0", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	delayed := decode[struct {
		Items []snapshotView `json:"items"`
	}](t, rec)
	require.Len(t, delayed.Items, 1)
	assert.Equal(t, snap.ID, delayed.Items[0].ID)

	rec = f.do(t, http.MethodGet, "/api/v1/approvals/delayed?days=30", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[struct {
		Items []snapshotView `json:"items"`
	}](t, rec).Items)

	for _, q := range []string{"", "?days=abc", "?days=-1"} {
		rec = f.do(t, http.MethodGet, "/api/v1/approvals/delayed"+q, "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		assert.Equal(t, "INVALID_SUBMISSION", decode[errorBody](t, rec).Code)
	}
}

func TestHTTPCanAct(t *testing.T) {
	f := newHTTPFixture(t)
	f.submit(t, "bob", "carol")

	canAct := func(rec *httptest.ResponseRecorder) bool {
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return decode[map[string]bool](t, rec)["can_act"]
	}

	assert.True(t, canAct(f.do(t, http.MethodGet, "/api/v1/approvals/can-act?task_type=BOARD_RESOLUTION&task_id=br-1", "bob", nil)))
	assert.False(t, canAct(f.do(t, http.MethodGet, "/api/v1/approvals/can-act?task_type=BOARD_RESOLUTION&task_id=br-1", "carol", nil)))
	assert.True(t, canAct(f.do(t, http.MethodGet, "/api/v1/approvals/can-act?approver_id=bob&task_type=BOARD_RESOLUTION&task_id=br-1", "", nil)))

	rec := f.do(t, http.MethodGet, "/api/v1/approvals/can-act?task_type=BOARD_RESOLUTION&task_id=br-1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/approvals/can-act?task_type=BOARD_RESOLUTION", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
