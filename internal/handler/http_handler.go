package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pesio-ai/be-cmp-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-cmp-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-cmp-approvals/internal/repository"
	"github.com/pesio-ai/be-cmp-approvals/internal/service"
)

// UserIDHeader carries the caller identity resolved by the gateway.
const UserIDHeader = "X-User-ID"

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	engine  *service.ApprovalEngine
	history *service.HistoryService
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(engine *service.ApprovalEngine, history *service.HistoryService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		engine:  engine,
		history: history,
		log:     log.Component("http"),
	}
}

// RegisterRoutes mounts the approval endpoints on mux.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/approvals/submit", h.Submit)
	mux.HandleFunc("/api/v1/approvals/submit-line", h.SubmitWithLine)
	mux.HandleFunc("/api/v1/approvals/process", h.Process)
	mux.HandleFunc("/api/v1/approvals/cancel", h.Cancel)
	mux.HandleFunc("/api/v1/approvals/get", h.GetStatus)
	mux.HandleFunc("/api/v1/approvals/by-task", h.GetStatusByTask)
	mux.HandleFunc("/api/v1/approvals/pending", h.Pending)
	mux.HandleFunc("/api/v1/approvals/mine", h.MyRequests)
	mux.HandleFunc("/api/v1/approvals/completed", h.Completed)
	mux.HandleFunc("/api/v1/approvals/history", h.History)
	mux.HandleFunc("/api/v1/approvals/counts", h.BoxCounts)
	mux.HandleFunc("/api/v1/approvals/delayed", h.Delayed)
	mux.HandleFunc("/api/v1/approvals/can-act", h.CanAct)
	mux.HandleFunc("/api/v1/approvals/audit", h.AuditTrail)
	mux.HandleFunc("/api/v1/approvals/stats", h.Statistics)
	mux.HandleFunc("/api/v1/approval-lines", h.ApprovalLines)
}

type submitBody struct {
	TaskType    string   `json:"task_type"`
	TaskID      string   `json:"task_id"`
	TaskTitle   string   `json:"task_title"`
	ApproverIDs []string `json:"approver_ids"`
	StepNames   []string `json:"step_names"`
	Urgency     string   `json:"urgency"`
	Comments    string   `json:"comments"`
	LineID      string   `json:"line_id"`
}

func (b submitBody) request(requesterID string) service.SubmitRequest {
	return service.SubmitRequest{
		TaskType:    b.TaskType,
		TaskID:      b.TaskID,
		TaskTitle:   b.TaskTitle,
		RequesterID: requesterID,
		ApproverIDs: b.ApproverIDs,
		StepNames:   b.StepNames,
		Urgency:     repository.Urgency(strings.ToUpper(b.Urgency)),
		Comments:    b.Comments,
	}
}

// Submit handles submit approval HTTP requests
func (h *HTTPHandler) Submit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return
	}

	snap, err := h.engine.Submit(r.Context(), body.request(actor))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSnapshotView(snap))
}

// SubmitWithLine handles submit approval HTTP requests routed by an approval line
func (h *HTTPHandler) SubmitWithLine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var body submitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return
	}
	if body.LineID == "" {
		h.writeError(w, r, errors.InvalidInput("line_id", "is required"))
		return
	}

	snap, err := h.engine.SubmitWithLine(r.Context(), body.LineID, body.request(actor))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSnapshotView(snap))
}

// Process handles approve/reject HTTP requests
func (h *HTTPHandler) Process(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var body struct {
		StepID   string `json:"step_id"`
		Action   string `json:"action"`
		Comments string `json:"comments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return
	}
	if body.StepID == "" {
		h.writeError(w, r, errors.InvalidInput("step_id", "is required"))
		return
	}

	res, err := h.engine.Process(r.Context(), service.ProcessRequest{
		StepID:   body.StepID,
		ActorID:  actor,
		Action:   repository.Action(strings.ToUpper(body.Action)),
		Comments: body.Comments,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, processView{
		RequestID:      res.RequestID,
		RequestStatus:  string(res.RequestStatus),
		IsCompleted:    res.IsCompleted,
		NextApproverID: res.NextApproverID,
		NextStepID:     res.NextStepID,
	})
}

// Cancel handles cancel approval HTTP requests
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var body struct {
		RequestID string `json:"request_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return
	}
	if body.RequestID == "" {
		h.writeError(w, r, errors.InvalidInput("request_id", "is required"))
		return
	}

	if err := h.engine.Cancel(r.Context(), body.RequestID, actor); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"request_id": body.RequestID,
		"status":     string(repository.RequestCancelled),
	})
}

// GetStatus handles get approval HTTP requests
func (h *HTTPHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := r.URL.Query().Get("id")
	if requestID == "" {
		h.writeError(w, r, errors.InvalidInput("id", "is required"))
		return
	}

	snap, err := h.engine.GetStatus(r.Context(), requestID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotView(snap))
}

// GetStatusByTask handles approval lookup by task reference
func (h *HTTPHandler) GetStatusByTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	snap, err := h.engine.GetStatusByTask(r.Context(), q.Get("task_type"), q.Get("task_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotView(snap))
}

// Pending handles the caller's pending box
func (h *HTTPHandler) Pending(w http.ResponseWriter, r *http.Request) {
	h.listBox(w, r, func(actor string, f service.BoxFilter) (any, error) {
		snaps, err := h.history.PendingFor(r.Context(), actor, f)
		if err != nil {
			return nil, err
		}
		return toSnapshotViews(snaps), nil
	})
}

// MyRequests handles the caller's draft box
func (h *HTTPHandler) MyRequests(w http.ResponseWriter, r *http.Request) {
	h.listBox(w, r, func(actor string, f service.BoxFilter) (any, error) {
		snaps, err := h.history.MyRequests(r.Context(), actor, f)
		if err != nil {
			return nil, err
		}
		return toSnapshotViews(snaps), nil
	})
}

// Completed handles the caller's completed box
func (h *HTTPHandler) Completed(w http.ResponseWriter, r *http.Request) {
	h.listBox(w, r, func(actor string, f service.BoxFilter) (any, error) {
		items, err := h.history.CompletedBy(r.Context(), actor, f)
		if err != nil {
			return nil, err
		}
		return toHistoryViews(items), nil
	})
}

// History handles the caller's terminal request history
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	h.listBox(w, r, func(actor string, f service.BoxFilter) (any, error) {
		items, err := h.history.History(r.Context(), actor, f)
		if err != nil {
			return nil, err
		}
		return toHistoryViews(items), nil
	})
}

func (h *HTTPHandler) listBox(w http.ResponseWriter, r *http.Request, fetch func(string, service.BoxFilter) (any, error)) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	filter, err := parseBoxFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	items, err := fetch(actor, filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// BoxCounts handles the caller's box sizes
func (h *HTTPHandler) BoxCounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	counts, err := h.history.BoxCounts(r.Context(), actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// AuditTrail handles audit trail HTTP requests
func (h *HTTPHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := r.URL.Query().Get("id")
	if requestID == "" {
		h.writeError(w, r, errors.InvalidInput("id", "is required"))
		return
	}

	entries, err := h.engine.AuditTrail(r.Context(), requestID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": toAuditViews(entries)})
}

// Statistics handles approval statistics HTTP requests
func (h *HTTPHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	from, err := parseTime("from", q.Get("from"), false)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	to, err := parseTime("to", q.Get("to"), true)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	st, err := h.history.Statistics(r.Context(), service.StatsFilter{
		TaskType:    q.Get("task_type"),
		RequesterID: q.Get("requester_id"),
		From:        from,
		To:          to,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatsView(st))
}

// ApprovalLines handles approval line listing
func (h *HTTPHandler) ApprovalLines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if id := r.URL.Query().Get("id"); id != "" {
		line, err := h.engine.Lines().Get(id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, line)
		return
	}
	lines := h.engine.Lines().ForTaskType(r.URL.Query().Get("task_type"))
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

// Delayed handles active requests waiting at least ?days= days
func (h *HTTPHandler) Delayed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	days, err := strconv.Atoi(r.URL.Query().Get("days"))
	if err != nil || days < 0 {
		h.writeError(w, r, errors.InvalidInput("days", "must be a non-negative integer"))
		return
	}
	filter, err := parseBoxFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	snaps, err := h.history.Delayed(r.Context(), time.Duration(days)*24*time.Hour, filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toSnapshotViews(snaps)})
}

// CanAct handles approval authority checks for a task. approver_id defaults
// to the caller.
func (h *HTTPHandler) CanAct(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	approverID := strings.TrimSpace(q.Get("approver_id"))
	if approverID == "" {
		actor, ok := h.actor(w, r)
		if !ok {
			return
		}
		approverID = actor
	}

	ok, err := h.history.CanAct(r.Context(), approverID, q.Get("task_type"), q.Get("task_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"can_act": ok})
}

// ── helpers ──────────────────────────────────────────────────────────────────

// actor reads the caller identity. The engine does no authentication; the
// gateway in front of this service is trusted to set the header.
func (h *HTTPHandler) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(UserIDHeader))
	if id == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{
			Code:    string(errors.ErrCodeUnauthorized),
			Message: UserIDHeader + " header is required",
		})
		return "", false
	}
	return id, true
}

func parseBoxFilter(r *http.Request) (service.BoxFilter, error) {
	q := r.URL.Query()
	f := service.BoxFilter{
		TaskType: q.Get("task_type"),
		Keyword:  q.Get("keyword"),
	}
	if s := q.Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				f.Statuses = append(f.Statuses, repository.RequestStatus(strings.ToUpper(part)))
			}
		}
	}

	var err error
	if f.From, err = parseTime("from", q.Get("from"), false); err != nil {
		return f, err
	}
	if f.To, err = parseTime("to", q.Get("to"), true); err != nil {
		return f, err
	}

	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, errors.InvalidInput("limit", "must be a non-negative integer")
		}
		f.Limit = n
	}
	if f.Limit == 0 || f.Limit > 200 {
		f.Limit = 200
	}
	return f, nil
}

// parseTime accepts RFC 3339 or a plain date. A plain upper bound covers the
// whole day.
func parseTime(field, s string, endOfDay bool) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, errors.InvalidInput(field, "must be RFC 3339 or YYYY-MM-DD")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := httpStatus(code)

	msg := err.Error()
	var coded *errors.Error
	if errors.As(err, &coded) {
		msg = coded.Message
	}
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Request failed")
		if code == errors.ErrCodeInternal {
			msg = "internal error"
		}
	}
	writeJSON(w, status, errorBody{Code: string(code), Message: msg})
}

func httpStatus(code errors.Code) int {
	switch code {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeUnauthorized, errors.ErrCodeWrongApprover:
		return http.StatusForbidden
	case errors.ErrCodeRequestNotActive, errors.ErrCodeNotCurrentStep,
		errors.ErrCodeAlreadyProcessed, errors.ErrCodeConflict:
		return http.StatusConflict
	case errors.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
