package service

import (
	"context"
	"slices"
	"time"

	"github.com/pesio-ai/be-cmp-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-cmp-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-cmp-approvals/internal/repository"
)

// HistoryService serves read-only projections over the store. It takes no
// locks, so a request completing concurrently may or may not be counted.
type HistoryService struct {
	reader *storeReader
	now    func() time.Time
}

// NewHistoryService creates a new HistoryService.
func NewHistoryService(store repository.Store, log *logger.Logger, policy RetryPolicy) *HistoryService {
	return &HistoryService{
		reader: &storeReader{store: store, policy: policy, log: log.Component("approval_history")},
		now:    time.Now,
	}
}

var (
	activeStatuses   = []repository.RequestStatus{repository.RequestPending, repository.RequestInProgress}
	terminalStatuses = []repository.RequestStatus{repository.RequestApproved, repository.RequestRejected, repository.RequestCancelled}
)

// BoxFilter narrows box listings. Zero-valued fields do not filter.
type BoxFilter struct {
	TaskType string
	Statuses []repository.RequestStatus
	Keyword  string
	From     *time.Time
	To       *time.Time
	Limit    int
}

func (f BoxFilter) listFilter() repository.ListFilter {
	return repository.ListFilter{
		TaskType: f.TaskType,
		Statuses: f.Statuses,
		Keyword:  f.Keyword,
		From:     f.From,
		To:       f.To,
	}
}

// HistoryItem is a request annotated with one user's own final action on it.
type HistoryItem struct {
	Snapshot *StatusSnapshot
	// UserAction is the user's last outcome on the request: APPROVED or
	// REJECTED for a processed step, CANCELLED for a withdrawal, SUBMITTED
	// when the user only requested it, empty when the user never acted.
	UserAction repository.AuditAction
	ActedAt    *time.Time
}

// BoxCounts are the sizes of a user's three boxes.
type BoxCounts struct {
	Draft     int `json:"draft"`
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
}

// MyRequests lists requests the user submitted, newest first.
func (s *HistoryService) MyRequests(ctx context.Context, requesterID string, filter BoxFilter) ([]*StatusSnapshot, error) {
	lf := filter.listFilter()
	lf.RequesterID = requesterID
	lf.Limit = filter.Limit
	recs, err := s.reader.list(ctx, lf)
	if err != nil {
		return nil, err
	}
	return snapshots(recs), nil
}

// PendingFor lists active requests whose current step belongs to the user.
func (s *HistoryService) PendingFor(ctx context.Context, approverID string, filter BoxFilter) ([]*StatusSnapshot, error) {
	lf := filter.listFilter()
	lf.CurrentApproverID = approverID
	lf.Limit = filter.Limit
	recs, err := s.reader.list(ctx, lf)
	if err != nil {
		return nil, err
	}
	return snapshots(recs), nil
}

// CompletedBy lists requests on which the user has processed a step.
func (s *HistoryService) CompletedBy(ctx context.Context, approverID string, filter BoxFilter) ([]HistoryItem, error) {
	lf := filter.listFilter()
	lf.ApproverID = approverID
	recs, err := s.reader.list(ctx, lf)
	if err != nil {
		return nil, err
	}

	out := make([]HistoryItem, 0, len(recs))
	for _, rec := range recs {
		action, at := approverAction(rec, approverID)
		if action == "" {
			continue
		}
		out = append(out, HistoryItem{Snapshot: snapshot(rec), UserAction: action, ActedAt: at})
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// History lists terminal requests the user took part in, as requester or
// approver, each with the user's own final action.
func (s *HistoryService) History(ctx context.Context, userID string, filter BoxFilter) ([]HistoryItem, error) {
	lf := filter.listFilter()
	lf.Statuses = narrowStatuses(filter.Statuses, terminalStatuses)
	if len(lf.Statuses) == 0 {
		return []HistoryItem{}, nil
	}
	lf.ParticipantID = userID
	lf.Limit = filter.Limit
	recs, err := s.reader.list(ctx, lf)
	if err != nil {
		return nil, err
	}

	out := make([]HistoryItem, 0, len(recs))
	for _, rec := range recs {
		action, at := approverAction(rec, userID)
		if action == "" && rec.Request.RequesterID == userID {
			if rec.Request.Status == repository.RequestCancelled {
				action, at = repository.AuditCancelled, rec.Request.CompletedAt
			} else {
				requestedAt := rec.Request.RequestedAt
				action, at = repository.AuditSubmitted, &requestedAt
			}
		}
		out = append(out, HistoryItem{Snapshot: snapshot(rec), UserAction: action, ActedAt: at})
	}
	return out, nil
}

// narrowStatuses intersects requested with allowed. An empty request means
// every allowed status.
func narrowStatuses(requested, allowed []repository.RequestStatus) []repository.RequestStatus {
	if len(requested) == 0 {
		return allowed
	}
	out := make([]repository.RequestStatus, 0, len(requested))
	for _, st := range requested {
		if slices.Contains(allowed, st) && !slices.Contains(out, st) {
			out = append(out, st)
		}
	}
	return out
}

// Delayed lists active requests submitted at least olderThan ago, oldest
// first.
func (s *HistoryService) Delayed(ctx context.Context, olderThan time.Duration, filter BoxFilter) ([]*StatusSnapshot, error) {
	if olderThan < 0 {
		return nil, errors.InvalidInput("older_than", "must not be negative")
	}
	cutoff := s.now().UTC().Add(-olderThan)

	lf := filter.listFilter()
	lf.Statuses = narrowStatuses(filter.Statuses, activeStatuses)
	if len(lf.Statuses) == 0 {
		return []*StatusSnapshot{}, nil
	}
	if lf.To == nil || lf.To.After(cutoff) {
		lf.To = &cutoff
	}
	recs, err := s.reader.list(ctx, lf)
	if err != nil {
		return nil, err
	}

	slices.Reverse(recs)
	if filter.Limit > 0 && len(recs) > filter.Limit {
		recs = recs[:filter.Limit]
	}
	return snapshots(recs), nil
}

// CanAct reports whether approverID holds the current step of an active
// request for the task.
func (s *HistoryService) CanAct(ctx context.Context, approverID, taskType, taskID string) (bool, error) {
	if approverID == "" || taskType == "" || taskID == "" {
		return false, errors.InvalidInput("task", "approver_id, task_type and task_id are required")
	}
	recs, err := s.reader.list(ctx, repository.ListFilter{
		CurrentApproverID: approverID,
		TaskType:          taskType,
		TaskID:            taskID,
		Limit:             1,
	})
	if err != nil {
		return false, err
	}
	return len(recs) > 0, nil
}

// BoxCounts returns the draft, pending and completed box sizes for a user.
func (s *HistoryService) BoxCounts(ctx context.Context, userID string) (BoxCounts, error) {
	var counts BoxCounts

	mine, err := s.reader.list(ctx, repository.ListFilter{RequesterID: userID})
	if err != nil {
		return counts, err
	}
	counts.Draft = len(mine)

	pending, err := s.reader.list(ctx, repository.ListFilter{CurrentApproverID: userID})
	if err != nil {
		return counts, err
	}
	counts.Pending = len(pending)

	completed, err := s.CompletedBy(ctx, userID, BoxFilter{})
	if err != nil {
		return counts, err
	}
	counts.Completed = len(completed)
	return counts, nil
}

// approverAction finds the highest-ordered step the user processed.
func approverAction(rec *repository.ApprovalRecord, userID string) (repository.AuditAction, *time.Time) {
	var (
		action repository.AuditAction
		at     *time.Time
		order  int
	)
	for _, st := range rec.Steps {
		if st.ApproverID != userID || st.StepOrder < order {
			continue
		}
		switch st.Status {
		case repository.StepApproved:
			action, at, order = repository.AuditApproved, st.ProcessedAt, st.StepOrder
		case repository.StepRejected:
			action, at, order = repository.AuditRejected, st.ProcessedAt, st.StepOrder
		}
	}
	return action, at
}

func snapshots(recs []*repository.ApprovalRecord) []*StatusSnapshot {
	out := make([]*StatusSnapshot, len(recs))
	for i, rec := range recs {
		out[i] = snapshot(rec)
	}
	return out
}

// ── Statistics ───────────────────────────────────────────────────────────────

// StatsFilter narrows Statistics. Zero-valued fields do not filter.
type StatsFilter struct {
	TaskType    string
	RequesterID string
	From        *time.Time
	To          *time.Time
}

// Statistics are aggregate counts over matching requests.
type Statistics struct {
	Total     int                              `json:"total"`
	ByStatus  map[repository.RequestStatus]int `json:"by_status"`
	ByUrgency map[repository.Urgency]int       `json:"by_urgency"`
	// ApprovalRate is APPROVED / (APPROVED + REJECTED), 0 when neither occurred.
	ApprovalRate float64 `json:"approval_rate"`
	// AverageCycle is the mean requestedAt to completedAt over terminal requests.
	AverageCycle time.Duration `json:"average_cycle_ns"`
	Completed    int           `json:"completed"`
}

// Statistics computes counts by status and urgency, approval rate and mean
// cycle time.
func (s *HistoryService) Statistics(ctx context.Context, filter StatsFilter) (*Statistics, error) {
	recs, err := s.reader.list(ctx, repository.ListFilter{
		TaskType:    filter.TaskType,
		RequesterID: filter.RequesterID,
		From:        filter.From,
		To:          filter.To,
	})
	if err != nil {
		return nil, err
	}

	st := &Statistics{
		ByStatus:  make(map[repository.RequestStatus]int),
		ByUrgency: make(map[repository.Urgency]int),
	}
	var cycle time.Duration
	for _, rec := range recs {
		req := rec.Request
		st.Total++
		st.ByStatus[req.Status]++
		st.ByUrgency[req.Urgency]++
		if req.Status.IsTerminal() && req.CompletedAt != nil {
			st.Completed++
			cycle += req.CompletedAt.Sub(req.RequestedAt)
		}
	}

	approved := st.ByStatus[repository.RequestApproved]
	decided := approved + st.ByStatus[repository.RequestRejected]
	if decided > 0 {
		st.ApprovalRate = float64(approved) / float64(decided)
	}
	if st.Completed > 0 {
		st.AverageCycle = cycle / time.Duration(st.Completed)
	}
	return st, nil
}
