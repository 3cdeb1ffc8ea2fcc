package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pesio-ai/be-cmp-approvals/internal/platform/errors"
)

// errStepRace marks a guarded step write that found the step already finished.
var errStepRace = errors.New(errors.ErrCodeConflict, "approval step already processed")

// Store persists approval records. Implementations must make Create and Save
// atomic: either the request, every step and every audit entry are written,
// or nothing is.
type Store interface {
	// Create inserts a new record and assigns its approval number.
	Create(ctx context.Context, rec *ApprovalRecord, audit ...*AuditEntry) error

	// Get loads a record by request id. Missing ids yield NOT_FOUND.
	Get(ctx context.Context, requestID string) (*ApprovalRecord, error)

	// GetByStepID loads the record owning a step. Missing ids yield NOT_FOUND.
	GetByStepID(ctx context.Context, stepID string) (*ApprovalRecord, error)

	// Save writes rec conditioned on the stored version still equalling
	// expectedVersion, and on every step that rec moves out of PENDING still
	// being PENDING. Either precondition failing yields CONFLICT and nothing
	// is written. On success rec.Request.Version is expectedVersion+1.
	Save(ctx context.Context, rec *ApprovalRecord, expectedVersion int64, audit ...*AuditEntry) error

	// List returns records ordered by RequestedAt descending.
	List(ctx context.Context, filter ListFilter) ([]*ApprovalRecord, error)

	// ListAudit returns a request's audit trail, oldest first.
	ListAudit(ctx context.Context, requestID string) ([]*AuditEntry, error)
}

// FormatApprovalNo renders the human-readable request number.
func FormatApprovalNo(year, seq int) string {
	return fmt.Sprintf("APR-%04d-%05d", year, seq)
}

// matches applies a ListFilter in memory. Shared by the memory store and as
// the reference semantics the SQL stores reproduce.
func (f ListFilter) matches(rec *ApprovalRecord) bool {
	req := rec.Request
	if f.RequesterID != "" && req.RequesterID != f.RequesterID {
		return false
	}
	if f.TaskType != "" && req.TaskType != f.TaskType {
		return false
	}
	if f.TaskID != "" && req.TaskID != f.TaskID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, req.Status) {
		return false
	}
	if f.From != nil && req.RequestedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && req.RequestedAt.After(*f.To) {
		return false
	}
	if f.Keyword != "" {
		kw := strings.ToLower(f.Keyword)
		if !strings.Contains(strings.ToLower(req.TaskTitle), kw) &&
			!strings.Contains(strings.ToLower(req.ApprovalNo), kw) {
			return false
		}
	}
	if f.ApproverID != "" && !holdsStep(rec, f.ApproverID) {
		return false
	}
	if f.ParticipantID != "" && req.RequesterID != f.ParticipantID && !holdsStep(rec, f.ParticipantID) {
		return false
	}
	if f.CurrentApproverID != "" {
		if !req.Status.IsActive() {
			return false
		}
		cur := currentStepOf(rec)
		if cur == nil || cur.ApproverID != f.CurrentApproverID {
			return false
		}
	}
	return true
}

func containsStatus(list []RequestStatus, s RequestStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func holdsStep(rec *ApprovalRecord, userID string) bool {
	for _, s := range rec.Steps {
		if s.ApproverID == userID {
			return true
		}
	}
	return false
}

// currentStepOf mirrors the request's current-step pointer.
func currentStepOf(rec *ApprovalRecord) *ApprovalStep {
	for _, s := range rec.Steps {
		if s.StepOrder == rec.Request.CurrentStepOrder && s.Status == StepPending {
			return s
		}
	}
	return nil
}

func statusStrings(list []RequestStatus) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}

// utc normalizes timestamps before they are persisted.
func utc(t time.Time) time.Time { return t.UTC() }
