package repository

import (
	"sort"
	"time"
)

// ── Domain types for the approval workflow ──────────────────────────────────

// RequestStatus is the aggregate status of an approval request.
type RequestStatus string

const (
	RequestPending    RequestStatus = "PENDING"
	RequestInProgress RequestStatus = "IN_PROGRESS"
	RequestApproved   RequestStatus = "APPROVED"
	RequestRejected   RequestStatus = "REJECTED"
	RequestCancelled  RequestStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are accepted.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestApproved, RequestRejected, RequestCancelled:
		return true
	}
	return false
}

// IsActive reports whether the request is still routing. PENDING and
// IN_PROGRESS are treated as the same running state.
func (s RequestStatus) IsActive() bool {
	return s == RequestPending || s == RequestInProgress
}

// StepStatus is the outcome of a single approval step.
type StepStatus string

const (
	StepPending  StepStatus = "PENDING"
	StepApproved StepStatus = "APPROVED"
	StepRejected StepStatus = "REJECTED"
	StepSkipped  StepStatus = "SKIPPED"
)

func (s StepStatus) IsTerminal() bool { return s != StepPending }

// Urgency is informational only.
type Urgency string

const (
	UrgencyNormal Urgency = "NORMAL"
	UrgencyUrgent Urgency = "URGENT"
)

// Action is what an approver does to the current step.
type Action string

const (
	ActionApprove Action = "APPROVE"
	ActionReject  Action = "REJECT"
)

// AuditAction names an audit trail entry.
type AuditAction string

const (
	AuditSubmitted AuditAction = "SUBMITTED"
	AuditApproved  AuditAction = "APPROVED"
	AuditRejected  AuditAction = "REJECTED"
	AuditCancelled AuditAction = "CANCELLED"
)

// ApprovalRequest is the aggregate root tracking one routing of a task.
type ApprovalRequest struct {
	ID         string
	ApprovalNo string
	TaskType   string
	TaskID     string
	TaskTitle  string
	LineID     *string // approval line the approvers came from, if any

	RequesterID string
	Urgency     Urgency
	Status      RequestStatus

	// CurrentStepOrder is 0 once no step is pending.
	CurrentStepOrder int
	TotalSteps       int

	RequestedAt time.Time
	CompletedAt *time.Time
	Comments    string

	// Version is the optimistic concurrency counter; every successful Save
	// increments it by one.
	Version   int64
	UpdatedAt time.Time
}

// ApprovalStep is one approver's slot within a request.
type ApprovalStep struct {
	ID          string
	RequestID   string
	StepOrder   int
	StepName    string
	ApproverID  string
	Status      StepStatus
	ProcessedAt *time.Time
	Comments    string
}

// ApprovalRecord is the unit the store reads and writes: a request together
// with all of its steps, ordered by StepOrder.
type ApprovalRecord struct {
	Request *ApprovalRequest
	Steps   []*ApprovalStep
}

// Clone returns a deep copy so callers can compute a new state without
// touching a snapshot another goroutine may hold.
func (r *ApprovalRecord) Clone() *ApprovalRecord {
	if r == nil {
		return nil
	}
	req := *r.Request
	if r.Request.CompletedAt != nil {
		t := *r.Request.CompletedAt
		req.CompletedAt = &t
	}
	if r.Request.LineID != nil {
		l := *r.Request.LineID
		req.LineID = &l
	}
	steps := make([]*ApprovalStep, len(r.Steps))
	for i, s := range r.Steps {
		cp := *s
		if s.ProcessedAt != nil {
			t := *s.ProcessedAt
			cp.ProcessedAt = &t
		}
		steps[i] = &cp
	}
	return &ApprovalRecord{Request: &req, Steps: steps}
}

// Step returns the step with the given id, or nil.
func (r *ApprovalRecord) Step(id string) *ApprovalStep {
	for _, s := range r.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// SortSteps orders steps by StepOrder in place.
func (r *ApprovalRecord) SortSteps() {
	sort.Slice(r.Steps, func(i, j int) bool { return r.Steps[i].StepOrder < r.Steps[j].StepOrder })
}

// AuditEntry is one immutable record in the audit trail.
type AuditEntry struct {
	ID           string
	RequestID    string
	StepID       *string
	Action       AuditAction
	PerformedBy  string
	PerformedAt  time.Time
	StatusBefore RequestStatus
	StatusAfter  RequestStatus
	Comments     string
}

// ListFilter narrows List results. Zero-valued fields do not filter.
type ListFilter struct {
	RequesterID string
	// ApproverID matches requests where the user holds any step.
	ApproverID string
	// CurrentApproverID matches active requests whose current step belongs
	// to the user.
	CurrentApproverID string
	// ParticipantID matches requests the user submitted or holds a step in.
	ParticipantID string
	Statuses      []RequestStatus
	TaskType      string
	TaskID        string
	// Keyword matches the task title or approval number, case-insensitively.
	Keyword string
	From    *time.Time
	To      *time.Time
	Limit   int
}
