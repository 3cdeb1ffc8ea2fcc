package service

import (
	"time"

	"github.com/pesio-ai/be-cmp-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-cmp-approvals/internal/repository"
)

// Resolution is the request state after a transition.
type Resolution struct {
	Record *repository.ApprovalRecord

	// Next is the step now awaiting action, nil once the request is terminal.
	Next *repository.ApprovalStep
}

// Completed reports whether the transition made the request terminal.
func (r Resolution) Completed() bool {
	return r.Record.Request.Status.IsTerminal()
}

// ResolveAction applies an already validated action on stepID and returns the
// new state. rec itself is left untouched.
func ResolveAction(
	rec *repository.ApprovalRecord,
	stepID string,
	action repository.Action,
	comments string,
	now time.Time,
) Resolution {
	next := rec.Clone()
	next.SortSteps()
	req := next.Request
	target := next.Step(stepID)

	processedAt := now
	target.ProcessedAt = &processedAt
	target.Comments = comments
	req.UpdatedAt = now

	switch action {
	case repository.ActionReject:
		target.Status = repository.StepRejected
		for _, st := range next.Steps {
			if st.StepOrder > target.StepOrder && st.Status == repository.StepPending {
				st.Status = repository.StepSkipped
			}
		}
		finish(req, repository.RequestRejected, now)
		return Resolution{Record: next}

	default:
		target.Status = repository.StepApproved
		cur := CurrentStep(next)
		if cur == nil {
			finish(req, repository.RequestApproved, now)
			return Resolution{Record: next}
		}
		req.Status = repository.RequestInProgress
		req.CurrentStepOrder = cur.StepOrder
		return Resolution{Record: next, Next: cur}
	}
}

// ResolveCancel withdraws an active request on which nobody has acted yet.
func ResolveCancel(rec *repository.ApprovalRecord, now time.Time) (Resolution, error) {
	req := rec.Request
	if !req.Status.IsActive() {
		return Resolution{}, errors.Newf(errors.ErrCodeRequestNotActive,
			"approval request %s is already %s", req.ID, req.Status)
	}
	if hasTerminalStep(rec) {
		return Resolution{}, errors.Newf(errors.ErrCodeRequestNotActive,
			"approval request %s already has a processed step", req.ID)
	}

	next := rec.Clone()
	next.SortSteps()
	for _, st := range next.Steps {
		if st.Status == repository.StepPending {
			st.Status = repository.StepSkipped
		}
	}
	next.Request.UpdatedAt = now
	finish(next.Request, repository.RequestCancelled, now)
	return Resolution{Record: next}, nil
}

func finish(req *repository.ApprovalRequest, status repository.RequestStatus, now time.Time) {
	req.Status = status
	req.CurrentStepOrder = 0
	if req.CompletedAt == nil {
		completedAt := now
		req.CompletedAt = &completedAt
	}
}
