package service

import (
	"github.com/pesio-ai/be-cmp-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-cmp-approvals/internal/repository"
)

// CurrentStep returns the PENDING step with the smallest order, or nil when
// every step is terminal.
func CurrentStep(rec *repository.ApprovalRecord) *repository.ApprovalStep {
	var cur *repository.ApprovalStep
	for _, st := range rec.Steps {
		if st.Status != repository.StepPending {
			continue
		}
		if cur == nil || st.StepOrder < cur.StepOrder {
			cur = st
		}
	}
	return cur
}

// ValidateAction checks that actorID may apply action to stepID right now.
// It never mutates rec.
func ValidateAction(rec *repository.ApprovalRecord, actorID, stepID string, action repository.Action) error {
	if action != repository.ActionApprove && action != repository.ActionReject {
		return errors.InvalidInput("action", "must be APPROVE or REJECT")
	}
	if rec.Request.Status.IsTerminal() {
		return errors.Newf(errors.ErrCodeRequestNotActive,
			"approval request %s is already %s", rec.Request.ID, rec.Request.Status)
	}

	target := rec.Step(stepID)
	if target == nil {
		return errors.NotFound("approval_step", stepID)
	}
	cur := CurrentStep(rec)
	if cur == nil || cur.ID != target.ID {
		if target.Status.IsTerminal() {
			return errors.Newf(errors.ErrCodeNotCurrentStep,
				"step %d was already %s", target.StepOrder, target.Status)
		}
		return errors.Newf(errors.ErrCodeNotCurrentStep,
			"step %d is waiting on step %d", target.StepOrder, cur.StepOrder)
	}
	if target.ApproverID != actorID {
		return errors.Newf(errors.ErrCodeWrongApprover,
			"step %d is assigned to another approver", target.StepOrder)
	}
	return nil
}

// hasTerminalStep reports whether any approver has acted yet.
func hasTerminalStep(rec *repository.ApprovalRecord) bool {
	for _, st := range rec.Steps {
		if st.Status.IsTerminal() {
			return true
		}
	}
	return false
}
