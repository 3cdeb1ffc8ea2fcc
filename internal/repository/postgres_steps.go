package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Step rows are only read or written inside a request transaction, so these
// helpers take a pgx.Tx rather than the pool.

func insertStep(ctx context.Context, tx pgx.Tx, step *ApprovalStep) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO approval_steps
		    (id, request_id, step_order, step_name, approver_id,
		     status, processed_at, comments)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8)
	`,
		step.ID,
		step.RequestID,
		step.StepOrder,
		step.StepName,
		step.ApproverID,
		string(step.Status),
		step.ProcessedAt,
		step.Comments,
	)
	if err != nil {
		return fmt.Errorf("failed to create approval step %d: %w", step.StepOrder, err)
	}
	return nil
}

// lockStepStatuses reads the stored status of every step of a request,
// locking the rows until the transaction ends.
func lockStepStatuses(ctx context.Context, tx pgx.Tx, requestID string) (map[string]StepStatus, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, status
		FROM approval_steps
		WHERE request_id = $1
		FOR UPDATE
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock approval steps: %w", err)
	}
	defer rows.Close()

	out := make(map[string]StepStatus)
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("failed to scan approval step status: %w", err)
		}
		out[id] = StepStatus(status)
	}
	return out, rows.Err()
}

// updateStepOutcome records a step's terminal outcome. The status guard makes
// the write a no-op against a step another transaction already finished.
func updateStepOutcome(ctx context.Context, tx pgx.Tx, step *ApprovalStep) error {
	tag, err := tx.Exec(ctx, `
		UPDATE approval_steps
		SET status       = $2,
		    processed_at = $3,
		    comments     = $4
		WHERE id = $1
		  AND status = 'PENDING'
	`, step.ID, string(step.Status), step.ProcessedAt, step.Comments)
	if err != nil {
		return fmt.Errorf("failed to update approval step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("approval step %q is no longer pending: %w", step.ID, errStepRace)
	}
	return nil
}

// stepsFor loads the steps of the given requests ordered by request and order.
func stepsFor(ctx context.Context, tx pgx.Tx, requestIDs []string) ([]*ApprovalStep, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, request_id, step_order, step_name, approver_id,
		       status, processed_at, comments
		FROM approval_steps
		WHERE request_id = ANY($1)
		ORDER BY request_id ASC, step_order ASC
	`, requestIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to get approval steps: %w", err)
	}
	defer rows.Close()

	var steps []*ApprovalStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, wrapPgErr(err, "failed to scan approval step")
		}
		steps = append(steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgErr(err, "failed to get approval steps")
	}
	return steps, nil
}

func scanStep(row rowScanner) (*ApprovalStep, error) {
	st := &ApprovalStep{}
	var status string
	err := row.Scan(
		&st.ID,
		&st.RequestID,
		&st.StepOrder,
		&st.StepName,
		&st.ApproverID,
		&status,
		&st.ProcessedAt,
		&st.Comments,
	)
	if err != nil {
		return nil, err
	}
	st.Status = StepStatus(status)
	return st, nil
}
