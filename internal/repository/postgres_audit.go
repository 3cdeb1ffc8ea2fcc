package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// insertAudit appends audit entries inside the caller's transaction. The
// table has a delete-prevention trigger so this is the only mutation exposed.
func insertAudit(ctx context.Context, tx pgx.Tx, entries []*AuditEntry) error {
	for _, e := range entries {
		_, err := tx.Exec(ctx, `
			INSERT INTO approval_audit_log
			    (id, request_id, step_id, action, performed_by, performed_at,
			     status_before, status_after, comments)
			VALUES ($1, $2, $3, $4, $5, $6,
			        $7, $8, $9)
		`,
			e.ID,
			e.RequestID,
			e.StepID,
			string(e.Action),
			e.PerformedBy,
			utc(e.PerformedAt),
			string(e.StatusBefore),
			string(e.StatusAfter),
			e.Comments,
		)
		if err != nil {
			return fmt.Errorf("failed to append audit entry: %w", err)
		}
	}
	return nil
}

func scanAuditRows(rows pgx.Rows) ([]*AuditEntry, error) {
	entries := []*AuditEntry{}
	for rows.Next() {
		e := &AuditEntry{}
		var action, before, after string
		err := rows.Scan(
			&e.ID,
			&e.RequestID,
			&e.StepID,
			&action,
			&e.PerformedBy,
			&e.PerformedAt,
			&before,
			&after,
			&e.Comments,
		)
		if err != nil {
			return nil, wrapPgErr(err, "failed to scan audit entry")
		}
		e.Action = AuditAction(action)
		e.StatusBefore = RequestStatus(before)
		e.StatusAfter = RequestStatus(after)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgErr(err, "failed to read audit log")
	}
	return entries, nil
}
