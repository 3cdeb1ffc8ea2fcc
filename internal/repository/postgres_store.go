package repository

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-cmp-approvals/internal/platform/database"
	"github.com/pesio-ai/be-cmp-approvals/internal/platform/errors"
)

// PostgresStore implements Store on PostgreSQL. A request and its steps are
// always written together in one transaction.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `
	r.id, r.approval_no, r.task_type, r.task_id, r.task_title, r.line_id,
	r.requester_id, r.urgency, r.status,
	r.current_step_order, r.total_steps,
	r.requested_at, r.completed_at, r.comments,
	r.version, r.updated_at`

// Create inserts a request, its steps and its audit entries in one transaction.
func (s *PostgresStore) Create(ctx context.Context, rec *ApprovalRecord, audit ...*AuditEntry) error {
	return wrapPgErr(s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		req := rec.Request
		year := req.RequestedAt.Year()

		var seq int
		err := tx.QueryRow(ctx, `
			INSERT INTO approval_no_counters (year, last_seq)
			VALUES ($1, 1)
			ON CONFLICT (year) DO UPDATE SET last_seq = approval_no_counters.last_seq + 1
			RETURNING last_seq
		`, year).Scan(&seq)
		if err != nil {
			return fmt.Errorf("failed to allocate approval number: %w", err)
		}
		req.ApprovalNo = FormatApprovalNo(year, seq)
		if req.Version == 0 {
			req.Version = 1
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO approval_requests
			    (id, approval_no, task_type, task_id, task_title, line_id,
			     requester_id, urgency, status,
			     current_step_order, total_steps,
			     requested_at, completed_at, comments,
			     version, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6,
			        $7, $8, $9,
			        $10, $11,
			        $12, $13, $14,
			        $15, $16)
		`,
			req.ID, req.ApprovalNo, req.TaskType, req.TaskID, req.TaskTitle, req.LineID,
			req.RequesterID, string(req.Urgency), string(req.Status),
			req.CurrentStepOrder, req.TotalSteps,
			utc(req.RequestedAt), req.CompletedAt, req.Comments,
			req.Version, utc(req.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to create approval request: %w", err)
		}

		for _, step := range rec.Steps {
			if err := insertStep(ctx, tx, step); err != nil {
				return err
			}
		}
		return insertAudit(ctx, tx, audit)
	}), "failed to create approval request")
}

// Get retrieves a request and its steps by request id.
func (s *PostgresStore) Get(ctx context.Context, requestID string) (*ApprovalRecord, error) {
	query := `SELECT` + requestColumns + `
		FROM approval_requests r
		WHERE r.id = $1
	`
	return s.getOne(ctx, query, requestID, errors.NotFound("approval_request", requestID), "failed to get approval request")
}

// GetByStepID retrieves the request owning a step.
func (s *PostgresStore) GetByStepID(ctx context.Context, stepID string) (*ApprovalRecord, error) {
	query := `SELECT` + requestColumns + `
		FROM approval_requests r
		JOIN approval_steps st ON st.request_id = r.id
		WHERE st.id = $1
	`
	return s.getOne(ctx, query, stepID, errors.NotFound("approval_step", stepID), "failed to get approval request by step")
}

// getOne reads one request row and its steps from the same snapshot.
func (s *PostgresStore) getOne(ctx context.Context, query, arg string, notFound error, message string) (*ApprovalRecord, error) {
	var rec *ApprovalRecord
	err := s.db.InReadTransaction(ctx, func(tx pgx.Tx) error {
		req, err := scanRequest(tx.QueryRow(ctx, query, arg))
		if stderrors.Is(err, pgx.ErrNoRows) {
			return notFound
		}
		if err != nil {
			return err
		}
		steps, err := stepsFor(ctx, tx, []string{req.ID})
		if err != nil {
			return err
		}
		rec = &ApprovalRecord{Request: req, Steps: steps}
		return nil
	})
	if err != nil {
		return nil, wrapPgErr(err, message)
	}
	return rec, nil
}

// Save applies a version-guarded update of the request and its changed steps.
func (s *PostgresStore) Save(ctx context.Context, rec *ApprovalRecord, expectedVersion int64, audit ...*AuditEntry) error {
	req := rec.Request
	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE approval_requests
			SET status             = $2,
			    current_step_order = $3,
			    completed_at       = $4,
			    version            = version + 1,
			    updated_at         = $5
			WHERE id = $1
			  AND version = $6
		`,
			req.ID, string(req.Status), req.CurrentStepOrder, req.CompletedAt, utc(req.UpdatedAt), expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to update approval request: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM approval_requests WHERE id = $1)`, req.ID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check approval request: %w", err)
			}
			if !exists {
				return errors.NotFound("approval_request", req.ID)
			}
			return errors.Newf(errors.ErrCodeConflict, "approval request %q changed since version %d", req.ID, expectedVersion)
		}

		stored, err := lockStepStatuses(ctx, tx, req.ID)
		if err != nil {
			return err
		}
		for _, step := range rec.Steps {
			prev, ok := stored[step.ID]
			if !ok {
				return errors.Newf(errors.ErrCodeConflict, "approval step %q does not belong to request %q", step.ID, req.ID)
			}
			if prev == step.Status {
				continue
			}
			if prev != StepPending {
				return errors.Newf(errors.ErrCodeConflict, "approval step %q already %s", step.ID, prev)
			}
			if err := updateStepOutcome(ctx, tx, step); err != nil {
				return err
			}
		}
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return wrapPgErr(err, "failed to save approval request")
	}
	req.Version = expectedVersion + 1
	return nil
}

// List returns requests matching filter, newest first, with their steps.
func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*ApprovalRecord, error) {
	where, args := buildListWhere(filter)
	query := `SELECT` + requestColumns + `
		FROM approval_requests r` + where + `
		ORDER BY r.requested_at DESC, r.approval_no DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var records []*ApprovalRecord
	err := s.db.InReadTransaction(ctx, func(tx pgx.Tx) error {
		var err error
		records, err = listRecords(ctx, tx, query, args)
		return err
	})
	if err != nil {
		return nil, wrapPgErr(err, "failed to list approval requests")
	}
	return records, nil
}

func listRecords(ctx context.Context, tx pgx.Tx, query string, args []any) ([]*ApprovalRecord, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		records []*ApprovalRecord
		ids     []string
		byID    = make(map[string]*ApprovalRecord)
	)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval request: %w", err)
		}
		rec := &ApprovalRecord{Request: req}
		records = append(records, rec)
		ids = append(ids, req.ID)
		byID[req.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*ApprovalRecord{}, nil
	}

	steps, err := stepsFor(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	for _, st := range steps {
		if rec, ok := byID[st.RequestID]; ok {
			rec.Steps = append(rec.Steps, st)
		}
	}
	return records, nil
}

// ListAudit returns the audit trail of a request, oldest first.
func (s *PostgresStore) ListAudit(ctx context.Context, requestID string) ([]*AuditEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, request_id, step_id, action, performed_by, performed_at,
		       status_before, status_after, comments
		FROM approval_audit_log
		WHERE request_id = $1
		ORDER BY performed_at ASC, id ASC
	`, requestID)
	if err != nil {
		return nil, wrapPgErr(err, "failed to get audit log")
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// buildListWhere renders the WHERE clause for a ListFilter using positional args.
func buildListWhere(f ListFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.RequesterID != "" {
		conds = append(conds, "r.requester_id = "+arg(f.RequesterID))
	}
	if f.TaskType != "" {
		conds = append(conds, "r.task_type = "+arg(f.TaskType))
	}
	if f.TaskID != "" {
		conds = append(conds, "r.task_id = "+arg(f.TaskID))
	}
	if len(f.Statuses) > 0 {
		conds = append(conds, "r.status = ANY("+arg(statusStrings(f.Statuses))+")")
	}
	if f.From != nil {
		conds = append(conds, "r.requested_at >= "+arg(utc(*f.From)))
	}
	if f.To != nil {
		conds = append(conds, "r.requested_at <= "+arg(utc(*f.To)))
	}
	if f.Keyword != "" {
		p := arg("%" + f.Keyword + "%")
		conds = append(conds, "(r.task_title ILIKE "+p+" OR r.approval_no ILIKE "+p+")")
	}
	if f.ApproverID != "" {
		conds = append(conds, "EXISTS (SELECT 1 FROM approval_steps a WHERE a.request_id = r.id AND a.approver_id = "+arg(f.ApproverID)+")")
	}
	if f.ParticipantID != "" {
		p := arg(f.ParticipantID)
		conds = append(conds, "(r.requester_id = "+p+" OR EXISTS (SELECT 1 FROM approval_steps ps WHERE ps.request_id = r.id AND ps.approver_id = "+p+"))")
	}
	if f.CurrentApproverID != "" {
		conds = append(conds, `r.status IN ('PENDING', 'IN_PROGRESS') AND EXISTS (
			SELECT 1 FROM approval_steps c
			WHERE c.request_id = r.id
			  AND c.step_order = r.current_step_order
			  AND c.status = 'PENDING'
			  AND c.approver_id = `+arg(f.CurrentApproverID)+`)`)
	}

	if len(conds) == 0 {
		return "", args
	}
	return "\n\t\tWHERE " + strings.Join(conds, "\n\t\t  AND "), args
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var urgency, status string
	err := row.Scan(
		&req.ID,
		&req.ApprovalNo,
		&req.TaskType,
		&req.TaskID,
		&req.TaskTitle,
		&req.LineID,
		&req.RequesterID,
		&urgency,
		&status,
		&req.CurrentStepOrder,
		&req.TotalSteps,
		&req.RequestedAt,
		&req.CompletedAt,
		&req.Comments,
		&req.Version,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	req.Urgency = Urgency(urgency)
	req.Status = RequestStatus(status)
	return req, nil
}

// wrapPgErr classifies driver errors: failures that never reached the server
// or timed out are UNAVAILABLE, coded errors pass through, the rest are INTERNAL.
func wrapPgErr(err error, message string) error {
	if err == nil {
		return nil
	}
	var coded *errors.Error
	if stderrors.As(err, &coded) {
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return errors.Wrap(err, errors.ErrCodeUnavailable, message)
	}
	var connErr *pgconn.ConnectError
	if stderrors.As(err, &connErr) {
		return errors.Wrap(err, errors.ErrCodeUnavailable, message)
	}
	return errors.Wrap(err, errors.ErrCodeInternal, message)
}

var _ Store = (*PostgresStore)(nil)
