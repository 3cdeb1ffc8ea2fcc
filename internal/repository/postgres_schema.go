package repository

import (
	"context"

	"github.com/pesio-ai/be-cmp-approvals/internal/platform/errors"
)

// postgresSchema is idempotent. approval_audit_log carries a delete-prevention
// trigger: requests, steps and audit entries are never physically removed.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS approval_requests (
    id                 TEXT PRIMARY KEY,
    approval_no        TEXT NOT NULL UNIQUE,
    task_type          TEXT NOT NULL,
    task_id            TEXT NOT NULL,
    task_title         TEXT NOT NULL DEFAULT '',
    line_id            TEXT,
    requester_id       TEXT NOT NULL,
    urgency            TEXT NOT NULL,
    status             TEXT NOT NULL,
    current_step_order INTEGER NOT NULL DEFAULT 0,
    total_steps        INTEGER NOT NULL CHECK (total_steps >= 1),
    requested_at       TIMESTAMPTZ NOT NULL,
    completed_at       TIMESTAMPTZ,
    comments           TEXT NOT NULL DEFAULT '',
    version            BIGINT NOT NULL DEFAULT 1,
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_approval_requests_task ON approval_requests (task_type, task_id);
CREATE INDEX IF NOT EXISTS idx_approval_requests_requester ON approval_requests (requester_id, requested_at DESC);
CREATE INDEX IF NOT EXISTS idx_approval_requests_status ON approval_requests (status);

CREATE TABLE IF NOT EXISTS approval_steps (
    id           TEXT PRIMARY KEY,
    request_id   TEXT NOT NULL REFERENCES approval_requests (id),
    step_order   INTEGER NOT NULL CHECK (step_order >= 1),
    step_name    TEXT NOT NULL DEFAULT '',
    approver_id  TEXT NOT NULL,
    status       TEXT NOT NULL,
    processed_at TIMESTAMPTZ,
    comments     TEXT NOT NULL DEFAULT '',
    UNIQUE (request_id, step_order)
);

CREATE INDEX IF NOT EXISTS idx_approval_steps_approver ON approval_steps (approver_id, status);

CREATE TABLE IF NOT EXISTS approval_no_counters (
    year INTEGER PRIMARY KEY,
    last_seq INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS approval_audit_log (
    id            TEXT PRIMARY KEY,
    request_id    TEXT NOT NULL REFERENCES approval_requests (id),
    step_id       TEXT,
    action        TEXT NOT NULL,
    performed_by  TEXT NOT NULL,
    performed_at  TIMESTAMPTZ NOT NULL,
    status_before TEXT NOT NULL DEFAULT '',
    status_after  TEXT NOT NULL DEFAULT '',
    comments      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_approval_audit_request ON approval_audit_log (request_id, performed_at);

CREATE OR REPLACE FUNCTION approval_prevent_delete() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'approval records are append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS approval_requests_no_delete ON approval_requests;
CREATE TRIGGER approval_requests_no_delete BEFORE DELETE ON approval_requests
    FOR EACH ROW EXECUTE FUNCTION approval_prevent_delete();

DROP TRIGGER IF EXISTS approval_audit_no_delete ON approval_audit_log;
CREATE TRIGGER approval_audit_no_delete BEFORE DELETE ON approval_audit_log
    FOR EACH ROW EXECUTE FUNCTION approval_prevent_delete();
`

// Migrate creates the approval tables when they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to migrate approval schema")
	}
	return nil
}
