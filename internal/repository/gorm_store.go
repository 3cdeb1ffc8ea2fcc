package repository

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pesio-ai/be-cmp-approvals/internal/platform/errors"
)

// GormStore implements Store with gorm. It backs the sqlite driver used for
// single-node deployments.
type GormStore struct {
	db *gorm.DB
}

type requestRow struct {
	ID               string `gorm:"primaryKey;size:64"`
	ApprovalNo       string `gorm:"uniqueIndex;size:32;not null"`
	TaskType         string `gorm:"index:idx_req_task;size:64;not null"`
	TaskID           string `gorm:"index:idx_req_task;size:128;not null"`
	TaskTitle        string
	LineID           *string
	RequesterID      string `gorm:"index;size:64;not null"`
	Urgency          string `gorm:"size:16;not null"`
	Status           string `gorm:"index;size:16;not null"`
	CurrentStepOrder int
	TotalSteps       int
	RequestedAt      time.Time `gorm:"index;not null"`
	CompletedAt      *time.Time
	Comments         string
	Version          int64 `gorm:"not null"`
	UpdatedAt        time.Time
}

func (requestRow) TableName() string { return "approval_requests" }

type stepRow struct {
	ID          string `gorm:"primaryKey;size:64"`
	RequestID   string `gorm:"uniqueIndex:idx_step_order;size:64;not null"`
	StepOrder   int    `gorm:"uniqueIndex:idx_step_order;not null"`
	StepName    string
	ApproverID  string `gorm:"index;size:64;not null"`
	Status      string `gorm:"size:16;not null"`
	ProcessedAt *time.Time
	Comments    string
}

func (stepRow) TableName() string { return "approval_steps" }

type auditRow struct {
	ID           string `gorm:"primaryKey;size:64"`
	RequestID    string `gorm:"index;size:64;not null"`
	StepID       *string
	Action       string `gorm:"size:16;not null"`
	PerformedBy  string `gorm:"size:64;not null"`
	PerformedAt  time.Time
	StatusBefore string
	StatusAfter  string
	Comments     string
}

func (auditRow) TableName() string { return "approval_audit_log" }

type counterRow struct {
	Year    int `gorm:"primaryKey;autoIncrement:false"`
	LastSeq int `gorm:"not null"`
}

func (counterRow) TableName() string { return "approval_no_counters" }

// OpenSQLite opens (or creates) a SQLite database and migrates it.
func OpenSQLite(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "failed to open sqlite database")
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY under load.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to access sqlite handle")
	}
	sqlDB.SetMaxOpenConns(1)

	store := NewGormStore(db)
	if err := store.Migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewGormStore wraps an open gorm handle.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates the approval tables.
func (s *GormStore) Migrate() error {
	if err := s.db.AutoMigrate(&requestRow{}, &stepRow{}, &auditRow{}, &counterRow{}); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to migrate approval schema")
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) Create(ctx context.Context, rec *ApprovalRecord, audit ...*AuditEntry) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		req := rec.Request
		year := req.RequestedAt.Year()

		var counter counterRow
		err := tx.Where("year = ?", year).Take(&counter).Error
		switch {
		case stderrors.Is(err, gorm.ErrRecordNotFound):
			counter = counterRow{Year: year, LastSeq: 1}
			if err := tx.Create(&counter).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			counter.LastSeq++
			if err := tx.Model(&counterRow{}).Where("year = ?", year).Update("last_seq", counter.LastSeq).Error; err != nil {
				return err
			}
		}
		req.ApprovalNo = FormatApprovalNo(year, counter.LastSeq)
		if req.Version == 0 {
			req.Version = 1
		}

		row := toRequestRow(req)
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if len(rec.Steps) > 0 {
			steps := make([]stepRow, len(rec.Steps))
			for i, st := range rec.Steps {
				steps[i] = toStepRow(st)
			}
			if err := tx.Create(&steps).Error; err != nil {
				return err
			}
		}
		return createAuditRows(tx, audit)
	})
	return wrapGormErr(err, "failed to create approval request")
}

// Get reads the request row and its steps in one transaction so both come
// from the same snapshot.
func (s *GormStore) Get(ctx context.Context, requestID string) (*ApprovalRecord, error) {
	var rec *ApprovalRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		rec, err = getRecord(tx, requestID)
		return err
	})
	if err != nil {
		return nil, wrapGormErr(err, "failed to get approval request")
	}
	return rec, nil
}

func (s *GormStore) GetByStepID(ctx context.Context, stepID string) (*ApprovalRecord, error) {
	var rec *ApprovalRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var step stepRow
		err := tx.Where("id = ?", stepID).Take(&step).Error
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return errors.NotFound("approval_step", stepID)
		}
		if err != nil {
			return err
		}
		rec, err = getRecord(tx, step.RequestID)
		return err
	})
	if err != nil {
		return nil, wrapGormErr(err, "failed to get approval step")
	}
	return rec, nil
}

func getRecord(tx *gorm.DB, requestID string) (*ApprovalRecord, error) {
	var row requestRow
	err := tx.Where("id = ?", requestID).Take(&row).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NotFound("approval_request", requestID)
	}
	if err != nil {
		return nil, err
	}
	recs, err := attachSteps(tx, []requestRow{row})
	if err != nil {
		return nil, err
	}
	return recs[0], nil
}

func (s *GormStore) Save(ctx context.Context, rec *ApprovalRecord, expectedVersion int64, audit ...*AuditEntry) error {
	req := rec.Request
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&requestRow{}).
			Where("id = ? AND version = ?", req.ID, expectedVersion).
			Updates(map[string]any{
				"status":             string(req.Status),
				"current_step_order": req.CurrentStepOrder,
				"completed_at":       req.CompletedAt,
				"version":            gorm.Expr("version + 1"),
				"updated_at":         utc(req.UpdatedAt),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&requestRow{}).Where("id = ?", req.ID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return errors.NotFound("approval_request", req.ID)
			}
			return errors.Newf(errors.ErrCodeConflict, "approval request %q changed since version %d", req.ID, expectedVersion)
		}

		var stored []stepRow
		if err := tx.Where("request_id = ?", req.ID).Find(&stored).Error; err != nil {
			return err
		}
		prev := make(map[string]StepStatus, len(stored))
		for _, st := range stored {
			prev[st.ID] = StepStatus(st.Status)
		}

		for _, st := range rec.Steps {
			was, ok := prev[st.ID]
			if !ok {
				return errors.Newf(errors.ErrCodeConflict, "approval step %q does not belong to request %q", st.ID, req.ID)
			}
			if was == st.Status {
				continue
			}
			if was != StepPending {
				return errors.Newf(errors.ErrCodeConflict, "approval step %q already %s", st.ID, was)
			}
			res := tx.Model(&stepRow{}).
				Where("id = ? AND status = ?", st.ID, string(StepPending)).
				Updates(map[string]any{
					"status":       string(st.Status),
					"processed_at": st.ProcessedAt,
					"comments":     st.Comments,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errStepRace
			}
		}
		return createAuditRows(tx, audit)
	})
	if err != nil {
		return wrapGormErr(err, "failed to save approval request")
	}
	req.Version = expectedVersion + 1
	return nil
}

// List runs the filtered query and the step load in one transaction.
func (s *GormStore) List(ctx context.Context, filter ListFilter) ([]*ApprovalRecord, error) {
	var records []*ApprovalRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []requestRow
		if err := listQuery(tx, filter).Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			records = []*ApprovalRecord{}
			return nil
		}
		var err error
		records, err = attachSteps(tx, rows)
		return err
	})
	if err != nil {
		return nil, wrapGormErr(err, "failed to list approval requests")
	}
	return records, nil
}

func listQuery(tx *gorm.DB, filter ListFilter) *gorm.DB {
	q := tx.Model(&requestRow{})
	if filter.RequesterID != "" {
		q = q.Where("requester_id = ?", filter.RequesterID)
	}
	if filter.TaskType != "" {
		q = q.Where("task_type = ?", filter.TaskType)
	}
	if filter.TaskID != "" {
		q = q.Where("task_id = ?", filter.TaskID)
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(filter.Statuses))
	}
	if filter.From != nil {
		q = q.Where("requested_at >= ?", utc(*filter.From))
	}
	if filter.To != nil {
		q = q.Where("requested_at <= ?", utc(*filter.To))
	}
	if filter.Keyword != "" {
		kw := "%" + strings.ToLower(filter.Keyword) + "%"
		q = q.Where("(LOWER(task_title) LIKE ? OR LOWER(approval_no) LIKE ?)", kw, kw)
	}
	if filter.ApproverID != "" {
		q = q.Where("EXISTS (SELECT 1 FROM approval_steps a WHERE a.request_id = approval_requests.id AND a.approver_id = ?)", filter.ApproverID)
	}
	if filter.ParticipantID != "" {
		q = q.Where("(requester_id = ? OR EXISTS (SELECT 1 FROM approval_steps p WHERE p.request_id = approval_requests.id AND p.approver_id = ?))",
			filter.ParticipantID, filter.ParticipantID)
	}
	if filter.CurrentApproverID != "" {
		q = q.Where("status IN ?", []string{string(RequestPending), string(RequestInProgress)}).
			Where(`EXISTS (SELECT 1 FROM approval_steps c
				WHERE c.request_id = approval_requests.id
				  AND c.step_order = approval_requests.current_step_order
				  AND c.status = ?
				  AND c.approver_id = ?)`, string(StepPending), filter.CurrentApproverID)
	}
	q = q.Order("requested_at DESC").Order("approval_no DESC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	return q
}

func (s *GormStore) ListAudit(ctx context.Context, requestID string) ([]*AuditEntry, error) {
	var rows []auditRow
	err := s.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("performed_at ASC").Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapGormErr(err, "failed to get audit log")
	}
	out := make([]*AuditEntry, len(rows))
	for i, r := range rows {
		out[i] = &AuditEntry{
			ID:           r.ID,
			RequestID:    r.RequestID,
			StepID:       r.StepID,
			Action:       AuditAction(r.Action),
			PerformedBy:  r.PerformedBy,
			PerformedAt:  r.PerformedAt,
			StatusBefore: RequestStatus(r.StatusBefore),
			StatusAfter:  RequestStatus(r.StatusAfter),
			Comments:     r.Comments,
		}
	}
	return out, nil
}

func attachSteps(tx *gorm.DB, rows []requestRow) ([]*ApprovalRecord, error) {
	ids := make([]string, len(rows))
	byID := make(map[string]*ApprovalRecord, len(rows))
	out := make([]*ApprovalRecord, len(rows))
	for i, r := range rows {
		rec := &ApprovalRecord{Request: fromRequestRow(r)}
		ids[i] = r.ID
		byID[r.ID] = rec
		out[i] = rec
	}

	var steps []stepRow
	err := tx.
		Where("request_id IN ?", ids).
		Order("request_id ASC").Order("step_order ASC").
		Find(&steps).Error
	if err != nil {
		return nil, err
	}
	for _, st := range steps {
		if rec, ok := byID[st.RequestID]; ok {
			rec.Steps = append(rec.Steps, fromStepRow(st))
		}
	}
	return out, nil
}

func createAuditRows(tx *gorm.DB, entries []*AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	rows := make([]auditRow, len(entries))
	for i, e := range entries {
		rows[i] = auditRow{
			ID:           e.ID,
			RequestID:    e.RequestID,
			StepID:       e.StepID,
			Action:       string(e.Action),
			PerformedBy:  e.PerformedBy,
			PerformedAt:  utc(e.PerformedAt),
			StatusBefore: string(e.StatusBefore),
			StatusAfter:  string(e.StatusAfter),
			Comments:     e.Comments,
		}
	}
	return tx.Create(&rows).Error
}

func toRequestRow(r *ApprovalRequest) requestRow {
	return requestRow{
		ID:               r.ID,
		ApprovalNo:       r.ApprovalNo,
		TaskType:         r.TaskType,
		TaskID:           r.TaskID,
		TaskTitle:        r.TaskTitle,
		LineID:           r.LineID,
		RequesterID:      r.RequesterID,
		Urgency:          string(r.Urgency),
		Status:           string(r.Status),
		CurrentStepOrder: r.CurrentStepOrder,
		TotalSteps:       r.TotalSteps,
		RequestedAt:      utc(r.RequestedAt),
		CompletedAt:      r.CompletedAt,
		Comments:         r.Comments,
		Version:          r.Version,
		UpdatedAt:        utc(r.UpdatedAt),
	}
}

func fromRequestRow(r requestRow) *ApprovalRequest {
	return &ApprovalRequest{
		ID:               r.ID,
		ApprovalNo:       r.ApprovalNo,
		TaskType:         r.TaskType,
		TaskID:           r.TaskID,
		TaskTitle:        r.TaskTitle,
		LineID:           r.LineID,
		RequesterID:      r.RequesterID,
		Urgency:          Urgency(r.Urgency),
		Status:           RequestStatus(r.Status),
		CurrentStepOrder: r.CurrentStepOrder,
		TotalSteps:       r.TotalSteps,
		RequestedAt:      r.RequestedAt,
		CompletedAt:      r.CompletedAt,
		Comments:         r.Comments,
		Version:          r.Version,
		UpdatedAt:        r.UpdatedAt,
	}
}

func toStepRow(s *ApprovalStep) stepRow {
	return stepRow{
		ID:          s.ID,
		RequestID:   s.RequestID,
		StepOrder:   s.StepOrder,
		StepName:    s.StepName,
		ApproverID:  s.ApproverID,
		Status:      string(s.Status),
		ProcessedAt: s.ProcessedAt,
		Comments:    s.Comments,
	}
}

func fromStepRow(s stepRow) *ApprovalStep {
	return &ApprovalStep{
		ID:          s.ID,
		RequestID:   s.RequestID,
		StepOrder:   s.StepOrder,
		StepName:    s.StepName,
		ApproverID:  s.ApproverID,
		Status:      StepStatus(s.Status),
		ProcessedAt: s.ProcessedAt,
		Comments:    s.Comments,
	}
}

// wrapGormErr keeps coded errors and marks lock contention as UNAVAILABLE.
func wrapGormErr(err error, message string) error {
	if err == nil {
		return nil
	}
	var coded *errors.Error
	if stderrors.As(err, &coded) {
		return err
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return errors.Wrap(err, errors.ErrCodeUnavailable, message)
	}
	return errors.Wrap(err, errors.ErrCodeInternal, message)
}

var _ Store = (*GormStore)(nil)
