package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-cmp-approvals/internal/metrics"
	"github.com/pesio-ai/be-cmp-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-cmp-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-cmp-approvals/internal/repository"
)

// TaskDirectory resolves a display title for a task reference. The engine
// only uses it when a submission arrives without a title.
type TaskDirectory interface {
	TaskTitle(ctx context.Context, taskType, taskID string) (string, error)
}

// ApprovalEngine orchestrates submission, step processing and cancellation.
// Every mutation is a read-validate-write cycle whose write is conditioned on
// the version that was read.
type ApprovalEngine struct {
	reader *storeReader
	store  repository.Store
	lines  *LineRegistry
	tasks  TaskDirectory
	log    *logger.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures an ApprovalEngine.
type Option func(*ApprovalEngine)

// WithLines enables SubmitWithLine.
func WithLines(lines *LineRegistry) Option {
	return func(e *ApprovalEngine) { e.lines = lines }
}

// WithTaskDirectory enables title lookup for untitled submissions.
func WithTaskDirectory(d TaskDirectory) Option {
	return func(e *ApprovalEngine) { e.tasks = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *ApprovalEngine) { e.now = now }
}

// WithIDGenerator overrides uuid-based identifiers.
func WithIDGenerator(newID func() string) Option {
	return func(e *ApprovalEngine) { e.newID = newID }
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *ApprovalEngine) { e.reader.policy = p }
}

// NewApprovalEngine creates a new ApprovalEngine.
func NewApprovalEngine(store repository.Store, log *logger.Logger, opts ...Option) *ApprovalEngine {
	log = log.Component("approval_engine")
	e := &ApprovalEngine{
		reader: &storeReader{store: store, policy: DefaultRetryPolicy, log: log},
		store:  store,
		log:    log,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.lines == nil {
		e.lines, _ = NewLineRegistry(nil)
	}
	return e
}

// Lines exposes the approval line registry.
func (e *ApprovalEngine) Lines() *LineRegistry { return e.lines }

// SubmitRequest describes a new approval routing.
type SubmitRequest struct {
	TaskType    string
	TaskID      string
	TaskTitle   string
	RequesterID string
	// ApproverIDs in routing order. The same id may appear more than once.
	ApproverIDs []string
	// StepNames optionally labels steps by position.
	StepNames []string
	Urgency   repository.Urgency
	Comments  string

	lineID *string
}

// ProcessRequest is one approver acting on a step.
type ProcessRequest struct {
	StepID   string
	ActorID  string
	Action   repository.Action
	Comments string
}

// ProcessResult is the outcome of a successful Process call.
type ProcessResult struct {
	RequestID     string
	RequestStatus repository.RequestStatus
	IsCompleted   bool
	// NextApproverID is set iff IsCompleted is false.
	NextApproverID *string
	NextStepID     *string
}

// StatusSnapshot is a read-only view of a request and its steps.
type StatusSnapshot struct {
	Request *repository.ApprovalRequest
	Steps   []*repository.ApprovalStep
	// Current is the step awaiting action, nil once terminal.
	Current *repository.ApprovalStep
}

// IsCompleted reports whether the request reached a terminal status.
func (s *StatusSnapshot) IsCompleted() bool { return s.Request.Status.IsTerminal() }

// ── Submission ───────────────────────────────────────────────────────────────

// Submit creates a request with one PENDING step per approver. The request is
// IN_PROGRESS with step 1 current.
func (e *ApprovalEngine) Submit(ctx context.Context, in SubmitRequest) (*StatusSnapshot, error) {
	if err := validateSubmission(&in); err != nil {
		return nil, err
	}

	title := strings.TrimSpace(in.TaskTitle)
	if title == "" && e.tasks != nil {
		title = e.lookupTitle(ctx, in.TaskType, in.TaskID)
	}

	now := e.now().UTC()
	reqID := e.newID()
	req := &repository.ApprovalRequest{
		ID:               reqID,
		TaskType:         in.TaskType,
		TaskID:           in.TaskID,
		TaskTitle:        title,
		LineID:           in.lineID,
		RequesterID:      in.RequesterID,
		Urgency:          in.Urgency,
		Status:           repository.RequestInProgress,
		CurrentStepOrder: 1,
		TotalSteps:       len(in.ApproverIDs),
		RequestedAt:      now,
		Comments:         in.Comments,
		Version:          1,
		UpdatedAt:        now,
	}
	steps := make([]*repository.ApprovalStep, len(in.ApproverIDs))
	for i, approver := range in.ApproverIDs {
		steps[i] = &repository.ApprovalStep{
			ID:         e.newID(),
			RequestID:  reqID,
			StepOrder:  i + 1,
			StepName:   stepName(in.StepNames, i),
			ApproverID: approver,
			Status:     repository.StepPending,
		}
	}
	rec := &repository.ApprovalRecord{Request: req, Steps: steps}

	audit := &repository.AuditEntry{
		ID:          e.newID(),
		RequestID:   reqID,
		Action:      repository.AuditSubmitted,
		PerformedBy: in.RequesterID,
		PerformedAt: now,
		StatusAfter: repository.RequestInProgress,
		Comments:    in.Comments,
	}

	if err := e.store.Create(ctx, rec, audit); err != nil {
		e.log.Error().Err(err).
			Str("task_type", in.TaskType).
			Str("task_id", in.TaskID).
			Msg("Failed to create approval request")
		return nil, err
	}

	metrics.SubmittedTotal.WithLabelValues(in.TaskType).Inc()
	e.log.Info().
		Str("request_id", reqID).
		Str("approval_no", req.ApprovalNo).
		Str("task_type", in.TaskType).
		Str("task_id", in.TaskID).
		Str("actor_id", in.RequesterID).
		Int("total_steps", req.TotalSteps).
		Msg("Approval request submitted")

	return snapshot(rec), nil
}

// SubmitWithLine submits using the approvers of a configured approval line.
// An empty in.TaskType takes the line's task type.
func (e *ApprovalEngine) SubmitWithLine(ctx context.Context, lineID string, in SubmitRequest) (*StatusSnapshot, error) {
	line, err := e.lines.Get(lineID)
	if err != nil {
		return nil, err
	}
	if !line.Active {
		return nil, errors.InvalidInput("line_id", fmt.Sprintf("approval line %q is inactive", lineID))
	}
	if in.TaskType == "" {
		in.TaskType = line.TaskType
	}
	if line.TaskType != "" && in.TaskType != line.TaskType {
		return nil, errors.InvalidInput("line_id",
			fmt.Sprintf("approval line %q is for %s, not %s", lineID, line.TaskType, in.TaskType))
	}
	in.ApproverIDs = line.Approvers()
	in.StepNames = line.StepNames()
	in.lineID = &line.ID
	return e.Submit(ctx, in)
}

func validateSubmission(in *SubmitRequest) error {
	in.TaskType = strings.TrimSpace(in.TaskType)
	in.TaskID = strings.TrimSpace(in.TaskID)
	in.RequesterID = strings.TrimSpace(in.RequesterID)

	if in.TaskType == "" {
		return errors.InvalidInput("task_type", "is required")
	}
	if in.TaskID == "" {
		return errors.InvalidInput("task_id", "is required")
	}
	if in.RequesterID == "" {
		return errors.InvalidInput("requester_id", "is required")
	}
	if len(in.ApproverIDs) == 0 {
		return errors.InvalidInput("approver_ids", "at least one approver is required")
	}
	approvers := make([]string, len(in.ApproverIDs))
	for i, a := range in.ApproverIDs {
		a = strings.TrimSpace(a)
		if a == "" {
			return errors.InvalidInput("approver_ids", fmt.Sprintf("approver %d is blank", i+1))
		}
		approvers[i] = a
	}
	in.ApproverIDs = approvers

	switch in.Urgency {
	case "":
		in.Urgency = repository.UrgencyNormal
	case repository.UrgencyNormal, repository.UrgencyUrgent:
	default:
		return errors.InvalidInput("urgency", "must be NORMAL or URGENT")
	}
	return nil
}

func (e *ApprovalEngine) lookupTitle(ctx context.Context, taskType, taskID string) string {
	title, err := e.tasks.TaskTitle(ctx, taskType, taskID)
	if err != nil {
		e.log.Warn().Err(err).
			Str("task_type", taskType).
			Str("task_id", taskID).
			Msg("Could not resolve task title; submitting without one")
		return ""
	}
	return strings.TrimSpace(title)
}

func stepName(names []string, i int) string {
	if i < len(names) {
		return names[i]
	}
	return ""
}

// ── Processing ───────────────────────────────────────────────────────────────

// Process applies an approver's action to a step. Exactly one of several
// concurrent calls on the same step succeeds; the others fail with
// NOT_CURRENT_STEP or ALREADY_PROCESSED.
func (e *ApprovalEngine) Process(ctx context.Context, in ProcessRequest) (*ProcessResult, error) {
	res, err := e.process(ctx, in)
	result := metrics.ResultOK
	if err != nil {
		result = string(errors.CodeOf(err))
	}
	metrics.ActionsTotal.WithLabelValues(metrics.ActionLabel(string(in.Action)), result).Inc()
	return res, err
}

func (e *ApprovalEngine) process(ctx context.Context, in ProcessRequest) (*ProcessResult, error) {
	rec, err := e.reader.getByStep(ctx, in.StepID)
	if err != nil {
		return nil, err
	}
	if err := ValidateAction(rec, in.ActorID, in.StepID, in.Action); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	statusBefore := rec.Request.Status
	resolved := ResolveAction(rec, in.StepID, in.Action, in.Comments, now)
	next := resolved.Record

	stepID := in.StepID
	audit := &repository.AuditEntry{
		ID:           e.newID(),
		RequestID:    next.Request.ID,
		StepID:       &stepID,
		Action:       auditActionFor(in.Action),
		PerformedBy:  in.ActorID,
		PerformedAt:  now,
		StatusBefore: statusBefore,
		StatusAfter:  next.Request.Status,
		Comments:     in.Comments,
	}

	if err := e.store.Save(ctx, next, rec.Request.Version, audit); err != nil {
		return nil, e.translateWriteErr(err, "process", next.Request.ID)
	}

	out := &ProcessResult{
		RequestID:     next.Request.ID,
		RequestStatus: next.Request.Status,
		IsCompleted:   resolved.Completed(),
	}
	if resolved.Next != nil {
		out.NextApproverID = &resolved.Next.ApproverID
		out.NextStepID = &resolved.Next.ID
	}
	if out.IsCompleted {
		e.recordCompletion(next.Request)
	}

	e.log.Info().
		Str("request_id", next.Request.ID).
		Str("step_id", in.StepID).
		Str("actor_id", in.ActorID).
		Str("action", string(in.Action)).
		Str("status", string(next.Request.Status)).
		Bool("completed", out.IsCompleted).
		Msg("Approval step processed")

	return out, nil
}

func auditActionFor(a repository.Action) repository.AuditAction {
	if a == repository.ActionReject {
		return repository.AuditRejected
	}
	return repository.AuditApproved
}

// ── Cancellation ─────────────────────────────────────────────────────────────

// Cancel withdraws a request. Only the requester may cancel, and only before
// any approver has acted.
func (e *ApprovalEngine) Cancel(ctx context.Context, requestID, actorID string) error {
	err := e.cancel(ctx, requestID, actorID)
	result := metrics.ResultOK
	if err != nil {
		result = string(errors.CodeOf(err))
	}
	metrics.ActionsTotal.WithLabelValues("CANCEL", result).Inc()
	return err
}

func (e *ApprovalEngine) cancel(ctx context.Context, requestID, actorID string) error {
	rec, err := e.reader.get(ctx, requestID)
	if err != nil {
		return err
	}
	if rec.Request.RequesterID != actorID {
		return errors.New(errors.ErrCodeUnauthorized, "only the requester can cancel an approval request")
	}

	now := e.now().UTC()
	resolved, err := ResolveCancel(rec, now)
	if err != nil {
		return err
	}
	next := resolved.Record

	audit := &repository.AuditEntry{
		ID:           e.newID(),
		RequestID:    requestID,
		Action:       repository.AuditCancelled,
		PerformedBy:  actorID,
		PerformedAt:  now,
		StatusBefore: rec.Request.Status,
		StatusAfter:  repository.RequestCancelled,
	}
	if err := e.store.Save(ctx, next, rec.Request.Version, audit); err != nil {
		return e.translateWriteErr(err, "cancel", requestID)
	}

	e.recordCompletion(next.Request)
	e.log.Info().
		Str("request_id", requestID).
		Str("actor_id", actorID).
		Str("status", string(repository.RequestCancelled)).
		Msg("Approval request cancelled")
	return nil
}

// translateWriteErr turns a lost optimistic write into ALREADY_PROCESSED.
func (e *ApprovalEngine) translateWriteErr(err error, op, requestID string) error {
	if errors.Is(err, errors.ErrCodeConflict) {
		metrics.ConflictsTotal.WithLabelValues(op).Inc()
		e.log.Warn().Err(err).
			Str("request_id", requestID).
			Str("operation", op).
			Msg("Approval request changed concurrently")
		return errors.Wrap(err, errors.ErrCodeAlreadyProcessed, "another action was applied to this request first")
	}
	e.log.Error().Err(err).
		Str("request_id", requestID).
		Str("operation", op).
		Msg("Failed to save approval request")
	return err
}

func (e *ApprovalEngine) recordCompletion(req *repository.ApprovalRequest) {
	cycle := time.Duration(-1)
	if req.CompletedAt != nil {
		cycle = req.CompletedAt.Sub(req.RequestedAt)
	}
	metrics.RecordCompletion(string(req.Status), cycle)
}

// ── Queries ──────────────────────────────────────────────────────────────────

// GetStatus returns a request with per-step detail.
func (e *ApprovalEngine) GetStatus(ctx context.Context, requestID string) (*StatusSnapshot, error) {
	rec, err := e.reader.get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return snapshot(rec), nil
}

// GetStatusByTask returns the most recent request for a task reference.
func (e *ApprovalEngine) GetStatusByTask(ctx context.Context, taskType, taskID string) (*StatusSnapshot, error) {
	if taskType == "" || taskID == "" {
		return nil, errors.InvalidInput("task", "task_type and task_id are required")
	}
	recs, err := e.reader.list(ctx, repository.ListFilter{TaskType: taskType, TaskID: taskID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, errors.NotFound("approval_request", taskType+"/"+taskID)
	}
	return snapshot(recs[0]), nil
}

// AuditTrail returns a request's audit entries, oldest first.
func (e *ApprovalEngine) AuditTrail(ctx context.Context, requestID string) ([]*repository.AuditEntry, error) {
	if _, err := e.reader.get(ctx, requestID); err != nil {
		return nil, err
	}
	return e.reader.listAudit(ctx, requestID)
}

func snapshot(rec *repository.ApprovalRecord) *StatusSnapshot {
	rec = rec.Clone()
	rec.SortSteps()
	s := &StatusSnapshot{Request: rec.Request, Steps: rec.Steps}
	if rec.Request.Status.IsActive() {
		s.Current = CurrentStep(rec)
	}
	return s
}
