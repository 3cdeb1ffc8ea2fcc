package repository

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pesio-ai/be-cmp-approvals/internal/platform/errors"
)

// MemoryStore is an arena store: each request and its steps live as one unit
// keyed by request id. Records are cloned on the way in and out so callers
// never share mutable state with the store.
type MemoryStore struct {
	mu sync.RWMutex

	records   map[string]*ApprovalRecord
	stepIndex map[string]string // step id -> request id
	audit     map[string][]*AuditEntry
	seq       map[int]int // year -> last approval number
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]*ApprovalRecord),
		stepIndex: make(map[string]string),
		audit:     make(map[string][]*AuditEntry),
		seq:       make(map[int]int),
	}
}

func (s *MemoryStore) Create(ctx context.Context, rec *ApprovalRecord, audit ...*AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.Request.ID]; exists {
		return errors.Newf(errors.ErrCodeConflict, "approval request %q already exists", rec.Request.ID)
	}
	for _, st := range rec.Steps {
		if _, exists := s.stepIndex[st.ID]; exists {
			return errors.Newf(errors.ErrCodeConflict, "approval step %q already exists", st.ID)
		}
	}

	year := rec.Request.RequestedAt.Year()
	s.seq[year]++
	rec.Request.ApprovalNo = FormatApprovalNo(year, s.seq[year])
	if rec.Request.Version == 0 {
		rec.Request.Version = 1
	}

	stored := rec.Clone()
	stored.SortSteps()
	s.records[stored.Request.ID] = stored
	for _, st := range stored.Steps {
		s.stepIndex[st.ID] = stored.Request.ID
	}
	s.appendAudit(audit)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, requestID string) (*ApprovalRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[requestID]
	if !ok {
		return nil, errors.NotFound("approval_request", requestID)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) GetByStepID(ctx context.Context, stepID string) (*ApprovalRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	reqID, ok := s.stepIndex[stepID]
	if !ok {
		return nil, errors.NotFound("approval_step", stepID)
	}
	return s.records[reqID].Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, rec *ApprovalRecord, expectedVersion int64, audit ...*AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[rec.Request.ID]
	if !ok {
		return errors.NotFound("approval_request", rec.Request.ID)
	}
	if current.Request.Version != expectedVersion {
		return errors.Newf(errors.ErrCodeConflict,
			"approval request %q changed (version %d, expected %d)", rec.Request.ID, current.Request.Version, expectedVersion)
	}
	for _, st := range rec.Steps {
		prev := current.Step(st.ID)
		if prev == nil {
			return errors.Newf(errors.ErrCodeConflict, "approval step %q does not belong to request %q", st.ID, rec.Request.ID)
		}
		if st.Status != prev.Status && prev.Status != StepPending {
			return errors.Newf(errors.ErrCodeConflict, "approval step %q already %s", st.ID, prev.Status)
		}
	}

	rec.Request.Version = expectedVersion + 1
	stored := rec.Clone()
	stored.SortSteps()
	s.records[stored.Request.ID] = stored
	s.appendAudit(audit)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*ApprovalRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ApprovalRecord, 0)
	for _, rec := range s.records {
		if filter.matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Request, out[j].Request
		if !a.RequestedAt.Equal(b.RequestedAt) {
			return a.RequestedAt.After(b.RequestedAt)
		}
		return strings.Compare(a.ApprovalNo, b.ApprovalNo) > 0
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListAudit(ctx context.Context, requestID string) ([]*AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.audit[requestID]
	out := make([]*AuditEntry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// appendAudit must be called with mu held.
func (s *MemoryStore) appendAudit(entries []*AuditEntry) {
	for _, e := range entries {
		cp := *e
		s.audit[e.RequestID] = append(s.audit[e.RequestID], &cp)
	}
}
