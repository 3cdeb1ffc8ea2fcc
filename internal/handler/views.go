package handler

import (
	"time"

	"github.com/pesio-ai/be-cmp-approvals/internal/repository"
	"github.com/pesio-ai/be-cmp-approvals/internal/service"
)

// JSON views of the domain types. Field names are the wire contract.

type stepView struct {
	ID          string     `json:"id"`
	StepOrder   int        `json:"step_order"`
	StepName    string     `json:"step_name,omitempty"`
	ApproverID  string     `json:"approver_id"`
	Status      string     `json:"status"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Comments    string     `json:"comments,omitempty"`
}

type requestView struct {
	ID               string     `json:"id"`
	ApprovalNo       string     `json:"approval_no"`
	TaskType         string     `json:"task_type"`
	TaskID           string     `json:"task_id"`
	TaskTitle        string     `json:"task_title"`
	LineID           *string    `json:"line_id,omitempty"`
	RequesterID      string     `json:"requester_id"`
	Urgency          string     `json:"urgency"`
	Status           string     `json:"status"`
	CurrentStepOrder int        `json:"current_step_order"`
	TotalSteps       int        `json:"total_steps"`
	RequestedAt      time.Time  `json:"requested_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	Comments         string     `json:"comments,omitempty"`
	Version          int64      `json:"version"`
}

type snapshotView struct {
	requestView
	IsCompleted bool       `json:"is_completed"`
	CurrentStep *stepView  `json:"current_step,omitempty"`
	Steps       []stepView `json:"steps"`
}

type historyView struct {
	snapshotView
	UserAction string     `json:"user_action,omitempty"`
	ActedAt    *time.Time `json:"acted_at,omitempty"`
}

type processView struct {
	RequestID      string  `json:"request_id"`
	RequestStatus  string  `json:"request_status"`
	IsCompleted    bool    `json:"is_completed"`
	NextApproverID *string `json:"next_approver_id,omitempty"`
	NextStepID     *string `json:"next_step_id,omitempty"`
}

type auditView struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	StepID       *string   `json:"step_id,omitempty"`
	Action       string    `json:"action"`
	PerformedBy  string    `json:"performed_by"`
	PerformedAt  time.Time `json:"performed_at"`
	StatusBefore string    `json:"status_before,omitempty"`
	StatusAfter  string    `json:"status_after,omitempty"`
	Comments     string    `json:"comments,omitempty"`
}

type statsView struct {
	Total          int            `json:"total"`
	Completed      int            `json:"completed"`
	ByStatus       map[string]int `json:"by_status"`
	ByUrgency      map[string]int `json:"by_urgency"`
	ApprovalRate   float64        `json:"approval_rate"`
	AverageSeconds float64        `json:"average_cycle_seconds"`
}

func toStepView(st *repository.ApprovalStep) stepView {
	return stepView{
		ID:          st.ID,
		StepOrder:   st.StepOrder,
		StepName:    st.StepName,
		ApproverID:  st.ApproverID,
		Status:      string(st.Status),
		ProcessedAt: st.ProcessedAt,
		Comments:    st.Comments,
	}
}

func toSnapshotView(s *service.StatusSnapshot) snapshotView {
	r := s.Request
	v := snapshotView{
		requestView: requestView{
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
			RequestedAt:      r.RequestedAt,
			CompletedAt:      r.CompletedAt,
			Comments:         r.Comments,
			Version:          r.Version,
		},
		IsCompleted: s.IsCompleted(),
		Steps:       make([]stepView, len(s.Steps)),
	}
	for i, st := range s.Steps {
		v.Steps[i] = toStepView(st)
	}
	if s.Current != nil {
		cur := toStepView(s.Current)
		v.CurrentStep = &cur
	}
	return v
}

func toSnapshotViews(snaps []*service.StatusSnapshot) []snapshotView {
	out := make([]snapshotView, len(snaps))
	for i, s := range snaps {
		out[i] = toSnapshotView(s)
	}
	return out
}

func toHistoryViews(items []service.HistoryItem) []historyView {
	out := make([]historyView, len(items))
	for i, it := range items {
		out[i] = historyView{
			snapshotView: toSnapshotView(it.Snapshot),
			UserAction:   string(it.UserAction),
			ActedAt:      it.ActedAt,
		}
	}
	return out
}

func toAuditViews(entries []*repository.AuditEntry) []auditView {
	out := make([]auditView, len(entries))
	for i, e := range entries {
		out[i] = auditView{
			ID:           e.ID,
			RequestID:    e.RequestID,
			StepID:       e.StepID,
			Action:       string(e.Action),
			PerformedBy:  e.PerformedBy,
			PerformedAt:  e.PerformedAt,
			StatusBefore: string(e.StatusBefore),
			StatusAfter:  string(e.StatusAfter),
			Comments:     e.Comments,
		}
	}
	return out
}

func toStatsView(st *service.Statistics) statsView {
	v := statsView{
		Total:          st.Total,
		Completed:      st.Completed,
		ByStatus:       make(map[string]int, len(st.ByStatus)),
		ByUrgency:      make(map[string]int, len(st.ByUrgency)),
		ApprovalRate:   st.ApprovalRate,
		AverageSeconds: st.AverageCycle.Seconds(),
	}
	for k, n := range st.ByStatus {
		v.ByStatus[string(k)] = n
	}
	for k, n := range st.ByUrgency {
		v.ByUrgency[string(k)] = n
	}
	return v
}
