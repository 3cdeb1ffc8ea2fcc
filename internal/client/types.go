package client

import "time"

// Step is an approval step as returned by the approvals service.
type Step struct {
	ID          string     `json:"id"`
	StepOrder   int        `json:"step_order"`
	StepName    string     `json:"step_name,omitempty"`
	ApproverID  string     `json:"approver_id"`
	Status      string     `json:"status"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Comments    string     `json:"comments,omitempty"`
}

// Approval is an approval request with its steps.
type Approval struct {
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
	IsCompleted      bool       `json:"is_completed"`
	CurrentStep      *Step      `json:"current_step,omitempty"`
	Steps            []Step     `json:"steps"`
}

// SubmitApprovalRequest represents the submit request
type SubmitApprovalRequest struct {
	TaskType    string   `json:"task_type,omitempty"`
	TaskID      string   `json:"task_id"`
	TaskTitle   string   `json:"task_title,omitempty"`
	ApproverIDs []string `json:"approver_ids,omitempty"`
	StepNames   []string `json:"step_names,omitempty"`
	LineID      string   `json:"line_id,omitempty"`
	Urgency     string   `json:"urgency,omitempty"`
	Comments    string   `json:"comments,omitempty"`
}

// ProcessResult is the outcome of an approve or reject call.
type ProcessResult struct {
	RequestID      string  `json:"request_id"`
	RequestStatus  string  `json:"request_status"`
	IsCompleted    bool    `json:"is_completed"`
	NextApproverID *string `json:"next_approver_id,omitempty"`
	NextStepID     *string `json:"next_step_id,omitempty"`
}

type listResponse struct {
	Items []Approval `json:"items"`
}
