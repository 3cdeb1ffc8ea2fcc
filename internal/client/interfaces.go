package client

import "context"

// TaskTitleClient resolves the display title of a task in its owning module.
type TaskTitleClient interface {
	TaskTitle(ctx context.Context, taskType, taskID string) (string, error)
}
