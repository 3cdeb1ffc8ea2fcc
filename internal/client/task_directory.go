package client

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-cmp-approvals/internal/service"
)

// TaskServiceGetTask is the method every task-owning module exposes for
// title lookup. Request {task_type, task_id}, response {title}.
const TaskServiceGetTask = "/compliance.task.v1.TaskService/GetTask"

// TaskServiceGRPCClient looks up task titles in one owning module.
type TaskServiceGRPCClient struct {
	conn *grpc.ClientConn
}

// NewTaskServiceGRPCClient dials a task-owning module.
func NewTaskServiceGRPCClient(addr string, opts ...grpc.DialOption) (*TaskServiceGRPCClient, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(forwardMetadata),
	}, opts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	return &TaskServiceGRPCClient{conn: conn}, nil
}

// Close releases the underlying gRPC connection.
func (c *TaskServiceGRPCClient) Close() error {
	return c.conn.Close()
}

// TaskTitle returns the current title of a task.
func (c *TaskServiceGRPCClient) TaskTitle(ctx context.Context, taskType, taskID string) (string, error) {
	in, err := structpb.NewStruct(map[string]any{"task_type": taskType, "task_id": taskID})
	if err != nil {
		return "", err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, TaskServiceGetTask, in, resp); err != nil {
		return "", fmt.Errorf("failed to get task %s/%s: %w", taskType, taskID, err)
	}
	return resp.GetFields()["title"].GetStringValue(), nil
}

// TaskDirectory routes title lookups to the module owning each task type.
// Task types without a configured module resolve to an empty title.
type TaskDirectory struct {
	byType map[string]TaskTitleClient
}

// NewTaskDirectory builds a directory from task type to client. Task types
// are matched case-insensitively.
func NewTaskDirectory(clients map[string]TaskTitleClient) *TaskDirectory {
	d := &TaskDirectory{byType: make(map[string]TaskTitleClient, len(clients))}
	for taskType, c := range clients {
		d.byType[strings.ToUpper(taskType)] = c
	}
	return d
}

// DialTaskDirectory dials one TaskServiceGRPCClient per configured address.
func DialTaskDirectory(addrs map[string]string, opts ...grpc.DialOption) (*TaskDirectory, error) {
	clients := make(map[string]TaskTitleClient, len(addrs))
	for taskType, addr := range addrs {
		c, err := NewTaskServiceGRPCClient(addr, opts...)
		if err != nil {
			d := NewTaskDirectory(clients)
			_ = d.Close()
			return nil, fmt.Errorf("task service for %s: %w", taskType, err)
		}
		clients[taskType] = c
	}
	return NewTaskDirectory(clients), nil
}

// TaskTitle implements service.TaskDirectory.
func (d *TaskDirectory) TaskTitle(ctx context.Context, taskType, taskID string) (string, error) {
	c, ok := d.byType[strings.ToUpper(taskType)]
	if !ok {
		return "", nil
	}
	return c.TaskTitle(ctx, taskType, taskID)
}

// Len reports how many task types have a lookup configured.
func (d *TaskDirectory) Len() int {
	return len(d.byType)
}

// Close closes every client that holds a connection.
func (d *TaskDirectory) Close() error {
	var first error
	for _, c := range d.byType {
		if closer, ok := c.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

var _ service.TaskDirectory = (*TaskDirectory)(nil)
