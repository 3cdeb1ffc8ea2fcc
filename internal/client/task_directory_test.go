package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-cmp-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-cmp-approvals/internal/repository"
	"github.com/pesio-ai/be-cmp-approvals/internal/service"
)

type fakeTaskService struct {
	titles map[string]string
}

var fakeTaskServiceDesc = grpc.ServiceDesc{
	ServiceName: "compliance.task.v1.TaskService",
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "GetTask",
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			title, ok := srv.(*fakeTaskService).titles[in.GetFields()["task_id"].GetStringValue()]
			if !ok {
				return nil, status.Error(codes.NotFound, "task not found")
			}
			return structpb.NewStruct(map[string]any{"title": title})
		},
	}},
}

func newTaskClient(t *testing.T, titles map[string]string) *TaskServiceGRPCClient {
	t.Helper()
	dialer := serveBufconn(t, func(s *grpc.Server) {
		s.RegisterService(&fakeTaskServiceDesc, &fakeTaskService{titles: titles})
	})
	c, err := NewTaskServiceGRPCClient("passthrough:///tasks", dialer)
	require.NoError(t, err)
	return c
}

type staticTitles string

func (s staticTitles) TaskTitle(context.Context, string, string) (string, error) {
	return string(s), nil
}

func TestTaskServiceClientTitle(t *testing.T) {
	c := newTaskClient(t, map[string]string{"br-1": "Dividend resolution"})
	defer c.Close()

	title, err := c.TaskTitle(context.Background(), "BOARD_RESOLUTION", "br-1")
	require.NoError(t, err)
	assert.Equal(t, "Dividend resolution", title)

	_, err = c.TaskTitle(context.Background(), "BOARD_RESOLUTION", "br-404")
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestTaskDirectoryRoutesByType(t *testing.T) {
	d := NewTaskDirectory(map[string]TaskTitleClient{
		"board_resolution": staticTitles("board"),
		"POLICY_CHANGE":    staticTitles("policy"),
	})
	assert.Equal(t, 2, d.Len())

	ctx := context.Background()
	title, err := d.TaskTitle(ctx, "BOARD_RESOLUTION", "1")
	require.NoError(t, err)
	assert.Equal(t, "board", title)

	title, err = d.TaskTitle(ctx, "policy_change", "1")
	require.NoError(t, err)
	assert.Equal(t, "policy", title)

	title, err = d.TaskTitle(ctx, "UNKNOWN", "1")
	require.NoError(t, err)
	assert.Empty(t, title)

	assert.NoError(t, d.Close())
}

func TestEngineUsesTaskDirectory(t *testing.T) {
	c := newTaskClient(t, map[string]string{"br-1": "Dividend resolution"})
	dir := NewTaskDirectory(map[string]TaskTitleClient{"BOARD_RESOLUTION": c})
	t.Cleanup(func() { _ = dir.Close() })

	engine := service.NewApprovalEngine(repository.NewMemoryStore(), logger.Nop(), service.WithTaskDirectory(dir))
	ctx := context.Background()

	snap, err := engine.Submit(ctx, service.SubmitRequest{
		TaskType: "BOARD_RESOLUTION", TaskID: "br-1", RequesterID: "alice", ApproverIDs: []string{"bob"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Dividend resolution", snap.Request.TaskTitle)

	// A failed lookup keeps the submission and its blank title.
	snap, err = engine.Submit(ctx, service.SubmitRequest{
		TaskType: "BOARD_RESOLUTION", TaskID: "br-404", RequesterID: "alice", ApproverIDs: []string{"bob"},
	})
	require.NoError(t, err)
	assert.Empty(t, snap.Request.TaskTitle)
}
