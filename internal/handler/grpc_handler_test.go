package handler

import (
	"bytes"
	"context"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-cmp-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-cmp-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-cmp-approvals/internal/repository"
	"github.com/pesio-ai/be-cmp-approvals/internal/service"
)

func newGRPCHandler() *GRPCHandler {
	store := repository.NewMemoryStore()
	engine := service.NewApprovalEngine(store, logger.Nop())
	history := service.NewHistoryService(store, logger.Nop(), service.DefaultRetryPolicy)
	return NewGRPCHandler(engine, history, logger.Nop().Logger)
}

func asUser(user string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs(MetadataUserID, user))
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func TestGRPCSubmitAndProcess(t *testing.T) {
	h := newGRPCHandler()

	resp, err := h.Submit(asUser("alice"), mustStruct(t, map[string]any{
		"task_type":    "BOARD_RESOLUTION",
		"task_id":      "br-1",
		"approver_ids": []any{"bob"},
	}))
	require.NoError(t, err)

	var snap snapshotView
	require.NoError(t, DecodeStruct(resp, &snap))
	assert.Equal(t, "alice", snap.RequesterID)
	require.Len(t, snap.Steps, 1)

	resp, err = h.Process(asUser("bob"), mustStruct(t, map[string]any{
		"step_id": snap.Steps[0].ID,
		"action":  "approve",
	}))
	require.NoError(t, err)
	assert.Equal(t, "APPROVED", resp.GetFields()["request_status"].GetStringValue())
	assert.True(t, resp.GetFields()["is_completed"].GetBoolValue())

	resp, err = h.GetStatus(context.Background(), mustStruct(t, map[string]any{
		"task_type": "BOARD_RESOLUTION", "task_id": "br-1",
	}))
	require.NoError(t, err)
	assert.Equal(t, snap.ID, resp.GetFields()["id"].GetStringValue())
}

func TestGRPCStatusCodes(t *testing.T) {
	h := newGRPCHandler()
	resp, err := h.Submit(asUser("alice"), mustStruct(t, map[string]any{
		"task_type": "BOARD_RESOLUTION", "task_id": "br-1", "approver_ids": []any{"bob", "carol"},
	}))
	require.NoError(t, err)
	var snap snapshotView
	require.NoError(t, DecodeStruct(resp, &snap))

	tests := []struct {
		name string
		call func() error
		want codes.Code
		msg  string
	}{
		{"missing actor", func() error {
			_, err := h.Process(context.Background(), mustStruct(t, map[string]any{"step_id": snap.Steps[0].ID, "action": "APPROVE"}))
			return err
		}, codes.Unauthenticated, "UNAUTHORIZED: "},
		{"wrong approver", func() error {
			_, err := h.Process(asUser("carol"), mustStruct(t, map[string]any{"step_id": snap.Steps[0].ID, "action": "APPROVE"}))
			return err
		}, codes.PermissionDenied, "WRONG_APPROVER: "},
		{"not current", func() error {
			_, err := h.Process(asUser("carol"), mustStruct(t, map[string]any{"step_id": snap.Steps[1].ID, "action": "APPROVE"}))
			return err
		}, codes.FailedPrecondition, "NOT_CURRENT_STEP: "},
		{"missing step id", func() error {
			_, err := h.Process(asUser("bob"), mustStruct(t, map[string]any{"action": "APPROVE"}))
			return err
		}, codes.InvalidArgument, "INVALID_SUBMISSION: "},
		{"unknown request", func() error {
			_, err := h.GetStatus(context.Background(), mustStruct(t, map[string]any{"request_id": "nope"}))
			return err
		}, codes.NotFound, "NOT_FOUND: "},
		{"cancel by approver", func() error {
			_, err := h.Cancel(asUser("bob"), mustStruct(t, map[string]any{"request_id": snap.ID}))
			return err
		}, codes.PermissionDenied, "UNAUTHORIZED: "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			st, _ := status.FromError(err)
			assert.Equal(t, tt.want, st.Code())
			assert.Contains(t, st.Message(), tt.msg)
		})
	}
}

func TestGRPCStatusCodeMapping(t *testing.T) {
	assert.Equal(t, codes.Aborted, grpcStatusCode(errors.ErrCodeAlreadyProcessed))
	assert.Equal(t, codes.Aborted, grpcStatusCode(errors.ErrCodeConflict))
	assert.Equal(t, codes.FailedPrecondition, grpcStatusCode(errors.ErrCodeRequestNotActive))
	assert.Equal(t, codes.Unavailable, grpcStatusCode(errors.ErrCodeUnavailable))
	assert.Equal(t, codes.Internal, grpcStatusCode(errors.ErrCodeInternal))
}

func TestGRPCErrorCodeTrailer(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterApprovalServiceServer(srv, newGRPCHandler())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx := metadata.AppendToOutgoingContext(context.Background(), MetadataUserID, "alice")
	in := mustStruct(t, map[string]any{"request_id": "missing"})
	var trailer metadata.MD
	err = conn.Invoke(ctx, FullMethod("Cancel"), in, new(structpb.Struct), grpc.Trailer(&trailer))
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.Equal(t, []string{"NOT_FOUND"}, trailer.Get(MetadataErrorCode))
}

func TestGRPCTrailerFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	store := repository.NewMemoryStore()
	h := NewGRPCHandler(
		service.NewApprovalEngine(store, logger.Nop()),
		service.NewHistoryService(store, logger.Nop(), service.DefaultRetryPolicy),
		zerolog.New(&buf),
	)

	// No server stream in the context, so the trailer cannot be set.
	err := h.mapErrorToGRPC(context.Background(), errors.NotFound("approval_request", "r1"))
	assert.Equal(t, codes.NotFound, status.Code(err))

	out := buf.String()
	assert.Contains(t, out, `"level":"warn"`)
	assert.Contains(t, out, "failed to set error code trailer")
	assert.Contains(t, out, `"error_code":"NOT_FOUND"`)
}
