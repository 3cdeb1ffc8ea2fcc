package client

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-cmp-approvals/internal/handler"
	"github.com/pesio-ai/be-cmp-approvals/internal/platform/errors"
)

// ApprovalsGRPCClient calls the approvals ApprovalService. Failures come back
// as *errors.Error carrying the server's stable code.
type ApprovalsGRPCClient struct {
	conn *grpc.ClientConn
}

// NewApprovalsGRPCClient dials the approvals gRPC service and returns a client.
// Extra options are appended to the defaults.
func NewApprovalsGRPCClient(addr string, opts ...grpc.DialOption) (*ApprovalsGRPCClient, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(forwardMetadata),
	}, opts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	return &ApprovalsGRPCClient{conn: conn}, nil
}

// Close releases the underlying gRPC connection.
func (c *ApprovalsGRPCClient) Close() error {
	return c.conn.Close()
}

// Submit opens an approval request on behalf of requesterID.
func (c *ApprovalsGRPCClient) Submit(ctx context.Context, requesterID string, req *SubmitApprovalRequest) (*Approval, error) {
	var out Approval
	if err := c.invoke(ctx, "Submit", requesterID, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Approve approves stepID as actorID.
func (c *ApprovalsGRPCClient) Approve(ctx context.Context, actorID, stepID, comments string) (*ProcessResult, error) {
	return c.process(ctx, actorID, stepID, "APPROVE", comments)
}

// Reject rejects stepID as actorID.
func (c *ApprovalsGRPCClient) Reject(ctx context.Context, actorID, stepID, comments string) (*ProcessResult, error) {
	return c.process(ctx, actorID, stepID, "REJECT", comments)
}

func (c *ApprovalsGRPCClient) process(ctx context.Context, actorID, stepID, action, comments string) (*ProcessResult, error) {
	req := map[string]any{"step_id": stepID, "action": action, "comments": comments}
	var out ProcessResult
	if err := c.invoke(ctx, "Process", actorID, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel withdraws requestID. Only its requester may do so.
func (c *ApprovalsGRPCClient) Cancel(ctx context.Context, requesterID, requestID string) error {
	return c.invoke(ctx, "Cancel", requesterID, map[string]any{"request_id": requestID}, nil)
}

// GetStatus returns a request with its steps.
func (c *ApprovalsGRPCClient) GetStatus(ctx context.Context, requestID string) (*Approval, error) {
	var out Approval
	if err := c.invoke(ctx, "GetStatus", "", map[string]any{"request_id": requestID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetActiveForTask returns the newest request for a task, or nil if none exists.
func (c *ApprovalsGRPCClient) GetActiveForTask(ctx context.Context, taskType, taskID string) (*Approval, error) {
	var out Approval
	err := c.invoke(ctx, "GetStatus", "", map[string]any{"task_type": taskType, "task_id": taskID}, &out)
	if errors.CodeOf(err) == errors.ErrCodeNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPending lists requests waiting on approverID.
func (c *ApprovalsGRPCClient) ListPending(ctx context.Context, approverID, taskType string, limit int) ([]Approval, error) {
	req := map[string]any{"task_type": taskType, "limit": limit}
	var out listResponse
	if err := c.invoke(ctx, "ListPending", approverID, req, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *ApprovalsGRPCClient) invoke(ctx context.Context, method, actorID string, req, out any) error {
	in, err := handler.EncodeStruct(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to encode request")
	}
	if actorID != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, handler.MetadataUserID, actorID)
	}

	resp := new(structpb.Struct)
	var trailer metadata.MD
	if err := c.conn.Invoke(ctx, handler.FullMethod(method), in, resp, grpc.Trailer(&trailer)); err != nil {
		return decodeError(err, trailer)
	}
	if out == nil {
		return nil
	}
	if err := handler.DecodeStruct(resp, out); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to decode response")
	}
	return nil
}

var knownCodes = map[errors.Code]bool{
	errors.ErrCodeNotFound:         true,
	errors.ErrCodeRequestNotActive: true,
	errors.ErrCodeNotCurrentStep:   true,
	errors.ErrCodeWrongApprover:    true,
	errors.ErrCodeAlreadyProcessed: true,
	errors.ErrCodeInvalidInput:     true,
	errors.ErrCodeUnauthorized:     true,
	errors.ErrCodeConflict:         true,
	errors.ErrCodeUnavailable:      true,
	errors.ErrCodeInternal:         true,
}

// decodeError rebuilds a coded error from a gRPC failure. The x-error-code
// trailer is preferred; the "CODE: " message prefix covers failures raised
// before the handler ran.
func decodeError(err error, trailer metadata.MD) error {
	st, ok := status.FromError(err)
	if !ok {
		return errors.Wrap(err, errors.ErrCodeUnavailable, "approvals call failed")
	}

	var code errors.Code
	if vals := trailer.Get(handler.MetadataErrorCode); len(vals) > 0 && knownCodes[errors.Code(vals[0])] {
		code = errors.Code(vals[0])
	}
	msg := st.Message()
	if prefix, rest, found := strings.Cut(msg, ": "); found && knownCodes[errors.Code(prefix)] {
		if code == "" {
			code = errors.Code(prefix)
		}
		if errors.Code(prefix) == code {
			msg = rest
		}
	}
	if code == "" {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded:
			code = errors.ErrCodeUnavailable
		case codes.NotFound:
			code = errors.ErrCodeNotFound
		case codes.InvalidArgument:
			code = errors.ErrCodeInvalidInput
		default:
			code = errors.ErrCodeInternal
		}
	}
	return &errors.Error{Code: code, Message: msg, Err: err}
}
