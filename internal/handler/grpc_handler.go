package handler

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-cmp-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-cmp-approvals/internal/repository"
	"github.com/pesio-ai/be-cmp-approvals/internal/service"
)

// GRPCHandler implements ApprovalServiceServer
type GRPCHandler struct {
	engine  *service.ApprovalEngine
	history *service.HistoryService
	logger  zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(engine *service.ApprovalEngine, history *service.HistoryService, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		engine:  engine,
		history: history,
		logger:  logger.With().Str("handler", "grpc").Logger(),
	}
}

// Submit creates an approval request. line_id, when set, selects the approvers.
func (h *GRPCHandler) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromMetadata(ctx)
	if err != nil {
		return nil, err
	}
	var body submitBody
	if err := DecodeStruct(req, &body); err != nil {
		return nil, status.Error(codes.InvalidArgument, "INVALID_SUBMISSION: malformed request")
	}

	h.logger.Info().
		Str("task_type", body.TaskType).
		Str("task_id", body.TaskID).
		Str("actor_id", actor).
		Msg("gRPC Submit called")

	var snap *service.StatusSnapshot
	if body.LineID != "" {
		snap, err = h.engine.SubmitWithLine(ctx, body.LineID, body.request(actor))
	} else {
		snap, err = h.engine.Submit(ctx, body.request(actor))
	}
	if err != nil {
		return nil, h.mapErrorToGRPC(ctx, err)
	}
	return h.encode(ctx, toSnapshotView(snap))
}

// Process approves or rejects a step on behalf of the caller.
func (h *GRPCHandler) Process(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromMetadata(ctx)
	if err != nil {
		return nil, err
	}
	f := req.GetFields()
	stepID := f["step_id"].GetStringValue()
	if stepID == "" {
		return nil, h.mapErrorToGRPC(ctx, errors.InvalidInput("step_id", "is required"))
	}

	res, err := h.engine.Process(ctx, service.ProcessRequest{
		StepID:   stepID,
		ActorID:  actor,
		Action:   repository.Action(strings.ToUpper(f["action"].GetStringValue())),
		Comments: f["comments"].GetStringValue(),
	})
	if err != nil {
		return nil, h.mapErrorToGRPC(ctx, err)
	}
	return h.encode(ctx, processView{
		RequestID:      res.RequestID,
		RequestStatus:  string(res.RequestStatus),
		IsCompleted:    res.IsCompleted,
		NextApproverID: res.NextApproverID,
		NextStepID:     res.NextStepID,
	})
}

// Cancel withdraws a request on behalf of its requester.
func (h *GRPCHandler) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromMetadata(ctx)
	if err != nil {
		return nil, err
	}
	requestID := req.GetFields()["request_id"].GetStringValue()
	if requestID == "" {
		return nil, h.mapErrorToGRPC(ctx, errors.InvalidInput("request_id", "is required"))
	}

	if err := h.engine.Cancel(ctx, requestID, actor); err != nil {
		return nil, h.mapErrorToGRPC(ctx, err)
	}
	return structpb.NewStruct(map[string]any{
		"request_id": requestID,
		"status":     string(repository.RequestCancelled),
	})
}

// GetStatus looks a request up by request_id, or by task_type and task_id.
func (h *GRPCHandler) GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()

	var (
		snap *service.StatusSnapshot
		err  error
	)
	if id := f["request_id"].GetStringValue(); id != "" {
		snap, err = h.engine.GetStatus(ctx, id)
	} else {
		snap, err = h.engine.GetStatusByTask(ctx, f["task_type"].GetStringValue(), f["task_id"].GetStringValue())
	}
	if err != nil {
		return nil, h.mapErrorToGRPC(ctx, err)
	}
	return h.encode(ctx, toSnapshotView(snap))
}

// ListPending lists requests awaiting the caller.
func (h *GRPCHandler) ListPending(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromMetadata(ctx)
	if err != nil {
		return nil, err
	}
	f := req.GetFields()
	filter := service.BoxFilter{
		TaskType: f["task_type"].GetStringValue(),
		Keyword:  f["keyword"].GetStringValue(),
		Limit:    int(f["limit"].GetNumberValue()),
	}

	snaps, err := h.history.PendingFor(ctx, actor, filter)
	if err != nil {
		return nil, h.mapErrorToGRPC(ctx, err)
	}
	return h.encode(ctx, map[string]any{"items": toSnapshotViews(snaps)})
}

func (h *GRPCHandler) encode(ctx context.Context, v any) (*structpb.Struct, error) {
	s, err := EncodeStruct(v)
	if err != nil {
		return nil, h.mapErrorToGRPC(ctx, errors.Wrap(err, errors.ErrCodeInternal, "failed to encode response"))
	}
	return s, nil
}

// mapErrorToGRPC converts a coded error into a gRPC status. The stable code
// prefixes the message and is also sent as a trailer.
func (h *GRPCHandler) mapErrorToGRPC(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	code := errors.CodeOf(err)
	if terr := grpc.SetTrailer(ctx, metadata.Pairs(MetadataErrorCode, string(code))); terr != nil {
		h.logger.Warn().Err(terr).Str("error_code", string(code)).Msg("failed to set error code trailer")
	}

	msg := err.Error()
	var coded *errors.Error
	if errors.As(err, &coded) {
		msg = coded.Message
	}
	grpcCode := grpcStatusCode(code)
	if grpcCode == codes.Internal || grpcCode == codes.Unavailable {
		h.logger.Error().Err(err).Msg("gRPC request failed")
	}
	return status.Error(grpcCode, string(code)+": "+msg)
}

func grpcStatusCode(code errors.Code) codes.Code {
	switch code {
	case errors.ErrCodeNotFound:
		return codes.NotFound
	case errors.ErrCodeInvalidInput:
		return codes.InvalidArgument
	case errors.ErrCodeUnauthorized, errors.ErrCodeWrongApprover:
		return codes.PermissionDenied
	case errors.ErrCodeRequestNotActive, errors.ErrCodeNotCurrentStep:
		return codes.FailedPrecondition
	case errors.ErrCodeAlreadyProcessed, errors.ErrCodeConflict:
		return codes.Aborted
	case errors.ErrCodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

var _ ApprovalServiceServer = (*GRPCHandler)(nil)
