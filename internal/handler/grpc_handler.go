package handler

import (
	"context"
	"encoding/json"
	"math"
	"strconv"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// ApprovalServiceName is the fully qualified gRPC service name. Requests and
// responses are google.protobuf.Struct so business modules need no generated
// stubs.
const ApprovalServiceName = "approvals.v1.ApprovalService"

// actorMetadataKey carries the caller's user id.
const actorMetadataKey = "x-user-id"

// GRPCHandler implements approvals.v1.ApprovalService.
type GRPCHandler struct {
	engine *service.Engine
	log    *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(engine *service.Engine, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{
		engine: engine,
		log:    log.Component("grpc"),
	}
}

// Register installs the service on s.
func (h *GRPCHandler) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&approvalServiceDesc, h)
}

type structMethod func(h *GRPCHandler, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

var approvalServiceDesc = grpc.ServiceDesc{
	ServiceName: ApprovalServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", (*GRPCHandler).Submit),
		unary("Act", (*GRPCHandler).Act),
		unary("Withdraw", (*GRPCHandler).Withdraw),
		unary("GetInstance", (*GRPCHandler).GetInstance),
		unary("GetStatus", (*GRPCHandler).GetStatus),
		unary("ListPending", (*GRPCHandler).ListPending),
		unary("ListApplications", (*GRPCHandler).ListApplications),
	},
	Metadata: "approvals/v1/approvals.proto",
}

func unary(name string, fn structMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			h := srv.(*GRPCHandler)
			if interceptor == nil {
				return h.call(ctx, name, fn, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ApprovalServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return h.call(ctx, name, fn, req.(*structpb.Struct))
			})
		},
	}
}

func (h *GRPCHandler) call(ctx context.Context, name string, fn structMethod, in *structpb.Struct) (*structpb.Struct, error) {
	out, err := fn(h, ctx, in)
	if err != nil {
		st := toStatus(err)
		if st.Code() == codes.Internal {
			h.log.Error().Err(err).Str("method", name).Msg("gRPC call failed")
		}
		return nil, st.Err()
	}
	return out, nil
}

// Submit starts an approval. Fields: workflow_code, content_type, object_id,
// comment.
func (h *GRPCHandler) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	applicant, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	objectID, err := int64Field(in, "object_id")
	if err != nil {
		return nil, err
	}
	inst, err := h.engine.Submit(ctx, service.SubmitRequest{
		WorkflowCode: str(in, "workflow_code"),
		Object:       repository.ObjectRef{ContentType: str(in, "content_type"), ObjectID: objectID},
		Applicant:    applicant,
		Comment:      str(in, "comment"),
	})
	if err != nil {
		return nil, err
	}
	return toStruct(toInstance(inst))
}

// Act records a decision. Fields: instance_id, decision, comment, transfer_to.
func (h *GRPCHandler) Act(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	decision, err := ParseDecision(str(in, "decision"))
	if err != nil {
		return nil, err
	}
	inst, err := h.engine.Act(ctx, service.ActRequest{
		InstanceID: str(in, "instance_id"),
		Actor:      actor,
		Decision:   decision,
		Comment:    str(in, "comment"),
		TransferTo: str(in, "transfer_to"),
	})
	if err != nil {
		return nil, err
	}
	return toStruct(toInstance(inst))
}

// Withdraw cancels a pending instance. Fields: instance_id, comment.
func (h *GRPCHandler) Withdraw(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	inst, err := h.engine.Withdraw(ctx, str(in, "instance_id"), actor, str(in, "comment"))
	if err != nil {
		return nil, err
	}
	return toStruct(toInstance(inst))
}

// GetInstance returns an instance with its records. Fields: instance_id.
func (h *GRPCHandler) GetInstance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	detail, err := h.engine.GetInstance(ctx, str(in, "instance_id"))
	if err != nil {
		return nil, err
	}
	return toStruct(toDetail(detail))
}

// GetStatus returns the latest instance of an object. Fields: content_type,
// object_id, workflow_code.
func (h *GRPCHandler) GetStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	objectID, err := int64Field(in, "object_id")
	if err != nil {
		return nil, err
	}
	ref := repository.ObjectRef{ContentType: str(in, "content_type"), ObjectID: objectID}
	inst, err := h.engine.GetStatus(ctx, ref, str(in, "workflow_code"))
	if err != nil {
		return nil, err
	}
	return toStruct(toInstance(inst))
}

// ListPending returns the caller's inbox as {"items": [...]}.
func (h *GRPCHandler) ListPending(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	items, err := h.engine.ListPendingFor(ctx, actor)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"items": toPending(items)})
}

// ListApplications returns the caller's submissions as {"items": [...]}.
func (h *GRPCHandler) ListApplications(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	list, err := h.engine.ListMyApplications(ctx, actor)
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{"items": toInstances(list)})
}

func actorFrom(ctx context.Context) (string, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(actorMetadataKey); len(v) > 0 && v[0] != "" {
			return v[0], nil
		}
	}
	return "", errors.New(errors.ErrCodeUnauthorized, "missing "+actorMetadataKey+" metadata")
}

func str(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

// maxExactInt is the largest integer a Struct number holds without loss.
const maxExactInt = 1 << 53

// int64Field reads an id sent either as a decimal string or as an integral
// number. Ids beyond 2^53 must be sent as strings.
func int64Field(in *structpb.Struct, key string) (int64, error) {
	switch v := in.GetFields()[key].GetKind().(type) {
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(v.StringValue, 10, 64)
		if err != nil {
			return 0, errors.InvalidInput(key, "must be an integer")
		}
		return n, nil
	case *structpb.Value_NumberValue:
		f := v.NumberValue
		if f != math.Trunc(f) || math.Abs(f) > maxExactInt {
			return 0, errors.InvalidInput(key, "must be an integer; send ids above 2^53 as strings")
		}
		return int64(f), nil
	case nil:
		return 0, errors.InvalidInput(key, "is required")
	default:
		return 0, errors.InvalidInput(key, "must be a string or number")
	}
}

// toStruct converts a JSON-tagged value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// toStatus maps coded errors to gRPC status codes. The code and details ride
// along as an ErrorInfo so clients can read them without parsing messages.
func toStatus(err error) *status.Status {
	if st, ok := status.FromError(err); ok {
		return st
	}
	var coded *errors.Error
	if !errors.As(err, &coded) {
		return status.New(codes.Internal, "internal error")
	}

	code := codes.Internal
	switch coded.Code {
	case errors.ErrCodeNotFound, errors.ErrCodeWorkflowNotFound:
		code = codes.NotFound
	case errors.ErrCodeInvalidInput, errors.ErrCodeValidationFailed, errors.ErrCodeIllegalDecision:
		code = codes.InvalidArgument
	case errors.ErrCodeUnauthorized:
		code = codes.Unauthenticated
	case errors.ErrCodeNotAuthorized:
		code = codes.PermissionDenied
	case errors.ErrCodeDuplicateInFlight:
		code = codes.AlreadyExists
	case errors.ErrCodeConflict:
		code = codes.Aborted
	case errors.ErrCodeInvalidState, errors.ErrCodeWorkflowInactive, errors.ErrCodeWorkflowMisconfigured:
		code = codes.FailedPrecondition
	}
	st := status.New(code, coded.Message)
	withInfo, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   string(coded.Code),
		Domain:   ApprovalServiceName,
		Metadata: coded.Details,
	})
	if err != nil {
		return st
	}
	return withInfo
}
