package handler

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
)

type grpcClient struct {
	conn *grpc.ClientConn
}

func newGRPCClient(t *testing.T) (*fixture, *grpcClient) {
	t.Helper()
	f := newFixture(t)

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	NewGRPCHandler(f.engine, logger.Nop()).Register(s)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return f, &grpcClient{conn: conn}
}

func (c *grpcClient) call(t *testing.T, actor, method string, in map[string]any) (map[string]any, error) {
	t.Helper()
	req, err := structpb.NewStruct(in)
	require.NoError(t, err)

	ctx := context.Background()
	if actor != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, actorMetadataKey, actor)
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+ApprovalServiceName+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func TestGRPC_SubmitAndApprove(t *testing.T) {
	f, c := newGRPCClient(t)

	inst, err := c.call(t, "alice", "Submit", map[string]any{
		"workflow_code": "CONTRACT",
		"content_type":  "contract",
		"object_id":     9,
		"comment":       "over gRPC",
	})
	require.NoError(t, err)
	assert.Equal(t, "pending", inst["status"])
	assert.Equal(t, "Legal", inst["current_node"])
	id := inst["id"].(string)

	pending, err := c.call(t, "bob", "ListPending", nil)
	require.NoError(t, err)
	assert.Len(t, pending["items"], 1)

	inst, err = c.call(t, "bob", "Act", map[string]any{"instance_id": id, "decision": "approve"})
	require.NoError(t, err)
	assert.Equal(t, "approved", inst["status"])
	assert.Equal(t, "approved", f.status(9))

	detail, err := c.call(t, "bob", "GetInstance", map[string]any{"instance_id": id})
	require.NoError(t, err)
	assert.Len(t, detail["records"], 1)

	got, err := c.call(t, "", "GetStatus", map[string]any{"content_type": "contract", "object_id": 9})
	require.NoError(t, err)
	assert.Equal(t, id, got["id"])

	apps, err := c.call(t, "alice", "ListApplications", nil)
	require.NoError(t, err)
	assert.Len(t, apps["items"], 1)
}

func TestGRPC_Errors(t *testing.T) {
	_, c := newGRPCClient(t)

	_, err := c.call(t, "", "Submit", map[string]any{"workflow_code": "CONTRACT", "content_type": "contract", "object_id": 1})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	inst, err := c.call(t, "alice", "Submit", map[string]any{"workflow_code": "CONTRACT", "content_type": "contract", "object_id": 1})
	require.NoError(t, err)

	_, err = c.call(t, "alice", "Submit", map[string]any{"workflow_code": "CONTRACT", "content_type": "contract", "object_id": 1})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))
	info := errorInfo(t, err)
	assert.Equal(t, "DUPLICATE_IN_FLIGHT", info.GetReason())
	assert.Equal(t, inst["instance_number"], info.GetMetadata()["instance_number"])
	assert.Equal(t, inst["id"], info.GetMetadata()["instance_id"])

	_, err = c.call(t, "alice", "Submit", map[string]any{"workflow_code": "CONTRACT", "content_type": "contract", "object_id": lockedContract})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Equal(t, "VALIDATION_FAILED", errorInfo(t, err).GetReason())
	assert.Contains(t, status.Convert(err).Message(), "locked for editing")

	_, err = c.call(t, "alice", "Act", map[string]any{"instance_id": inst["id"], "decision": "approve"})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = c.call(t, "bob", "Withdraw", map[string]any{"instance_id": inst["id"]})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = c.call(t, "bob", "GetInstance", map[string]any{"instance_id": "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func errorInfo(t *testing.T, err error) *errdetails.ErrorInfo {
	t.Helper()
	for _, d := range status.Convert(err).Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			return info
		}
	}
	require.Fail(t, "no ErrorInfo in status", "%v", err)
	return nil
}

func TestGRPC_ObjectID(t *testing.T) {
	_, c := newGRPCClient(t)

	inst, err := c.call(t, "alice", "Submit", map[string]any{"workflow_code": "CONTRACT", "content_type": "contract", "object_id": "42"})
	require.NoError(t, err)
	assert.Equal(t, float64(42), inst["object_id"])

	got, err := c.call(t, "", "GetStatus", map[string]any{"content_type": "contract", "object_id": "42", "workflow_code": "CONTRACT"})
	require.NoError(t, err)
	assert.Equal(t, inst["id"], got["id"])

	for name, id := range map[string]any{
		"fraction":     4.5,
		"beyond 2^53":  float64(1<<53) * 4,
		"not a number": "4x",
		"wrong type":   true,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := c.call(t, "alice", "Submit", map[string]any{"workflow_code": "CONTRACT", "content_type": "contract", "object_id": id})
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
			assert.Equal(t, "object_id", errorInfo(t, err).GetMetadata()["field"])
		})
	}

	_, err = c.call(t, "alice", "Submit", map[string]any{"workflow_code": "CONTRACT", "content_type": "contract"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{errors.New(errors.ErrCodeWorkflowNotFound, "x"), codes.NotFound},
		{errors.New(errors.ErrCodeValidationFailed, "x"), codes.InvalidArgument},
		{errors.New(errors.ErrCodeInvalidState, "x"), codes.FailedPrecondition},
		{errors.New(errors.ErrCodeWorkflowMisconfigured, "x"), codes.FailedPrecondition},
		{errors.New(errors.ErrCodeConflict, "x"), codes.Aborted},
		{errors.Wrap(assert.AnError, errors.ErrCodeNotAuthorized, "x"), codes.PermissionDenied},
		{assert.AnError, codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, toStatus(tt.err).Code(), tt.err.Error())
	}
}
