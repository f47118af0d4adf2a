package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// Methods of approvals.v1.ObjectService, served by business modules that
// own their objects out of process. Messages are google.protobuf.Struct.
const (
	ObjectServiceGetObject    = "/approvals.v1.ObjectService/GetObject"
	ObjectServiceUpdateStatus = "/approvals.v1.ObjectService/UpdateStatus"
	ObjectServiceValidate     = "/approvals.v1.ObjectService/Validate"
)

// ObjectGRPCClient is a service.ObjectHandler backed by a remote module.
type ObjectGRPCClient struct {
	conn        *grpc.ClientConn
	contentType string
}

// NewObjectGRPCClient dials addr for objects of contentType.
func NewObjectGRPCClient(addr, contentType string, opts ...grpc.DialOption) (*ObjectGRPCClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(forwardMetadata, callTimeout(defaultCallTimeout)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}
	return &ObjectGRPCClient{conn: conn, contentType: contentType}, nil
}

// Close closes the gRPC connection
func (c *ObjectGRPCClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// GetObject fetches the object's summary, status and fields.
func (c *ObjectGRPCClient) GetObject(ctx context.Context, id int64) (*repository.BusinessObject, error) {
	req, err := structpb.NewStruct(map[string]any{
		"content_type": c.contentType,
		"object_id":    id,
	})
	if err != nil {
		return nil, err
	}

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, ObjectServiceGetObject, req, resp); err != nil {
		return nil, c.mapError(err, id)
	}

	obj := &repository.BusinessObject{
		Ref:    repository.ObjectRef{ContentType: c.contentType, ObjectID: id},
		Fields: map[string]any{},
	}
	for k, v := range resp.AsMap() {
		switch k {
		case "summary":
			obj.Summary, _ = v.(string)
		case "status":
			obj.Status, _ = v.(string)
		case "fields":
			if fields, ok := v.(map[string]any); ok {
				obj.Fields = fields
			}
		}
	}
	return obj, nil
}

// UpdateStatus delivers a terminal status to the owning module.
func (c *ObjectGRPCClient) UpdateStatus(ctx context.Context, id int64, update repository.StatusUpdate) error {
	req, err := structpb.NewStruct(map[string]any{
		"content_type":    c.contentType,
		"object_id":       id,
		"status":          update.Status,
		"final_approver":  update.FinalApprover,
		"completed_at":    update.CompletedAt.UTC().Format(time.RFC3339),
		"final_comment":   update.FinalComment,
		"instance_number": update.InstanceNumber,
		"workflow_code":   update.WorkflowCode,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to encode status update")
	}
	if err := c.conn.Invoke(ctx, ObjectServiceUpdateStatus, req, &emptypb.Empty{}); err != nil {
		return c.mapError(err, id)
	}
	return nil
}

// ValidateSubmit asks the owning module whether the object may be submitted.
// Modules that do not serve Validate accept every object.
func (c *ObjectGRPCClient) ValidateSubmit(ctx context.Context, obj *repository.BusinessObject, workflowCode string) error {
	req, err := structpb.NewStruct(map[string]any{
		"content_type":  c.contentType,
		"object_id":     obj.Ref.ObjectID,
		"workflow_code": workflowCode,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to encode validate request")
	}

	resp := &structpb.Struct{}
	err = c.conn.Invoke(ctx, ObjectServiceValidate, req, resp)
	switch status.Code(err) {
	case codes.OK:
	case codes.Unimplemented:
		return nil
	case codes.FailedPrecondition, codes.InvalidArgument:
		return errors.New(errors.ErrCodeValidationFailed, status.Convert(err).Message())
	default:
		return c.mapError(err, obj.Ref.ObjectID)
	}

	m := resp.AsMap()
	if valid, _ := m["valid"].(bool); valid {
		return nil
	}
	reason, _ := m["reason"].(string)
	if reason == "" {
		reason = "rejected by " + c.contentType + " module"
	}
	return errors.New(errors.ErrCodeValidationFailed, reason)
}

// mapError translates gRPC status codes into engine error codes.
func (c *ObjectGRPCClient) mapError(err error, id int64) error {
	switch status.Code(err) {
	case codes.NotFound:
		return errors.NotFound(c.contentType, fmt.Sprint(id))
	case codes.InvalidArgument:
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "object service rejected request")
	default:
		return errors.Wrap(err, errors.ErrCodeInternal, "object service call failed")
	}
}
