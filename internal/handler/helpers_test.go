package handler

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/directory"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/metrics"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

type memoryObjects struct {
	mu       sync.Mutex
	statuses map[int64]string
}

func (o *memoryObjects) GetObject(ctx context.Context, id int64) (*repository.BusinessObject, error) {
	if id > 100 {
		return nil, errors.NotFound("contract", fmt.Sprint(id))
	}
	return &repository.BusinessObject{Summary: fmt.Sprintf("Contract #%d", id), Fields: map[string]any{"amount": id * 100}}, nil
}

// lockedContract cannot be submitted.
const lockedContract = 13

func (o *memoryObjects) ValidateSubmit(ctx context.Context, obj *repository.BusinessObject, workflowCode string) error {
	if obj.Ref.ObjectID == lockedContract {
		return fmt.Errorf("contract %d is locked for editing", obj.Ref.ObjectID)
	}
	return nil
}

func (o *memoryObjects) UpdateStatus(ctx context.Context, id int64, update repository.StatusUpdate) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses[id] = update.Status
	return nil
}

type fixture struct {
	engine    *service.Engine
	templates *service.TemplateService
	objects   *memoryObjects
	registry  *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()

	dir := directory.NewStatic()
	dir.PutDepartment(directory.Department{ID: "eng", Name: "Engineering", LeaderID: "lead"})
	for _, id := range []string{"alice", "bob", "lead"} {
		dir.PutUser(directory.User{ID: id, DepartmentID: "eng", Active: true})
	}

	f := &fixture{objects: &memoryObjects{statuses: map[int64]string{}}, registry: prometheus.NewRegistry()}
	registry := service.NewObjectRegistry()
	registry.Register("contract", f.objects)

	f.engine = service.NewEngine(service.Dependencies{
		Store:     store,
		Directory: dir,
		Objects:   registry,
		Logger:    logger.Nop(),
		Metrics:   metrics.New(f.registry),
	}, service.EngineConfig{DispatchInline: true})
	f.templates = service.NewTemplateService(store, f.engine.Conditions(), nil, logger.Nop())

	_, err := f.templates.UpsertTemplate(context.Background(), service.TemplateConfig{
		Code: "CONTRACT",
		Name: "Contract approval",
		Nodes: []service.NodeConfig{{
			Name:          "Legal",
			NodeType:      repository.NodeApproval,
			ApproverType:  repository.ApproverUser,
			ApproverUsers: []string{"bob"},
			ApprovalMode:  repository.ModeSingle,
		}},
	}, "admin")
	require.NoError(t, err)
	return f
}

func (f *fixture) status(id int64) string {
	f.objects.mu.Lock()
	defer f.objects.mu.Unlock()
	return f.objects.statuses[id]
}
