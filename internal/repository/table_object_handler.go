package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// BusinessObject is the engine's read-only view of a record owned by another
// module.
type BusinessObject struct {
	Ref     ObjectRef
	Summary string
	Status  string
	Fields  map[string]any
}

// StatusUpdate is passed to the business-object callback on terminal
// transitions.
type StatusUpdate struct {
	Status         string    `json:"status"`
	FinalApprover  string    `json:"final_approver"`
	CompletedAt    time.Time `json:"completed_at"`
	FinalComment   string    `json:"final_comment"`
	InstanceNumber string    `json:"instance_number"`
	WorkflowCode   string    `json:"workflow_code"`
}

// TableObjectConfig maps a content type onto a table.
type TableObjectConfig struct {
	ContentType   string `mapstructure:"content_type"`
	Table         string `mapstructure:"table"`
	IDColumn      string `mapstructure:"id_column"`
	StatusColumn  string `mapstructure:"status_column"`
	SummaryColumn string `mapstructure:"summary_column"`
	// SubmitStatuses limits submission to objects in one of these statuses.
	// Empty allows any status.
	SubmitStatuses []string `mapstructure:"submit_statuses"`
}

// TableObjectHandler serves business objects stored as rows of a single
// table with a status column.
type TableObjectHandler struct {
	db  DBTX
	cfg TableObjectConfig
}

// NewTableObjectHandler validates cfg and returns a handler.
func NewTableObjectHandler(db DBTX, cfg TableObjectConfig) (*TableObjectHandler, error) {
	if cfg.Table == "" {
		return nil, errors.InvalidInput("table", "is required")
	}
	if cfg.IDColumn == "" {
		cfg.IDColumn = "id"
	}
	if cfg.StatusColumn == "" {
		cfg.StatusColumn = "status"
	}
	return &TableObjectHandler{db: db, cfg: cfg}, nil
}

// GetObject loads the row as a field map.
func (h *TableObjectHandler) GetObject(ctx context.Context, id int64) (*BusinessObject, error) {
	query := fmt.Sprintf(
		`SELECT to_jsonb(t) FROM %s t WHERE %s = $1`,
		pgx.Identifier{h.cfg.Table}.Sanitize(),
		pgx.Identifier{h.cfg.IDColumn}.Sanitize(),
	)

	var raw []byte
	err := h.db.QueryRow(ctx, query, id).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound(h.cfg.ContentType, fmt.Sprint(id))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load business object")
	}

	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode business object")
	}

	obj := &BusinessObject{
		Ref:    ObjectRef{ContentType: h.cfg.ContentType, ObjectID: id},
		Fields: fields,
	}
	if s, ok := fields[h.cfg.StatusColumn].(string); ok {
		obj.Status = s
	}
	if h.cfg.SummaryColumn != "" {
		if v, ok := fields[h.cfg.SummaryColumn]; ok && v != nil {
			obj.Summary = fmt.Sprint(v)
		}
	}
	if obj.Summary == "" {
		obj.Summary = fmt.Sprintf("%s #%d", h.cfg.ContentType, id)
	}
	return obj, nil
}

// ValidateSubmit rejects objects whose status is not in SubmitStatuses.
func (h *TableObjectHandler) ValidateSubmit(_ context.Context, obj *BusinessObject, workflowCode string) error {
	if len(h.cfg.SubmitStatuses) == 0 || slices.Contains(h.cfg.SubmitStatuses, obj.Status) {
		return nil
	}
	return errors.Newf(errors.ErrCodeValidationFailed, "%s #%d in status %q cannot be submitted to %s",
		h.cfg.ContentType, obj.Ref.ObjectID, obj.Status, workflowCode).
		WithDetail("status", obj.Status)
}

// UpdateStatus writes the terminal approval status into the status column.
func (h *TableObjectHandler) UpdateStatus(ctx context.Context, id int64, update StatusUpdate) error {
	query := fmt.Sprintf(
		`UPDATE %s SET %s = $2 WHERE %s = $1`,
		pgx.Identifier{h.cfg.Table}.Sanitize(),
		pgx.Identifier{h.cfg.StatusColumn}.Sanitize(),
		pgx.Identifier{h.cfg.IDColumn}.Sanitize(),
	)

	tag, err := h.db.Exec(ctx, query, id, update.Status)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update business object status")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound(h.cfg.ContentType, fmt.Sprint(id))
	}
	return nil
}
