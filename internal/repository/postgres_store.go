package repository

import (
	"context"
	_ "embed"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

//go:embed schema.sql
var schemaSQL string

// DBTX is the subset of pgxpool.Pool and pgx.Tx the repositories use.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// EnsureSchema creates the tables and indexes when they do not exist.
func EnsureSchema(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to apply schema")
	}
	return nil
}

// PostgresStore implements Store on top of a pgx pool.
type PostgresStore struct {
	*TemplateRepository
	*InstanceRepository
	*RecordRepository
	*OutboxRepository

	db *database.DB
}

// NewPostgresStore creates a store bound to db.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{
		TemplateRepository: NewTemplateRepository(db),
		InstanceRepository: NewInstanceRepository(db),
		RecordRepository:   NewRecordRepository(db),
		OutboxRepository:   NewOutboxRepository(db),
		db:                 db,
	}
}

// InTransaction runs fn with repositories bound to a single transaction.
func (s *PostgresStore) InTransaction(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(&pgTx{
			TemplateRepository: NewTemplateRepository(tx),
			InstanceRepository: NewInstanceRepository(tx),
			RecordRepository:   NewRecordRepository(tx),
			OutboxRepository:   NewOutboxRepository(tx),
		})
	})
}

type pgTx struct {
	*TemplateRepository
	*InstanceRepository
	*RecordRepository
	*OutboxRepository
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*pgTx)(nil)
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memTx)(nil)
)

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
