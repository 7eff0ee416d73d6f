// Package postgres stores connected catalog documents as rows in PostgreSQL.
package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/statusboard/internal/repository"
)

const (
	documentSelect = `SELECT body FROM catalog_documents WHERE name = $1`
	documentUpsert = `INSERT INTO catalog_documents (name, body, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET body = EXCLUDED.body, updated_at = NOW()`
	privilegeSelect = `SELECT has_table_privilege(current_user, 'catalog_documents', 'INSERT')
		AND has_table_privilege(current_user, 'catalog_documents', 'UPDATE')`

	insufficientPrivilege = "42501"
)

// querier is the subset of *pgxpool.Pool used here.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Repository hands out document handles over a connection pool.
type Repository struct {
	db querier
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// Handle returns the connected handle for the named document.
func (r *Repository) Handle(name string) (*Handle, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty document name", repository.ErrInvalidArgument)
	}
	return &Handle{db: r.db, name: name}, nil
}

// Handle is a FileHandle over one catalog_documents row.
type Handle struct {
	db   querier
	name string
}

var _ repository.FileHandle = (*Handle)(nil)

// Name identifies the document.
func (h *Handle) Name() string { return "postgres:" + h.name }

// QueryPermission asks the server whether the current role may upsert.
func (h *Handle) QueryPermission(ctx context.Context) (repository.PermissionState, error) {
	var ok bool
	if err := h.db.QueryRow(ctx, privilegeSelect).Scan(&ok); err != nil {
		return "", err
	}
	if ok {
		return repository.PermissionGranted, nil
	}
	return repository.PermissionDenied, nil
}

// RequestPermission cannot escalate privileges; it re-checks them.
func (h *Handle) RequestPermission(ctx context.Context) (repository.PermissionState, error) {
	return h.QueryPermission(ctx)
}

// Read loads the document body.
func (h *Handle) Read(ctx context.Context) ([]byte, error) {
	var body string
	if err := h.db.QueryRow(ctx, documentSelect, h.name).Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return []byte(body), nil
}

// CreateWritable returns a stream that upserts the row on close.
func (h *Handle) CreateWritable(context.Context) (repository.WritableStream, error) {
	return &stream{handle: h}, nil
}

type stream struct {
	handle *Handle
	buf    bytes.Buffer
	done   bool
}

func (s *stream) Truncate(_ context.Context, size int64) error {
	if size < 0 {
		return fmt.Errorf("%w: negative size", repository.ErrInvalidArgument)
	}
	if size < int64(s.buf.Len()) {
		s.buf.Truncate(int(size))
	}
	return nil
}

func (s *stream) Write(_ context.Context, data []byte) error {
	s.buf.Write(data)
	return nil
}

func (s *stream) Close(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	_, err := s.handle.db.Exec(ctx, documentUpsert, s.handle.name, s.buf.String())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == insufficientPrivilege {
			return fmt.Errorf("%w: %s", repository.ErrPermissionDenied, pgErr.Message)
		}
		return err
	}
	return nil
}

func (s *stream) Abort(context.Context) error {
	s.done = true
	s.buf.Reset()
	return nil
}
