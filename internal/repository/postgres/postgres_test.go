package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/splax/statusboard/internal/repository"
)

type stubRow struct {
	value any
	err   error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	switch d := dest[0].(type) {
	case *string:
		*d = r.value.(string)
	case *bool:
		*d = r.value.(bool)
	}
	return nil
}

type stubDB struct {
	row     stubRow
	execErr error
	execs   []string
	args    [][]any
}

func (s *stubDB) QueryRow(context.Context, string, ...any) pgx.Row { return s.row }

func (s *stubDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	s.execs = append(s.execs, sql)
	s.args = append(s.args, args)
	return pgconn.CommandTag{}, s.execErr
}

func newHandle(t *testing.T, db *stubDB) *Handle {
	t.Helper()
	h, err := (&Repository{db: db}).Handle(" main ")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	return h
}

func TestHandleRejectsEmptyName(t *testing.T) {
	if _, err := (&Repository{}).Handle("  "); !errors.Is(err, repository.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestReadMapsMissingRow(t *testing.T) {
	h := newHandle(t, &stubDB{row: stubRow{err: pgx.ErrNoRows}})
	if _, err := h.Read(context.Background()); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if h.Name() != "postgres:main" {
		t.Fatalf("unexpected name %q", h.Name())
	}
}

func TestQueryPermission(t *testing.T) {
	h := newHandle(t, &stubDB{row: stubRow{value: false}})
	state, err := h.QueryPermission(context.Background())
	if err != nil || state != repository.PermissionDenied {
		t.Fatalf("expected denied, got %s %v", state, err)
	}
	h = newHandle(t, &stubDB{row: stubRow{value: true}})
	state, err = h.RequestPermission(context.Background())
	if err != nil || state != repository.PermissionGranted {
		t.Fatalf("expected granted, got %s %v", state, err)
	}
}

func TestStreamUpsertsOnClose(t *testing.T) {
	db := &stubDB{}
	h := newHandle(t, db)
	ctx := context.Background()
	stream, _ := h.CreateWritable(ctx)
	stream.Write(ctx, []byte("stale"))
	stream.Truncate(ctx, 0)
	stream.Write(ctx, []byte(`{"projects":[]}`))
	if len(db.execs) != 0 {
		t.Fatalf("expected no statements before close")
	}
	if err := stream.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(db.execs) != 1 {
		t.Fatalf("expected one upsert, got %d", len(db.execs))
	}
	if db.args[0][0] != "main" || db.args[0][1] != `{"projects":[]}` {
		t.Fatalf("unexpected upsert args %v", db.args[0])
	}
}

func TestStreamMapsPrivilegeError(t *testing.T) {
	db := &stubDB{execErr: &pgconn.PgError{Code: "42501", Message: "permission denied for table catalog_documents"}}
	h := newHandle(t, db)
	ctx := context.Background()
	stream, _ := h.CreateWritable(ctx)
	stream.Write(ctx, []byte("{}"))
	if err := stream.Close(ctx); !errors.Is(err, repository.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestAbortWritesNothing(t *testing.T) {
	db := &stubDB{}
	h := newHandle(t, db)
	ctx := context.Background()
	stream, _ := h.CreateWritable(ctx)
	stream.Write(ctx, []byte("{}"))
	stream.Abort(ctx)
	stream.Close(ctx)
	if len(db.execs) != 0 {
		t.Fatalf("aborted stream executed %d statements", len(db.execs))
	}
}
