package migrate

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewValidatesInputs(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "not-a-dir.sql")
	if err := os.WriteFile(file, []byte("-- +goose Up"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	cases := []struct {
		name, dsn, dir string
	}{
		{"empty dsn", "", dir},
		{"empty dir", "postgres://localhost/db", ""},
		{"missing dir", "postgres://localhost/db", filepath.Join(dir, "missing")},
		{"file instead of dir", "postgres://localhost/db", file},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.dsn, tc.dir, nil); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestOpenFailureIsWrapped(t *testing.T) {
	runner, err := New("postgres://localhost/db", t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	boom := errors.New("boom")
	runner.open = func(string) (*sql.DB, error) { return nil, boom }

	err = runner.Ensure(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped open error, got %v", err)
	}
	if !strings.Contains(err.Error(), "open sql connection") {
		t.Fatalf("unexpected message %q", err)
	}
}

func TestRepositoryMigrationsPresent(t *testing.T) {
	entries, err := os.ReadDir(filepath.Join("..", "..", "..", "db", "migrations"))
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}
	found := false
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		data, err := os.ReadFile(filepath.Join("..", "..", "..", "db", "migrations", e.Name()))
		if err != nil {
			t.Fatalf("read %s: %v", e.Name(), err)
		}
		if strings.Contains(string(data), "catalog_documents") && strings.Contains(string(data), "-- +goose Down") {
			found = true
		}
	}
	if !found {
		t.Fatalf("catalog_documents migration not found")
	}
}
