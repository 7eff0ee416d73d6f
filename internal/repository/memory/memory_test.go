package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/splax/statusboard/internal/repository"
)

func TestStoreCopiesValues(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.Get(ctx, "k"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	data := []byte("abc")
	s.Put(ctx, "k", data)
	data[0] = 'x'
	got, _ := s.Get(ctx, "k")
	if string(got) != "abc" {
		t.Fatalf("store aliased caller buffer: %s", got)
	}
	got[1] = 'y'
	again, _ := s.Get(ctx, "k")
	if string(again) != "abc" {
		t.Fatalf("store returned internal buffer: %s", again)
	}
}
