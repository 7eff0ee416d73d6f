// Package sealed encrypts values before handing them to another FallbackStore.
package sealed

import (
	"context"
	"errors"

	"github.com/splax/statusboard/internal/repository"
	"github.com/splax/statusboard/pkg/crypto"
)

// Store wraps an inner store with AES-GCM sealing.
type Store struct {
	inner  repository.FallbackStore
	secret string
}

var _ repository.FallbackStore = (*Store)(nil)

// Wrap returns inner unchanged when secret is empty.
func Wrap(inner repository.FallbackStore, secret string) repository.FallbackStore {
	if secret == "" {
		return inner
	}
	return &Store{inner: inner, secret: secret}
}

// Get opens the stored value. A value that cannot be opened, for instance
// one written before sealing was enabled, reads as absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	plain, err := crypto.Open(s.secret, data)
	if errors.Is(err, crypto.ErrSealedPayload) {
		return nil, repository.ErrNotFound
	}
	return plain, err
}

// Put seals data and stores it.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	sealed, err := crypto.Seal(s.secret, data)
	if err != nil {
		return err
	}
	return s.inner.Put(ctx, key, sealed)
}

func (s *Store) Ping(ctx context.Context) error { return s.inner.Ping(ctx) }

func (s *Store) Close() error { return s.inner.Close() }
