package repository

import "context"

// PermissionState reports whether a connected handle may be written.
type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionPrompt  PermissionState = "prompt"
	PermissionDenied  PermissionState = "denied"
)

// FileHandle is a user-chosen storage location the catalog is written through to.
type FileHandle interface {
	Name() string
	QueryPermission(ctx context.Context) (PermissionState, error)
	RequestPermission(ctx context.Context) (PermissionState, error)
	// Read returns the current contents. Absent content yields ErrNotFound.
	Read(ctx context.Context) ([]byte, error)
	CreateWritable(ctx context.Context) (WritableStream, error)
}

// WritableStream is a scoped writer against a FileHandle. Exactly one of
// Close or Abort must be called; only Close makes the written bytes visible.
type WritableStream interface {
	Truncate(ctx context.Context, size int64) error
	Write(ctx context.Context, data []byte) error
	Close(ctx context.Context) error
	Abort(ctx context.Context) error
}

// ChangeSource is implemented by handles that can report edits made by other
// writers. Watch blocks until ctx is cancelled.
type ChangeSource interface {
	Watch(ctx context.Context, onChange func(data []byte)) error
}

// FallbackStore keeps the device-local backup copy of the catalog document.
type FallbackStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Ping(ctx context.Context) error
	Close() error
}
