// Package file implements a connected handle backed by a local file.
package file

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"

	"github.com/splax/statusboard/internal/repository"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Handle is a FileHandle over a path on the local filesystem.
type Handle struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.Mutex
	lastSeen [sha256.Size]byte
	seen     bool
}

var (
	_ repository.FileHandle   = (*Handle)(nil)
	_ repository.ChangeSource = (*Handle)(nil)
)

// ErrOutsideRoot rejects a path that resolves outside the allowed root.
var ErrOutsideRoot = fmt.Errorf("%w: path outside connect root", repository.ErrPermissionDenied)

// OpenWithin is Open restricted to files under root. Relative paths are
// taken relative to root, and symlinks are resolved before the check.
func OpenWithin(root, path string, logger *slog.Logger) (*Handle, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: no connect root configured", repository.ErrPermissionDenied)
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", repository.ErrInvalidArgument)
	}
	base, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", repository.ErrInvalidArgument, err)
	}
	if resolved, err := filepath.EvalSymlinks(base); err == nil {
		base = resolved
	}
	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(base, target)
	}
	resolved, err := resolve(filepath.Clean(target))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", repository.ErrInvalidArgument, err)
	}
	rel, err := filepath.Rel(base, resolved)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return Open(resolved, logger)
}

// resolve follows symlinks in path. A file that does not exist yet is
// resolved through its directory.
func resolve(path string) (string, error) {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved, nil
	}
	dir, err := filepath.EvalSymlinks(filepath.Dir(path))
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filepath.Base(path)), nil
}

// Open returns a handle for path. The file need not exist yet, but its
// directory must.
func Open(path string, logger *slog.Logger) (*Handle, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", repository.ErrInvalidArgument)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", repository.ErrInvalidArgument, err)
	}
	info, err := os.Stat(filepath.Dir(abs))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", repository.ErrInvalidArgument, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", repository.ErrInvalidArgument, filepath.Dir(abs))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handle{
		path:     abs,
		logger:   logger.With("component", "file_handle", "path", abs),
		debounce: defaultWatchDebounce,
	}, nil
}

// Name returns the absolute path.
func (h *Handle) Name() string { return h.path }

// QueryPermission checks write access without changing anything.
func (h *Handle) QueryPermission(context.Context) (repository.PermissionState, error) {
	target := h.accessTarget()
	if target == h.path {
		// access(2) ignores mode bits for privileged processes; the owner
		// write bit is what the stream checks before replacing the file.
		if info, err := os.Stat(target); err == nil && info.Mode().Perm()&0o200 == 0 {
			if h.ownedByUs(target) {
				return repository.PermissionPrompt, nil
			}
			return repository.PermissionDenied, nil
		}
	}
	err := unix.Access(target, unix.W_OK)
	switch {
	case err == nil:
		return repository.PermissionGranted, nil
	case errors.Is(err, unix.EROFS):
		return repository.PermissionDenied, nil
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		if h.ownedByUs(target) {
			return repository.PermissionPrompt, nil
		}
		return repository.PermissionDenied, nil
	default:
		return "", err
	}
}

// RequestPermission adds the owner write bit when the process owns the file.
func (h *Handle) RequestPermission(ctx context.Context) (repository.PermissionState, error) {
	state, err := h.QueryPermission(ctx)
	if err != nil || state != repository.PermissionPrompt {
		return state, err
	}
	target := h.accessTarget()
	info, err := os.Stat(target)
	if err != nil {
		return "", err
	}
	if err := os.Chmod(target, info.Mode().Perm()|0o200); err != nil {
		h.logger.Debug("chmod failed", "error", err)
		return repository.PermissionDenied, nil
	}
	h.logger.Info("granted owner write permission")
	return h.QueryPermission(ctx)
}

// Read returns the file contents.
func (h *Handle) Read(context.Context) ([]byte, error) {
	data, err := os.ReadFile(h.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	h.remember(data)
	return data, nil
}

// CreateWritable opens a temp file next to the target. The target is only
// replaced when the stream is closed.
func (h *Handle) CreateWritable(context.Context) (repository.WritableStream, error) {
	dir, base := filepath.Split(h.path)
	tmp, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return nil, err
	}
	return &stream{handle: h, file: tmp}, nil
}

// accessTarget is the file itself, or its directory while it does not exist.
func (h *Handle) accessTarget() string {
	if _, err := os.Stat(h.path); errors.Is(err, fs.ErrNotExist) {
		return filepath.Dir(h.path)
	}
	return h.path
}

func (h *Handle) ownedByUs(path string) bool {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return false
	}
	return int(st.Uid) == os.Geteuid()
}

func (h *Handle) remember(data []byte) {
	sum := sha256.Sum256(data)
	h.mu.Lock()
	h.lastSeen = sum
	h.seen = true
	h.mu.Unlock()
}

// changed reports whether data differs from what this handle last read or wrote.
func (h *Handle) changed(data []byte) bool {
	sum := sha256.Sum256(data)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.seen && sum == h.lastSeen {
		return false
	}
	h.lastSeen = sum
	h.seen = true
	return true
}

type stream struct {
	handle *Handle
	file   *os.File
	buf    bytes.Buffer
	done   bool
}

func (s *stream) Truncate(_ context.Context, size int64) error {
	if err := s.file.Truncate(size); err != nil {
		return err
	}
	if _, err := s.file.Seek(size, 0); err != nil {
		return err
	}
	if size < int64(s.buf.Len()) {
		s.buf.Truncate(int(size))
	}
	return nil
}

func (s *stream) Write(_ context.Context, data []byte) error {
	if _, err := s.file.Write(data); err != nil {
		return err
	}
	s.buf.Write(data)
	return nil
}

func (s *stream) Close(context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	tmpName := s.file.Name()
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		os.Remove(tmpName)
		return err
	}
	if err := s.file.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(s.handle.path); err == nil {
		mode = info.Mode().Perm()
		if mode&0o200 == 0 {
			os.Remove(tmpName)
			return &fs.PathError{Op: "write", Path: s.handle.path, Err: fs.ErrPermission}
		}
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		os.Remove(tmpName)
		return err
	}
	// Record the hash before the rename so the watcher never mistakes our
	// own write for an external edit.
	s.handle.remember(s.buf.Bytes())
	if err := os.Rename(tmpName, s.handle.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *stream) Abort(context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	tmpName := s.file.Name()
	s.file.Close()
	if err := os.Remove(tmpName); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Watch reports edits to the file made by other programs. Events are
// debounced and content identical to the last read or write is ignored.
func (h *Handle) Watch(ctx context.Context, onChange func(data []byte)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// Watch the directory: atomic replacements swap the inode under a
	// file-level watch.
	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		return err
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != h.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(h.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(h.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			data, err := os.ReadFile(h.path)
			if err != nil {
				h.logger.Debug("re-read after change failed", "error", err)
				continue
			}
			if !h.changed(data) {
				continue
			}
			h.logger.Info("connected file changed externally", "bytes", len(data))
			onChange(data)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Warn("file watcher error", "error", err)
		}
	}
}
