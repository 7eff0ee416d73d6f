// Package persist writes the catalog back to durable storage: through to a
// connected handle when one is adopted, and always to the local fallback.
package persist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/splax/statusboard/internal/catalog"
	"github.com/splax/statusboard/internal/domain"
	"github.com/splax/statusboard/internal/repository"
)

const (
	DefaultQuietPeriod = 500 * time.Millisecond
	DefaultFallbackKey = "status_dashboard_data"

	saveTimeout = 30 * time.Second

	targetConnected = "connected"
	targetFallback  = "fallback"
)

// ErrNotConnected indicates a manual save without a connected handle.
var ErrNotConnected = errors.New("persist: no connected handle")

// SaveObserver records the outcome of individual writes.
type SaveObserver interface {
	ObserveSave(target string, duration time.Duration, err error)
}

// Options configures a Coordinator. Zero values fall back to defaults.
type Options struct {
	Fallback    repository.FallbackStore
	FallbackKey string
	QuietPeriod time.Duration
	// WatchHandles enables external-change watching on handles that support it.
	WatchHandles bool
	Logger       *slog.Logger
	Observer     SaveObserver
	// OnWarning receives background write-through failures.
	OnWarning func(err error)
	// OnReload is called after an external edit replaced the catalog.
	OnReload func(source string)
}

// Coordinator owns the connected handle and the debounced save timer.
type Coordinator struct {
	store        *catalog.Store
	fallback     repository.FallbackStore
	fallbackKey  string
	quiet        time.Duration
	watchHandles bool
	logger       *slog.Logger
	observer     SaveObserver
	onWarning    func(error)
	onReload     func(string)

	mu        sync.Mutex
	handle    repository.FileHandle
	timer     *time.Timer
	pending   bool
	closed    bool
	stopWatch context.CancelFunc

	writeMu sync.Mutex
}

// New constructs a Coordinator over store.
func New(store *catalog.Store, opts Options) *Coordinator {
	if opts.FallbackKey == "" {
		opts.FallbackKey = DefaultFallbackKey
	}
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = DefaultQuietPeriod
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:        store,
		fallback:     opts.Fallback,
		fallbackKey:  opts.FallbackKey,
		quiet:        opts.QuietPeriod,
		watchHandles: opts.WatchHandles,
		logger:       logger.With("component", "persist"),
		observer:     opts.Observer,
		onWarning:    opts.OnWarning,
		onReload:     opts.OnReload,
	}
}

// RequestSave schedules a save after the quiet period. Each call restarts
// the period; the document is serialized when the timer fires, so the save
// reflects every mutation made before then.
func (c *Coordinator) RequestSave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pending = true
	if c.timer == nil {
		c.timer = time.AfterFunc(c.quiet, c.fire)
		return
	}
	c.timer.Reset(c.quiet)
}

func (c *Coordinator) fire() {
	handle, ok := c.takePending()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	c.background(ctx, handle)
}

// takePending clears the pending flag and returns the handle to write to.
func (c *Coordinator) takePending() (repository.FileHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pending {
		return nil, false
	}
	c.pending = false
	if c.timer != nil {
		c.timer.Stop()
	}
	return c.handle, true
}

// background runs a debounced save. Nothing is returned: write-through
// failures become warnings, fallback failures are only logged.
func (c *Coordinator) background(ctx context.Context, handle repository.FileHandle) {
	data, err := c.store.Marshal()
	if err != nil {
		c.logger.Error("serialize catalog", "error", err)
		return
	}
	if handle != nil {
		if err := c.writeThrough(ctx, handle, data); err != nil {
			c.logger.Warn("auto-save failed", "handle", handle.Name(), "error", err)
			c.warn(fmt.Errorf("auto-save to %s failed: %w", handle.Name(), err))
		}
	}
	c.writeFallback(ctx, data)
}

// Flush runs a pending save immediately.
func (c *Coordinator) Flush(ctx context.Context) {
	handle, ok := c.takePending()
	if !ok {
		return
	}
	c.background(ctx, handle)
}

// SaveNow writes through to the connected handle immediately and refreshes
// the fallback regardless of the outcome.
func (c *Coordinator) SaveNow(ctx context.Context) error {
	c.mu.Lock()
	handle := c.handle
	c.pending = false
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()

	data, err := c.store.Marshal()
	if err != nil {
		return err
	}
	defer c.writeFallback(ctx, data)
	if handle == nil {
		return ErrNotConnected
	}
	if err := c.writeThrough(ctx, handle, data); err != nil {
		return err
	}
	c.logger.Info("saved to connected handle", "handle", handle.Name(), "bytes", len(data))
	return nil
}

// Connect reads handle and adopts it. Empty or absent content keeps the
// current catalog and schedules a save to initialise the target; a
// document replaces the catalog; anything else fails and the previous
// handle stays in place.
func (c *Coordinator) Connect(ctx context.Context, handle repository.FileHandle) error {
	data, err := handle.Read(ctx)
	empty := errors.Is(err, repository.ErrNotFound) || (err == nil && len(bytes.TrimSpace(data)) == 0)
	if err != nil && !empty {
		return fmt.Errorf("read %s: %w", handle.Name(), err)
	}
	if !empty {
		loaded, err := domain.DecodeDocument(data)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", catalog.ErrInvalidDocument, handle.Name(), err)
		}
		c.store.Replace(loaded)
	}

	c.adopt(handle)
	c.logger.Info("connected handle", "handle", handle.Name(), "empty", empty)
	if empty {
		c.RequestSave()
	}

	// Warm up permissions so the first save does not have to ask.
	c.writeMu.Lock()
	if err := c.ensurePermission(ctx, handle); err != nil {
		c.logger.Warn("connected handle is not writable", "handle", handle.Name(), "error", err)
	}
	c.writeMu.Unlock()
	return nil
}

func (c *Coordinator) adopt(handle repository.FileHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopWatchLocked()
	c.handle = handle
	if !c.watchHandles || c.closed {
		return
	}
	source, ok := handle.(repository.ChangeSource)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.stopWatch = cancel
	go func() {
		if err := source.Watch(ctx, func(data []byte) { c.reload(handle, data) }); err != nil {
			c.logger.Warn("watch connected handle", "handle", handle.Name(), "error", err)
		}
	}()
}

// reload adopts an external edit of the connected handle.
func (c *Coordinator) reload(handle repository.FileHandle, data []byte) {
	c.mu.Lock()
	current := c.handle
	c.mu.Unlock()
	if current != handle {
		return
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return
	}
	loaded, err := domain.DecodeDocument(data)
	if err != nil {
		c.warn(fmt.Errorf("ignored external edit of %s: %w", handle.Name(), err))
		return
	}
	c.store.Replace(loaded)
	c.logger.Info("adopted external edit", "handle", handle.Name())
	if normalized, err := c.store.Marshal(); err == nil {
		c.writeFallback(context.Background(), normalized)
	}
	if c.onReload != nil {
		c.onReload(handle.Name())
	}
}

// Disconnect drops the connected handle. Later saves go to the fallback only.
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle != nil {
		c.logger.Info("disconnected handle", "handle", c.handle.Name())
	}
	c.stopWatchLocked()
	c.handle = nil
}

// Connected reports the name of the connected handle.
func (c *Coordinator) Connected() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return "", false
	}
	return c.handle.Name(), true
}

// Close flushes any pending save and stops background work.
func (c *Coordinator) Close(ctx context.Context) {
	c.Flush(ctx)
	c.mu.Lock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.stopWatchLocked()
	c.mu.Unlock()
}

func (c *Coordinator) stopWatchLocked() {
	if c.stopWatch == nil {
		return
	}
	c.stopWatch()
	c.stopWatch = nil
}

// writeThrough performs permission check, write and the permission retry.
func (c *Coordinator) writeThrough(ctx context.Context, handle repository.FileHandle, data []byte) (err error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	start := time.Now()
	defer func() {
		if c.observer != nil {
			c.observer.ObserveSave(targetConnected, time.Since(start), err)
		}
	}()

	if err := c.ensurePermission(ctx, handle); err != nil {
		return err
	}
	err = writeOnce(ctx, handle, data)
	if err == nil || !isPermissionError(err) {
		return err
	}
	c.logger.Debug("write rejected, requesting permission again", "handle", handle.Name(), "error", err)
	state, reqErr := handle.RequestPermission(ctx)
	if reqErr == nil && state != repository.PermissionGranted {
		return fmt.Errorf("%w: %s", repository.ErrPermissionDenied, handle.Name())
	}
	return writeOnce(ctx, handle, data)
}

// ensurePermission queries and, if needed, requests write access. Errors
// from the handle mean the answer is unknown and the write is attempted.
func (c *Coordinator) ensurePermission(ctx context.Context, handle repository.FileHandle) error {
	state, err := handle.QueryPermission(ctx)
	if err != nil {
		c.logger.Debug("permission query failed", "handle", handle.Name(), "error", err)
		return nil
	}
	if state == repository.PermissionGranted {
		return nil
	}
	state, err = handle.RequestPermission(ctx)
	if err != nil {
		c.logger.Debug("permission request failed", "handle", handle.Name(), "error", err)
		return nil
	}
	if state != repository.PermissionGranted {
		return fmt.Errorf("%w: %s", repository.ErrPermissionDenied, handle.Name())
	}
	return nil
}

func writeOnce(ctx context.Context, handle repository.FileHandle, data []byte) error {
	stream, err := handle.CreateWritable(ctx)
	if err != nil {
		return err
	}
	if err := stream.Truncate(ctx, 0); err != nil {
		_ = stream.Abort(ctx)
		return err
	}
	if err := stream.Write(ctx, data); err != nil {
		_ = stream.Abort(ctx)
		return err
	}
	if err := stream.Close(ctx); err != nil {
		_ = stream.Abort(ctx)
		return err
	}
	return nil
}

func isPermissionError(err error) bool {
	return errors.Is(err, repository.ErrPermissionDenied) || errors.Is(err, fs.ErrPermission)
}

func (c *Coordinator) writeFallback(ctx context.Context, data []byte) {
	if c.fallback == nil {
		return
	}
	start := time.Now()
	err := c.fallback.Put(ctx, c.fallbackKey, data)
	if c.observer != nil {
		c.observer.ObserveSave(targetFallback, time.Since(start), err)
	}
	if err != nil {
		c.logger.Debug("fallback write failed", "error", err)
	}
}

func (c *Coordinator) warn(err error) {
	if c.onWarning != nil {
		c.onWarning(err)
	}
}
