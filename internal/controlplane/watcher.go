package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	kerrors "github.com/harunnryd/kagura/internal/errors"
	"github.com/harunnryd/kagura/internal/registry"
)

// Inbox sub-channels. Each tenant folder owns one inbox with both.
const (
	channelMessages = "messages"
	channelTasks    = "tasks"
	quarantineDir   = "errors"
)

var subChannels = []string{channelMessages, channelTasks}

// Watcher discovers control-plane files dropped by running sandboxes. A
// filesystem notification on any sub-channel schedules a debounced sweep; a
// slower periodic poll runs in parallel as a safety net for missed events.
//
// Deletion-after-dispatch is the sole acknowledgment. A crash between
// dispatch and delete redelivers the file once on restart, so the messages
// sub-channel is at-least-once by design.
type Watcher struct {
	baseDir    string
	dispatcher *Dispatcher
	tenants    *registry.Store
	debounce   time.Duration
	pollEvery  time.Duration

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	timer   *time.Timer
	running bool

	sweepCh chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type WatcherConfig struct {
	BaseDir        string
	Debounce       time.Duration // debounce window; defaults to 100ms
	PollMultiplier int           // fallback poll = Debounce * PollMultiplier; defaults to 50
}

func NewWatcher(cfg WatcherConfig, dispatcher *Dispatcher, tenants *registry.Store) *Watcher {
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	mult := cfg.PollMultiplier
	if mult <= 0 {
		mult = 50
	}
	return &Watcher{
		baseDir:    cfg.BaseDir,
		dispatcher: dispatcher,
		tenants:    tenants,
		debounce:   debounce,
		pollEvery:  time.Duration(mult) * debounce,
		sweepCh:    make(chan struct{}, 1),
	}
}

func (w *Watcher) Name() string {
	return "controlplane-watcher"
}

func (w *Watcher) Dependencies() []string {
	return []string{"registry"}
}

// Init creates the inbox layout for every known tenant plus the quarantine
// directory, and wires registration of new tenants to inbox creation.
func (w *Watcher) Init(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(w.baseDir, quarantineDir), 0o755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}
	for _, t := range w.tenants.All() {
		if err := w.ensureInbox(t.Folder); err != nil {
			return err
		}
	}
	w.dispatcher.OnRegister(func(folder string) {
		if err := w.AddTenant(folder); err != nil {
			slog.Error("Failed to add inbox for new tenant", "folder", folder, "error", err)
		}
	})
	return nil
}

func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w.fsw = fsw
	w.running = true
	w.mu.Unlock()

	for _, t := range w.tenants.All() {
		w.watchInbox(t.Folder)
	}

	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(2)
	go w.eventLoop(ctx)
	go w.sweepLoop(ctx)

	slog.Info("Control-plane watcher started",
		"base_dir", w.baseDir, "debounce", w.debounce, "poll_every", w.pollEvery)
	return nil
}

func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()

	if w.fsw != nil {
		_ = w.fsw.Close()
	}
	slog.Info("Control-plane watcher stopped")
	return nil
}

func (w *Watcher) Health(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return kerrors.Internal("watcher not running")
	}
	return nil
}

// AddTenant creates and watches the inbox for a tenant registered while the
// watcher is running.
func (w *Watcher) AddTenant(folder string) error {
	if err := w.ensureInbox(folder); err != nil {
		return err
	}
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	if running {
		w.watchInbox(folder)
	}
	return nil
}

func (w *Watcher) ensureInbox(folder string) error {
	for _, ch := range subChannels {
		if err := os.MkdirAll(filepath.Join(w.baseDir, folder, ch), 0o755); err != nil {
			return fmt.Errorf("create inbox %s/%s: %w", folder, ch, err)
		}
	}
	return nil
}

func (w *Watcher) watchInbox(folder string) {
	for _, ch := range subChannels {
		dir := filepath.Join(w.baseDir, folder, ch)
		if err := w.fsw.Add(dir); err != nil {
			slog.Warn("Failed to watch inbox dir", "dir", dir, "error", err)
		}
	}
}

// eventLoop coalesces fsnotify bursts into a single sweep request per
// debounce window.
func (w *Watcher) eventLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleSweep()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Error("Control-plane watcher error", "error", err)
		}
	}
}

func (w *Watcher) scheduleSweep() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case w.sweepCh <- struct{}{}:
		default:
		}
	})
}

// sweepLoop runs sweeps requested by the debounce timer and on the fallback
// poll interval.
func (w *Watcher) sweepLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()

	// Drain anything left over from a previous process on startup.
	w.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.sweepCh:
			w.Sweep(ctx)
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep processes every pending inbox entry. One bad entry never blocks the
// rest of the sweep or crashes the watcher.
func (w *Watcher) Sweep(ctx context.Context) {
	for _, t := range w.tenants.All() {
		w.sweepTenant(ctx, t.Folder)
	}
}

func (w *Watcher) sweepTenant(ctx context.Context, folder string) {
	isMain := w.tenants.IsMain(folder)
	for _, ch := range subChannels {
		dir := filepath.Join(w.baseDir, folder, ch)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("Failed to list inbox", "dir", dir, "error", err)
			}
			continue
		}

		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			names = append(names, e.Name())
		}
		// Names are timestamp-prefixed by convention; listing order is the
		// processing order within one tenant.
		sort.Strings(names)

		for _, name := range names {
			w.processFile(ctx, folder, isMain, filepath.Join(dir, name))
		}
	}
}

func (w *Watcher) processFile(ctx context.Context, folder string, isMain bool, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to read control file", "path", path, "error", err)
		}
		return
	}

	msg, err := ParseMessage(data)
	if err != nil {
		w.quarantine(folder, path, err)
		return
	}
	msg.SourceGroup = folder
	msg.IsMain = isMain

	if err := w.dispatcher.Dispatch(ctx, msg); err != nil {
		if errors.Is(err, kerrors.ErrValidation) ||
			errors.Is(err, kerrors.ErrAuthorization) ||
			errors.Is(err, kerrors.ErrScheduleParse) ||
			errors.Is(err, kerrors.ErrNotFound) {
			w.quarantine(folder, path, err)
			return
		}
		// Transient dispatch failure: leave the file for the next sweep.
		slog.Warn("Control message dispatch failed, will retry",
			"path", path, "source", folder, "error", err)
		return
	}

	// Delete-after-dispatch is the only acknowledgment.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Error("Failed to delete dispatched control file", "path", path, "error", err)
	}
}

func (w *Watcher) quarantine(folder, path string, cause error) {
	dest := filepath.Join(w.baseDir, quarantineDir,
		fmt.Sprintf("%s-%s", folder, filepath.Base(path)))
	if err := os.Rename(path, dest); err != nil {
		slog.Error("Failed to quarantine control file",
			"path", path, "dest", dest, "error", fmt.Errorf("%v: %w", err, kerrors.ErrIO))
		return
	}
	slog.Warn("Control file quarantined",
		"source", folder, "file", filepath.Base(path),
		"category", kerrors.Category(cause), "error", cause)
}
