// Package scheduler fires due tasks against the orchestrator. It keeps no
// schedule state of its own; the task store is re-read every tick, so edits
// made between ticks take effect on the next one.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/kagura/internal/concurrency"
	kerrors "github.com/harunnryd/kagura/internal/errors"
	"github.com/harunnryd/kagura/internal/exec"
	"github.com/harunnryd/kagura/internal/registry"
	"github.com/harunnryd/kagura/internal/task"
)

// Invoker runs one assistant invocation for a tenant. Implemented by the
// orchestrator manager.
type Invoker interface {
	Handle(ctx context.Context, folder string, req exec.Request) (*exec.Result, error)
}

type Scheduler struct {
	tasks   *task.Store
	tenants *registry.Store
	invoker Invoker

	tickInterval    time.Duration
	shutdownTimeout time.Duration

	mu      sync.RWMutex
	running bool
	ticker  *time.Ticker
	cancel  context.CancelFunc
	firing  map[string]struct{} // task ids launched but not yet finished

	// runCtx outlives the tick loop so Stop does not tear down in-flight
	// invocations; it is cancelled only after the bounded shutdown wait.
	runCtx    context.Context
	runCancel context.CancelFunc

	inFlight sync.WaitGroup
}

type Config struct {
	TickInterval    time.Duration
	ShutdownTimeout time.Duration
}

func New(tasks *task.Store, tenants *registry.Store, invoker Invoker, cfg Config) *Scheduler {
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = 30 * time.Second
	}
	shutdown := cfg.ShutdownTimeout
	if shutdown <= 0 {
		shutdown = 30 * time.Second
	}
	return &Scheduler{
		tasks:           tasks,
		tenants:         tenants,
		invoker:         invoker,
		tickInterval:    tick,
		shutdownTimeout: shutdown,
		firing:          make(map[string]struct{}),
	}
}

func (s *Scheduler) Name() string {
	return "scheduler"
}

func (s *Scheduler) Dependencies() []string {
	return []string{"registry"}
}

func (s *Scheduler) Init(ctx context.Context) error {
	slog.Info("Scheduler initialized", "tick_interval", s.tickInterval)
	return nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.ticker = time.NewTicker(s.tickInterval)
	ctx, s.cancel = context.WithCancel(ctx)
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	go s.run(ctx)

	slog.Info("Scheduler started")
	return nil
}

// Stop halts the tick loop first, then waits up to the shutdown timeout for
// in-flight task runs to finish undisturbed. Only runs still going past the
// deadline get their context cancelled; abandoning them is safe because the
// task's next_run only advances after CompleteRun.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		if s.runCancel != nil {
			s.runCancel()
		}
		slog.Info("Scheduler stopped gracefully")
		return nil
	case <-time.After(s.shutdownTimeout):
		if s.runCancel != nil {
			s.runCancel()
		}
		slog.Warn("Scheduler shutdown timeout, abandoning in-flight tasks")
		return kerrors.Internal("scheduler shutdown timeout")
	case <-ctx.Done():
		if s.runCancel != nil {
			s.runCancel()
		}
		return ctx.Err()
	}
}

func (s *Scheduler) Health(ctx context.Context) error {
	if !s.IsRunning() {
		return kerrors.Internal("scheduler not running")
	}
	return nil
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context) {
	for {
		select {
		case <-s.ticker.C:
			s.Tick(ctx, time.Now())
		case <-ctx.Done():
			slog.Info("Scheduler run loop stopped")
			return
		}
	}
}

// Tick fires every due task. Tasks whose owner tenant is missing are flagged
// and skipped rather than failed; they come back on a later tick once the
// tenant exists again. A task already launched and not yet finished is never
// fired again: next_run only advances in CompleteRun, so a run outlasting the
// tick interval would otherwise be re-launched on every tick behind the
// tenant's serialization slot.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	for _, t := range s.tasks.Due(now) {
		if _, ok := s.tenants.ByFolder(t.GroupFolder); !ok {
			slog.Warn("Skipping task for missing tenant",
				"task_id", t.ID, "group", t.GroupFolder)
			if err := s.tasks.Flag(t.ID); err != nil {
				slog.Error("Failed to flag orphan task", "task_id", t.ID, "error", err)
			}
			continue
		}

		s.mu.Lock()
		if _, busy := s.firing[t.ID]; busy {
			s.mu.Unlock()
			continue
		}
		s.firing[t.ID] = struct{}{}
		runCtx := s.runCtx
		s.mu.Unlock()
		if runCtx == nil {
			runCtx = ctx
		}

		t := t
		s.inFlight.Add(1)
		concurrency.SafeGo(func() {
			defer s.inFlight.Done()
			defer s.release(t.ID)
			s.runTask(runCtx, t)
		}, func(r interface{}) {
			slog.Error("Task run panicked", "task_id", t.ID, "panic", r)
		})
	}
}

// release clears the in-flight marker so the task can fire on a later tick.
func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.firing, id)
	s.mu.Unlock()
}

func (s *Scheduler) runTask(ctx context.Context, t *task.Task) {
	req := exec.Request{
		Prompt:       t.Prompt,
		ChatJID:      t.ChatJID,
		FreshSession: t.ContextMode == task.ContextIsolated,
	}

	started := time.Now()
	res, err := s.invoker.Handle(ctx, t.GroupFolder, req)
	duration := time.Since(started)

	if err != nil && errors.Is(err, kerrors.ErrMaintenance) {
		// Leave the task due; it fires again once maintenance ends.
		slog.Info("Task deferred by maintenance mode", "task_id", t.ID)
		return
	}

	runStatus := exec.StatusSuccess
	runErr := ""
	switch {
	case err != nil:
		runStatus = exec.StatusError
		runErr = err.Error()
	case !res.OK():
		runStatus = exec.StatusError
		runErr = res.Error
	}

	if cerr := s.tasks.CompleteRun(t.ID, time.Now(), runStatus, duration, runErr); cerr != nil {
		slog.Error("Failed to record task run", "task_id", t.ID, "error", cerr)
	}

	slog.Info("Task run finished",
		"task_id", t.ID, "group", t.GroupFolder,
		"status", runStatus, "duration", duration)
}
