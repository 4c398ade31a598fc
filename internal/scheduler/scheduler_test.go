package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	kerrors "github.com/harunnryd/kagura/internal/errors"
	"github.com/harunnryd/kagura/internal/exec"
	"github.com/harunnryd/kagura/internal/registry"
	"github.com/harunnryd/kagura/internal/task"
)

type fakeInvoker struct {
	mu       sync.Mutex
	requests []exec.Request
	folders  []string
	err      error
}

func (f *fakeInvoker) Handle(ctx context.Context, folder string, req exec.Request) (*exec.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.folders = append(f.folders, folder)
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &exec.Result{Status: exec.StatusSuccess, Result: "done"}, nil
}

// blockingInvoker holds every run until release is closed, recording the
// context state seen at completion.
type blockingInvoker struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
	ctxErr  error
	done    bool
}

func (b *blockingInvoker) Handle(ctx context.Context, folder string, req exec.Request) (*exec.Result, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	<-b.release
	b.mu.Lock()
	b.ctxErr = ctx.Err()
	b.done = true
	b.mu.Unlock()
	return &exec.Result{Status: exec.StatusSuccess, Result: "done"}, nil
}

func (b *blockingInvoker) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func setupScheduler(t *testing.T, invoker Invoker) (*Scheduler, *registry.Store, *task.Store) {
	t.Helper()

	tenants := registry.NewStore("main", nil)
	if _, err := tenants.Register("1@g.us", "family", "Family"); err != nil {
		t.Fatal(err)
	}

	tasks, err := task.NewStore(filepath.Join(t.TempDir(), "tasks.json"), "", time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	s := New(tasks, tenants, invoker, Config{TickInterval: time.Hour, ShutdownTimeout: 5 * time.Second})
	return s, tenants, tasks
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestTickFiresDueTask(t *testing.T) {
	invoker := &fakeInvoker{}
	s, _, tasks := setupScheduler(t, invoker)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	created, err := tasks.Create("family", "1@g.us", "do the thing", task.ScheduleInterval, "60000", task.ContextGroup, now)
	if err != nil {
		t.Fatal(err)
	}

	s.Tick(context.Background(), now.Add(2*time.Minute))
	waitFor(t, func() bool {
		invoker.mu.Lock()
		defer invoker.mu.Unlock()
		return len(invoker.folders) == 1
	})

	invoker.mu.Lock()
	if invoker.folders[0] != "family" || invoker.requests[0].Prompt != "do the thing" {
		t.Errorf("unexpected invocation %v %v", invoker.folders, invoker.requests)
	}
	if invoker.requests[0].FreshSession {
		t.Error("group-context task should reuse the session")
	}
	invoker.mu.Unlock()

	waitFor(t, func() bool {
		got, _ := tasks.Get(created.ID)
		return got.LastRun != nil
	})
	got, _ := tasks.Get(created.ID)
	if got.NextRun == nil || !got.NextRun.After(now.Add(2*time.Minute)) {
		t.Errorf("next_run not advanced after run: %v", got.NextRun)
	}
}

func TestIsolatedTaskForcesFreshSession(t *testing.T) {
	invoker := &fakeInvoker{}
	s, _, tasks := setupScheduler(t, invoker)

	now := time.Now().Add(-time.Hour)
	if _, err := tasks.Create("family", "1@g.us", "p", task.ScheduleInterval, "1000", task.ContextIsolated, now); err != nil {
		t.Fatal(err)
	}

	s.Tick(context.Background(), time.Now())
	waitFor(t, func() bool {
		invoker.mu.Lock()
		defer invoker.mu.Unlock()
		return len(invoker.requests) == 1
	})

	invoker.mu.Lock()
	defer invoker.mu.Unlock()
	if !invoker.requests[0].FreshSession {
		t.Error("isolated task must request a fresh session")
	}
}

func TestOrphanTaskFlaggedAndSkipped(t *testing.T) {
	invoker := &fakeInvoker{}
	s, _, tasks := setupScheduler(t, invoker)

	now := time.Now().Add(-time.Hour)
	created, err := tasks.Create("ghost", "9@g.us", "p", task.ScheduleInterval, "1000", task.ContextGroup, now)
	if err != nil {
		t.Fatal(err)
	}

	s.Tick(context.Background(), time.Now())
	// Flagging is synchronous; no invocation should ever start.
	got, _ := tasks.Get(created.ID)
	if !got.Flagged {
		t.Error("orphan task must be flagged")
	}
	if got.Status != task.StatusActive {
		t.Error("orphan task must not be deleted or completed")
	}

	invoker.mu.Lock()
	defer invoker.mu.Unlock()
	if len(invoker.folders) != 0 {
		t.Error("orphan task must not be invoked")
	}
}

func TestMaintenanceLeavesTaskDue(t *testing.T) {
	invoker := &fakeInvoker{err: kerrors.Wrap(kerrors.ErrMaintenance, "refused")}
	s, _, tasks := setupScheduler(t, invoker)

	now := time.Now().Add(-time.Hour)
	created, err := tasks.Create("family", "1@g.us", "p", task.ScheduleInterval, "1000", task.ContextGroup, now)
	if err != nil {
		t.Fatal(err)
	}

	s.Tick(context.Background(), time.Now())
	waitFor(t, func() bool {
		invoker.mu.Lock()
		defer invoker.mu.Unlock()
		return len(invoker.folders) == 1
	})
	// Give the goroutine a moment to (incorrectly) record a run if it would.
	time.Sleep(20 * time.Millisecond)

	got, _ := tasks.Get(created.ID)
	if got.LastRun != nil {
		t.Error("deferred task must not record a run")
	}
	if len(tasks.Due(time.Now())) != 1 {
		t.Error("deferred task must stay due for the next tick")
	}
}

func TestFailedRunRecorded(t *testing.T) {
	invoker := &fakeInvoker{err: kerrors.Execution("exit 1")}
	s, _, tasks := setupScheduler(t, invoker)

	now := time.Now().Add(-time.Hour)
	created, err := tasks.Create("family", "1@g.us", "p", task.ScheduleInterval, "60000", task.ContextGroup, now)
	if err != nil {
		t.Fatal(err)
	}

	s.Tick(context.Background(), time.Now())
	waitFor(t, func() bool {
		got, _ := tasks.Get(created.ID)
		return got.LastRun != nil
	})

	got, _ := tasks.Get(created.ID)
	if got.Status != task.StatusActive {
		t.Error("failed recurring task stays active")
	}
	if got.NextRun == nil || !got.NextRun.After(time.Now()) {
		t.Errorf("next_run must advance even after failure: %v", got.NextRun)
	}
}

func TestLongRunFiresOncePerCompletion(t *testing.T) {
	invoker := &blockingInvoker{release: make(chan struct{})}
	s, _, tasks := setupScheduler(t, invoker)

	now := time.Now().Add(-time.Hour)
	created, err := tasks.Create("family", "1@g.us", "p", task.ScheduleInterval, "1000", task.ContextGroup, now)
	if err != nil {
		t.Fatal(err)
	}

	s.Tick(context.Background(), time.Now())
	waitFor(t, func() bool { return invoker.callCount() == 1 })

	// The run is still in flight and the task is still due; further ticks
	// must not launch it again.
	s.Tick(context.Background(), time.Now())
	s.Tick(context.Background(), time.Now())
	time.Sleep(20 * time.Millisecond)
	if got := invoker.callCount(); got != 1 {
		t.Fatalf("in-flight task fired %d times across ticks", got)
	}

	close(invoker.release)
	waitFor(t, func() bool {
		got, _ := tasks.Get(created.ID)
		return got.LastRun != nil
	})

	// Once finished and due again, the task fires normally.
	s.Tick(context.Background(), time.Now().Add(time.Hour))
	waitFor(t, func() bool { return invoker.callCount() == 2 })
}

func TestStopLetsInFlightRunFinish(t *testing.T) {
	invoker := &blockingInvoker{release: make(chan struct{})}
	s, _, tasks := setupScheduler(t, invoker)

	now := time.Now().Add(-time.Hour)
	created, err := tasks.Create("family", "1@g.us", "p", task.ScheduleInterval, "60000", task.ContextGroup, now)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}

	s.Tick(context.Background(), time.Now())
	waitFor(t, func() bool { return invoker.callCount() == 1 })

	go func() {
		time.Sleep(30 * time.Millisecond)
		close(invoker.release)
	}()

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	invoker.mu.Lock()
	done, ctxErr := invoker.done, invoker.ctxErr
	invoker.mu.Unlock()
	if !done {
		t.Fatal("Stop returned before the in-flight run finished")
	}
	if ctxErr != nil {
		t.Errorf("in-flight run was cancelled during shutdown: %v", ctxErr)
	}

	got, _ := tasks.Get(created.ID)
	if got.LastRun == nil {
		t.Error("run finishing during shutdown must still be recorded")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	invoker := &fakeInvoker{}
	s, _, _ := setupScheduler(t, invoker)

	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Health(ctx); err != nil {
		t.Errorf("running scheduler should be healthy: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Health(ctx); err == nil {
		t.Error("stopped scheduler should report unhealthy")
	}
}
