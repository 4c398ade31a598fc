// Package orchestrator owns the lifecycle of one assistant invocation: the
// per-tenant serialization slot, the fast-path attempt, the sandbox run with
// its bounded retry, session token upkeep, and final delivery.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/kagura/internal/concurrency"
	kerrors "github.com/harunnryd/kagura/internal/errors"
	"github.com/harunnryd/kagura/internal/exec"
	"github.com/harunnryd/kagura/internal/ratelimit"
	"github.com/harunnryd/kagura/internal/registry"
)

const (
	failureNotice     = "Something went wrong handling that request. Please try again."
	maintenanceNotice = "The assistant is down for maintenance. Your request was not processed; please try again later."
)

// SandboxRunner executes an invocation in an isolated container.
type SandboxRunner interface {
	Run(ctx context.Context, tenant *registry.Tenant, req exec.Request, sink exec.Sink) (*exec.Result, error)
}

// FastPath executes eligible invocations with a direct model call.
type FastPath interface {
	Eligible(tenant *registry.Tenant, req exec.Request) bool
	Run(ctx context.Context, tenant *registry.Tenant, req exec.Request, sink exec.Sink) (*exec.Result, error)
}

// Manager coordinates invocations. One serialization slot per tenant folder;
// distinct tenants run in parallel.
type Manager struct {
	tenants      *registry.Store
	sandbox      SandboxRunner
	fastpath     FastPath
	consolidator *ratelimit.Consolidator
	maintenance  MaintenanceProvider
	locks        *concurrency.KeyedMutex
	retryBackoff time.Duration

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

type Config struct {
	RetryBackoff time.Duration
}

func NewManager(tenants *registry.Store, sandbox SandboxRunner, fastpath FastPath,
	consolidator *ratelimit.Consolidator, maintenance MaintenanceProvider, cfg Config) *Manager {
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &Manager{
		tenants:      tenants,
		sandbox:      sandbox,
		fastpath:     fastpath,
		consolidator: consolidator,
		maintenance:  maintenance,
		locks:        concurrency.NewKeyedMutex(),
		retryBackoff: backoff,
		sleep:        time.Sleep,
	}
}

// Handle runs one invocation for a tenant folder end to end. It blocks until
// the tenant's serialization slot is free, so callers for the same tenant are
// processed one at a time in arrival order.
func (m *Manager) Handle(ctx context.Context, folder string, req exec.Request) (*exec.Result, error) {
	if m.maintenance != nil && m.maintenance.Active() {
		slog.Info("Invocation refused, maintenance mode", "tenant", folder)
		// Nothing is left silently unanswered: the caller hears a fixed
		// unavailable notice. DeliverFinal's once-per-stream guard keeps
		// repeatedly deferred scheduled tasks from spamming the destination
		// for the whole maintenance window.
		if tenant, ok := m.tenants.ByFolder(folder); ok {
			dest := req.ChatJID
			if dest == "" {
				dest = tenant.JID
			}
			if derr := m.consolidator.DeliverFinal(ctx, dest, maintenanceNotice); derr != nil {
				slog.Error("Failed to deliver maintenance notice", "destination", dest, "error", derr)
			}
		}
		return nil, kerrors.Wrap(kerrors.ErrMaintenance, "invocation refused")
	}

	tenant, ok := m.tenants.ByFolder(folder)
	if !ok {
		return nil, kerrors.NotFound(fmt.Sprintf("tenant %q", folder))
	}

	m.locks.Lock(folder)
	defer m.locks.Unlock(folder)

	dest := req.ChatJID
	if dest == "" {
		dest = tenant.JID
		req.ChatJID = dest
	}
	if req.FreshSession {
		req.SessionToken = ""
	} else if req.SessionToken == "" {
		if token, ok := m.tenants.Session(folder); ok {
			req.SessionToken = token
		}
	}
	if req.SystemPrompt == "" {
		req.SystemPrompt = tenant.SystemPrompt
	}
	if !req.EnableWebSearch {
		req.EnableWebSearch = tenant.EnableWebSearch
	}

	m.consolidator.StartStream(dest)
	defer m.consolidator.StopStream(dest)
	sink := m.progressSink(ctx, dest)

	res, err := m.execute(ctx, tenant, req, sink)
	if err != nil {
		slog.Error("Invocation failed terminally",
			"tenant", folder, "category", kerrors.Category(err), "error", err)
		if derr := m.consolidator.DeliverFinal(ctx, dest, failureNotice); derr != nil {
			slog.Error("Failed to deliver failure notice", "destination", dest, "error", derr)
		}
		return nil, err
	}

	if res.OK() && res.NewSessionToken != "" && !req.FreshSession {
		if serr := m.tenants.SetSession(folder, res.NewSessionToken); serr != nil {
			slog.Error("Failed to persist session token", "tenant", folder, "error", serr)
		}
	}
	m.tenants.TouchActivity(folder, time.Now())

	text := res.Result
	if !res.OK() {
		text = failureNotice
	}
	if derr := m.consolidator.DeliverFinal(ctx, dest, text); derr != nil {
		slog.Error("Failed to deliver final result", "destination", dest, "error", derr)
	}
	return res, nil
}

// execute tries the fast path when eligible, then the sandbox. A fast-path
// failure of any kind falls back to the sandbox rather than to the user.
func (m *Manager) execute(ctx context.Context, tenant *registry.Tenant, req exec.Request, sink exec.Sink) (*exec.Result, error) {
	if m.fastpath != nil && m.fastpath.Eligible(tenant, req) {
		res, err := m.fastpath.Run(ctx, tenant, req, sink)
		if err == nil {
			return res, nil
		}
		slog.Warn("Fast path failed, falling back to sandbox",
			"tenant", tenant.Folder, "category", kerrors.Category(err), "error", err)
	}
	return m.runSandbox(ctx, tenant, req, sink)
}

// runSandbox executes with the classified bounded retry: a stale session
// clears the token and retries immediately; a timeout or non-zero exit
// clears the token and retries after a short backoff. One retry total, then
// the failure is terminal.
func (m *Manager) runSandbox(ctx context.Context, tenant *registry.Tenant, req exec.Request, sink exec.Sink) (*exec.Result, error) {
	res, err := m.sandbox.Run(ctx, tenant, req, sink)
	if err == nil {
		return res, nil
	}
	if !kerrors.Retryable(err) {
		return nil, err
	}

	if cerr := m.tenants.ClearSession(tenant.Folder); cerr != nil {
		slog.Error("Failed to clear session token", "tenant", tenant.Folder, "error", cerr)
	}
	req.SessionToken = ""

	if !kerrors.IsCategory(err, kerrors.ErrSessionStale) {
		slog.Warn("Sandbox failed, retrying fresh after backoff",
			"tenant", tenant.Folder, "category", kerrors.Category(err), "backoff", m.retryBackoff)
		m.sleep(m.retryBackoff)
	} else {
		slog.Warn("Stale session, retrying with fresh session", "tenant", tenant.Folder)
	}

	res, err = m.sandbox.Run(ctx, tenant, req, sink)
	if err != nil {
		return nil, kerrors.Wrap(err, "retry failed")
	}
	return res, nil
}

// progressSink forwards intermediate events through the consolidator.
// Everything here is best-effort; the rate limiter may drop any of it.
func (m *Manager) progressSink(ctx context.Context, dest string) exec.Sink {
	return exec.SinkFunc(func(ev exec.ProgressEvent) {
		var text string
		switch ev.Type {
		case exec.ProgressToolUse:
			text = "Working: " + ev.ToolName
		case exec.ProgressMessage:
			text = ev.Content
		default:
			return
		}
		if text == "" {
			return
		}
		m.consolidator.PushProgress(ctx, dest, text)
	})
}
