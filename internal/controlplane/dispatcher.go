package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	kerrors "github.com/harunnryd/kagura/internal/errors"
	"github.com/harunnryd/kagura/internal/ratelimit"
	"github.com/harunnryd/kagura/internal/registry"
	"github.com/harunnryd/kagura/internal/task"
)

// Clock returns the current time; injected so tests control schedules.
type Clock func() time.Time

// Dispatcher authorizes and executes control messages. It is shared by the
// file watcher and the fast-path tool surface, so both go through the same
// authorization contract.
type Dispatcher struct {
	tenants *registry.Store
	tasks   *task.Store
	sender  ratelimit.Sender
	clock   Clock

	// onRegister is invoked after a tenant registration so the watcher can
	// create and watch the new inbox.
	onRegister func(folder string)
}

func NewDispatcher(tenants *registry.Store, tasks *task.Store, sender ratelimit.Sender, clock Clock) *Dispatcher {
	if clock == nil {
		clock = time.Now
	}
	return &Dispatcher{
		tenants: tenants,
		tasks:   tasks,
		sender:  sender,
		clock:   clock,
	}
}

// OnRegister sets the callback invoked after a successful tenant registration.
func (d *Dispatcher) OnRegister(fn func(folder string)) {
	d.onRegister = fn
}

// Dispatch authorizes the message against its stamped source and executes it.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *ControlMessage) error {
	if err := d.authorize(msg); err != nil {
		return err
	}

	switch msg.Type {
	case TypeMessage:
		return d.deliverMessage(ctx, msg)
	case TypeScheduleTask:
		return d.scheduleTask(msg)
	case TypePauseTask:
		return d.tasks.Pause(msg.TaskID)
	case TypeResumeTask:
		return d.tasks.Resume(msg.TaskID)
	case TypeCancelTask:
		return d.tasks.Cancel(msg.TaskID)
	case TypeRegisterGroup:
		return d.registerGroup(msg)
	default:
		return kerrors.Validation(fmt.Sprintf("unknown control message type %q", msg.Type))
	}
}

// authorize enforces the cross-tenant rules: a non-main tenant may only
// target its own folder for task operations and may only deliver chat
// messages on behalf of itself; the main tenant may target any tenant.
func (d *Dispatcher) authorize(msg *ControlMessage) error {
	if msg.IsMain {
		return nil
	}

	switch msg.Type {
	case TypeRegisterGroup:
		return kerrors.Authorization(
			fmt.Sprintf("register_group from non-main tenant %q", msg.SourceGroup))

	case TypeMessage:
		tenant, ok := d.tenants.ByFolder(msg.SourceGroup)
		if !ok {
			return kerrors.Authorization(fmt.Sprintf("unknown source tenant %q", msg.SourceGroup))
		}
		if msg.JID != tenant.JID {
			return kerrors.Authorization(
				fmt.Sprintf("tenant %q may not deliver to chat %q", msg.SourceGroup, msg.JID))
		}

	case TypeScheduleTask:
		if msg.GroupFolder != "" && msg.GroupFolder != msg.SourceGroup {
			return kerrors.Authorization(
				fmt.Sprintf("tenant %q may not schedule for %q", msg.SourceGroup, msg.GroupFolder))
		}

	case TypePauseTask, TypeResumeTask, TypeCancelTask:
		t, err := d.tasks.Get(msg.TaskID)
		if err != nil {
			return kerrors.Authorization(
				fmt.Sprintf("tenant %q targets unknown task %q", msg.SourceGroup, msg.TaskID))
		}
		if t.GroupFolder != msg.SourceGroup {
			return kerrors.Authorization(
				fmt.Sprintf("tenant %q may not modify task %q owned by %q",
					msg.SourceGroup, msg.TaskID, t.GroupFolder))
		}
	}
	return nil
}

func (d *Dispatcher) deliverMessage(ctx context.Context, msg *ControlMessage) error {
	if err := d.sender.SendMessage(ctx, msg.JID, msg.Text); err != nil {
		return kerrors.Wrap(err, "deliver control-plane message")
	}
	slog.Debug("Control-plane message delivered", "source", msg.SourceGroup, "jid", msg.JID)
	return nil
}

func (d *Dispatcher) scheduleTask(msg *ControlMessage) error {
	folder := msg.GroupFolder
	if folder == "" {
		folder = msg.SourceGroup
	}
	tenant, ok := d.tenants.ByFolder(folder)
	if !ok {
		return kerrors.NotFound(fmt.Sprintf("tenant %q", folder))
	}

	chatJID := msg.ChatJID
	if chatJID == "" {
		chatJID = tenant.JID
	}

	t, err := d.tasks.Create(folder, chatJID, msg.Prompt, msg.ScheduleType, msg.ScheduleValue, msg.ContextMode, d.clock())
	if err != nil {
		return err
	}
	slog.Info("Task scheduled via control plane",
		"task_id", t.ID, "group", folder, "schedule_type", t.ScheduleType, "next_run", t.NextRun)
	return nil
}

func (d *Dispatcher) registerGroup(msg *ControlMessage) error {
	t, err := d.tenants.Register(msg.JID, msg.Folder, msg.Name)
	if err != nil {
		return err
	}
	if msg.Trigger {
		settings := registry.Settings{Name: t.Name, RequireTrigger: true}
		if err := d.tenants.UpdateSettings(t.Folder, settings); err != nil {
			return err
		}
	}
	if d.onRegister != nil {
		d.onRegister(t.Folder)
	}
	slog.Info("Tenant registered via control plane", "folder", t.Folder, "jid", t.JID)
	return nil
}
