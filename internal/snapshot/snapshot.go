// Package snapshot serializes the tenants and tasks visible to one
// invocation into read-only files the sandbox can read without host access.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"

	"github.com/harunnryd/kagura/internal/registry"
	"github.com/harunnryd/kagura/internal/task"
)

// GroupInfo is one tenant entry as seen by the sandbox.
type GroupInfo struct {
	JID          string    `json:"jid"`
	Name         string    `json:"name"`
	LastActivity time.Time `json:"lastActivity"`
	IsRegistered bool      `json:"isRegistered"`
}

// GroupsSnapshot lists the tenants visible to the invoking tenant.
type GroupsSnapshot struct {
	Groups []GroupInfo `json:"groups"`
}

// TaskInfo is one task entry as seen by the sandbox.
type TaskInfo struct {
	ID            string     `json:"id"`
	GroupFolder   string     `json:"groupFolder"`
	Prompt        string     `json:"prompt"`
	ScheduleType  string     `json:"schedule_type"`
	ScheduleValue string     `json:"schedule_value"`
	Status        string     `json:"status"`
	NextRun       *time.Time `json:"next_run"`
}

// TasksSnapshot lists the tasks visible to the invoking tenant.
type TasksSnapshot struct {
	Tasks []TaskInfo `json:"tasks"`
}

// Writer regenerates tenant-scoped snapshot documents before each sandbox
// invocation. The main tenant sees everything; others see only themselves.
type Writer struct {
	tenants *registry.Store
	tasks   *task.Store
}

func NewWriter(tenants *registry.Store, tasks *task.Store) *Writer {
	return &Writer{tenants: tenants, tasks: tasks}
}

// Write places groups.json and tasks.json into dir, scoped to folder.
func (w *Writer) Write(dir, folder string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	groups := w.Groups(folder)
	if err := writeDoc(filepath.Join(dir, "groups.json"), groups); err != nil {
		return fmt.Errorf("write groups snapshot: %w", err)
	}

	tasks := w.Tasks(folder)
	if err := writeDoc(filepath.Join(dir, "tasks.json"), tasks); err != nil {
		return fmt.Errorf("write tasks snapshot: %w", err)
	}
	return nil
}

// Groups builds the tenant view for folder.
func (w *Writer) Groups(folder string) GroupsSnapshot {
	isMain := w.tenants.IsMain(folder)
	var out GroupsSnapshot
	for _, t := range w.tenants.All() {
		if !isMain && t.Folder != folder {
			continue
		}
		out.Groups = append(out.Groups, GroupInfo{
			JID:          t.JID,
			Name:         t.Name,
			LastActivity: t.LastActivity,
			IsRegistered: true,
		})
	}
	return out
}

// Tasks builds the task view for folder.
func (w *Writer) Tasks(folder string) TasksSnapshot {
	isMain := w.tenants.IsMain(folder)
	var out TasksSnapshot
	for _, t := range w.tasks.All() {
		if !isMain && t.GroupFolder != folder {
			continue
		}
		out.Tasks = append(out.Tasks, TaskInfo{
			ID:            t.ID,
			GroupFolder:   t.GroupFolder,
			Prompt:        t.Prompt,
			ScheduleType:  t.ScheduleType,
			ScheduleValue: t.ScheduleValue,
			Status:        t.Status,
			NextRun:       t.NextRun,
		})
	}
	return out
}

func writeDoc(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(data))
}
