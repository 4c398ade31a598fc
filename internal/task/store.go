// Package task persists scheduled jobs and evaluates their cron, interval,
// and one-shot schedules. The store is the single source of truth for
// schedule state; the scheduler re-reads it every tick.
package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/oklog/ulid/v2"

	kerrors "github.com/harunnryd/kagura/internal/errors"
)

// Task statuses.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// Task is one scheduled prompt execution owned by a tenant.
type Task struct {
	ID            string     `json:"id"`
	GroupFolder   string     `json:"group_folder"`
	ChatJID       string     `json:"chat_jid"`
	Prompt        string     `json:"prompt"`
	ScheduleType  string     `json:"schedule_type"`
	ScheduleValue string     `json:"schedule_value"`
	ContextMode   string     `json:"context_mode"`
	Status        string     `json:"status"`
	NextRun       *time.Time `json:"next_run,omitempty"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	Flagged       bool       `json:"flagged,omitempty"` // owner tenant missing at tick time
}

// RunRecord is one appended run-log entry.
type RunRecord struct {
	TaskID   string        `json:"task_id"`
	Status   string        `json:"status"`
	Duration time.Duration `json:"duration_ms"`
	Error    string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}

type taskList struct {
	Tasks map[string]*Task `json:"tasks"`
}

// Store is a mutex-guarded JSON-file task store with atomic writes.
type Store struct {
	path    string
	logPath string
	loc     *time.Location

	mu   sync.RWMutex
	data taskList
}

func NewStore(path, logPath string, loc *time.Location) (*Store, error) {
	if loc == nil {
		loc = time.UTC
	}
	s := &Store{
		path:    path,
		logPath: logPath,
		loc:     loc,
		data:    taskList{Tasks: make(map[string]*Task)},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Location returns the time zone all schedules are evaluated in.
func (s *Store) Location() *time.Location {
	return s.loc
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(content) == 0 {
		return nil
	}
	if err := json.Unmarshal(content, &s.data); err != nil {
		return err
	}
	if s.data.Tasks == nil {
		s.data.Tasks = make(map[string]*Task)
	}
	return nil
}

func (s *Store) save() error {
	// Internal save, lock held by caller
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(s.path, bytes.NewReader(b))
}

// Create validates the schedule, computes the initial next_run, and persists
// a new active task.
func (s *Store) Create(groupFolder, chatJID, prompt, scheduleType, scheduleValue, contextMode string, now time.Time) (*Task, error) {
	if err := ValidateSchedule(scheduleType, scheduleValue); err != nil {
		return nil, err
	}
	if contextMode == "" {
		contextMode = ContextIsolated
	}
	if contextMode != ContextIsolated && contextMode != ContextGroup {
		return nil, kerrors.Validation(fmt.Sprintf("unknown context mode %q", contextMode))
	}
	if prompt == "" {
		return nil, kerrors.Validation("task prompt is empty")
	}

	next, err := NextRun(scheduleType, scheduleValue, now, s.loc)
	if err != nil {
		return nil, err
	}

	t := &Task{
		ID:            ulid.Make().String(),
		GroupFolder:   groupFolder,
		ChatJID:       chatJID,
		Prompt:        prompt,
		ScheduleType:  scheduleType,
		ScheduleValue: scheduleValue,
		ContextMode:   contextMode,
		Status:        StatusActive,
		NextRun:       next,
		CreatedAt:     now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Tasks[t.ID] = t
	if err := s.save(); err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

// Get returns a task by id.
func (s *Store) Get(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.data.Tasks[id]
	if !ok {
		return nil, kerrors.NotFound(fmt.Sprintf("task %s", id))
	}
	cp := *t
	return &cp, nil
}

// All returns every task sorted by creation time.
func (s *Store) All() []*Task {
	s.mu.RLock()
	tasks := make([]*Task, 0, len(s.data.Tasks))
	for _, t := range s.data.Tasks {
		cp := *t
		tasks = append(tasks, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks
}

// ByFolder returns every task owned by a tenant folder.
func (s *Store) ByFolder(folder string) []*Task {
	var out []*Task
	for _, t := range s.All() {
		if t.GroupFolder == folder {
			out = append(out, t)
		}
	}
	return out
}

// Due returns active tasks whose next_run is at or before now.
func (s *Store) Due(now time.Time) []*Task {
	var due []*Task
	for _, t := range s.All() {
		if t.Status != StatusActive || t.NextRun == nil {
			continue
		}
		if !t.NextRun.After(now) {
			due = append(due, t)
		}
	}
	return due
}

// Pause marks a task paused. Only status changes.
func (s *Store) Pause(id string) error {
	return s.setStatus(id, StatusPaused)
}

// Resume marks a paused task active again.
func (s *Store) Resume(id string) error {
	return s.setStatus(id, StatusActive)
}

func (s *Store) setStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.data.Tasks[id]
	if !ok {
		return kerrors.NotFound(fmt.Sprintf("task %s", id))
	}
	if t.Status == StatusCompleted {
		return kerrors.Validation(fmt.Sprintf("task %s is completed", id))
	}
	t.Status = status
	return s.save()
}

// Cancel removes a task from the store.
func (s *Store) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Tasks[id]; !ok {
		return kerrors.NotFound(fmt.Sprintf("task %s", id))
	}
	delete(s.data.Tasks, id)
	return s.save()
}

// CompleteRun records a finished execution: updates last_run, recomputes
// next_run from the schedule, completes one-shot tasks, and appends a
// run-log record.
func (s *Store) CompleteRun(id string, now time.Time, runStatus string, duration time.Duration, runErr string) error {
	s.mu.Lock()
	t, ok := s.data.Tasks[id]
	if !ok {
		s.mu.Unlock()
		return kerrors.NotFound(fmt.Sprintf("task %s", id))
	}

	last := now
	t.LastRun = &last
	t.Flagged = false

	if t.ScheduleType == ScheduleOnce {
		t.NextRun = nil
		t.Status = StatusCompleted
	} else {
		next, err := NextRun(t.ScheduleType, t.ScheduleValue, now, s.loc)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		t.NextRun = next
	}

	if err := s.save(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	return s.appendRunLog(RunRecord{
		TaskID:   id,
		Status:   runStatus,
		Duration: duration / time.Millisecond,
		Error:    runErr,
		At:       now,
	})
}

// Flag marks a task whose owner tenant is missing so operators can observe
// orphaned tasks. The task is neither deleted nor retried until re-owned.
func (s *Store) Flag(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.data.Tasks[id]
	if !ok {
		return kerrors.NotFound(fmt.Sprintf("task %s", id))
	}
	if t.Flagged {
		return nil
	}
	t.Flagged = true
	return s.save()
}

func (s *Store) appendRunLog(rec RunRecord) error {
	if s.logPath == "" {
		return nil
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}
