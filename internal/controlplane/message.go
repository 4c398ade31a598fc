// Package controlplane implements the file-based asynchronous channel
// through which sandboxes request host-side actions.
package controlplane

import (
	"encoding/json"
	"fmt"

	kerrors "github.com/harunnryd/kagura/internal/errors"
)

// Control message types.
const (
	TypeMessage       = "message"
	TypeScheduleTask  = "schedule_task"
	TypePauseTask     = "pause_task"
	TypeResumeTask    = "resume_task"
	TypeCancelTask    = "cancel_task"
	TypeRegisterGroup = "register_group"
)

// ControlMessage is the strict tagged union parsed at the boundary. Payloads
// that do not match a known variant are rejected before they reach any
// handler. SourceGroup and IsMain are stamped by the watcher from the inbox
// location; they are never read from the payload.
type ControlMessage struct {
	Type string `json:"type"`

	// message
	JID  string `json:"jid,omitempty"`
	Text string `json:"text,omitempty"`

	// schedule_task
	GroupFolder   string `json:"groupFolder,omitempty"`
	ChatJID       string `json:"chatJid,omitempty"`
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"schedule_type,omitempty"`
	ScheduleValue string `json:"schedule_value,omitempty"`
	ContextMode   string `json:"context_mode,omitempty"`

	// pause_task / resume_task / cancel_task
	TaskID string `json:"taskId,omitempty"`

	// register_group
	Name    string `json:"name,omitempty"`
	Folder  string `json:"folder,omitempty"`
	Trigger bool   `json:"trigger,omitempty"`

	// Stamped by the watcher, never trusted from the payload.
	SourceGroup string `json:"-"`
	IsMain      bool   `json:"-"`
}

// ParseMessage decodes and shape-validates one control-plane payload.
func ParseMessage(data []byte) (*ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, kerrors.Validation(fmt.Sprintf("unparsable control message: %v", err))
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate checks the payload shape for the declared variant.
func (m *ControlMessage) Validate() error {
	switch m.Type {
	case TypeMessage:
		if m.JID == "" {
			return kerrors.Validation("message: jid is required")
		}
		if m.Text == "" {
			return kerrors.Validation("message: text is required")
		}
	case TypeScheduleTask:
		if m.Prompt == "" {
			return kerrors.Validation("schedule_task: prompt is required")
		}
		if m.ScheduleType == "" || m.ScheduleValue == "" {
			return kerrors.Validation("schedule_task: schedule_type and schedule_value are required")
		}
	case TypePauseTask, TypeResumeTask, TypeCancelTask:
		if m.TaskID == "" {
			return kerrors.Validation(m.Type + ": taskId is required")
		}
	case TypeRegisterGroup:
		if m.JID == "" || m.Folder == "" {
			return kerrors.Validation("register_group: jid and folder are required")
		}
	default:
		return kerrors.Validation(fmt.Sprintf("unknown control message type %q", m.Type))
	}
	return nil
}
