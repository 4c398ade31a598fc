package fastpath

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/kagura/internal/controlplane"
	kerrors "github.com/harunnryd/kagura/internal/errors"
	"github.com/harunnryd/kagura/internal/registry"
)

// The fast path never gets the sandbox's open-ended tool surface. These three
// are the whole allowlist.
const (
	toolSearch        = "search"
	toolScheduleTask  = "schedule_task"
	toolSetPreference = "set_preference"
)

const (
	searchMaxMatches = 20
	searchMaxLine    = 300
)

// Toolset executes the allowlisted tools host-side. Mutations route through
// the control-plane dispatcher with the caller's identity stamped internally,
// so the fast path obeys the same authorization contract as inbox files.
type Toolset struct {
	tenants     *registry.Store
	dispatcher  *controlplane.Dispatcher
	workdirBase string
}

func NewToolset(tenants *registry.Store, dispatcher *controlplane.Dispatcher, workdirBase string) *Toolset {
	return &Toolset{
		tenants:     tenants,
		dispatcher:  dispatcher,
		workdirBase: workdirBase,
	}
}

// Defs returns the tool definitions offered to the model.
func (ts *Toolset) Defs() []ToolDef {
	return []ToolDef{
		{
			Name:        toolSearch,
			Description: "Search the group's knowledge files for a phrase. Returns matching lines with their file names.",
			Parameters: map[string]interface{}{
				"properties": map[string]interface{}{
					"query": map[string]interface{}{"type": "string", "description": "Phrase to search for"},
				},
			},
		},
		{
			Name:        toolScheduleTask,
			Description: "Schedule a recurring or one-shot task for this group. schedule_type is cron, interval, or once.",
			Parameters: map[string]interface{}{
				"properties": map[string]interface{}{
					"prompt":         map[string]interface{}{"type": "string", "description": "What the task should do when it runs"},
					"schedule_type":  map[string]interface{}{"type": "string", "description": "cron, interval, or once"},
					"schedule_value": map[string]interface{}{"type": "string", "description": "Cron expression, interval in milliseconds, or RFC3339 timestamp"},
					"context_mode":   map[string]interface{}{"type": "string", "description": "group to share the chat session, isolated for a fresh one"},
				},
			},
		},
		{
			Name:        toolSetPreference,
			Description: "Set a group preference. Keys: persona, system_prompt, require_trigger, web_search, fast_path.",
			Parameters: map[string]interface{}{
				"properties": map[string]interface{}{
					"key":   map[string]interface{}{"type": "string", "description": "Preference key"},
					"value": map[string]interface{}{"type": "string", "description": "Preference value; booleans as true or false"},
				},
			},
		},
	}
}

// Execute runs one allowlisted tool on behalf of a tenant. Unknown names are
// rejected, not forwarded anywhere.
func (ts *Toolset) Execute(ctx context.Context, tenant *registry.Tenant, name string, input json.RawMessage) (string, error) {
	switch name {
	case toolSearch:
		return ts.search(tenant, input)
	case toolScheduleTask:
		return ts.scheduleTask(ctx, tenant, input)
	case toolSetPreference:
		return ts.setPreference(tenant, input)
	default:
		return "", kerrors.Validation(fmt.Sprintf("tool %q not allowed on fast path", name))
	}
}

func (ts *Toolset) search(tenant *registry.Tenant, input json.RawMessage) (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(input, &args); err != nil || strings.TrimSpace(args.Query) == "" {
		return "", kerrors.Validation("search: query is required")
	}
	query := strings.ToLower(args.Query)

	dir := filepath.Join(ts.workdirBase, tenant.Folder, "knowledge")
	var matches []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || len(matches) >= searchMaxMatches {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()

		rel, _ := filepath.Rel(dir, path)
		scanner := bufio.NewScanner(f)
		for scanner.Scan() && len(matches) < searchMaxMatches {
			line := scanner.Text()
			if strings.Contains(strings.ToLower(line), query) {
				if len(line) > searchMaxLine {
					line = line[:searchMaxLine] + "..."
				}
				matches = append(matches, rel+": "+strings.TrimSpace(line))
			}
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return "", kerrors.Wrap(err, "search knowledge")
	}

	if len(matches) == 0 {
		return "no matches", nil
	}
	return strings.Join(matches, "\n"), nil
}

func (ts *Toolset) scheduleTask(ctx context.Context, tenant *registry.Tenant, input json.RawMessage) (string, error) {
	var args struct {
		Prompt        string `json:"prompt"`
		ScheduleType  string `json:"schedule_type"`
		ScheduleValue string `json:"schedule_value"`
		ContextMode   string `json:"context_mode"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", kerrors.Validation("schedule_task: invalid arguments")
	}

	msg := &controlplane.ControlMessage{
		Type:          controlplane.TypeScheduleTask,
		Prompt:        args.Prompt,
		ScheduleType:  args.ScheduleType,
		ScheduleValue: args.ScheduleValue,
		ContextMode:   args.ContextMode,
		SourceGroup:   tenant.Folder,
		IsMain:        ts.tenants.IsMain(tenant.Folder),
	}
	if err := msg.Validate(); err != nil {
		return "", err
	}
	if err := ts.dispatcher.Dispatch(ctx, msg); err != nil {
		return "", err
	}
	return "task scheduled", nil
}

func (ts *Toolset) setPreference(tenant *registry.Tenant, input json.RawMessage) (string, error) {
	var args struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(input, &args); err != nil || args.Key == "" {
		return "", kerrors.Validation("set_preference: key is required")
	}

	current, ok := ts.tenants.ByFolder(tenant.Folder)
	if !ok {
		return "", kerrors.NotFound(fmt.Sprintf("tenant %q", tenant.Folder))
	}
	settings := registry.Settings{
		Name:            current.Name,
		RequireTrigger:  current.RequireTrigger,
		EnableWebSearch: current.EnableWebSearch,
		EnableFastPath:  current.EnableFastPath,
		Persona:         current.Persona,
		SystemPrompt:    current.SystemPrompt,
		Sandbox:         current.Sandbox,
	}

	boolVal := strings.EqualFold(args.Value, "true")
	switch args.Key {
	case "persona":
		settings.Persona = args.Value
	case "system_prompt":
		settings.SystemPrompt = args.Value
	case "require_trigger":
		settings.RequireTrigger = boolVal
	case "web_search":
		settings.EnableWebSearch = boolVal
	case "fast_path":
		settings.EnableFastPath = boolVal
	default:
		return "", kerrors.Validation(fmt.Sprintf("unknown preference key %q", args.Key))
	}

	if err := ts.tenants.UpdateSettings(tenant.Folder, settings); err != nil {
		return "", err
	}
	return fmt.Sprintf("preference %s updated", args.Key), nil
}
