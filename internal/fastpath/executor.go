package fastpath

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	kerrors "github.com/harunnryd/kagura/internal/errors"
	"github.com/harunnryd/kagura/internal/exec"
	"github.com/harunnryd/kagura/internal/registry"
)

// Executor runs the bounded tool loop for eligible requests. Any error here
// means "use the sandbox instead"; the fast path never surfaces failures to
// the user on its own.
type Executor struct {
	model     Model
	tools     *Toolset
	modelName string
	maxTokens int64
	maxTurns  int
}

type ExecutorConfig struct {
	Model     string
	MaxTokens int64
	MaxTurns  int
}

func NewExecutor(model Model, tools *Toolset, cfg ExecutorConfig) *Executor {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 8
	}
	return &Executor{
		model:     model,
		tools:     tools,
		modelName: cfg.Model,
		maxTokens: cfg.MaxTokens,
		maxTurns:  cfg.MaxTurns,
	}
}

// Eligible reports whether a request may take the fast path. Attachments
// always need the sandbox's filesystem.
func (e *Executor) Eligible(tenant *registry.Tenant, req exec.Request) bool {
	return tenant.EnableFastPath && !req.HasAttachment()
}

// Run executes the tool loop. A nil error means the result is final; the
// fast path never produces a continuation token, so an existing session is
// left untouched.
func (e *Executor) Run(ctx context.Context, tenant *registry.Tenant, req exec.Request, sink exec.Sink) (*exec.Result, error) {
	if sink == nil {
		sink = exec.DiscardSink
	}

	system := req.SystemPrompt
	if system == "" {
		system = tenant.SystemPrompt
	}
	if tenant.Persona != "" {
		system = tenant.Persona + "\n\n" + system
	}

	messages := []Message{{Role: "user", Content: req.Prompt}}
	defs := e.tools.Defs()

	var inputTokens, outputTokens int
	for turn := 0; turn < e.maxTurns; turn++ {
		resp, err := e.model.Generate(ctx, CompletionRequest{
			Model:     e.modelName,
			System:    system,
			MaxTokens: e.maxTokens,
			Messages:  messages,
			Tools:     defs,
		})
		if err != nil {
			return nil, kerrors.Wrap(err, "fast path completion")
		}
		inputTokens += resp.InputTokens
		outputTokens += resp.OutputTokens

		if len(resp.ToolCalls) == 0 {
			slog.Debug("Fast path answered",
				"tenant", tenant.Folder, "turns", turn+1,
				"input_tokens", inputTokens, "output_tokens", outputTokens)
			return &exec.Result{
				Status:       exec.StatusSuccess,
				Result:       resp.Content,
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
			}, nil
		}

		// The assistant turn carries its tool_use blocks so the tool results
		// appended below resolve against them on the next request.
		messages = append(messages, Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			sink.Progress(exec.ProgressEvent{Type: exec.ProgressToolUse, ToolName: tc.Name})

			output, err := e.tools.Execute(ctx, tenant, tc.Name, json.RawMessage(tc.Input))
			if err != nil {
				slog.Warn("Fast path tool failed",
					"tenant", tenant.Folder, "tool", tc.Name, "error", err)
				output = fmt.Sprintf("tool %s failed: %v", tc.Name, err)
			}
			messages = append(messages, Message{
				Role:       "tool",
				Content:    output,
				ToolCallID: tc.ID,
			})
		}
	}

	return nil, kerrors.Execution(fmt.Sprintf("tool loop exceeded %d turns", e.maxTurns))
}
