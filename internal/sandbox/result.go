package sandbox

import (
	"bytes"
	"encoding/json"
	"strings"

	kerrors "github.com/harunnryd/kagura/internal/errors"
	"github.com/harunnryd/kagura/internal/exec"
)

// ParseResult extracts the structured outcome from the agent's stdout. The
// agent prints progress lines while running and exactly one result object as
// its final JSON line; everything else on stdout is ignored.
func ParseResult(stdout []byte) (*exec.Result, error) {
	lines := bytes.Split(stdout, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var res exec.Result
		if err := json.Unmarshal(line, &res); err != nil {
			continue
		}
		if res.Status == "" {
			continue
		}
		return &res, nil
	}
	return nil, kerrors.Execution("no result payload in agent output")
}

// staleSession reports whether an agent error indicates the continuation
// token no longer resolves to a live session.
func staleSession(res *exec.Result) bool {
	return res.Status == exec.StatusError &&
		strings.Contains(strings.ToLower(res.Error), "session not found")
}
