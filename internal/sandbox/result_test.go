package sandbox

import (
	"errors"
	"testing"

	kerrors "github.com/harunnryd/kagura/internal/errors"
	"github.com/harunnryd/kagura/internal/exec"
)

func TestParseResultTakesFinalJSONLine(t *testing.T) {
	stdout := []byte(`booting agent
{"type":"tool_use","tool_name":"read_file"}
some free-form log line
{"status":"success","result":"all done","new_session_token":"tok-2","input_tokens":100,"output_tokens":50}
`)
	res, err := ParseResult(stdout)
	if err != nil {
		t.Fatalf("ParseResult failed: %v", err)
	}
	if res.Status != exec.StatusSuccess || res.Result != "all done" {
		t.Errorf("unexpected result %+v", res)
	}
	if res.NewSessionToken != "tok-2" {
		t.Errorf("session token not parsed: %q", res.NewSessionToken)
	}
	if res.InputTokens != 100 || res.OutputTokens != 50 {
		t.Errorf("token counts not parsed: %+v", res)
	}
}

func TestParseResultSkipsTrailingNoise(t *testing.T) {
	stdout := []byte(`{"status":"success","result":"answer"}
shutting down
`)
	res, err := ParseResult(stdout)
	if err != nil {
		t.Fatal(err)
	}
	if res.Result != "answer" {
		t.Errorf("unexpected result %q", res.Result)
	}
}

func TestParseResultNoPayload(t *testing.T) {
	_, err := ParseResult([]byte("just logs\nno json here\n"))
	if !errors.Is(err, kerrors.ErrExecution) {
		t.Errorf("expected execution error, got %v", err)
	}
	_, err = ParseResult(nil)
	if !errors.Is(err, kerrors.ErrExecution) {
		t.Errorf("expected execution error for empty output, got %v", err)
	}
}

func TestStaleSessionDetection(t *testing.T) {
	stale := &exec.Result{Status: exec.StatusError, Error: "Session not found: abc123"}
	if !staleSession(stale) {
		t.Error("expected stale session")
	}
	other := &exec.Result{Status: exec.StatusError, Error: "model overloaded"}
	if staleSession(other) {
		t.Error("generic errors are not stale sessions")
	}
	ok := &exec.Result{Status: exec.StatusSuccess, Result: "session not found in docs"}
	if staleSession(ok) {
		t.Error("successful results are never stale")
	}
}

func TestCappedBuffer(t *testing.T) {
	buf := newCappedBuffer(10)

	if _, err := buf.Write([]byte("12345")); err != nil {
		t.Fatal(err)
	}
	if buf.Truncated() {
		t.Error("should not be truncated yet")
	}

	if _, err := buf.Write([]byte("6789012345")); err != nil {
		t.Fatal(err)
	}
	if !buf.Truncated() {
		t.Error("expected truncation")
	}
	if got := string(buf.Bytes()); got != "1234567890" {
		t.Errorf("unexpected contents %q", got)
	}

	// Further writes are swallowed, never an error.
	if _, err := buf.Write([]byte("more")); err != nil {
		t.Fatal(err)
	}
	if len(buf.Bytes()) != 10 {
		t.Error("buffer grew past its cap")
	}
}
