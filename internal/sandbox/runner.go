// Package sandbox runs one containerized agent invocation per request. Each
// invocation gets a fresh container bind-mounted onto the tenant's workdir;
// the container is the isolation boundary between tenants.
package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/shlex"
	"github.com/oklog/ulid/v2"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	kerrors "github.com/harunnryd/kagura/internal/errors"
	"github.com/harunnryd/kagura/internal/exec"
	"github.com/harunnryd/kagura/internal/registry"
)

// requestPath is where the agent finds its invocation payload inside the
// container.
const requestPath = "/workspace/ipc/request.json"

// hostEnvForward lists host variables always forwarded into the container.
var hostEnvForward = []string{"ANTHROPIC_API_KEY", "TZ"}

// Snapshotter regenerates the state documents the agent reads from its ipc
// directory. Wired to the snapshot writer.
type Snapshotter interface {
	Write(dir, folder string) error
}

// ContainerAPI is the slice of the docker client the runner needs. Tests
// substitute a fake.
type ContainerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Config carries the resolved sandbox settings.
type Config struct {
	Image          string
	MemoryMB       int64
	NetworkMode    string
	AgentCommand   string
	Timeout        time.Duration
	StopGrace      time.Duration
	MaxOutputBytes int64
	WorkdirBase    string
	ExtraEnv       []string
}

// Runner executes agent invocations in ephemeral containers.
type Runner struct {
	api      ContainerAPI
	cfg      Config
	snapshot Snapshotter
}

// SetSnapshotter installs the pre-invocation state snapshot writer.
func (r *Runner) SetSnapshotter(s Snapshotter) {
	r.snapshot = s
}

func NewRunner(cfg Config) (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return NewRunnerWithClient(cfg, cli), nil
}

// NewRunnerWithClient builds a runner over an existing container API.
func NewRunnerWithClient(cfg Config, api ContainerAPI) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Minute
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 4 * 1024 * 1024
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "bridge"
	}
	return &Runner{api: api, cfg: cfg}
}

// Run executes one agent invocation for a tenant and returns its structured
// result. Infrastructure failures (timeout, crash, unusable output) come back
// as errors; an agent-reported failure comes back as a result with error
// status, except a stale continuation token which surfaces as an error so the
// caller can clear the token and retry.
func (r *Runner) Run(ctx context.Context, tenant *registry.Tenant, req exec.Request, sink exec.Sink) (*exec.Result, error) {
	if sink == nil {
		sink = exec.DiscardSink
	}
	image, memoryMB, command := r.resolve(tenant)

	workdir, err := EnsureWorkdir(r.cfg.WorkdirBase, tenant.Folder)
	if err != nil {
		return nil, kerrors.Wrap(err, "prepare workdir")
	}
	if err := r.writeRequest(workdir, req); err != nil {
		return nil, err
	}
	if r.snapshot != nil {
		if err := r.snapshot.Write(filepath.Join(workdir, "ipc"), tenant.Folder); err != nil {
			slog.Warn("Failed to write state snapshot", "tenant", tenant.Folder, "error", err)
		}
	}

	argv, err := shlex.Split(command)
	if err != nil || len(argv) == 0 {
		return nil, kerrors.Validation(fmt.Sprintf("invalid agent command %q", command))
	}

	invocation := ulid.Make().String()
	name := fmt.Sprintf("kagura-%s-%s", tenant.Folder, strings.ToLower(invocation))

	created, err := r.api.ContainerCreate(ctx, &container.Config{
		Image:      image,
		Cmd:        argv,
		WorkingDir: "/workspace",
		Env:        r.buildEnv(tenant, req),
		Labels: map[string]string{
			"kagura.tenant":     tenant.Folder,
			"kagura.invocation": invocation,
		},
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: memoryMB * 1024 * 1024,
		},
		NetworkMode: container.NetworkMode(r.cfg.NetworkMode),
		Binds:       []string{workdir + ":/workspace"},
	}, nil, nil, name)
	if err != nil {
		return nil, kerrors.Wrap(err, "create container")
	}
	id := created.ID
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.api.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil {
			slog.Warn("Failed to remove sandbox container", "container", id, "error", err)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if err := r.api.ContainerStart(runCtx, id, container.StartOptions{}); err != nil {
		return nil, kerrors.Wrap(err, "start container")
	}
	slog.Info("Sandbox started",
		"tenant", tenant.Folder, "invocation", invocation, "image", image)

	stdout := newCappedBuffer(r.cfg.MaxOutputBytes)
	stderr := newCappedBuffer(r.cfg.MaxOutputBytes)
	logDone := r.streamLogs(runCtx, id, stdout, stderr, sink)

	statusCh, errCh := r.api.ContainerWait(runCtx, id, container.WaitConditionNotRunning)

	var exitCode int64
	select {
	case werr := <-errCh:
		if runCtx.Err() != nil {
			r.terminate(id)
			<-logDone
			return nil, kerrors.Timeout(fmt.Sprintf("sandbox exceeded %s", r.cfg.Timeout))
		}
		<-logDone
		return nil, kerrors.Wrap(werr, "wait for container")
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-runCtx.Done():
		r.terminate(id)
		<-logDone
		return nil, kerrors.Timeout(fmt.Sprintf("sandbox exceeded %s", r.cfg.Timeout))
	}
	<-logDone

	if stdout.Truncated() || stderr.Truncated() {
		return nil, kerrors.Execution(
			fmt.Sprintf("agent output exceeded %d bytes", r.cfg.MaxOutputBytes))
	}
	if exitCode != 0 {
		return nil, kerrors.Execution(fmt.Sprintf("agent exited with code %d: %s",
			exitCode, tail(stderr.Bytes(), 512)))
	}

	res, err := ParseResult(stdout.Bytes())
	if err != nil {
		return nil, err
	}
	if staleSession(res) {
		return nil, kerrors.SessionStale(res.Error)
	}

	slog.Info("Sandbox finished",
		"tenant", tenant.Folder, "invocation", invocation,
		"status", res.Status, "input_tokens", res.InputTokens, "output_tokens", res.OutputTokens)
	return res, nil
}

// resolve applies the per-tenant sandbox override on top of the defaults.
func (r *Runner) resolve(tenant *registry.Tenant) (image string, memoryMB int64, command string) {
	image = r.cfg.Image
	memoryMB = r.cfg.MemoryMB
	command = r.cfg.AgentCommand
	if o := tenant.Sandbox; o != nil {
		if o.Image != "" {
			image = o.Image
		}
		if o.MemoryMB > 0 {
			memoryMB = o.MemoryMB
		}
		if o.Command != "" {
			command = o.Command
		}
	}
	return image, memoryMB, command
}

func (r *Runner) writeRequest(workdir string, req exec.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return kerrors.Wrap(err, "marshal request")
	}
	path := filepath.Join(workdir, "ipc", "request.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return kerrors.Wrap(err, "write request file")
	}
	return nil
}

// buildEnv assembles the container environment: the fixed forward list, the
// configured extras, and the invocation variables. Nothing else from the host
// environment leaks in.
func (r *Runner) buildEnv(tenant *registry.Tenant, req exec.Request) []string {
	env := make([]string, 0, len(hostEnvForward)+len(r.cfg.ExtraEnv)+4)
	for _, key := range hostEnvForward {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	for _, entry := range r.cfg.ExtraEnv {
		if strings.Contains(entry, "=") {
			env = append(env, entry)
			continue
		}
		if val, ok := os.LookupEnv(entry); ok {
			env = append(env, entry+"="+val)
		}
	}
	env = append(env,
		"KAGURA_GROUP_FOLDER="+tenant.Folder,
		"KAGURA_REQUEST="+requestPath,
	)
	if req.SessionToken != "" {
		env = append(env, "KAGURA_SESSION_TOKEN="+req.SessionToken)
	}
	if req.EnableWebSearch {
		env = append(env, "KAGURA_WEB_SEARCH=1")
	}
	return env
}

// streamLogs follows container output while it runs, mirroring stdout into
// the result buffer and surfacing progress lines to the sink as they appear.
func (r *Runner) streamLogs(ctx context.Context, id string, stdout, stderr *cappedBuffer, sink exec.Sink) <-chan struct{} {
	done := make(chan struct{})
	logs, err := r.api.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		slog.Warn("Failed to attach to sandbox logs", "container", id, "error", err)
		close(done)
		return done
	}

	pr, pw := io.Pipe()
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer pw.Close()
		_, _ = stdcopy.StdCopy(io.MultiWriter(stdout, pw), stderr, logs)
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			emitProgress(scanner.Bytes(), sink)
		}
		_, _ = io.Copy(io.Discard, pr)
	}()

	go func() {
		wg.Wait()
		_ = logs.Close()
		close(done)
	}()
	return done
}

// emitProgress forwards a stdout line to the sink when it decodes as a
// progress event. The final result line carries a status instead of a type
// and is skipped here.
func emitProgress(line []byte, sink exec.Sink) {
	line = []byte(strings.TrimSpace(string(line)))
	if len(line) == 0 || line[0] != '{' {
		return
	}
	var ev exec.ProgressEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return
	}
	if ev.Type != exec.ProgressToolUse && ev.Type != exec.ProgressMessage {
		return
	}
	sink.Progress(ev)
}

// terminate stops a timed-out container gracefully, escalating to SIGKILL if
// the grace period is exhausted.
func (r *Runner) terminate(id string) {
	stopCtx, cancel := context.WithTimeout(context.Background(), r.cfg.StopGrace+10*time.Second)
	defer cancel()

	graceSecs := int(r.cfg.StopGrace / time.Second)
	if err := r.api.ContainerStop(stopCtx, id, container.StopOptions{Timeout: &graceSecs}); err != nil {
		slog.Warn("Graceful stop failed, killing container", "container", id, "error", err)
		if err := r.api.ContainerKill(stopCtx, id, "SIGKILL"); err != nil {
			slog.Error("Failed to kill container", "container", id, "error", err)
		}
	}
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
