package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/nevindra/relay"
)

const managedLabel = "relay.sandbox.managed"

// Runner executes skills in docker containers. One Runner is shared by all
// workers; MaxConcurrentExecs is enforced with a semaphore.
type Runner struct {
	cli      *client.Client
	settings relay.SandboxSettings
	repoRoot string
	sem      chan struct{}
	logger   *slog.Logger
	now      func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets a structured logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner connects to the local docker daemon. repoRoot is where project
// workspaces live.
func NewRunner(settings relay.Settings, opts ...RunnerOption) (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect docker daemon: %w", err)
	}
	concurrency := settings.Sandbox.MaxConcurrentExecs
	if concurrency <= 0 {
		concurrency = DefaultPolicy().MaxConcurrentExecs
	}
	r := &Runner{
		cli:      cli,
		settings: settings.Sandbox,
		repoRoot: settings.RepoRoot,
		sem:      make(chan struct{}, concurrency),
		logger:   relay.NopLogger(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Close releases the docker client.
func (r *Runner) Close() error { return r.cli.Close() }

// Exec runs one skill request to completion and persists stdout/stderr and
// meta under the exec's artifacts directory.
func (r *Runner) Exec(ctx context.Context, m *Manifest, req *ExecRequest) (*ExecResult, error) {
	policy := EffectivePolicy(r.settings, m.Limits, req.PolicyOverrides)

	cmd, err := commandShape(req)
	if err != nil {
		return nil, err
	}

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, relay.E(relay.CodeSandboxTimeout, "timed out waiting for an exec slot")
	}

	execID := relay.NewID()
	workspace := projectWorkspace(r.repoRoot, req.ProjectID)
	artifactsDir := filepath.Join(workspace.HostNative, "artifacts", execID)
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return nil, relay.Ef(relay.CodeRuntimeError, "create artifacts dir: %v", err)
	}
	if err := writeInputs(workspace.HostNative, req.Inputs); err != nil {
		return nil, err
	}

	start := r.now()
	res, err := r.runContainer(ctx, execID, workspace, cmd, policy)
	if err != nil {
		return nil, err
	}
	res.ExecID = execID
	res.ArtifactsDir = artifactsDir

	meta := map[string]any{
		"exec_id":     execID,
		"skill_id":    req.SkillID,
		"project_id":  req.ProjectID,
		"status":      res.Status,
		"exit_code":   res.ExitCode,
		"duration_ms": r.now().Sub(start).Milliseconds(),
		"image":       policy.Image,
		"net_mode":    policy.NetMode,
	}
	if data, err := json.MarshalIndent(meta, "", "  "); err == nil {
		if werr := os.WriteFile(filepath.Join(artifactsDir, "meta.json"), data, 0o644); werr != nil {
			r.logger.Warn("write exec meta failed", "exec_id", execID, "error", werr)
		}
	}

	r.logger.Debug("sandbox exec finished",
		"exec_id", execID,
		"skill_id", req.SkillID,
		"status", res.Status,
		"exit_code", res.ExitCode,
		"duration", r.now().Sub(start))
	return res, nil
}

func (r *Runner) runContainer(ctx context.Context, execID string, workspace WorkspacePaths, cmd []string, policy Policy) (*ExecResult, error) {
	cfg := &container.Config{
		Image:      policy.Image,
		Cmd:        cmd,
		WorkingDir: "/workspace",
		Labels:     map[string]string{managedLabel: "true"},
	}
	hostCfg := &container.HostConfig{
		Binds:       []string{workspace.DockerMount + ":/workspace"},
		NetworkMode: container.NetworkMode(policy.NetMode),
		Resources: container.Resources{
			Memory:    int64(policy.MemoryMB) << 20,
			NanoCPUs:  int64(policy.CPUCores * 1e9),
			PidsLimit: &policy.Pids,
		},
	}
	if policy.NetMode != "none" && len(r.settings.PublishPorts) > 0 {
		exposed, bindings, err := nat.ParsePortSpecs(r.settings.PublishPorts)
		if err != nil {
			return nil, relay.Ef(relay.CodeInvalidArgument, "parse publish ports: %v", err)
		}
		cfg.ExposedPorts = exposed
		hostCfg.PortBindings = bindings
	}

	created, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "relay-exec-"+execID)
	if err != nil {
		return nil, relay.Ef(relay.CodeRuntimeError, "create container: %v", err)
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.cli.ContainerRemove(rmCtx, created.ID, container.RemoveOptions{Force: true}); err != nil {
			r.logger.Warn("remove exec container failed", "exec_id", execID, "error", err)
		}
	}()

	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, relay.Ef(relay.CodeRuntimeError, "start container: %v", err)
	}

	stdout := newLimitedWriter(policy.MaxStdoutBytes)
	stderr := newLimitedWriter(policy.MaxStderrBytes)
	logsDone := make(chan error, 1)
	go func() {
		logs, err := r.cli.ContainerLogs(ctx, created.ID, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     true,
		})
		if err != nil {
			logsDone <- err
			return
		}
		defer logs.Close()
		_, err = stdcopy.StdCopy(stdout, stderr, logs)
		logsDone <- err
	}()

	res := &ExecResult{Status: StatusSucceeded}
	timeout := time.Duration(policy.TimeoutMS) * time.Millisecond
	waitCh, errCh := r.cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)

	select {
	case wait := <-waitCh:
		res.ExitCode = int(wait.StatusCode)
		if wait.StatusCode != 0 || wait.Error != nil {
			res.Status = StatusFailed
			if wait.Error != nil {
				res.ErrorReason = wait.Error.Message
			}
		}
	case err := <-errCh:
		return nil, relay.Ef(relay.CodeRuntimeError, "wait container: %v", err)
	case <-time.After(timeout):
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if kerr := r.cli.ContainerKill(killCtx, created.ID, "SIGKILL"); kerr != nil {
			r.logger.Warn("kill timed-out container failed", "exec_id", execID, "error", kerr)
		}
		cancel()
		res.Status = StatusTimeout
		res.ExitCode = -1
		res.ErrorReason = relay.CodeSandboxTimeout
	case <-ctx.Done():
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = r.cli.ContainerKill(killCtx, created.ID, "SIGKILL")
		cancel()
		return nil, relay.E(relay.CodeSandboxTimeout, "exec canceled")
	}

	select {
	case <-logsDone:
	case <-time.After(2 * time.Second):
	}

	res.StdoutTruncated = stdout.truncated
	res.StderrTruncated = stderr.truncated
	res.StdoutPreview = previewText(stdout.Bytes())
	res.StdoutPath = "stdout.txt"
	res.StderrPath = "stderr.txt"
	return res, writeStreams(workspace.HostNative, execID, stdout.Bytes(), stderr.Bytes())
}

func writeInputs(workspaceHost string, inputs map[string]string) error {
	if len(inputs) == 0 {
		return nil
	}
	for name, content := range inputs {
		dst := filepath.Join(workspaceHost, "inputs", filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return relay.Ef(relay.CodeRuntimeError, "create inputs dir: %v", err)
		}
		if err := os.WriteFile(dst, []byte(content), 0o644); err != nil {
			return relay.Ef(relay.CodeRuntimeError, "write input %s: %v", name, err)
		}
	}
	return nil
}

func writeStreams(workspaceHost, execID string, stdout, stderr []byte) error {
	dir := filepath.Join(workspaceHost, "artifacts", execID)
	if err := os.WriteFile(filepath.Join(dir, "stdout.txt"), stdout, 0o644); err != nil {
		return relay.Ef(relay.CodeRuntimeError, "write stdout: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stderr.txt"), stderr, 0o644); err != nil {
		return relay.Ef(relay.CodeRuntimeError, "write stderr: %v", err)
	}
	return nil
}
