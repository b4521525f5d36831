package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/nevindra/relay"
)

// HealthReport summarizes the sandbox environment. Building it never fails;
// unavailable pieces are reported as such.
type HealthReport struct {
	RuntimeOS      string         `json:"runtime_os"`
	RuntimeArch    string         `json:"runtime_arch"`
	Workspace      WorkspacePaths `json:"workspace"`
	WorkspaceWrite bool           `json:"workspace_writable"`
	DockerCLIPath  string         `json:"docker_cli_path,omitempty"`
	DockerVersion  string         `json:"docker_version,omitempty"`
	DockerContext  string         `json:"docker_context,omitempty"`
	DockerInfo     string         `json:"docker_info,omitempty"`
	DockerOK       bool           `json:"docker_ok"`
}

// Health probes docker and the workspace root. Each probe is bounded and
// best-effort.
func Health(ctx context.Context, settings relay.Settings) *HealthReport {
	report := &HealthReport{
		RuntimeOS:   runtime.GOOS,
		RuntimeArch: runtime.GOARCH,
		Workspace:   AdaptPath(filepath.Join(settings.RepoRoot, "projects")),
	}
	report.WorkspaceWrite = writableDir(report.Workspace.HostNative)

	path, err := exec.LookPath("docker")
	if err != nil {
		return report
	}
	report.DockerCLIPath = path
	report.DockerVersion = dockerLine(ctx, "version", "--format", "{{.Server.Version}}")
	report.DockerContext = dockerLine(ctx, "context", "show")
	report.DockerInfo = dockerLine(ctx, "info", "--format", "{{.OperatingSystem}} / {{.ServerVersion}}")
	report.DockerOK = report.DockerVersion != ""
	return report
}

func dockerLine(ctx context.Context, args ...string) string {
	cmdCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(cmdCtx, "docker", args...).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func writableDir(dir string) bool {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	probe := filepath.Join(dir, ".write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return false
	}
	_ = os.Remove(probe)
	return true
}
