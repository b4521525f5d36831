package sandbox

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// WorkspacePaths is a workspace root in both the host-native form used for
// file IO and the form handed to the docker daemon as a bind source. The two
// differ when the daemon runs inside WSL but the process sees Windows paths.
type WorkspacePaths struct {
	HostNative  string `json:"host_native"`
	DockerMount string `json:"docker_mount"`
}

var driveRe = regexp.MustCompile(`^([A-Za-z]):[\\/]`)

// AdaptPath produces both forms for a host path. Windows drive paths map to
// their /mnt/<drive> WSL equivalents; everything else passes through.
func AdaptPath(hostPath string) WorkspacePaths {
	native := filepath.Clean(hostPath)
	mount := native
	if m := driveRe.FindStringSubmatch(hostPath); m != nil {
		rest := strings.ReplaceAll(hostPath[len(m[0]):], `\`, "/")
		mount = fmt.Sprintf("/mnt/%s/%s", strings.ToLower(m[1]), rest)
		mount = strings.TrimRight(mount, "/")
	}
	return WorkspacePaths{HostNative: native, DockerMount: mount}
}

// projectWorkspace resolves the per-project workspace under the repo root.
func projectWorkspace(repoRoot, projectID string) WorkspacePaths {
	return AdaptPath(filepath.Join(repoRoot, "projects", projectID))
}
