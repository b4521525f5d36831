// Package sandbox executes skills inside containers under a merged policy.
// It also owns the skill manifest registry and the health probe for the
// skill-invoke surface.
package sandbox

import (
	"github.com/nevindra/relay"
)

// Policy is the effective execution limit set for one exec. It is the deep
// merge, in order, of system defaults, settings, manifest limits, and
// request-level overrides.
type Policy struct {
	TimeoutMS              int     `json:"timeout_ms"`
	MaxStdoutBytes         int64   `json:"max_stdout_bytes"`
	MaxStderrBytes         int64   `json:"max_stderr_bytes"`
	MaxArtifactsBytesTotal int64   `json:"max_artifacts_bytes_total"`
	MemoryMB               int     `json:"memory_mb"`
	CPUCores               float64 `json:"cpu_cores"`
	Pids                   int64   `json:"pids"`
	NetMode                string  `json:"net_mode"`
	MaxConcurrentExecs     int     `json:"max_concurrent_execs"`
	Image                  string  `json:"image"`
}

// DefaultPolicy is the system baseline, below all other layers.
func DefaultPolicy() Policy {
	return Policy{
		TimeoutMS:              30_000,
		MaxStdoutBytes:         256 << 10,
		MaxStderrBytes:         256 << 10,
		MaxArtifactsBytesTotal: 64 << 20,
		MemoryMB:               512,
		CPUCores:               1,
		Pids:                   128,
		NetMode:                "none",
		MaxConcurrentExecs:     2,
		Image:                  "python:3.12-slim",
	}
}

// fromSettings lifts the sandbox settings section into a policy overlay.
func fromSettings(s relay.SandboxSettings) Policy {
	return Policy{
		TimeoutMS:          s.TimeoutSeconds * 1000,
		MaxStdoutBytes:     s.MaxStdoutBytes,
		MaxStderrBytes:     s.MaxStdoutBytes,
		MemoryMB:           s.MemoryMB,
		CPUCores:           s.CPUs,
		NetMode:            s.NetMode,
		MaxConcurrentExecs: s.MaxConcurrentExecs,
		Image:              s.Image,
	}
}

// merge applies the non-zero fields of overlay on top of p.
func (p Policy) merge(overlay Policy) Policy {
	if overlay.TimeoutMS > 0 {
		p.TimeoutMS = overlay.TimeoutMS
	}
	if overlay.MaxStdoutBytes > 0 {
		p.MaxStdoutBytes = overlay.MaxStdoutBytes
	}
	if overlay.MaxStderrBytes > 0 {
		p.MaxStderrBytes = overlay.MaxStderrBytes
	}
	if overlay.MaxArtifactsBytesTotal > 0 {
		p.MaxArtifactsBytesTotal = overlay.MaxArtifactsBytesTotal
	}
	if overlay.MemoryMB > 0 {
		p.MemoryMB = overlay.MemoryMB
	}
	if overlay.CPUCores > 0 {
		p.CPUCores = overlay.CPUCores
	}
	if overlay.Pids > 0 {
		p.Pids = overlay.Pids
	}
	if overlay.NetMode != "" {
		p.NetMode = overlay.NetMode
	}
	if overlay.MaxConcurrentExecs > 0 {
		p.MaxConcurrentExecs = overlay.MaxConcurrentExecs
	}
	if overlay.Image != "" {
		p.Image = overlay.Image
	}
	return p
}

// policyFromMap lifts a loosely typed limits mapping (manifest limits or
// request policy_overrides) into a policy overlay. Unknown keys are ignored.
func policyFromMap(m map[string]any) Policy {
	var p Policy
	if m == nil {
		return p
	}
	p.TimeoutMS = intAt(m, "timeout_ms")
	p.MaxStdoutBytes = int64At(m, "max_stdout_bytes")
	p.MaxStderrBytes = int64At(m, "max_stderr_bytes")
	p.MaxArtifactsBytesTotal = int64At(m, "max_artifacts_bytes_total")
	p.MemoryMB = intAt(m, "memory_mb")
	p.CPUCores = floatAt(m, "cpu_cores")
	p.Pids = int64At(m, "pids")
	if s, ok := m["net_mode"].(string); ok {
		p.NetMode = s
	}
	p.MaxConcurrentExecs = intAt(m, "max_concurrent_execs")
	if s, ok := m["image"].(string); ok {
		p.Image = s
	}
	return p
}

// EffectivePolicy merges all four layers for one exec.
func EffectivePolicy(settings relay.SandboxSettings, manifestLimits, requestOverrides map[string]any) Policy {
	p := DefaultPolicy()
	p = p.merge(fromSettings(settings))
	p = p.merge(policyFromMap(manifestLimits))
	p = p.merge(policyFromMap(requestOverrides))
	return p
}

func intAt(m map[string]any, key string) int {
	return int(int64At(m, key))
}

func int64At(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

func floatAt(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return 0
}
