// Package runtimedetect probes the host for a rootless container runtime
// (podman preferred, docker as fallback) and resolves an optional version
// string for advisory diagnostics.
package runtimedetect

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// candidateRuntimes is the rootless-first probe order.
var candidateRuntimes = []string{"podman", "docker"}

// LookPath is overridden in tests to stub runtime availability without
// touching the real PATH.
var LookPath = exec.LookPath

// ErrRuntimeUnavailable is returned when no candidate runtime resolves and
// no override is set, or the override is not executable.
var ErrRuntimeUnavailable = fmt.Errorf("no rootless container runtime found (tried %s)", strings.Join(candidateRuntimes, ", "))

// Runtime describes the resolved container runtime binary.
type Runtime struct {
	Name    string // "podman" or "docker" (or the override value)
	Path    string
	Version *semver.Version // nil if unparsable; advisory only
}

// Detect resolves the runtime to use, honoring MCP_BRIDGE_RUNTIME as a
// pinning override. If the override is set but not resolvable via
// LookPath, detection fails immediately with no fallback to the probe
// list.
func Detect(ctx context.Context) (*Runtime, error) {
	if override := os.Getenv("MCP_BRIDGE_RUNTIME"); override != "" {
		path, err := LookPath(override)
		if err != nil {
			return nil, fmt.Errorf("%w: %s not found on PATH: %v", ErrRuntimeUnavailable, override, err)
		}
		return &Runtime{Name: override, Path: path, Version: probeVersion(ctx, path)}, nil
	}

	for _, name := range candidateRuntimes {
		path, err := LookPath(name)
		if err != nil {
			continue
		}
		return &Runtime{Name: name, Path: path, Version: probeVersion(ctx, path)}, nil
	}

	return nil, ErrRuntimeUnavailable
}

// probeVersion runs "<runtime> --version" and extracts a semver. Failure
// to run the command or to parse a version is tolerated: the field is
// left nil and nothing blocks on it.
func probeVersion(ctx context.Context, path string) *semver.Version {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "--version").Output()
	if err != nil {
		return nil
	}

	v := extractSemver(string(out))
	if v == nil {
		return nil
	}
	return v
}

func extractSemver(output string) *semver.Version {
	fields := strings.Fields(output)
	for _, f := range fields {
		f = strings.TrimSuffix(f, ",")
		if v, err := semver.NewVersion(f); err == nil {
			return v
		}
	}
	return nil
}
