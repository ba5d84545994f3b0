package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pyrunner/pyrunner/pkg/containerops"
	"github.com/pyrunner/pyrunner/pkg/logging"
	"github.com/pyrunner/pyrunner/pkg/runtimedetect"
)

const (
	// DefaultOutputCap is the per-execute byte cap on accumulated stdout
	// or stderr before truncation.
	DefaultOutputCap = 1 << 20 // 1 MiB

	truncationSentinel = "...truncated..."

	cancelAckTimeout = 2 * time.Second
)

// Config holds the container launch parameters, sourced from environment
// variables or BrokerConfig defaults (see pkg/broker).
type Config struct {
	Image          string
	Memory         string
	Pids           string
	CPUs           string
	ContainerUser  string
	IdleTimeout    time.Duration
	Interpreter    string // in-container interpreter path, default "python3"
	EntrypointPath string // path inside the container, default "/ipc/entrypoint"
}

// DefaultConfig returns the documented defaults for every field not set by
// an environment variable or config file.
func DefaultConfig() Config {
	return Config{
		Image:          "python:3.12-slim",
		Memory:         "512m",
		Pids:           "64",
		CPUs:           "1",
		ContainerUser:  "65534:65534",
		IdleTimeout:    5 * time.Minute,
		Interpreter:    "python3",
		EntrypointPath: "/ipc/entrypoint",
	}
}

// RPCHandler services one rpc_request frame's payload and returns the
// payload to write back in the matching rpc_response. It must not block on
// anything that would starve the frame reader (see invocation.go).
type RPCHandler func(payload json.RawMessage) json.RawMessage

// DispatchRequest is one invocation's execute call into the container.
type DispatchRequest struct {
	InvocationID   string
	Code           string
	AllowedServers []string
	Metadata       json.RawMessage
	Timeout        time.Duration
	RPC            RPCHandler
}

// Result is the outcome of one Dispatch call.
type Result struct {
	Status   string // success, error, timeout
	Stdout   string
	Stderr   string
	ExitCode int
}

// Manager owns the single sandbox container process for a broker's
// lifetime: lazy launch, frame demultiplexing, idle shutdown.
type Manager struct {
	cfg           Config
	entrypointSrc string
	logger        *slog.Logger

	// dispatchMu enforces "at most one invocation executing inside the
	// container at any instant" (spec §5 invariant 7). A second
	// concurrent Dispatch call blocks here rather than being queued by a
	// separate data structure.
	dispatchMu sync.Mutex

	procMu  sync.Mutex
	runtime *runtimedetect.Runtime
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.Reader
	running bool

	lastActivity time.Time
	idleStop     chan struct{}
}

// New creates a Manager bound to a resolved container runtime.
func New(cfg Config, rt *runtimedetect.Runtime) *Manager {
	return &Manager{
		cfg:     cfg,
		runtime: rt,
		logger:  logging.NewDiscardLogger(),
	}
}

// Runtime returns the container runtime this Manager launches through.
func (m *Manager) Runtime() *runtimedetect.Runtime {
	return m.runtime
}

// Running reports whether the container is currently launched.
func (m *Manager) Running() bool {
	m.procMu.Lock()
	defer m.procMu.Unlock()
	return m.running
}

// SetEntrypointSource sets the rendered Python runtime text that a
// container launch writes as "entrypoint" into the IPC directory it
// mounts, unless that file already exists. Must be called before the
// first Dispatch.
func (m *Manager) SetEntrypointSource(src string) {
	m.entrypointSrc = src
}

// SetLogger sets the logger used for launch, idle-shutdown, and
// frame-dispatch diagnostics.
func (m *Manager) SetLogger(logger *slog.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// ensureRunning launches the container if it is not already running. Safe
// to call repeatedly; idempotent once a launch has succeeded.
func (m *Manager) ensureRunning(ctx context.Context, ipcDir, entrypointHostPath string, discoveredServers []string) error {
	m.procMu.Lock()
	defer m.procMu.Unlock()

	if m.running {
		return nil
	}

	if m.entrypointSrc != "" {
		entrypointPath := filepath.Join(ipcDir, "entrypoint")
		if _, err := os.Stat(entrypointPath); os.IsNotExist(err) {
			if err := os.WriteFile(entrypointPath, []byte(m.entrypointSrc), 0o644); err != nil {
				return fmt.Errorf("writing entrypoint to %s: %w", entrypointPath, err)
			}
		}
	}

	args := m.buildArgs(ipcDir, discoveredServers)
	cmd := exec.CommandContext(ctx, m.runtime.Path, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("creating container stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("creating container stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cmd.Stderr = nil
	} else {
		go m.drainHostStderr(stderr)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return fmt.Errorf("launching container via %s: %w", m.runtime.Name, err)
	}

	m.cmd = cmd
	m.stdin = stdin
	m.stdout = stdout
	m.running = true
	m.lastActivity = time.Now()
	m.idleStop = make(chan struct{})

	go m.idleWatch()

	m.logger.Info("sandbox container launched", "runtime", m.runtime.Name, "image", m.cfg.Image)

	return nil
}

// buildArgs assembles the runtime CLI invocation exactly as the launch
// contract specifies: network isolation, read-only root, tmpfs scratch
// space, dropped capabilities, and the IPC directory bind mount.
func (m *Manager) buildArgs(ipcDir string, discoveredServers []string) []string {
	available, _ := json.Marshal(discoveredServers)

	args := []string{
		"run", "--rm", "--interactive",
		"--network", "none",
		"--read-only",
		"--pids-limit", m.cfg.Pids,
		"--memory", m.cfg.Memory,
		"--cpus", m.cfg.CPUs,
		"--tmpfs", "/tmp:rw,noexec,nosuid,nodev,size=64m",
		"--tmpfs", "/workspace:rw,noexec,nosuid,nodev,size=128m",
		"--workdir", "/workspace",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--user", m.cfg.ContainerUser,
		"--label", containerops.LabelManaged + "=true",
		"--label", containerops.LabelImage + "=" + m.cfg.Image,
		"--volume", fmt.Sprintf("%s:/ipc:rw", ipcDir),
		"--env", "MCP_AVAILABLE_SERVERS=" + string(available),
		"--env", "MCP_DISCOVERED_SERVERS=" + string(available),
		m.cfg.Image,
		m.cfg.Interpreter, "-u", m.cfg.EntrypointPath,
	}
	return args
}

func (m *Manager) drainHostStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		m.logger.Warn("container stderr", "output", scanner.Text())
	}
}

// idleWatch hard-stops the container after cfg.IdleTimeout has elapsed
// since the last Dispatch. It re-checks every time a tick fires rather
// than scheduling a single timer, since lastActivity may move forward
// while the container is busy.
func (m *Manager) idleWatch() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.idleStop:
			return
		case <-ticker.C:
			m.procMu.Lock()
			idleFor := time.Since(m.lastActivity)
			shouldStop := m.running && idleFor >= m.cfg.IdleTimeout
			m.procMu.Unlock()
			if shouldStop {
				m.logger.Info("sandbox container idle timeout, shutting down", "idle_for", idleFor)
				m.shutdownContainer()
				return
			}
		}
	}
}

// shutdownContainer terminates the running container gracefully, then
// force-kills it if it doesn't exit promptly. Safe to call when nothing
// is running.
func (m *Manager) shutdownContainer() {
	m.procMu.Lock()
	defer m.procMu.Unlock()

	if !m.running {
		return
	}

	if m.stdin != nil {
		m.stdin.Close()
	}
	if m.cmd != nil && m.cmd.Process != nil {
		done := make(chan error, 1)
		go func() { done <- m.cmd.Wait() }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = m.cmd.Process.Kill()
			<-done
		}
	}

	m.running = false
	m.cmd = nil
	m.stdin = nil
	m.stdout = nil
	if m.idleStop != nil {
		close(m.idleStop)
		m.idleStop = nil
	}
}

// Shutdown stops the container unconditionally. Intended for broker
// shutdown.
func (m *Manager) Shutdown() {
	m.shutdownContainer()
}

// Dispatch sends one execute frame and drives the frame loop until
// execution_done, timeout, or a hard container failure. Only one Dispatch
// may run at a time; a concurrent caller blocks on dispatchMu.
func (m *Manager) Dispatch(ctx context.Context, ipcDir string, discoveredServers []string, req DispatchRequest) (*Result, error) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	if err := m.ensureRunning(ctx, ipcDir, "", discoveredServers); err != nil {
		return nil, fmt.Errorf("ensuring container running: %w", err)
	}

	m.procMu.Lock()
	m.lastActivity = time.Now()
	stdin := m.stdin
	stdout := m.stdout
	m.procMu.Unlock()

	execFrame := Frame{
		Type:           FrameExecute,
		InvocationID:   req.InvocationID,
		Code:           req.Code,
		AllowedServers: req.AllowedServers,
		Metadata:       req.Metadata,
	}
	line, err := Encode(execFrame)
	if err != nil {
		return nil, fmt.Errorf("encoding execute frame: %w", err)
	}
	if _, err := stdin.Write(line); err != nil {
		return nil, fmt.Errorf("writing execute frame: %w", err)
	}

	var stdoutBuf, stderrBuf strings.Builder
	stdoutTruncated, stderrTruncated := false, false
	done := make(chan Result, 1)
	readErr := make(chan error, 1)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	go func() {
		for scanner.Scan() {
			f, err := Decode(scanner.Bytes())
			if err != nil {
				m.logger.Warn("sandbox: dropping unparsable frame", "error", err)
				continue
			}
			if f.InvocationID != "" && f.InvocationID != req.InvocationID {
				continue // belongs to a stale/overlapping run; drop
			}

			switch f.Type {
			case FrameStdout:
				appendCapped(&stdoutBuf, f.Data, DefaultOutputCap, &stdoutTruncated)
			case FrameStderr:
				appendCapped(&stderrBuf, f.Data, DefaultOutputCap, &stderrTruncated)
			case FrameRPCRequest:
				m.serviceRPC(stdin, f, req.RPC)
			case FrameExecutionDone:
				done <- Result{Status: "success", Stdout: stdoutBuf.String(), Stderr: stderrBuf.String(), ExitCode: 0}
				return
			default:
				m.logger.Warn("sandbox: unknown frame type", "type", f.Type)
			}
		}
		readErr <- scanner.Err()
	}()

	timeout := req.Timeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-done:
		return &result, nil
	case err := <-readErr:
		return &Result{Status: "error", Stdout: stdoutBuf.String(), Stderr: stderrBuf.String(), ExitCode: 1}, fmt.Errorf("container stream closed: %w", err)
	case <-timer.C:
		return m.cancelAndAwait(stdin, req.InvocationID, done, &stdoutBuf, &stderrBuf)
	case <-ctx.Done():
		return m.cancelAndAwait(stdin, req.InvocationID, done, &stdoutBuf, &stderrBuf)
	}
}

// cancelAndAwait sends a single cancel frame and waits briefly for
// execution_done; if it doesn't arrive the container is hard-killed and
// the run is marked as a timeout. Next Dispatch relaunches transparently.
func (m *Manager) cancelAndAwait(stdin io.Writer, invocationID string, done chan Result, stdoutBuf, stderrBuf *strings.Builder) (*Result, error) {
	cancelFrame := Frame{Type: FrameCancel, InvocationID: invocationID}
	if line, err := Encode(cancelFrame); err == nil {
		_, _ = stdin.Write(line)
	}

	select {
	case result := <-done:
		result.Status = "timeout"
		return &result, nil
	case <-time.After(cancelAckTimeout):
		m.shutdownContainer()
		return &Result{Status: "timeout", Stdout: stdoutBuf.String(), Stderr: stderrBuf.String(), ExitCode: -1}, nil
	}
}

func (m *Manager) serviceRPC(stdin io.Writer, f Frame, handler RPCHandler) {
	if handler == nil {
		return
	}
	payload := handler(f.Payload)
	resp := Frame{Type: FrameRPCResponse, ID: f.ID, Payload: payload}
	line, err := Encode(resp)
	if err != nil {
		m.logger.Warn("sandbox: failed to encode rpc_response", "error", err)
		return
	}
	if _, err := stdin.Write(line); err != nil {
		m.logger.Warn("sandbox: failed to write rpc_response", "error", err)
	}
}

// appendCapped appends data to buf unless doing so would exceed cap bytes,
// in which case it appends the truncation sentinel exactly once and drops
// the remainder.
func appendCapped(buf *strings.Builder, data string, cap int, truncated *bool) {
	if *truncated {
		return
	}
	if buf.Len()+len(data) > cap {
		remaining := cap - buf.Len()
		if remaining > 0 {
			buf.WriteString(data[:remaining])
		}
		buf.WriteString(truncationSentinel)
		*truncated = true
		return
	}
	buf.WriteString(data)
}

// EnvFromConfig builds the environment-variable overlay documented in
// spec §6 from a resolved Config, for callers that launch via a different
// path (e.g. doctor diagnostics printing what would be used).
func EnvFromConfig(cfg Config) map[string]string {
	return map[string]string{
		"MCP_BRIDGE_IMAGE":                cfg.Image,
		"MCP_BRIDGE_MEMORY":               cfg.Memory,
		"MCP_BRIDGE_PIDS":                 cfg.Pids,
		"MCP_BRIDGE_CPUS":                 cfg.CPUs,
		"MCP_BRIDGE_CONTAINER_USER":       cfg.ContainerUser,
		"MCP_BRIDGE_RUNTIME_IDLE_TIMEOUT": fmt.Sprintf("%d", int(cfg.IdleTimeout/time.Second)),
	}
}

// ConfigFromEnv overlays environment variables onto the documented
// defaults, following the teacher's loader convention of env-wins over
// built-in defaults.
func ConfigFromEnv(base Config) Config {
	if v := os.Getenv("MCP_BRIDGE_IMAGE"); v != "" {
		base.Image = v
	}
	if v := os.Getenv("MCP_BRIDGE_MEMORY"); v != "" {
		base.Memory = v
	}
	if v := os.Getenv("MCP_BRIDGE_PIDS"); v != "" {
		base.Pids = v
	}
	if v := os.Getenv("MCP_BRIDGE_CPUS"); v != "" {
		base.CPUs = v
	}
	if v := os.Getenv("MCP_BRIDGE_CONTAINER_USER"); v != "" {
		base.ContainerUser = v
	}
	if v := os.Getenv("MCP_BRIDGE_RUNTIME_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			base.IdleTimeout = d
		}
	}
	return base
}
