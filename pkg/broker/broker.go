// Package broker implements the run_python orchestration facade: it owns
// tool-server clients, the single sandbox container, alias assignment,
// and per-invocation IPC directory lifecycle, coordinating the three-way
// stream between a caller, the sandbox, and the discovered tool servers.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/pyrunner/pyrunner/internal/entrypoint"
	"github.com/pyrunner/pyrunner/pkg/discovery"
	"github.com/pyrunner/pyrunner/pkg/logging"
	"github.com/pyrunner/pyrunner/pkg/runtimedetect"
	"github.com/pyrunner/pyrunner/pkg/sandbox"
	"github.com/pyrunner/pyrunner/pkg/toolserver"
)

// ClientFactory constructs a tool-server client for one record. Exposed
// as a field so tests can inject a fake client instead of spawning real
// processes.
type ClientFactory func(rec discovery.ToolServerRecord) toolserver.Client

// Broker owns every long-lived resource for one broker run: the known
// server set, their aliases, lazily-started clients, cached per-server
// tool metadata, and the single sandbox container.
type Broker struct {
	cfg    BrokerConfig
	logger *slog.Logger

	newClient ClientFactory

	mu            sync.RWMutex
	servers       map[string]discovery.ToolServerRecord
	aliases       map[string]string
	clients       map[string]toolserver.Client
	clientOrder   []string // start order, for reverse-order shutdown
	metadataCache map[string]ServerMetadata

	container *sandbox.Manager
	ipc       *ipcManager
}

// New constructs a Broker: it runs discovery, resolves the aliases, and
// prepares (without launching) a sandbox container manager and the IPC
// directory root. The container itself is launched lazily on first run().
func New(ctx context.Context, cfg BrokerConfig, discoverer *discovery.Discoverer) (*Broker, error) {
	records, order := discoverer.Discover()

	servers := make(map[string]discovery.ToolServerRecord, len(records))
	names := make([]string, 0, len(records))
	for _, r := range records {
		servers[r.Name] = r
		names = append(names, r.Name)
	}
	_ = order

	rt, err := runtimedetect.Detect(ctx)
	if err != nil {
		return nil, &RuntimeUnavailableError{Err: err}
	}

	ipc, err := newIPCManager(cfg.StateDir, cfg.MaxIPCDirs)
	if err != nil {
		return nil, fmt.Errorf("initializing ipc manager: %w", err)
	}

	container := sandbox.New(cfg.Sandbox, rt)
	container.SetEntrypointSource(entrypoint.Render(entrypoint.FrameConstants{
		Execute:       string(sandbox.FrameExecute),
		RPCResponse:   string(sandbox.FrameRPCResponse),
		Cancel:        string(sandbox.FrameCancel),
		Stdout:        string(sandbox.FrameStdout),
		Stderr:        string(sandbox.FrameStderr),
		RPCRequest:    string(sandbox.FrameRPCRequest),
		ExecutionDone: string(sandbox.FrameExecutionDone),
	}))

	b := &Broker{
		cfg:           cfg,
		logger:        logging.NewDiscardLogger(),
		newClient:     defaultClientFactory,
		servers:       servers,
		aliases:       discovery.AliasTable(names),
		clients:       make(map[string]toolserver.Client),
		metadataCache: make(map[string]ServerMetadata),
		container:     container,
		ipc:           ipc,
	}
	return b, nil
}

// SetLogger propagates a logger to the Broker and every component it owns.
func (b *Broker) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	b.logger = logger
	b.container.SetLogger(logger)
	b.ipc.SetLogger(logger)
}

// Run executes code in the sandbox with the requested servers visible,
// clamping timeoutSeconds into the configured window. Safe for
// concurrent callers; the container manager serialises actual execution.
// A failed request is reported as a RunResult rather than an error: a
// malformed request or an unknown server gets status validation_error,
// any other failure status error, with the reason in Stderr.
func (b *Broker) Run(ctx context.Context, code string, servers []string, timeoutSeconds int) (*RunResult, error) {
	result, err := b.run(ctx, code, servers, timeoutSeconds)
	if err == nil {
		return result, nil
	}
	status := StatusError
	var verr *ValidationError
	var unknown *UnknownServerError
	if errors.As(err, &verr) || errors.As(err, &unknown) {
		status = StatusValidationError
	}
	return &RunResult{Status: status, Stderr: err.Error(), ExitCode: 1, Servers: servers}, nil
}

// KnownServers returns the sorted list of discovered server names.
func (b *Broker) KnownServers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.servers))
	for name := range b.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Alias returns the sandbox-side identifier for a known server name.
func (b *Broker) Alias(name string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	alias, ok := b.aliases[name]
	return alias, ok
}

// ensureServerMetadata returns the cached ServerMetadata for name,
// starting the client and populating the cache on first use.
func (b *Broker) ensureServerMetadata(ctx context.Context, name string) (ServerMetadata, error) {
	b.mu.RLock()
	if meta, ok := b.metadataCache[name]; ok {
		b.mu.RUnlock()
		return meta, nil
	}
	b.mu.RUnlock()

	client, err := b.clientFor(name)
	if err != nil {
		return ServerMetadata{}, err
	}

	if err := client.RefreshTools(ctx); err != nil {
		return ServerMetadata{}, fmt.Errorf("listing tools for %q: %w", name, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if meta, ok := b.metadataCache[name]; ok {
		return meta, nil
	}
	meta := ServerMetadata{
		Name:  name,
		Alias: b.aliases[name],
		Tools: toolSpecsFrom(client.Tools()),
	}
	b.metadataCache[name] = meta
	return meta, nil
}

// clientFor returns the live client for name, spawning and initializing
// it on first use (load_server, idempotent per spec §4.5).
func (b *Broker) clientFor(name string) (toolserver.Client, error) {
	b.mu.RLock()
	if c, ok := b.clients[name]; ok {
		b.mu.RUnlock()
		return c, nil
	}
	rec, known := b.servers[name]
	b.mu.RUnlock()
	if !known {
		return nil, &UnknownServerError{Name: name}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[name]; ok {
		return c, nil
	}

	client := b.newClient(rec)
	client.SetLogger(b.logger)

	ctx := context.Background()
	if err := client.Initialize(ctx); err != nil {
		return nil, &ServerStartFailedError{Name: name, Err: err}
	}

	b.clients[name] = client
	b.clientOrder = append(b.clientOrder, name)
	return client, nil
}

// defaultClientFactory spawns a real child-process tool-server client.
func defaultClientFactory(rec discovery.ToolServerRecord) toolserver.Client {
	command := append([]string{rec.Command}, rec.Args...)
	return toolserver.NewProcessClient(rec.Name, command, rec.Cwd, rec.Env)
}

// Shutdown cancels nothing in-flight itself (callers are expected to have
// their own ctx cancellation) but stops the container, then every live
// tool-server client in reverse start order, per spec §5.
func (b *Broker) Shutdown() {
	b.container.Shutdown()

	b.mu.Lock()
	order := append([]string(nil), b.clientOrder...)
	clients := b.clients
	b.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if c, ok := clients[name]; ok {
			if err := c.Close(); err != nil {
				b.logger.Warn("error closing tool-server client", "server", name, "error", err)
			}
		}
	}

	b.ipc.Close()
}
