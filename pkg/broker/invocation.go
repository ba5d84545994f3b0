package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pyrunner/pyrunner/pkg/sandbox"
)

// RunResult is the public run() outcome (spec §6 external interface).
type RunResult struct {
	Status   Status   `json:"status"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
	ExitCode int      `json:"exit_code"`
	Servers  []string `json:"servers"`
}

// rpcEnvelope mirrors the sandbox-side rpc_request payload's exhaustive
// variant tag on "type".
type rpcEnvelope struct {
	Type      string          `json:"type"`
	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Query     string          `json:"query,omitempty"`
	Limit     int             `json:"limit,omitempty"`
	Detail    string          `json:"detail,omitempty"`
}

// rpcResponse mirrors the RPCResponse payload shape: a success flag plus
// exactly one of the variant result fields, or an error message.
type rpcResponse struct {
	Success bool        `json:"success"`
	Result  any         `json:"result,omitempty"`
	Tools   any         `json:"tools,omitempty"`
	Servers any         `json:"servers,omitempty"`
	Docs    any         `json:"docs,omitempty"`
	Results any         `json:"results,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// invocation is the per-call context for one run(). It is single-use:
// constructed on request entry, released on exit.
type invocation struct {
	id                string
	broker            *Broker
	allowedServers    []string // exactly the requested set, intersected with known servers
	metadataSnapshot  []ServerMetadata
	ipcDir            string
	logger            *slog.Logger
}

// run validates, sets up, dispatches, and tears down one invocation. It
// never panics on a malformed payload from the container; every failure
// mode ends in a well-formed RunResult or a narrow client-facing error.
func (b *Broker) run(ctx context.Context, code string, servers []string, timeoutSeconds int) (*RunResult, error) {
	if strings.TrimSpace(code) == "" {
		return nil, &ValidationError{Reason: "empty code"}
	}
	if servers == nil {
		servers = []string{}
	}

	allowed, err := b.resolveServers(servers)
	if err != nil {
		return nil, err
	}

	timeout := b.cfg.ClampTimeout(time.Duration(timeoutSeconds) * time.Second)

	inv := &invocation{
		id:             uuid.NewString(),
		broker:         b,
		allowedServers: allowed,
		logger:         b.logger,
	}

	if err := inv.setup(ctx); err != nil {
		return nil, err
	}
	defer inv.teardown()

	return inv.dispatch(ctx, code, timeout)
}

// resolveServers validates every requested name against the broker's
// known server set, per spec's precondition that an unknown server
// aborts before the container is touched.
func (b *Broker) resolveServers(requested []string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	allowed := make([]string, 0, len(requested))
	for _, name := range requested {
		if _, ok := b.servers[name]; !ok {
			return nil, &UnknownServerError{Name: name}
		}
		allowed = append(allowed, name)
	}
	return allowed, nil
}

// setup ensures a live client and cached metadata for every allowed
// server, then allocates the scoped IPC directory.
func (inv *invocation) setup(ctx context.Context) error {
	b := inv.broker

	snapshot := make([]ServerMetadata, 0, len(inv.allowedServers))
	for _, name := range inv.allowedServers {
		meta, err := b.ensureServerMetadata(ctx, name)
		if err != nil {
			return &ServerStartFailedError{Name: name, Err: err}
		}
		snapshot = append(snapshot, meta)
	}
	inv.metadataSnapshot = snapshot

	dir, err := b.ipc.Allocate()
	if err != nil {
		return fmt.Errorf("allocating ipc directory: %w", err)
	}
	inv.ipcDir = dir

	return nil
}

// teardown releases the IPC directory. It never stops servers or the
// container; those are owned by the Broker across invocations.
func (inv *invocation) teardown() {
	inv.broker.ipc.Release(inv.ipcDir)
}

// dispatch sends the execute frame and drives the frame loop via
// pkg/sandbox, wiring handle_rpc as the RPC callback.
func (inv *invocation) dispatch(ctx context.Context, code string, timeout time.Duration) (*RunResult, error) {
	metadataJSON, _ := json.Marshal(inv.metadataSnapshot)
	discovered := make([]string, len(inv.metadataSnapshot))
	for i, m := range inv.metadataSnapshot {
		discovered[i] = m.Name
	}

	req := sandbox.DispatchRequest{
		InvocationID:   inv.id,
		Code:           code,
		AllowedServers: inv.allowedServers,
		Metadata:       metadataJSON,
		Timeout:        timeout,
		RPC:            inv.handleRPC,
	}

	result, err := inv.broker.container.Dispatch(ctx, inv.broker.ipc.Root(), discovered, req)
	if err != nil {
		return nil, &ContainerLaunchFailedError{Err: err}
	}

	status := Status(result.Status)
	if status == "" {
		status = StatusError
	}

	return &RunResult{
		Status:   status,
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: result.ExitCode,
		Servers:  inv.allowedServers,
	}, nil
}

// handleRPC services one rpc_request payload. It must never block on
// anything beyond the single tool-server round trip it issues, so the
// frame reader loop in pkg/sandbox is never starved (spec §5).
func (inv *invocation) handleRPC(payload json.RawMessage) json.RawMessage {
	var env rpcEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return encodeRPCResponse(rpcResponse{Success: false, Error: fmt.Sprintf("malformed rpc_request: %v", err)})
	}

	switch env.Type {
	case "list_servers":
		sorted := append([]string(nil), inv.allowedServers...)
		sort.Strings(sorted)
		return encodeRPCResponse(rpcResponse{Success: true, Servers: sorted})

	case "list_tools":
		meta, ok := inv.gate(env.Server)
		if !ok {
			return encodeRPCResponse(rpcResponse{Success: false, Error: fmt.Sprintf("server %q is not in this invocation's allowed set", env.Server)})
		}
		return encodeRPCResponse(rpcResponse{Success: true, Tools: meta.Tools})

	case "query_tool_docs":
		meta, ok := inv.gate(env.Server)
		if !ok {
			return encodeRPCResponse(rpcResponse{Success: false, Error: fmt.Sprintf("server %q is not in this invocation's allowed set", env.Server)})
		}
		return encodeRPCResponse(rpcResponse{Success: true, Docs: queryToolDocs(meta, env.Tool, env.Detail)})

	case "search_tool_docs":
		limit := env.Limit
		if limit <= 0 {
			limit = 10
		}
		matches := searchToolDocs(inv.metadataSnapshot, env.Query, limit)
		return encodeRPCResponse(rpcResponse{Success: true, Results: matches})

	case "call_tool":
		return inv.callTool(env)

	default:
		return encodeRPCResponse(rpcResponse{Success: false, Error: fmt.Sprintf("unknown rpc type %q", env.Type)})
	}
}

// gate returns the allowed invocation's cached metadata for server, or
// false if server was never part of this invocation's allowed set — a
// tool server not named in servers must never receive any traffic.
func (inv *invocation) gate(server string) (ServerMetadata, bool) {
	for _, m := range inv.metadataSnapshot {
		if m.Name == server {
			return m, true
		}
	}
	return ServerMetadata{}, false
}

func (inv *invocation) callTool(env rpcEnvelope) json.RawMessage {
	if _, ok := inv.gate(env.Server); !ok {
		return encodeRPCResponse(rpcResponse{Success: false, Error: fmt.Sprintf("server %q is not in this invocation's allowed set", env.Server)})
	}

	client, err := inv.broker.clientFor(env.Server)
	if err != nil {
		return encodeRPCResponse(rpcResponse{Success: false, Error: (&ServerUnavailableError{Name: env.Server}).Error()})
	}

	var args map[string]any
	if len(env.Arguments) > 0 {
		if err := json.Unmarshal(env.Arguments, &args); err != nil {
			return encodeRPCResponse(rpcResponse{Success: false, Error: "malformed arguments: " + err.Error()})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := client.CallTool(ctx, env.Tool, args)
	if err != nil {
		return encodeRPCResponse(rpcResponse{Success: false, Error: (&ToolError{Server: env.Server, Message: err.Error()}).Error()})
	}
	if result.IsError {
		msg := ""
		if len(result.Content) > 0 {
			msg = result.Content[0].Text
		}
		return encodeRPCResponse(rpcResponse{Success: false, Error: (&ToolError{Server: env.Server, Message: msg}).Error()})
	}

	return encodeRPCResponse(rpcResponse{Success: true, Result: result})
}

func queryToolDocs(meta ServerMetadata, tool, detail string) []ToolSpec {
	if tool == "" {
		if detail == "summary" {
			return stripSchemas(meta.Tools)
		}
		return meta.Tools
	}
	for _, t := range meta.Tools {
		if t.Name == tool || t.Alias == tool {
			if detail == "summary" {
				return stripSchemas([]ToolSpec{t})
			}
			return []ToolSpec{t}
		}
	}
	return nil
}

func stripSchemas(tools []ToolSpec) []ToolSpec {
	out := make([]ToolSpec, len(tools))
	for i, t := range tools {
		out[i] = ToolSpec{Name: t.Name, Alias: t.Alias, Description: t.Description}
	}
	return out
}

func encodeRPCResponse(r rpcResponse) json.RawMessage {
	data, err := json.Marshal(r)
	if err != nil {
		data, _ = json.Marshal(rpcResponse{Success: false, Error: "internal: failed to encode response"})
	}
	return data
}
