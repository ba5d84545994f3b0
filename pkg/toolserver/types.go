// Package toolserver implements the client side of the tool-server protocol:
// spawning a configured tool server as a local process, performing the
// handshake, and relaying tools/list and tools/call requests over its
// stdin/stdout.
package toolserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pyrunner/pyrunner/pkg/jsonrpc"
)

// Request, Response and Error alias the shared JSON-RPC envelope types so
// that callers outside this package never need to import pkg/jsonrpc
// directly to inspect a tool-server round trip.
type Request = jsonrpc.Request
type Response = jsonrpc.Response
type Error = jsonrpc.Error

// ProtocolVersion is the tool-server protocol version this client negotiates.
const ProtocolVersion = "2024-11-05"

// Default timeouts for a tool-server round trip.
const (
	// DefaultRequestTimeout bounds how long a single tools/call or
	// tools/list request waits for a response before the client gives up
	// on the process.
	DefaultRequestTimeout = 30 * time.Second
)

// ClientInfo identifies the broker to a tool server during the handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo identifies a tool server, returned from its handshake response.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities describes what a tool server supports. Only tool listing is
// modeled; tool servers are stdio child processes with no resource or
// prompt surface in this broker's data model.
type Capabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability indicates tool-listing support.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// InitializeParams is sent as the params of the handshake's initialize call.
type InitializeParams struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ClientInfo      ClientInfo   `json:"clientInfo"`
	Capabilities    Capabilities `json:"capabilities"`
}

// InitializeResult is the tool server's reply to initialize.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
	Capabilities    Capabilities `json:"capabilities"`
}

// Tool describes a single callable tool exposed by a tool server.
type Tool struct {
	Name        string          `json:"name"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolsListResult is the reply to tools/list.
type ToolsListResult struct {
	Tools      []Tool  `json:"tools"`
	NextCursor *string `json:"nextCursor,omitempty"`
}

// ToolCallParams is sent as the params of a tools/call request.
type ToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolCallResult is the reply to tools/call.
type ToolCallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content is one item of a tool call's result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// NewTextContent builds a text content item.
func NewTextContent(text string) Content {
	return Content{Type: "text", Text: text}
}

// Client is the interface the broker depends on to reach a tool server.
// ProcessClient is the only implementation; tests substitute a fake.
type Client interface {
	Name() string
	SetLogger(logger *slog.Logger)
	Initialize(ctx context.Context) error
	RefreshTools(ctx context.Context) error
	Tools() []Tool
	CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error)
	IsInitialized() bool
	ServerInfo() ServerInfo
	Close() error
}
