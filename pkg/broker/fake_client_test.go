package broker

import (
	"context"
	"log/slog"

	"github.com/pyrunner/pyrunner/pkg/toolserver"
)

// fakeClient is a test double for toolserver.Client that never spawns a
// real process. callResult/callErr let a test script one tool call's
// response; tools is returned verbatim from RefreshTools/Tools.
type fakeClient struct {
	name       string
	tools      []toolserver.Tool
	callResult *toolserver.ToolCallResult
	callErr    error
	closed     bool
	initErr    error
}

func (f *fakeClient) Name() string                    { return f.name }
func (f *fakeClient) SetLogger(logger *slog.Logger)   {}
func (f *fakeClient) Initialize(ctx context.Context) error { return f.initErr }
func (f *fakeClient) RefreshTools(ctx context.Context) error { return nil }
func (f *fakeClient) Tools() []toolserver.Tool        { return f.tools }
func (f *fakeClient) IsInitialized() bool             { return true }
func (f *fakeClient) ServerInfo() toolserver.ServerInfo {
	return toolserver.ServerInfo{Name: f.name}
}
func (f *fakeClient) Close() error { f.closed = true; return nil }

func (f *fakeClient) CallTool(ctx context.Context, name string, arguments map[string]any) (*toolserver.ToolCallResult, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	if f.callResult != nil {
		return f.callResult, nil
	}
	return &toolserver.ToolCallResult{Content: []toolserver.Content{toolserver.NewTextContent("ok")}}, nil
}
