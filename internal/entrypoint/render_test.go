package entrypoint

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testFrames() FrameConstants {
	return FrameConstants{
		Execute:       "execute",
		RPCResponse:   "rpc_response",
		Cancel:        "cancel",
		Stdout:        "stdout",
		Stderr:        "stderr",
		RPCRequest:    "rpc_request",
		ExecutionDone: "execution_done",
	}
}

func TestRender_SubstitutesFrameConstants(t *testing.T) {
	out := Render(testFrames())
	require.Contains(t, out, `FRAME_EXECUTE = "execute"`)
	require.Contains(t, out, `FRAME_RPC_REQUEST = "rpc_request"`)
	require.Contains(t, out, `FRAME_EXECUTION_DONE = "execution_done"`)
}

func TestRender_ProducesValidPythonShebang(t *testing.T) {
	out := Render(testFrames())
	require.True(t, strings.HasPrefix(out, "#!/usr/bin/env python3"))
}

func TestRender_DefinesExpectedSurface(t *testing.T) {
	out := Render(testFrames())
	for _, symbol := range []string{
		"async def list_servers",
		"async def search_tool_docs",
		"async def query_tool_docs",
		"class _ToolProxy",
		"async def _main",
		"PyCF_ALLOW_TOP_LEVEL_AWAIT",
	} {
		require.Contains(t, out, symbol, "expected %q in rendered entrypoint", symbol)
	}
}

func TestTemplates_ReadUnknownNamePanics(t *testing.T) {
	require.Panics(t, func() {
		runtimeTemplates.Read("does-not-exist")
	})
}
