package toolserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/pyrunner/pyrunner/pkg/logging"
)

func newTestClient(name string, logger *slog.Logger) *ProcessClient {
	return &ProcessClient{
		name:   name,
		logger: logger,
		calls:  newPendingCalls(),
	}
}

func TestProcessClient_ReadStderr(t *testing.T) {
	buffer := logging.NewLogBuffer(10)
	handler := logging.NewBufferHandler(buffer, nil)
	logger := slog.New(handler).With("server", "test-process")

	client := newTestClient("test-process", logger)

	stderrContent := "error: something failed\nwarning: disk space low\n"
	reader := strings.NewReader(stderrContent)

	done := make(chan struct{})
	go func() {
		client.readStderr(reader)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("readStderr did not complete in time")
	}

	entries := buffer.GetRecent(10)
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Message != "toolserver stderr" {
		t.Errorf("expected message 'toolserver stderr', got %s", entries[0].Message)
	}
	if entries[0].Attrs["output"] != "error: something failed" {
		t.Errorf("expected stderr output in attrs, got %v", entries[0].Attrs["output"])
	}
}

func TestDecodeResponseLine(t *testing.T) {
	idBytes := json.RawMessage(`7`)
	resp := Response{JSONRPC: "2.0", ID: &idBytes, Result: json.RawMessage(`{"ok":true}`)}
	line, _ := json.Marshal(resp)

	id, got, ok := decodeResponseLine(line)
	if !ok {
		t.Fatal("expected decodeResponseLine to succeed")
	}
	if id != 7 {
		t.Errorf("expected id 7, got %d", id)
	}
	if got.Error != nil {
		t.Errorf("expected no error, got %v", got.Error)
	}
}

func TestDecodeResponseLine_NonJSON(t *testing.T) {
	if _, _, ok := decodeResponseLine([]byte("not json at all")); ok {
		t.Error("expected non-JSON line to fail decoding")
	}
}

func TestDecodeResponseLine_NoID(t *testing.T) {
	resp := Response{JSONRPC: "2.0", Result: json.RawMessage(`{}`)}
	line, _ := json.Marshal(resp)
	if _, _, ok := decodeResponseLine(line); ok {
		t.Error("expected response with no id to fail decoding")
	}
}

func TestPendingCalls_ResolveDeliversAndRemoves(t *testing.T) {
	calls := newPendingCalls()
	ch := calls.register(1)

	resp := &Response{JSONRPC: "2.0"}
	if !calls.resolve(1, resp) {
		t.Fatal("expected resolve to find the registered waiter")
	}
	select {
	case got := <-ch:
		if got != resp {
			t.Error("expected the exact response instance to be delivered")
		}
	default:
		t.Fatal("expected response to be buffered on the channel")
	}
	if calls.outstanding() != 0 {
		t.Errorf("expected 0 outstanding waiters after resolve, got %d", calls.outstanding())
	}
}

func TestPendingCalls_ResolveUnknownIDIsNoop(t *testing.T) {
	calls := newPendingCalls()
	calls.register(1)

	if calls.resolve(99, &Response{}) {
		t.Error("expected resolve for an unregistered id to report false")
	}
	if calls.outstanding() != 1 {
		t.Errorf("expected the id-1 waiter to remain registered, got %d outstanding", calls.outstanding())
	}
}

func TestPendingCalls_Forget(t *testing.T) {
	calls := newPendingCalls()
	calls.register(1)
	calls.forget(1)
	if calls.outstanding() != 0 {
		t.Errorf("expected 0 outstanding after forget, got %d", calls.outstanding())
	}
}

func TestProcessClient_ReadResponses(t *testing.T) {
	client := newTestClient("test-process", logging.NewDiscardLogger())
	respCh := client.calls.register(1)

	result, _ := json.Marshal(map[string]string{"status": "ok"})
	idBytes := json.RawMessage(`1`)
	resp := Response{JSONRPC: "2.0", ID: &idBytes, Result: result}
	line, _ := json.Marshal(resp)

	pr, pw := io.Pipe()
	client.stdout = pr

	done := make(chan struct{})
	go func() {
		client.readResponses()
		close(done)
	}()

	if _, err := pw.Write(append(line, '\n')); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	pw.Close()

	select {
	case got := <-respCh:
		if got.Error != nil {
			t.Errorf("expected no error, got: %v", got.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
	<-done
}

func TestProcessClient_ReadResponses_NonJSON(t *testing.T) {
	logBuffer := logging.NewLogBuffer(10)
	handler := logging.NewBufferHandler(logBuffer, nil)
	logger := slog.New(handler)

	client := newTestClient("test-process", logger)

	output := "DEBUG: starting up\nsome random text\n"
	pr, pw := io.Pipe()
	client.stdout = pr

	done := make(chan struct{})
	go func() {
		client.readResponses()
		close(done)
	}()

	_, _ = pw.Write([]byte(output))
	pw.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("readResponses did not complete in time")
	}

	entries := logBuffer.GetRecent(10)
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries for non-JSON lines, got %d", len(entries))
	}
	if entries[0].Message != "toolserver output" {
		t.Errorf("expected message 'toolserver output', got %s", entries[0].Message)
	}
}

func TestProcessClient_ReadResponses_UnmatchedID(t *testing.T) {
	client := newTestClient("test-process", logging.NewDiscardLogger())
	respCh := client.calls.register(1)

	idBytes := json.RawMessage(`99`)
	resp := Response{JSONRPC: "2.0", ID: &idBytes, Result: json.RawMessage(`{}`)}
	line, _ := json.Marshal(resp)

	pr, pw := io.Pipe()
	client.stdout = pr

	done := make(chan struct{})
	go func() {
		client.readResponses()
		close(done)
	}()

	_, _ = pw.Write(append(line, '\n'))
	pw.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("readResponses did not complete in time")
	}

	select {
	case <-respCh:
		t.Error("did not expect response on channel for ID 1")
	default:
	}
	if client.calls.outstanding() != 1 {
		t.Error("expected channel for ID 1 to still be registered")
	}
}

func TestProcessClient_Connect_EmptyCommand(t *testing.T) {
	client := NewProcessClient("test", nil, "", nil)

	err := client.Connect(context.Background())
	if err == nil {
		t.Fatal("expected error for empty command")
	}
	if !strings.Contains(err.Error(), "no command specified") {
		t.Errorf("expected 'no command specified' error, got: %v", err)
	}
}

func TestProcessClient_Connect_Idempotent(t *testing.T) {
	client := NewProcessClient("test", []string{"cat"}, "", nil)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("first Connect failed: %v", err)
	}
	defer client.Close()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect should succeed (idempotent), got: %v", err)
	}
}

func TestProcessClient_Send_NotConnected(t *testing.T) {
	client := NewProcessClient("test", []string{"cat"}, "", nil)

	req := Request{JSONRPC: "2.0", Method: "ping"}

	err := client.send(req)
	if err == nil {
		t.Fatal("expected error when sending to unconnected client")
	}
	if !strings.Contains(err.Error(), "not connected") {
		t.Errorf("expected 'not connected' error, got: %v", err)
	}
}

func TestProcessClient_Name(t *testing.T) {
	client := NewProcessClient("my-server", []string{"cat"}, "", nil)
	if client.Name() != "my-server" {
		t.Errorf("expected name 'my-server', got '%s'", client.Name())
	}
}

func TestProcessClient_SetLogger(t *testing.T) {
	client := NewProcessClient("test", []string{"cat"}, "", nil)

	client.SetLogger(nil)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client.SetLogger(logger)
}

func TestProcessClient_Connect_InvalidCommand(t *testing.T) {
	client := NewProcessClient("test", []string{"/nonexistent/binary"}, "", nil)

	err := client.Connect(context.Background())
	if err == nil {
		t.Fatal("expected error for nonexistent binary")
	}
	if !strings.Contains(err.Error(), "starting process") {
		t.Errorf("expected 'starting process' error, got: %v", err)
	}
}

func TestProcessClient_Close_NotStarted(t *testing.T) {
	client := NewProcessClient("test", []string{"cat"}, "", nil)

	if err := client.Close(); err != nil {
		t.Errorf("expected no error closing unstarted client, got: %v", err)
	}
}

func TestProcessClient_StartAndClose(t *testing.T) {
	client := NewProcessClient("test", []string{"cat"}, "", nil)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestProcessClient_CallTimeout(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	client := newTestClient("test", logging.NewDiscardLogger())
	client.command = []string{"cat"}
	client.started = true
	client.stdin = stdinW
	client.stdout = stdoutR

	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := stdinR.Read(buf); err != nil {
				return
			}
		}
	}()

	go client.readResponses()

	defer func() {
		stdinR.Close()
		stdinW.Close()
		stdoutW.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	var result ToolCallResult
	err := client.call(ctx, "tools/list", nil, &result)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "context deadline exceeded") {
		t.Errorf("expected context deadline error, got: %v", err)
	}
}

func TestNewProcessClient_EnvMerge(t *testing.T) {
	client := NewProcessClient("test", []string{"cat"}, "/tmp", map[string]string{
		"CUSTOM_VAR": "value1",
		"ANOTHER":    "value2",
	})

	foundCustom, foundAnother := false, false
	for _, env := range client.env {
		if env == "CUSTOM_VAR=value1" {
			foundCustom = true
		}
		if env == "ANOTHER=value2" {
			foundAnother = true
		}
	}
	if !foundCustom {
		t.Error("expected CUSTOM_VAR=value1 in environment")
	}
	if !foundAnother {
		t.Error("expected ANOTHER=value2 in environment")
	}
}

func TestProcessClient_FullLifecycle(t *testing.T) {
	// "cat" echoes stdin back to stdout, simulating a tool server that
	// mirrors whatever request it receives as its response.
	client := NewProcessClient("test", []string{"cat"}, "", nil)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	idBytes, _ := json.Marshal(int64(1))
	rawID := json.RawMessage(idBytes)
	resultBytes, _ := json.Marshal(map[string]string{"status": "ok"})

	fakeResp := Response{JSONRPC: "2.0", ID: &rawID, Result: resultBytes}
	respLine, _ := json.Marshal(fakeResp)

	respCh := client.calls.register(1)

	client.procMu.Lock()
	_, err := client.stdin.Write(append(respLine, '\n'))
	client.procMu.Unlock()
	if err != nil {
		t.Fatalf("write to stdin failed: %v", err)
	}

	select {
	case got := <-respCh:
		if got.Error != nil {
			t.Errorf("unexpected error in response: %v", got.Error)
		}
		var result map[string]string
		if err := json.Unmarshal(got.Result, &result); err != nil {
			t.Fatalf("failed to unmarshal result: %v", err)
		}
		if result["status"] != "ok" {
			t.Errorf("expected status 'ok', got '%s'", result["status"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestProcessClient_ReadResponses_MultipleResponses(t *testing.T) {
	client := newTestClient("test-process", logging.NewDiscardLogger())

	channels := make(map[int64]chan *Response)
	for i := int64(1); i <= 3; i++ {
		channels[i] = client.calls.register(i)
	}

	pr, pw := io.Pipe()
	client.stdout = pr

	done := make(chan struct{})
	go func() {
		client.readResponses()
		close(done)
	}()

	var buf bytes.Buffer
	for i := int64(1); i <= 3; i++ {
		idBytes := json.RawMessage(fmt.Sprintf("%d", i))
		resp := Response{JSONRPC: "2.0", ID: &idBytes, Result: json.RawMessage(fmt.Sprintf(`{"id":%d}`, i))}
		line, _ := json.Marshal(resp)
		buf.Write(line)
		buf.WriteByte('\n')
	}
	_, _ = pw.Write(buf.Bytes())
	pw.Close()

	for i := int64(1); i <= 3; i++ {
		select {
		case got := <-channels[i]:
			if got.Error != nil {
				t.Errorf("response %d: unexpected error: %v", i, got.Error)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for response %d", i)
		}
	}

	<-done

	if remaining := client.calls.outstanding(); remaining != 0 {
		t.Errorf("expected 0 remaining response channels, got %d", remaining)
	}
}

func TestProcessClient_RefreshTools_DedupesByName(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	client := newTestClient("test", logging.NewDiscardLogger())
	client.started = true
	client.stdin = stdinW
	client.stdout = stdoutR

	// Answer the tools/list request with a result containing a duplicate
	// and an unnamed tool, without spawning a process.
	result, _ := json.Marshal(ToolsListResult{Tools: []Tool{
		{Name: "search"},
		{Name: "search"},
		{Name: ""},
		{Name: "fetch"},
	}})
	go func() {
		var req Request
		if err := json.NewDecoder(stdinR).Decode(&req); err != nil {
			return
		}
		line, _ := json.Marshal(Response{JSONRPC: "2.0", ID: req.ID, Result: result})
		stdoutW.Write(append(line, '\n'))
	}()

	go client.readResponses()

	defer func() {
		stdinR.Close()
		stdinW.Close()
		stdoutW.Close()
	}()

	if err := client.RefreshTools(context.Background()); err != nil {
		t.Fatalf("RefreshTools failed: %v", err)
	}

	got := client.Tools()
	if len(got) != 2 {
		t.Fatalf("expected 2 deduplicated tools, got %d: %v", len(got), got)
	}
	if got[0].Name != "search" || got[1].Name != "fetch" {
		t.Errorf("expected [search fetch], got %v", got)
	}
}
