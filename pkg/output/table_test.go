package output

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrinter_Servers_Empty(t *testing.T) {
	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	p.Servers(nil)

	if !strings.Contains(buf.String(), "no tool servers discovered") {
		t.Errorf("Servers(nil) should print the empty notice, got %q", buf.String())
	}
}

func TestPrinter_Servers_WithData(t *testing.T) {
	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	p.Servers([]ServerRow{
		{Name: "search", Alias: "search", Command: "/usr/bin/search-server", Source: "~/.codex/config.toml"},
	})

	got := buf.String()
	for _, want := range []string{"NAME", "ALIAS", "COMMAND", "SOURCE", "search", "search-server"} {
		if !strings.Contains(got, want) {
			t.Errorf("Servers() output missing %q, got %q", want, got)
		}
	}
}

func TestPrinter_Containers_Empty(t *testing.T) {
	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	p.Containers(nil)

	if !strings.Contains(buf.String(), "no managed containers found") {
		t.Errorf("Containers(nil) should print the empty notice, got %q", buf.String())
	}
}

func TestPrinter_Containers_WithData(t *testing.T) {
	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	p.Containers([]ContainerRow{
		{ID: "abc123", Image: "python:3.12-slim", State: "running", Status: "Up 5 minutes"},
	})

	got := buf.String()
	for _, want := range []string{"ID", "IMAGE", "STATE", "abc123", "python:3.12-slim"} {
		if !strings.Contains(got, want) {
			t.Errorf("Containers() output missing %q, got %q", want, got)
		}
	}
}

func TestPrinter_Checks(t *testing.T) {
	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	p.Checks([]CheckRow{
		{Check: "container runtime", Status: "ok", Detail: "podman 5.2.0"},
		{Check: "tool servers", Status: "warn", Detail: "0 discovered"},
	})

	got := buf.String()
	for _, want := range []string{"CHECK", "STATUS", "DETAIL", "container runtime", "podman 5.2.0", "warn"} {
		if !strings.Contains(got, want) {
			t.Errorf("Checks() output missing %q, got %q", want, got)
		}
	}
}

func TestColorState(t *testing.T) {
	tests := []string{"running", "ready", "ok", "failed", "error", "exited", "pending", "creating", "stopped", "unknown"}
	for _, state := range tests {
		t.Run(state, func(t *testing.T) {
			if result := colorState(state); !strings.Contains(result, state) {
				t.Errorf("colorState(%q) = %q, should contain %q", state, result, state)
			}
		})
	}
}

func TestColorCheckStatus(t *testing.T) {
	for _, status := range []string{"ok", "warn", "fail", "unknown"} {
		t.Run(status, func(t *testing.T) {
			if result := colorCheckStatus(status); !strings.Contains(result, status) {
				t.Errorf("colorCheckStatus(%q) = %q, should contain %q", status, result, status)
			}
		})
	}
}
