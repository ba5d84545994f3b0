package discovery

import (
	"os"
	"path/filepath"
	"runtime"
)

// sourceKind distinguishes a directory of *.json files from a single
// config file.
type sourceKind int

const (
	sourceDir sourceKind = iota
	sourceFile
)

type configSource struct {
	label string
	path  string
	kind  sourceKind
}

// DefaultSources returns the ordered, first-wins discovery locations.
// inlineServers (from BrokerConfig.servers, see pkg/broker) are merged by
// the caller ahead of source index 0; DefaultSources itself only covers
// the filesystem locations.
func DefaultSources() []configSource {
	home := homeDir()

	sources := []configSource{
		{label: "$HOME/MCPs", path: filepath.Join(home, "MCPs"), kind: sourceDir},
		{label: "$HOME/.config/mcp/servers", path: filepath.Join(home, ".config", "mcp", "servers"), kind: sourceDir},
		{label: "./mcp-servers", path: "mcp-servers", kind: sourceDir},
		{label: "./.vscode/mcp.json", path: filepath.Join(".vscode", "mcp.json"), kind: sourceFile},
		{label: "$HOME/.claude.json", path: filepath.Join(home, ".claude.json"), kind: sourceFile},
		{label: "$HOME/.cursor/mcp.json", path: filepath.Join(home, ".cursor", "mcp.json"), kind: sourceFile},
		{label: "$HOME/.opencode.json", path: filepath.Join(home, ".opencode.json"), kind: sourceFile},
		{label: "$HOME/.codeium/windsurf/mcp_config.json", path: filepath.Join(home, ".codeium", "windsurf", "mcp_config.json"), kind: sourceFile},
	}

	sources = append(sources, platformSettingsSources(home)...)

	return sources
}

// platformSettingsSources resolves the platform-specific application
// settings paths for Claude Desktop and Zed.
func platformSettingsSources(home string) []configSource {
	paths := map[string]string{
		"darwin":  filepath.Join(home, "Library", "Application Support", "Claude", "claude_desktop_config.json"),
		"windows": filepath.Join(os.Getenv("APPDATA"), "Claude", "claude_desktop_config.json"),
		"linux":   filepath.Join(home, ".config", "Claude", "claude_desktop_config.json"),
	}

	claudeDesktop, ok := paths[runtime.GOOS]
	if !ok {
		return nil
	}

	zed := map[string]string{
		"darwin":  filepath.Join(home, ".config", "zed", "settings.json"),
		"windows": filepath.Join(os.Getenv("APPDATA"), "Zed", "settings.json"),
		"linux":   filepath.Join(home, ".config", "zed", "settings.json"),
	}[runtime.GOOS]

	out := []configSource{
		{label: "Claude Desktop settings", path: claudeDesktop, kind: sourceFile},
	}
	if zed != "" {
		out = append(out, configSource{label: "Zed settings", path: zed, kind: sourceFile})
	}
	return out
}

func homeDir() string {
	h, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return h
}
