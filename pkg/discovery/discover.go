package discovery

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pyrunner/pyrunner/pkg/logging"
	"github.com/tailscale/hujson"
)

// Discoverer walks the configured sources and produces a de-duplicated,
// self-filtered list of ToolServerRecord.
type Discoverer struct {
	inline []ToolServerRecord
	logger *slog.Logger

	// selfBasename is the basename of this broker's own executable,
	// matched case-insensitively against discovered commands/args to
	// avoid recursive self-hosting.
	selfBasename string
}

// New creates a Discoverer. inline records (from BrokerConfig.servers)
// take precedence over every filesystem source.
func New(inline []ToolServerRecord) *Discoverer {
	self := ""
	if exe, err := os.Executable(); err == nil {
		self = strings.ToLower(filepath.Base(exe))
	}
	return &Discoverer{
		inline:       inline,
		logger:       logging.NewDiscardLogger(),
		selfBasename: self,
	}
}

// SetLogger sets the logger used for per-file discovery warnings.
func (d *Discoverer) SetLogger(logger *slog.Logger) {
	if logger != nil {
		d.logger = logger
	}
}

// Discover walks every configured source in priority order and returns
// the merged, first-wins, self-filtered record set, plus the ordered
// list of names (insertion order, for deterministic alias assignment).
func (d *Discoverer) Discover() ([]ToolServerRecord, []string) {
	seen := make(map[string]ToolServerRecord)
	var order []string

	add := func(name string, rec ToolServerRecord) {
		if _, exists := seen[name]; exists {
			return // first-wins
		}
		if d.isSelf(rec) {
			d.logger.Debug("discovery: dropping self-referential entry", "name", name, "command", rec.Command)
			return
		}
		rec.Name = name
		seen[name] = rec
		order = append(order, name)
	}

	for _, rec := range d.inline {
		add(rec.Name, rec)
	}

	for _, src := range DefaultSources() {
		switch src.kind {
		case sourceDir:
			d.discoverDir(src, add)
		case sourceFile:
			d.discoverFile(src, add)
		}
	}

	records := make([]ToolServerRecord, 0, len(order))
	for _, name := range order {
		records = append(records, seen[name])
	}
	return records, order
}

func (d *Discoverer) discoverDir(src configSource, add func(string, ToolServerRecord)) {
	entries, err := os.ReadDir(src.path)
	if err != nil {
		return // nonexistent location: skip silently
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(src.path, name)
		recs, err := parseServerFile(path)
		if err != nil {
			d.logger.Warn("discovery: skipping malformed config", "path", path, "error", err)
			continue
		}
		for serverName, rec := range recs {
			rec.Source = src.label
			add(serverName, rec)
		}
	}
}

func (d *Discoverer) discoverFile(src configSource, add func(string, ToolServerRecord)) {
	recs, err := parseServerFile(src.path)
	if err != nil {
		if os.IsNotExist(err) {
			return // nonexistent location: skip silently
		}
		d.logger.Warn("discovery: skipping malformed config", "path", src.path, "error", err)
		return
	}
	for serverName, rec := range recs {
		rec.Source = src.label
		add(serverName, rec)
	}
}

func (d *Discoverer) isSelf(rec ToolServerRecord) bool {
	if rec.Self {
		return true
	}
	if d.selfBasename == "" {
		return false
	}
	if strings.Contains(strings.ToLower(filepath.Base(rec.Command)), d.selfBasename) {
		return true
	}
	for _, arg := range rec.Args {
		if strings.Contains(strings.ToLower(arg), d.selfBasename) {
			return true
		}
	}
	return false
}

// serverFile is the top-level shape every discovery source's JSON must
// conform to: a "mcpServers" mapping from name to entry. Entries carrying
// comments or trailing commas (as real editor configs do) are tolerated
// via hujson standardization before unmarshal.
type serverFile struct {
	MCPServers map[string]ToolServerRecord `json:"mcpServers"`
}

func parseServerFile(path string) (map[string]ToolServerRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("standardizing JSONC: %w", err)
	}

	var file serverFile
	if err := json.Unmarshal(standardized, &file); err != nil {
		return nil, fmt.Errorf("unmarshaling: %w", err)
	}

	return file.MCPServers, nil
}
