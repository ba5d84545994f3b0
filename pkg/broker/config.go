package broker

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pyrunner/pyrunner/pkg/discovery"
	"github.com/pyrunner/pyrunner/pkg/sandbox"
)

// BrokerConfig is the fully-resolved configuration for one Broker
// instance: container launch parameters, timeout policy, IPC retention,
// and the inline tool-server records a config file may declare directly
// (in addition to whatever the Discoverer finds on disk).
type BrokerConfig struct {
	Sandbox        sandbox.Config        `yaml:"-"`
	DefaultTimeout time.Duration         `yaml:"default_timeout"`
	MaxTimeout     time.Duration         `yaml:"max_timeout"`
	StateDir       string                `yaml:"state_dir"`
	MaxIPCDirs     int                   `yaml:"max_ipc_dirs"`
	InlineServers  []discovery.ToolServerRecord `yaml:"servers"`
}

// fileConfig mirrors BrokerConfig's on-disk YAML shape. Durations are
// read as plain seconds to keep the config file's grammar simple (no
// Go-duration-string surprises for hand-edited YAML).
type fileConfig struct {
	Image              string                       `yaml:"image"`
	Memory             string                       `yaml:"memory"`
	Pids               string                       `yaml:"pids"`
	CPUs               string                       `yaml:"cpus"`
	ContainerUser      string                       `yaml:"container_user"`
	IdleTimeoutSeconds int                           `yaml:"idle_timeout_seconds"`
	DefaultTimeout     int                           `yaml:"default_timeout_seconds"`
	MaxTimeout         int                           `yaml:"max_timeout_seconds"`
	StateDir           string                       `yaml:"state_dir"`
	MaxIPCDirs         int                           `yaml:"max_ipc_dirs"`
	Servers            []discovery.ToolServerRecord `yaml:"servers"`
}

// DefaultBrokerConfig returns the documented defaults, before any config
// file or environment variable overlay is applied.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		Sandbox:        sandbox.DefaultConfig(),
		DefaultTimeout: 30 * time.Second,
		MaxTimeout:     120 * time.Second,
		MaxIPCDirs:     50,
	}
}

// LoadConfig reads an optional YAML config file, applies it on top of the
// documented defaults, then lets environment variables take final
// precedence (matching the teacher's expand-then-override layering, here
// reordered so env wins last since env is the more specific, per-run
// override in this deployment model).
func LoadConfig(path string) (BrokerConfig, error) {
	cfg := DefaultBrokerConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return applyEnvOverlay(cfg), nil
			}
			return cfg, fmt.Errorf("reading broker config %s: %w", path, err)
		}

		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return cfg, fmt.Errorf("parsing broker config %s: %w", path, err)
		}
		mergeFileConfig(&cfg, fc)
	}

	return applyEnvOverlay(cfg), nil
}

func mergeFileConfig(cfg *BrokerConfig, fc fileConfig) {
	if fc.Image != "" {
		cfg.Sandbox.Image = fc.Image
	}
	if fc.Memory != "" {
		cfg.Sandbox.Memory = fc.Memory
	}
	if fc.Pids != "" {
		cfg.Sandbox.Pids = fc.Pids
	}
	if fc.CPUs != "" {
		cfg.Sandbox.CPUs = fc.CPUs
	}
	if fc.ContainerUser != "" {
		cfg.Sandbox.ContainerUser = fc.ContainerUser
	}
	if fc.IdleTimeoutSeconds > 0 {
		cfg.Sandbox.IdleTimeout = time.Duration(fc.IdleTimeoutSeconds) * time.Second
	}
	if fc.DefaultTimeout > 0 {
		cfg.DefaultTimeout = time.Duration(fc.DefaultTimeout) * time.Second
	}
	if fc.MaxTimeout > 0 {
		cfg.MaxTimeout = time.Duration(fc.MaxTimeout) * time.Second
	}
	if fc.StateDir != "" {
		cfg.StateDir = fc.StateDir
	}
	if fc.MaxIPCDirs > 0 {
		cfg.MaxIPCDirs = fc.MaxIPCDirs
	}
	cfg.InlineServers = append(cfg.InlineServers, fc.Servers...)
}

func applyEnvOverlay(cfg BrokerConfig) BrokerConfig {
	cfg.Sandbox = sandbox.ConfigFromEnv(cfg.Sandbox)

	if v := os.Getenv("MCP_BRIDGE_TIMEOUT"); v != "" {
		if secs, err := parseSeconds(v); err == nil {
			cfg.DefaultTimeout = secs
		}
	}
	if v := os.Getenv("MCP_BRIDGE_MAX_TIMEOUT"); v != "" {
		if secs, err := parseSeconds(v); err == nil {
			cfg.MaxTimeout = secs
		}
	}
	if v := os.Getenv("MCP_BRIDGE_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	return cfg
}

func parseSeconds(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s + "s")
	if err != nil {
		return 0, err
	}
	return d, nil
}

// ClampTimeout enforces the [1, MaxTimeout] window from spec (one over
// the ceiling is clamped silently, not rejected).
func (c BrokerConfig) ClampTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return time.Second
	}
	if requested > c.MaxTimeout {
		return c.MaxTimeout
	}
	return requested
}
