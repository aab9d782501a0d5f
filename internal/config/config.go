// Package config loads moonbot configuration: defaults, then a TOML file,
// then environment variables (env wins). Auth tokens are stored only as
// SHA-256 hex digests; the file never carries plaintext.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Gateway   GatewayConfig   `toml:"gateway"`
	Auth      AuthConfig      `toml:"auth"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Tools     ToolsConfig     `toml:"tools"`
	Nodes     NodesConfig     `toml:"nodes"`
	Database  DatabaseConfig  `toml:"database"`
	Observer  ObserverConfig  `toml:"observer"`
}

type GatewayConfig struct {
	Addr            string `toml:"addr"`
	RateWindowSec   int    `toml:"rate_window_sec"`
	RateMaxAttempts int    `toml:"rate_max_attempts"`
	DrainTimeoutSec int    `toml:"drain_timeout_sec"`
}

type AuthConfig struct {
	// TokenDigests are hex SHA-256 digests of accepted tokens. Empty list
	// disables authentication.
	TokenDigests []string `toml:"token_digests"`
}

type SchedulerConfig struct {
	TaskTimeoutSec  int `toml:"task_timeout_sec"`
	QueueBound      int `toml:"queue_bound"`
	RetentionSec    int `toml:"retention_sec"`
	SessionTTLSec   int `toml:"session_ttl_sec"`
	ApprovalTTLSec  int `toml:"approval_ttl_sec"`
	MaxRetries      int `toml:"max_retries"`
	MaxAlternatives int `toml:"max_alternatives"`
}

type ToolsConfig struct {
	WorkspacePath string   `toml:"workspace_path"`
	AllowedHosts  []string `toml:"allowed_hosts"`
	BlockedHosts  []string `toml:"blocked_hosts"`
	MaxBytes      int64    `toml:"max_bytes"`
	TimeoutMs     int      `toml:"timeout_ms"`
	// Alternatives maps a tool id to its fallback tools, priority order.
	Alternatives map[string][]string `toml:"alternatives"`
}

type NodesConfig struct {
	PairingTTLSec   int      `toml:"pairing_ttl_sec"`
	NodesPerUser    int      `toml:"nodes_per_user"`
	RPCTimeoutSec   int      `toml:"rpc_timeout_sec"`
	RequestTTLSec   int      `toml:"request_ttl_sec"`
	MaxArgvLength   int      `toml:"max_argv_length"`
	AllowedCommands []string `toml:"allowed_commands"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres"; empty disables history persistence.
	Driver      string `toml:"driver"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type ObserverConfig struct {
	Enabled      bool   `toml:"enabled"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
	ServiceName  string `toml:"service_name"`
}

// Default returns a Config with all defaults applied. Storage lives under
// ~/.moonbot; the workspace is the process working directory.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Gateway: GatewayConfig{
			Addr:            "127.0.0.1:18789",
			RateWindowSec:   60,
			RateMaxAttempts: 10,
			DrainTimeoutSec: 5,
		},
		Scheduler: SchedulerConfig{
			TaskTimeoutSec:  600,
			QueueBound:      100,
			RetentionSec:    3600,
			SessionTTLSec:   3600,
			ApprovalTTLSec:  3600,
			MaxRetries:      3,
			MaxAlternatives: 2,
		},
		Tools: ToolsConfig{
			WorkspacePath: ".",
			MaxBytes:      1 << 20,
			TimeoutMs:     30000,
		},
		Nodes: NodesConfig{
			PairingTTLSec: 300,
			NodesPerUser:  5,
			RPCTimeoutSec: 30,
			RequestTTLSec: 600,
			MaxArgvLength: 10000,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   filepath.Join(home, ".moonbot", "moonbot.db"),
		},
		Observer: ObserverConfig{ServiceName: "moonbot"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = defaultPath()
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("MOONBOT_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("MOONBOT_TOKEN_DIGESTS"); v != "" {
		cfg.Auth.TokenDigests = splitList(v)
	}
	if v := os.Getenv("MOONBOT_WORKSPACE"); v != "" {
		cfg.Tools.WorkspacePath = v
	}
	if v := os.Getenv("MOONBOT_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("MOONBOT_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("MOONBOT_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("MOONBOT_TASK_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.TaskTimeoutSec = n
		}
	}
	if v := os.Getenv("MOONBOT_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.OTLPEndpoint = v
	}
	if v := os.Getenv("MOONBOT_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}

// defaultPath is ~/.moonbot/moonbot.toml, falling back to the working
// directory when no home is resolvable.
func defaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "moonbot.toml"
	}
	return filepath.Join(home, ".moonbot", "moonbot.toml")
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
