package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Gateway.Addr != "127.0.0.1:18789" {
		t.Errorf("addr = %q, want the loopback default", cfg.Gateway.Addr)
	}
	if cfg.Scheduler.TaskTimeoutSec != 600 {
		t.Errorf("task timeout = %d, want 600", cfg.Scheduler.TaskTimeoutSec)
	}
	if len(cfg.Auth.TokenDigests) != 0 {
		t.Error("defaults carry token digests")
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("driver = %q, want sqlite", cfg.Database.Driver)
	}
}

func TestLoad_TOMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moonbot.toml")
	data := `
[gateway]
addr = "127.0.0.1:9999"
rate_max_attempts = 3

[auth]
token_digests = ["aaaa", "bbbb"]

[tools.alternatives]
web_fetch = ["file_read"]
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := Load(path)
	if cfg.Gateway.Addr != "127.0.0.1:9999" {
		t.Errorf("addr = %q, want the file value", cfg.Gateway.Addr)
	}
	if cfg.Gateway.RateMaxAttempts != 3 {
		t.Errorf("rate_max_attempts = %d, want 3", cfg.Gateway.RateMaxAttempts)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Gateway.RateWindowSec != 60 {
		t.Errorf("rate_window_sec = %d, want the default 60", cfg.Gateway.RateWindowSec)
	}
	if len(cfg.Auth.TokenDigests) != 2 {
		t.Errorf("token digests = %v, want 2 entries", cfg.Auth.TokenDigests)
	}
	if got := cfg.Tools.Alternatives["web_fetch"]; len(got) != 1 || got[0] != "file_read" {
		t.Errorf("alternatives = %v, want [file_read]", got)
	}
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moonbot.toml")
	if err := os.WriteFile(path, []byte("[gateway]\naddr = \"127.0.0.1:9999\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MOONBOT_ADDR", "127.0.0.1:7777")
	t.Setenv("MOONBOT_TOKEN_DIGESTS", "aaaa, bbbb ,,")
	t.Setenv("MOONBOT_TASK_TIMEOUT_SEC", "42")

	cfg := Load(path)
	if cfg.Gateway.Addr != "127.0.0.1:7777" {
		t.Errorf("addr = %q, want the env value", cfg.Gateway.Addr)
	}
	if len(cfg.Auth.TokenDigests) != 2 || cfg.Auth.TokenDigests[1] != "bbbb" {
		t.Errorf("token digests = %v, want the trimmed pair", cfg.Auth.TokenDigests)
	}
	if cfg.Scheduler.TaskTimeoutSec != 42 {
		t.Errorf("task timeout = %d, want 42", cfg.Scheduler.TaskTimeoutSec)
	}
}

func TestLoad_BadEnvNumberIgnored(t *testing.T) {
	t.Setenv("MOONBOT_TASK_TIMEOUT_SEC", "not-a-number")
	cfg := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if cfg.Scheduler.TaskTimeoutSec != 600 {
		t.Errorf("task timeout = %d, want the default 600", cfg.Scheduler.TaskTimeoutSec)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if cfg.Gateway.Addr != "127.0.0.1:18789" {
		t.Errorf("addr = %q, want the default", cfg.Gateway.Addr)
	}
}
