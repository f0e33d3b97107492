package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"basic_config": {
			"server_address": ":5000",
			"provider": "openai",
			"model": "gpt-4o-mini",
			"rate_limit_seconds": 30
		},
		"databases": {
			"sqlite3": {"dsn": "chatflow.db"}
		},
		"providers": {
			"openai": {"api_key": "sk-test", "model": "gpt-4o-mini"}
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BasicConfig.ServerAddress != ":5000" {
		t.Fatalf("unexpected server address %q", cfg.BasicConfig.ServerAddress)
	}
	if cfg.BasicConfig.RateLimitSeconds != 30 {
		t.Fatalf("unexpected rate limit %d", cfg.BasicConfig.RateLimitSeconds)
	}
	// Relative sqlite paths resolve against the config file's directory.
	if want := filepath.Join(dir, "chatflow.db"); cfg.Databases["sqlite3"].DSN != want {
		t.Fatalf("sqlite dsn: want %q, got %q", want, cfg.Databases["sqlite3"].DSN)
	}
}

func TestLoadMemoryDSNUntouched(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{
		"basic_config": {"provider": "openai"},
		"databases": {"sqlite3": {"dsn": ":memory:"}},
		"providers": {"openai": {"api_key": "sk-test"}}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Databases["sqlite3"].DSN != ":memory:" {
		t.Fatalf("memory dsn must not be rewritten, got %q", cfg.Databases["sqlite3"].DSN)
	}
}

func TestLoadRejectsIncomplete(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing databases", `{"basic_config": {"provider": "openai"}, "providers": {"openai": {}}}`},
		{"missing provider", `{"basic_config": {}, "databases": {"sqlite3": {"dsn": ":memory:"}}}`},
		{"unconfigured provider", `{"basic_config": {"provider": "claude"}, "databases": {"sqlite3": {"dsn": ":memory:"}}, "providers": {"openai": {}}}`},
		{"malformed json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tc.body)
			if _, err := Load(path); err == nil {
				t.Fatalf("expected load error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
