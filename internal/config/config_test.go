package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.GitHub.Token = "token"
	cfg.GitHub.Repos = []string{"octo/widgets"}
	cfg.ControlPlane.Token = "cp-token"
	return cfg
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Bus.BufferSize != 1000 {
		t.Errorf("bus.bufferSize = %d", cfg.Bus.BufferSize)
	}
	if cfg.Sync.MaxInFlight != 2 || cfg.Sync.BaseIntervalMs != 15000 {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	if cfg.Labels.CoalesceWindowMs != 500 || cfg.Labels.WriteClass != "best-effort" {
		t.Errorf("labels = %+v", cfg.Labels)
	}
	if cfg.ControlPlane.Host != "127.0.0.1" || cfg.ControlPlane.Port != 7777 {
		t.Errorf("controlplane = %+v", cfg.ControlPlane)
	}
	if cfg.Reconciler.MaxPrsPerRun != 20 {
		t.Errorf("reconciler = %+v", cfg.Reconciler)
	}
	if cfg.Persistence.RetentionDays != 14 || cfg.Persistence.FlushTimeoutMs != 5000 {
		t.Errorf("persistence = %+v", cfg.Persistence)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("RALPHD_TEST_TOKEN", "ghp_from_env")
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := strings.Join([]string{
		"github:",
		"  token: ${RALPHD_TEST_TOKEN}",
		"  repos:",
		"    - octo/widgets",
		"sync:",
		"  baseIntervalMs: 30000",
	}, "\n")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GitHub.Token != "ghp_from_env" {
		t.Errorf("token = %q", cfg.GitHub.Token)
	}
	if cfg.Sync.BaseIntervalMs != 30000 {
		t.Errorf("baseIntervalMs = %d", cfg.Sync.BaseIntervalMs)
	}
	// Untouched sections keep their defaults.
	if cfg.Bus.BufferSize != 1000 {
		t.Errorf("bus.bufferSize = %d", cfg.Bus.BufferSize)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := validConfig()
	cfg.Sync.AllOpen = true
	if err := Save(cfg, path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.Sync.AllOpen {
		t.Error("allOpen lost in round trip")
	}
	if loaded.GitHub.Repos[0] != "octo/widgets" {
		t.Errorf("repos = %v", loaded.GitHub.Repos)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing token", func(c *Config) { c.GitHub.Token = "" }, "github.token"},
		{"no repos", func(c *Config) { c.GitHub.Repos = nil }, "repos"},
		{"bad slug", func(c *Config) { c.GitHub.Repos = []string{"not-a-slug"} }, "slug"},
		{"bad port", func(c *Config) { c.ControlPlane.Port = 0 }, "port"},
		{"missing cp token", func(c *Config) { c.ControlPlane.Token = "" }, "controlplane.token"},
		{"bad write class", func(c *Config) { c.Labels.WriteClass = "eventually" }, "writeClass"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := expandPath("~/data/state.db"); got != filepath.Join(home, "data/state.db") {
		t.Errorf("expandPath = %q", got)
	}
	if got := expandPath("/var/lib/ralphd"); got != "/var/lib/ralphd" {
		t.Errorf("absolute path changed: %q", got)
	}
}
