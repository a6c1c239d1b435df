// Package config loads and validates the daemon configuration. The YAML file
// is environment-expanded before parsing, so tokens can live in the
// environment rather than on disk.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ralphd/ralphd/internal/controlplane"
	"github.com/ralphd/ralphd/internal/logging"
)

// Config is the root daemon configuration.
type Config struct {
	Version      string              `yaml:"version"`
	GitHub       *GitHubConfig       `yaml:"github"`
	Bus          *BusConfig          `yaml:"bus"`
	Persistence  *PersistenceConfig  `yaml:"persistence"`
	Store        *StoreConfig        `yaml:"store"`
	Sync         *SyncConfig         `yaml:"sync"`
	Labels       *LabelsConfig       `yaml:"labels"`
	Checkpoint   *CheckpointConfig   `yaml:"checkpoint"`
	Reconciler   *ReconcilerConfig   `yaml:"reconciler"`
	ControlPlane *controlplane.Config `yaml:"controlplane"`
	Logging      *logging.Config     `yaml:"logging"`
}

// GitHubConfig holds the API token and the repos the daemon manages.
type GitHubConfig struct {
	// Token authenticates against the GitHub API. Usually set via
	// ${GITHUB_TOKEN} in the YAML.
	Token string `yaml:"token"`
	// Owner is the GitHub login mentioned in escalation comments.
	Owner string `yaml:"owner"`
	// Repos are "owner/name" slugs to mirror and reconcile.
	Repos []string `yaml:"repos"`
}

// BusConfig tunes the in-process event bus.
type BusConfig struct {
	BufferSize int `yaml:"bufferSize"`
}

// PersistenceConfig tunes the dashboard event log on disk.
type PersistenceConfig struct {
	// Dir holds one JSONL file per UTC day.
	Dir            string `yaml:"dir"`
	RetentionDays  int    `yaml:"retentionDays"`
	FlushTimeoutMs int    `yaml:"flushTimeoutMs"`
}

// FlushTimeout returns the flush timeout as a duration.
func (p *PersistenceConfig) FlushTimeout() time.Duration {
	return time.Duration(p.FlushTimeoutMs) * time.Millisecond
}

// StoreConfig locates the state database.
type StoreConfig struct {
	// DataPath is the directory holding state.db.
	DataPath string `yaml:"dataPath"`
}

// SyncConfig tunes the per-repo issue mirror.
type SyncConfig struct {
	MaxInFlight      int  `yaml:"maxInFlight"`
	MaxPagesPerTick  int  `yaml:"maxPagesPerTick"`
	MaxIssuesPerTick int  `yaml:"maxIssuesPerTick"`
	BaseIntervalMs   int  `yaml:"baseIntervalMs"`
	// AllOpen mirrors every open issue, not just ralph-labeled ones.
	AllOpen bool `yaml:"allOpen"`
}

// BaseInterval returns the poll interval as a duration.
func (s *SyncConfig) BaseInterval() time.Duration {
	return time.Duration(s.BaseIntervalMs) * time.Millisecond
}

// LabelsConfig tunes the label write coordinator.
type LabelsConfig struct {
	CoalesceWindowMs int `yaml:"coalesceWindowMs"`
	// WriteClass is the default for callers that do not say: "immediate" or
	// "best-effort".
	WriteClass string `yaml:"writeClass"`
}

// CoalesceWindow returns the coalescing window as a duration.
func (l *LabelsConfig) CoalesceWindow() time.Duration {
	return time.Duration(l.CoalesceWindowMs) * time.Millisecond
}

// CheckpointConfig tunes the worker checkpoint runtime.
type CheckpointConfig struct {
	// PauseAtCheckpoint, when set, only honors pause requests at the named
	// checkpoint.
	PauseAtCheckpoint string `yaml:"pauseAtCheckpoint"`
	RecentToolsLimit  int    `yaml:"recentToolsLimit"`
	AnomalyCooldownMs int    `yaml:"anomalyCooldownMs"`
	AnomalyWindowMs   int    `yaml:"anomalyWindowMs"`
}

// ReconcilerConfig tunes the done reconciler.
type ReconcilerConfig struct {
	MaxPrsPerRun   int `yaml:"maxPrsPerRun"`
	BaseIntervalMs int `yaml:"baseIntervalMs"`
}

// BaseInterval returns the reconcile interval as a duration.
func (r *ReconcilerConfig) BaseInterval() time.Duration {
	return time.Duration(r.BaseIntervalMs) * time.Millisecond
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Version: "1.0",
		GitHub:  &GitHubConfig{},
		Bus:     &BusConfig{BufferSize: 1000},
		Persistence: &PersistenceConfig{
			Dir:            filepath.Join(homeDir, ".ralphd", "events"),
			RetentionDays:  14,
			FlushTimeoutMs: 5000,
		},
		Store: &StoreConfig{
			DataPath: filepath.Join(homeDir, ".ralphd"),
		},
		Sync: &SyncConfig{
			MaxInFlight:      2,
			MaxPagesPerTick:  2,
			MaxIssuesPerTick: 200,
			BaseIntervalMs:   15000,
		},
		Labels: &LabelsConfig{
			CoalesceWindowMs: 500,
			WriteClass:       "best-effort",
		},
		Checkpoint: &CheckpointConfig{
			RecentToolsLimit:  20,
			AnomalyCooldownMs: 60000,
			AnomalyWindowMs:   300000,
		},
		Reconciler: &ReconcilerConfig{
			MaxPrsPerRun:   20,
			BaseIntervalMs: 300000,
		},
		ControlPlane: &controlplane.Config{
			Host:              "127.0.0.1",
			Port:              7777,
			ReplayLastDefault: 100,
			ReplayLastMax:     1000,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load reads configuration from path, layered over the defaults. A missing
// file returns the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if config.Store != nil {
		config.Store.DataPath = expandPath(config.Store.DataPath)
	}
	if config.Persistence != nil {
		config.Persistence.Dir = expandPath(config.Persistence.Dir)
	}

	return config, nil
}

// Save writes configuration to a file, creating parent directories.
func Save(config *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// DefaultConfigPath returns the default configuration path.
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".ralphd", "config.yaml")
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Validate checks cross-field constraints before the daemon starts.
func (c *Config) Validate() error {
	if c.GitHub == nil || c.GitHub.Token == "" {
		return fmt.Errorf("github.token is required")
	}
	if len(c.GitHub.Repos) == 0 {
		return fmt.Errorf("at least one repo under github.repos is required")
	}
	for _, repo := range c.GitHub.Repos {
		if strings.Count(repo, "/") != 1 {
			return fmt.Errorf("invalid repo slug %q, want owner/name", repo)
		}
	}
	if c.ControlPlane != nil {
		if c.ControlPlane.Port < 1 || c.ControlPlane.Port > 65535 {
			return fmt.Errorf("invalid controlplane port: %d", c.ControlPlane.Port)
		}
		if c.ControlPlane.Token == "" {
			return fmt.Errorf("controlplane.token is required")
		}
	}
	if c.Labels != nil {
		switch c.Labels.WriteClass {
		case "", "immediate", "best-effort":
		default:
			return fmt.Errorf("invalid labels.writeClass %q", c.Labels.WriteClass)
		}
	}
	return nil
}
