// Package config handles configuration loading and management
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/starterkit/starterkit/pkg/types"
)

// CurrentVersion is the only supported config schema version
const CurrentVersion = "1.0"

// DefaultNpmVersion is the npm release the lock files are generated with
const DefaultNpmVersion = "10.8.0"

// BaseName is the config file name without extension
const BaseName = "starterkit.config"

// ErrNoConfig is returned by Find when no config file exists
var ErrNoConfig = errors.New("no starterkit config file found")

// Manager handles configuration operations
type Manager struct {
	env Env
}

// NewManager creates a new configuration manager
func NewManager(env Env) *Manager {
	return &Manager{env: env}
}

// Find locates starterkit.config.{json,yaml,yml} in root
func Find(root string) (string, error) {
	v := viper.New()
	v.AddConfigPath(root)
	v.SetConfigName(BaseName)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return "", ErrNoConfig
		}
		return "", fmt.Errorf("read config: %w", err)
	}
	return v.ConfigFileUsed(), nil
}

// Load reads the config at path, or returns defaults when path is empty
func (m *Manager) Load(path string) (*types.Config, error) {
	if path == "" {
		return m.GetDefaultConfig(), nil
	}
	return m.LoadConfig(path)
}

// LoadConfig loads configuration from a file
func (m *Manager) LoadConfig(path string) (*types.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &types.Config{}

	if err := json.Unmarshal(data, cfg); err == nil {
		return m.validateConfig(cfg)
	}

	// YAML goes through JSON so both formats share the same decoders
	var yamlData map[string]interface{}
	if err := yaml.Unmarshal(data, &yamlData); err == nil {
		jsonData, err := json.Marshal(yamlData)
		if err == nil {
			cfg = &types.Config{}
			if err := json.Unmarshal(jsonData, cfg); err != nil {
				return nil, fmt.Errorf("invalid config %s: %w", path, err)
			}
			return m.validateConfig(cfg)
		}
	}

	return nil, fmt.Errorf("failed to parse config as JSON or YAML")
}

// ValidateConfig validates a configuration
func (m *Manager) ValidateConfig(cfg *types.Config) error {
	if cfg.Version != CurrentVersion {
		return fmt.Errorf("unsupported config version: %q", cfg.Version)
	}

	if cfg.LockSync.Parallelism < 0 {
		return fmt.Errorf("lockSync.parallelism must not be negative")
	}
	if cfg.Test.Parallelism < 0 {
		return fmt.Errorf("test.parallelism must not be negative")
	}
	if cfg.Test.Retries != nil && *cfg.Test.Retries < 0 {
		return fmt.Errorf("test.retries must not be negative")
	}

	for name, sc := range cfg.Starters {
		if err := validateStarter(sc); err != nil {
			return fmt.Errorf("starter '%s': %w", name, err)
		}
	}

	return nil
}

// GetDefaultConfig returns the configuration used when no file exists
func (m *Manager) GetDefaultConfig() *types.Config {
	cfg := &types.Config{
		Version:  CurrentVersion,
		Starters: map[string]types.StarterConfig{},
	}
	m.ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset values. CI gets longer timeouts and retries.
func (m *Manager) ApplyDefaults(cfg *types.Config) {
	if cfg.LockSync.NpmVersion == "" {
		cfg.LockSync.NpmVersion = DefaultNpmVersion
	}

	timeout := 60 * time.Second
	retries := 0
	if m.env.CI {
		timeout = 180 * time.Second
		retries = 3
	}

	if cfg.Test.Timeout == 0 {
		cfg.Test.Timeout = types.Duration(timeout)
	}
	if cfg.Test.HookTimeout == 0 {
		cfg.Test.HookTimeout = types.Duration(timeout)
	}
	if cfg.Test.Retries == nil {
		cfg.Test.Retries = &retries
	}
	if cfg.Test.SnapshotDir == "" {
		cfg.Test.SnapshotDir = filepath.Join("test", "__snapshots__")
	}
	if cfg.Test.PollInterval == 0 {
		cfg.Test.PollInterval = types.Duration(250 * time.Millisecond)
	}
	if cfg.Starters == nil {
		cfg.Starters = map[string]types.StarterConfig{}
	}
	if cfg.Logging == nil {
		cfg.Logging = &types.LoggingConfig{Level: types.LogLevelInfo}
	}
}

// Private methods

func (m *Manager) validateConfig(cfg *types.Config) (*types.Config, error) {
	if err := m.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	m.ApplyDefaults(cfg)
	return cfg, nil
}

func validateStarter(sc types.StarterConfig) error {
	if b := sc.Build; b != nil {
		if len(b.Snapshots) == 0 {
			return fmt.Errorf("build scenario has no snapshot directories")
		}
		for _, dir := range b.Snapshots {
			if filepath.IsAbs(dir) {
				return fmt.Errorf("snapshot directory %q must be relative", dir)
			}
		}
	}

	if p := sc.Preview; p != nil {
		if p.Expect.IsZero() {
			return fmt.Errorf("preview scenario has no expectation")
		}
		if err := validateQuery(p.Expect); err != nil {
			return fmt.Errorf("preview.expect: %w", err)
		}
		if p.Edit != nil {
			if p.Edit.File == "" || p.Edit.Find == "" {
				return fmt.Errorf("preview.edit needs file and find")
			}
			if p.ExpectAfter.IsZero() {
				return fmt.Errorf("preview.edit needs expectAfter")
			}
			if err := validateQuery(p.ExpectAfter); err != nil {
				return fmt.Errorf("preview.expectAfter: %w", err)
			}
		}
	}

	return nil
}

func validateQuery(q types.Query) error {
	switch q.Role {
	case "":
		if q.Text == "" {
			return fmt.Errorf("text query is empty")
		}
	case "heading":
		if q.Name == "" {
			return fmt.Errorf("heading query needs a name")
		}
		if q.Level < 0 || q.Level > 6 {
			return fmt.Errorf("heading level %d out of range", q.Level)
		}
	default:
		return fmt.Errorf("unsupported role %q", q.Role)
	}
	return nil
}
