package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/starterkit/starterkit/pkg/config"
	pcontext "github.com/starterkit/starterkit/pkg/context"
	"github.com/starterkit/starterkit/pkg/logger"
	"github.com/starterkit/starterkit/pkg/types"
)

// Config holds the global flag values
type Config struct {
	ConfigFile  string
	ProjectRoot string
	Verbosity   string
	Version     string
}

// NewConfig creates a new CLI configuration with defaults
func NewConfig() *Config {
	return &Config{
		ProjectRoot: ".",
		Verbosity:   "info",
		Version:     "dev",
	}
}

// RuntimeConfig is everything a command needs once flags, environment and
// the config file are resolved
type RuntimeConfig struct {
	Config     *Config
	Context    context.Context
	StartTime  time.Time
	RunID      string
	Root       string
	ConfigPath string
	Settings   *types.Config
	Env        config.Env
	Logger     logger.Logger
}

// LogDir returns where per-starter command output is appended
func (rc *RuntimeConfig) LogDir() string {
	return filepath.Join(rc.Root, ".starterkit", "logs")
}

// WorkspaceDir returns where sandbox workspaces are created
func (rc *RuntimeConfig) WorkspaceDir() string {
	return filepath.Join(rc.Root, ".starterkit", "workspaces")
}

// SnapshotDir returns the absolute snapshot directory
func (rc *RuntimeConfig) SnapshotDir() string {
	if filepath.IsAbs(rc.Settings.Test.SnapshotDir) {
		return rc.Settings.Test.SnapshotDir
	}
	return filepath.Join(rc.Root, rc.Settings.Test.SnapshotDir)
}

// WithTimeout creates a new context with timeout
func (rc *RuntimeConfig) WithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(rc.Context, timeout)
}

// runtime resolves the repository root and loads the config file. Any
// problem with the config file is an invalid-config exit.
func (c *CLI) runtime(ctx context.Context) (*RuntimeConfig, error) {
	root, err := filepath.Abs(c.config.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}

	env, err := config.LoadEnv()
	if err != nil {
		return nil, invalidConfig(err)
	}

	path, err := c.findConfig(root)
	if err != nil {
		return nil, invalidConfig(err)
	}

	settings, err := config.NewManager(env).Load(path)
	if err != nil {
		return nil, invalidConfig(fmt.Errorf("invalid config %s: %w", path, err))
	}

	if settings.Logging != nil && settings.Logging.File != "" {
		file := settings.Logging.File
		if !filepath.IsAbs(file) {
			file = filepath.Join(root, file)
		}
		c.logger = c.newLogger(file)
	}

	ctx = pcontext.WithStartTime(pcontext.WithRunID(ctx, ""), time.Now())
	log := c.logger
	// every line carries the run ID at debug level
	if c.config.Verbosity == "debug" {
		log = logger.WithContext(ctx, c.logger)
	}
	if path != "" {
		log.Debug("Using config file", logger.WithField("file", path))
	}

	return &RuntimeConfig{
		Config:     c.config,
		Context:    ctx,
		StartTime:  time.Now(),
		RunID:      pcontext.GetRunID(ctx),
		Root:       root,
		ConfigPath: path,
		Settings:   settings,
		Env:        env,
		Logger:     log,
	}, nil
}

// findConfig returns the explicit --config path or the config file found
// in root. No file at all means defaults.
func (c *CLI) findConfig(root string) (string, error) {
	if c.config.ConfigFile != "" {
		return c.config.ConfigFile, nil
	}

	path, err := config.Find(root)
	if errors.Is(err, config.ErrNoConfig) {
		return "", nil
	}
	return path, err
}
