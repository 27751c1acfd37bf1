// Package types provides core types and configuration for starterkit
package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LockFileName is the npm lock file kept next to every package.json
const LockFileName = "package-lock.json"

// ManifestFileName is the package descriptor that marks a directory as a starter
const ManifestFileName = "package.json"

// LockMode selects what lock-sync does with each starter
type LockMode string

const (
	LockModeCheck      LockMode = "check"
	LockModeWrite      LockMode = "write"
	LockModeWriteForce LockMode = "write-force"
)

// ParseLockMode maps the --write/--force flag pair onto a mode.
// --force has no effect without --write.
func ParseLockMode(write, force bool) LockMode {
	switch {
	case write && force:
		return LockModeWriteForce
	case write:
		return LockModeWrite
	default:
		return LockModeCheck
	}
}

// LockAction records what lock-sync did for a starter
type LockAction string

const (
	LockActionChecked LockAction = "checked"
	LockActionUpdated LockAction = "updated"
	LockActionSkipped LockAction = "skipped"
)

// ScenarioKind identifies a starter test scenario
type ScenarioKind string

const (
	ScenarioBuild   ScenarioKind = "build"
	ScenarioPreview ScenarioKind = "preview"
)

// RunStatus is the outcome of a check or test
type RunStatus string

const (
	RunStatusUnknown RunStatus = "unknown"
	RunStatusRunning RunStatus = "running"
	RunStatusPassed  RunStatus = "passed"
	RunStatusFailed  RunStatus = "failed"
	RunStatusSkipped RunStatus = "skipped"
)

// LogLevel represents logging verbosity levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Starter is a directory holding a self-contained example application
type Starter struct {
	Name        string            `json:"name"`
	Dir         string            `json:"dir"`
	HasLockFile bool              `json:"hasLockFile"`
	Scripts     map[string]string `json:"scripts,omitempty"`
	// LoadErr is set when package.json exists but could not be read or
	// parsed. The starter is still listed so the failure stays its own.
	LoadErr error `json:"-"`
}

// HasScript reports whether package.json declares the named script
func (s Starter) HasScript(name string) bool {
	_, ok := s.Scripts[name]
	return ok
}

// Query selects rendered content on a preview page
type Query struct {
	Text  string `json:"text,omitempty" yaml:"text,omitempty"`
	Role  string `json:"role,omitempty" yaml:"role,omitempty"`
	Level int    `json:"level,omitempty" yaml:"level,omitempty"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
}

// IsZero reports whether no query was configured
func (q Query) IsZero() bool {
	return q.Text == "" && q.Role == "" && q.Name == ""
}

// String renders the query the way failures report it
func (q Query) String() string {
	if q.Role != "" {
		if q.Level > 0 {
			return fmt.Sprintf("role=%s level=%d name=%q", q.Role, q.Level, q.Name)
		}
		return fmt.Sprintf("role=%s name=%q", q.Role, q.Name)
	}
	return fmt.Sprintf("text=%q", q.Text)
}

// Edit replaces text in a file inside the mounted workspace
type Edit struct {
	File    string `json:"file" yaml:"file"`
	Find    string `json:"find" yaml:"find"`
	Replace string `json:"replace" yaml:"replace"`
}

// BuildScenario runs the production build and snapshots output directories
type BuildScenario struct {
	Command     []string `json:"command,omitempty" yaml:"command,omitempty"`
	Snapshots   []string `json:"snapshots" yaml:"snapshots"`
	StripHashes []string `json:"stripHashes,omitempty" yaml:"stripHashes,omitempty"`
}

// ShouldStripHashes reports whether entries of dir are hash-normalized
func (b *BuildScenario) ShouldStripHashes(dir string) bool {
	for _, d := range b.StripHashes {
		if strings.Trim(d, "/") == strings.Trim(dir, "/") {
			return true
		}
	}
	return false
}

// PreviewScenario starts the dev server and checks live edits reach the page
type PreviewScenario struct {
	Command     []string `json:"command,omitempty" yaml:"command,omitempty"`
	Expect      Query    `json:"expect" yaml:"expect"`
	Edit        *Edit    `json:"edit,omitempty" yaml:"edit,omitempty"`
	ExpectAfter Query    `json:"expectAfter,omitempty" yaml:"expectAfter,omitempty"`
}

// StarterConfig holds per-starter test settings
type StarterConfig struct {
	Skip           bool              `json:"skip,omitempty" yaml:"skip,omitempty"`
	InstallCommand []string          `json:"installCommand,omitempty" yaml:"installCommand,omitempty"`
	Environment    map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
	Build          *BuildScenario    `json:"build,omitempty" yaml:"build,omitempty"`
	Preview        *PreviewScenario  `json:"preview,omitempty" yaml:"preview,omitempty"`
}

// TestConfig holds harness-wide settings
type TestConfig struct {
	Timeout      Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	HookTimeout  Duration `json:"hookTimeout,omitempty" yaml:"hookTimeout,omitempty"`
	Retries      *int     `json:"retries,omitempty" yaml:"retries,omitempty"`
	Parallelism  int      `json:"parallelism,omitempty" yaml:"parallelism,omitempty"`
	SnapshotDir  string   `json:"snapshotDir,omitempty" yaml:"snapshotDir,omitempty"`
	PollInterval Duration `json:"pollInterval,omitempty" yaml:"pollInterval,omitempty"`
}

// LockSyncConfig holds lock-sync settings
type LockSyncConfig struct {
	NpmVersion  string `json:"npmVersion,omitempty" yaml:"npmVersion,omitempty"`
	Parallelism int    `json:"parallelism,omitempty" yaml:"parallelism,omitempty"`
}

// NotificationConfig represents notification preferences
type NotificationConfig struct {
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	File  string   `json:"file,omitempty" yaml:"file,omitempty"`
	Level LogLevel `json:"level,omitempty" yaml:"level,omitempty"`
}

// Config represents the main configuration
type Config struct {
	Version       string                   `json:"version" yaml:"version"`
	Exclude       []string                 `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	LockSync      LockSyncConfig           `json:"lockSync" yaml:"lockSync"`
	Test          TestConfig               `json:"test" yaml:"test"`
	Starters      map[string]StarterConfig `json:"starters,omitempty" yaml:"starters,omitempty"`
	Notifications *NotificationConfig      `json:"notifications,omitempty" yaml:"notifications,omitempty"`
	Logging       *LoggingConfig           `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// IsExcluded reports whether the starter is listed in Exclude
func (c *Config) IsExcluded(name string) bool {
	for _, e := range c.Exclude {
		if e == name {
			return true
		}
	}
	return false
}

// NotificationsEnabled reports whether desktop notifications are on
func (c *Config) NotificationsEnabled() bool {
	return c.Notifications != nil && c.Notifications.Enabled != nil && *c.Notifications.Enabled
}

// LockResult is the outcome of lock-sync for a single starter
type LockResult struct {
	Starter  string        `json:"starter"`
	Action   LockAction    `json:"action"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// ScenarioResult is the outcome of one scenario for one starter
type ScenarioResult struct {
	Starter  string        `json:"starter"`
	Scenario ScenarioKind  `json:"scenario"`
	Status   RunStatus     `json:"status"`
	Attempts int           `json:"attempts"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Duration is a time.Duration that reads "90s" strings or millisecond numbers
type Duration time.Duration

// Std returns the duration as time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalJSON accepts "60s" or 60000
func (d *Duration) UnmarshalJSON(data []byte) error {
	return d.parse(strings.Trim(string(data), `"`))
}

// MarshalJSON writes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", time.Duration(d).String())), nil
}

func (d *Duration) parse(raw string) error {
	if raw == "" || raw == "null" {
		*d = 0
		return nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %q", raw)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}
