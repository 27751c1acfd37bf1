// Package npm builds package-manager commands and checks the npm version
package npm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/starterkit/starterkit/pkg/runner"
	"github.com/starterkit/starterkit/pkg/types"
)

// DefaultBinary is the npm executable looked up on PATH
const DefaultBinary = "npm"

// ErrVersionMismatch is returned when the installed npm does not match the
// configured version
var ErrVersionMismatch = errors.New("npm version mismatch")

// VersionError describes an npm version mismatch
type VersionError struct {
	Expected string
	Found    string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("Expected npm version %s, but found %s.", e.Expected, e.Found)
}

func (e *VersionError) Unwrap() error { return ErrVersionMismatch }

// Client runs npm through a runner
type Client struct {
	bin    string
	runner runner.Runner
}

// New creates a client. An empty bin uses DefaultBinary.
func New(bin string, r runner.Runner) *Client {
	if bin == "" {
		bin = DefaultBinary
	}
	return &Client{bin: bin, runner: r}
}

// Binary returns the npm executable used
func (c *Client) Binary() string { return c.bin }

// Version runs npm --version
func (c *Client) Version(ctx context.Context) (string, error) {
	result, err := c.runner.Run(ctx, runner.Command{Name: c.bin, Args: []string{"--version"}})
	if err != nil {
		return "", fmt.Errorf("failed to get npm version: %w", err)
	}
	return strings.TrimSpace(string(result.Output)), nil
}

// CheckVersion verifies the installed npm. expected is either an exact
// version, compared literally, or a semver constraint such as "^10.8".
func (c *Client) CheckVersion(ctx context.Context, expected string) (string, error) {
	found, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	if err := MatchVersion(expected, found); err != nil {
		return found, err
	}
	return found, nil
}

// MatchVersion compares a found npm version against an exact version or a
// constraint
func MatchVersion(expected, found string) error {
	if expected == "" {
		return nil
	}

	if _, err := semver.StrictNewVersion(expected); err == nil {
		if found != expected {
			return &VersionError{Expected: expected, Found: found}
		}
		return nil
	}

	constraint, err := semver.NewConstraint(expected)
	if err != nil {
		return fmt.Errorf("invalid npm version constraint %q: %w", expected, err)
	}

	v, err := semver.NewVersion(found)
	if err != nil || !constraint.Check(v) {
		return &VersionError{Expected: expected, Found: found}
	}
	return nil
}

// CI is `npm ci`, which fails when the lock file disagrees with package.json
func (c *Client) CI(s types.Starter) runner.Command {
	return c.command(s, "ci")
}

// LockOnly regenerates package-lock.json without touching node_modules
func (c *Client) LockOnly(s types.Starter) runner.Command {
	return c.command(s, "install", "--package-lock-only", "--ignore-scripts")
}

// Install is a plain `npm install`
func (c *Client) Install(s types.Starter) runner.Command {
	return c.command(s, "install")
}

// RunScript is `npm run <name>`
func (c *Client) RunScript(s types.Starter, name string) runner.Command {
	return c.command(s, "run", name)
}

// Command wraps an arbitrary argv for a starter. An argv starting with
// "npm" uses the configured binary.
func (c *Client) Command(s types.Starter, argv []string) runner.Command {
	if len(argv) == 0 {
		return runner.Command{Starter: s.Name, Dir: s.Dir}
	}
	name := argv[0]
	if name == DefaultBinary {
		name = c.bin
	}
	return runner.Command{Starter: s.Name, Name: name, Args: argv[1:], Dir: s.Dir}
}

func (c *Client) command(s types.Starter, args ...string) runner.Command {
	return runner.Command{
		Starter: s.Name,
		Name:    c.bin,
		Args:    args,
		Dir:     s.Dir,
	}
}
