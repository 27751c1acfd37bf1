// Package sandbox mounts a starter into a throwaway workspace and runs
// commands inside it
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/starterkit/starterkit/pkg/logger"
	"github.com/starterkit/starterkit/pkg/npm"
	"github.com/starterkit/starterkit/pkg/runner"
	"github.com/starterkit/starterkit/pkg/types"
)

// ErrOutsideWorkspace is returned for paths that escape the workspace
var ErrOutsideWorkspace = errors.New("path escapes the workspace")

// Options configure Mount
type Options struct {
	// BaseDir holds the workspace directories. Empty means os.TempDir().
	BaseDir string
	// Keep leaves the workspace on disk after Close
	Keep   bool
	Runner runner.Runner
	Npm    *npm.Client
	Logger logger.Logger
	Env    map[string]string
}

// Sandbox is a mounted copy of a starter
type Sandbox struct {
	starter types.Starter
	dir     string
	keep    bool
	runner  runner.Runner
	npm     *npm.Client
	logger  logger.Logger
	env     map[string]string

	mu     sync.Mutex
	procs  []runner.Process
	closed bool
}

// Mount copies the starter into a fresh workspace. node_modules, .git and
// anything matched by the starter's .gitignore files are left out.
func Mount(ctx context.Context, starter types.Starter, opts Options) (*Sandbox, error) {
	if opts.Runner == nil {
		return nil, errors.New("sandbox: runner is required")
	}
	if opts.Npm == nil {
		opts.Npm = npm.New("", opts.Runner)
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}

	if opts.BaseDir != "" {
		if err := os.MkdirAll(opts.BaseDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create workspace directory: %w", err)
		}
	}

	dir, err := os.MkdirTemp(opts.BaseDir, "starterkit-"+starter.Name+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	if err := copyTree(ctx, starter.Dir, dir); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to mount %s: %w", starter.Name, err)
	}

	opts.Logger.Debug("Mounted starter",
		logger.WithField("starter", starter.Name),
		logger.WithField("workspace", dir))

	return &Sandbox{
		starter: starter,
		dir:     dir,
		keep:    opts.Keep,
		runner:  opts.Runner,
		npm:     opts.Npm,
		logger:  opts.Logger,
		env:     opts.Env,
	}, nil
}

// Dir returns the workspace root
func (s *Sandbox) Dir() string { return s.dir }

// Starter returns the starter as seen from inside the workspace
func (s *Sandbox) Starter() types.Starter {
	st := s.starter
	st.Dir = s.dir
	return st
}

// RunCommand runs argv to completion. A non-zero exit is returned as an
// error that includes the tail of the output.
func (s *Sandbox) RunCommand(ctx context.Context, argv ...string) (*runner.Result, error) {
	cmd, err := s.command(argv)
	if err != nil {
		return nil, err
	}

	result, err := s.runner.Run(ctx, cmd)
	if err != nil {
		var exitErr *runner.ExitError
		if errors.As(err, &exitErr) {
			return result, fmt.Errorf("%w\n%s", err, exitErr.Tail(20))
		}
		return result, err
	}
	return result, nil
}

// Spawn starts argv in the background. The process is stopped by Close if
// it is still running.
func (s *Sandbox) Spawn(ctx context.Context, argv ...string) (runner.Process, error) {
	cmd, err := s.command(argv)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("sandbox is closed")
	}

	p, err := s.runner.Start(ctx, cmd)
	if err != nil {
		return nil, err
	}
	s.procs = append(s.procs, p)
	return p, nil
}

// ReadDir returns the sorted entry names of a workspace directory
func (s *Sandbox) ReadDir(path string) ([]string, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ReadFile returns the content of a workspace file
func (s *Sandbox) ReadFile(path string) (string, error) {
	full, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile replaces the content of a workspace file
func (s *Sandbox) WriteFile(path, content string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return err
	}

	mode := os.FileMode(0644)
	if info, err := os.Stat(full); err == nil {
		mode = info.Mode().Perm()
	}
	return os.WriteFile(full, []byte(content), mode)
}

// Close stops spawned processes and removes the workspace unless it is kept
func (s *Sandbox) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	procs := s.procs
	s.procs = nil
	s.mu.Unlock()

	var errs error
	for i := len(procs) - 1; i >= 0; i-- {
		if err := procs[i].Stop(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = multierr.Append(errs, fmt.Errorf("failed to stop process: %w", err))
		}
	}

	if s.keep {
		s.logger.Info(fmt.Sprintf("Keeping workspace %s", s.dir), logger.WithField("starter", s.starter.Name))
	} else if err := os.RemoveAll(s.dir); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to remove workspace: %w", err))
	}

	return errs
}

func (s *Sandbox) command(argv []string) (runner.Command, error) {
	if len(argv) == 0 {
		return runner.Command{}, errors.New("empty command")
	}
	cmd := s.npm.Command(s.Starter(), argv)
	cmd.Env = s.env
	return cmd, nil
}

func (s *Sandbox) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == "." {
		return s.dir, nil
	}
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, path)
	}
	return filepath.Join(s.dir, clean), nil
}

func copyTree(ctx context.Context, src, dst string) error {
	matcher := &ignoreMatcher{}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		if rel == "." {
			return matcher.load(path, nil)
		}

		if matcher.ignored(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			return matcher.load(path, splitPath(rel))
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target)
		}
		return nil
	})
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
