// Package runner executes package-manager commands for starters
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/starterkit/starterkit/pkg/logger"
)

// DefaultGracePeriod is how long a stopped process may take to exit before it is killed
const DefaultGracePeriod = 5 * time.Second

// Command describes a process to run inside a starter directory
type Command struct {
	Starter string
	Name    string
	Args    []string
	Dir     string
	Env     map[string]string
}

// String renders the command line
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result is the outcome of a finished command
type Result struct {
	Output   []byte
	ExitCode int
	Duration time.Duration
}

// ExitError reports a command that ran but exited non-zero
type ExitError struct {
	Command  string
	ExitCode int
	Output   []byte
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
}

// Tail returns the last n lines of the command output
func (e *ExitError) Tail(n int) string {
	return TailLines(string(e.Output), n)
}

// Process is a command running in the background
type Process interface {
	// Output returns everything written to stdout and stderr so far
	Output() string
	// Done is closed once the process has exited
	Done() <-chan struct{}
	// Err returns the exit error once Done is closed
	Err() error
	// Stop interrupts the process group and kills it after the grace period
	Stop() error
}

// Runner runs commands to completion or in the background
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
	Start(ctx context.Context, cmd Command) (Process, error)
}

// ExecRunner implements Runner with os/exec. When LogDir is set, the output of
// every command is appended to LogDir/<starter>.log.
type ExecRunner struct {
	LogDir      string
	Logger      logger.Logger
	GracePeriod time.Duration

	mu sync.Mutex
}

// NewExecRunner creates a runner logging command output under logDir
func NewExecRunner(logDir string, log logger.Logger) *ExecRunner {
	if log == nil {
		log = logger.Discard()
	}
	return &ExecRunner{
		LogDir:      logDir,
		Logger:      log,
		GracePeriod: DefaultGracePeriod,
	}
}

// Run executes the command and waits for it to finish
func (r *ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	startTime := time.Now()

	logFile, err := r.openLogFile(c.Starter)
	if err != nil {
		r.Logger.Warn(fmt.Sprintf("Failed to open log file: %v", err))
	}
	defer func() {
		if logFile != nil {
			logFile.Close()
		}
	}()

	cmd := r.createCommand(ctx, c)

	var output bytes.Buffer
	var w io.Writer = &output
	if logFile != nil {
		fmt.Fprintf(logFile, "\n=== %s: %s (in %s) ===\n", startTime.Format("2006-01-02 15:04:05"), c, c.Dir)
		w = io.MultiWriter(&output, logFile)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	r.Logger.Debug("Running command",
		logger.WithField("starter", c.Starter),
		logger.WithField("command", c.String()))

	err = cmd.Run()
	result := &Result{
		Output:   output.Bytes(),
		Duration: time.Since(startTime),
	}

	if logFile != nil {
		fmt.Fprintf(logFile, "=== finished after %s: %v ===\n", result.Duration.Round(time.Millisecond), exitSummary(err))
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("%s: %w", c, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, &ExitError{Command: c.String(), ExitCode: result.ExitCode, Output: result.Output}
		}
		result.ExitCode = -1
		return result, fmt.Errorf("failed to run %s: %w", c, err)
	}

	return result, nil
}

// Start launches the command in the background. The process is stopped when
// ctx is cancelled or Stop is called.
func (r *ExecRunner) Start(ctx context.Context, c Command) (Process, error) {
	logFile, err := r.openLogFile(c.Starter)
	if err != nil {
		r.Logger.Warn(fmt.Sprintf("Failed to open log file: %v", err))
	}

	cmd := r.createCommand(ctx, c)

	p := &execProcess{
		cmd:   cmd,
		done:  make(chan struct{}),
		grace: r.gracePeriod(),
	}
	var w io.Writer = &p.out
	if logFile != nil {
		fmt.Fprintf(logFile, "\n=== %s: %s (background, in %s) ===\n", time.Now().Format("2006-01-02 15:04:05"), c, c.Dir)
		w = io.MultiWriter(&p.out, logFile)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("failed to start %s: %w", c, err)
	}

	r.Logger.Debug("Started background command",
		logger.WithField("starter", c.Starter),
		logger.WithField("command", c.String()),
		logger.WithField("pid", cmd.Process.Pid))

	go func() {
		p.err = cmd.Wait()
		if logFile != nil {
			fmt.Fprintf(logFile, "=== background command ended: %v ===\n", exitSummary(p.err))
			logFile.Close()
		}
		close(p.done)
	}()

	return p, nil
}

// LogPath returns the log file used for a starter
func (r *ExecRunner) LogPath(starter string) string {
	return filepath.Join(r.LogDir, starter+".log")
}

func (r *ExecRunner) createCommand(ctx context.Context, c Command) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir

	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return interruptGroup(cmd)
	}
	cmd.WaitDelay = r.gracePeriod()

	return cmd
}

func (r *ExecRunner) gracePeriod() time.Duration {
	if r.GracePeriod > 0 {
		return r.GracePeriod
	}
	return DefaultGracePeriod
}

func (r *ExecRunner) openLogFile(starter string) (*os.File, error) {
	if r.LogDir == "" || starter == "" {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(r.LogPath(starter), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	out   syncBuffer
	done  chan struct{}
	err   error
	grace time.Duration
	once  sync.Once
}

func (p *execProcess) Output() string        { return p.out.String() }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

func (p *execProcess) Stop() error {
	var stopErr error
	p.once.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}

		if err := interruptGroup(p.cmd); err != nil {
			stopErr = err
		}

		select {
		case <-p.done:
		case <-time.After(p.grace):
			stopErr = killGroup(p.cmd)
			<-p.done
		}
	})
	return stopErr
}

// syncBuffer is a bytes.Buffer safe for one writer and concurrent readers
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func exitSummary(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}

// TailLines returns the last n lines of s
func TailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
