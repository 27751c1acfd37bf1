// Package mocks provides hand-written fakes for testing
package mocks

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/starterkit/starterkit/pkg/runner"
)

// RunFunc decides the outcome of a command run by MockRunner
type RunFunc func(ctx context.Context, cmd runner.Command) (*runner.Result, error)

// MockRunner is a runner.Runner that records commands and answers through
// a RunFunc
type MockRunner struct {
	mu           sync.Mutex
	commands     []runner.Command
	handler      RunFunc
	startHandler StartFunc
	started      []*MockProcess
}

// StartFunc creates the process handed out by MockRunner.Start
type StartFunc func(ctx context.Context, cmd runner.Command) (*MockProcess, error)

// NewMockRunner creates a runner that succeeds with empty output unless a
// handler is set
func NewMockRunner(handler RunFunc) *MockRunner {
	return &MockRunner{handler: handler}
}

// Run records the command and delegates to the handler
func (m *MockRunner) Run(ctx context.Context, cmd runner.Command) (*runner.Result, error) {
	m.mu.Lock()
	m.commands = append(m.commands, cmd)
	handler := m.handler
	m.mu.Unlock()

	if handler == nil {
		return &runner.Result{}, nil
	}
	return handler(ctx, cmd)
}

// OnStart sets the function used by Start
func (m *MockRunner) OnStart(fn StartFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startHandler = fn
}

// Start records the command and returns a MockProcess that runs until
// stopped
func (m *MockRunner) Start(ctx context.Context, cmd runner.Command) (runner.Process, error) {
	m.mu.Lock()
	m.commands = append(m.commands, cmd)
	fn := m.startHandler
	m.mu.Unlock()

	p := NewMockProcess("")
	if fn != nil {
		var err error
		if p, err = fn(ctx, cmd); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.started = append(m.started, p)
	m.mu.Unlock()
	return p, nil
}

// Commands returns every recorded command
func (m *MockRunner) Commands() []runner.Command {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]runner.Command, len(m.commands))
	copy(out, m.commands)
	return out
}

// CommandsFor returns the recorded command lines for a starter
func (m *MockRunner) CommandsFor(starter string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for _, c := range m.commands {
		if c.Starter == starter {
			out = append(out, c.String())
		}
	}
	return out
}

// Started returns the processes handed out by Start
func (m *MockRunner) Started() []*MockProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockProcess(nil), m.started...)
}

// Exit returns a RunFunc result for a command that exited with code
func Exit(cmd runner.Command, code int, output string) (*runner.Result, error) {
	res := &runner.Result{Output: []byte(output), ExitCode: code, Duration: time.Millisecond}
	if code == 0 {
		return res, nil
	}
	return res, &runner.ExitError{Command: cmd.String(), ExitCode: code, Output: res.Output}
}

// FailFor returns a handler that makes commands containing substr exit 1
// for the named starters and succeed for everyone else
func FailFor(substr string, starters ...string) RunFunc {
	failing := make(map[string]bool, len(starters))
	for _, s := range starters {
		failing[s] = true
	}
	return func(ctx context.Context, cmd runner.Command) (*runner.Result, error) {
		if failing[cmd.Starter] && strings.Contains(cmd.String(), substr) {
			return Exit(cmd, 1, "npm ERR! simulated failure\n")
		}
		return Exit(cmd, 0, "")
	}
}

// MockProcess is a runner.Process controlled by the test
type MockProcess struct {
	mu      sync.Mutex
	output  strings.Builder
	done    chan struct{}
	err     error
	stopped bool
	once    sync.Once
}

// NewMockProcess creates a running process with initial output
func NewMockProcess(output string) *MockProcess {
	p := &MockProcess{done: make(chan struct{})}
	p.output.WriteString(output)
	return p
}

// Write appends output as if the process printed it
func (p *MockProcess) Write(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output.WriteString(s)
}

// Output returns everything written so far
func (p *MockProcess) Output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.output.String()
}

// Done is closed once the process exits
func (p *MockProcess) Done() <-chan struct{} { return p.done }

// Err returns the exit error once Done is closed
func (p *MockProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Exit ends the process with err
func (p *MockProcess) Exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

// Stop ends the process and records that it was stopped
func (p *MockProcess) Stop() error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.Exit(nil)
	return nil
}

// Stopped reports whether Stop was called
func (p *MockProcess) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}
