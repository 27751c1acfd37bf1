// Package process ties command lifetimes to OS signals and runs cleanup
// handlers on shutdown
package process

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/starterkit/starterkit/pkg/logger"
)

// Manager cancels the run context on SIGINT/SIGTERM/SIGHUP and then runs
// the registered shutdown handlers in reverse order
type Manager struct {
	logger           logger.Logger
	shutdownHandlers []func()
	wg               sync.WaitGroup
	mu               sync.Mutex
	running          bool
	shutdownOnce     sync.Once
	cancel           context.CancelFunc
	signals          chan os.Signal
}

// NewManager creates a new process manager
func NewManager(log logger.Logger) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{
		logger:           log,
		shutdownHandlers: make([]func(), 0),
	}
}

// RegisterShutdownHandler adds a shutdown handler. Handlers run last
// registered first, so dev servers stop before their workspace is removed.
func (m *Manager) RegisterShutdownHandler(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.shutdownHandlers = append(m.shutdownHandlers, handler)
}

// Start returns a context that is cancelled when a signal arrives or
// parent ends
func (m *Manager) Start(parent context.Context) context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return parent
	}

	ctx, cancel := context.WithCancel(parent)
	m.running = true
	m.cancel = cancel

	m.signals = make(chan os.Signal, 1)
	signal.Notify(m.signals, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		select {
		case <-ctx.Done():
		case sig, ok := <-m.signals:
			if !ok {
				return
			}
			m.logger.Info("Received signal, shutting down", logger.WithField("signal", sig))
			cancel()
			m.runHandlers()
		}
	}()

	return ctx
}

// Stop runs the shutdown handlers if no signal did, and releases the
// signal subscription
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	signal.Stop(m.signals)
	m.wg.Wait()
	m.runHandlers()
}

// IsRunning checks if the process manager is running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) runHandlers() {
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		handlers := make([]func(), len(m.shutdownHandlers))
		copy(handlers, m.shutdownHandlers)
		m.mu.Unlock()

		for i := len(handlers) - 1; i >= 0; i-- {
			handlers[i]()
		}
	})
}

// IsAlive reports whether a process with pid exists
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
