// Package state persists the last lock-sync and test results per starter
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/starterkit/starterkit/pkg/logger"
	"github.com/starterkit/starterkit/pkg/types"
)

// StaleAfter is how long a running state may go without a heartbeat before
// status reports it as abandoned
const StaleAfter = 30 * time.Second

// StarterState is the persisted record of a starter
type StarterState struct {
	Starter       string                        `json:"starter"`
	RunID         string                        `json:"runId,omitempty"`
	ProcessID     int                           `json:"processId,omitempty"`
	Heartbeat     time.Time                     `json:"heartbeat"`
	LockStatus    types.RunStatus               `json:"lockStatus,omitempty"`
	LockAction    types.LockAction              `json:"lockAction,omitempty"`
	LastLockSync  time.Time                     `json:"lastLockSync,omitempty"`
	Scenarios     map[types.ScenarioKind]Record `json:"scenarios,omitempty"`
	RunCount      int                           `json:"runCount"`
	FailureCount  int                           `json:"failureCount"`
	LastError     string                        `json:"lastError,omitempty"`
	LastRunTime   time.Time                     `json:"lastRunTime,omitempty"`
	LastDurations map[string]time.Duration      `json:"lastDurations,omitempty"`
}

// Record is the last outcome of one scenario
type Record struct {
	Status   types.RunStatus `json:"status"`
	Attempts int             `json:"attempts,omitempty"`
	Time     time.Time       `json:"time"`
	Error    string          `json:"error,omitempty"`
}

// IsStale reports whether a running state lost its owner
func (s *StarterState) IsStale(now time.Time) bool {
	running := s.LockStatus == types.RunStatusRunning
	for _, r := range s.Scenarios {
		if r.Status == types.RunStatusRunning {
			running = true
		}
	}
	return running && now.Sub(s.Heartbeat) > StaleAfter
}

// Manager reads and writes state files under <root>/.starterkit/state
type Manager struct {
	stateDir string
	logger   logger.Logger

	mu            sync.Mutex
	states        map[string]*StarterState
	heartbeatStop chan struct{}
	heartbeatDone chan struct{}
}

// NewManager creates a state manager for the repository at root
func NewManager(root string, log logger.Logger) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{
		stateDir: filepath.Join(root, ".starterkit", "state"),
		logger:   log,
		states:   make(map[string]*StarterState),
	}
}

// Dir returns the state directory
func (m *Manager) Dir() string { return m.stateDir }

// Read returns the state of a starter. A missing file is os.ErrNotExist.
func (m *Manager) Read(starter string) (*StarterState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.states[starter]; ok {
		return s.clone(), nil
	}
	return m.loadStateFile(starter)
}

// MarkLockRunning records that lock-sync started for a starter
func (m *Manager) MarkLockRunning(starter, runID string) error {
	return m.update(starter, runID, func(s *StarterState) {
		s.LockStatus = types.RunStatusRunning
	})
}

// RecordLock stores a lock-sync result
func (m *Manager) RecordLock(res types.LockResult, runID string) error {
	return m.update(res.Starter, runID, func(s *StarterState) {
		s.LockAction = res.Action
		s.LastLockSync = time.Now()
		s.setDuration("lock", res.Duration)
		if res.Err != nil {
			s.LockStatus = types.RunStatusFailed
			s.LastError = res.Err.Error()
			s.FailureCount++
			return
		}
		s.LockStatus = types.RunStatusPassed
		if res.Action == types.LockActionSkipped {
			s.LockStatus = types.RunStatusSkipped
		}
	})
}

// MarkScenarioRunning records that a scenario started
func (m *Manager) MarkScenarioRunning(starter string, kind types.ScenarioKind, runID string) error {
	return m.update(starter, runID, func(s *StarterState) {
		s.setRecord(kind, Record{Status: types.RunStatusRunning, Time: time.Now()})
	})
}

// RecordScenario stores a scenario result and bumps the run counters
func (m *Manager) RecordScenario(res types.ScenarioResult, runID string) error {
	return m.update(res.Starter, runID, func(s *StarterState) {
		rec := Record{Status: res.Status, Attempts: res.Attempts, Time: time.Now()}
		s.RunCount++
		s.LastRunTime = rec.Time
		s.setDuration(string(res.Scenario), res.Duration)
		if res.Err != nil {
			rec.Error = res.Err.Error()
			s.LastError = rec.Error
			s.FailureCount++
		}
		s.setRecord(res.Scenario, rec)
	})
}

// Remove deletes the state of a starter
func (m *Manager) Remove(starter string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.states, starter)

	if err := os.Remove(m.getStateFilePath(starter)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	return nil
}

// Clean removes every state file
func (m *Manager) Clean() (int, error) {
	states, err := m.Discover()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, s := range states {
		if err := m.Remove(s.Starter); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Discover loads every state file, sorted by starter name. Unreadable
// files are logged and skipped.
func (m *Manager) Discover() ([]*StarterState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	files, err := os.ReadDir(m.stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var states []*StarterState
	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}

		name := strings.TrimSuffix(file.Name(), ".json")
		s, err := m.loadStateFile(name)
		if err != nil {
			m.logger.Warn("Failed to load state file",
				logger.WithField("starter", name),
				logger.WithField("error", err))
			continue
		}
		states = append(states, s)
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].Starter < states[j].Starter
	})
	return states, nil
}

// StartHeartbeat refreshes the heartbeat of states touched by this process
// until ctx ends or StopHeartbeat is called
func (m *Manager) StartHeartbeat(ctx context.Context, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.heartbeatStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.heartbeatStop = stop
	m.heartbeatDone = done
	ticker := time.NewTicker(interval)

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				m.updateHeartbeats(stop)
			}
		}
	}()
}

// StopHeartbeat stops the heartbeat goroutine and waits for it to exit. No
// heartbeat is written after it returns.
func (m *Manager) StopHeartbeat() {
	m.mu.Lock()
	stop, done := m.heartbeatStop, m.heartbeatDone
	m.heartbeatStop, m.heartbeatDone = nil, nil
	if stop != nil {
		close(stop)
	}
	m.mu.Unlock()

	if done != nil {
		<-done
	}
}

// Private methods

func (m *Manager) update(starter, runID string, apply func(*StarterState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[starter]
	if !ok {
		loaded, err := m.loadStateFile(starter)
		switch {
		case err == nil:
			s = loaded
		case errors.Is(err, os.ErrNotExist):
			s = &StarterState{Starter: starter}
		default:
			m.logger.Warn("Discarding unreadable state file",
				logger.WithField("starter", starter),
				logger.WithField("error", err))
			s = &StarterState{Starter: starter}
		}
		m.states[starter] = s
	}

	apply(s)
	s.RunID = runID
	s.ProcessID = os.Getpid()
	s.Heartbeat = time.Now()

	return m.saveStateFile(s)
}

func (s *StarterState) clone() *StarterState {
	cp := *s
	if s.Scenarios != nil {
		cp.Scenarios = make(map[types.ScenarioKind]Record, len(s.Scenarios))
		for k, v := range s.Scenarios {
			cp.Scenarios[k] = v
		}
	}
	if s.LastDurations != nil {
		cp.LastDurations = make(map[string]time.Duration, len(s.LastDurations))
		for k, v := range s.LastDurations {
			cp.LastDurations[k] = v
		}
	}
	return &cp
}

func (s *StarterState) setRecord(kind types.ScenarioKind, rec Record) {
	if s.Scenarios == nil {
		s.Scenarios = make(map[types.ScenarioKind]Record)
	}
	s.Scenarios[kind] = rec
}

func (s *StarterState) setDuration(key string, d time.Duration) {
	if s.LastDurations == nil {
		s.LastDurations = make(map[string]time.Duration)
	}
	s.LastDurations[key] = d
}

func (m *Manager) getStateFilePath(starter string) string {
	return filepath.Join(m.stateDir, starter+".json")
}

func (m *Manager) loadStateFile(starter string) (*StarterState, error) {
	data, err := os.ReadFile(m.getStateFilePath(starter))
	if err != nil {
		return nil, err
	}

	var s StarterState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return &s, nil
}

func (m *Manager) saveStateFile(s *StarterState) error {
	if err := os.MkdirAll(m.stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	stateFile := m.getStateFilePath(s.Starter)

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	// Write atomically
	tempFile := stateFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	if err := os.Rename(tempFile, stateFile); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename state file: %w", err)
	}

	return nil
}

func (m *Manager) updateHeartbeats(stop <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-stop:
		return
	default:
	}

	now := time.Now()
	for _, s := range m.states {
		s.Heartbeat = now
		if err := m.saveStateFile(s); err != nil {
			m.logger.Debug("Failed to update heartbeat",
				logger.WithField("starter", s.Starter),
				logger.WithField("error", err))
		}
	}
}
