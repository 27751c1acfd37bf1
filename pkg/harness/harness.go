// Package harness runs the build and preview scenarios of each starter
// inside a sandbox
package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/starterkit/starterkit/internal/group"
	"github.com/starterkit/starterkit/pkg/logger"
	"github.com/starterkit/starterkit/pkg/npm"
	"github.com/starterkit/starterkit/pkg/runner"
	"github.com/starterkit/starterkit/pkg/sandbox"
	"github.com/starterkit/starterkit/pkg/snapshot"
	"github.com/starterkit/starterkit/pkg/state"
	"github.com/starterkit/starterkit/pkg/types"
)

// ErrSetupFailed wraps mount and install failures. Every scenario of the
// starter fails with it.
var ErrSetupFailed = errors.New("setup failed")

// Options configure a Harness
type Options struct {
	Config    *types.Config
	Runner    runner.Runner
	Npm       *npm.Client
	Snapshots *snapshot.Store
	State     *state.Manager
	Logger    logger.Logger

	// WorkspaceDir holds sandbox workspaces; empty means the system temp dir
	WorkspaceDir  string
	KeepWorkspace bool
	// Only restricts the run to these scenario kinds when non-empty
	Only  []types.ScenarioKind
	RunID string
}

// Harness runs starter scenarios
type Harness struct {
	opts Options
	log  logger.Logger
}

// New creates a Harness
func New(opts Options) *Harness {
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Npm == nil {
		opts.Npm = npm.New("", opts.Runner)
	}
	return &Harness{opts: opts, log: opts.Logger}
}

// Run tests every starter. Starters run concurrently up to
// test.parallelism (default 1, since dev servers bind fixed ports).
// Results keep the order of starters; the error joins every failure.
func (h *Harness) Run(ctx context.Context, starters []types.Starter) ([]types.ScenarioResult, error) {
	limit := h.opts.Config.Test.Parallelism
	if limit <= 0 {
		limit = 1
	}

	perStarter := make([][]types.ScenarioResult, len(starters))
	errs := group.Run(ctx, h.log, limit, len(starters), func(ctx context.Context, i int) error {
		perStarter[i] = h.RunStarter(ctx, starters[i])
		return nil
	})

	var results []types.ScenarioResult
	var combined error
	for i, res := range perStarter {
		if errs[i] != nil {
			combined = multierr.Append(combined, fmt.Errorf("%s: %w", starters[i].Name, errs[i]))
			continue
		}
		for _, r := range res {
			results = append(results, r)
			if r.Err != nil {
				combined = multierr.Append(combined, fmt.Errorf("%s %s: %w", r.Starter, r.Scenario, r.Err))
			}
		}
	}
	return results, combined
}

// RunStarter mounts one starter, installs its dependencies and runs its
// scenarios in order: build, then preview
func (h *Harness) RunStarter(ctx context.Context, starter types.Starter) []types.ScenarioResult {
	cfg := h.opts.Config
	sc, configured := cfg.Starters[starter.Name]
	log := h.log.WithStarter(starter.Name)

	kinds := h.scenarios(sc)
	if !configured || len(kinds) == 0 {
		log.Debug("No scenarios configured")
		return nil
	}

	if sc.Skip {
		log.Info("Skipped")
		results := make([]types.ScenarioResult, 0, len(kinds))
		for _, k := range kinds {
			res := types.ScenarioResult{Starter: starter.Name, Scenario: k, Status: types.RunStatusSkipped}
			h.record(res)
			results = append(results, res)
		}
		return results
	}

	for _, k := range kinds {
		h.markRunning(starter.Name, k)
	}

	setupStart := time.Now()
	sb, err := h.setup(ctx, starter, sc)
	if err != nil {
		log.Error(fmt.Sprintf("Setup failed: %v", err))
		results := make([]types.ScenarioResult, 0, len(kinds))
		for _, k := range kinds {
			res := types.ScenarioResult{
				Starter:  starter.Name,
				Scenario: k,
				Status:   types.RunStatusFailed,
				Err:      err,
				Duration: time.Since(setupStart),
			}
			h.record(res)
			results = append(results, res)
		}
		return results
	}
	defer func() {
		if err := sb.Close(); err != nil {
			log.Warn(fmt.Sprintf("Failed to clean up workspace: %v", err))
		}
	}()

	results := make([]types.ScenarioResult, 0, len(kinds))
	for _, k := range kinds {
		res := h.runWithRetries(ctx, sb, sc, k, log)
		h.record(res)
		results = append(results, res)
	}
	return results
}

func (h *Harness) scenarios(sc types.StarterConfig) []types.ScenarioKind {
	var kinds []types.ScenarioKind
	if sc.Build != nil && h.wants(types.ScenarioBuild) {
		kinds = append(kinds, types.ScenarioBuild)
	}
	if sc.Preview != nil && h.wants(types.ScenarioPreview) {
		kinds = append(kinds, types.ScenarioPreview)
	}
	return kinds
}

func (h *Harness) wants(kind types.ScenarioKind) bool {
	if len(h.opts.Only) == 0 {
		return true
	}
	for _, k := range h.opts.Only {
		if k == kind {
			return true
		}
	}
	return false
}

// setup mounts the starter and installs dependencies within the hook timeout
func (h *Harness) setup(ctx context.Context, starter types.Starter, sc types.StarterConfig) (*sandbox.Sandbox, error) {
	if starter.LoadErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetupFailed, starter.LoadErr)
	}

	ctx, cancel := context.WithTimeout(ctx, h.opts.Config.Test.HookTimeout.Std())
	defer cancel()

	sb, err := sandbox.Mount(ctx, starter, sandbox.Options{
		BaseDir: h.opts.WorkspaceDir,
		Keep:    h.opts.KeepWorkspace,
		Runner:  h.opts.Runner,
		Npm:     h.opts.Npm,
		Logger:  h.log,
		Env:     sc.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSetupFailed, err)
	}

	install := sc.InstallCommand
	if len(install) == 0 {
		install = []string{"npm", "install"}
	}

	h.log.Info("Installing dependencies", logger.WithField("starter", starter.Name))
	if _, err := sb.RunCommand(ctx, install...); err != nil {
		sb.Close()
		return nil, fmt.Errorf("%w: %v", ErrSetupFailed, err)
	}
	return sb, nil
}

func (h *Harness) runWithRetries(ctx context.Context, sb *sandbox.Sandbox, sc types.StarterConfig, kind types.ScenarioKind, log logger.Logger) types.ScenarioResult {
	retries := 0
	if r := h.opts.Config.Test.Retries; r != nil {
		retries = *r
	}

	res := types.ScenarioResult{Starter: sb.Starter().Name, Scenario: kind}
	start := time.Now()

	for attempt := 1; attempt <= retries+1; attempt++ {
		res.Attempts = attempt
		res.Err = h.runScenario(ctx, sb, sc, kind)
		if res.Err == nil || ctx.Err() != nil {
			break
		}
		if attempt <= retries {
			log.Warn(fmt.Sprintf("%s failed, retrying (%d/%d): %v", kind, attempt, retries, res.Err))
		}
	}

	res.Duration = time.Since(start)
	if res.Err != nil {
		res.Status = types.RunStatusFailed
		log.Error(fmt.Sprintf("%s failed: %v", kind, res.Err),
			logger.WithField("attempts", res.Attempts))
	} else {
		res.Status = types.RunStatusPassed
		log.Success(fmt.Sprintf("%s passed", kind),
			logger.WithField("duration_ms", res.Duration.Milliseconds()))
	}
	return res
}

func (h *Harness) runScenario(ctx context.Context, sb *sandbox.Sandbox, sc types.StarterConfig, kind types.ScenarioKind) error {
	ctx, cancel := context.WithTimeout(ctx, h.opts.Config.Test.Timeout.Std())
	defer cancel()

	switch kind {
	case types.ScenarioBuild:
		return h.runBuild(ctx, sb, sc.Build)
	case types.ScenarioPreview:
		return h.runPreview(ctx, sb, sc.Preview)
	}
	return fmt.Errorf("unknown scenario %q", kind)
}

func (h *Harness) record(res types.ScenarioResult) {
	if h.opts.State == nil {
		return
	}
	if err := h.opts.State.RecordScenario(res, h.opts.RunID); err != nil {
		h.log.Warn(fmt.Sprintf("Failed to save state: %v", err), logger.WithField("starter", res.Starter))
	}
}

func (h *Harness) markRunning(starter string, kind types.ScenarioKind) {
	if h.opts.State == nil {
		return
	}
	if err := h.opts.State.MarkScenarioRunning(starter, kind, h.opts.RunID); err != nil {
		h.log.Warn(fmt.Sprintf("Failed to save state: %v", err), logger.WithField("starter", starter))
	}
}

// Failed returns the results that did not pass or skip
func Failed(results []types.ScenarioResult) []types.ScenarioResult {
	var out []types.ScenarioResult
	for _, r := range results {
		if r.Status == types.RunStatusFailed {
			out = append(out, r)
		}
	}
	return out
}
