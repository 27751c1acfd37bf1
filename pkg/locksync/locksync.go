// Package locksync verifies and regenerates the package-lock.json of every
// starter
package locksync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"

	"github.com/starterkit/starterkit/internal/group"
	"github.com/starterkit/starterkit/pkg/logger"
	"github.com/starterkit/starterkit/pkg/npm"
	"github.com/starterkit/starterkit/pkg/runner"
	"github.com/starterkit/starterkit/pkg/types"
)

var (
	// ErrNoLockFile means a starter has no package-lock.json to check
	ErrNoLockFile = errors.New("lock file missing")
	// ErrOutOfSync means npm ci rejected the lock file
	ErrOutOfSync = errors.New("lock file out of sync")
	// ErrUpdateFailed means npm could not regenerate the lock file
	ErrUpdateFailed = errors.New("lock file update failed")
	// ErrInvalidManifest means the starter's package.json could not be read
	ErrInvalidManifest = errors.New("package.json unreadable")
)

// StarterError is a lock-sync failure for one starter. Its message is the
// line printed to the user; Unwrap exposes both the sentinel and the cause.
type StarterError struct {
	Starter string
	Kind    error
	Cause   error
}

func (e *StarterError) Error() string {
	switch e.Kind {
	case ErrNoLockFile:
		return fmt.Sprintf("No `%s` found for starter `%s`.", types.LockFileName, e.Starter)
	case ErrOutOfSync:
		return fmt.Sprintf("The `%s` is not in sync with the `%s` for starter `%s`.", types.LockFileName, types.ManifestFileName, e.Starter)
	case ErrUpdateFailed:
		return fmt.Sprintf("Failed to update the `%s` for starter `%s`.", types.LockFileName, e.Starter)
	case ErrInvalidManifest:
		return fmt.Sprintf("Could not read the `%s` for starter `%s`: %v", types.ManifestFileName, e.Starter, e.Cause)
	}
	return fmt.Sprintf("starter `%s`: %v", e.Starter, e.Cause)
}

func (e *StarterError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// Syncer runs lock-sync over a set of starters
type Syncer struct {
	npm         *npm.Client
	runner      runner.Runner
	logger      logger.Logger
	parallelism int
}

// New creates a Syncer. parallelism <= 0 runs every starter at once.
func New(client *npm.Client, r runner.Runner, log logger.Logger, parallelism int) *Syncer {
	if log == nil {
		log = logger.Discard()
	}
	return &Syncer{
		npm:         client,
		runner:      r,
		logger:      log,
		parallelism: parallelism,
	}
}

// Check verifies that the starter's lock file exists and that npm ci accepts it
func (s *Syncer) Check(ctx context.Context, starter types.Starter) error {
	if !lockFileExists(starter) {
		return &StarterError{Starter: starter.Name, Kind: ErrNoLockFile}
	}

	if _, err := s.runner.Run(ctx, s.npm.CI(starter)); err != nil {
		return &StarterError{Starter: starter.Name, Kind: ErrOutOfSync, Cause: err}
	}
	return nil
}

// Update regenerates the lock file. An existing lock file is left alone
// unless force is set.
func (s *Syncer) Update(ctx context.Context, starter types.Starter, force bool) (types.LockAction, error) {
	if !force && lockFileExists(starter) {
		return types.LockActionSkipped, nil
	}

	if _, err := s.runner.Run(ctx, s.npm.LockOnly(starter)); err != nil {
		return types.LockActionUpdated, &StarterError{Starter: starter.Name, Kind: ErrUpdateFailed, Cause: err}
	}
	return types.LockActionUpdated, nil
}

// Run processes every starter concurrently. A failing starter never stops
// the others. Results are returned in the order of starters, every failure
// is logged, and the returned error combines all failures.
func (s *Syncer) Run(ctx context.Context, starters []types.Starter, mode types.LockMode) ([]types.LockResult, error) {
	results := make([]types.LockResult, len(starters))

	errs := group.Run(ctx, s.logger, s.parallelism, len(starters), func(ctx context.Context, i int) error {
		results[i] = s.syncOne(ctx, starters[i], mode)
		return results[i].Err
	})

	var combined error
	for i, err := range errs {
		if err == nil {
			continue
		}
		// a recovered panic never reached results
		results[i].Starter = starters[i].Name
		results[i].Err = err
		s.logger.Error(err.Error(), logger.WithField("starter", starters[i].Name))
		combined = multierr.Append(combined, err)
	}

	return results, combined
}

func (s *Syncer) syncOne(ctx context.Context, starter types.Starter, mode types.LockMode) types.LockResult {
	start := time.Now()
	log := s.logger.WithStarter(starter.Name)
	res := types.LockResult{Starter: starter.Name}

	if starter.LoadErr != nil {
		res.Action = types.LockActionChecked
		res.Err = &StarterError{Starter: starter.Name, Kind: ErrInvalidManifest, Cause: starter.LoadErr}
		return res
	}

	switch mode {
	case types.LockModeWrite, types.LockModeWriteForce:
		res.Action, res.Err = s.Update(ctx, starter, mode == types.LockModeWriteForce)
	default:
		res.Action = types.LockActionChecked
		res.Err = s.Check(ctx, starter)
	}
	res.Duration = time.Since(start)

	if res.Err == nil {
		log.Debug(fmt.Sprintf("Lock file %s", res.Action),
			logger.WithField("duration_ms", res.Duration.Milliseconds()))
	}
	return res
}

func lockFileExists(starter types.Starter) bool {
	_, err := os.Stat(filepath.Join(starter.Dir, types.LockFileName))
	return err == nil
}

// Failed returns the results that carry an error
func Failed(results []types.LockResult) []types.LockResult {
	var out []types.LockResult
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}
