package harness

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/multierr"

	"github.com/starterkit/starterkit/pkg/logger"
	"github.com/starterkit/starterkit/pkg/preview"
	"github.com/starterkit/starterkit/pkg/runner"
	"github.com/starterkit/starterkit/pkg/sandbox"
	"github.com/starterkit/starterkit/pkg/snapshot"
	"github.com/starterkit/starterkit/pkg/types"
)

// ErrEditTargetMissing means the text to replace is not in the edited file
var ErrEditTargetMissing = errors.New("edit target not found")

var (
	defaultBuildCommand   = []string{"npm", "run", "build"}
	defaultPreviewCommand = []string{"npm", "run", "dev"}
)

// runBuild runs the production build and compares each snapshot directory
func (h *Harness) runBuild(ctx context.Context, sb *sandbox.Sandbox, b *types.BuildScenario) error {
	cmd := b.Command
	if len(cmd) == 0 {
		cmd = defaultBuildCommand
	}

	if _, err := sb.RunCommand(ctx, cmd...); err != nil {
		return fmt.Errorf("build: %w", err)
	}

	if h.opts.Snapshots == nil {
		return nil
	}

	var errs error
	for _, dir := range b.Snapshots {
		entries, err := sb.ReadDir(dir)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("read %s: %w", dir, err))
			continue
		}
		if b.ShouldStripHashes(dir) {
			entries = snapshot.RemoveFileHashes(entries)
		}

		key := path.Clean(strings.TrimSuffix(dir, "/"))
		outcome, err := h.opts.Snapshots.Match(sb.Starter().Name, key, entries)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if outcome != snapshot.Matched {
			h.log.Info(fmt.Sprintf("Snapshot %s %s", key, outcome), logger.WithField("starter", sb.Starter().Name))
		}
	}
	return errs
}

// runPreview starts the dev server, waits for the expected content, applies
// the edit and waits for the change to show up
func (h *Harness) runPreview(ctx context.Context, sb *sandbox.Sandbox, p *types.PreviewScenario) (err error) {
	cmd := p.Command
	if len(cmd) == 0 {
		cmd = defaultPreviewCommand
	}

	proc, err := sb.Spawn(ctx, cmd...)
	if err != nil {
		return fmt.Errorf("dev server: %w", err)
	}
	defer proc.Stop()

	interval := h.opts.Config.Test.PollInterval.Std()

	url, err := preview.WaitForURL(ctx, proc, interval)
	if err != nil {
		return fmt.Errorf("%w\n%s", err, runner.TailLines(proc.Output(), 20))
	}

	page := preview.NewPage(url, preview.WithPollInterval(interval))
	if err := page.Wait(ctx, p.Expect); err != nil {
		return err
	}

	if p.Edit == nil {
		return nil
	}

	original, err := sb.ReadFile(p.Edit.File)
	if err != nil {
		return fmt.Errorf("edit: %w", err)
	}
	if !strings.Contains(original, p.Edit.Find) {
		return fmt.Errorf("%w: %q in %s", ErrEditTargetMissing, p.Edit.Find, p.Edit.File)
	}

	// restore the file so a retry starts from the same content
	defer func() {
		if restoreErr := sb.WriteFile(p.Edit.File, original); restoreErr != nil && err == nil {
			err = fmt.Errorf("restore %s: %w", p.Edit.File, restoreErr)
		}
	}()

	if err := sb.WriteFile(p.Edit.File, strings.Replace(original, p.Edit.Find, p.Edit.Replace, 1)); err != nil {
		return fmt.Errorf("edit: %w", err)
	}

	return page.Wait(ctx, p.ExpectAfter)
}
