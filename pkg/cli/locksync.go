package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/starterkit/starterkit/pkg/discovery"
	"github.com/starterkit/starterkit/pkg/locksync"
	"github.com/starterkit/starterkit/pkg/logger"
	"github.com/starterkit/starterkit/pkg/notifier"
	"github.com/starterkit/starterkit/pkg/npm"
	"github.com/starterkit/starterkit/pkg/process"
	"github.com/starterkit/starterkit/pkg/runner"
	"github.com/starterkit/starterkit/pkg/state"
	"github.com/starterkit/starterkit/pkg/types"
)

// heartbeatInterval keeps running states fresh for status
const heartbeatInterval = 5 * time.Second

func (c *CLI) newLockSyncCmd() *cobra.Command {
	var write, force bool
	var parallel int

	cmd := &cobra.Command{
		Use:   "lock-sync [starter...]",
		Short: "Verify or regenerate every starter's package-lock.json",
		Long: `Check that every starter's package-lock.json is in sync with its
package.json by running npm ci. With --write, create missing lock files
instead; --write --force regenerates all of them.

The installed npm must match lockSync.npmVersion before any starter is
touched. Starters run in parallel and every failure is reported.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("parallel") {
				parallel = -1
			}
			return c.runLockSync(cmd.Context(), args, types.ParseLockMode(write, force), parallel)
		},
	}

	cmd.Flags().BoolVar(&write, "write", false, "create missing lock files instead of checking")
	cmd.Flags().BoolVar(&force, "force", false, "with --write, regenerate existing lock files too")
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 0, "maximum starters at once (0 = unbounded)")

	return cmd
}

func (c *CLI) runLockSync(ctx context.Context, names []string, mode types.LockMode, parallel int) error {
	rc, err := c.runtime(ctx)
	if err != nil {
		return err
	}
	log := rc.Logger

	pm := process.NewManager(log)
	ctx = pm.Start(rc.Context)
	defer pm.Stop()

	starters, err := c.selectStarters(rc, names)
	if err != nil {
		return err
	}

	r := c.commandRunner(rc)
	client := npm.New(rc.Env.Npm, r)

	found, err := client.CheckVersion(ctx, rc.Settings.LockSync.NpmVersion)
	if err != nil {
		return err
	}
	log.Debug("npm version ok", logger.WithField("version", found))

	if parallel < 0 {
		parallel = rc.Settings.LockSync.Parallelism
	}

	st := state.NewManager(rc.Root, log)
	for _, s := range starters {
		if err := st.MarkLockRunning(s.Name, rc.RunID); err != nil {
			log.Debug("Failed to save state", logger.WithField("error", err))
		}
	}
	st.StartHeartbeat(ctx, heartbeatInterval)
	pm.RegisterShutdownHandler(st.StopHeartbeat)

	log.Info(fmt.Sprintf("Running lock-sync (%s) for %d starters", mode, len(starters)))

	syncer := locksync.New(client, r, log, parallel)
	results, runErr := syncer.Run(ctx, starters, mode)

	for _, res := range results {
		if err := st.RecordLock(res, rc.RunID); err != nil {
			log.Debug("Failed to save state", logger.WithField("error", err))
		}
	}

	failed := locksync.Failed(results)
	c.notify(rc, notifier.Summary{
		Command:  "lock-sync",
		Passed:   len(results) - len(failed),
		Failed:   len(failed),
		Duration: time.Since(rc.StartTime),
	})

	if runErr != nil {
		return &ExitError{
			Code: ExitFailure,
			Err:  fmt.Errorf("lock-sync failed for %d of %d starters", len(failed), len(results)),
		}
	}

	c.printSuccess(lockSummary(results))
	return nil
}

func lockSummary(results []types.LockResult) string {
	counts := map[types.LockAction]int{}
	for _, r := range results {
		counts[r.Action]++
	}
	msg := fmt.Sprintf("%d checked", counts[types.LockActionChecked])
	if n := counts[types.LockActionUpdated]; n > 0 || counts[types.LockActionSkipped] > 0 {
		msg = fmt.Sprintf("%d updated, %d skipped", n, counts[types.LockActionSkipped])
	}
	return "Lock files in sync: " + msg
}

// selectStarters lists the starters under the root, drops excluded ones
// and keeps the named ones when names are given
func (c *CLI) selectStarters(rc *RuntimeConfig, names []string) ([]types.Starter, error) {
	all, err := discovery.List(rc.Root)
	if err != nil {
		return nil, err
	}
	if len(names) > 0 {
		return discovery.Filter(all, names)
	}
	return discovery.Exclude(all, rc.Settings), nil
}

func (c *CLI) commandRunner(rc *RuntimeConfig) runner.Runner {
	if c.runner != nil {
		return c.runner
	}
	return runner.NewExecRunner(rc.LogDir(), rc.Logger)
}

func (c *CLI) notify(rc *RuntimeConfig, s notifier.Summary) {
	n := notifier.New(notifier.Config{
		Enabled: rc.Settings.NotificationsEnabled(),
		Sound:   true,
	}, rc.Logger)
	n.NotifyRun(s)
}
