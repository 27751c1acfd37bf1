package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/starterkit/starterkit/pkg/locksync"
	"github.com/starterkit/starterkit/pkg/notifier"
	"github.com/starterkit/starterkit/pkg/npm"
	"github.com/starterkit/starterkit/pkg/process"
	"github.com/starterkit/starterkit/pkg/state"
	"github.com/starterkit/starterkit/pkg/types"
	"github.com/starterkit/starterkit/pkg/watch"
)

func (c *CLI) newWatchCmd() *cobra.Command {
	var write bool

	cmd := &cobra.Command{
		Use:   "watch [starter...]",
		Short: "Re-run lock-sync when a starter's package files change",
		Long: `Watch every starter's package.json and package-lock.json. After a
change settles, lock-sync runs again for that starter only. With --write,
missing lock files are created instead. Existing lock files are never
regenerated here since that would trigger the watcher again.

Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runWatch(cmd.Context(), args, types.ParseLockMode(write, false))
		},
	}

	cmd.Flags().BoolVar(&write, "write", false, "create missing lock files instead of checking")

	return cmd
}

func (c *CLI) runWatch(ctx context.Context, names []string, mode types.LockMode) error {
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
	if _, err := client.CheckVersion(ctx, rc.Settings.LockSync.NpmVersion); err != nil {
		return err
	}

	w, err := watch.New(log, watch.DefaultSettling)
	if err != nil {
		return err
	}
	pm.RegisterShutdownHandler(func() { w.Close() })

	byName := make(map[string]types.Starter, len(starters))
	for _, s := range starters {
		if err := w.Add(s); err != nil {
			return err
		}
		byName[s.Name] = s
	}

	syncer := locksync.New(client, r, log, 1)
	st := state.NewManager(rc.Root, log)
	n := notifier.New(notifier.Config{Enabled: rc.Settings.NotificationsEnabled()}, log)

	c.printInfo(fmt.Sprintf("Watching %d starters (%s)", len(starters), mode))

	return w.Run(ctx, func(name string) {
		starter, ok := byName[name]
		if !ok {
			return
		}
		if err := st.MarkLockRunning(name, rc.RunID); err != nil {
			log.Debug(fmt.Sprintf("Failed to save state: %v", err))
		}

		results, runErr := syncer.Run(ctx, []types.Starter{starter}, mode)
		for _, res := range results {
			if err := st.RecordLock(res, rc.RunID); err != nil {
				log.Debug(fmt.Sprintf("Failed to save state: %v", err))
			}
		}
		if runErr != nil {
			n.NotifyStarterFailure(name, runErr)
			return
		}
		log.WithStarter(name).Success(fmt.Sprintf("Lock file %s", results[0].Action))
	})
}
