package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/starterkit/starterkit/pkg/harness"
	"github.com/starterkit/starterkit/pkg/logger"
	"github.com/starterkit/starterkit/pkg/notifier"
	"github.com/starterkit/starterkit/pkg/npm"
	"github.com/starterkit/starterkit/pkg/process"
	"github.com/starterkit/starterkit/pkg/snapshot"
	"github.com/starterkit/starterkit/pkg/state"
	"github.com/starterkit/starterkit/pkg/types"
)

type testOptions struct {
	only            []string
	updateSnapshots bool
	keepWorkspace   bool
	retries         int
	parallel        int
}

func (c *CLI) newTestCmd() *cobra.Command {
	var opts testOptions

	cmd := &cobra.Command{
		Use:   "test [starter...]",
		Short: "Run the build and preview scenarios of each starter",
		Long: `Mount each configured starter into a fresh workspace, install its
dependencies and run its scenarios:

  build    run the production build and compare output directories with
           the stored snapshots
  preview  start the dev server, wait for the expected content, apply an
           edit and wait for the change to show up

Failed scenarios are retried up to test.retries times.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("retries") {
				opts.retries = -1
			}
			if !cmd.Flags().Changed("parallel") {
				opts.parallel = -1
			}
			return c.runTest(cmd.Context(), args, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.only, "only", nil, "run only these scenarios (build, preview)")
	cmd.Flags().BoolVarP(&opts.updateSnapshots, "update-snapshots", "u", false, "rewrite snapshots that do not match")
	cmd.Flags().BoolVar(&opts.keepWorkspace, "keep-workspace", false, "keep workspaces under .starterkit/workspaces")
	cmd.Flags().IntVar(&opts.retries, "retries", 0, "retries per failed scenario (default from config)")
	cmd.Flags().IntVarP(&opts.parallel, "parallel", "p", 0, "starters tested at once (default from config)")

	return cmd
}

func parseScenarioKinds(names []string) ([]types.ScenarioKind, error) {
	kinds := make([]types.ScenarioKind, 0, len(names))
	for _, n := range names {
		switch k := types.ScenarioKind(n); k {
		case types.ScenarioBuild, types.ScenarioPreview:
			kinds = append(kinds, k)
		default:
			return nil, fmt.Errorf("unknown scenario %q (expected build or preview)", n)
		}
	}
	return kinds, nil
}

func (c *CLI) runTest(ctx context.Context, names []string, opts testOptions) error {
	only, err := parseScenarioKinds(opts.only)
	if err != nil {
		return err
	}

	rc, err := c.runtime(ctx)
	if err != nil {
		return err
	}
	log := rc.Logger
	cfg := rc.Settings

	if opts.retries >= 0 {
		cfg.Test.Retries = &opts.retries
	}
	if opts.parallel >= 0 {
		cfg.Test.Parallelism = opts.parallel
	}

	pm := process.NewManager(log)
	ctx = pm.Start(rc.Context)
	defer pm.Stop()

	starters, err := c.selectStarters(rc, names)
	if err != nil {
		return err
	}

	st := state.NewManager(rc.Root, log)
	st.StartHeartbeat(ctx, heartbeatInterval)
	pm.RegisterShutdownHandler(st.StopHeartbeat)

	keep := opts.keepWorkspace || rc.Env.KeepWorkspace
	workspaceDir := ""
	if keep {
		workspaceDir = rc.WorkspaceDir()
	}

	r := c.commandRunner(rc)
	h := harness.New(harness.Options{
		Config:        cfg,
		Runner:        r,
		Npm:           npm.New(rc.Env.Npm, r),
		Snapshots:     snapshot.NewStore(rc.SnapshotDir(), opts.updateSnapshots, rc.Env.CI),
		State:         st,
		Logger:        log,
		WorkspaceDir:  workspaceDir,
		KeepWorkspace: keep,
		Only:          only,
		RunID:         rc.RunID,
	})

	results, runErr := h.Run(ctx, starters)
	if len(results) == 0 {
		c.printWarning("No starter has test scenarios configured")
		return nil
	}

	c.printResults(results)

	summary := notifier.Summary{Command: "test", Duration: time.Since(rc.StartTime)}
	for _, r := range results {
		switch r.Status {
		case types.RunStatusPassed:
			summary.Passed++
		case types.RunStatusFailed:
			summary.Failed++
		case types.RunStatusSkipped:
			summary.Skipped++
		}
	}
	c.notify(rc, summary)

	if runErr != nil {
		for _, f := range harness.Failed(results) {
			log.Error(fmt.Sprintf("%s failed: %v", f.Scenario, f.Err), logger.WithField("starter", f.Starter))
		}
		return &ExitError{
			Code: ExitFailure,
			Err:  fmt.Errorf("%d of %d scenarios failed", summary.Failed, len(results)),
		}
	}

	c.printSuccess(fmt.Sprintf("%d scenarios passed", summary.Passed))
	return nil
}

func (c *CLI) printResults(results []types.ScenarioResult) {
	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTER\tSCENARIO\tSTATUS\tATTEMPTS\tDURATION")
	fmt.Fprintln(w, "-------\t--------\t------\t--------\t--------")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			r.Starter,
			r.Scenario,
			colorStatus(r.Status),
			r.Attempts,
			r.Duration.Round(time.Millisecond),
		)
	}
	w.Flush()
}
