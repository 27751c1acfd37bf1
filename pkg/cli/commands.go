package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/starterkit/starterkit/pkg/discovery"
	"github.com/starterkit/starterkit/pkg/process"
	"github.com/starterkit/starterkit/pkg/state"
	"github.com/starterkit/starterkit/pkg/types"
	"github.com/starterkit/starterkit/pkg/validation"
)

func (c *CLI) newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the starters found in the repository",
		Long:  `List every directory with a package.json, whether it has a lock file and which scenarios are configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runList(cmd.Context())
		},
	}
}

func (c *CLI) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last lock-sync and test results",
		Long:  `Display the recorded lock-sync and scenario results of every starter.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runStatus(cmd.Context())
		},
	}
}

func (c *CLI) newLogsCmd() *cobra.Command {
	var lines int

	cmd := &cobra.Command{
		Use:   "logs [starter]",
		Short: "Show command output logs",
		Long:  `Display the npm output recorded for all starters or a specific starter.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			starter := ""
			if len(args) > 0 {
				starter = args[0]
			}
			return c.runLogs(starter, lines)
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of lines to show")

	return cmd
}

func (c *CLI) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long:  `Check that the configuration file is valid and matches the starters on disk.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runValidate(cmd.Context())
		},
	}
}

func (c *CLI) newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove state, logs and kept workspaces",
		Long:  `Remove everything starterkit stores under .starterkit in the repository root.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runClean(cmd.Context())
		},
	}
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of starterkit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(c.output, "starterkit v%s\n", c.config.Version)
		},
	}
}

// Implementation functions

func (c *CLI) runList(ctx context.Context) error {
	rc, err := c.runtime(ctx)
	if err != nil {
		return err
	}

	starters, err := discovery.List(rc.Root)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tLOCK FILE\tSCENARIOS\tNOTE")
	fmt.Fprintln(w, "----\t---------\t---------\t----")

	for _, s := range starters {
		lock := color.GreenString("✓")
		if !s.HasLockFile {
			lock = color.RedString("✗")
		}

		sc := rc.Settings.Starters[s.Name]
		var scenarios []string
		if sc.Build != nil {
			scenarios = append(scenarios, string(types.ScenarioBuild))
		}
		if sc.Preview != nil {
			scenarios = append(scenarios, string(types.ScenarioPreview))
		}
		configured := "-"
		if len(scenarios) > 0 {
			configured = strings.Join(scenarios, ", ")
		}

		note := ""
		switch {
		case s.LoadErr != nil:
			note = color.RedString("invalid package.json")
		case rc.Settings.IsExcluded(s.Name):
			note = "excluded"
		case sc.Skip:
			note = "skipped"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, lock, configured, note)
	}

	return w.Flush()
}

func (c *CLI) runStatus(ctx context.Context) error {
	rc, err := c.runtime(ctx)
	if err != nil {
		return err
	}

	sm := state.NewManager(rc.Root, rc.Logger)
	states, err := sm.Discover()
	if err != nil {
		return fmt.Errorf("failed to discover states: %w", err)
	}
	if len(states) == 0 {
		c.printInfo("No results recorded yet. Run 'starterkit lock-sync' or 'starterkit test'.")
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTER\tLOCK\tBUILD\tPREVIEW\tLAST RUN\tRUNS\tFAILURES")
	fmt.Fprintln(w, "-------\t----\t-----\t-------\t--------\t----\t--------")

	for _, s := range states {
		stale := isAbandoned(s, now)

		lastRun := "-"
		if last := latest(s.LastRunTime, s.LastLockSync); !last.IsZero() {
			lastRun = last.Format("2006-01-02 15:04:05")
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			s.Starter,
			statusCell(s.LockStatus, stale),
			statusCell(s.Scenarios[types.ScenarioBuild].Status, stale),
			statusCell(s.Scenarios[types.ScenarioPreview].Status, stale),
			lastRun,
			s.RunCount,
			s.FailureCount,
		)
	}

	return w.Flush()
}

// isAbandoned reports a running state whose process is gone or whose
// heartbeat stopped
func isAbandoned(s *state.StarterState, now time.Time) bool {
	if s.IsStale(now) {
		return true
	}
	running := s.LockStatus == types.RunStatusRunning
	for _, r := range s.Scenarios {
		if r.Status == types.RunStatusRunning {
			running = true
		}
	}
	return running && s.ProcessID != os.Getpid() && !process.IsAlive(s.ProcessID)
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func statusCell(status types.RunStatus, stale bool) string {
	if status == "" {
		return "-"
	}
	if status == types.RunStatusRunning && stale {
		return color.YellowString("stale")
	}
	return colorStatus(status)
}

func colorStatus(status types.RunStatus) string {
	switch status {
	case types.RunStatusPassed:
		return color.GreenString(string(status))
	case types.RunStatusFailed:
		return color.RedString(string(status))
	case types.RunStatusRunning:
		return color.YellowString(string(status))
	case types.RunStatusSkipped:
		return color.CyanString(string(status))
	}
	return color.WhiteString(string(status))
}

func (c *CLI) runLogs(starter string, lines int) error {
	root, err := filepath.Abs(c.config.ProjectRoot)
	if err != nil {
		return err
	}
	logDir := filepath.Join(root, ".starterkit", "logs")

	if _, err := os.Stat(logDir); os.IsNotExist(err) {
		c.printWarning("No logs found. Run 'starterkit lock-sync' or 'starterkit test' first.")
		return nil
	}

	var logFiles []string
	if starter != "" {
		if !filepath.IsLocal(starter) || filepath.Base(starter) != starter {
			return fmt.Errorf("invalid starter name: %s", starter)
		}
		file := filepath.Join(logDir, starter+".log")
		if _, err := os.Stat(file); os.IsNotExist(err) {
			return fmt.Errorf("no logs found for starter: %s", starter)
		}
		logFiles = []string{file}
	} else {
		entries, err := os.ReadDir(logDir)
		if err != nil {
			return fmt.Errorf("failed to read log directory: %w", err)
		}
		for _, entry := range entries {
			if !entry.IsDir() && filepath.Ext(entry.Name()) == ".log" {
				logFiles = append(logFiles, filepath.Join(logDir, entry.Name()))
			}
		}
		if len(logFiles) == 0 {
			c.printWarning("No log files found")
			return nil
		}
	}

	for _, file := range logFiles {
		content, err := readLastNLines(file, lines)
		if err != nil {
			c.printError(fmt.Sprintf("Failed to display %s: %v", filepath.Base(file), err))
			continue
		}
		fmt.Fprintf(c.output, "\n=== %s ===\n", strings.TrimSuffix(filepath.Base(file), ".log"))
		fmt.Fprint(c.output, content)
	}

	return nil
}

func readLastNLines(filename string, n int) (string, error) {
	file, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if n > 0 && len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", nil
	}

	return strings.Join(lines, "\n") + "\n", nil
}

func (c *CLI) runValidate(ctx context.Context) error {
	rc, err := c.runtime(ctx)
	if err != nil {
		c.printError(fmt.Sprintf("Configuration is invalid: %v", err))
		return err
	}

	starters, err := discovery.List(rc.Root)
	if err != nil {
		return err
	}

	result := validation.NewStarterValidator().Validate(rc.Settings, starters)

	var errs, warnings []string
	for _, e := range result.Errors {
		switch e.Level {
		case validation.ValidationLevelError:
			errs = append(errs, e.Error())
		case validation.ValidationLevelWarning:
			warnings = append(warnings, e.Error())
		default:
			rc.Logger.Debug(e.Error())
		}
	}

	if len(errs) > 0 {
		c.printError("Configuration has errors:")
		for _, e := range errs {
			fmt.Fprintf(c.output, "  ✗ %s\n", e)
		}
	}
	if len(warnings) > 0 {
		c.printWarning("Configuration warnings:")
		for _, w := range warnings {
			fmt.Fprintf(c.output, "  ⚠ %s\n", w)
		}
	}

	if result.Valid {
		c.printSuccess(fmt.Sprintf("Configuration is valid (%d starters)", len(starters)))
		return nil
	}
	return invalidConfig(fmt.Errorf("configuration has %d error(s)", len(errs)))
}

func (c *CLI) runClean(ctx context.Context) error {
	rc, err := c.runtime(ctx)
	if err != nil {
		return err
	}

	removed, err := state.NewManager(rc.Root, rc.Logger).Clean()
	if err != nil {
		return err
	}

	var errs error
	for _, dir := range []string{rc.LogDir(), rc.WorkspaceDir()} {
		if err := os.RemoveAll(dir); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to remove %s: %w", dir, err))
		}
	}
	if errs != nil {
		return errs
	}

	c.printSuccess(fmt.Sprintf("Removed %d state files, logs and workspaces", removed))
	return nil
}
