// Package cli provides the command-line interface for starterkit
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/starterkit/starterkit/pkg/logger"
	"github.com/starterkit/starterkit/pkg/runner"
)

// Exit codes
const (
	ExitOK            = 0
	ExitFailure       = 1
	ExitInvalidConfig = 2
)

// ExitError carries the process exit code for a failed command
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps a command error onto a process exit code
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

func invalidConfig(err error) error {
	return &ExitError{Code: ExitInvalidConfig, Err: err}
}

// CLI holds the command tree and its dependencies. Nothing is global so
// tests can run several instances side by side.
type CLI struct {
	config   *Config
	rootCmd  *cobra.Command
	viper    *viper.Viper
	logger   logger.Logger
	runner   runner.Runner
	output   io.Writer
	errorOut io.Writer
}

// NewCLI creates a new CLI instance with the given configuration
func NewCLI(config *Config) *CLI {
	if config == nil {
		config = NewConfig()
	}

	cli := &CLI{
		config:   config,
		viper:    viper.New(),
		logger:   logger.Discard(),
		output:   os.Stdout,
		errorOut: os.Stderr,
	}

	cli.setupCommands()
	return cli
}

// NewCLIWithOutput creates a CLI with custom output writers (for testing)
func NewCLIWithOutput(config *Config, output, errorOut io.Writer) *CLI {
	cli := NewCLI(config)
	cli.output = output
	cli.errorOut = errorOut
	cli.rootCmd.SetOut(output)
	cli.rootCmd.SetErr(errorOut)
	return cli
}

// Execute runs the CLI with the given arguments
func (c *CLI) Execute(args []string) error {
	return c.ExecuteContext(context.Background(), args)
}

// ExecuteContext runs the CLI with context support
func (c *CLI) ExecuteContext(ctx context.Context, args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.ExecuteContext(ctx)
}

// Main runs the CLI against the process arguments and returns the exit code
func Main(version string, args []string) int {
	cfg := NewConfig()
	cfg.Version = version
	c := NewCLI(cfg)

	err := c.Execute(args)
	if err != nil {
		fmt.Fprintf(c.errorOut, "%s %v\n", color.RedString("✗"), err)
	}
	return ExitCode(err)
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:   "starterkit",
		Short: "Keep a repository of starter projects installable and working",
		Long: `starterkit maintains a collection of starter projects.

It verifies or regenerates every starter's package-lock.json with a pinned npm
version, and runs build and dev-server scenarios against each starter inside
an isolated workspace.`,

		PersistentPreRunE: c.initializeConfig,
		SilenceErrors:     true,
		SilenceUsage:      true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	c.setupFlags()

	c.rootCmd.Version = c.config.Version
	c.rootCmd.SetVersionTemplate("starterkit v{{.Version}}\n")

	c.rootCmd.AddCommand(c.newLockSyncCmd())
	c.rootCmd.AddCommand(c.newListCmd())
	c.rootCmd.AddCommand(c.newTestCmd())
	c.rootCmd.AddCommand(c.newStatusCmd())
	c.rootCmd.AddCommand(c.newLogsCmd())
	c.rootCmd.AddCommand(c.newValidateCmd())
	c.rootCmd.AddCommand(c.newWatchCmd())
	c.rootCmd.AddCommand(c.newCleanCmd())
	c.rootCmd.AddCommand(c.newVersionCmd())
}

func (c *CLI) setupFlags() {
	flags := c.rootCmd.PersistentFlags()

	flags.StringVar(&c.config.ConfigFile, "config", "", "config file (default: starterkit.config.json or .yaml in the root)")
	flags.StringVar(&c.config.ProjectRoot, "root", ".", "repository root holding the starters")
	flags.StringVarP(&c.config.Verbosity, "verbosity", "v", "info", "log level (debug, info, warn, error)")
}

// initializeConfig lets STARTERKIT_CONFIG, STARTERKIT_ROOT and
// STARTERKIT_VERBOSITY stand in for flags that were not given
func (c *CLI) initializeConfig(cmd *cobra.Command, args []string) error {
	v := c.viper
	v.SetEnvPrefix("STARTERKIT")
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	c.config.ConfigFile = v.GetString("config")
	c.config.ProjectRoot = v.GetString("root")
	c.config.Verbosity = v.GetString("verbosity")

	c.logger = c.newLogger("")
	return nil
}

// newLogger writes to stderr (and file, when set) in normal runs and to the
// configured writer in tests
func (c *CLI) newLogger(file string) logger.Logger {
	if c.errorOut == os.Stderr {
		return logger.CreateLogger(file, c.config.Verbosity)
	}
	return logger.CreateLoggerWithOutput(c.config.Verbosity, c.errorOut)
}

// Helper methods for structured output

func (c *CLI) printSuccess(message string) {
	c.logger.Success(message)
}

func (c *CLI) printError(message string) {
	c.logger.Error(message)
}

func (c *CLI) printInfo(message string) {
	c.logger.Info(message)
}

func (c *CLI) printWarning(message string) {
	c.logger.Warn(message)
}
