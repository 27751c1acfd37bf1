package cli_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starterkit/starterkit/pkg/cli"
	"github.com/starterkit/starterkit/pkg/mocks"
	"github.com/starterkit/starterkit/pkg/runner"
	"github.com/starterkit/starterkit/pkg/state"
	"github.com/starterkit/starterkit/pkg/types"
)

type testEnv struct {
	root   string
	runner *mocks.MockRunner
	out    bytes.Buffer
	errOut bytes.Buffer
}

// newTestEnv creates a repository with one starter per name. Every starter
// has a package-lock.json unless listed in noLock.
func newTestEnv(t *testing.T, names []string, noLock ...string) *testEnv {
	t.Helper()
	t.Setenv("CI", "false")
	t.Setenv("STARTERKIT_NPM", "npm")
	t.Setenv("STARTERKIT_KEEP_WORKSPACE", "false")

	root := t.TempDir()
	missing := map[string]bool{}
	for _, n := range noLock {
		missing[n] = true
	}
	for _, n := range names {
		writeFile(t, filepath.Join(root, n, "package.json"), `{"scripts":{"build":"vite build","dev":"vite"}}`)
		if !missing[n] {
			writeFile(t, filepath.Join(root, n, "package-lock.json"), `{}`)
		}
	}

	env := &testEnv{root: root}
	env.runner = mocks.NewMockRunner(npmHandler("10.8.0", nil))
	return env
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// npmHandler answers npm --version with version and fails npm ci for the
// starters in failing
func npmHandler(version string, failing map[string]bool) mocks.RunFunc {
	return func(ctx context.Context, cmd runner.Command) (*runner.Result, error) {
		if cmd.String() == "npm --version" {
			return mocks.Exit(cmd, 0, version+"\n")
		}
		if failing[cmd.Starter] && cmd.String() == "npm ci" {
			return mocks.Exit(cmd, 1, "npm ERR! lock file out of date\n")
		}
		return mocks.Exit(cmd, 0, "")
	}
}

func (e *testEnv) run(args ...string) error {
	e.out.Reset()
	e.errOut.Reset()
	c := cli.NewCLIWithOutput(cli.NewConfig(), &e.out, &e.errOut)
	c.SetRunner(e.runner)
	return c.Execute(append([]string{"--root", e.root}, args...))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{nil, cli.ExitOK},
		{errors.New("boom"), cli.ExitFailure},
		{&cli.ExitError{Code: cli.ExitInvalidConfig, Err: errors.New("bad")}, cli.ExitInvalidConfig},
	}
	for _, tt := range tests {
		if got := cli.ExitCode(tt.err); got != tt.code {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.code)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cfg := cli.NewConfig()
	cfg.Version = "1.2.3"
	c := cli.NewCLIWithOutput(cfg, &out, &bytes.Buffer{})

	if err := c.Execute([]string{"version"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(out.String()) != "starterkit v1.2.3" {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestLockSync_AllInSync(t *testing.T) {
	env := newTestEnv(t, []string{"angular", "koa", "vue"})

	if err := env.run("lock-sync"); err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, env.errOut.String())
	}

	for _, name := range []string{"angular", "koa", "vue"} {
		cmds := env.runner.CommandsFor(name)
		if len(cmds) != 1 || cmds[0] != "npm ci" {
			t.Errorf("%s: expected npm ci, got %v", name, cmds)
		}
	}

	s, err := state.NewManager(env.root, nil).Read("koa")
	if err != nil {
		t.Fatalf("state not written: %v", err)
	}
	if s.LockStatus != types.RunStatusPassed || s.LockAction != types.LockActionChecked {
		t.Errorf("unexpected state %+v", s)
	}
	if !strings.HasPrefix(s.RunID, "run_") {
		t.Errorf("expected a generated run ID in state, got %q", s.RunID)
	}
}

func TestLockSync_FailuresDoNotStopOthers(t *testing.T) {
	env := newTestEnv(t, []string{"angular", "graphql", "koa"}, "koa")
	env.runner = mocks.NewMockRunner(npmHandler("10.8.0", map[string]bool{"graphql": true}))

	err := env.run("lock-sync")
	if cli.ExitCode(err) != cli.ExitFailure {
		t.Fatalf("expected exit 1, got %v", err)
	}

	logs := env.errOut.String()
	for _, want := range []string{
		"The `package-lock.json` is not in sync with the `package.json` for starter `graphql`.",
		"No `package-lock.json` found for starter `koa`.",
	} {
		if !strings.Contains(logs, want) {
			t.Errorf("expected %q in output:\n%s", want, logs)
		}
	}
	if len(env.runner.CommandsFor("angular")) != 1 {
		t.Error("angular should still be checked")
	}
}

func TestLockSync_BrokenManifestDoesNotStopOthers(t *testing.T) {
	env := newTestEnv(t, []string{"angular", "broken", "koa"})
	writeFile(t, filepath.Join(env.root, "broken", "package.json"), `{ not json`)

	err := env.run("lock-sync")
	if cli.ExitCode(err) != cli.ExitFailure {
		t.Fatalf("expected exit 1, got %v", err)
	}
	if !strings.Contains(env.errOut.String(), "Could not read the `package.json` for starter `broken`") {
		t.Errorf("expected broken starter in output:\n%s", env.errOut.String())
	}
	for _, name := range []string{"angular", "koa"} {
		if cmds := env.runner.CommandsFor(name); len(cmds) != 1 || cmds[0] != "npm ci" {
			t.Errorf("%s: expected npm ci, got %v", name, cmds)
		}
	}
}

func TestLockSync_VersionMismatch(t *testing.T) {
	env := newTestEnv(t, []string{"angular"})
	env.runner = mocks.NewMockRunner(npmHandler("9.2.0", nil))

	err := env.run("lock-sync")
	if err == nil || err.Error() != "Expected npm version 10.8.0, but found 9.2.0." {
		t.Fatalf("unexpected error %v", err)
	}
	if cli.ExitCode(err) != cli.ExitFailure {
		t.Errorf("expected exit 1, got %d", cli.ExitCode(err))
	}
	if len(env.runner.CommandsFor("angular")) != 0 {
		t.Error("no starter may be touched after a version mismatch")
	}
}

func TestLockSync_WriteModes(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantExit int
		want     map[string][]string
	}{
		{
			name: "write creates missing lock files only",
			args: []string{"lock-sync", "--write"},
			want: map[string][]string{
				"angular": nil,
				"koa":     {"npm install --package-lock-only --ignore-scripts"},
			},
		},
		{
			name: "write force regenerates all",
			args: []string{"lock-sync", "--write", "--force"},
			want: map[string][]string{
				"angular": {"npm install --package-lock-only --ignore-scripts"},
				"koa":     {"npm install --package-lock-only --ignore-scripts"},
			},
		},
		{
			name:     "force without write only checks",
			args:     []string{"lock-sync", "--force"},
			wantExit: cli.ExitFailure,
			want: map[string][]string{
				"angular": {"npm ci"},
				"koa":     nil,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, []string{"angular", "koa"}, "koa")
			if err := env.run(tt.args...); cli.ExitCode(err) != tt.wantExit {
				t.Fatalf("expected exit %d, got %v", tt.wantExit, err)
			}

			for name, want := range tt.want {
				got := env.runner.CommandsFor(name)
				if strings.Join(got, "|") != strings.Join(want, "|") {
					t.Errorf("%s: expected %v, got %v", name, want, got)
				}
			}
		})
	}
}

func TestLockSync_NamedStarters(t *testing.T) {
	env := newTestEnv(t, []string{"angular", "koa"})

	if err := env.run("lock-sync", "koa"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(env.runner.CommandsFor("angular")) != 0 {
		t.Error("angular was not requested")
	}

	if err := env.run("lock-sync", "missing"); err == nil {
		t.Error("expected error for unknown starter")
	}
}

func TestLockSync_ExcludedStarter(t *testing.T) {
	env := newTestEnv(t, []string{"angular", "legacy"})
	writeFile(t, filepath.Join(env.root, "starterkit.config.yaml"), "version: \"1.0\"\nexclude:\n  - legacy\n")

	if err := env.run("lock-sync"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(env.runner.CommandsFor("legacy")) != 0 {
		t.Error("excluded starter was checked")
	}
}

func TestInvalidConfigExitCode(t *testing.T) {
	env := newTestEnv(t, []string{"angular"})
	writeFile(t, filepath.Join(env.root, "starterkit.config.json"), `{"version": "2.0"}`)

	for _, cmd := range []string{"lock-sync", "test", "list", "validate"} {
		err := env.run(cmd)
		if cli.ExitCode(err) != cli.ExitInvalidConfig {
			t.Errorf("%s: expected exit 2, got %v", cmd, err)
		}
	}
}

func TestListCommand(t *testing.T) {
	env := newTestEnv(t, []string{"angular", "koa"}, "koa")
	writeFile(t, filepath.Join(env.root, "starterkit.config.json"), `{
  "version": "1.0",
  "starters": {"angular": {"build": {"snapshots": ["dist"]}}}
}`)

	if err := env.run("list"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := env.out.String()
	for _, want := range []string{"angular", "koa", "build", "✗"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in:\n%s", want, out)
		}
	}
}

func TestValidateCommand(t *testing.T) {
	env := newTestEnv(t, []string{"angular"})

	writeFile(t, filepath.Join(env.root, "starterkit.config.json"), `{
  "version": "1.0",
  "starters": {"angular": {"build": {"snapshots": ["dist"]}}}
}`)
	if err := env.run("validate"); err != nil {
		t.Fatalf("expected valid config, got %v\n%s", err, env.out.String())
	}

	writeFile(t, filepath.Join(env.root, "starterkit.config.json"), `{
  "version": "1.0",
  "starters": {"react": {"build": {"snapshots": ["dist"]}}}
}`)
	err := env.run("validate")
	if cli.ExitCode(err) != cli.ExitInvalidConfig {
		t.Fatalf("expected exit 2, got %v", err)
	}
	if !strings.Contains(env.out.String(), "react.starters") {
		t.Errorf("expected unknown starter report, got:\n%s", env.out.String())
	}
}

func TestStatusCommand(t *testing.T) {
	env := newTestEnv(t, []string{"angular"})

	if err := env.run("status"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(env.errOut.String(), "No results recorded yet") {
		t.Errorf("expected empty notice, got %q", env.errOut.String())
	}

	if err := env.run("lock-sync"); err != nil {
		t.Fatalf("lock-sync: %v", err)
	}
	if err := env.run("status"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(env.out.String(), "angular") || !strings.Contains(env.out.String(), "passed") {
		t.Errorf("unexpected status output:\n%s", env.out.String())
	}
}

func TestStatusCommand_StaleRun(t *testing.T) {
	env := newTestEnv(t, []string{"angular"})
	writeFile(t, filepath.Join(env.root, ".starterkit", "state", "angular.json"), `{
  "starter": "angular",
  "processId": 999999999,
  "heartbeat": "2020-01-01T00:00:00Z",
  "lockStatus": "running",
  "runCount": 0,
  "failureCount": 0
}`)

	if err := env.run("status"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(env.out.String(), "stale") {
		t.Errorf("expected stale marker, got:\n%s", env.out.String())
	}
}

func TestLogsCommand(t *testing.T) {
	env := newTestEnv(t, []string{"angular"})

	if err := env.run("logs"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(env.errOut.String(), "No logs found") {
		t.Errorf("expected no-logs warning, got %q", env.errOut.String())
	}

	var lines []string
	for i := 0; i < 10; i++ {
		lines = append(lines, "line "+string(rune('0'+i)))
	}
	writeFile(t, filepath.Join(env.root, ".starterkit", "logs", "angular.log"), strings.Join(lines, "\n")+"\n")

	if err := env.run("logs", "angular", "-n", "3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := env.out.String()
	if !strings.Contains(out, "=== angular ===") || !strings.Contains(out, "line 7\nline 8\nline 9\n") {
		t.Errorf("unexpected logs output:\n%s", out)
	}
	if strings.Contains(out, "line 6") {
		t.Errorf("expected only the last 3 lines:\n%s", out)
	}

	if err := env.run("logs", "koa"); err == nil {
		t.Error("expected error for starter without logs")
	}
}

func TestLogsCommand_RejectsPathsOutsideLogDir(t *testing.T) {
	env := newTestEnv(t, []string{"angular"})
	writeFile(t, filepath.Join(env.root, ".starterkit", "logs", "angular.log"), "ok\n")
	writeFile(t, filepath.Join(env.root, "secret.log"), "do not print\n")

	for _, name := range []string{"../../secret", "../logs/angular", "/etc/passwd"} {
		err := env.run("logs", name)
		if err == nil || !strings.Contains(err.Error(), "invalid starter name") {
			t.Errorf("%s: expected invalid starter name error, got %v", name, err)
		}
		if strings.Contains(env.out.String(), "do not print") {
			t.Errorf("%s: read a file outside the log directory", name)
		}
	}
}

func TestCleanCommand(t *testing.T) {
	env := newTestEnv(t, []string{"angular"})
	if err := env.run("lock-sync"); err != nil {
		t.Fatalf("lock-sync: %v", err)
	}
	writeFile(t, filepath.Join(env.root, ".starterkit", "logs", "angular.log"), "x\n")
	writeFile(t, filepath.Join(env.root, ".starterkit", "workspaces", "starterkit-angular-1", "package.json"), "{}")

	if err := env.run("clean"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, dir := range []string{"logs", "workspaces"} {
		if _, err := os.Stat(filepath.Join(env.root, ".starterkit", dir)); !os.IsNotExist(err) {
			t.Errorf("%s not removed", dir)
		}
	}
	if _, err := state.NewManager(env.root, nil).Read("angular"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("state not removed: %v", err)
	}
}

func TestTestCommand_NoScenarios(t *testing.T) {
	env := newTestEnv(t, []string{"angular"})

	if err := env.run("test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(env.errOut.String(), "No starter has test scenarios configured") {
		t.Errorf("unexpected output %q", env.errOut.String())
	}
}

func TestTestCommand_InvalidOnly(t *testing.T) {
	env := newTestEnv(t, []string{"angular"})

	err := env.run("test", "--only", "lint")
	if err == nil || !strings.Contains(err.Error(), `unknown scenario "lint"`) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestTestCommand_BuildScenario(t *testing.T) {
	env := newTestEnv(t, []string{"angular", "koa"})
	writeFile(t, filepath.Join(env.root, "starterkit.config.json"), `{
  "version": "1.0",
  "starters": {
    "angular": {"build": {"snapshots": ["dist"]}},
    "koa": {"build": {"snapshots": ["dist"]}}
  }
}`)
	writeFile(t, filepath.Join(env.root, "angular", "dist", "index.html"), "<html></html>")
	writeFile(t, filepath.Join(env.root, "koa", "dist", "server.js"), "")
	env.runner = mocks.NewMockRunner(mocks.FailFor("npm run build", "koa"))

	err := env.run("test", "--only", "build")
	if cli.ExitCode(err) != cli.ExitFailure {
		t.Fatalf("expected exit 1, got %v", err)
	}

	out := env.out.String()
	if !strings.Contains(out, "angular") || !strings.Contains(out, "passed") || !strings.Contains(out, "failed") {
		t.Errorf("unexpected results table:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(env.root, "test", "__snapshots__", "angular.yaml")); err != nil {
		t.Errorf("snapshot not written: %v", err)
	}
}

func TestTestCommand_NamedStarterBypassesExclude(t *testing.T) {
	env := newTestEnv(t, []string{"angular", "legacy"})
	writeFile(t, filepath.Join(env.root, "starterkit.config.json"), `{
  "version": "1.0",
  "exclude": ["legacy"],
  "starters": {
    "angular": {"build": {"snapshots": ["dist"]}},
    "legacy": {"build": {"snapshots": ["dist"]}}
  }
}`)
	writeFile(t, filepath.Join(env.root, "legacy", "dist", "index.html"), "<html></html>")
	writeFile(t, filepath.Join(env.root, "angular", "dist", "index.html"), "<html></html>")

	if err := env.run("test", "--only", "build"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(env.runner.CommandsFor("legacy")) != 0 {
		t.Error("excluded starter ran without being named")
	}

	if err := env.run("test", "--only", "build", "legacy"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cmds := env.runner.CommandsFor("legacy")
	if len(cmds) == 0 || cmds[len(cmds)-1] != "npm run build" {
		t.Errorf("expected the named starter to build, got %v", cmds)
	}
	if strings.Contains(env.out.String(), "skipped") {
		t.Errorf("named starter should not be skipped:\n%s", env.out.String())
	}
}

func TestEnvironmentOverridesRoot(t *testing.T) {
	env := newTestEnv(t, []string{"angular"})
	t.Setenv("STARTERKIT_ROOT", env.root)

	var out bytes.Buffer
	c := cli.NewCLIWithOutput(cli.NewConfig(), &out, &bytes.Buffer{})
	c.SetRunner(env.runner)
	if err := c.Execute([]string{"list"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "angular") {
		t.Errorf("expected starters from STARTERKIT_ROOT, got:\n%s", out.String())
	}
}
