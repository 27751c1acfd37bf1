//go:build integration

package locksync_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/starterkit/starterkit/pkg/discovery"
	"github.com/starterkit/starterkit/pkg/locksync"
	"github.com/starterkit/starterkit/pkg/npm"
	"github.com/starterkit/starterkit/pkg/runner"
	"github.com/starterkit/starterkit/pkg/types"
)

// TestEndToEndWithNpm creates lock files with the real npm, checks them and
// detects a package.json edit. Local file dependencies keep it offline.
func TestEndToEndWithNpm(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	if _, err := exec.LookPath("npm"); err != nil {
		t.Skip("npm not found")
	}

	root := t.TempDir()
	for _, name := range []string{"alpha", "beta"} {
		writeManifest(t, filepath.Join(root, name), `{"name": "`+name+`", "version": "1.0.0", "private": true}`)
	}
	writeManifest(t, filepath.Join(root, "beta", "local"), `{"name": "local", "version": "1.0.0"}`)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	r := runner.NewExecRunner(filepath.Join(root, ".starterkit", "logs"), nil)
	syncer := locksync.New(npm.New("npm", r), r, nil, 0)

	starters, err := discovery.List(root)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}

	if _, err := syncer.Run(ctx, starters, types.LockModeWrite); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	for _, s := range starters {
		if _, err := os.Stat(filepath.Join(s.Dir, types.LockFileName)); err != nil {
			t.Fatalf("%s: lock file not created: %v", s.Name, err)
		}
	}

	if _, err := syncer.Run(ctx, starters, types.LockModeCheck); err != nil {
		t.Fatalf("fresh lock files should be in sync: %v", err)
	}

	writeManifest(t, filepath.Join(root, "beta"),
		`{"name": "beta", "version": "1.0.0", "private": true, "dependencies": {"local": "file:./local"}}`)

	results, err := syncer.Run(ctx, starters, types.LockModeCheck)
	if !errors.Is(err, locksync.ErrOutOfSync) {
		t.Fatalf("expected ErrOutOfSync, got %v", err)
	}
	failed := locksync.Failed(results)
	if len(failed) != 1 || failed[0].Starter != "beta" {
		t.Errorf("expected only beta to fail, got %+v", failed)
	}

	if _, err := os.Stat(r.LogPath("beta")); err != nil {
		t.Errorf("npm output not logged: %v", err)
	}
}

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, types.ManifestFileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}
