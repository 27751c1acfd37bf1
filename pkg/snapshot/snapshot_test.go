package snapshot_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starterkit/starterkit/pkg/snapshot"
)

func TestRemoveFileHash(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"main.3f2a1c9b.js", "main.js"},
		{"styles.abc.def.css", "styles.css"},
		{"index.html", "index.html"},
		{"favicon", "favicon"},
		{"a..b", "a.b"},
		{"index-D8b4DHJx.js", "index.js"},
		{"index-BHz0xwP4.css", "index.css"},
		{"vendor-react-B-xY12_z.js", "vendor-react.js"},
		{"polyfills-FFHMD2TL.js", "polyfills.js"},
		{"chunk-abcdefgh", "chunk-abcdefgh"},
		{"web-vitals-polyfill.js", "web-vitals-polyfill.js"},
		{"logo-192x192.png", "logo-192x192.png"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := snapshot.RemoveFileHash(tt.in); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestRemoveFileHashes_ViteAssets(t *testing.T) {
	got := snapshot.RemoveFileHashes([]string{"index-BHz0xwP4.css", "index-D8b4DHJx.js"})
	want := []string{"index.css", "index.js"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestStore_FirstRunWrites(t *testing.T) {
	store := snapshot.NewStore(t.TempDir(), false, false)

	outcome, err := store.Match("angular", "dist/demo/browser", []string{"main.js", "index.html"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != snapshot.Written {
		t.Errorf("expected written, got %s", outcome)
	}

	data, err := os.ReadFile(store.Path("angular"))
	if err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}
	if !strings.Contains(string(data), "dist/demo/browser") {
		t.Errorf("unexpected snapshot content:\n%s", data)
	}

	outcome, err = store.Match("angular", "dist/demo/browser", []string{"index.html", "main.js"})
	if err != nil || outcome != snapshot.Matched {
		t.Errorf("expected match regardless of order, got %s %v", outcome, err)
	}
}

func TestStore_Mismatch(t *testing.T) {
	dir := t.TempDir()
	store := snapshot.NewStore(dir, false, false)

	if _, err := store.Match("koa", "dist", []string{"index.js"}); err != nil {
		t.Fatal(err)
	}

	_, err := store.Match("koa", "dist", []string{"index.js", "server.js"})
	if !errors.Is(err, snapshot.ErrSnapshotMismatch) {
		t.Fatalf("expected ErrSnapshotMismatch, got %v", err)
	}
	if !strings.Contains(err.Error(), "server.js") {
		t.Errorf("expected diff in error, got %v", err)
	}

	updating := snapshot.NewStore(dir, true, false)
	outcome, err := updating.Match("koa", "dist", []string{"index.js", "server.js"})
	if err != nil || outcome != snapshot.Updated {
		t.Fatalf("expected update, got %s %v", outcome, err)
	}

	stored, err := store.Load("koa")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored["dist"]) != 2 {
		t.Errorf("expected updated snapshot, got %v", stored["dist"])
	}
}

func TestStore_CIRejectsMissing(t *testing.T) {
	store := snapshot.NewStore(t.TempDir(), false, true)

	_, err := store.Match("remotion", "out", []string{"video.mp4"})
	if !errors.Is(err, snapshot.ErrSnapshotMissing) {
		t.Fatalf("expected ErrSnapshotMissing, got %v", err)
	}
	if _, statErr := os.Stat(store.Path("remotion")); statErr == nil {
		t.Error("CI mode must not write snapshots")
	}
}

func TestStore_KeepsOtherDirectories(t *testing.T) {
	store := snapshot.NewStore(t.TempDir(), false, false)

	if _, err := store.Match("bolt-expo", "dist", []string{"index.html"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Match("bolt-expo", "dist/_expo", []string{"static"}); err != nil {
		t.Fatal(err)
	}

	stored, err := store.Load("bolt-expo")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 {
		t.Errorf("expected two directories, got %v", stored)
	}
}

func TestStore_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	store := snapshot.NewStore(dir, false, false)
	if err := os.WriteFile(filepath.Join(dir, "egg.yaml"), []byte("dist: [unterminated"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := store.Match("egg", "dist", []string{"a"}); err == nil {
		t.Fatal("expected error for invalid snapshot file")
	}
}
