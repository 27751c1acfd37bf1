// Package snapshot stores directory listings produced by starter builds and
// compares later builds against them
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
)

var (
	// ErrSnapshotMismatch means a listing differs from the stored snapshot
	ErrSnapshotMismatch = errors.New("snapshot mismatch")
	// ErrSnapshotMissing means no snapshot exists and new ones may not be written
	ErrSnapshotMissing = errors.New("snapshot missing")
)

// Outcome describes what Match did
type Outcome string

const (
	Matched Outcome = "matched"
	Written Outcome = "written"
	Updated Outcome = "updated"
)

// dashHash matches a bundler content hash appended to the name with a dash,
// as in Vite's "[name]-[hash]" and esbuild's "[name]-[HASH]"
var dashHash = regexp.MustCompile(`^(.+)-([A-Za-z0-9_-]{8,})$`)

// RemoveFileHash drops the content hash bundlers put into output file names.
// Both "main.3f2a1c.js" and "index-D8b4DHJx.js" become "main.js" and
// "index.js".
func RemoveFileHash(name string) string {
	first := strings.Index(name, ".")
	last := strings.LastIndex(name, ".")
	if first >= 0 && first != last {
		name = name[:first] + "." + name[last+1:]
	}

	stem, ext := name, ""
	if i := strings.LastIndex(name, "."); i > 0 {
		stem, ext = name[:i], name[i:]
	}

	m := dashHash.FindStringSubmatch(stem)
	if m == nil || !looksLikeHash(m[2]) {
		return name
	}
	return m[1] + ext
}

// looksLikeHash rejects plain words such as "polyfill" or "runtime-main"
func looksLikeHash(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) || unicode.IsUpper(r) {
			return true
		}
	}
	return false
}

// RemoveFileHashes applies RemoveFileHash to every entry
func RemoveFileHashes(entries []string) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = RemoveFileHash(e)
	}
	return out
}

// Store keeps one YAML file per starter, mapping each snapshotted
// directory to its entries
type Store struct {
	dir    string
	update bool
	ci     bool

	mu sync.Mutex
}

// NewStore creates a store rooted at dir. With update set, mismatching
// snapshots are rewritten. With ci set, missing snapshots are an error
// instead of being written.
func NewStore(dir string, update, ci bool) *Store {
	return &Store{dir: dir, update: update, ci: ci}
}

// Path returns the snapshot file of a starter
func (s *Store) Path(starter string) string {
	return filepath.Join(s.dir, starter+".yaml")
}

// Load returns the stored snapshots of a starter. A missing file yields an
// empty map.
func (s *Store) Load(starter string) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(starter)
}

// Match compares entries against the snapshot stored for dir
func (s *Store) Match(starter, dir string, entries []string) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots, err := s.load(starter)
	if err != nil {
		return "", err
	}

	got := append([]string{}, entries...)
	sort.Strings(got)

	want, ok := snapshots[dir]
	if !ok {
		if s.ci {
			return "", fmt.Errorf("%w: %s %s (run with --update-snapshots locally)", ErrSnapshotMissing, starter, dir)
		}
		snapshots[dir] = got
		if err := s.save(starter, snapshots); err != nil {
			return "", err
		}
		return Written, nil
	}

	diff := cmp.Diff(want, got)
	if diff == "" {
		return Matched, nil
	}

	if !s.update {
		return "", fmt.Errorf("%w: %s %s (-want +got):\n%s", ErrSnapshotMismatch, starter, dir, diff)
	}

	snapshots[dir] = got
	if err := s.save(starter, snapshots); err != nil {
		return "", err
	}
	return Updated, nil
}

func (s *Store) load(starter string) (map[string][]string, error) {
	data, err := os.ReadFile(s.Path(starter))
	if errors.Is(err, os.ErrNotExist) {
		return map[string][]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	snapshots := map[string][]string{}
	if err := yaml.Unmarshal(data, &snapshots); err != nil {
		return nil, fmt.Errorf("invalid snapshot file %s: %w", s.Path(starter), err)
	}
	if snapshots == nil {
		snapshots = map[string][]string{}
	}
	return snapshots, nil
}

func (s *Store) save(starter string, snapshots map[string][]string) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	data, err := yaml.Marshal(snapshots)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	path := s.Path(starter)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}
