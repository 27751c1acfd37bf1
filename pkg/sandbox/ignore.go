package sandbox

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// alwaysSkipped are never copied into a workspace
var alwaysSkipped = map[string]bool{
	"node_modules": true,
	".git":         true,
}

// ignoreMatcher collects .gitignore patterns while the starter tree is walked
type ignoreMatcher struct {
	patterns []gitignore.Pattern
	matcher  gitignore.Matcher
}

// load reads the .gitignore in dir, if any. domain is dir relative to the
// starter root, split into segments.
func (m *ignoreMatcher) load(dir string, domain []string) error {
	path := filepath.Join(dir, ".gitignore")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	added := false
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m.patterns = append(m.patterns, gitignore.ParsePattern(line, domain))
		added = true
	}
	if added {
		m.matcher = gitignore.NewMatcher(m.patterns)
	}
	return scanner.Err()
}

// ignored reports whether rel, relative to the starter root, is excluded
func (m *ignoreMatcher) ignored(rel string, isDir bool) bool {
	segments := splitPath(rel)
	if len(segments) > 0 && alwaysSkipped[segments[len(segments)-1]] {
		return true
	}
	if m.matcher == nil {
		return false
	}
	return m.matcher.Match(segments, isDir)
}

func splitPath(path string) []string {
	var segments []string
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part != "" && part != "." {
			segments = append(segments, part)
		}
	}
	return segments
}
