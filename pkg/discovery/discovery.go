// Package discovery finds the starters in a repository
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/starterkit/starterkit/pkg/types"
)

// ErrUnknownStarter is returned by Filter for names that are not starters
var ErrUnknownStarter = errors.New("unknown starter")

type manifest struct {
	Scripts map[string]string `json:"scripts"`
}

// List returns every directory directly under root that contains a
// package.json, sorted by name. A starter whose package.json cannot be
// parsed is returned with LoadErr set.
func List(root string) ([]types.Starter, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}

	entries, err := os.ReadDir(absRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", absRoot, err)
	}

	var starters []types.Starter
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		starter, ok, err := Load(filepath.Join(absRoot, entry.Name()))
		if err != nil {
			return nil, err
		}
		if ok {
			starters = append(starters, starter)
		}
	}

	sort.Slice(starters, func(i, j int) bool {
		return starters[i].Name < starters[j].Name
	})
	return starters, nil
}

// Load reads a single starter directory. ok is false when dir has no
// package.json. An unreadable or malformed package.json is recorded in
// LoadErr rather than returned, so one broken starter never hides the rest.
func Load(dir string) (types.Starter, bool, error) {
	name := filepath.Base(dir)
	manifestPath := filepath.Join(dir, types.ManifestFileName)

	info, err := os.Stat(manifestPath)
	if errors.Is(err, os.ErrNotExist) {
		return types.Starter{}, false, nil
	}
	if err != nil {
		return types.Starter{}, false, fmt.Errorf("starter %s: %w", name, err)
	}

	_, statErr := os.Stat(filepath.Join(dir, types.LockFileName))
	starter := types.Starter{
		Name:        name,
		Dir:         dir,
		HasLockFile: statErr == nil,
	}

	if info.IsDir() {
		starter.LoadErr = fmt.Errorf("%s is a directory", types.ManifestFileName)
		return starter, true, nil
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		starter.LoadErr = err
		return starter, true, nil
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		starter.LoadErr = fmt.Errorf("invalid %s: %w", types.ManifestFileName, err)
		return starter, true, nil
	}
	starter.Scripts = m.Scripts
	return starter, true, nil
}

// Filter keeps the starters named in names, in the order of starters. An
// empty names list keeps everything.
func Filter(starters []types.Starter, names []string) ([]types.Starter, error) {
	if len(names) == 0 {
		return starters, nil
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	var out []types.Starter
	for _, s := range starters {
		if wanted[s.Name] {
			out = append(out, s)
			delete(wanted, s.Name)
		}
	}

	if len(wanted) > 0 {
		missing := make([]string, 0, len(wanted))
		for n := range wanted {
			missing = append(missing, n)
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %s", ErrUnknownStarter, strings.Join(missing, ", "))
	}
	return out, nil
}

// Exclude drops starters excluded by the config
func Exclude(starters []types.Starter, cfg *types.Config) []types.Starter {
	if cfg == nil || len(cfg.Exclude) == 0 {
		return starters
	}
	out := make([]types.Starter, 0, len(starters))
	for _, s := range starters {
		if !cfg.IsExcluded(s.Name) {
			out = append(out, s)
		}
	}
	return out
}
