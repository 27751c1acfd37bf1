package validation_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/starterkit/starterkit/pkg/types"
	"github.com/starterkit/starterkit/pkg/validation"
)

func starter(t *testing.T, root, name string, scripts map[string]string, files map[string]string) types.Starter {
	t.Helper()
	dir := filepath.Join(root, name)
	for rel, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return types.Starter{Name: name, Dir: dir, HasLockFile: true, Scripts: scripts}
}

func hasIssue(r *validation.ValidationResult, starterName, field string, level validation.ValidationLevel) bool {
	for _, e := range r.Errors {
		if e.Starter == starterName && e.Field == field && e.Level == level {
			return true
		}
	}
	return false
}

func TestStarterValidator_Validate(t *testing.T) {
	root := t.TempDir()
	angular := starter(t, root, "angular", map[string]string{"build": "ng build", "dev": "ng serve"},
		map[string]string{"src/app.ts": "Hello from Angular!"})
	web := starter(t, root, "web", map[string]string{"build:web": "vite build"}, nil)
	nolock := starter(t, root, "nolock", nil, nil)
	nolock.HasLockFile = false

	tests := []struct {
		name    string
		cfg     *types.Config
		valid   bool
		starter string
		field   string
		level   validation.ValidationLevel
	}{
		{
			name: "valid build and preview",
			cfg: &types.Config{Starters: map[string]types.StarterConfig{
				"angular": {
					Build: &types.BuildScenario{Snapshots: []string{"dist"}},
					Preview: &types.PreviewScenario{
						Expect: types.Query{Text: "Hello"},
						Edit:   &types.Edit{File: "src/app.ts", Find: "Angular", Replace: "Edited"},
					},
				},
			}},
			valid: true,
		},
		{
			name: "unknown starter",
			cfg: &types.Config{Starters: map[string]types.StarterConfig{
				"missing": {Build: &types.BuildScenario{Snapshots: []string{"dist"}}},
			}},
			starter: "missing", field: "starters", level: validation.ValidationLevelError,
		},
		{
			name: "missing default build script",
			cfg: &types.Config{Starters: map[string]types.StarterConfig{
				"web": {Build: &types.BuildScenario{Snapshots: []string{"dist"}}},
			}},
			starter: "web", field: "build.command", level: validation.ValidationLevelError,
		},
		{
			name: "custom build script present",
			cfg: &types.Config{Starters: map[string]types.StarterConfig{
				"web": {Build: &types.BuildScenario{Command: []string{"npm", "run", "build:web"}, Snapshots: []string{"dist"}}},
			}},
			valid: true,
		},
		{
			name: "missing dev script",
			cfg: &types.Config{Starters: map[string]types.StarterConfig{
				"web": {Preview: &types.PreviewScenario{Expect: types.Query{Text: "x"}}},
			}},
			starter: "web", field: "preview.command", level: validation.ValidationLevelError,
		},
		{
			name: "edit target text missing",
			cfg: &types.Config{Starters: map[string]types.StarterConfig{
				"angular": {Preview: &types.PreviewScenario{
					Expect: types.Query{Text: "Hello"},
					Edit:   &types.Edit{File: "src/app.ts", Find: "React", Replace: "Edited"},
				}},
			}},
			starter: "angular", field: "preview.edit.find", level: validation.ValidationLevelError,
		},
		{
			name: "edit file escapes starter",
			cfg: &types.Config{Starters: map[string]types.StarterConfig{
				"angular": {Preview: &types.PreviewScenario{
					Expect: types.Query{Text: "Hello"},
					Edit:   &types.Edit{File: "../web/package.json", Find: "a", Replace: "b"},
				}},
			}},
			starter: "angular", field: "preview.edit.file", level: validation.ValidationLevelError,
		},
		{
			name: "strip hashes outside snapshots",
			cfg: &types.Config{Starters: map[string]types.StarterConfig{
				"angular": {Build: &types.BuildScenario{Snapshots: []string{"dist"}, StripHashes: []string{"out"}}},
			}},
			valid:   true,
			starter: "angular", field: "build.stripHashes", level: validation.ValidationLevelWarning,
		},
		{
			name: "skipped starter is not checked",
			cfg: &types.Config{Starters: map[string]types.StarterConfig{
				"web": {Skip: true, Build: &types.BuildScenario{Snapshots: []string{"dist"}}},
			}},
			valid: true,
		},
		{
			name:    "unknown excluded starter",
			cfg:     &types.Config{Exclude: []string{"gone"}},
			valid:   true,
			starter: "gone", field: "exclude", level: validation.ValidationLevelWarning,
		},
		{
			name:    "missing lock file",
			cfg:     &types.Config{},
			valid:   true,
			starter: "nolock", field: "lockFile", level: validation.ValidationLevelWarning,
		},
	}

	v := validation.NewStarterValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.Validate(tt.cfg, []types.Starter{angular, web, nolock})
			if result.Valid != tt.valid {
				t.Errorf("expected valid=%v, got %v: %v", tt.valid, result.Valid, result.Errors)
			}
			if tt.field != "" && !hasIssue(result, tt.starter, tt.field, tt.level) {
				t.Errorf("expected %s issue on %s.%s, got %v", tt.level, tt.starter, tt.field, result.Errors)
			}
		})
	}
}

func TestStarterValidator_UnreadableManifest(t *testing.T) {
	broken := starter(t, t.TempDir(), "broken", nil, nil)
	broken.LoadErr = errors.New("invalid package.json: unexpected end of JSON input")

	cfg := &types.Config{Starters: map[string]types.StarterConfig{
		"broken": {Build: &types.BuildScenario{Snapshots: []string{"dist"}}},
	}}
	result := validation.NewStarterValidator().Validate(cfg, []types.Starter{broken})

	if result.Valid {
		t.Fatal("expected an unreadable package.json to invalidate the result")
	}
	if !hasIssue(result, "broken", "package.json", validation.ValidationLevelError) {
		t.Errorf("expected package.json error, got %v", result.Errors)
	}
	if hasIssue(result, "broken", "build.command", validation.ValidationLevelError) {
		t.Error("scripts should not be checked when package.json is unreadable")
	}
}

func TestValidationResult_Count(t *testing.T) {
	r := &validation.ValidationResult{Valid: true}
	r.AddError("a", "f", "m", validation.ValidationLevelWarning)
	r.AddError("b", "f", "m", validation.ValidationLevelInfo)
	r.AddError("c", "f", "m", validation.ValidationLevelWarning)

	if !r.Valid {
		t.Error("warnings must not invalidate the result")
	}
	if got := r.Count(validation.ValidationLevelWarning); got != 2 {
		t.Errorf("expected 2 warnings, got %d", got)
	}

	e := r.Errors[0]
	if got := e.Error(); got != "[warning] a.f: m" {
		t.Errorf("unexpected error text %q", got)
	}
}
