// Package validation cross-checks the configuration against the starters
// found on disk
package validation

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/starterkit/starterkit/pkg/types"
)

// StarterValidator validates per-starter settings against the repository
type StarterValidator struct{}

// NewStarterValidator creates a validator
func NewStarterValidator() *StarterValidator {
	return &StarterValidator{}
}

// ValidationError represents a validation error
type ValidationError struct {
	Starter string
	Field   string
	Message string
	Level   ValidationLevel
}

// ValidationLevel represents error severity
type ValidationLevel string

const (
	ValidationLevelError   ValidationLevel = "error"
	ValidationLevelWarning ValidationLevel = "warning"
	ValidationLevelInfo    ValidationLevel = "info"
)

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s.%s: %s", e.Level, e.Starter, e.Field, e.Message)
}

// ValidationResult contains validation results
type ValidationResult struct {
	Valid  bool
	Errors []ValidationError
}

// AddError adds an error to the validation result
func (r *ValidationResult) AddError(starter, field, message string, level ValidationLevel) {
	r.Errors = append(r.Errors, ValidationError{
		Starter: starter,
		Field:   field,
		Message: message,
		Level:   level,
	})
	if level == ValidationLevelError {
		r.Valid = false
	}
}

// Count returns the number of issues at level
func (r *ValidationResult) Count(level ValidationLevel) int {
	n := 0
	for _, e := range r.Errors {
		if e.Level == level {
			n++
		}
	}
	return n
}

// Validate checks cfg against the discovered starters. Configured names
// without a directory are errors; starters without any scenario are
// reported as info.
func (v *StarterValidator) Validate(cfg *types.Config, starters []types.Starter) *ValidationResult {
	result := &ValidationResult{Valid: true}

	byName := make(map[string]types.Starter, len(starters))
	for _, s := range starters {
		byName[s.Name] = s
	}

	names := make([]string, 0, len(cfg.Starters))
	for name := range cfg.Starters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		sc := cfg.Starters[name]
		starter, ok := byName[name]
		if !ok {
			result.AddError(name, "starters", "configured starter has no directory with a package.json", ValidationLevelError)
			continue
		}
		if sc.Skip || starter.LoadErr != nil {
			continue
		}
		v.validateBuild(starter, sc.Build, result)
		v.validatePreview(starter, sc.Preview, result)
	}

	for _, name := range cfg.Exclude {
		if _, ok := byName[name]; !ok {
			result.AddError(name, "exclude", "excluded starter does not exist", ValidationLevelWarning)
		}
	}

	for _, s := range starters {
		if s.LoadErr != nil {
			result.AddError(s.Name, "package.json", s.LoadErr.Error(), ValidationLevelError)
		}
		if !s.HasLockFile && !cfg.IsExcluded(s.Name) {
			result.AddError(s.Name, "lockFile", "no "+types.LockFileName+" found", ValidationLevelWarning)
		}
		if _, ok := cfg.Starters[s.Name]; !ok && !cfg.IsExcluded(s.Name) {
			result.AddError(s.Name, "scenarios", "no test scenarios configured", ValidationLevelInfo)
		}
	}

	return result
}

func (v *StarterValidator) validateBuild(starter types.Starter, b *types.BuildScenario, result *ValidationResult) {
	if b == nil {
		return
	}
	v.validateScript(starter, "build.command", b.Command, "build", result)

	for _, dir := range b.StripHashes {
		if !contains(b.Snapshots, dir) {
			result.AddError(starter.Name, "build.stripHashes",
				fmt.Sprintf("%q is not a snapshot directory", dir), ValidationLevelWarning)
		}
	}
}

func (v *StarterValidator) validatePreview(starter types.Starter, p *types.PreviewScenario, result *ValidationResult) {
	if p == nil {
		return
	}
	v.validateScript(starter, "preview.command", p.Command, "dev", result)

	if p.Edit == nil {
		return
	}
	if !filepath.IsLocal(filepath.FromSlash(p.Edit.File)) {
		result.AddError(starter.Name, "preview.edit.file", "path escapes the starter directory", ValidationLevelError)
		return
	}
	data, err := os.ReadFile(filepath.Join(starter.Dir, filepath.FromSlash(p.Edit.File)))
	if err != nil {
		result.AddError(starter.Name, "preview.edit.file",
			fmt.Sprintf("cannot read %s: %v", p.Edit.File, err), ValidationLevelError)
		return
	}
	if !strings.Contains(string(data), p.Edit.Find) {
		result.AddError(starter.Name, "preview.edit.find",
			fmt.Sprintf("%q not found in %s", p.Edit.Find, p.Edit.File), ValidationLevelError)
	}
}

// validateScript checks that an `npm run <script>` command names a script
// declared in package.json. Other commands are not checked.
func (v *StarterValidator) validateScript(starter types.Starter, field string, command []string, fallback string, result *ValidationResult) {
	script := fallback
	if len(command) > 0 {
		if len(command) < 3 || command[0] != "npm" || command[1] != "run" {
			return
		}
		script = command[2]
	}
	if !starter.HasScript(script) {
		result.AddError(starter.Name, field,
			fmt.Sprintf("package.json has no %q script", script), ValidationLevelError)
	}
}

func contains(list []string, dir string) bool {
	for _, d := range list {
		if strings.Trim(d, "/") == strings.Trim(dir, "/") {
			return true
		}
	}
	return false
}
