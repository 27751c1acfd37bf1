package cli

import "github.com/starterkit/starterkit/pkg/runner"

// SetRunner replaces the process runner used by commands
func (c *CLI) SetRunner(r runner.Runner) {
	c.runner = r
}
