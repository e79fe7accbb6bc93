// Package demo wires the corodemo CLI's command tree onto the task,
// module, eval, and prng packages, exercising module construction,
// evaluation, and task forking end to end from a single cobra-based
// entrypoint.
package demo

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// NewRootCommand builds the corodemo command tree.
func NewRootCommand(log zerolog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:   "corodemo",
		Short: "Exercise the coroutine task subsystem and top-level evaluator",
	}

	root.AddCommand(newRunCommand(log))
	root.AddCommand(newForkCommand(log))
	root.AddCommand(newFixtureCommand(log))

	return root
}
