package demo

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"coro/task"
)

func newForkCommand(log zerolog.Logger) *cobra.Command {
	var children int

	cmd := &cobra.Command{
		Use:   "fork-demo",
		Short: "Create a parent task and N forked children, printing their first PRNG draws",
		RunE: func(cmd *cobra.Command, args []string) error {
			return forkDemo(log, children)
		},
	}
	cmd.Flags().IntVar(&children, "children", 3, "number of child tasks to fork from the parent")
	return cmd
}

func forkDemo(log zerolog.Logger, children int) error {
	mgr := task.NewManager()

	parent, err := task.New(func(t *task.Task) (any, error) { return nil, nil }, task.NewOptions{Log: log, Manager: mgr})
	if err != nil {
		return fmt.Errorf("corodemo: creating parent task: %w", err)
	}

	seen := make(map[uint64]bool)
	fmt.Printf("parent draw: %d\n", parent.RNG().Draw())

	for i := 0; i < children; i++ {
		child, err := task.New(func(t *task.Task) (any, error) { return nil, nil }, task.NewOptions{Parent: parent, Log: log, Manager: mgr})
		if err != nil {
			return fmt.Errorf("corodemo: forking child %d: %w", i, err)
		}
		draw := child.RNG().Draw()
		if seen[draw] {
			return fmt.Errorf("corodemo: child %d collided with a previous child's first draw", i)
		}
		seen[draw] = true
		fmt.Printf("child %d draw: %d\n", i, draw)
	}

	fmt.Printf("manager: %d tasks registered, %d runnable\n", len(mgr.All()), len(mgr.Runnable()))
	mgr.CleanupTerminated()
	fmt.Printf("manager: %d tasks after cleanup\n", len(mgr.All()))
	return nil
}
