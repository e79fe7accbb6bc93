package demo

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"coro/eval"
	"coro/fiber"
	"coro/internal/runtimecfg"
	"coro/module"
	"coro/runtime"
	"coro/task"
)

func newRunCommand(log zerolog.Logger) *cobra.Command {
	var moduleName string
	var copyStack bool
	var stackSize int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create a root task that builds a module and evaluates a toplevel form inside it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), log, moduleName, copyStack, stackSize)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&moduleName, "module-name", "Demo", "name of the module to construct")
	flags.BoolVar(&copyStack, "copy-stack", false, "run the task in copy-stack (pooled) mode")
	flags.IntVar(&stackSize, "stack-size", 0, "dedicated stack size in bytes (0 selects the default)")

	return cmd
}

func runDemo(ctx context.Context, log zerolog.Logger, moduleName string, copyStack bool, stackSize int) error {
	cfg, err := runtimecfg.FromEnv()
	if err != nil {
		return fmt.Errorf("corodemo: %w", err)
	}

	var pool *fiber.Pool
	opts := task.NewOptions{Log: log}
	if copyStack || (cfg.CopyStacksDefault && stackSize == 0) {
		pool = fiber.NewPool(cfg.CopyStackPoolSize, log)
		opts.Pool = pool
	} else if stackSize > 0 {
		opts.StackSize = stackSize
	} else {
		opts.StackSize = cfg.DefaultDedicatedStackSize
	}

	resolver := module.NewResolver(nil, nil, nil, log)
	var worldCounter uint64

	var evalResult any
	var evalErr error

	tk, err := task.New(func(t *task.Task) (any, error) {
		var age uint64
		c := &eval.Context{
			Module:                module.Toplevel,
			Resolver:              resolver,
			WorldCounter:          &worldCounter,
			GetWorldAge:           func() uint64 { return age },
			SetWorldAge:           func(v uint64) { age = v },
			ProcessCompileEnabled: true,
			ModuleCompileEnabled:  true,
			Log:                   log,
		}

		form := &eval.Form{
			Head:       eval.HeadModule,
			ModuleName: moduleName,
			Body: []*eval.Form{
				{Head: eval.HeadGlobal, Names: []string{"counter"}},
				{Head: eval.HeadConst, Names: []string{"greeting"}, Subforms: []*eval.Form{
					{Head: eval.HeadThunk, Thunk: &eval.Thunk{
						Interpret: func(c *eval.Context) (any, error) { return "hello from " + moduleName, nil },
					}},
				}},
				{Head: eval.HeadExport, Names: []string{"greeting"}},
			},
		}

		v, err := eval.Eval(c, form, true, true)
		evalResult = v
		evalErr = err
		return v, err
	}, opts)
	if err != nil {
		return fmt.Errorf("corodemo: creating root task: %w", err)
	}

	ts := runtime.NewThreadState(tk, log)
	ts.SetNext(tk)
	if err := runtime.Switch(ctx, ts, nil); err != nil {
		return fmt.Errorf("corodemo: bootstrap switch: %w", err)
	}

	<-tk.Done()

	if evalErr != nil {
		return fmt.Errorf("corodemo: evaluation failed: %w", evalErr)
	}

	mod, ok := evalResult.(*module.Module)
	if !ok {
		return fmt.Errorf("corodemo: expected module result, got %T", evalResult)
	}
	b, _ := mod.Lookup("greeting")
	fmt.Printf("module %s created; task state=%s; greeting=%v\n", mod.Name, tk.State(), b.Value)
	return nil
}
