package demo

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"coro/eval"
	"coro/internal/evalconf"
)

func newFixtureCommand(log zerolog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval-fixture PATH",
		Short: "Load a YAML compile-vs-interpret fixture file and report the decision for each case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFixture(log, args[0])
		},
	}
	return cmd
}

func runFixture(log zerolog.Logger, path string) error {
	set, err := evalconf.LoadFile(path)
	if err != nil {
		return fmt.Errorf("corodemo: %w", err)
	}

	mismatches := 0
	for _, f := range set.Fixtures {
		thunk := eval.Thunk{
			HasCCall:      f.HasCCall,
			HasDefs:       f.HasDefs,
			HasLoops:      f.HasLoops,
			HasOpaque:     f.HasOpaque,
			ForcedCompile: f.ForcedCompile,
		}
		got := eval.DecideCompile(&thunk, f.Fast, !f.ProcessCompileDisabled, !f.ModuleCompileDisabled)
		status := "ok"
		if got != f.ExpectCompile {
			status = "MISMATCH"
			mismatches++
		}
		fmt.Printf("%-30s compile=%-5v expect=%-5v [%s]\n", f.Name, got, f.ExpectCompile, status)
	}

	if mismatches > 0 {
		return fmt.Errorf("corodemo: %d fixture(s) mismatched", mismatches)
	}
	return nil
}
