package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/newtron-network/netverify/pkg/workerdriver"
)

// newWorkerCmd builds the hidden subcommand workerdriver.Driver re-execs
// itself into for every forked job. It is never invoked by a human; its
// flag names must match workerdriver.Flag* exactly.
func newWorkerCmd() *cobra.Command {
	var (
		inputPath      string
		outputDir      string
		invariantIndex int
		tupleIndex     int
	)

	cmd := &cobra.Command{
		Use:    workerdriver.WorkerSubcommand,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			setLogLevel()
			violated, err := workerdriver.RunWorker(cmd.Context(), workerdriver.WorkerConfig{
				InputPath:      inputPath,
				OutputDir:      outputDir,
				InvariantIndex: invariantIndex,
				TupleIndex:     tupleIndex,
			})
			if err != nil {
				return fmt.Errorf("netverify: worker: %w", err)
			}
			if violated {
				return errViolation
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&inputPath, "input", "", "path to the TOML network config")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "results directory")
	cmd.Flags().IntVar(&invariantIndex, "invariant-index", 0, "index into the resolved invariant list")
	cmd.Flags().IntVar(&tupleIndex, "tuple-index", -1, "connection-tuple index, or -1 for a whole-invariant job")

	return cmd
}
