// Command netverify checks a network config's invariants against the
// forking model-checking engine.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/newtron-network/netverify/internal/obs"
	"github.com/newtron-network/netverify/pkg/workerdriver"
)

var verboseFlag bool

// errViolation is the sentinel RunE returns when verification completed
// cleanly but found at least one invariant violation, so main can map it to
// a non-zero exit code after any deferred cleanup has run.
var errViolation = errors.New("invariant violated")

func main() {
	var (
		inputPath string
		outputDir string
		maxJobs   int
	)

	rootCmd := &cobra.Command{
		Use:   "netverify",
		Short: "Model-check network configs against declared invariants",
		Long: `Netverify loads a TOML network config, forks one worker process per
(invariant, connection-tuple) job, and reports whether every declared
invariant holds.

  netverify -i topology.toml -o results/ -j 8

Results are persisted under OUTPUT_DIR: main.log, one <pid>.log and
<pid>.stats.csv per worker, and (when capture is enabled) per-interface
pcap files.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
		RunE: func(cmd *cobra.Command, args []string) error {
			setLogLevel()
			if inputPath == "" || outputDir == "" {
				return fmt.Errorf("netverify: -i and -o are required")
			}
			if err := os.MkdirAll(outputDir, 0o755); err != nil {
				return fmt.Errorf("netverify: creating output dir: %w", err)
			}

			driver := workerdriver.New(workerdriver.Config{
				InputPath: inputPath,
				OutputDir: outputDir,
				MaxJobs:   maxJobs,
			})
			violated, runErr := driver.Run(cmd.Context())
			if runErr != nil {
				return fmt.Errorf("netverify: %w", runErr)
			}
			if violated {
				return errViolation
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "verbose console logging")
	rootCmd.Flags().StringVarP(&inputPath, "input", "i", "", "path to the TOML network config (required)")
	rootCmd.Flags().StringVarP(&outputDir, "output-dir", "o", "", "results directory (required)")
	rootCmd.Flags().IntVarP(&maxJobs, "jobs", "j", 1, "max parallel worker processes")

	rootCmd.AddCommand(newWorkerCmd())

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errViolation) {
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func setLogLevel() {
	if verboseFlag {
		_ = obs.SetLogLevel("debug")
	} else {
		_ = obs.SetLogLevel("info")
	}
}
