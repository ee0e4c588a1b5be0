// Package workerdriver implements the process-per-combination worker model:
// one OS process forked per (invariant, connection-tuple) combination,
// bounded by a user-supplied max-jobs limit.
//
// Uses a self-re-exec idiom (resolve os.Executable, re-invoke the same
// binary under a hidden subcommand) and a SIGTERM-then-wait process
// lifecycle, generalized from one long-lived child per lab node to one
// short-lived child per (invariant, tuple) job.
package workerdriver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/newtron-network/netverify/internal/config"
	"github.com/newtron-network/netverify/internal/obs"
	"github.com/newtron-network/netverify/pkg/checker"
)

// WorkerSubcommand is the hidden cobra subcommand cmd/netverify registers
// to dispatch into RunWorker; re-exec always invokes
// "<executable> WorkerSubcommand <flags...>".
const WorkerSubcommand = "__worker"

// Flag names the parent passes to a forked worker and the worker parses
// back out of os.Args — kept as named constants so the two sides can't
// drift.
const (
	FlagInput          = "--input"
	FlagOutputDir      = "--output-dir"
	FlagInvariantIndex = "--invariant-index"
	FlagTupleIndex     = "--tuple-index"
)

// Config configures one top-level verification run.
type Config struct {
	InputPath string
	OutputDir string
	MaxJobs   int
}

// Job is one (invariant, connection-tuple) combination: the unit of work
// one forked worker decides. TupleIndex is -1 for the kinds that always run
// as a single job over the whole invariant (checker.IsWholeInvariantJob).
type Job struct {
	InvariantIndex int
	TupleIndex     int
}

// Plan sizes the job list for net's invariants without starting any
// emulation: building the topology and EC manager (what config.Load already
// did to produce net) is pure, in-memory work, so the parent can compute
// every job up front and then fork exactly that many workers.
func Plan(net *config.Network) []Job {
	var jobs []Job
	for i, inv := range net.Invariants {
		if checker.IsWholeInvariantJob(inv.Kind) {
			jobs = append(jobs, Job{InvariantIndex: i, TupleIndex: -1})
			continue
		}
		n := checker.JobsFor(net.Mgr, inv)
		for t := 0; t < n; t++ {
			jobs = append(jobs, Job{InvariantIndex: i, TupleIndex: t})
		}
	}
	return jobs
}

// Driver forks one OS process per Job, bounded by cfg.MaxJobs concurrently
// in flight, and aggregates their outcomes.
type Driver struct {
	cfg Config
}

// New builds a Driver.
func New(cfg Config) *Driver {
	if cfg.MaxJobs < 1 {
		cfg.MaxJobs = 1
	}
	return &Driver{cfg: cfg}
}

// Run plans and executes every job, returning whether any worker reported a
// violation and the first fatal error encountered, if any. Go's os/exec
// reaps each child via its own Wait() call — no explicit SIGCHLD handler is
// needed — but a violating worker still signals SIGUSR1 to this process so
// Run can cancel and SIGTERM every other in-flight worker immediately
// instead of waiting for them to finish on their own.
func (d *Driver) Run(ctx context.Context) (bool, error) {
	mainLogFile, err := os.Create(filepath.Join(d.cfg.OutputDir, "main.log"))
	if err != nil {
		return false, fmt.Errorf("workerdriver: creating main.log: %w", err)
	}
	defer mainLogFile.Close()
	mainLog := obs.NewFileLogger(mainLogFile)

	net, err := config.Load(d.cfg.InputPath)
	if err != nil {
		return false, fmt.Errorf("workerdriver: loading %s: %w", d.cfg.InputPath, err)
	}
	nodeNames := make([]string, 0, len(net.Nodes))
	for name := range net.Nodes {
		nodeNames = append(nodeNames, name)
	}
	resolved, err := config.ResolveTargets(net.Invariants, nodeNames)
	if err != nil {
		return false, fmt.Errorf("workerdriver: resolving invariant targets: %w", err)
	}
	net.Invariants = resolved

	jobs := Plan(net)
	mainLog.WithField("jobs", len(jobs)).Info("planned jobs")
	obs.WithField("jobs", len(jobs)).Info("workerdriver: planned jobs")
	if len(jobs) == 0 {
		return false, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return false, fmt.Errorf("workerdriver: resolving own executable: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	var violated atomic.Bool
	var firstErr atomic.Pointer[error]

	go func() {
		for range sigCh {
			violated.Store(true)
			cancel()
		}
	}()

	sem := make(chan struct{}, d.cfg.MaxJobs)
	var wg sync.WaitGroup
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			defer func() { <-sem }()

			cmd := exec.CommandContext(ctx, exe,
				WorkerSubcommand,
				FlagInput, d.cfg.InputPath,
				FlagOutputDir, d.cfg.OutputDir,
				FlagInvariantIndex, strconv.Itoa(job.InvariantIndex),
				FlagTupleIndex, strconv.Itoa(job.TupleIndex),
			)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			cmd.Env = append(os.Environ(), fmt.Sprintf("NETVERIFY_PARENT_PID=%d", os.Getpid()))
			// ctx cancellation (a sibling's SIGUSR1) sends SIGTERM rather than
			// exec.CommandContext's default Kill, matching the broadcast
			// discipline expected for cancelling survivors.
			cmd.Cancel = func() error {
				return cmd.Process.Signal(syscall.SIGTERM)
			}

			jobLog := mainLog.WithField("invariant_index", job.InvariantIndex).WithField("tuple_index", job.TupleIndex)

			if err := cmd.Start(); err != nil {
				jobLog.WithField("error", err.Error()).Error("failed to start worker")
				storeFirstErr(&firstErr, fmt.Errorf("workerdriver: starting worker for job %+v: %w", job, err))
				return
			}

			err := cmd.Wait()
			if err != nil {
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					// cmd/netverify maps a found violation to exit code 1
					// and any other fatal worker error to exit code 2; a
					// context-cancelled worker (killed by SIGTERM after a
					// sibling's violation) is neither and is ignored here.
					switch exitErr.ExitCode() {
					case 1:
						jobLog.Warn("worker reported a violation")
						violated.Store(true)
					case 2:
						jobLog.WithField("error", exitErr.Error()).Error("worker failed")
						storeFirstErr(&firstErr, fmt.Errorf("workerdriver: worker for job %+v failed: %s", job, exitErr))
					default:
						jobLog.Debug("worker exited after cancellation")
					}
					return
				}
				jobLog.WithField("error", err.Error()).Error("worker wait failed")
				storeFirstErr(&firstErr, fmt.Errorf("workerdriver: worker for job %+v: %w", job, err))
				return
			}
			jobLog.Info("worker held")
		}(job)
	}
	wg.Wait()

	if errp := firstErr.Load(); errp != nil {
		return violated.Load(), *errp
	}
	return violated.Load(), nil
}

func storeFirstErr(p *atomic.Pointer[error], err error) {
	p.CompareAndSwap(nil, &err)
}
