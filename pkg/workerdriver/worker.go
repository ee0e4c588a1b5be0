package workerdriver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/newtron-network/netverify/internal/config"
	"github.com/newtron-network/netverify/internal/obs"
	"github.com/newtron-network/netverify/internal/pcapdump"
	"github.com/newtron-network/netverify/internal/stats"
	"github.com/newtron-network/netverify/pkg/checker"
	"github.com/newtron-network/netverify/pkg/emulation"
	"github.com/newtron-network/netverify/pkg/fib"
	"github.com/newtron-network/netverify/pkg/forwarding"
	"github.com/newtron-network/netverify/pkg/injectioncache"
	"github.com/newtron-network/netverify/pkg/model"
	"github.com/newtron-network/netverify/pkg/packet"
	"github.com/newtron-network/netverify/pkg/topo"
)

// WorkerConfig is the parsed form of the flags a forked worker receives
// (FlagInput, FlagOutputDir, FlagInvariantIndex, FlagTupleIndex).
type WorkerConfig struct {
	InputPath      string
	OutputDir      string
	InvariantIndex int
	TupleIndex     int
}

const defaultMaxInstances = 8

// RunWorker is the forked process's entire job: reload the config fresh
//, build its own Process, decide exactly its one assigned
// (invariant, tuple) job, and report back. A violation is signalled to the
// parent with SIGUSR1 before returning, so the parent can cancel surviving
// siblings without waiting for them to finish on their own.
func RunWorker(ctx context.Context, cfg WorkerConfig) (violated bool, err error) {
	pid := os.Getpid()

	logFile, ferr := os.Create(filepath.Join(cfg.OutputDir, fmt.Sprintf("%d.log", pid)))
	if ferr != nil {
		return false, fmt.Errorf("workerdriver: creating worker log: %w", ferr)
	}
	defer logFile.Close()
	log := obs.NewFileLogger(logFile).WithField("worker", pid)

	net, err := config.Load(cfg.InputPath)
	if err != nil {
		return false, fmt.Errorf("workerdriver: worker %d: loading config: %w", pid, err)
	}
	nodeNames := make([]string, 0, len(net.Nodes))
	for name := range net.Nodes {
		nodeNames = append(nodeNames, name)
	}
	invs, err := config.ResolveTargets(net.Invariants, nodeNames)
	if err != nil {
		return false, fmt.Errorf("workerdriver: worker %d: resolving targets: %w", pid, err)
	}
	if cfg.InvariantIndex < 0 || cfg.InvariantIndex >= len(invs) {
		return false, fmt.Errorf("workerdriver: worker %d: invariant index %d out of range", pid, cfg.InvariantIndex)
	}
	inv := invs[cfg.InvariantIndex]

	proc, emMgr, pcapMgr, err := buildProcess(net, cfg.OutputDir, pid)
	if err != nil {
		return false, fmt.Errorf("workerdriver: worker %d: building process: %w", pid, err)
	}
	defer func() {
		_ = emMgr.Close(ctx)
		_ = pcapMgr.Close()
	}()

	statsW, serr := stats.Open(cfg.OutputDir, pid)
	if serr != nil {
		return false, fmt.Errorf("workerdriver: worker %d: opening stats: %w", pid, serr)
	}
	defer statsW.Close()

	log.WithField("invariant_index", cfg.InvariantIndex).WithField("tuple_index", cfg.TupleIndex).Info("starting job")

	start := time.Now()
	res, err := checker.New(proc, net.Mgr).RunJob(ctx, inv, cfg.TupleIndex)
	elapsed := time.Since(start)
	_ = statsW.Record(stats.Sample{Overall: elapsed})

	if err != nil {
		log.WithField("error", err.Error()).Error("job failed")
		return false, fmt.Errorf("workerdriver: worker %d: %w", pid, err)
	}

	if res.Violated {
		log.Warn("invariant violated")
		if ppid := os.Getppid(); ppid > 1 {
			_ = syscall.Kill(ppid, syscall.SIGUSR1)
		}
		return true, nil
	}
	log.Info("job held")
	return false, nil
}

// buildProcess assembles a fresh forwarding.Process, emulation.Manager, and
// pcapdump.Manager for one worker, mirroring the dependency set
// pkg/forwarding/forwarding_test.go and pkg/checker/checker_test.go wire by
// hand for in-memory tests, but against the real topology config.Load built
// and with a real Docker-backed emulation factory.
func buildProcess(net *config.Network, outputDir string, pid int) (*forwarding.Process, *emulation.Manager, *pcapdump.Manager, error) {
	pstore := packet.NewStore()
	hstore := packet.NewHistoryStore()

	pcapMgr := pcapdump.NewManager(outputDir, pid)
	factory := func(mb string) emulation.Driver {
		d, ferr := emulation.NewDockerDriver()
		if ferr != nil {
			return failingDriver{err: ferr}
		}
		w, werr := pcapMgr.ForInterface(mb, "veth")
		if werr == nil {
			d.AttachPcap(w)
		}
		return d
	}

	maxInstances := len(net.Specs)
	if maxInstances < 1 {
		maxInstances = defaultMaxInstances
	}
	emMgr, err := emulation.NewManager(maxInstances, factory, 500*time.Millisecond, hstore, pstore)
	if err != nil {
		return nil, nil, nil, err
	}

	proc := &forwarding.Process{
		Nodes:      net.Nodes,
		Mgr:        net.Mgr,
		FIBs:       fib.NewBuilder(net.Nodes),
		Choices:    model.NewChoicesStore(),
		OFState:    model.NewOpenflowStateStore(),
		Reach:      model.NewReachCountsStore(),
		PStore:     pstore,
		HStore:     hstore,
		PHStore:    packet.NewPacketHistoryStore(),
		IRStore:    packet.NewInjectionResultStore(),
		IRSStore:   packet.NewInjectionResultsStore(),
		Updates:    net.Updates,
		Cache:      injectioncache.New(),
		Emulations: emMgr,
		Specs:      net.Specs,
	}
	return proc, emMgr, pcapMgr, nil
}

// failingDriver satisfies emulation.Driver when NewDockerDriver fails (no
// reachable Docker daemon), so Manager.Get reports a clean obs.DriverError
// instead of a nil-pointer panic the first time it tries to Start.
type failingDriver struct{ err error }

func (f failingDriver) Start(context.Context, topo.ContainerSpec) error {
	return obs.NewDriverError("start", "docker", f.err)
}
func (f failingDriver) Inject(context.Context, *packet.Packet) error {
	return obs.NewDriverError("inject", "docker", f.err)
}
func (f failingDriver) Received() <-chan *packet.Packet { return nil }
func (f failingDriver) Dropped() <-chan time.Time       { return nil }
func (f failingDriver) Reset(context.Context) error     { return obs.NewDriverError("reset", "docker", f.err) }
func (f failingDriver) Close(context.Context) error     { return nil }
