package workerdriver_test

import (
	"testing"

	"github.com/newtron-network/netverify/internal/config"
	"github.com/newtron-network/netverify/internal/testutil"
	"github.com/newtron-network/netverify/pkg/connspec"
	"github.com/newtron-network/netverify/pkg/eqclass"
	"github.com/newtron-network/netverify/pkg/invariant"
	"github.com/newtron-network/netverify/pkg/ipaddr"
	"github.com/newtron-network/netverify/pkg/workerdriver"
)

func icmpSpec(t *testing.T) connspec.Spec {
	t.Helper()
	dst, err := ipaddr.NewRange(ipaddr.MustParseAddress("10.0.0.2"), ipaddr.MustParseAddress("10.0.0.2"))
	if err != nil {
		t.Fatalf("NewRange: %v", err)
	}
	return connspec.Spec{
		Protocol:     connspec.ICMPEcho,
		SrcNodes:     []string{"h0"},
		DstIPRange:   dst,
		OwnedDstOnly: true,
	}
}

func TestPlanSplitsPerTupleInvariantIntoOneJobPerTuple(t *testing.T) {
	top, err := testutil.BuildTopology(testutil.TwoHostYAML)
	if err != nil {
		t.Fatalf("BuildTopology: %v", err)
	}
	net := &config.Network{
		Mgr: top.Mgr,
		Invariants: []invariant.Invariant{
			{
				Kind:        invariant.Reachability,
				TargetNodes: []string{"h0"},
				Reachable:   true,
				Connections: []connspec.Spec{icmpSpec(t)},
			},
		},
	}

	jobs := workerdriver.Plan(net)
	if len(jobs) != 1 {
		t.Fatalf("expected exactly 1 job (one connection x one EC x one port), got %d: %+v", len(jobs), jobs)
	}
	if jobs[0].InvariantIndex != 0 || jobs[0].TupleIndex != 0 {
		t.Fatalf("unexpected job: %+v", jobs[0])
	}
}

func TestPlanGivesLoadBalanceExactlyOneWholeInvariantJob(t *testing.T) {
	top, err := testutil.BuildTopology(testutil.TwoHostYAML)
	if err != nil {
		t.Fatalf("BuildTopology: %v", err)
	}
	net := &config.Network{
		Mgr: top.Mgr,
		Invariants: []invariant.Invariant{
			{
				Kind:        invariant.LoadBalance,
				TargetNodes: []string{"h1"},
				Connections: []connspec.Spec{icmpSpec(t)},
			},
		},
	}

	jobs := workerdriver.Plan(net)
	if len(jobs) != 1 {
		t.Fatalf("expected exactly 1 job for a LoadBalance invariant, got %d: %+v", len(jobs), jobs)
	}
	if jobs[0].TupleIndex != -1 {
		t.Fatalf("expected TupleIndex -1 for a whole-invariant job, got %d", jobs[0].TupleIndex)
	}
}

func TestPlanSkipsInvariantWithNoMatchingConnections(t *testing.T) {
	net := &config.Network{
		Mgr: eqclass.New(),
		Invariants: []invariant.Invariant{
			{
				Kind:        invariant.Reachability,
				TargetNodes: []string{"h0"},
				Reachable:   true,
				Connections: []connspec.Spec{icmpSpec(t)}, // no ECs registered in this empty mgr
			},
		},
	}

	jobs := workerdriver.Plan(net)
	if len(jobs) != 0 {
		t.Fatalf("expected 0 jobs when the connection spec matches no ECs, got %d: %+v", len(jobs), jobs)
	}
}
