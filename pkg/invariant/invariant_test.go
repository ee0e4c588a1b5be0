package invariant

import "testing"

func TestReachabilityPositive(t *testing.T) {
	inv := Invariant{Kind: Reachability, Reachable: true, TargetNodes: []string{"s"}}
	trace := NewTrace()
	trace.Terminal = true
	trace.TerminalAtNode = "s"
	violated, err := inv.CheckViolation(trace)
	if err != nil || violated {
		t.Fatalf("expected reachability to hold when terminal node is the target, got violated=%v err=%v", violated, err)
	}

	trace2 := NewTrace()
	trace2.Terminal = true
	trace2.Dropped = true
	violated, _ = inv.CheckViolation(trace2)
	if !violated {
		t.Errorf("expected reachability to be violated when the packet was dropped")
	}
}

func TestReachabilityNegative(t *testing.T) {
	inv := Invariant{Kind: Reachability, Reachable: false, TargetNodes: []string{"s"}}
	trace := NewTrace()
	trace.Terminal = true
	trace.TerminalAtNode = "s"
	violated, _ := inv.CheckViolation(trace)
	if !violated {
		t.Errorf("expected negative reachability to be violated when the target was reached")
	}
}

func TestWaypointThroughAndAvoid(t *testing.T) {
	through := Invariant{Kind: Waypoint, Through: true, TargetNodes: []string{"nat"}}
	trace := NewTrace()
	trace.WholeTerminal = true
	violated, _ := through.CheckViolation(trace)
	if !violated {
		t.Errorf("expected through-waypoint to be violated when the target was never visited")
	}
	trace.WaypointsSeen["nat"] = true
	violated, _ = through.CheckViolation(trace)
	if violated {
		t.Errorf("expected through-waypoint to hold once the target was visited")
	}

	avoid := Invariant{Kind: Waypoint, Through: false, TargetNodes: []string{"fw"}}
	trace2 := NewTrace()
	trace2.WaypointsSeen["fw"] = true
	violated, _ = avoid.CheckViolation(trace2)
	if !violated {
		t.Errorf("expected avoid-waypoint to be violated once the target is visited")
	}
}

func TestOneRequestAcrossConnections(t *testing.T) {
	inv := Invariant{Kind: OneRequest, TargetNodes: []string{"a", "b"}}
	trace := NewTrace()
	trace.RequestSeenBy["a"] = true
	if violated, _ := inv.CheckViolation(trace); violated {
		t.Errorf("expected no violation with only one target having seen the request")
	}
	trace.RequestSeenBy["b"] = true
	if violated, _ := inv.CheckViolation(trace); !violated {
		t.Errorf("expected violation once two targets have seen the request")
	}
}

func TestLoadBalanceDispersion(t *testing.T) {
	inv := Invariant{Kind: LoadBalance, TargetNodes: []string{"b1", "b2", "b3"}, MaxDispersionIndex: 0.5}
	balanced := map[string]int{"b1": 10, "b2": 10, "b3": 10}
	if violated, _ := inv.CheckLoadBalance(balanced); violated {
		t.Errorf("expected a perfectly even split to satisfy the dispersion bound")
	}
	skewed := map[string]int{"b1": 30, "b2": 0, "b3": 0}
	if violated, _ := inv.CheckLoadBalance(skewed); !violated {
		t.Errorf("expected an all-to-one-backend split to violate the dispersion bound")
	}
}

func TestVisitedHopsDetectsLoop(t *testing.T) {
	v := NewVisitedHops()
	h := VisitedHop{EC: 1, DstPort: 80, Node: "r0"}
	if !v.Add(h) {
		t.Fatalf("expected first Add to succeed")
	}
	if v.Add(h) {
		t.Errorf("expected second Add of the same hop to report a loop")
	}
}

func TestConditionalComposite(t *testing.T) {
	inv := Invariant{Kind: Conditional, Children: []Invariant{{}, {}, {}}}
	// premise violated: conditional holds regardless of the other children
	violated, err := inv.CheckComposite([]bool{true, true, true})
	if err != nil || violated {
		t.Errorf("expected conditional to hold vacuously when the premise is violated")
	}
	// premise holds, one child violated
	violated, _ = inv.CheckComposite([]bool{false, false, true})
	if !violated {
		t.Errorf("expected conditional to be violated when the premise holds but a sub-invariant doesn't")
	}
	// premise holds, all children hold
	violated, _ = inv.CheckComposite([]bool{false, false, false})
	if violated {
		t.Errorf("expected conditional to hold when the premise and all children hold")
	}
}

func TestConsistencyComposite(t *testing.T) {
	inv := Invariant{Kind: Consistency, Children: []Invariant{{}, {}}}
	violated, _ := inv.CheckComposite([]bool{true, true})
	if violated {
		t.Errorf("expected consistency to hold when all children agree (both violated)")
	}
	violated, _ = inv.CheckComposite([]bool{true, false})
	if !violated {
		t.Errorf("expected consistency to be violated when children disagree")
	}
}
