// Package ofupdate implements the OpenFlow update process:
// non-deterministic interleaving of pending route installs into a node's RIB
// during forwarding.
package ofupdate

import (
	"github.com/newtron-network/netverify/pkg/model"
	"github.com/newtron-network/netverify/pkg/rtable"
)

// Update is one configured `(install_at_node, Route)` pair.
type Update struct {
	Node  string
	Route rtable.Route
}

// Process holds every node's pending update list, in configured order.
type Process struct {
	byNode map[string][]Update
}

// New groups updates by their install node, preserving configured order.
func New(updates []Update) *Process {
	p := &Process{byNode: make(map[string][]Update)}
	for _, u := range updates {
		p.byNode[u.Node] = append(p.byNode[u.Node], u)
	}
	return p
}

// Pending returns the next not-yet-installed update at node, given the
// current OpenflowUpdateState, and whether one exists. At each COLLECT_NHOPS
// step the forwarding process calls this to learn whether an install-or-skip
// branch point exists here.
func (p *Process) Pending(state *model.OpenflowUpdateState, node string) (Update, bool) {
	list := p.byNode[node]
	idx := state.Index(node)
	if idx >= len(list) {
		return Update{}, false
	}
	return list[idx], true
}

// Install applies u.Route to node's routing table and returns the advanced
// OpenflowUpdateState. The caller (the forwarding process) is responsible
// for also rebuilding the FIB for the current EC afterward, since this
// package has no FIB-construction dependency.
func (p *Process) Install(store *model.OpenflowStateStore, state *model.OpenflowUpdateState, node string, tbl *rtable.Table, u Update) *model.OpenflowUpdateState {
	tbl.Insert(u.Route)
	return store.Advance(state, node)
}

// Skip is the other side of the install-or-skip branch: it leaves state
// unchanged, since declining an install doesn't retire it — the same
// pending update is offered again the next time this path's forwarding
// process reaches node's COLLECT_NHOPS step.
func (p *Process) Skip(state *model.OpenflowUpdateState) *model.OpenflowUpdateState {
	return state
}
