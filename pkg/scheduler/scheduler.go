// Package scheduler implements the non-deterministic choose-connection
// process: when several connections are executable, it
// publishes the branching factor and resumes forwarding on whichever one the
// model checker selects.
package scheduler

import "github.com/newtron-network/netverify/pkg/model"

// Executable reports which connection indices in conns are still runnable:
// not yet finished (its forwarding mode is not Dropped/Accepted-terminal)
// and not blocked waiting on a pending reply elsewhere.
func Executable(conns []model.ConnState) []int {
	var out []int
	for i, c := range conns {
		if c.Executable {
			out = append(out, i)
		}
	}
	return out
}

// Publish sets Candidates' implied branching factor for the scheduler's own
// choice point: ChoiceCount becomes the number of executable connections,
// ready for the model checker to iterate Choice over [0, ChoiceCount).
func Publish(s *model.State) {
	exec := Executable(s.Conns)
	s.ChoiceCount = len(exec)
}

// Resume commits the model checker's Choice as the connection to advance
// next, resets ChoiceCount to 1, and returns the chosen
// connection's index.
func Resume(s *model.State) int {
	exec := Executable(s.Conns)
	chosen := exec[s.Choice]
	s.Conn = chosen
	s.ChoiceCount = 1
	s.Choice = 0
	return chosen
}
