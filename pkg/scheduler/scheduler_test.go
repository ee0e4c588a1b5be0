package scheduler

import (
	"testing"

	"github.com/newtron-network/netverify/pkg/model"
)

func TestPublishAndResume(t *testing.T) {
	s := &model.State{
		Conns: []model.ConnState{
			{Executable: true},
			{Executable: false},
			{Executable: true},
		},
	}
	Publish(s)
	if s.ChoiceCount != 2 {
		t.Fatalf("ChoiceCount = %d, want 2", s.ChoiceCount)
	}
	s.Choice = 1
	chosen := Resume(s)
	if chosen != 2 {
		t.Errorf("Resume picked index %d, want 2 (the second executable connection)", chosen)
	}
	if s.Conn != 2 || s.ChoiceCount != 1 {
		t.Errorf("expected Conn=2, ChoiceCount=1 after resume, got Conn=%d ChoiceCount=%d", s.Conn, s.ChoiceCount)
	}
}
