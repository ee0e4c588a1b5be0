package packet

import "testing"

func TestInjectionResultInterning(t *testing.T) {
	pstore := NewStore()
	irstore := NewInjectionResultStore()

	p1 := pstore.Intern(Packet{SrcPort: 1, Phase: TCPInit1})
	p2 := pstore.Intern(Packet{SrcPort: 2, Phase: TCPInit1})

	a := irstore.Intern([]*Packet{p1, p2}, false)
	b := irstore.Intern([]*Packet{p2, p1}, false) // different order, same set
	if a != b {
		t.Errorf("expected order-independent interning of the receive set")
	}

	c := irstore.Intern(nil, true)
	if c == a {
		t.Errorf("expected an explicit drop result to differ from a received-packets result")
	}
	if !c.ExplicitDrop {
		t.Errorf("expected ExplicitDrop to be preserved")
	}
}

func TestInjectionResultsInterning(t *testing.T) {
	irstore := NewInjectionResultStore()
	irsstore := NewInjectionResultsStore()

	r1 := irstore.Intern(nil, true)
	r2 := irstore.Intern(nil, false)

	a := irsstore.Intern([]*InjectionResult{r1, r2})
	b := irsstore.Intern([]*InjectionResult{r2, r1})
	if a != b {
		t.Errorf("expected order-independent interning of InjectionResults")
	}
}
