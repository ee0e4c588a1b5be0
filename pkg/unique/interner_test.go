package unique

import "testing"

type point struct {
	x, y int
}

func TestInternDedups(t *testing.T) {
	in := New[point](func(p point) any { return p })

	a := in.Intern(point{1, 2})
	b := in.Intern(point{1, 2})
	c := in.Intern(point{3, 4})

	if a != b {
		t.Errorf("expected equal values to intern to the same pointer")
	}
	if a == c {
		t.Errorf("expected distinct values to intern to distinct pointers")
	}
	if in.Len() != 2 {
		t.Errorf("Len() = %d, want 2", in.Len())
	}
}

func TestGetWithoutInsert(t *testing.T) {
	in := New[point](func(p point) any { return p })
	if _, ok := in.Get(point{9, 9}); ok {
		t.Errorf("expected no entry before Intern is called")
	}
	in.Intern(point{9, 9})
	if v, ok := in.Get(point{9, 9}); !ok || *v != (point{9, 9}) {
		t.Errorf("expected Get to find the interned value")
	}
}
