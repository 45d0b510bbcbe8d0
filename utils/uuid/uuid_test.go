package uuid

import (
	"testing"

	"github.com/google/uuid"
)

func TestRandom(t *testing.T) {
	r := NewRandom()
	a, b := r.ID(), r.ID()
	if a == b {
		t.Errorf("repeated ID: %s", a)
	}
	u, err := uuid.Parse(a)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := u.Version(), uuid.Version(4); have != want {
		t.Errorf("version: have %v, want %v", have, want)
	}
}

func TestStaticIDs(t *testing.T) {
	s := NewStaticIDs("A", "B")
	for _, want := range []string{"A", "B", "A"} {
		if have := s.ID(); have != want {
			t.Errorf("have %s, want %s", have, want)
		}
	}
}

func TestDeterministic(t *testing.T) {
	a := Deterministic("campaign-1\x00device-A")
	if have, want := Deterministic("campaign-1\x00device-A"), a; have != want {
		t.Errorf("have %s, want %s", have, want)
	}
	if Deterministic("campaign-1\x00device-B") == a {
		t.Error("different names produced the same ID")
	}
	u, err := uuid.Parse(a)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := u.Version(), uuid.Version(5); have != want {
		t.Errorf("version: have %v, want %v", have, want)
	}
}
