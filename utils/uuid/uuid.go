// Package uuid generates identifiers for campaigns, workflows and commands.
package uuid

import (
	"sync"

	"github.com/google/uuid"
)

// IDer generates identifiers.
type IDer interface {
	ID() string
}

// Random generates random (version 4) UUIDs.
type Random struct{}

// NewRandom creates a new random UUID generator.
func NewRandom() Random {
	return Random{}
}

// ID returns a new random UUID.
func (Random) ID() string {
	return uuid.NewString()
}

var namespace = uuid.MustParse("0a4b6f1e-7c2d-4f57-9b0e-3f1f5c2a9d61")

// Deterministic returns a name-based (SHA-1) UUID string for name.
// The same name always produces the same ID.
func Deterministic(name string) string {
	return uuid.NewSHA1(namespace, []byte(name)).String()
}

// StaticIDs hands out a fixed list of IDs in order, starting over
// at the first once they are used up. It is meant for tests.
type StaticIDs struct {
	mu  sync.Mutex
	ids []string
	i   int
}

// NewStaticIDs creates a new static ID generator.
func NewStaticIDs(ids ...string) *StaticIDs {
	if len(ids) < 1 {
		panic("uuid: no static IDs")
	}
	return &StaticIDs{ids: ids}
}

// ID returns the next ID.
func (s *StaticIDs) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.ids[s.i%len(s.ids)]
	s.i++
	return id
}
