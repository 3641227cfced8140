// Package testutil provides deterministic id generators for tests and
// scenario runs.
package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDGenerator hands out ids "<prefix>-1", "<prefix>-2", ...
//
// Unlike persistence.UUIDv7Generator, the sequence can be reset for test
// reuse, so the same scenario run twice produces byte-identical traces.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type SequentialIDGenerator struct {
	mu     sync.Mutex
	prefix string
	seq    int64
}

// NewSequentialIDGenerator creates a generator starting at 0. If prefix is
// empty, "id" is used.
//
// The first call to Generate() returns "<prefix>-1".
func NewSequentialIDGenerator(prefix string) *SequentialIDGenerator {
	if prefix == "" {
		prefix = "id"
	}
	return &SequentialIDGenerator{prefix: prefix}
}

// Generate returns the next id.
func (g *SequentialIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return fmt.Sprintf("%s-%d", g.prefix, g.seq)
}

// Current returns how many ids have been generated since the last reset.
func (g *SequentialIDGenerator) Current() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq
}

// Reset restarts the sequence. The next call to Generate() returns
// "<prefix>-1".
func (g *SequentialIDGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq = 0
}

// FixedIDGenerator returns the same id every time. Tests use it to force id
// collisions.
//
// Thread-safety: FixedIDGenerator is stateless and safe for concurrent use.
type FixedIDGenerator struct {
	id string
}

// NewFixedIDGenerator creates a fixed generator. If id is empty,
// Generate() returns "fixed-id".
func NewFixedIDGenerator(id string) *FixedIDGenerator {
	if id == "" {
		id = "fixed-id"
	}
	return &FixedIDGenerator{id: id}
}

func (g *FixedIDGenerator) Generate() string {
	return g.id
}
