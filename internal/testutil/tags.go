// Package testutil provides deterministic stand-ins for the session's
// randomized pieces, so harness scenarios and golden traces reproduce
// exactly.
package testutil

import "sync"

// FixedTagGenerator hands out a predeclared sequence of session tags.
//
// Production sessions tag themselves with UUIDv7; tests substitute
// known names ("client", "server") so log output and trace snapshots
// are stable across runs.
//
// Thread-safety: safe for concurrent use via internal mutex.
type FixedTagGenerator struct {
	mu        sync.Mutex
	remaining []string
}

// NewFixedTagGenerator creates a generator over the given tags.
//
// Example:
//
//	gen := testutil.NewFixedTagGenerator("client", "server")
//	gen.Generate() // "client"
//	gen.Generate() // "server"
//	gen.Generate() // panic: sequence exhausted
func NewFixedTagGenerator(tags ...string) *FixedTagGenerator {
	return &FixedTagGenerator{remaining: append([]string(nil), tags...)}
}

// Generate pops the next tag from the sequence.
//
// Panics when the sequence runs dry: a test opening more sessions than
// it declared tags for is a test bug, and failing fast beats a silent
// duplicate tag corrupting a golden trace.
func (g *FixedTagGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.remaining) == 0 {
		panic("testutil: fixed tag generator exhausted")
	}
	tag := g.remaining[0]
	g.remaining = g.remaining[1:]
	return tag
}
