package harness

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/captp/internal/wire"
)

// TraceSnapshot captures the complete wire trace for a scenario, per
// direction. Traces within one direction are in wire order; the
// snapshot never mixes directions, keeping golden files deterministic.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	AtoB         []TraceEvent `json:"a_to_b"`
	BtoA         []TraceEvent `json:"b_to_a"`
}

// Snapshot reduces the recorded traces to a snapshot.
func (r *Recorder) Snapshot(name string) TraceSnapshot {
	return TraceSnapshot{
		ScenarioName: name,
		AtoB:         summarizeAll(r.Frames("a_to_b")),
		BtoA:         summarizeAll(r.Frames("b_to_a")),
	}
}

func summarizeAll(fs []*wire.Frame) []TraceEvent {
	out := make([]TraceEvent, len(fs))
	for i, f := range fs {
		out[i] = Summarize(f)
	}
	return out
}

// AssertGolden compares the snapshot against the golden file
// testdata/golden/{name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func AssertGolden(t *testing.T, snap TraceSnapshot) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, snap.ScenarioName, marshalSnapshot(t, snap))
}

// marshalSnapshot renders a snapshot as stable, indented JSON with HTML
// escaping disabled, so golden diffs stay readable.
func marshalSnapshot(t *testing.T, snap TraceSnapshot) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	return buf.Bytes()
}
