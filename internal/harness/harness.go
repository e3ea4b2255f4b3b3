// Package harness provides a conformance testing framework for the
// CapTP runtime: two sessions wired back to back over an in-memory
// frame pipe, with every frame recorded per direction for assertion and
// golden-file comparison.
//
// Traces are recorded at send time on each side, so the order within
// one direction is exactly the wire order; interleaving across
// directions is timing-dependent and deliberately not part of any
// golden trace.
package harness

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/roach88/captp/internal/caps"
	"github.com/roach88/captp/internal/session"
	"github.com/roach88/captp/internal/testutil"
	"github.com/roach88/captp/internal/wire"
)

// awaitTimeout bounds every blocking wait in the harness. Generous:
// everything under test is in-memory.
const awaitTimeout = 5 * time.Second

// Recorder captures frames per direction.
//
// Thread-safety: safe for concurrent use; both sessions' sender
// goroutines record into it.
type Recorder struct {
	mu   sync.Mutex
	dirs map[string][]*wire.Frame
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{dirs: make(map[string][]*wire.Frame)}
}

// add appends a frame to a direction's trace.
func (r *Recorder) add(dir string, f *wire.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirs[dir] = append(r.dirs[dir], f)
}

// Frames returns a copy of a direction's trace.
func (r *Recorder) Frames(dir string) []*wire.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*wire.Frame, len(r.dirs[dir]))
	copy(out, r.dirs[dir])
	return out
}

// Types returns a direction's trace reduced to frame type names.
func (r *Recorder) Types(dir string) []string {
	fs := r.Frames(dir)
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.TypeName()
	}
	return out
}

// Count returns how many frames of the given type a direction carried.
func (r *Recorder) Count(dir, typeName string) int {
	n := 0
	for _, f := range r.Frames(dir) {
		if f.TypeName() == typeName {
			n++
		}
	}
	return n
}

// tap wraps a transport so every outbound frame lands in the recorder.
type tap struct {
	inner session.Transport
	rec   *Recorder
	dir   string
}

func (t *tap) Send(f *wire.Frame) error {
	t.rec.add(t.dir, f)
	return t.inner.Send(f)
}

func (t *tap) Recv() (*wire.Frame, error) { return t.inner.Recv() }
func (t *tap) Close() error               { return t.inner.Close() }

// Pair is two sessions joined by an in-memory pipe: A plays the client
// role, B the server role, though both sides are full peers.
type Pair struct {
	A *session.Session
	B *session.Session

	// Rec holds the wire traces, directions "a_to_b" and "b_to_a".
	Rec *Recorder
}

// quietLogger drops all session logs; scenario output stays readable.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewPair builds a connected session pair with deterministic tags and
// recorded traces. bootB, when non-nil, becomes B's bootstrap
// capability; bootA likewise for A. Both sessions tear down at test
// cleanup.
func NewPair(t *testing.T, bootA, bootB caps.Client) *Pair {
	t.Helper()
	ta, tb := session.NewPipe()
	rec := NewRecorder()

	a, err := session.New(&tap{inner: ta, rec: rec, dir: "a_to_b"}, &session.Options{
		Bootstrap: bootA,
		Logger:    quietLogger(),
		TagGen:    testutil.NewFixedTagGenerator("client"),
	})
	if err != nil {
		t.Fatalf("client session: %v", err)
	}
	b, err := session.New(&tap{inner: tb, rec: rec, dir: "b_to_a"}, &session.Options{
		Bootstrap: bootB,
		Logger:    quietLogger(),
		TagGen:    testutil.NewFixedTagGenerator("server"),
	})
	if err != nil {
		t.Fatalf("server session: %v", err)
	}

	p := &Pair{A: a, B: b, Rec: rec}
	t.Cleanup(func() {
		a.Close()
		b.Close()
		<-a.Done()
		<-b.Done()
	})
	return p
}

// Await blocks until a struct ref resolves and returns the result.
func Await(t *testing.T, sr caps.StructRef) caps.Result {
	t.Helper()
	ch := make(chan caps.Result, 1)
	sr.WhenResolved(func(r caps.Result) { ch <- r })
	select {
	case r := <-ch:
		return r
	case <-time.After(awaitTimeout):
		t.Fatal("struct ref did not resolve in time")
		return caps.Result{}
	}
}

// Eventually polls cond until it holds or the harness timeout expires.
func Eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(awaitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached: %s", msg)
}

// descString summarizes a capability descriptor for traces.
func descString(d wire.CapDescriptor) string {
	switch d.Type {
	case wire.CapNone:
		return "none"
	case wire.CapSenderHosted:
		return fmt.Sprintf("senderHosted:%d", d.ID)
	case wire.CapSenderPromise:
		return fmt.Sprintf("senderPromise:%d", d.ID)
	case wire.CapReceiverHosted:
		return fmt.Sprintf("receiverHosted:%d", d.ID)
	case wire.CapReceiverAnswer:
		return fmt.Sprintf("receiverAnswer:%d%v", d.QuestionID, []uint16(d.Path))
	default:
		return "thirdParty"
	}
}

// targetString summarizes a message target for traces.
func targetString(mt wire.MessageTarget) string {
	if mt.Type == wire.TargetImportedCap {
		return fmt.Sprintf("import:%d", mt.ImportedCap)
	}
	return fmt.Sprintf("answer:%d%v", mt.QuestionID, []uint16(mt.Path))
}

// TraceEvent is one frame reduced to a stable, reviewable summary.
type TraceEvent struct {
	Type   string `json:"type"`
	ID     uint32 `json:"id"`
	Detail string `json:"detail,omitempty"`
}

// Summarize reduces a frame to its trace event.
func Summarize(f *wire.Frame) TraceEvent {
	switch f.Type {
	case wire.FrameBootstrap:
		return TraceEvent{Type: "bootstrap", ID: f.Bootstrap.QuestionID}
	case wire.FrameCall:
		c := f.Call
		return TraceEvent{
			Type:   "call",
			ID:     c.QuestionID,
			Detail: fmt.Sprintf("target=%s method=%s%s", targetString(c.Target), c.Method, capsDetail(c.CapTable)),
		}
	case wire.FrameReturn:
		r := f.Return
		switch r.Which {
		case wire.ReturnResults:
			return TraceEvent{Type: "return", ID: r.AnswerID, Detail: "results" + capsDetail(r.CapTable)}
		case wire.ReturnException:
			return TraceEvent{Type: "return", ID: r.AnswerID, Detail: "exception: " + r.Reason}
		default:
			return TraceEvent{Type: "return", ID: r.AnswerID, Detail: "cancelled"}
		}
	case wire.FrameFinish:
		return TraceEvent{Type: "finish", ID: f.Finish.QuestionID, Detail: fmt.Sprintf("release_result_caps=%v", f.Finish.ReleaseResultCaps)}
	case wire.FrameRelease:
		return TraceEvent{Type: "release", ID: f.Release.ID, Detail: fmt.Sprintf("count=%d", f.Release.Count)}
	case wire.FrameDisembargo:
		d := f.Disembargo
		kind := "loopback"
		if d.Context == wire.ReceiverLoopback {
			kind = "reply"
		}
		return TraceEvent{Type: "disembargo", ID: d.EmbargoID, Detail: fmt.Sprintf("%s target=%s", kind, targetString(d.Target))}
	default:
		return TraceEvent{Type: f.TypeName()}
	}
}

// capsDetail renders a cap table suffix, empty when there are no caps.
func capsDetail(descs []wire.CapDescriptor) string {
	if len(descs) == 0 {
		return ""
	}
	parts := make([]string, len(descs))
	for i, d := range descs {
		parts[i] = descString(d)
	}
	return " caps=[" + strings.Join(parts, " ") + "]"
}
