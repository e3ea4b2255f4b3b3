package harness

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/captp/internal/caps"
	"github.com/roach88/captp/internal/wire"
)

// Methods used by the scenario services.
var (
	methodPing       = wire.Method{InterfaceID: 1, MethodID: 0}
	methodGetService = wire.Method{InterfaceID: 1, MethodID: 1}
	methodErr        = wire.Method{InterfaceID: 1, MethodID: 2}
	methodFlush      = wire.Method{InterfaceID: 1, MethodID: 3}
	methodHang       = wire.Method{InterfaceID: 1, MethodID: 4}
	methodPut        = wire.Method{InterfaceID: 1, MethodID: 5}
	methodGetSelf    = wire.Method{InterfaceID: 1, MethodID: 6}
	methodOp         = wire.Method{InterfaceID: 2, MethodID: 1}
)

// pingService echoes request bodies and tracks its release.
type pingService struct {
	released bool
}

func (s *pingService) Recv(req caps.Request, args []caps.Client) caps.StructRef {
	caps.ReleaseAll(args)
	if req.Method == methodErr {
		return caps.ResolvedErr(wire.Exceptionf("kaboom"))
	}
	return caps.ResolvedOK(req.Body, nil)
}

func (s *pingService) Release() { s.released = true }

// hubService gates its answers: getService and hang return unresolved
// promises; flush resolves every pending getService with the sub
// capability. The gating makes wire traces deterministic and keeps
// pipelined calls in flight for as long as a scenario needs.
type hubService struct {
	sub      caps.Client
	pending  []*caps.Promise
	hung     []*caps.Promise
	released bool
}

func (s *hubService) Recv(req caps.Request, args []caps.Client) caps.StructRef {
	caps.ReleaseAll(args)
	switch req.Method {
	case methodGetService:
		p := caps.NewPromise()
		s.pending = append(s.pending, p)
		return p
	case methodFlush:
		for _, p := range s.pending {
			s.sub.IncRef()
			p.Resolve(caps.OkResult(&caps.Response{Caps: []caps.Client{s.sub}}))
		}
		s.pending = nil
		return caps.ResolvedOK(nil, nil)
	case methodHang:
		p := caps.NewPromise()
		s.hung = append(s.hung, p)
		return p
	default:
		return caps.ResolvedOK(req.Body, nil)
	}
}

func (s *hubService) Release() {
	s.released = true
	if s.sub != nil {
		s.sub.DecRef()
	}
}

// holderService keeps one capability put by the peer and hands it back
// on getSelf, producing the loopback shape the embargo machinery
// exists for.
type holderService struct {
	held     caps.Client
	released bool
}

func (s *holderService) Recv(req caps.Request, args []caps.Client) caps.StructRef {
	switch req.Method {
	case methodPut:
		if s.held != nil {
			s.held.DecRef()
		}
		s.held = args[0]
		return caps.ResolvedOK(nil, nil)
	case methodGetSelf:
		caps.ReleaseAll(args)
		s.held.IncRef()
		return caps.ResolvedOK(nil, []caps.Client{s.held})
	default:
		caps.ReleaseAll(args)
		return caps.ResolvedOK(nil, nil)
	}
}

func (s *holderService) Release() {
	s.released = true
	if s.held != nil {
		s.held.DecRef()
	}
}

// recorderService records the order calls reach it.
type recorderService struct {
	mu       sync.Mutex
	seen     []string
	released bool
}

func (s *recorderService) Recv(req caps.Request, args []caps.Client) caps.StructRef {
	caps.ReleaseAll(args)
	s.mu.Lock()
	s.seen = append(s.seen, string(req.Body))
	s.mu.Unlock()
	return caps.ResolvedOK(nil, nil)
}

func (s *recorderService) Seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.seen))
	copy(out, s.seen)
	return out
}

func (s *recorderService) Release() { s.released = true }

// awaitBootstrapSettled waits until a side's bootstrap question has
// resolved and its Finish was queued, so the next call deterministically
// targets the resolved import.
func awaitBootstrapSettled(t *testing.T, p *Pair) {
	t.Helper()
	Eventually(t, func() bool {
		q, _, _, _, _ := p.A.TableSizes()
		return q == 0
	}, "bootstrap question settled")
}

func drained(p *Pair) bool {
	aq, aa, ae, ai, aemb := p.A.TableSizes()
	bq, ba, be, bi, bemb := p.B.TableSizes()
	return aq+aa+ae+ai+aemb == 0 && bq+ba+be+bi+bemb == 0
}

func TestScenario_BootstrapPing(t *testing.T) {
	svc := &pingService{}
	boot := caps.NewLocal(svc)
	pair := NewPair(t, nil, boot)
	boot.DecRef()

	bc := pair.A.Bootstrap()
	awaitBootstrapSettled(t, pair)

	sr := bc.Call(caps.Request{Method: methodPing, Body: []byte("0")}, nil)
	r := Await(t, sr)
	require.NoError(t, r.Err)
	assert.Equal(t, "0", string(r.Resp.Body))

	sr.Finish()
	bc.DecRef()

	Eventually(t, func() bool { return pair.Rec.Count("a_to_b", "release") == 1 }, "one release emitted")
	Eventually(t, func() bool { return drained(pair) }, "all tables drained")

	assert.Equal(t,
		[]string{"bootstrap", "finish", "call", "finish", "release"},
		pair.Rec.Types("a_to_b"))
	assert.Equal(t,
		[]string{"return", "return"},
		pair.Rec.Types("b_to_a"))

	rel := pair.Rec.Frames("a_to_b")[4].Release
	assert.Equal(t, uint32(1), rel.Count)

	pair.B.Close()
	<-pair.B.Done()
	assert.True(t, svc.released, "server-side dec_ref fired at zero")

	AssertGolden(t, pair.Rec.Snapshot("bootstrap_ping"))
}

func TestScenario_Pipelining(t *testing.T) {
	sub := caps.NewLocal(&pingService{})
	hub := &hubService{sub: sub}
	boot := caps.NewLocal(hub)
	pair := NewPair(t, nil, boot)
	boot.DecRef()

	bc := pair.A.Bootstrap()
	awaitBootstrapSettled(t, pair)

	// Call getService, then - without awaiting - call op on the
	// pipelined result. The flush call releases the gate afterwards,
	// proving the pipelined call was already at the server.
	sr1 := bc.Call(caps.Request{Method: methodGetService}, nil)
	svcCap := sr1.Cap(nil)
	sr2 := svcCap.Call(caps.Request{Method: methodOp, Body: []byte("op")}, nil)
	sr3 := bc.Call(caps.Request{Method: methodFlush}, nil)

	require.NoError(t, Await(t, sr3).Err)
	r2 := Await(t, sr2)
	require.NoError(t, r2.Err)
	assert.Equal(t, "op", string(r2.Resp.Body))

	sr1.Finish()
	sr2.Finish()
	sr3.Finish()
	svcCap.DecRef()
	bc.DecRef()

	Eventually(t, func() bool { return pair.Rec.Count("a_to_b", "release") == 2 }, "both imports released")
	Eventually(t, func() bool { return drained(pair) }, "all tables drained")

	frames := pair.Rec.Frames("a_to_b")
	require.Equal(t,
		[]string{"bootstrap", "finish", "call", "call", "call", "finish", "finish", "finish", "release", "release"},
		pair.Rec.Types("a_to_b"))

	// The pipelined call targets the unresolved answer of getService.
	pipelined := frames[3].Call
	assert.Equal(t, wire.TargetPromisedAnswer, pipelined.Target.Type)
	assert.Equal(t, frames[2].Call.QuestionID, pipelined.Target.QuestionID)

	assert.Equal(t,
		[]string{"return", "return", "return", "return"},
		pair.Rec.Types("b_to_a"))

	AssertGolden(t, pair.Rec.Snapshot("pipelining"))
}

func TestScenario_Embargo(t *testing.T) {
	holder := &holderService{}
	boot := caps.NewLocal(holder)
	pair := NewPair(t, nil, boot)
	boot.DecRef()

	rec := &recorderService{}
	local := caps.NewLocal(rec)
	local.IncRef() // keep a handle after put transfers one reference

	bc := pair.A.Bootstrap()
	awaitBootstrapSettled(t, pair)

	srPut := bc.Call(caps.Request{Method: methodPut}, []caps.Client{local})
	require.NoError(t, Await(t, srPut).Err)
	srPut.Finish()

	// Pipeline a call through getSelf before its Return reveals the
	// loopback, then issue a direct call after the Return: the embargo
	// must hold the second call behind the first.
	srGet := bc.Call(caps.Request{Method: methodGetSelf}, nil)
	selfCap := srGet.Cap(nil)
	srOp1 := selfCap.Call(caps.Request{Method: methodOp, Body: []byte("pipelined")}, nil)

	require.NoError(t, Await(t, srGet).Err)
	srOp2 := selfCap.Call(caps.Request{Method: methodOp, Body: []byte("local")}, nil)

	require.NoError(t, Await(t, srOp1).Err)
	require.NoError(t, Await(t, srOp2).Err)

	assert.Equal(t, []string{"pipelined", "local"}, rec.Seen(),
		"in-flight pipelined calls deliver before later local calls")

	// One loopback disembargo went out; the peer mirrored it back with
	// the same embargo id.
	Eventually(t, func() bool { return pair.Rec.Count("b_to_a", "disembargo") == 1 }, "disembargo reply observed")
	reqs := pair.Rec.Frames("a_to_b")
	var reqD *wire.Disembargo
	for _, f := range reqs {
		if f.Type == wire.FrameDisembargo {
			reqD = f.Disembargo
		}
	}
	require.NotNil(t, reqD)
	assert.Equal(t, wire.SenderLoopback, reqD.Context)

	var repD *wire.Disembargo
	for _, f := range pair.Rec.Frames("b_to_a") {
		if f.Type == wire.FrameDisembargo {
			repD = f.Disembargo
		}
	}
	require.NotNil(t, repD)
	assert.Equal(t, wire.ReceiverLoopback, repD.Context)
	assert.Equal(t, reqD.EmbargoID, repD.EmbargoID)

	srGet.Finish()
	srOp1.Finish()
	srOp2.Finish()
	selfCap.DecRef()
	bc.DecRef()

	pair.A.Close()
	pair.B.Close()
	<-pair.A.Done()
	<-pair.B.Done()

	local.DecRef()
	assert.True(t, rec.released)
	assert.True(t, holder.released)
}

func TestScenario_RoundTripIdentity(t *testing.T) {
	holder := &holderService{}
	boot := caps.NewLocal(holder)
	pair := NewPair(t, nil, boot)
	boot.DecRef()

	rec := &recorderService{}
	local := caps.NewLocal(rec)
	local.IncRef()

	bc := pair.A.Bootstrap()
	awaitBootstrapSettled(t, pair)

	require.NoError(t, Await(t, bc.Call(caps.Request{Method: methodPut}, []caps.Client{local})).Err)

	sr := bc.Call(caps.Request{Method: methodGetSelf}, nil)
	r := Await(t, sr)
	require.NoError(t, r.Err)
	require.Len(t, r.Resp.Caps, 1)
	assert.Same(t, local, r.Resp.Caps[0],
		"a capability sent out and received back is the original, not a proxy")

	sr.Finish()
	bc.DecRef()
	local.DecRef()
}

func TestScenario_Exception(t *testing.T) {
	svc := &pingService{}
	boot := caps.NewLocal(svc)
	pair := NewPair(t, nil, boot)
	boot.DecRef()

	bc := pair.A.Bootstrap()
	awaitBootstrapSettled(t, pair)

	sr := bc.Call(caps.Request{Method: methodErr}, nil)
	r := Await(t, sr)

	var exc *wire.Exception
	require.ErrorAs(t, r.Err, &exc)
	assert.Equal(t, "kaboom", exc.Reason)

	sr.Finish()
	bc.DecRef()

	// The exception resolved only that call; the session stays usable.
	bc2 := pair.A.Bootstrap()
	sr2 := bc2.Call(caps.Request{Method: methodPing, Body: []byte("ok")}, nil)
	require.NoError(t, Await(t, sr2).Err)
	sr2.Finish()
	bc2.DecRef()

	Eventually(t, func() bool {
		q, _, _, _, _ := pair.A.TableSizes()
		return q == 0
	}, "question slots released after finish")

	assert.Equal(t, 1, countReturns(pair, wire.ReturnException))
}

func TestScenario_Cancellation(t *testing.T) {
	hub := &hubService{sub: caps.NewLocal(&pingService{})}
	boot := caps.NewLocal(hub)
	pair := NewPair(t, nil, boot)
	boot.DecRef()

	bc := pair.A.Bootstrap()
	awaitBootstrapSettled(t, pair)

	sr := bc.Call(caps.Request{Method: methodHang}, nil)

	fired := false
	sr.WhenResolved(func(caps.Result) { fired = true })

	Eventually(t, func() bool { return pair.Rec.Count("a_to_b", "call") == 1 }, "call on the wire")
	sr.Finish()

	Eventually(t, func() bool { return countReturns(pair, wire.ReturnCancelled) == 1 }, "peer acknowledged cancellation")

	var fin *wire.Finish
	for _, f := range pair.Rec.Frames("a_to_b") {
		if f.Type == wire.FrameFinish && f.Finish.QuestionID == 1 {
			fin = f.Finish
		}
	}
	require.NotNil(t, fin)
	assert.True(t, fin.ReleaseResultCaps, "early finish releases result caps")

	Eventually(t, func() bool {
		q, _, _, _, _ := pair.A.TableSizes()
		_, a, _, _, _ := pair.B.TableSizes()
		return q == 0 && a == 0
	}, "both slots reclaimed")
	assert.False(t, fired, "no user callback fires for a cancelled call")

	bc.DecRef()
}

func countReturns(p *Pair, which wire.ReturnType) int {
	n := 0
	for _, f := range p.Rec.Frames("b_to_a") {
		if f.Type == wire.FrameReturn && f.Return.Which == which {
			n++
		}
	}
	return n
}
