package session

import (
	"github.com/roach88/captp/internal/caps"
	"github.com/roach88/captp/internal/wire"
)

// lockedClient is the user-facing face of a capability: every method
// funnels through the session lock, so user goroutines and the dispatch
// goroutine never race on the underlying object graph.
//
// Wrappers are unwrapped at the session boundary so capability identity
// (round-trip recognition, embargo keying) always rests on the inner
// client.
type lockedClient struct {
	s     *Session
	inner caps.Client
}

// wrapClient wraps a raw client for hand-off to user code.
func (s *Session) wrapClient(c caps.Client) caps.Client {
	if c == nil {
		return nil
	}
	return &lockedClient{s: s, inner: c}
}

// unwrapClient strips a locked wrapper, if present.
func unwrapClient(c caps.Client) caps.Client {
	if lc, ok := c.(*lockedClient); ok {
		return lc.inner
	}
	return c
}

// IncRef implements caps.Client.
func (lc *lockedClient) IncRef() {
	lc.s.run(func() { lc.inner.IncRef() })
}

// DecRef implements caps.Client.
func (lc *lockedClient) DecRef() {
	lc.s.run(func() { lc.inner.DecRef() })
}

// Call implements caps.Client. Argument wrappers are stripped so the
// callee sees the underlying clients.
func (lc *lockedClient) Call(req caps.Request, args []caps.Client) caps.StructRef {
	var sr caps.StructRef
	lc.s.run(func() {
		raw := make([]caps.Client, len(args))
		for i, a := range args {
			raw[i] = unwrapClient(a)
		}
		sr = lc.inner.Call(req, raw)
	})
	return lc.s.wrapRef(sr)
}

// Cap implements caps.Client.
func (lc *lockedClient) Cap(path wire.Path) caps.Client {
	var c caps.Client
	lc.s.run(func() { c = lc.inner.Cap(path) })
	return lc.s.wrapClient(c)
}

// Shortest implements caps.Client. The shortened form is re-wrapped;
// use the session boundary (which unwraps) for identity comparisons.
func (lc *lockedClient) Shortest() caps.Client {
	var c caps.Client
	lc.s.run(func() { c = lc.inner.Shortest() })
	if c == lc.inner {
		return lc
	}
	return lc.s.wrapClient(c)
}

// lockedRef is the user-facing face of a struct ref.
type lockedRef struct {
	s     *Session
	inner caps.StructRef
}

// wrapRef wraps a raw struct ref for hand-off to user code.
func (s *Session) wrapRef(sr caps.StructRef) caps.StructRef {
	if sr == nil {
		return nil
	}
	return &lockedRef{s: s, inner: sr}
}

// WhenResolved implements caps.StructRef. The callback runs off the
// session lock (deferred to the end of the current dispatch step), so
// it may freely use wrapped handles. Payload capabilities inside the
// result are borrowed raw references; reach them through Cap.
func (lr *lockedRef) WhenResolved(cb func(caps.Result)) {
	lr.s.run(func() {
		lr.inner.WhenResolved(func(r caps.Result) {
			lr.s.schedule(func() { cb(r) })
		})
	})
}

// Response implements caps.StructRef.
func (lr *lockedRef) Response() (caps.Result, bool) {
	var (
		r  caps.Result
		ok bool
	)
	lr.s.run(func() { r, ok = lr.inner.Response() })
	return r, ok
}

// Cap implements caps.StructRef.
func (lr *lockedRef) Cap(path wire.Path) caps.Client {
	var c caps.Client
	lr.s.run(func() { c = lr.inner.Cap(path) })
	return lr.s.wrapClient(c)
}

// Finish implements caps.StructRef.
func (lr *lockedRef) Finish() {
	lr.s.run(func() { lr.inner.Finish() })
}
