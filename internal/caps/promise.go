package caps

import (
	"errors"

	"github.com/roach88/captp/internal/wire"
)

// StructRef is a handle for a (possibly unresolved) call result.
type StructRef interface {
	// WhenResolved registers a callback fired when the result is known.
	// Fires synchronously if already resolved. The result's payload
	// capabilities are borrowed; callbacks IncRef what they keep.
	WhenResolved(cb func(Result))

	// Response returns the current resolution state.
	Response() (Result, bool)

	// Cap returns the capability addressed by path within the result,
	// usable for pipelining before resolution. Equal paths return the
	// same interned handle; each call claims one reference on it.
	Cap(path wire.Path) Client

	// Finish relinquishes the answer: payload capabilities are
	// released, and an unresolved call is cancelled. Idempotent.
	Finish()
}

// Resolver is the write end of a struct promise.
type Resolver interface {
	// Resolve transitions to the given result. Resolving twice is fatal.
	Resolve(r Result)

	// Connect forwards another struct ref's resolution into this
	// promise. Connecting an already-resolved or already-connected
	// promise, or forming a wait cycle, is an error.
	Connect(other StructRef) error
}

// pipelineEntry is one interned pipelined sub-capability of a promise.
type pipelineEntry struct {
	path wire.Path
	pc   *CapPromise
}

// Promise is a local struct promise: the one concrete implementation of
// both StructRef and Resolver.
//
// States: unresolved (waiters buffered, pipelined caps interned) ->
// resolved (result stored, everything flushed). Finish may arrive in
// either state; finishing before resolution cancels the call.
type Promise struct {
	result   *Result
	waiters  []func(Result)
	pipeline map[string]pipelineEntry

	// source is the upstream struct ref this promise forwards from
	// (set by Connect); Finish propagates to it.
	source StructRef

	// waitsOn backs the connect-cycle check: the promise whose
	// resolution this one is waiting for.
	waitsOn *Promise

	// finisher is an optional hook run once when the promise is
	// finished; the session uses it to emit the wire Finish for a
	// cancelled question.
	finisher func()

	// capHook, when set, supplies pipelined sub-capabilities while the
	// promise is unresolved, instead of the local interned capability
	// promises. The session installs it on question promises so
	// pipelined calls go straight to the wire.
	capHook func(path wire.Path) Client

	finished bool
}

// NewPromise creates an unresolved struct promise.
func NewPromise() *Promise {
	return &Promise{pipeline: make(map[string]pipelineEntry)}
}

// ResolvedOK returns a struct ref pre-resolved with a payload. Ownership
// of the payload capabilities transfers to the returned ref.
func ResolvedOK(body []byte, capTable []Client) StructRef {
	p := NewPromise()
	p.Resolve(OkResult(&Response{Body: body, Caps: capTable}))
	return p
}

// ResolvedErr returns a struct ref pre-resolved with an error.
func ResolvedErr(err error) StructRef {
	p := NewPromise()
	p.Resolve(ErrResult(err))
	return p
}

// SetFinisher installs the finish hook. Must be set before the promise
// is handed to user code.
func (p *Promise) SetFinisher(f func()) {
	p.finisher = f
}

// SetCapHook installs the pipelined-capability factory. The hook owns
// interning and returns one reference per lookup.
func (p *Promise) SetCapHook(h func(path wire.Path) Client) {
	p.capHook = h
}

// Finished reports whether the struct ref was relinquished.
func (p *Promise) Finished() bool {
	return p.finished
}

// WhenResolved implements StructRef.
func (p *Promise) WhenResolved(cb func(Result)) {
	if p.finished {
		cb(ErrResult(wire.ErrCancelled))
		return
	}
	if p.result != nil {
		cb(*p.result)
		return
	}
	p.waiters = append(p.waiters, cb)
}

// Response implements StructRef.
func (p *Promise) Response() (Result, bool) {
	if p.result == nil {
		return Result{}, false
	}
	return *p.result, true
}

// Cap implements StructRef. Before resolution, handles are interned per
// path so repeated lookups share one capability promise.
func (p *Promise) Cap(path wire.Path) Client {
	if p.finished {
		return ErrClient(wire.ErrCancelled)
	}
	if p.result != nil {
		return CapInResult(*p.result, path)
	}
	if p.capHook != nil {
		return p.capHook(path)
	}
	key := path.Key()
	if e, ok := p.pipeline[key]; ok {
		e.pc.IncRef()
		return e.pc
	}
	pc := NewCapPromise()
	pc.IncRef() // the pipeline map's reference, dropped at resolution
	p.pipeline[key] = pipelineEntry{path: path.Clone(), pc: pc}
	return pc
}

// Finish implements StructRef.
func (p *Promise) Finish() {
	if p.finished {
		return
	}
	p.finished = true
	if f := p.finisher; f != nil {
		p.finisher = nil
		f()
	}
	if p.source != nil {
		p.source.Finish()
	}
	if p.result != nil {
		p.result.release()
	}
	p.waiters = nil
}

// Resolve implements Resolver. Waiters flush first, then pipelined
// capabilities resolve against the payload. If the promise was finished
// before resolution, the payload is released immediately, no waiter
// fires, and pipelined capabilities resolve as cancelled.
func (p *Promise) Resolve(r Result) {
	if p.result != nil {
		panic("captp: struct promise resolved twice")
	}
	p.result = &r

	if p.finished {
		for _, e := range p.pipeline {
			e.pc.ResolveClient(ErrClient(wire.ErrCancelled))
			e.pc.DecRef()
		}
		p.pipeline = nil
		p.waiters = nil
		r.release()
		return
	}

	waiters := p.waiters
	p.waiters = nil
	for _, cb := range waiters {
		cb(r)
	}

	for _, e := range p.pipeline {
		e.pc.ResolveClient(CapInResult(r, e.path))
		e.pc.DecRef()
	}
	p.pipeline = nil
}

// Connect implements Resolver. The forwarded result owns fresh
// references on every payload capability, so both struct refs finish
// independently. A resolution arriving after this promise was resolved
// by other means (peer cancellation) is dropped.
func (p *Promise) Connect(other StructRef) error {
	if p.result != nil {
		return errors.New("connect: promise is already resolved")
	}
	if p.source != nil {
		return errors.New("connect: promise is already connected")
	}
	if o, ok := other.(*Promise); ok {
		for cur := o; cur != nil; cur = cur.waitsOn {
			if cur == p {
				return errors.New("connect: resolution cycle refused")
			}
		}
		p.waitsOn = o
	}
	p.source = other
	other.WhenResolved(func(r Result) {
		if p.result != nil {
			return
		}
		p.Resolve(r.clone())
	})
	return nil
}
