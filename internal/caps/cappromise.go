package caps

import (
	"github.com/roach88/captp/internal/wire"
)

// queuedCall is one buffered call on an unresolved capability promise.
type queuedCall struct {
	res  *Promise
	req  Request
	args []Client
}

// pathSub is a sub-capability of an unresolved capability promise.
type pathSub struct {
	path wire.Path
	pc   *CapPromise
}

// CapPromise is a promise for a capability: calls made before resolution
// queue in order and replay against the resolved capability. Double
// resolution is fatal.
type CapPromise struct {
	// self is the outer client identity returned by Cap and Shortest,
	// so wrappers (Embargo) keep pointer identity.
	self Client

	refs     int
	released bool

	resolved    Client
	hasResolved bool

	queue []queuedCall
	subs  []pathSub

	// onRelease runs once when the last reference is dropped, before
	// queued work is cancelled. Used by Embargo to release its target.
	onRelease func()
}

// NewCapPromise creates an unresolved capability promise holding one
// reference.
func NewCapPromise() *CapPromise {
	cp := &CapPromise{}
	cp.init(cp)
	return cp
}

func (cp *CapPromise) init(self Client) {
	cp.self = self
	cp.refs = 1
}

// IncRef implements Client.
func (cp *CapPromise) IncRef() {
	if cp.released {
		panic("captp: inc_ref on released capability promise")
	}
	cp.refs++
}

// DecRef implements Client.
func (cp *CapPromise) DecRef() {
	if cp.released {
		panic("captp: dec_ref on released capability promise")
	}
	cp.refs--
	if cp.refs > 0 {
		return
	}
	if cp.refs < 0 {
		panic("captp: capability promise reference count went negative")
	}
	cp.released = true
	if f := cp.onRelease; f != nil {
		cp.onRelease = nil
		f()
	}
	if cp.hasResolved {
		cp.resolved.DecRef()
		return
	}
	for _, q := range cp.queue {
		ReleaseAll(q.args)
		q.res.Resolve(ErrResult(wire.ErrCancelled))
	}
	cp.queue = nil
	for _, s := range cp.subs {
		s.pc.ResolveClient(ErrClient(wire.ErrCancelled))
		s.pc.DecRef()
	}
	cp.subs = nil
}

// Call implements Client: queues while unresolved, forwards once
// resolved.
func (cp *CapPromise) Call(req Request, args []Client) StructRef {
	if cp.released {
		ReleaseAll(args)
		return ResolvedErr(wire.Exceptionf("called released capability (method %s)", req.Method))
	}
	if cp.hasResolved {
		return cp.resolved.Shortest().Call(req, args)
	}
	res := NewPromise()
	cp.queue = append(cp.queue, queuedCall{res: res, req: req, args: args})
	return res
}

// Cap implements Client.
func (cp *CapPromise) Cap(path wire.Path) Client {
	if len(path) == 0 {
		cp.IncRef()
		return cp.self
	}
	if cp.hasResolved {
		return cp.resolved.Cap(path)
	}
	sub := NewCapPromise()
	sub.IncRef() // our reference, dropped at resolution
	cp.subs = append(cp.subs, pathSub{path: path.Clone(), pc: sub})
	return sub
}

// Shortest implements Client: follows the resolution if known.
func (cp *CapPromise) Shortest() Client {
	if cp.hasResolved {
		return cp.resolved.Shortest()
	}
	return cp.self
}

// ResolveClient resolves the promise to c, taking ownership of one
// reference on c, and replays queued calls in their original order.
// Resolving to the promise itself would form a shortening cycle; the
// chain is broken to a local error endpoint instead.
func (cp *CapPromise) ResolveClient(c Client) {
	if cp.hasResolved {
		panic("captp: capability promise resolved twice")
	}
	if cp.released {
		// All queued work was already cancelled; just drop the ref.
		c.DecRef()
		return
	}
	if c.Shortest() == cp.self {
		c.DecRef()
		c = ErrClient(wire.Exceptionf("capability promise resolved to itself"))
	}
	cp.hasResolved = true
	cp.resolved = c

	queue := cp.queue
	cp.queue = nil
	for _, q := range queue {
		r := c.Shortest().Call(q.req, q.args)
		if err := q.res.Connect(r); err != nil {
			q.res.Resolve(ErrResult(err))
		}
	}

	subs := cp.subs
	cp.subs = nil
	for _, s := range subs {
		s.pc.ResolveClient(c.Cap(s.path))
		s.pc.DecRef()
	}
}

// Resolved reports the resolution, if any. The returned client is
// borrowed.
func (cp *CapPromise) Resolved() (Client, bool) {
	return cp.resolved, cp.hasResolved
}

// Embargo is a capability promise bound to an embargo id: it queues
// calls for a known local capability until the matching disembargo reply
// arrives, preserving delivery order for calls still in flight over the
// wire.
type Embargo struct {
	CapPromise
	id     uint32
	target Client
	done   bool
}

// NewEmbargo wraps target (taking ownership of one reference) behind an
// embargo with the given id.
func NewEmbargo(target Client, id uint32) *Embargo {
	e := &Embargo{id: id, target: target}
	e.CapPromise.init(e)
	e.CapPromise.onRelease = func() {
		if !e.done {
			e.done = true
			e.target.DecRef()
		}
	}
	return e
}

// ID returns the embargo id.
func (e *Embargo) ID() uint32 {
	return e.id
}

// Disembargo releases the queue: the promise resolves to the wrapped
// capability and queued calls flush in order. Idempotent.
func (e *Embargo) Disembargo() {
	if e.done {
		return
	}
	e.done = true
	e.ResolveClient(e.target)
}
