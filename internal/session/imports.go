package session

import (
	"github.com/roach88/captp/internal/caps"
	"github.com/roach88/captp/internal/engine"
	"github.com/roach88/captp/internal/wire"
)

// importClient is the far-ref proxy for a capability the peer exported.
// One proxy exists per import id (memoizing factory), so capabilities
// wrapping the same peer-side object share identity.
//
// Thread-safety: methods assume the session lock is held. User code
// never touches an importClient directly; it reaches one through the
// session's locked wrappers.
type importClient struct {
	s  *Session
	id uint32

	refs     int
	released bool

	// dead marks a proxy invalidated by session teardown: calls fail
	// and the final release emits no frame.
	dead bool
}

// IncRef implements caps.Client.
func (ic *importClient) IncRef() {
	if ic.released {
		panic("captp: inc_ref on released import")
	}
	ic.refs++
}

// DecRef implements caps.Client. Dropping the last reference consumes
// the import slot and emits exactly one Release carrying the
// accumulated receipt count.
func (ic *importClient) DecRef() {
	if ic.released {
		panic("captp: dec_ref on released import")
	}
	ic.refs--
	if ic.refs > 0 {
		return
	}
	if ic.refs < 0 {
		panic("captp: import reference count went negative")
	}
	ic.released = true
	ic.s.releaseImportLocked(ic)
}

// Call implements caps.Client: the call crosses the wire targeting the
// peer's export.
func (ic *importClient) Call(req caps.Request, args []caps.Client) caps.StructRef {
	if ic.released || ic.dead {
		caps.ReleaseAll(args)
		return caps.ResolvedErr(wire.Exceptionf("called released capability (method %s)", req.Method))
	}
	target := wire.MessageTarget{Type: wire.TargetImportedCap, ImportedCap: ic.id}
	return ic.s.callLocked(target, req, args)
}

// Cap implements caps.Client. A far concrete capability has no
// addressable sub-capabilities; pipelining happens through call
// results.
func (ic *importClient) Cap(path wire.Path) caps.Client {
	if len(path) == 0 {
		ic.IncRef()
		return ic
	}
	return caps.ErrClient(wire.Exceptionf("no capability at path %v", path))
}

// Shortest implements caps.Client.
func (ic *importClient) Shortest() caps.Client { return ic }

// remoteQ binds a question's struct ref to the wire, interning one
// pipeline client per distinct path.
type remoteQ struct {
	s     *Session
	q     *engine.Question
	p     *caps.Promise
	pipes map[string]*pipelineClient
}

// capHook implements the promise's pipelined-capability factory: equal
// paths return the same interned handle, one reference per lookup.
func (rq *remoteQ) capHook(path wire.Path) caps.Client {
	key := path.Key()
	if pc, ok := rq.pipes[key]; ok {
		pc.IncRef()
		return pc
	}
	pc := &pipelineClient{rq: rq, path: path.Clone(), refs: 2} // caller + intern map
	rq.pipes[key] = pc
	return pc
}

// resolvePipes runs when the question resolves: every interned pipeline
// client caches its payload slot (while the payload references are
// still live), then the intern references are dropped. Surviving user
// handles forward through their cached slot from then on.
func (rq *remoteQ) resolvePipes() {
	for _, pc := range rq.pipes {
		pc.forwardLocked()
		pc.DecRef()
	}
	rq.pipes = nil
}

// dropPipes releases the intern references without caching, used when
// the question is cancelled before resolving.
func (rq *remoteQ) dropPipes() {
	for _, pc := range rq.pipes {
		pc.DecRef()
	}
	rq.pipes = nil
}

// pipelineClient is a capability addressed by a path into an unresolved
// remote answer. Calls made before the Return are sent to the peer
// targeting ReceiverAnswer(question, path) — promise pipelining. Once
// the question resolves, the client forwards to the capability the path
// resolved to (which is the embargo wrapper when the path looped back
// to a local capability).
//
// Thread-safety: methods assume the session lock is held.
type pipelineClient struct {
	rq   *remoteQ
	path wire.Path

	refs     int
	released bool

	// res caches the path's resolution, one owned reference.
	res caps.Client
}

// forwardLocked returns the resolved forward target (borrowed), or nil
// while the question is unresolved.
func (pc *pipelineClient) forwardLocked() caps.Client {
	if pc.res != nil {
		return pc.res
	}
	if pc.rq.p.Finished() {
		// The struct ref was relinquished before this client cached its
		// slot; the payload references are gone.
		pc.res = caps.ErrClient(wire.ErrCancelled)
		return pc.res
	}
	if r, ok := pc.rq.p.Response(); ok {
		pc.res = caps.CapInResult(r, pc.path)
		return pc.res
	}
	return nil
}

// IncRef implements caps.Client.
func (pc *pipelineClient) IncRef() {
	if pc.released {
		panic("captp: inc_ref on released pipeline capability")
	}
	pc.refs++
}

// DecRef implements caps.Client.
func (pc *pipelineClient) DecRef() {
	if pc.released {
		panic("captp: dec_ref on released pipeline capability")
	}
	pc.refs--
	if pc.refs > 0 {
		return
	}
	if pc.refs < 0 {
		panic("captp: pipeline capability reference count went negative")
	}
	pc.released = true
	if pc.res != nil {
		pc.res.DecRef()
		pc.res = nil
	}
}

// Call implements caps.Client.
func (pc *pipelineClient) Call(req caps.Request, args []caps.Client) caps.StructRef {
	if pc.released {
		caps.ReleaseAll(args)
		return caps.ResolvedErr(wire.Exceptionf("called released capability (method %s)", req.Method))
	}
	if t := pc.forwardLocked(); t != nil {
		return t.Call(req, args)
	}
	if pc.rq.p.Finished() {
		caps.ReleaseAll(args)
		return caps.ResolvedErr(wire.ErrCancelled)
	}
	target := wire.MessageTarget{Type: wire.TargetPromisedAnswer, QuestionID: pc.rq.q.ID, Path: pc.path.Clone()}
	return pc.rq.s.callLocked(target, req, args)
}

// Cap implements caps.Client: paths compose.
func (pc *pipelineClient) Cap(path wire.Path) caps.Client {
	if len(path) == 0 {
		pc.IncRef()
		return pc
	}
	if t := pc.forwardLocked(); t != nil {
		return t.Cap(path)
	}
	joined := make(wire.Path, 0, len(pc.path)+len(path))
	joined = append(joined, pc.path...)
	joined = append(joined, path...)
	return pc.rq.capHook(joined)
}

// Shortest implements caps.Client.
func (pc *pipelineClient) Shortest() caps.Client {
	if t := pc.forwardLocked(); t != nil {
		return t.Shortest()
	}
	return pc
}
