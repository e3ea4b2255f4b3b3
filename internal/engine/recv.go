package engine

import (
	"github.com/roach88/captp/internal/caps"
	"github.com/roach88/captp/internal/wire"
)

// RecvKind discriminates translated inbound capability descriptors.
type RecvKind int

const (
	// RecvNull is a null capability slot.
	RecvNull RecvKind = iota + 1

	// RecvLocal is a capability resolved to an in-process client: one
	// of our exports round-tripped, or a receiver-answer path followed
	// to a concrete capability. Cap carries one owned reference.
	RecvLocal

	// RecvImport is a capability hosted by the peer; the session
	// materializes (or reuses) the import proxy for ImportID.
	RecvImport

	// RecvPromise addresses an unresolved local answer: the session
	// pipelines through Promise.Cap(Path).
	RecvPromise

	// RecvEmbargo is a loopback promotion: a pipelined path resolved to
	// a capability on our side. Cap carries one owned reference to the
	// underlying local capability; Disembargo is the request to send,
	// and EmbargoID the freshly minted id.
	RecvEmbargo
)

// RecvCap is a translated inbound capability descriptor, ready for the
// session to materialize into a user-visible client.
type RecvCap struct {
	Kind RecvKind

	Cap        caps.Client
	ImportID   uint32
	Promise    caps.StructRef
	Path       wire.Path
	Disembargo *wire.Disembargo
	EmbargoID  uint32
}

// recvDesc translates one inbound descriptor.
func (e *Engine) recvDesc(d wire.CapDescriptor) (RecvCap, error) {
	switch d.Type {
	case wire.CapNone:
		return RecvCap{Kind: RecvNull}, nil

	case wire.CapSenderHosted, wire.CapSenderPromise:
		if imp, ok := e.imports.Find(d.ID); ok {
			imp.Refs++
		} else {
			if err := e.imports.Set(d.ID, &Import{ID: d.ID, Refs: 1}); err != nil {
				return RecvCap{}, protoErrf(ErrCodeIDReuse, "import %d: %v", d.ID, err)
			}
		}
		return RecvCap{Kind: RecvImport, ImportID: d.ID}, nil

	case wire.CapReceiverHosted:
		exp, err := e.exports.FindExn(d.ID)
		if err != nil {
			return RecvCap{}, asProtocol(err)
		}
		exp.Cap.IncRef()
		return RecvCap{Kind: RecvLocal, Cap: exp.Cap}, nil

	case wire.CapReceiverAnswer:
		a, err := e.answers.FindExn(d.QuestionID)
		if err != nil {
			return RecvCap{}, asProtocol(err)
		}
		if res, ok := a.Promise.Response(); ok {
			return RecvCap{Kind: RecvLocal, Cap: caps.CapInResult(res, d.Path)}, nil
		}
		return RecvCap{Kind: RecvPromise, Promise: a.Promise, Path: d.Path}, nil

	case wire.CapThirdPartyHosted:
		return RecvCap{}, protoErrf(ErrCodeThirdParty, "third-party hosted capability descriptors are not supported")

	default:
		return RecvCap{}, protoErrf(ErrCodeBadDescriptor, "unknown capability descriptor type %d", d.Type)
	}
}

// recvDescs translates a cap table, failing fast on the first bad
// descriptor.
func (e *Engine) recvDescs(descs []wire.CapDescriptor) ([]RecvCap, error) {
	out := make([]RecvCap, len(descs))
	for i, d := range descs {
		rc, err := e.recvDesc(d)
		if err != nil {
			return nil, err
		}
		out[i] = rc
	}
	return out, nil
}

// HandleBootstrap registers the answer slot for an inbound Bootstrap,
// keyed by the peer's question id.
func (e *Engine) HandleBootstrap(b *wire.Bootstrap, p *caps.Promise) (*Answer, error) {
	a := &Answer{ID: b.QuestionID, Promise: p}
	if err := e.answers.Set(b.QuestionID, a); err != nil {
		return nil, protoErrf(ErrCodeIDReuse, "bootstrap: %v", err)
	}
	return a, nil
}

// CallEvent is a translated inbound Call: the registered answer, the
// local capability to invoke (one owned reference), and the translated
// argument capabilities.
type CallEvent struct {
	Answer *Answer
	Target caps.Client
	Args   []RecvCap
}

// HandleCall registers an answer for an inbound Call, resolves the
// message target to the local capability to invoke, and translates the
// argument descriptors.
func (e *Engine) HandleCall(c *wire.Call, p *caps.Promise) (*CallEvent, error) {
	target, err := e.resolveTarget(c.Target)
	if err != nil {
		return nil, err
	}
	args, err := e.recvDescs(c.CapTable)
	if err != nil {
		target.DecRef()
		return nil, err
	}
	a := &Answer{ID: c.QuestionID, Promise: p}
	if err := e.answers.Set(c.QuestionID, a); err != nil {
		target.DecRef()
		return nil, protoErrf(ErrCodeIDReuse, "call: %v", err)
	}
	return &CallEvent{Answer: a, Target: target, Args: args}, nil
}

// resolveTarget maps a message target to the local capability it
// addresses, claiming one reference for the caller.
func (e *Engine) resolveTarget(t wire.MessageTarget) (caps.Client, error) {
	switch t.Type {
	case wire.TargetImportedCap:
		exp, err := e.exports.FindExn(t.ImportedCap)
		if err != nil {
			return nil, asProtocol(err)
		}
		exp.Cap.IncRef()
		return exp.Cap, nil

	case wire.TargetPromisedAnswer:
		a, err := e.answers.FindExn(t.QuestionID)
		if err != nil {
			return nil, asProtocol(err)
		}
		if res, ok := a.Promise.Response(); ok {
			return caps.CapInResult(res, t.Path), nil
		}
		return a.Promise.Cap(t.Path), nil

	default:
		return nil, protoErrf(ErrCodeBadTarget, "unknown message target type %d", t.Type)
	}
}

// ReturnEvent is a translated inbound Return.
type ReturnEvent struct {
	Question *Question
	Which    wire.ReturnType

	// Body and Caps carry the payload for ReturnResults. Loopback
	// descriptors on pipelined paths arrive promoted to RecvEmbargo.
	Body []byte
	Caps []RecvCap

	// Reason carries the error text for ReturnException.
	Reason string
}

// HandleReturn looks up our question and translates the payload.
//
// Embargo promotion: for every path we pipelined through this question,
// a payload slot that resolved to a capability hosted on our side is
// wrapped in an embargo, because calls already sent over the wire on
// that path must be delivered before subsequent local calls. The
// promotion mints a fresh embargo id and prepares the loopback
// Disembargo request for the session to send.
func (e *Engine) HandleReturn(r *wire.Return) (*ReturnEvent, error) {
	q, err := e.questions.FindExn(r.AnswerID)
	if err != nil {
		return nil, asProtocol(err)
	}
	if q.ReturnReceived {
		return nil, protoErrf(ErrCodeDoubleReturn, "question %d returned twice", q.ID)
	}
	q.ReturnReceived = true
	if q.FinishSent {
		if err := e.questions.Release(q.ID); err != nil {
			return nil, asProtocol(err)
		}
	}

	ev := &ReturnEvent{Question: q, Which: r.Which, Reason: r.Reason}
	if r.Which != wire.ReturnResults {
		return ev, nil
	}

	rcs, err := e.recvDescs(r.CapTable)
	if err != nil {
		return nil, err
	}
	for _, path := range q.pipelined {
		idx := 0
		if len(path) > 0 {
			idx = int(path[0])
		}
		if idx >= len(rcs) || rcs[idx].Kind != RecvLocal {
			continue
		}
		id, _ := e.embargoes.Alloc(func(uint32) *embargoSlot { return &embargoSlot{} })
		rcs[idx] = RecvCap{
			Kind:      RecvEmbargo,
			Cap:       rcs[idx].Cap,
			EmbargoID: id,
			Disembargo: &wire.Disembargo{
				Target:    wire.MessageTarget{Type: wire.TargetPromisedAnswer, QuestionID: q.ID, Path: path.Clone()},
				Context:   wire.SenderLoopback,
				EmbargoID: id,
			},
		}
	}
	ev.Body = r.Body
	ev.Caps = rcs
	return ev, nil
}

// HandleFinish marks our answer as finished. If the Return was already
// sent the slot is reclaimed (retracting result exports first when
// releaseResultCaps is set); otherwise the returned answer is the one
// the session must cancel.
func (e *Engine) HandleFinish(f *wire.Finish) (*Answer, error) {
	a, err := e.answers.FindExn(f.QuestionID)
	if err != nil {
		return nil, asProtocol(err)
	}
	if a.Finished {
		return nil, protoErrf(ErrCodeDoubleFinish, "answer %d finished twice", a.ID)
	}
	a.Finished = true
	if f.ReleaseResultCaps {
		for _, id := range a.resultExports {
			if err := e.releaseExport(id, 1); err != nil {
				return nil, err
			}
		}
		a.resultExports = nil
	}
	if !a.ReturnSent {
		return a, nil
	}
	return nil, e.reapAnswer(a)
}

// HandleRelease decrements an export's wire reference count; at zero
// the entry is dropped and the table's local reference released.
func (e *Engine) HandleRelease(r *wire.Release) error {
	return e.releaseExport(r.ID, r.Count)
}

func (e *Engine) releaseExport(id, count uint32) error {
	exp, err := e.exports.FindExn(id)
	if err != nil {
		return asProtocol(err)
	}
	if count > exp.WireRefs {
		return protoErrf(ErrCodeRefUnderflow, "export %d: release of %d exceeds wire count %d", id, count, exp.WireRefs)
	}
	exp.WireRefs -= count
	if exp.WireRefs > 0 {
		return nil
	}
	if err := e.exports.Release(id); err != nil {
		return asProtocol(err)
	}
	delete(e.exportIDs, exp.Cap)
	exp.Cap.DecRef()
	return nil
}

// DisembargoEvent is a translated inbound Disembargo.
type DisembargoEvent struct {
	// For a sender-loopback request: Cap is the capability the target
	// resolved to (one owned reference; the session verifies it is one
	// of its import proxies) and Reply is the echo to send.
	Cap   caps.Client
	Reply *wire.Disembargo

	// For a receiver-loopback reply: Embargo is the wrapper to release.
	Embargo *caps.Embargo
}

// HandleDisembargo processes a loopback request or reply.
//
// A request resolves the referenced answer and path to a concrete
// capability; the session verifies the capability is one it imported
// from the peer and mirrors the disembargo back. A reply consumes the
// matching embargo slot so the session can flush the queued calls.
func (e *Engine) HandleDisembargo(d *wire.Disembargo) (*DisembargoEvent, error) {
	switch d.Context {
	case wire.SenderLoopback:
		if d.Target.Type != wire.TargetPromisedAnswer {
			return nil, protoErrf(ErrCodeBadTarget, "loopback disembargo must target a promised answer")
		}
		a, err := e.answers.FindExn(d.Target.QuestionID)
		if err != nil {
			return nil, asProtocol(err)
		}
		res, ok := a.Promise.Response()
		if !ok {
			return nil, protoErrf(ErrCodeBadTarget, "disembargo for unresolved answer %d", a.ID)
		}
		c := caps.CapInResult(res, d.Target.Path)
		return &DisembargoEvent{
			Cap: c,
			Reply: &wire.Disembargo{
				Target:    d.Target,
				Context:   wire.ReceiverLoopback,
				EmbargoID: d.EmbargoID,
			},
		}, nil

	case wire.ReceiverLoopback:
		ec, err := e.TakeEmbargo(d.EmbargoID)
		if err != nil {
			return nil, err
		}
		return &DisembargoEvent{Embargo: ec}, nil

	default:
		return nil, protoErrf(ErrCodeBadTarget, "unknown disembargo context %d", d.Context)
	}
}
