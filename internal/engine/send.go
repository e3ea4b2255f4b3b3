package engine

import (
	"github.com/roach88/captp/internal/caps"
	"github.com/roach88/captp/internal/wire"
)

// NewQuestion allocates a question slot for an outgoing Call or
// Bootstrap, bound to the resolver of the struct ref handed to the
// caller.
func (e *Engine) NewQuestion(r *caps.Promise) *Question {
	_, q := e.questions.Alloc(func(id uint32) *Question {
		return &Question{ID: id, Resolver: r, pipelined: make(map[string]wire.Path)}
	})
	return q
}

// RecordPipeline notes that a call was sent to ReceiverAnswer(qid, path)
// while the question was unresolved. The Return handler consults these
// paths for embargo promotion.
func (e *Engine) RecordPipeline(qid uint32, path wire.Path) error {
	q, err := e.questions.FindExn(qid)
	if err != nil {
		return asProtocol(err)
	}
	key := path.Key()
	if _, ok := q.pipelined[key]; !ok {
		q.pipelined[key] = path.Clone()
	}
	return nil
}

// FinishQuestion marks the question's Finish as sent and releases the
// slot if the Return was already received. Finishing twice is a session
// bug.
func (e *Engine) FinishQuestion(q *Question) error {
	if q.FinishSent {
		return protoErrf(ErrCodeDoubleFinish, "question %d finished twice", q.ID)
	}
	q.FinishSent = true
	if q.ReturnReceived {
		return e.questions.Release(q.ID)
	}
	return nil
}

// ExportCap translates a capability we host into an outbound
// descriptor, allocating an export slot on first mention and bumping the
// wire reference count on every mention. The table holds one local
// reference on the capability for the entry's lifetime; promise is true
// when the capability is an unresolved promise.
func (e *Engine) ExportCap(c caps.Client, promise bool) wire.CapDescriptor {
	if id, ok := e.exportIDs[c]; ok {
		exp, _ := e.exports.Find(id)
		exp.WireRefs++
		return exportDesc(exp)
	}
	_, exp := e.exports.Alloc(func(id uint32) *Export {
		c.IncRef()
		return &Export{ID: id, Cap: c, WireRefs: 1, Promise: promise}
	})
	e.exportIDs[c] = exp.ID
	return exportDesc(exp)
}

func exportDesc(exp *Export) wire.CapDescriptor {
	t := wire.CapSenderHosted
	if exp.Promise {
		t = wire.CapSenderPromise
	}
	return wire.CapDescriptor{Type: t, ID: exp.ID}
}

// ExportedID reports the export id for a capability we already
// published, if any.
func (e *Engine) ExportedID(c caps.Client) (uint32, bool) {
	id, ok := e.exportIDs[c]
	return id, ok
}

// MarkReturned records that the session sent a Return for the answer,
// remembering which exports the payload allocated so a Finish with
// releaseResultCaps can retract them. Returns true when the answer slot
// was reclaimed (Finish had already arrived).
func (e *Engine) MarkReturned(a *Answer, descs []wire.CapDescriptor) (bool, error) {
	if a.ReturnSent {
		return false, protoErrf(ErrCodeDoubleReturn, "answer %d returned twice", a.ID)
	}
	a.ReturnSent = true
	for _, d := range descs {
		if d.Type == wire.CapSenderHosted || d.Type == wire.CapSenderPromise {
			a.resultExports = append(a.resultExports, d.ID)
		}
	}
	if a.Finished {
		if err := e.reapAnswer(a); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// reapAnswer releases the answer slot and finishes its promise, which
// drops the table's payload capability references.
func (e *Engine) reapAnswer(a *Answer) error {
	if err := e.answers.Release(a.ID); err != nil {
		return asProtocol(err)
	}
	a.Promise.Finish()
	return nil
}

// ReleaseImport consumes the import slot and returns the accumulated
// receipt count for the Release frame. Called when the local proxy's
// last reference drops.
func (e *Engine) ReleaseImport(id uint32) (uint32, error) {
	imp, err := e.imports.FindExn(id)
	if err != nil {
		return 0, asProtocol(err)
	}
	count := imp.Refs
	if err := e.imports.Release(id); err != nil {
		return 0, asProtocol(err)
	}
	return count, nil
}

// PutEmbargo registers the embargo wrapper for an id minted during
// return promotion.
func (e *Engine) PutEmbargo(id uint32, ec *caps.Embargo) error {
	slot, err := e.embargoes.FindExn(id)
	if err != nil {
		return asProtocol(err)
	}
	slot.ec = ec
	return nil
}

// TakeEmbargo consumes the embargo slot on receipt of the matching
// disembargo reply and returns the wrapper to release.
func (e *Engine) TakeEmbargo(id uint32) (*caps.Embargo, error) {
	slot, err := e.embargoes.FindExn(id)
	if err != nil {
		return nil, asProtocol(err)
	}
	if slot.ec == nil {
		return nil, protoErrf(ErrCodeBadTarget, "disembargo reply for unregistered embargo %d", id)
	}
	if err := e.embargoes.Release(id); err != nil {
		return nil, asProtocol(err)
	}
	return slot.ec, nil
}
