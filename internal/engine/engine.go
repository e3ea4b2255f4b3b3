// Package engine implements the four-table CapTP state machine:
// Questions (calls we sent), Answers (calls the peer sent), Exports
// (capabilities we published), and Imports (capabilities the peer
// published), plus embargo bookkeeping.
//
// The engine is a pure state machine. Inputs are semantic events
// (decoded frames and send requests); outputs are semantic frames and
// translated capabilities. It performs no IO: the session layer owns
// serialization and the transport.
//
// Thread-safety model:
//   - All methods must be called from the owning session's dispatch
//     path (single writer).
//   - No method suspends; the engine never blocks.
//
// INVARIANTS:
//   - A question dies exactly when its Return was received and its
//     Finish was sent.
//   - An answer dies exactly when its Return was sent and its Finish
//     was received.
//   - An export's wire reference count equals the sum of unretracted
//     increments implied by sent descriptors minus received Release
//     counts; the entry dies at zero.
//   - An import dies when the session releases it, producing exactly
//     one Release with the accumulated receipt count.
package engine

import (
	"github.com/roach88/captp/internal/caps"
	"github.com/roach88/captp/internal/ids"
	"github.com/roach88/captp/internal/wire"
)

// Question is our record of a call we sent.
type Question struct {
	ID uint32

	// Resolver is the write end of the struct ref handed to the caller.
	Resolver *caps.Promise

	// FinishSent and ReturnReceived gate the slot's release: both must
	// hold before the id is recycled.
	FinishSent     bool
	ReturnReceived bool

	// pipelined records the paths of calls sent to
	// ReceiverAnswer(ID, path) before the Return arrived, keyed by
	// path. The Return handler consults it for embargo promotion.
	pipelined map[string]wire.Path
}

// Answer is our mirror of a call the peer sent.
type Answer struct {
	ID uint32

	// Promise resolves with the call's result; the session wires it to
	// the dispatched service and to the Return sender.
	Promise *caps.Promise

	// Finished and ReturnSent gate the slot's release.
	Finished   bool
	ReturnSent bool

	// resultExports are the export ids allocated while describing the
	// Return payload, released again if Finish carries
	// releaseResultCaps.
	resultExports []uint32
}

// Export is a capability we published to the peer.
type Export struct {
	ID uint32

	// Cap is the underlying capability; the table holds one local
	// reference on it for the entry's lifetime.
	Cap caps.Client

	// WireRefs tracks how many references the peer believes it holds.
	WireRefs uint32

	// Promise records whether the export was described as a sender
	// promise.
	Promise bool
}

// Import is a capability the peer published to us.
type Import struct {
	ID uint32

	// Refs counts descriptor receipts; the Release sent when the local
	// proxy drops carries this accumulated count.
	Refs uint32
}

// embargoSlot holds a minted embargo id's wrapper. The id is allocated
// during return promotion before the session has built the wrapper, so
// the slot is filled in a second step.
type embargoSlot struct {
	ec *caps.Embargo
}

// Engine is the per-connection CapTP state machine.
type Engine struct {
	questions *ids.Allocator[*Question]
	answers   *ids.Table[*Answer]
	exports   *ids.Allocator[*Export]
	imports   *ids.Table[*Import]
	embargoes *ids.Allocator[*embargoSlot]

	// exportIDs recognizes capabilities we already exported, keyed by
	// client identity (pointer equality), so a capability round-tripped
	// through the peer maps back to the original entry.
	exportIDs map[caps.Client]uint32
}

// New creates an engine with empty tables.
func New() *Engine {
	return &Engine{
		questions: ids.NewAllocator[*Question]("question"),
		answers:   ids.NewTable[*Answer]("answer"),
		exports:   ids.NewAllocator[*Export]("export"),
		imports:   ids.NewTable[*Import]("import"),
		embargoes: ids.NewAllocator[*embargoSlot]("embargo"),
		exportIDs: make(map[caps.Client]uint32),
	}
}

// TableSizes reports live entry counts, in table order: questions,
// answers, exports, imports, embargoes. Used by leak checks.
func (e *Engine) TableSizes() (int, int, int, int, int) {
	return e.questions.Len(), e.answers.Len(), e.exports.Len(), e.imports.Len(), e.embargoes.Len()
}

// TeardownState carries everything the session must unwind when a
// protocol error or transport loss kills the connection.
type TeardownState struct {
	// Questions still live; unresolved ones resolve with an exception.
	Questions []*Question

	// Answers still live; their promises are abandoned.
	Answers []*Answer

	// ExportCaps are the table-held references to drop.
	ExportCaps []caps.Client

	// Embargoes are registered embargo wrappers to release.
	Embargoes []*caps.Embargo

	// ImportIDs are live import ids; the session invalidates their
	// proxies without emitting Release frames.
	ImportIDs []uint32
}

// Teardown drains all tables and returns their contents for the session
// to unwind. The engine is unusable for protocol traffic afterwards.
func (e *Engine) Teardown() *TeardownState {
	st := &TeardownState{}
	e.questions.ForEach(func(_ uint32, q *Question) {
		st.Questions = append(st.Questions, q)
	})
	e.answers.ForEach(func(_ uint32, a *Answer) {
		st.Answers = append(st.Answers, a)
	})
	e.exports.ForEach(func(_ uint32, exp *Export) {
		st.ExportCaps = append(st.ExportCaps, exp.Cap)
	})
	e.embargoes.ForEach(func(_ uint32, slot *embargoSlot) {
		if slot.ec != nil {
			st.Embargoes = append(st.Embargoes, slot.ec)
		}
	})
	e.imports.ForEach(func(id uint32, _ *Import) {
		st.ImportIDs = append(st.ImportIDs, id)
	})
	e.questions.Reset()
	e.answers.Reset()
	e.exports.Reset()
	e.imports.Reset()
	e.embargoes.Reset()
	e.exportIDs = make(map[caps.Client]uint32)
	return st
}
