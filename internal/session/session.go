// Package session wires the CapTP protocol engine to a concrete
// transport: it owns the outbound frame queue, dispatches inbound
// frames, materializes peer capabilities as import proxies, and exposes
// the user-facing Bootstrap surface.
//
// Thread-safety model:
//   - One dispatch goroutine reads the transport; a second drains the
//     outbound frame queue.
//   - All table and capability-graph mutation happens under the session
//     lock (single writer). User-facing handles are locked wrappers;
//     the raw object graph is only touched with the lock held.
//   - Resolution callbacks registered through the wrappers run off the
//     lock, deferred to the end of the dispatch step that resolved
//     them.
package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/roach88/captp/internal/caps"
	"github.com/roach88/captp/internal/engine"
	"github.com/roach88/captp/internal/wire"
)

// Recorder receives a copy of every frame the session sends or
// receives. Implemented by the trace journal.
type Recorder interface {
	Record(dir string, f *wire.Frame)
}

// Options configures a session.
type Options struct {
	// Bootstrap is the capability exported to the peer on request. The
	// session claims its own reference; the caller keeps theirs.
	Bootstrap caps.Client

	// Tags is a diagnostic label set attached to every log line.
	Tags []string

	// AllowThirdPartyTailCall must be false: Level-3 tail calls are not
	// implemented.
	AllowThirdPartyTailCall bool

	// Logger receives structured session logs; defaults to
	// slog.Default().
	Logger *slog.Logger

	// Recorder, if set, journals every frame for diagnostics.
	Recorder Recorder

	// TagGen generates the session tag; defaults to UUIDv7.
	TagGen TagGenerator
}

// Session is one side of a CapTP connection.
type Session struct {
	mu      sync.Mutex
	pending []func()

	tr    Transport
	eng   *engine.Engine
	sendq *frameQueue
	rec   Recorder
	log   *slog.Logger
	tag   string

	bootstrap caps.Client
	imports   map[uint32]*importClient

	closed   bool
	closeErr error
	done     chan struct{}
}

// New starts a session over the given transport and begins dispatching
// immediately.
func New(tr Transport, opts *Options) (*Session, error) {
	if opts == nil {
		opts = &Options{}
	}
	if opts.AllowThirdPartyTailCall {
		return nil, errors.New("session: three-party tail calls are not supported")
	}
	gen := opts.TagGen
	if gen == nil {
		gen = UUIDv7Generator{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tag := gen.Generate()
	logger = logger.With("session", tag)
	if len(opts.Tags) > 0 {
		logger = logger.With("tags", opts.Tags)
	}

	s := &Session{
		tr:      tr,
		eng:     engine.New(),
		sendq:   newFrameQueue(),
		rec:     opts.Recorder,
		log:     logger,
		tag:     tag,
		imports: make(map[uint32]*importClient),
		done:    make(chan struct{}),
	}
	if opts.Bootstrap != nil {
		s.bootstrap = unwrapClient(opts.Bootstrap)
		s.bootstrap.IncRef()
	}

	go s.recvLoop()
	go s.sendLoop()
	return s, nil
}

// Tag returns the session's diagnostic tag.
func (s *Session) Tag() string {
	return s.tag
}

// TableSizes reports live engine table entry counts, in table order:
// questions, answers, exports, imports, embargoes. Diagnostic surface,
// used by leak checks.
func (s *Session) TableSizes() (int, int, int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eng.TableSizes()
}

// Done is closed when the session has torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the teardown cause, nil for a clean close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr == nil || errors.Is(s.closeErr, io.EOF) {
		return nil
	}
	return s.closeErr
}

// Close tears the session down: outstanding questions resolve with an
// exception, imports are invalidated, and the transport closes.
// Idempotent.
func (s *Session) Close() error {
	s.run(func() { s.teardownLocked(nil) })
	return nil
}

// run executes f under the session lock, then drains callbacks f
// deferred via schedule.
func (s *Session) run(f func()) {
	s.mu.Lock()
	f()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, cb := range pending {
		cb()
	}
}

// schedule defers a callback to the end of the current dispatch step,
// where it runs off the lock. Must be called with the lock held.
func (s *Session) schedule(cb func()) {
	s.pending = append(s.pending, cb)
}

// recvLoop is the dispatch goroutine: it reads frames until the
// transport ends and routes each through the engine.
func (s *Session) recvLoop() {
	for {
		f, err := s.tr.Recv()
		if err != nil {
			s.run(func() { s.teardownLocked(err) })
			return
		}
		if s.rec != nil {
			s.rec.Record("recv", f)
		}
		s.run(func() { s.handleLocked(f) })
	}
}

// sendLoop drains the outbound queue into the transport.
func (s *Session) sendLoop() {
	for {
		f, ok := s.sendq.Dequeue()
		if !ok {
			return
		}
		if err := s.tr.Send(f); err != nil {
			s.run(func() { s.teardownLocked(fmt.Errorf("send: %w", err)) })
			return
		}
	}
}

// queueSendLocked appends a frame to the outbound queue, preserving
// send order.
func (s *Session) queueSendLocked(f *wire.Frame) {
	if s.closed {
		return
	}
	if s.rec != nil {
		s.rec.Record("send", f)
	}
	s.log.Debug("queue send", "frame", f.TypeName())
	s.sendq.Enqueue(f)
}

// Bootstrap obtains the peer's bootstrap capability: it allocates a
// question, enqueues the Bootstrap frame, and returns the answer's root
// capability, usable immediately for pipelined calls. The question's
// Finish is sent once the answer resolves.
func (s *Session) Bootstrap() caps.Client {
	var c caps.Client
	s.run(func() {
		if s.closed {
			c = caps.ErrClient(wire.Exceptionf("session closed"))
			return
		}
		p := caps.NewPromise()
		q := s.eng.NewQuestion(p)
		rq := &remoteQ{s: s, q: q, p: p, pipes: make(map[string]*pipelineClient)}
		p.SetCapHook(rq.capHook)
		p.SetFinisher(func() {
			rq.dropPipes()
			s.cancelQuestionLocked(q)
		})
		p.WhenResolved(func(caps.Result) { rq.resolvePipes() })
		s.queueSendLocked(&wire.Frame{
			Type:      wire.FrameBootstrap,
			Bootstrap: &wire.Bootstrap{QuestionID: q.ID},
		})
		c = p.Cap(nil)
		// The bootstrap struct ref is not user-visible; relinquish it
		// as soon as it resolves so only the root capability pins the
		// payload.
		p.WhenResolved(func(caps.Result) { p.Finish() })
	})
	return s.wrapClient(c)
}

// callLocked allocates a question and enqueues a Call frame targeting a
// peer-hosted capability or a promised answer. Ownership of args
// transfers in; each is released once described.
func (s *Session) callLocked(target wire.MessageTarget, req caps.Request, args []caps.Client) caps.StructRef {
	if s.closed {
		caps.ReleaseAll(args)
		return caps.ResolvedErr(wire.Exceptionf("session closed"))
	}
	p := caps.NewPromise()
	q := s.eng.NewQuestion(p)
	rq := &remoteQ{s: s, q: q, p: p, pipes: make(map[string]*pipelineClient)}
	p.SetCapHook(rq.capHook)
	p.SetFinisher(func() {
		rq.dropPipes()
		s.cancelQuestionLocked(q)
	})
	p.WhenResolved(func(caps.Result) { rq.resolvePipes() })

	if target.Type == wire.TargetPromisedAnswer {
		if err := s.eng.RecordPipeline(target.QuestionID, target.Path); err != nil {
			s.log.Error("record pipeline", "err", err)
		}
	}

	descs := make([]wire.CapDescriptor, len(args))
	for i, a := range args {
		descs[i] = s.toCapDescLocked(a)
		if a != nil {
			a.DecRef()
		}
	}
	s.queueSendLocked(&wire.Frame{
		Type: wire.FrameCall,
		Call: &wire.Call{
			QuestionID: q.ID,
			Target:     target,
			Method:     req.Method,
			Body:       req.Body,
			CapTable:   descs,
		},
	})
	return p
}

// cancelQuestionLocked emits the early Finish for a question whose
// struct ref was relinquished before the Return arrived.
func (s *Session) cancelQuestionLocked(q *engine.Question) {
	if s.closed || q.FinishSent || q.ReturnReceived {
		return
	}
	s.queueSendLocked(&wire.Frame{
		Type:   wire.FrameFinish,
		Finish: &wire.Finish{QuestionID: q.ID, ReleaseResultCaps: true},
	})
	if err := s.eng.FinishQuestion(q); err != nil {
		s.log.Error("finish question", "err", err)
	}
}

// toCapDescLocked translates an outbound capability to its wire
// descriptor: peer capabilities round-trip as receiver-hosted, local
// capabilities are exported (promises as sender promises).
func (s *Session) toCapDescLocked(c caps.Client) wire.CapDescriptor {
	if c == nil {
		return wire.CapDescriptor{Type: wire.CapNone}
	}
	c = unwrapClient(c).Shortest()
	if c == caps.Null() {
		return wire.CapDescriptor{Type: wire.CapNone}
	}
	if ic, ok := c.(*importClient); ok && ic.s == s && !ic.dead {
		return wire.CapDescriptor{Type: wire.CapReceiverHosted, ID: ic.id}
	}
	return s.eng.ExportCap(c, isUnresolvedPromise(c))
}

// isUnresolvedPromise reports whether a shortened capability is still a
// promise (Shortest already followed any resolution).
func isUnresolvedPromise(c caps.Client) bool {
	switch c.(type) {
	case *caps.CapPromise, *caps.Embargo, *pipelineClient:
		return true
	}
	return false
}

// fromCapDescLocked materializes a translated inbound descriptor as a
// user-visible capability, claiming one reference for the payload.
func (s *Session) fromCapDescLocked(rc engine.RecvCap) (caps.Client, error) {
	switch rc.Kind {
	case engine.RecvNull:
		return caps.Null(), nil

	case engine.RecvLocal:
		return rc.Cap, nil

	case engine.RecvImport:
		return s.importProxyLocked(rc.ImportID), nil

	case engine.RecvPromise:
		return rc.Promise.Cap(rc.Path), nil

	case engine.RecvEmbargo:
		ec := caps.NewEmbargo(rc.Cap, rc.EmbargoID)
		ec.IncRef() // the embargo registry's reference
		if err := s.eng.PutEmbargo(rc.EmbargoID, ec); err != nil {
			return nil, err
		}
		s.queueSendLocked(&wire.Frame{Type: wire.FrameDisembargo, Disembargo: rc.Disembargo})
		return ec, nil

	default:
		return nil, fmt.Errorf("unknown recv cap kind %d", rc.Kind)
	}
}

// importProxyLocked returns the memoized proxy for an import id,
// claiming one reference.
func (s *Session) importProxyLocked(id uint32) caps.Client {
	if ic, ok := s.imports[id]; ok {
		ic.IncRef()
		return ic
	}
	ic := &importClient{s: s, id: id, refs: 1}
	s.imports[id] = ic
	return ic
}

// releaseImportLocked consumes the import slot when the proxy's last
// reference drops, emitting the accumulated Release.
func (s *Session) releaseImportLocked(ic *importClient) {
	delete(s.imports, ic.id)
	if ic.dead || s.closed {
		return
	}
	count, err := s.eng.ReleaseImport(ic.id)
	if err != nil {
		s.log.Error("release import", "id", ic.id, "err", err)
		return
	}
	if count > 0 {
		s.queueSendLocked(&wire.Frame{
			Type:    wire.FrameRelease,
			Release: &wire.Release{ID: ic.id, Count: count},
		})
	}
}

// handleLocked routes one inbound frame through the engine. A protocol
// error tears the session down.
func (s *Session) handleLocked(f *wire.Frame) {
	if s.closed {
		return
	}
	s.log.Debug("dispatch", "frame", f.TypeName())
	var err error
	switch f.Type {
	case wire.FrameBootstrap:
		err = s.handleBootstrapLocked(f.Bootstrap)
	case wire.FrameCall:
		err = s.handleCallLocked(f.Call)
	case wire.FrameReturn:
		err = s.handleReturnLocked(f.Return)
	case wire.FrameFinish:
		err = s.handleFinishLocked(f.Finish)
	case wire.FrameRelease:
		err = s.handleReleaseLocked(f.Release)
	case wire.FrameDisembargo:
		err = s.handleDisembargoLocked(f.Disembargo)
	default:
		err = fmt.Errorf("unknown frame type %d", f.Type)
	}
	if err != nil {
		s.log.Error("protocol error", "frame", f.TypeName(), "err", err)
		s.teardownLocked(err)
	}
}

func (s *Session) handleBootstrapLocked(b *wire.Bootstrap) error {
	if b == nil {
		return errors.New("malformed bootstrap frame")
	}
	ap := caps.NewPromise()
	a, err := s.eng.HandleBootstrap(b, ap)
	if err != nil {
		return err
	}
	s.watchAnswerLocked(a)
	if s.bootstrap == nil {
		ap.Resolve(caps.ErrResult(wire.Exceptionf("no bootstrap capability")))
		return nil
	}
	s.bootstrap.IncRef()
	ap.Resolve(caps.OkResult(&caps.Response{Caps: []caps.Client{s.bootstrap}}))
	return nil
}

func (s *Session) handleCallLocked(c *wire.Call) error {
	if c == nil {
		return errors.New("malformed call frame")
	}
	ap := caps.NewPromise()
	ev, err := s.eng.HandleCall(c, ap)
	if err != nil {
		return err
	}
	args := make([]caps.Client, len(ev.Args))
	for i, rc := range ev.Args {
		a, err := s.fromCapDescLocked(rc)
		if err != nil {
			return err
		}
		args[i] = a
	}
	s.watchAnswerLocked(ev.Answer)

	sr := ev.Target.Call(caps.Request{Method: c.Method, Body: c.Body}, args)
	ev.Target.DecRef()
	if err := ap.Connect(sr); err != nil {
		ap.Resolve(caps.ErrResult(err))
	}
	return nil
}

// watchAnswerLocked arranges the Return to be sent when the answer's
// promise resolves. Registered before any resolution can happen.
func (s *Session) watchAnswerLocked(a *engine.Answer) {
	a.Promise.WhenResolved(func(r caps.Result) {
		s.sendReturnLocked(a, r)
	})
}

// sendReturnLocked translates a resolved answer into its Return frame,
// exporting payload capabilities as needed.
func (s *Session) sendReturnLocked(a *engine.Answer, r caps.Result) {
	if s.closed {
		return
	}
	ret := &wire.Return{AnswerID: a.ID}
	var descs []wire.CapDescriptor
	switch {
	case r.Err == nil:
		descs = make([]wire.CapDescriptor, len(r.Resp.Caps))
		for i, c := range r.Resp.Caps {
			descs[i] = s.toCapDescLocked(c)
		}
		ret.Which = wire.ReturnResults
		ret.Body = r.Resp.Body
		ret.CapTable = descs
	case wire.IsCancelled(r.Err):
		ret.Which = wire.ReturnCancelled
	default:
		ret.Which = wire.ReturnException
		ret.Reason = r.Err.Error()
	}
	if _, err := s.eng.MarkReturned(a, descs); err != nil {
		s.log.Error("mark returned", "answer", a.ID, "err", err)
		s.teardownLocked(err)
		return
	}
	s.queueSendLocked(&wire.Frame{Type: wire.FrameReturn, Return: ret})
}

func (s *Session) handleReturnLocked(r *wire.Return) error {
	if r == nil {
		return errors.New("malformed return frame")
	}
	ev, err := s.eng.HandleReturn(r)
	if err != nil {
		return err
	}
	q := ev.Question

	var res caps.Result
	switch ev.Which {
	case wire.ReturnResults:
		cs := make([]caps.Client, len(ev.Caps))
		for i, rc := range ev.Caps {
			c, err := s.fromCapDescLocked(rc)
			if err != nil {
				return err
			}
			cs[i] = c
		}
		res = caps.OkResult(&caps.Response{Body: ev.Body, Caps: cs})
	case wire.ReturnException:
		res = caps.ErrResult(&wire.Exception{Reason: ev.Reason})
	case wire.ReturnCancelled:
		res = caps.ErrResult(wire.ErrCancelled)
	default:
		return fmt.Errorf("unknown return variant %d", ev.Which)
	}

	q.Resolver.Resolve(res)

	if !q.FinishSent {
		s.queueSendLocked(&wire.Frame{
			Type:   wire.FrameFinish,
			Finish: &wire.Finish{QuestionID: q.ID},
		})
		if err := s.eng.FinishQuestion(q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) handleFinishLocked(f *wire.Finish) error {
	if f == nil {
		return errors.New("malformed finish frame")
	}
	cancelled, err := s.eng.HandleFinish(f)
	if err != nil {
		return err
	}
	if cancelled != nil {
		// Finish arrived before our Return: the answer resolves as
		// cancelled, which sends Return{cancelled} and reclaims the
		// slot.
		cancelled.Promise.Resolve(caps.ErrResult(wire.ErrCancelled))
	}
	return nil
}

func (s *Session) handleReleaseLocked(r *wire.Release) error {
	if r == nil {
		return errors.New("malformed release frame")
	}
	return s.eng.HandleRelease(r)
}

func (s *Session) handleDisembargoLocked(d *wire.Disembargo) error {
	if d == nil {
		return errors.New("malformed disembargo frame")
	}
	ev, err := s.eng.HandleDisembargo(d)
	if err != nil {
		return err
	}
	if ev.Embargo != nil {
		ev.Embargo.Disembargo()
		ev.Embargo.DecRef()
		return nil
	}
	sc := ev.Cap.Shortest()
	ic, ok := sc.(*importClient)
	if !ok || ic.s != s || ic.dead {
		ev.Cap.DecRef()
		return fmt.Errorf("loopback disembargo target is not an imported capability")
	}
	ev.Cap.DecRef()
	s.queueSendLocked(&wire.Frame{Type: wire.FrameDisembargo, Disembargo: ev.Reply})
	return nil
}

// teardownLocked unwinds the whole connection: every outstanding
// question resolves with an exception, answers are abandoned, exports
// and embargoes drop their references, import proxies are invalidated
// without emitting Release, and the transport closes.
func (s *Session) teardownLocked(cause error) {
	if s.closed {
		return
	}
	s.closed = true
	s.closeErr = cause

	if cause != nil && !errors.Is(cause, io.EOF) {
		s.log.Warn("session teardown", "err", cause)
	} else {
		s.log.Debug("session closed")
	}

	reason := "session closed"
	if cause != nil && !errors.Is(cause, io.EOF) {
		reason = fmt.Sprintf("session aborted: %v", cause)
	}

	st := s.eng.Teardown()
	for _, ic := range s.imports {
		ic.dead = true
	}
	for _, q := range st.Questions {
		if _, ok := q.Resolver.Response(); !ok {
			q.Resolver.Resolve(caps.ErrResult(wire.Exceptionf("%s", reason)))
		}
	}
	for _, a := range st.Answers {
		a.Promise.Finish()
	}
	for _, c := range st.ExportCaps {
		c.DecRef()
	}
	for _, ec := range st.Embargoes {
		ec.DecRef()
	}
	if s.bootstrap != nil {
		s.bootstrap.DecRef()
		s.bootstrap = nil
	}

	s.sendq.Close()
	s.tr.Close()
	close(s.done)
}
