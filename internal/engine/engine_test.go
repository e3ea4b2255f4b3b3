package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/captp/internal/caps"
	"github.com/roach88/captp/internal/wire"
)

// stubService is a minimal local service for table tests.
type stubService struct {
	released bool
}

func (s *stubService) Recv(req caps.Request, args []caps.Client) caps.StructRef {
	caps.ReleaseAll(args)
	return caps.ResolvedOK(nil, nil)
}

func (s *stubService) Release() { s.released = true }

func sizes(e *Engine) [5]int {
	q, a, x, i, emb := e.TableSizes()
	return [5]int{q, a, x, i, emb}
}

func TestQuestionLifecycle_ReturnThenFinish(t *testing.T) {
	e := New()
	q := e.NewQuestion(caps.NewPromise())
	assert.Equal(t, uint32(0), q.ID)
	assert.Equal(t, [5]int{1, 0, 0, 0, 0}, sizes(e))

	ev, err := e.HandleReturn(&wire.Return{AnswerID: q.ID, Which: wire.ReturnResults})
	require.NoError(t, err)
	assert.Same(t, q, ev.Question)
	assert.True(t, q.ReturnReceived)
	assert.Equal(t, [5]int{1, 0, 0, 0, 0}, sizes(e), "slot lives until Finish is sent")

	require.NoError(t, e.FinishQuestion(q))
	assert.Equal(t, [5]int{0, 0, 0, 0, 0}, sizes(e))
}

func TestQuestionLifecycle_FinishThenReturn(t *testing.T) {
	e := New()
	q := e.NewQuestion(caps.NewPromise())

	require.NoError(t, e.FinishQuestion(q))
	assert.Equal(t, [5]int{1, 0, 0, 0, 0}, sizes(e), "slot lives until the Return arrives")

	_, err := e.HandleReturn(&wire.Return{AnswerID: q.ID, Which: wire.ReturnCancelled})
	require.NoError(t, err)
	assert.Equal(t, [5]int{0, 0, 0, 0, 0}, sizes(e))
}

func TestFinishQuestion_Twice(t *testing.T) {
	e := New()
	q := e.NewQuestion(caps.NewPromise())
	require.NoError(t, e.FinishQuestion(q))

	err := e.FinishQuestion(q)
	require.Error(t, err)
	assert.True(t, IsProtocolError(err))
}

func TestHandleReturn_UnknownQuestion(t *testing.T) {
	e := New()
	_, err := e.HandleReturn(&wire.Return{AnswerID: 42, Which: wire.ReturnResults})
	require.Error(t, err)
	assert.True(t, IsProtocolError(err))
}

func TestHandleReturn_Double(t *testing.T) {
	e := New()
	q := e.NewQuestion(caps.NewPromise())
	_, err := e.HandleReturn(&wire.Return{AnswerID: q.ID, Which: wire.ReturnResults})
	require.NoError(t, err)

	_, err = e.HandleReturn(&wire.Return{AnswerID: q.ID, Which: wire.ReturnResults})
	require.Error(t, err)

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeDoubleReturn, pe.Code)
}

func TestExportCap_DedupAndWireRefs(t *testing.T) {
	e := New()
	svc := &stubService{}
	c := caps.NewLocal(svc)

	d1 := e.ExportCap(c, false)
	d2 := e.ExportCap(c, false)

	assert.Equal(t, wire.CapSenderHosted, d1.Type)
	assert.Equal(t, d1.ID, d2.ID, "same capability exports to the same slot")
	assert.Equal(t, [5]int{0, 0, 1, 0, 0}, sizes(e))

	id, ok := e.ExportedID(c)
	require.True(t, ok)
	assert.Equal(t, d1.ID, id)

	// Two mentions means a wire count of two; one release keeps the
	// entry alive.
	require.NoError(t, e.HandleRelease(&wire.Release{ID: d1.ID, Count: 1}))
	assert.Equal(t, [5]int{0, 0, 1, 0, 0}, sizes(e))

	require.NoError(t, e.HandleRelease(&wire.Release{ID: d1.ID, Count: 1}))
	assert.Equal(t, [5]int{0, 0, 0, 0, 0}, sizes(e))
	_, ok = e.ExportedID(c)
	assert.False(t, ok)

	assert.False(t, svc.released, "the caller's own reference is untouched")
	c.DecRef()
	assert.True(t, svc.released)
}

func TestExportCap_PromiseDescriptor(t *testing.T) {
	e := New()
	cp := caps.NewCapPromise()
	defer cp.DecRef()

	d := e.ExportCap(cp, true)
	assert.Equal(t, wire.CapSenderPromise, d.Type)

	require.NoError(t, e.HandleRelease(&wire.Release{ID: d.ID, Count: 1}))
}

func TestHandleRelease_Underflow(t *testing.T) {
	e := New()
	c := caps.NewLocal(&stubService{})
	defer c.DecRef()
	d := e.ExportCap(c, false)

	err := e.HandleRelease(&wire.Release{ID: d.ID, Count: 5})
	require.Error(t, err)

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeRefUnderflow, pe.Code)
}

func TestHandleRelease_UnknownExport(t *testing.T) {
	e := New()
	err := e.HandleRelease(&wire.Release{ID: 3, Count: 1})
	require.Error(t, err)
	assert.True(t, IsProtocolError(err))
}

func TestImports_AccumulateAndRelease(t *testing.T) {
	e := New()

	rc, err := e.recvDesc(wire.CapDescriptor{Type: wire.CapSenderHosted, ID: 9})
	require.NoError(t, err)
	assert.Equal(t, RecvImport, rc.Kind)
	assert.Equal(t, uint32(9), rc.ImportID)

	rc, err = e.recvDesc(wire.CapDescriptor{Type: wire.CapSenderPromise, ID: 9})
	require.NoError(t, err)
	assert.Equal(t, RecvImport, rc.Kind)

	count, err := e.ReleaseImport(9)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), count, "release carries the accumulated receipt count")
	assert.Equal(t, [5]int{0, 0, 0, 0, 0}, sizes(e))

	_, err = e.ReleaseImport(9)
	assert.Error(t, err)
}

func TestRecvDesc_ReceiverHostedRoundTrip(t *testing.T) {
	e := New()
	c := caps.NewLocal(&stubService{})
	d := e.ExportCap(c, false)

	rc, err := e.recvDesc(wire.CapDescriptor{Type: wire.CapReceiverHosted, ID: d.ID})
	require.NoError(t, err)
	assert.Equal(t, RecvLocal, rc.Kind)
	assert.Same(t, c, rc.Cap, "round-tripped capability keeps its identity")

	rc.Cap.DecRef()
	require.NoError(t, e.HandleRelease(&wire.Release{ID: d.ID, Count: 1}))
	c.DecRef()
}

func TestRecvDesc_ReceiverHostedUnknown(t *testing.T) {
	e := New()
	_, err := e.recvDesc(wire.CapDescriptor{Type: wire.CapReceiverHosted, ID: 8})
	require.Error(t, err)
	assert.True(t, IsProtocolError(err))
}

func TestRecvDesc_ThirdPartyIsFatal(t *testing.T) {
	e := New()
	_, err := e.recvDesc(wire.CapDescriptor{Type: wire.CapThirdPartyHosted})
	require.Error(t, err)

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeThirdParty, pe.Code)
}

func TestRecvDesc_ReceiverAnswer(t *testing.T) {
	e := New()

	ap := caps.NewPromise()
	_, err := e.HandleBootstrap(&wire.Bootstrap{QuestionID: 4}, ap)
	require.NoError(t, err)

	t.Run("unresolved answer yields a promise", func(t *testing.T) {
		rc, err := e.recvDesc(wire.CapDescriptor{Type: wire.CapReceiverAnswer, QuestionID: 4, Path: wire.Path{0}})
		require.NoError(t, err)
		assert.Equal(t, RecvPromise, rc.Kind)
		assert.Equal(t, wire.Path{0}, rc.Path)
	})

	c := caps.NewLocal(&stubService{})
	ap.Resolve(caps.OkResult(&caps.Response{Caps: []caps.Client{c}}))

	t.Run("resolved answer follows the path", func(t *testing.T) {
		rc, err := e.recvDesc(wire.CapDescriptor{Type: wire.CapReceiverAnswer, QuestionID: 4, Path: nil})
		require.NoError(t, err)
		assert.Equal(t, RecvLocal, rc.Kind)
		assert.Same(t, c, rc.Cap)
		rc.Cap.DecRef()
	})

	t.Run("unknown answer is fatal", func(t *testing.T) {
		_, err := e.recvDesc(wire.CapDescriptor{Type: wire.CapReceiverAnswer, QuestionID: 99})
		require.Error(t, err)
		assert.True(t, IsProtocolError(err))
	})
}

func TestAnswerLifecycle_CallReturnFinish(t *testing.T) {
	e := New()
	svc := &stubService{}
	c := caps.NewLocal(svc)
	d := e.ExportCap(c, false)
	c.DecRef() // table keeps the capability alive

	ap := caps.NewPromise()
	ev, err := e.HandleCall(&wire.Call{
		QuestionID: 1,
		Target:     wire.MessageTarget{Type: wire.TargetImportedCap, ImportedCap: d.ID},
		Method:     wire.Method{InterfaceID: 1},
	}, ap)
	require.NoError(t, err)
	assert.Same(t, c, ev.Target)
	assert.Equal(t, [5]int{0, 1, 1, 0, 0}, sizes(e))
	ev.Target.DecRef()

	done, err := e.MarkReturned(ev.Answer, nil)
	require.NoError(t, err)
	assert.False(t, done)

	_, err = e.HandleFinish(&wire.Finish{QuestionID: 1})
	require.NoError(t, err)
	assert.Equal(t, [5]int{0, 0, 1, 0, 0}, sizes(e))
}

func TestAnswerLifecycle_DuplicateID(t *testing.T) {
	e := New()
	_, err := e.HandleBootstrap(&wire.Bootstrap{QuestionID: 2}, caps.NewPromise())
	require.NoError(t, err)

	_, err = e.HandleBootstrap(&wire.Bootstrap{QuestionID: 2}, caps.NewPromise())
	require.Error(t, err)

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeIDReuse, pe.Code)
}

func TestHandleFinish_BeforeReturnSignalsCancellation(t *testing.T) {
	e := New()
	ap := caps.NewPromise()
	a, err := e.HandleBootstrap(&wire.Bootstrap{QuestionID: 3}, ap)
	require.NoError(t, err)

	cancelled, err := e.HandleFinish(&wire.Finish{QuestionID: 3})
	require.NoError(t, err)
	assert.Same(t, a, cancelled)

	// The session answers with Return{cancelled}; the slot dies then.
	done, err := e.MarkReturned(a, nil)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, [5]int{0, 0, 0, 0, 0}, sizes(e))
}

func TestHandleFinish_Double(t *testing.T) {
	e := New()
	_, err := e.HandleBootstrap(&wire.Bootstrap{QuestionID: 5}, caps.NewPromise())
	require.NoError(t, err)
	_, err = e.HandleFinish(&wire.Finish{QuestionID: 5})
	require.NoError(t, err)

	_, err = e.HandleFinish(&wire.Finish{QuestionID: 5})
	require.Error(t, err)

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrCodeDoubleFinish, pe.Code)
}

func TestHandleFinish_ReleaseResultCaps(t *testing.T) {
	e := New()
	svc := &stubService{}
	c := caps.NewLocal(svc)

	a, err := e.HandleBootstrap(&wire.Bootstrap{QuestionID: 6}, caps.NewPromise())
	require.NoError(t, err)

	d := e.ExportCap(c, false)
	_, err = e.MarkReturned(a, []wire.CapDescriptor{d})
	require.NoError(t, err)

	_, err = e.HandleFinish(&wire.Finish{QuestionID: 6, ReleaseResultCaps: true})
	require.NoError(t, err)
	assert.Equal(t, [5]int{0, 0, 0, 0, 0}, sizes(e), "result exports are retracted")

	c.DecRef()
	assert.True(t, svc.released)
}
