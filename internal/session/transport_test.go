package session

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/captp/internal/wire"
)

func TestStreamTransport_RoundTrip(t *testing.T) {
	a, b := net.Pipe()
	ta := NewStreamTransport(a, nil)
	tb := NewStreamTransport(b, nil)
	defer ta.Close()
	defer tb.Close()

	sent := &wire.Frame{Type: wire.FrameCall, Call: &wire.Call{
		QuestionID: 3,
		Target:     wire.MessageTarget{Type: wire.TargetImportedCap, ImportedCap: 1},
		Method:     wire.Method{InterfaceID: 0xfeed, MethodID: 2},
		Body:       []byte("hello"),
	}}

	errc := make(chan error, 1)
	go func() { errc <- ta.Send(sent) }()

	got, err := tb.Recv()
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, sent, got)
}

func TestStreamTransport_RecvAfterCloseIsEOF(t *testing.T) {
	a, b := net.Pipe()
	ta := NewStreamTransport(a, nil)
	tb := NewStreamTransport(b, nil)

	require.NoError(t, ta.Close())
	_, err := tb.Recv()
	assert.ErrorIs(t, err, io.EOF)
	tb.Close()
}

func TestPipe_RoundTripAndOrder(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()

	require.NoError(t, a.Send(bootstrapFrame(0)))
	require.NoError(t, a.Send(bootstrapFrame(1)))

	f, err := b.Recv()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), f.Bootstrap.QuestionID)

	f, err = b.Recv()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), f.Bootstrap.QuestionID)
}

func TestPipe_CloseEndsBothDirections(t *testing.T) {
	a, b := NewPipe()
	require.NoError(t, a.Close())

	_, err := b.Recv()
	assert.ErrorIs(t, err, io.EOF)
	assert.Error(t, b.Send(bootstrapFrame(0)))
}
