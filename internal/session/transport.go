package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/roach88/captp/internal/wire"
)

// Transport carries frames between peers with reliable, ordered
// delivery.
type Transport interface {
	// Send delivers one frame to the peer. May block (backpressure).
	Send(f *wire.Frame) error

	// Recv returns the next frame from the peer, or io.EOF at
	// end-of-stream.
	Recv() (*wire.Frame, error)

	// Close releases the transport. Pending Recv calls unblock.
	Close() error
}

// errTransportClosed reports IO on a closed transport.
var errTransportClosed = errors.New("transport closed")

// maxFrameSize bounds a single encoded frame. A peer announcing a
// larger frame is treated as a framing error.
const maxFrameSize = 1 << 24

// streamTransport frames codec-encoded messages over a reliable byte
// stream with a 4-byte big-endian length prefix.
type streamTransport struct {
	rwc   io.ReadWriteCloser
	codec wire.Codec

	wmu sync.Mutex
	rmu sync.Mutex
}

// NewStreamTransport wraps a duplex byte stream. A nil codec selects
// the deterministic CBOR codec.
func NewStreamTransport(rwc io.ReadWriteCloser, codec wire.Codec) Transport {
	if codec == nil {
		codec = wire.NewCBORCodec()
	}
	return &streamTransport{rwc: rwc, codec: codec}
}

// Send implements Transport.
func (t *streamTransport) Send(f *wire.Frame) error {
	data, err := t.codec.Encode(f)
	if err != nil {
		return err
	}
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(data))
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)

	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.rwc.Write(buf); err != nil {
		return fmt.Errorf("send %s frame: %w", f.TypeName(), err)
	}
	return nil
}

// Recv implements Transport.
func (t *streamTransport) Recv() (*wire.Frame, error) {
	t.rmu.Lock()
	defer t.rmu.Unlock()

	var hdr [4]byte
	if _, err := io.ReadFull(t.rwc, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(t.rwc, data); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return t.codec.Decode(data)
}

// Close implements Transport.
func (t *streamTransport) Close() error {
	return t.rwc.Close()
}

// pipeTransport is one end of an in-memory frame pipe, used by tests
// and the conformance harness.
type pipeTransport struct {
	out *frameQueue
	in  *frameQueue
}

// NewPipe returns two connected in-memory transports. Frames sent on
// one end arrive on the other in order.
func NewPipe() (Transport, Transport) {
	ab := newFrameQueue()
	ba := newFrameQueue()
	return &pipeTransport{out: ab, in: ba}, &pipeTransport{out: ba, in: ab}
}

// Send implements Transport.
func (p *pipeTransport) Send(f *wire.Frame) error {
	if !p.out.Enqueue(f) {
		return errTransportClosed
	}
	return nil
}

// Recv implements Transport.
func (p *pipeTransport) Recv() (*wire.Frame, error) {
	f, ok := p.in.Dequeue()
	if !ok {
		return nil, io.EOF
	}
	return f, nil
}

// Close implements Transport. Closing one end ends the stream in both
// directions.
func (p *pipeTransport) Close() error {
	p.out.Close()
	p.in.Close()
	return nil
}
