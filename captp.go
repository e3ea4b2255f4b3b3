// Package captp is a capability-based RPC runtime implementing the
// Cap'n Proto Level-1 RPC protocol: peer-to-peer sessions exchanging
// object references, method calls on remote objects, promise
// pipelining, embargoed loopback ordering, and reference-counted
// distributed object lifetimes.
//
// A minimal exchange:
//
//	boot := captp.NewLocal(myService)
//	sess, err := captp.New(captp.NewStreamTransport(conn, nil), &captp.Options{
//		Bootstrap: boot,
//	})
//	...
//	remote := sess.Bootstrap()
//	ref := remote.Call(captp.Request{Method: captp.Method{InterfaceID: iid, MethodID: 0}}, nil)
//	ref.WhenResolved(func(r captp.Result) { ... })
//
// The wire codec for call payload bodies is an external collaborator: a
// generated rpc.capnp serializer plugs in through the Codec seam; the
// built-in deterministic CBOR codec frames messages for the stream
// transport.
package captp

import (
	"github.com/roach88/captp/internal/caps"
	"github.com/roach88/captp/internal/session"
	"github.com/roach88/captp/internal/wire"
)

// Core session surface.
type (
	// Session is one side of a CapTP connection.
	Session = session.Session

	// Options configures a session.
	Options = session.Options

	// Transport carries frames between peers.
	Transport = session.Transport

	// Recorder receives a copy of every frame for diagnostics.
	Recorder = session.Recorder
)

// Capability surface.
type (
	// Client is a reference to a capability.
	Client = caps.Client

	// StructRef is a handle for a (possibly unresolved) call result.
	StructRef = caps.StructRef

	// Service is an in-process object reachable through a capability.
	Service = caps.Service

	// ServiceFunc adapts a function to Service.
	ServiceFunc = caps.ServiceFunc

	// Request is a method selector plus opaque parameter body.
	Request = caps.Request

	// Response is a result body plus its capability table.
	Response = caps.Response

	// Result is the resolution state of a struct ref.
	Result = caps.Result
)

// Wire-level types.
type (
	// Method identifies an RPC method by interface id and ordinal.
	Method = wire.Method

	// Path addresses a sub-capability within a call result.
	Path = wire.Path

	// Codec converts frames to and from bytes.
	Codec = wire.Codec

	// Exception is a call-scoped error.
	Exception = wire.Exception
)

// ErrCancelled resolves struct refs of cancelled calls.
var ErrCancelled = wire.ErrCancelled

// New starts a session over the given transport.
func New(tr Transport, opts *Options) (*Session, error) {
	return session.New(tr, opts)
}

// NewLocal wraps a service in a local capability holding one reference.
func NewLocal(svc Service) Client {
	return caps.NewLocal(svc)
}

// Null returns the null capability.
func Null() Client {
	return caps.Null()
}

// ResolvedOK returns a struct ref pre-resolved with a payload; services
// use it for synchronous results.
func ResolvedOK(body []byte, capTable []Client) StructRef {
	return caps.ResolvedOK(body, capTable)
}

// ResolvedErr returns a struct ref pre-resolved with an error.
func ResolvedErr(err error) StructRef {
	return caps.ResolvedErr(err)
}

// NewStreamTransport frames codec-encoded messages over a reliable byte
// stream. A nil codec selects the deterministic CBOR codec.
var NewStreamTransport = session.NewStreamTransport

// NewPipe returns two connected in-memory transports, mainly for tests.
var NewPipe = session.NewPipe

// NewCBORCodec creates the deterministic CBOR frame codec.
var NewCBORCodec = wire.NewCBORCodec
