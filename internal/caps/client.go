package caps

import (
	"github.com/roach88/captp/internal/wire"
)

// Client is a reference to a capability: local, remote, or a promise.
//
// Reference discipline:
//   - Call transfers ownership of the argument clients to the callee.
//   - Cap returns a reference owned by the caller.
//   - Shortest returns a borrowed reference; callers IncRef to retain.
//   - DecRef on the last reference runs release logic exactly once.
//     IncRef or DecRef on a released client is a caller bug and panics.
type Client interface {
	// IncRef claims an additional reference.
	IncRef()

	// DecRef releases one reference, running release at zero.
	DecRef()

	// Call invokes a method, transferring ownership of args. The
	// returned struct ref resolves with the call's result.
	Call(req Request, args []Client) StructRef

	// Cap returns the sub-capability addressed by path within the
	// result of this capability. The empty path is the capability
	// itself. Valid on promises: the returned client queues calls until
	// the promise resolves.
	Cap(path wire.Path) Client

	// Shortest returns the most direct known representation, following
	// resolved promise hops. Idempotent.
	Shortest() Client
}

// Service is an in-process object reachable through a local capability.
// Recv owns the argument clients and must release them (passing them on
// in a call or a response payload counts as releasing).
type Service interface {
	Recv(req Request, args []Client) StructRef
}

// ServiceFunc adapts a function to the Service interface.
type ServiceFunc func(req Request, args []Client) StructRef

// Recv implements Service.
func (f ServiceFunc) Recv(req Request, args []Client) StructRef {
	return f(req, args)
}

// Releaser is an optional upgrade for Service: if implemented, Release
// runs when the local capability's last reference is dropped.
type Releaser interface {
	Release()
}

// ReleaseAll drops one reference from every non-nil client in cs.
func ReleaseAll(cs []Client) {
	for _, c := range cs {
		if c != nil {
			c.DecRef()
		}
	}
}

// nullClient is the null capability. Reference counting is a no-op:
// there is nothing to release and the value is shared.
type nullClient struct{}

var theNull = &nullClient{}

// Null returns the null capability.
func Null() Client {
	return theNull
}

func (*nullClient) IncRef() {}
func (*nullClient) DecRef() {}

func (*nullClient) Call(req Request, args []Client) StructRef {
	ReleaseAll(args)
	return ResolvedErr(wire.Exceptionf("called null capability (method %s)", req.Method))
}

func (n *nullClient) Cap(path wire.Path) Client { return n }
func (n *nullClient) Shortest() Client          { return n }

// errClient is a broken capability: every call resolves with the
// carried error. Produced when a promise resolves with an error or a
// pipeline path points outside a payload. Reference counting is a no-op.
type errClient struct {
	err error
}

// ErrClient returns a broken capability carrying err.
func ErrClient(err error) Client {
	return &errClient{err: err}
}

func (*errClient) IncRef() {}
func (*errClient) DecRef() {}

func (e *errClient) Call(req Request, args []Client) StructRef {
	ReleaseAll(args)
	return ResolvedErr(e.err)
}

func (e *errClient) Cap(path wire.Path) Client { return e }
func (e *errClient) Shortest() Client          { return e }

// localClient is an in-process service behind a capability reference.
type localClient struct {
	svc      Service
	refs     int
	released bool
}

// NewLocal wraps a service in a local capability holding one reference.
func NewLocal(svc Service) Client {
	return &localClient{svc: svc, refs: 1}
}

func (c *localClient) IncRef() {
	if c.released {
		panic("captp: inc_ref on released capability")
	}
	c.refs++
}

func (c *localClient) DecRef() {
	if c.released {
		panic("captp: dec_ref on released capability")
	}
	c.refs--
	if c.refs > 0 {
		return
	}
	if c.refs < 0 {
		panic("captp: capability reference count went negative")
	}
	c.released = true
	if r, ok := c.svc.(Releaser); ok {
		r.Release()
	}
}

func (c *localClient) Call(req Request, args []Client) StructRef {
	if c.released {
		ReleaseAll(args)
		return ResolvedErr(wire.Exceptionf("called released capability (method %s)", req.Method))
	}
	return c.svc.Recv(req, args)
}

func (c *localClient) Cap(path wire.Path) Client {
	if len(path) == 0 {
		c.IncRef()
		return c
	}
	return ErrClient(wire.Exceptionf("no capability at path %v", path))
}

func (c *localClient) Shortest() Client { return c }
