package caps

import "github.com/roach88/captp/internal/wire"

// Request is the outbound half of a call: the method selector and the
// opaque schema-encoded parameter body. Capability-typed parameters
// travel separately as the call's argument clients.
type Request struct {
	Method wire.Method
	Body   []byte
}

// Response is a successful call payload: the opaque result body plus the
// capability table referenced by it. The caps slice is owned by the
// struct ref holding the response; Finish releases it.
type Response struct {
	Body []byte
	Caps []Client
}

// Result is the resolution state of a struct ref: exactly one of Resp
// and Err is set.
type Result struct {
	Resp *Response
	Err  error
}

// OkResult wraps a successful payload.
func OkResult(resp *Response) Result {
	return Result{Resp: resp}
}

// ErrResult wraps a call error.
func ErrResult(err error) Result {
	return Result{Err: err}
}

// release drops the payload's capability references.
func (r Result) release() {
	if r.Resp != nil {
		ReleaseAll(r.Resp.Caps)
	}
}

// clone returns a result sharing the body but owning fresh references on
// every payload capability. Used when forwarding a resolution into a
// connected promise, so both struct refs release independently.
func (r Result) clone() Result {
	if r.Resp == nil {
		return r
	}
	caps := make([]Client, len(r.Resp.Caps))
	for i, c := range r.Resp.Caps {
		if c != nil {
			c.IncRef()
		}
		caps[i] = c
	}
	return Result{Resp: &Response{Body: r.Resp.Body, Caps: caps}}
}

// CapInResult resolves a pipeline path against a result.
//
// The empty path selects cap table slot 0; a path [i, rest...] selects
// slot i and applies rest to that capability. Out-of-range slots resolve
// to the null capability, and an error result resolves every path to a
// broken capability carrying the error. The returned client carries a
// reference owned by the caller.
func CapInResult(r Result, path wire.Path) Client {
	if r.Err != nil {
		return ErrClient(r.Err)
	}
	caps := r.Resp.Caps
	idx := 0
	var rest wire.Path
	if len(path) > 0 {
		idx = int(path[0])
		rest = path[1:]
	}
	if idx >= len(caps) || caps[idx] == nil {
		return Null()
	}
	c := caps[idx]
	if len(rest) > 0 {
		return c.Cap(rest)
	}
	c.IncRef()
	return c
}
