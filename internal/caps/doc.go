// Package caps implements the capability object model: reference-counted
// clients, struct promises, capability promises, and embargo wrappers.
//
// A Client is a reference to a capability. Clients are single-owner
// reference counted: IncRef claims a reference, DecRef releases one, and
// release logic runs exactly once when the count reaches zero. Calls
// transfer ownership of their argument capabilities to the callee.
//
// Promises buffer work until resolution. A struct promise (Promise)
// buffers resolution waiters and interns pipelined sub-capabilities; a
// capability promise (CapPromise) buffers whole calls and replays them
// in order once the promise resolves. An Embargo is a capability promise
// that resolves to a known local capability only when explicitly
// disembargoed, preserving wire ordering for loopback pipelines.
//
// Thread-safety: objects in this package are guarded by the owning
// session. All methods must be invoked from the session's dispatch
// goroutine or with its lock held. Resolution callbacks fire
// synchronously from the resolving call.
package caps
