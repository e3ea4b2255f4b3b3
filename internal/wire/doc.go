// Package wire defines the semantic frame model for the Level-1 CapTP
// protocol: the six frame kinds exchanged between peers, capability
// descriptors, message targets, pipeline paths, and the error kinds that
// cross the connection.
//
// Frames here are pre-serialization values. The schema codec that encodes
// call payload bodies is an external collaborator; the Codec interface in
// this package is the seam where a generated rpc.capnp serializer plugs
// in. CBORCodec is the in-tree implementation used by the stream
// transport and the conformance harness.
//
// All connection-scoped identifiers (question, answer, export, import,
// embargo) are dense 32-bit unsigned integers per the standard.
package wire
