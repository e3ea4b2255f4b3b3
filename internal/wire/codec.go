package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Codec converts frames to and from their byte representation. The
// stream transport is codec-agnostic; a generated rpc.capnp serializer
// satisfies the same interface.
type Codec interface {
	Encode(f *Frame) ([]byte, error)
	Decode(data []byte) (*Frame, error)
}

// CBORCodec encodes frames as deterministic CBOR. Core deterministic
// encoding keeps byte output stable across runs.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec creates a codec with core deterministic encoding options.
func NewCBORCodec() *CBORCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encode mode: %v", err))
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decode mode: %v", err))
	}
	return &CBORCodec{enc: enc, dec: dec}
}

// Encode converts a frame into a byte array ready for transmission.
func (c *CBORCodec) Encode(f *Frame) ([]byte, error) {
	data, err := c.enc.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.TypeName(), err)
	}
	return data, nil
}

// Decode converts a byte array back into a frame.
func (c *CBORCodec) Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := c.dec.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}
