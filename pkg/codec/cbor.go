package codec

import (
	"fmt"

	cbor "github.com/fxamacker/cbor/v2"
)

// CBOR encodes heartbeats compactly. Encoding is canonical so two nodes
// produce the same frame for the same heartbeat, and decoding refuses
// duplicate map keys coming from a peer.
func CBOR() (Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor enc mode: %w", err)
	}
	dm, err := cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor dec mode: %w", err)
	}
	return &cborCodec{enc: em, dec: dm}, nil
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func (*cborCodec) Name() string        { return "cbor" }
func (*cborCodec) ContentType() string { return "application/cbor" }

func (c *cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c *cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }
