package codec

import (
	"bytes"
	"encoding/json"
)

// JSON is the default heartbeat encoding. Frames stay readable when a node
// logs what it received.
func JSON() Codec { return jsonCodec{} }

type jsonCodec struct{}

func (jsonCodec) Name() string        { return "json" }
func (jsonCodec) ContentType() string { return "application/json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal rejects fields the local heartbeat type does not know, so a peer
// running another payload layout is noticed instead of read as zeros.
func (jsonCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
