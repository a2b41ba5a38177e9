package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Proto carries heartbeats as protobuf messages; chatter wraps them in a
// structpb.Struct. Marshaling is deterministic and unknown fields from newer
// peers are dropped on decode.
func Proto() Codec {
	return protoCodec{
		mo: proto.MarshalOptions{Deterministic: true},
		uo: proto.UnmarshalOptions{DiscardUnknown: true},
	}
}

type protoCodec struct {
	mo proto.MarshalOptions
	uo proto.UnmarshalOptions
}

func (protoCodec) Name() string        { return "proto" }
func (protoCodec) ContentType() string { return "application/x-protobuf" }

func (c protoCodec) Marshal(v any) ([]byte, error) {
	msg, err := asMessage(v)
	if err != nil {
		return nil, err
	}
	return c.mo.Marshal(msg)
}

func (c protoCodec) Unmarshal(data []byte, v any) error {
	msg, err := asMessage(v)
	if err != nil {
		return err
	}
	return c.uo.Unmarshal(data, msg)
}

func asMessage(v any) (proto.Message, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("codec: proto: %T is not a proto.Message", v)
	}
	return msg, nil
}
