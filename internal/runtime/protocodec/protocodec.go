// Package protocodec serializes proto.Message payloads with protojson so
// protobuf-modelled messages can ride the bus next to plain structs.
package protocodec

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// Codec implements the runtime codec contract for protobuf payloads.
type Codec struct {
	marshal   protojson.MarshalOptions
	unmarshal protojson.UnmarshalOptions
}

// New returns a protojson codec. Unpopulated fields are emitted so payloads
// stay schema-shaped on the wire.
func New() *Codec {
	return &Codec{
		marshal:   protojson.MarshalOptions{EmitUnpopulated: true},
		unmarshal: protojson.UnmarshalOptions{DiscardUnknown: true},
	}
}

func (c *Codec) ContentType() string { return "application/json" }

func (c *Codec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("protocodec: %T is not a proto.Message", v)
	}
	return c.marshal.Marshal(msg)
}

func (c *Codec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("protocodec: %T is not a proto.Message", v)
	}
	return c.unmarshal.Unmarshal(data, msg)
}
