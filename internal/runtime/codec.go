package runtime

import (
	jsoncodec "github.com/nimbusmq/nimbus/internal/runtime/jsoncodec"
)

// Codec serializes user payloads into envelope bytes. Implementations must be
// safe for concurrent use.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec returns the default payload codec.
func JSONCodec() Codec { return jsonCodec{} }

type jsonCodec struct{}

func (jsonCodec) ContentType() string { return "application/json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return jsoncodec.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return jsoncodec.Unmarshal(data, v)
}
