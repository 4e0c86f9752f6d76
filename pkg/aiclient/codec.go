package aiclient

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const jsonCodecName = "json"

// jsonCodec implements grpc/encoding.Codec so GRPCProvider can speak
// gRPC framing without generated protobuf messages: the generation
// service this talks to has no .proto source in the retrieval pack
// (see DESIGN.md), so the message body is JSON rather than protobuf
// wire format, registered under its own content-subtype.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
