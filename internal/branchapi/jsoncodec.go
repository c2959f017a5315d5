package branchapi

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the content-subtype gRPC negotiates for this service:
// requests travel as "application/grpc+json" instead of the default
// "application/grpc+proto". grpc-go picks the codec registered under this
// name automatically once the client attaches grpc.CallContentSubtype(codecName).
const codecName = "json"

// jsonCodec implements encoding.Codec by marshaling the plain
// request/reply structs in this package with encoding/json.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
