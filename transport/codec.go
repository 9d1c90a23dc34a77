// Package transport carries device-control requests between the
// monitored process and the privileged classifier.
//
// The channel is gRPC over a local socket. Messages are the fixed
// binary layouts from package wire, encoded by a raw codec rather than
// protobuf. As with a METHOD_NEITHER control code the request carries
// addresses in the caller's memory, not the buffers themselves; the
// server reads and writes them through the caller's address space after
// validating them (see Boundary).
package transport

import (
	"encoding"
	"fmt"

	grpcencoding "google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype of the raw codec.
const CodecName = "eatguard"

type rawCodec struct{}

func (rawCodec) Name() string { return CodecName }

func (rawCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("%s codec: cannot marshal %T", CodecName, v)
	}
	return m.MarshalBinary()
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	u, ok := v.(encoding.BinaryUnmarshaler)
	if !ok {
		return fmt.Errorf("%s codec: cannot unmarshal into %T", CodecName, v)
	}
	return u.UnmarshalBinary(data)
}

func init() {
	grpcencoding.RegisterCodec(rawCodec{})
}
