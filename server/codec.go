package server

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// codecName is the content subtype of every exec service call:
// "application/cbor" for Connect and "application/grpc+cbor" for gRPC.
const codecName = "cbor"

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("server: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// cborCodec encodes service messages as canonical CBOR. Its method set
// satisfies both connect.Codec and grpc's encoding.Codec, so one value
// serves the Connect handlers, the Connect client and the gRPC client.
type cborCodec struct{}

func (cborCodec) Name() string { return codecName }

func (cborCodec) Marshal(msg any) ([]byte, error) {
	return cborEncMode.Marshal(msg)
}

func (cborCodec) Unmarshal(data []byte, msg any) error {
	if err := cbor.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("server: unmarshal %T: %w", msg, err)
	}
	return nil
}
