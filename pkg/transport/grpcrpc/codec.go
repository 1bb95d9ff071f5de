package grpcrpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is registered as the content-subtype so both ends of the wire
// agree to exchange JSON frames instead of protobuf. Used in place of a
// protoc-generated codec so the three Raft RPCs can be exercised without a
// build step.
const codecName = "raftcore-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("grpcrpc: marshaling %T: %w", v, err)
	}
	return out, nil
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("grpcrpc: unmarshaling into %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }
