package gozkgrid

import "encoding/json"

// Codec encodes and decodes every payload the engine stores in zookeeper:
// the event log, alive records, join bags and custom messages. The engine
// never inspects the encoded bytes.
type Codec interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
}

// JSONCodec is the default codec.
type JSONCodec struct{}

func (JSONCodec) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
