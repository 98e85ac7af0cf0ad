// internal/bus/codec.go
package bus

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EncodeMessage serializes a message for transports that leave the process.
func EncodeMessage(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return data, nil
}

// DecodeMessage parses a wire message and rejects anything outside the
// message vocabulary.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Channel == "" {
		return Message{}, fmt.Errorf("decode message %s: missing channel", m.ID)
	}
	if !m.Type.Known() {
		return Message{}, fmt.Errorf("decode message %s: unknown type %q", m.ID, m.Type)
	}
	return m, nil
}
