package api

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Decode parses a single inbound frame. Unknown packet types are not a
// decode error, the caller decides what to do with them.
func Decode(data []byte) (In, error) {
	var packet In
	if err := json.Unmarshal(data, &packet); err != nil {
		return In{}, fmt.Errorf("malformed packet: %w", err)
	}
	return packet, nil
}

// Encode renders an outbound frame.
func Encode(t PT, payload any) ([]byte, error) {
	return json.Marshal(Out{T: uint8(t), Payload: payload})
}
