package events

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Encode serializes the envelope to its UTF-8 JSON wire form.
func Encode(e CheckoutCompleted) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.EventType, err)
	}
	return data, nil
}

// Decode parses a wire payload. It only checks that the payload is well-formed
// JSON of the right shape; call Validate for the schema rules.
func Decode(data []byte) (CheckoutCompleted, error) {
	var e CheckoutCompleted
	if err := json.Unmarshal(data, &e); err != nil {
		return CheckoutCompleted{}, fmt.Errorf("decode checkout envelope: %w", err)
	}
	return e, nil
}
