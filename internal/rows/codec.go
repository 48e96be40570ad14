package rows

import (
	"encoding/json"
	"fmt"
)

// Codec encodes a JSON column as a versioned envelope {"v":N,"payload":...}.
// Decode also accepts a bare payload written before the envelope existed.
type Codec[T any] struct {
	Version int
}

type envelope struct {
	V       *int            `json:"v"`
	Payload json.RawMessage `json:"payload"`
}

// NewCodec returns a codec writing the given schema version
func NewCodec[T any](version int) Codec[T] {
	return Codec[T]{Version: version}
}

// Encode wraps v in the envelope
func (c Codec[T]) Encode(v T) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	version := c.Version
	data, err := json.Marshal(envelope{V: &version, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}
	return string(data), nil
}

// Decode unwraps a column value. Malformed JSON or an envelope newer than
// this codec understands yields fallback.
func (c Codec[T]) Decode(raw any, fallback T) T {
	env := DecodeJSON[*envelope](raw, nil)
	if env != nil && env.V != nil && env.Payload != nil {
		if *env.V > c.Version || *env.V < 1 {
			return fallback
		}
		return DecodeJSON[T]([]byte(env.Payload), fallback)
	}
	return DecodeJSON[T](raw, fallback)
}
