package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrParse marks malformed envelopes and malformed description payloads.
var ErrParse = errors.New("parse error")

// Encode serializes an Envelope for the wire.
func Encode(env Envelope) ([]byte, error) {
	buf, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("could not marshal %q envelope: %w", env.Name, err)
	}
	return buf, nil
}

// Decode parses a wire message into an Envelope. Unrecognized names are not
// an error; a missing or empty name is.
func Decode(raw []byte) (Envelope, error) {
	var wire struct {
		Name *string `json:"name"`
		Data *string `json:"data"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: invalid envelope: %w", ErrParse, err)
	}
	if wire.Name == nil || *wire.Name == "" {
		return Envelope{}, fmt.Errorf("%w: envelope has no name", ErrParse)
	}

	env := Envelope{Name: Name(*wire.Name)}
	if wire.Data != nil {
		env.Data = *wire.Data
	}
	return env, nil
}
