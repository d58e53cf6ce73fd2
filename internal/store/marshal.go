package store

import (
	"fmt"

	"github.com/golang/snappy"

	"github.com/roach88/offsync/internal/event"
)

// marshalData converts an event payload to canonical JSON TEXT for storage.
func marshalData(data map[string]any) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	b, err := event.MarshalCanonical(data)
	if err != nil {
		return "", fmt.Errorf("marshal data: %w", err)
	}
	return string(b), nil
}

// unmarshalData parses stored JSON TEXT back to a normalized payload.
func unmarshalData(text string) (map[string]any, error) {
	if text == "" || text == "{}" {
		return map[string]any{}, nil
	}
	data, err := event.DecodeObject([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("unmarshal data: %w", err)
	}
	return data, nil
}

// marshalState encodes snapshot state as snappy-compressed canonical JSON.
func marshalState(state map[string]any) ([]byte, error) {
	if state == nil {
		state = map[string]any{}
	}
	b, err := event.MarshalCanonical(state)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot state: %w", err)
	}
	return snappy.Encode(nil, b), nil
}

// unmarshalState reverses marshalState.
func unmarshalState(blob []byte) (map[string]any, error) {
	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot state: %w", err)
	}
	state, err := event.DecodeObject(raw)
	if err != nil {
		return nil, fmt.Errorf("unmarshal snapshot state: %w", err)
	}
	return state, nil
}
