package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// ErrDuplicateKey is returned when two object keys are equal after NFC
// normalization, so the canonical form would have to drop one of them.
var ErrDuplicateKey = errors.New("duplicate key after NFC normalization")

// MarshalCanonical produces RFC 8785 canonical JSON for v.
//
// v is first encoded with encoding/json (so struct tags apply), every string
// and object key is NFC normalized, and the result is canonicalized by jcs:
// keys sorted by UTF-16 code units, no insignificant whitespace, numbers in
// their shortest ECMAScript form, no HTML escaping.
func MarshalCanonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonical: decode: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	normalized, err := normalizeStrings(generic)
	if err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}
	if err := enc.Encode(normalized); err != nil {
		return nil, fmt.Errorf("canonical: re-encode: %w", err)
	}

	out, err := jcs.Transform(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// normalizeStrings NFC-normalizes strings and object keys in a decoded JSON
// value. Two keys of one object that normalize to the same key are an error.
func normalizeStrings(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return norm.NFC.String(val), nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			n, err := normalizeStrings(elem)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			nk := norm.NFC.String(k)
			if _, dup := out[nk]; dup {
				return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, nk)
			}
			n, err := normalizeStrings(elem)
			if err != nil {
				return nil, err
			}
			out[nk] = n
		}
		return out, nil
	default:
		return v, nil
	}
}

// CheckKeys reports ErrDuplicateKey if two keys of any object in data are
// equal after NFC normalization.
func CheckKeys(data map[string]any) error {
	_, err := normalizeStrings(data)
	return err
}

// NormalizeData round-trips a payload through JSON so that it uses the same
// value types as payloads read back from storage: int64 for integral numbers,
// float64 for other numbers, and string, bool, nil, []any and map[string]any.
// A nil payload becomes an empty map.
func NormalizeData(data map[string]any) (map[string]any, error) {
	if len(data) == 0 {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("normalize data: %w", err)
	}
	return DecodeObject(raw)
}

// DecodeObject decodes a JSON object using the normalized value types
// described on NormalizeData.
func DecodeObject(raw []byte) (map[string]any, error) {
	var generic map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}
	if generic == nil {
		return map[string]any{}, nil
	}
	return convertNumbers(generic).(map[string]any), nil
}

func convertNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, err := val.Float64()
		if err != nil {
			return val.String()
		}
		return f
	case []any:
		for i, elem := range val {
			val[i] = convertNumbers(elem)
		}
		return val
	case map[string]any:
		for k, elem := range val {
			val[k] = convertNumbers(elem)
		}
		return val
	default:
		return v
	}
}
