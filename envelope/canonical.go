package envelope

import (
	"encoding/json"
	"fmt"
)

// SigningBytes produces the canonical encoding of the envelope's signed
// fields. The signature field itself is excluded. Canonicalization marshals
// the envelope, round-trips it through a generic structure so map keys sort
// deterministically, strips nulls, and re-marshals compactly. Both ends of a
// conversation derive identical bytes for identical envelopes.
func (e *Envelope) SigningBytes() ([]byte, error) {
	unsigned := *e
	unsigned.Signature = nil

	raw, err := json.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize envelope: %w", err)
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("failed to canonicalize envelope: %w", err)
	}

	out, err := json.Marshal(stripNulls(generic))
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize envelope: %w", err)
	}

	return out, nil
}

// stripNulls removes null values recursively so the omitted signature field
// cannot shift the canonical form between signer and verifier.
func stripNulls(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		result := make(map[string]interface{}, len(val))
		for k, item := range val {
			if item != nil {
				result[k] = stripNulls(item)
			}
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(val))
		for i, item := range val {
			result[i] = stripNulls(item)
		}
		return result
	default:
		return v
	}
}
