package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedDocument indicates input that is not a JSON object.
var ErrMalformedDocument = errors.New("domain: malformed document")

// DecodeDocument parses data and normalizes it. It fails only when data is
// not a JSON object; the shape of the object itself is always repaired.
func DecodeDocument(data []byte) (Catalog, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Catalog{}, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if _, ok := raw.(map[string]any); !ok {
		return Catalog{}, fmt.Errorf("%w: top-level value must be an object", ErrMalformedDocument)
	}
	return Normalize(raw), nil
}

// MarshalDocument serializes c with stable two-space indentation.
func MarshalDocument(c Catalog) ([]byte, error) {
	c = c.Clone()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
