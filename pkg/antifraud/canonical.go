package antifraud

import (
	"encoding/json"
	"fmt"
)

// CanonicalJSON renders v as JSON with object keys sorted at every
// level, so that signer and verifier agree on the byte stream
// regardless of struct field order. The signature field must be
// stripped before canonicalization.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	// Round-trip through interface{} maps: encoding/json marshals map
	// keys in sorted order.
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// SigningPayload returns the canonical bytes a heartbeat signature
// covers: the heartbeat serialized without its signature field.
func SigningPayload(hb interface{}) ([]byte, error) {
	raw, err := json.Marshal(hb)
	if err != nil {
		return nil, fmt.Errorf("signing payload: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("signing payload: %w", err)
	}
	delete(m, "signature")
	return json.Marshal(m)
}
