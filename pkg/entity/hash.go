package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// hashMaterial is the default fingerprint input: the artifact metadata
// plus the raw definition document. Either component changing changes
// the fingerprint.
type hashMaterial struct {
	Meta       Meta            `json:"meta"`
	Definition json.RawMessage `json:"definition"`
}

// DefaultMaterial returns the standard fingerprint input for an
// instance. Types can replace it with Descriptor.Material.
func DefaultMaterial(inst *Instance) (any, error) {
	return hashMaterial{
		Meta:       inst.Definition.Meta,
		Definition: inst.Definition.Raw,
	}, nil
}

// Fingerprint computes the canonical fingerprint of hash material.
// The material is serialized to canonical JSON (object keys sorted,
// insignificant whitespace dropped) and hashed with SHA-256. The exact
// algorithm is unimportant; fingerprints are only ever compared for
// byte equality, never parsed.
func Fingerprint(material any) (string, error) {
	raw, err := json.Marshal(material)
	if err != nil {
		return "", fmt.Errorf("failed to serialize hash material: %w", err)
	}
	canonical, err := canonicalJSON(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize hash material: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON re-encodes a JSON document deterministically: a round
// trip through the generic decoder sorts object keys at every level and
// normalizes whitespace and number formatting.
func canonicalJSON(raw []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// ShouldSkipUpdate reports whether update may be skipped because the
// stored fingerprint matches the current material. An absent stored
// fingerprint never skips: when in doubt, the provider update runs.
func ShouldSkipUpdate(state *State, material any) (bool, error) {
	if state == nil || state.DefinitionHash == "" {
		return false, nil
	}
	current, err := Fingerprint(material)
	if err != nil {
		return false, err
	}
	return state.DefinitionHash == current, nil
}
