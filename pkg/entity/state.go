package entity

import (
	"encoding/json"
	"fmt"
)

// State is the mutable per-instance record the runner persists between
// invocations. The engine owns Existing and DefinitionHash; everything
// provider-specific lives in the Provider document.
type State struct {
	// Existing is true when create adopted a pre-existing resource
	// instead of provisioning one. It is set at most once, during
	// create, and never reverted: delete must stay non-destructive for
	// the life of the instance.
	Existing bool `json:"existing"`

	// DefinitionHash is the fingerprint stored by the last successful
	// create or non-skipped update. Absent until then.
	DefinitionHash string `json:"definition_hash,omitempty"`

	// Provider is the concrete entity's own state document (resource
	// IDs, endpoints, observed fields).
	Provider json.RawMessage `json:"provider,omitempty"`
}

// DecodeProvider unmarshals the provider state document into v.
// Returns false when no provider state has been written yet.
func (s *State) DecodeProvider(v any) (bool, error) {
	if s == nil || len(s.Provider) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(s.Provider, v); err != nil {
		return false, fmt.Errorf("failed to decode provider state: %w", err)
	}
	return true, nil
}

// EncodeProvider marshals v into the provider state document.
func (s *State) EncodeProvider(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode provider state: %w", err)
	}
	s.Provider = raw
	return nil
}

// clearIdentity drops the provider state document and the stored
// fingerprint after a completed delete. Existing is kept: it records
// history and is never reverted.
func (s *State) clearIdentity() {
	s.Provider = nil
	s.DefinitionHash = ""
}
