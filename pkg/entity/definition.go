package entity

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
)

// Meta carries the metadata of the compiled artifact serving an entity
// type. It is fingerprinted together with the definition, so publishing
// a new artifact version forces a real update even when the definition
// itself is unchanged.
type Meta struct {
	// Version is the artifact version string.
	Version string `json:"version"`

	// VersionHash is the content fingerprint of the artifact build.
	VersionHash string `json:"version_hash"`
}

// Definition is the immutable, caller-supplied desired state of an
// entity instance. The engine never mutates it after a verb begins.
type Definition struct {
	// Raw is the provider-specific desired-state document.
	Raw json.RawMessage `json:"raw"`

	// Meta is the artifact metadata for the instance's entity type.
	Meta Meta `json:"meta"`

	// Labels are orchestrator-supplied annotations. They are policy
	// input and never reach the provider.
	Labels map[string]string `json:"labels,omitempty"`
}

var validate = validator.New()

// Decode unmarshals the raw definition document into v and validates
// its `validate` struct tags. Failures are configuration errors.
func (d Definition) Decode(v any) error {
	if len(d.Raw) == 0 {
		return NewInvalid("definition document is empty", nil).WithCode(CodeValidation)
	}
	if err := json.Unmarshal(d.Raw, v); err != nil {
		return NewInvalid("definition document does not decode", err).WithCode(CodeValidation)
	}
	if err := validate.Struct(v); err != nil {
		return NewInvalid("definition failed validation", err).WithCode(CodeValidation)
	}
	return nil
}

// Label returns the named label or "".
func (d Definition) Label(name string) string {
	return d.Labels[name]
}
