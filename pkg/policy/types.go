package policy

import (
	"encoding/json"
	"time"

	"github.com/openmoor/moor/pkg/entity"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do
	// not block the verb.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block the verb.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that block the verb and need
	// immediate attention.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies the verb.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one admission rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Deny rules live under the
	// module's package as `deny contains violation if { ... }`.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for builtins.
	Source string `json:"source,omitempty"`
}

// Violation is a single deny finding from one policy.
type Violation struct {
	// Policy is the name of the policy that produced the finding.
	Policy string `json:"policy"`

	// Entity is the namespace/name reference of the evaluated entity.
	Entity string `json:"entity,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result is the outcome of gating one verb.
type Result struct {
	// Allowed is false when any violation has a blocking severity.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking findings.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists the non-blocking findings.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that ran.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the evaluation happened.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies evaluate against.
type Input struct {
	// Verb is the lifecycle verb being admitted.
	Verb string `json:"verb"`

	// Entity identifies the instance the verb targets.
	Entity EntityInfo `json:"entity"`

	// Definition is the raw provider document from the definition.
	Definition json.RawMessage `json:"definition,omitempty"`

	// State carries the stored-state facts policies may branch on.
	State *StateInfo `json:"state,omitempty"`
}

// EntityInfo identifies the instance under evaluation.
type EntityInfo struct {
	Namespace string            `json:"namespace"`
	Name      string            `json:"name"`
	Type      string            `json:"type"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// StateInfo exposes stored-state facts to policies.
type StateInfo struct {
	Existing bool `json:"existing"`
}

// NewInput builds the policy input for a verb against an instance.
func NewInput(verb entity.Verb, inst *entity.Instance) Input {
	in := Input{
		Verb: string(verb),
		Entity: EntityInfo{
			Namespace: inst.Namespace,
			Name:      inst.Name,
			Type:      inst.Type,
			Labels:    inst.Definition.Labels,
		},
		Definition: inst.Definition.Raw,
	}
	if inst.State != nil {
		in.State = &StateInfo{Existing: inst.State.Existing}
	}
	return in
}

// Ref returns the namespace/name reference of the evaluated entity.
func (in Input) Ref() string {
	return in.Entity.Namespace + "/" + in.Entity.Name
}
