package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		entityNamingPolicy(),
		protectedDeletePolicy(),
		ownerLabelPolicy(),
	}
}

// entityNamingPolicy enforces entity naming conventions.
func entityNamingPolicy() Policy {
	return Policy{
		Name:        "entity-naming",
		Description: "Enforces entity naming conventions (lowercase alphanumeric with interior hyphens, at most 63 characters)",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package moor.policies.naming

import rego.v1

name_pattern := "^[a-z0-9]([a-z0-9-]*[a-z0-9])?$"

deny contains violation if {
	name := input.entity.name
	not regex.match(name_pattern, name)
	violation := {
		"message": sprintf("entity name %q must be lowercase alphanumeric with interior hyphens", [name]),
		"severity": "error",
	}
}

deny contains violation if {
	count(input.entity.name) > 63
	violation := {
		"message": sprintf("entity name %q must not exceed 63 characters", [input.entity.name]),
		"severity": "error",
	}
}

deny contains violation if {
	ns := input.entity.namespace
	not regex.match(name_pattern, ns)
	violation := {
		"message": sprintf("namespace %q must be lowercase alphanumeric with interior hyphens", [ns]),
		"severity": "error",
	}
}

deny contains violation if {
	count(input.entity.namespace) > 63
	violation := {
		"message": sprintf("namespace %q must not exceed 63 characters", [input.entity.namespace]),
		"severity": "error",
	}
}`,
	}
}

// protectedDeletePolicy blocks deletion of entities labeled protected.
func protectedDeletePolicy() Policy {
	return Policy{
		Name:        "protected-delete",
		Description: "Blocks delete of entities carrying the protected=true label",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "labels"},
		Rego: `package moor.policies.protected

import rego.v1

deny contains violation if {
	input.verb == "delete"
	input.entity.labels.protected == "true"
	violation := {
		"message": sprintf("entity %s/%s is protected and cannot be deleted", [input.entity.namespace, input.entity.name]),
		"severity": "critical",
	}
}`,
	}
}

// ownerLabelPolicy warns when an entity has no owner label.
func ownerLabelPolicy() Policy {
	return Policy{
		Name:        "owner-label",
		Description: "Warns when an entity carries no owner label",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"labels", "metadata"},
		Rego: `package moor.policies.ownership

import rego.v1

deny contains violation if {
	not input.entity.labels.owner
	violation := {
		"message": sprintf("entity %s/%s has no owner label", [input.entity.namespace, input.entity.name]),
		"severity": "warning",
	}
}

deny contains violation if {
	input.entity.labels.owner == ""
	violation := {
		"message": sprintf("entity %s/%s has an empty owner label", [input.entity.namespace, input.entity.name]),
		"severity": "warning",
	}
}`,
	}
}
