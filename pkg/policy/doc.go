// Package policy provides Open Policy Agent (OPA) admission gating for
// lifecycle verbs.
//
// Before the controller runs a verb, the runner evaluates the verb and
// its target entity against a set of Rego policies. A deny finding with
// error or critical severity blocks the verb; info and warning findings
// surface without blocking.
//
// # Architecture
//
// The package has three parts:
//
//  1. Engine - Compiles policies into prepared deny queries and gates verbs
//  2. Loader - Loads policies from .rego/.json files and watches for changes
//  3. Builtins - Policies every engine starts with
//
// # Input document
//
// Policies evaluate against one input document per verb:
//
//	{
//	    "verb": "delete",
//	    "entity": {
//	        "namespace": "team-a",
//	        "name": "db1",
//	        "type": "postgres.cluster",
//	        "labels": {"owner": "team-a", "protected": "true"}
//	    },
//	    "definition": { ... },
//	    "state": {"existing": true}
//	}
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPaths(ctx, []string{"/etc/moor/policies"}); err != nil {
//	    return err
//	}
//
//	result, err := eng.Evaluate(ctx, policy.NewInput(entity.VerbDelete, inst))
//	if err != nil {
//	    return err
//	}
//	if !result.Allowed {
//	    for _, v := range result.Violations {
//	        fmt.Printf("%s: %s\n", v.Policy, v.Message)
//	    }
//	}
//
// # Builtin policies
//
//  1. entity-naming - Lowercase alphanumeric names and namespaces
//  2. protected-delete - protected=true label blocks delete
//  3. owner-label - Warns when the owner label is missing
//
// # Custom policies
//
// Custom policies are Rego modules whose deny rules yield either a
// string or an object with message/severity keys:
//
//	package custom.policies.sizing
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.verb == "create"
//	    input.definition.size == "xlarge"
//	    not input.entity.labels.approved
//	    violation := {
//	        "message": "xlarge clusters need an approved label",
//	        "severity": "error",
//	    }
//	}
//
// A violation that names no severity inherits the policy's own, which is
// error for file-loaded Rego.
//
// # Hot reload
//
// In watch mode the loader re-reads changed policy files, debounced,
// and swaps them into the engine:
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func(policies []policy.Policy) error {
//	    return eng.Replace(ctx, policies)
//	})
//
// # Performance
//
// Each policy's deny query is prepared once at load time and reused for
// every evaluation.
package policy
