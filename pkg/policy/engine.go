package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// Engine compiles admission policies and gates lifecycle verbs on them.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	builtins []Policy
}

// compiledPolicy is a policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the builtin policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		builtins: BuiltinPolicies(),
	}

	if err := e.loadBuiltins(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load builtin policies: %w", err)
	}

	return e, nil
}

// Evaluate gates one verb. Every enabled policy's deny rules run against
// the input; error and critical findings deny, the rest only warn. A
// policy that fails to evaluate is skipped with a log line rather than
// failing the verb.
func (e *Engine) Evaluate(ctx context.Context, input Input) (*Result, error) {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{
		Allowed:           true,
		EvaluatedPolicies: make([]string, 0, len(e.policies)),
	}

	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("entity", input.Ref()).
				Msg("Policy evaluation failed")
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocks() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("verb", input.Verb).
		Str("entity", input.Ref()).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Verb admission evaluated")

	return result, nil
}

// LoadPaths loads and compiles policies from files or directories,
// alongside the builtins.
func (e *Engine) LoadPaths(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.Add(ctx, policies)
}

// Add compiles policies into the engine, replacing same-named ones.
func (e *Engine) Add(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range policies {
		if err := e.compile(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded")
	return nil
}

// Replace swaps all file-loaded policies for the given set, keeping the
// builtins. The loader's watch callback lands here.
func (e *Engine) Replace(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.policies = make(map[string]*compiledPolicy)
	for i := range e.builtins {
		if err := e.compile(ctx, &e.builtins[i]); err != nil {
			return fmt.Errorf("failed to compile builtin policy %s: %w", e.builtins[i].Name, err)
		}
	}
	for i := range policies {
		if err := e.compile(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies replaced")
	return nil
}

// evaluatePolicy runs one prepared deny query against the input.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, violationFrom(cp.policy, d, input))
			}
		}
	}
	return violations, nil
}

// violationFrom shapes one deny result. Deny rules may yield a plain
// string or an object with message/severity/entity keys; the policy's
// own severity covers results that carry none.
func violationFrom(policy *Policy, result interface{}, input Input) Violation {
	v := Violation{
		Policy:   policy.Name,
		Entity:   input.Ref(),
		Severity: policy.Severity,
	}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if ent, ok := r["entity"].(string); ok {
			v.Entity = ent
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}

	return v
}

// compile prepares the deny query for one policy. Callers hold the lock.
func (e *Engine) compile(ctx context.Context, policy *Policy) error {
	pkg := packageName(policy.Rego)

	r := rego.New(
		rego.Module(policy.Name+".rego", policy.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", pkg).
		Msg("Policy compiled")
	return nil
}

// packageName extracts the package path from Rego code.
func packageName(code string) string {
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "moor.policies"
}

// loadBuiltins compiles the builtin policy set. Callers hold the lock
// or run before the engine is shared.
func (e *Engine) loadBuiltins(ctx context.Context) error {
	for i := range e.builtins {
		if err := e.compile(ctx, &e.builtins[i]); err != nil {
			return fmt.Errorf("failed to compile builtin policy %s: %w", e.builtins[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(e.builtins)).
		Msg("Builtin policies loaded")
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	return policies
}

// SetEnabled flips a policy on or off by name.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
