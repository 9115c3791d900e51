package entity

import (
	"context"
	"regexp"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// MaterialFunc replaces the default fingerprint input for a type.
type MaterialFunc func(inst *Instance) (any, error)

// ActionFunc handles one registered type-specific action.
type ActionFunc func(ctx context.Context, inst *Instance, args map[string]any) (any, error)

// Descriptor is the per-type registration record. It is immutable after
// Register; the action table in particular is built exactly once.
type Descriptor struct {
	// Type is the entity type name, e.g. "postgres.cluster".
	Type string

	// Version is the artifact version serving this type.
	Version string

	// Summary is a one-line description for the manifest.
	Summary string

	// New constructs a fresh hook implementation. The controller calls
	// it once per invocation.
	New func() Entity

	// Readiness is the polling policy for this type. Zero fields fall
	// back to the engine defaults.
	Readiness ReadinessPolicy

	// DisableHashSkip forces every update through to the provider.
	DisableHashSkip bool

	// Material replaces the default fingerprint input when set.
	Material MaterialFunc

	// Actions maps action names to handlers. Lookups outside this table
	// fail with an unknown-action error; no reflection is ever used.
	Actions map[string]ActionFunc

	// caps records which optional interfaces the type implements,
	// probed once at registration.
	caps capabilities
}

type capabilities struct {
	adopt     bool
	release   bool
	readiness bool
	liveness  bool
	start     bool
	stop      bool
}

// list returns the capability names in manifest order.
func (c capabilities) list() []string {
	var out []string
	if c.adopt {
		out = append(out, "adopt")
	}
	if c.release {
		out = append(out, "release")
	}
	if c.readiness {
		out = append(out, "readiness")
	}
	if c.liveness {
		out = append(out, "liveness")
	}
	if c.start {
		out = append(out, "start")
	}
	if c.stop {
		out = append(out, "stop")
	}
	return out
}

// material resolves the fingerprint input for an instance of this type.
func (d *Descriptor) material(inst *Instance) (any, error) {
	if d.Material != nil {
		return d.Material(inst)
	}
	return DefaultMaterial(inst)
}

var typeNameRe = regexp.MustCompile(`^[a-z][a-z0-9]*(\.[a-z][a-z0-9]*)+$`)

// Registry holds the entity type catalog. Types are registered once at
// startup; lookups are read-only afterwards.
type Registry struct {
	// mu protects the type table.
	mu sync.RWMutex

	// types maps type name to descriptor.
	types map[string]*Descriptor

	// logger reports registration warnings.
	logger zerolog.Logger
}

// NewRegistry creates an empty entity type registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		types:  make(map[string]*Descriptor),
		logger: logger.With().Str("component", "entity-registry").Logger(),
	}
}

// Register adds a type descriptor to the catalog. The descriptor's
// optional capabilities are probed once here. Declaring a readiness
// policy without implementing a readiness check is accepted with a
// warning: the policy would never be consulted.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil {
		return NewInvalid("descriptor is nil", nil)
	}
	if !typeNameRe.MatchString(d.Type) {
		return NewInvalid("entity type name must be dotted lowercase, e.g. \"postgres.cluster\"", nil).
			WithCode(CodeValidation).WithOp("register")
	}
	if d.New == nil {
		return NewInvalid("descriptor has no constructor", nil).WithOp("register")
	}
	if d.Version == "" {
		return NewInvalid("descriptor has no artifact version", nil).WithOp("register")
	}

	probe := d.New()
	_, d.caps.adopt = probe.(Adopter)
	_, d.caps.release = probe.(Releaser)
	_, d.caps.readiness = probe.(ReadinessChecker)
	_, d.caps.liveness = probe.(LivenessChecker)
	_, d.caps.start = probe.(Starter)
	_, d.caps.stop = probe.(Stopper)

	if !d.Readiness.IsZero() && !d.caps.readiness {
		r.logger.Warn().
			Str("type", d.Type).
			Msg("Readiness policy declared but type implements no readiness check")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[d.Type]; exists {
		return NewConflict("entity type already registered", nil).
			WithCode(CodeAlreadyExists).WithOp("register").WithEntity(d.Type)
	}
	r.types[d.Type] = d
	return nil
}

// Get retrieves the descriptor for a type name.
func (r *Registry) Get(typeName string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, exists := r.types[typeName]
	if !exists {
		return nil, NewUnknownType(typeName)
	}
	return d, nil
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ManifestEntry describes one registered type for consumers outside the
// engine. Types implementing a readiness check automatically publish
// their polling policy here.
type ManifestEntry struct {
	// Type is the entity type name.
	Type string `json:"type" yaml:"type"`

	// Version is the artifact version serving the type.
	Version string `json:"version" yaml:"version"`

	// Summary is the one-line type description.
	Summary string `json:"summary,omitempty" yaml:"summary,omitempty"`

	// Capabilities lists the optional hooks the type implements.
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`

	// Actions lists the registered action names, sorted.
	Actions []string `json:"actions,omitempty" yaml:"actions,omitempty"`

	// Readiness is the normalized polling policy, published only for
	// types that implement a readiness check.
	Readiness *ReadinessPolicy `json:"readiness,omitempty" yaml:"readiness,omitempty"`
}

// Manifest returns the published view of the catalog, sorted by type.
func (r *Registry) Manifest() []ManifestEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]ManifestEntry, 0, len(r.types))
	for _, d := range r.types {
		entry := ManifestEntry{
			Type:         d.Type,
			Version:      d.Version,
			Summary:      d.Summary,
			Capabilities: d.caps.list(),
		}
		for name := range d.Actions {
			entry.Actions = append(entry.Actions, name)
		}
		sort.Strings(entry.Actions)
		if d.caps.readiness {
			policy := d.Readiness.Normalize()
			entry.Readiness = &policy
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Type < entries[j].Type })
	return entries
}
