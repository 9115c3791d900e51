// Package accesspolicy implements the iam.accesspolicy entity type: a
// named access policy with attached subjects, managed through the
// platform API.
//
// The type leans on adoption: an existing policy with the instance name
// is bound rather than duplicated, and reconciliation only ever adds
// the subjects this instance asked for. The provider state remembers
// exactly which subjects the instance attached, so deleting an adopted
// policy detaches those and nothing else.
package accesspolicy

import (
	"context"
	"sort"

	"github.com/openmoor/moor/pkg/apiclient"
	"github.com/openmoor/moor/pkg/entity"
)

// TypeName is the registered entity type name.
const TypeName = "iam.accesspolicy"

const artifactVersion = "0.9.1"

// policyDefinition is the desired policy shape.
type policyDefinition struct {
	Description string   `json:"description"`
	Rules       []rule   `json:"rules" validate:"required,min=1,dive"`
	Subjects    []string `json:"subjects" validate:"dive,required"`
}

type rule struct {
	Resource string `json:"resource" validate:"required"`
	Access   string `json:"access" validate:"required,oneof=read write admin"`
}

// policyState records which subjects this instance attached.
type policyState struct {
	Name     string   `json:"name"`
	Attached []string `json:"attached,omitempty"`
}

// policyResource is the platform's wire representation.
type policyResource struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Rules       []rule   `json:"rules"`
	Subjects    []string `json:"subjects,omitempty"`
}

type subjectsRequest struct {
	Subjects []string `json:"subjects"`
}

// Descriptor returns the registration record for this type.
func Descriptor(client *apiclient.Client) *entity.Descriptor {
	return &entity.Descriptor{
		Type:    TypeName,
		Version: artifactVersion,
		Summary: "Named access policy with attached subjects",
		New:     func() entity.Entity { return &Policy{client: client} },
		Actions: map[string]entity.ActionFunc{
			"attach": func(ctx context.Context, inst *entity.Instance, args map[string]any) (any, error) {
				return (&Policy{client: client}).modifySubject(ctx, inst, args, true)
			},
			"detach": func(ctx context.Context, inst *entity.Instance, args map[string]any) (any, error) {
				return (&Policy{client: client}).modifySubject(ctx, inst, args, false)
			},
		},
	}
}

// Policy implements the lifecycle hooks for iam.accesspolicy.
type Policy struct {
	client *apiclient.Client
	def    policyDefinition
}

// Before validates the collaborators and the definition.
func (p *Policy) Before(_ context.Context, inst *entity.Instance) error {
	if p.client == nil {
		return entity.NewInvalid("platform API client not configured", nil).
			WithEntity(inst.Ref()).WithOp("before")
	}
	return inst.Definition.Decode(&p.def)
}

// AdoptExisting binds a policy with the instance name and attaches the
// desired subjects on top of whatever is already there. Existing
// subjects are never removed here.
func (p *Policy) AdoptExisting(ctx context.Context, inst *entity.Instance) (bool, error) {
	var res policyResource
	if err := p.client.Get(ctx, "/v1/iam/policies/"+inst.Name, &res); err != nil {
		if entity.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	merged := union(res.Subjects, p.def.Subjects)
	if len(merged) != len(res.Subjects) {
		if err := p.putSubjects(ctx, inst.Name, merged); err != nil {
			return false, err
		}
	}

	if err := inst.State.EncodeProvider(policyState{
		Name:     inst.Name,
		Attached: sorted(p.def.Subjects),
	}); err != nil {
		return false, err
	}
	return true, nil
}

// Create provisions the policy and attaches the desired subjects.
func (p *Policy) Create(ctx context.Context, inst *entity.Instance) error {
	err := p.client.Post(ctx, "/v1/iam/policies", policyResource{
		Name:        inst.Name,
		Description: p.def.Description,
		Rules:       p.def.Rules,
	}, nil)
	if err != nil {
		return err
	}

	if len(p.def.Subjects) > 0 {
		if err := p.putSubjects(ctx, inst.Name, sorted(p.def.Subjects)); err != nil {
			return err
		}
	}

	return inst.State.EncodeProvider(policyState{
		Name:     inst.Name,
		Attached: sorted(p.def.Subjects),
	})
}

// Update replaces the rules and reconciles subjects: subjects this
// instance attached earlier but no longer wants are dropped, everyone
// else's attachments survive.
func (p *Policy) Update(ctx context.Context, inst *entity.Instance) error {
	state, err := p.boundState(inst)
	if err != nil {
		return err
	}

	err = p.client.Put(ctx, "/v1/iam/policies/"+state.Name, policyResource{
		Name:        state.Name,
		Description: p.def.Description,
		Rules:       p.def.Rules,
	}, nil)
	if err != nil {
		return err
	}

	var current policyResource
	if err := p.client.Get(ctx, "/v1/iam/policies/"+state.Name, &current); err != nil {
		return err
	}
	next := union(subtract(current.Subjects, state.Attached), p.def.Subjects)
	if err := p.putSubjects(ctx, state.Name, next); err != nil {
		return err
	}

	state.Attached = sorted(p.def.Subjects)
	return inst.State.EncodeProvider(state)
}

// Delete destroys the policy. Only ever called for policies this
// instance created.
func (p *Policy) Delete(ctx context.Context, inst *entity.Instance) error {
	var state policyState
	bound, err := inst.State.DecodeProvider(&state)
	if err != nil {
		return err
	}
	if !bound || state.Name == "" {
		return nil
	}
	return p.client.Delete(ctx, "/v1/iam/policies/"+state.Name)
}

// Release detaches the subjects this instance attached from an adopted
// policy, leaving the policy itself and foreign attachments alone.
func (p *Policy) Release(ctx context.Context, inst *entity.Instance) error {
	var state policyState
	bound, err := inst.State.DecodeProvider(&state)
	if err != nil {
		return err
	}
	if !bound || state.Name == "" || len(state.Attached) == 0 {
		return nil
	}

	var current policyResource
	if err := p.client.Get(ctx, "/v1/iam/policies/"+state.Name, &current); err != nil {
		if entity.IsNotFound(err) {
			return nil
		}
		return err
	}
	return p.putSubjects(ctx, state.Name, subtract(current.Subjects, state.Attached))
}

// modifySubject drives the attach and detach actions for one subject.
func (p *Policy) modifySubject(ctx context.Context, inst *entity.Instance, args map[string]any, attach bool) (any, error) {
	subject, ok := args["subject"].(string)
	if !ok || subject == "" {
		return nil, entity.NewInvalid("action requires a \"subject\" argument", nil).
			WithCode(entity.CodeValidation).WithEntity(inst.Ref()).WithOp("action")
	}

	state, err := p.boundState(inst)
	if err != nil {
		return nil, err
	}

	var current policyResource
	if err := p.client.Get(ctx, "/v1/iam/policies/"+state.Name, &current); err != nil {
		return nil, err
	}

	var next []string
	if attach {
		next = union(current.Subjects, []string{subject})
		state.Attached = union(state.Attached, []string{subject})
	} else {
		next = subtract(current.Subjects, []string{subject})
		state.Attached = subtract(state.Attached, []string{subject})
	}
	if err := p.putSubjects(ctx, state.Name, next); err != nil {
		return nil, err
	}
	if err := inst.State.EncodeProvider(state); err != nil {
		return nil, err
	}
	return map[string]any{"subjects": next}, nil
}

func (p *Policy) putSubjects(ctx context.Context, name string, subjects []string) error {
	return p.client.Put(ctx, "/v1/iam/policies/"+name+"/subjects", subjectsRequest{
		Subjects: subjects,
	}, nil)
}

// boundState returns the provider state, failing when the instance
// holds no policy.
func (p *Policy) boundState(inst *entity.Instance) (policyState, error) {
	var state policyState
	bound, err := inst.State.DecodeProvider(&state)
	if err != nil {
		return state, err
	}
	if !bound || state.Name == "" {
		return state, entity.NewInvalid("no policy bound to this instance", nil).
			WithEntity(inst.Ref()).WithOp("state")
	}
	return state, nil
}

// union merges two subject lists into a sorted list without duplicates.
func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		seen[s] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// subtract returns a minus b, sorted.
func subtract(a, b []string) []string {
	drop := make(map[string]struct{}, len(b))
	for _, s := range b {
		drop[s] = struct{}{}
	}
	out := make([]string, 0, len(a))
	for _, s := range a {
		if _, skip := drop[s]; !skip {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// sorted returns a sorted copy.
func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
