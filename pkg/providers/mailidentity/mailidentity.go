// Package mailidentity implements the mail.identity entity type: a
// verified sending identity managed through the platform API.
//
// Registering an identity returns DNS records the owner has to publish;
// the platform then verifies them asynchronously. Readiness tracks that
// verification: "pending" polls on, "verified" is ready, and "failed"
// aborts the wait terminally because retrying cannot fix rejected DNS.
package mailidentity

import (
	"context"
	"net/url"
	"time"

	"github.com/openmoor/moor/pkg/apiclient"
	"github.com/openmoor/moor/pkg/entity"
)

// TypeName is the registered entity type name.
const TypeName = "mail.identity"

const artifactVersion = "0.7.3"

// Verification statuses reported by the platform.
const (
	statusPending  = "pending"
	statusVerified = "verified"
	statusFailed   = "failed"
)

// DNS checks propagate slowly, so the polling budget is wide and
// unhurried.
var readinessPolicy = entity.ReadinessPolicy{
	InitialDelay: 5 * time.Second,
	Period:       15 * time.Second,
	Attempts:     40,
}

// identityDefinition is the desired identity shape.
type identityDefinition struct {
	Address     string `json:"address" validate:"required,email"`
	DisplayName string `json:"display_name"`
}

// identityState is the per-instance provider state.
type identityState struct {
	ID string `json:"id"`

	// DNSRecords are the verification records the owner publishes.
	DNSRecords []dnsRecord `json:"dns_records,omitempty"`
}

type dnsRecord struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// identityResource is the platform's wire representation.
type identityResource struct {
	ID            string      `json:"id"`
	Address       string      `json:"address"`
	DisplayName   string      `json:"display_name,omitempty"`
	Status        string      `json:"status"`
	FailureReason string      `json:"failure_reason,omitempty"`
	DNSRecords    []dnsRecord `json:"dns_records,omitempty"`
}

type createIdentityRequest struct {
	Address     string `json:"address"`
	DisplayName string `json:"display_name,omitempty"`
}

// Descriptor returns the registration record for this type.
func Descriptor(client *apiclient.Client) *entity.Descriptor {
	return &entity.Descriptor{
		Type:      TypeName,
		Version:   artifactVersion,
		Summary:   "Verified sending identity with DNS verification",
		New:       func() entity.Entity { return &Identity{client: client} },
		Readiness: readinessPolicy,
		Actions: map[string]entity.ActionFunc{
			"resend-verification": func(ctx context.Context, inst *entity.Instance, _ map[string]any) (any, error) {
				return (&Identity{client: client}).resendVerification(ctx, inst)
			},
		},
	}
}

// Identity implements the lifecycle hooks for mail.identity.
type Identity struct {
	client *apiclient.Client
	def    identityDefinition
}

// Before validates the collaborators and the definition.
func (i *Identity) Before(_ context.Context, inst *entity.Instance) error {
	if i.client == nil {
		return entity.NewInvalid("platform API client not configured", nil).
			WithEntity(inst.Ref()).WithOp("before")
	}
	return inst.Definition.Decode(&i.def)
}

// AdoptExisting probes the platform for an identity with the defined
// address and binds it together with its verification records.
func (i *Identity) AdoptExisting(ctx context.Context, inst *entity.Instance) (bool, error) {
	var out struct {
		Identities []identityResource `json:"identities"`
	}
	path := "/v1/mail/identities?address=" + url.QueryEscape(i.def.Address)
	if err := i.client.Get(ctx, path, &out); err != nil {
		if entity.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if len(out.Identities) == 0 {
		return false, nil
	}

	res := out.Identities[0]
	if err := inst.State.EncodeProvider(identityState{
		ID:         res.ID,
		DNSRecords: res.DNSRecords,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// Create registers the identity and binds the DNS records to publish.
func (i *Identity) Create(ctx context.Context, inst *entity.Instance) error {
	var res identityResource
	err := i.client.Post(ctx, "/v1/mail/identities", createIdentityRequest{
		Address:     i.def.Address,
		DisplayName: i.def.DisplayName,
	}, &res)
	if err != nil {
		return err
	}

	return inst.State.EncodeProvider(identityState{
		ID:         res.ID,
		DNSRecords: res.DNSRecords,
	})
}

// Update pushes the mutable identity fields. The address itself is the
// identity and cannot change in place.
func (i *Identity) Update(ctx context.Context, inst *entity.Instance) error {
	state, err := i.boundState(inst)
	if err != nil {
		return err
	}

	var current identityResource
	if err := i.client.Get(ctx, "/v1/mail/identities/"+state.ID, &current); err != nil {
		return err
	}
	if current.Address != i.def.Address {
		return entity.NewInvalid("identity address is immutable, delete and recreate instead", nil).
			WithCode(entity.CodeValidation).WithEntity(inst.Ref()).WithOp("update")
	}

	return i.client.Patch(ctx, "/v1/mail/identities/"+state.ID, createIdentityRequest{
		Address:     i.def.Address,
		DisplayName: i.def.DisplayName,
	}, nil)
}

// Delete removes the identity registration.
func (i *Identity) Delete(ctx context.Context, inst *entity.Instance) error {
	var state identityState
	bound, err := inst.State.DecodeProvider(&state)
	if err != nil {
		return err
	}
	if !bound || state.ID == "" {
		return nil
	}
	return i.client.Delete(ctx, "/v1/mail/identities/"+state.ID)
}

// CheckReadiness reports whether DNS verification has completed. A
// failed verification is terminal: waiting longer cannot fix it.
func (i *Identity) CheckReadiness(ctx context.Context, inst *entity.Instance) (bool, error) {
	state, err := i.boundState(inst)
	if err != nil {
		return false, err
	}

	var res identityResource
	if err := i.client.Get(ctx, "/v1/mail/identities/"+state.ID, &res); err != nil {
		return false, err
	}
	switch res.Status {
	case statusVerified:
		return true, nil
	case statusFailed:
		reason := res.FailureReason
		if reason == "" {
			reason = "verification failed"
		}
		return false, entity.NewTerminal(reason, nil).
			WithCode(entity.CodeProviderFailed).WithEntity(inst.Ref())
	default:
		return false, nil
	}
}

// resendVerification asks the platform to re-check the DNS records.
func (i *Identity) resendVerification(ctx context.Context, inst *entity.Instance) (any, error) {
	state, err := i.boundState(inst)
	if err != nil {
		return nil, err
	}
	if err := i.client.Post(ctx, "/v1/mail/identities/"+state.ID+"/verification", nil, nil); err != nil {
		return nil, err
	}
	return map[string]any{"id": state.ID, "status": statusPending}, nil
}

// boundState returns the provider state, failing when the instance
// holds no identity.
func (i *Identity) boundState(inst *entity.Instance) (identityState, error) {
	var state identityState
	bound, err := inst.State.DecodeProvider(&state)
	if err != nil {
		return state, err
	}
	if !bound || state.ID == "" {
		return state, entity.NewInvalid("no identity bound to this instance", nil).
			WithEntity(inst.Ref()).WithOp("state")
	}
	return state, nil
}
