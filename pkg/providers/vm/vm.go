// Package vm implements the compute.vm entity type: a Hetzner Cloud
// server with a managed ssh keypair.
//
// Create generates an ed25519 keypair per instance, stores the private
// half in the secret store under "<namespace>/<name>/ssh-key", uploads
// the public half, and boots the server with it. Adopted servers keep
// whatever keys they were created with; the provider never touches a
// machine it did not build.
package vm

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	sshpkg "golang.org/x/crypto/ssh"

	"github.com/openmoor/moor/pkg/entity"
)

// TypeName is the registered entity type name.
const TypeName = "compute.vm"

const artifactVersion = "1.1.0"

// sshKeySecret is the secret name suffix for the private key.
const sshKeySecret = "ssh-key"

var readinessPolicy = entity.ReadinessPolicy{
	InitialDelay: 10 * time.Second,
	Period:       10 * time.Second,
	Attempts:     30,
}

// serverDefinition is the desired server shape. Everything except the
// labels is fixed at create time.
type serverDefinition struct {
	ServerType string            `json:"server_type" validate:"required"`
	Image      string            `json:"image" validate:"required"`
	Location   string            `json:"location" validate:"required"`
	UserData   string            `json:"user_data,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// serverState is the per-instance provider state.
type serverState struct {
	ID       int64  `json:"id"`
	SSHKeyID int64  `json:"ssh_key_id,omitempty"`
	PublicIP string `json:"public_ip,omitempty"`

	// PendingActions are the create-time actions Start still has to
	// wait for. Cleared once they complete.
	PendingActions []int64 `json:"pending_actions,omitempty"`
}

// Descriptor returns the registration record for this type.
func Descriptor(api API) *entity.Descriptor {
	return &entity.Descriptor{
		Type:      TypeName,
		Version:   artifactVersion,
		Summary:   "Hetzner Cloud server with a managed ssh keypair",
		New:       func() entity.Entity { return &Server{api: api} },
		Readiness: readinessPolicy,
		Actions: map[string]entity.ActionFunc{
			"poweron": func(ctx context.Context, inst *entity.Instance, _ map[string]any) (any, error) {
				return (&Server{api: api}).power(ctx, inst, "poweron")
			},
			"poweroff": func(ctx context.Context, inst *entity.Instance, _ map[string]any) (any, error) {
				return (&Server{api: api}).power(ctx, inst, "poweroff")
			},
			"reboot": func(ctx context.Context, inst *entity.Instance, _ map[string]any) (any, error) {
				return (&Server{api: api}).power(ctx, inst, "reboot")
			},
		},
	}
}

// Server implements the lifecycle hooks for compute.vm.
type Server struct {
	api API
	def serverDefinition
}

// Before validates the collaborators and the definition.
func (s *Server) Before(_ context.Context, inst *entity.Instance) error {
	if s.api == nil {
		return entity.NewInvalid("compute endpoint not configured", nil).WithEntity(inst.Ref())
	}
	if inst.Secrets == nil {
		return entity.NewInvalid("a secret store is required for ssh key material", nil).
			WithEntity(inst.Ref())
	}
	return inst.Definition.Decode(&s.def)
}

// AdoptExisting binds a server already carrying the instance name.
func (s *Server) AdoptExisting(ctx context.Context, inst *entity.Instance) (bool, error) {
	server, err := s.api.GetServer(ctx, inst.Name)
	if err != nil {
		return false, classify(err, "adopt")
	}
	if server == nil {
		return false, nil
	}

	state := serverState{ID: server.ID}
	if server.PublicNet.IPv4.IP != nil {
		state.PublicIP = server.PublicNet.IPv4.IP.String()
	}
	if err := inst.State.EncodeProvider(&state); err != nil {
		return false, err
	}
	return true, nil
}

// Create uploads the instance keypair and boots the server with it.
func (s *Server) Create(ctx context.Context, inst *entity.Instance) error {
	keyID, err := s.ensureSSHKey(ctx, inst)
	if err != nil {
		return err
	}

	server, actions, err := s.api.CreateServer(ctx, CreateOpts{
		Name:       inst.Name,
		ServerType: s.def.ServerType,
		Image:      s.def.Image,
		Location:   s.def.Location,
		SSHKeyID:   keyID,
		Labels:     s.def.Labels,
		UserData:   s.def.UserData,
	})
	if err != nil {
		return classify(err, "create")
	}

	state := serverState{ID: server.ID, SSHKeyID: keyID, PendingActions: actions}
	if server.PublicNet.IPv4.IP != nil {
		state.PublicIP = server.PublicNet.IPv4.IP.String()
	}
	return inst.State.EncodeProvider(&state)
}

// ensureSSHKey returns the uploaded key for this instance, generating
// and uploading one when absent. The private key goes to the secret
// store before the public half is uploaded, so a crash between the two
// never strands an uploaded key without its private half.
func (s *Server) ensureSSHKey(ctx context.Context, inst *entity.Instance) (int64, error) {
	keyName := inst.Namespace + "-" + inst.Name
	existing, err := s.api.GetSSHKey(ctx, keyName)
	if err != nil {
		return 0, classify(err, "create")
	}
	if existing != nil {
		return existing.ID, nil
	}

	publicKey, privateKey, err := newKeypair()
	if err != nil {
		return 0, err
	}
	if err := inst.Secrets.Set(ctx, inst.SecretName(sshKeySecret), privateKey); err != nil {
		return 0, fmt.Errorf("store private key: %w", err)
	}
	key, err := s.api.CreateSSHKey(ctx, keyName, publicKey, map[string]string{
		"managed-by": "moor",
		"namespace":  inst.Namespace,
	})
	if err != nil {
		return 0, classify(err, "create")
	}
	return key.ID, nil
}

// Start waits out the create-time actions, or powers the server on
// when called as a standalone verb.
func (s *Server) Start(ctx context.Context, inst *entity.Instance) error {
	state, err := s.boundState(inst)
	if err != nil {
		return err
	}

	if len(state.PendingActions) > 0 {
		handles := make([]string, len(state.PendingActions))
		for i, id := range state.PendingActions {
			handles[i] = strconv.FormatInt(id, 10)
		}
		if err := entity.AwaitOperations(ctx, s.pollAction, handles, readinessPolicy); err != nil {
			return err
		}
		state.PendingActions = nil
		// The create response can predate address assignment, so
		// refresh once the server is up.
		if server, err := s.api.GetServerByID(ctx, state.ID); err == nil && server != nil {
			if server.PublicNet.IPv4.IP != nil {
				state.PublicIP = server.PublicNet.IPv4.IP.String()
			}
		}
		return inst.State.EncodeProvider(state)
	}

	server, err := s.api.GetServerByID(ctx, state.ID)
	if err != nil {
		return classify(err, "start")
	}
	if server == nil {
		return entity.NewNotFound(fmt.Sprintf("server %d not found", state.ID), nil).
			WithCode(entity.CodeNotFound).WithOp("start")
	}
	if server.Status == hcloud.ServerStatusRunning {
		return nil
	}
	action, err := s.api.PowerOn(ctx, state.ID)
	if err != nil {
		return classify(err, "start")
	}
	return s.await(ctx, action)
}

// Stop powers the server off. A server already off is left alone.
func (s *Server) Stop(ctx context.Context, inst *entity.Instance) error {
	state, err := s.boundState(inst)
	if err != nil {
		return err
	}
	server, err := s.api.GetServerByID(ctx, state.ID)
	if err != nil {
		return classify(err, "stop")
	}
	if server == nil || server.Status == hcloud.ServerStatusOff {
		return nil
	}
	action, err := s.api.PowerOff(ctx, state.ID)
	if err != nil {
		return classify(err, "stop")
	}
	return s.await(ctx, action)
}

// CheckReadiness reports whether the server is running.
func (s *Server) CheckReadiness(ctx context.Context, inst *entity.Instance) (bool, error) {
	state, err := s.boundState(inst)
	if err != nil {
		return false, err
	}
	server, err := s.api.GetServerByID(ctx, state.ID)
	if err != nil {
		return false, classify(err, "readiness")
	}
	if server == nil {
		return false, entity.NewTerminal(fmt.Sprintf("server %d disappeared", state.ID), nil).
			WithCode(entity.CodeProviderFailed)
	}
	return server.Status == hcloud.ServerStatusRunning, nil
}

// Update applies label changes. The shape fields are fixed at create
// time; a changed one is rejected against the live server so a manual
// out-of-band resize surfaces too.
func (s *Server) Update(ctx context.Context, inst *entity.Instance) error {
	state, err := s.boundState(inst)
	if err != nil {
		return err
	}
	server, err := s.api.GetServerByID(ctx, state.ID)
	if err != nil {
		return classify(err, "update")
	}
	if server == nil {
		return entity.NewNotFound(fmt.Sprintf("server %d no longer exists", state.ID), nil).
			WithCode(entity.CodeNotFound).WithOp("update")
	}

	if server.ServerType != nil && server.ServerType.Name != s.def.ServerType {
		return immutable("server_type")
	}
	if server.Image != nil && server.Image.Name != s.def.Image {
		return immutable("image")
	}
	if server.Datacenter != nil && server.Datacenter.Location != nil &&
		server.Datacenter.Location.Name != s.def.Location {
		return immutable("location")
	}

	if _, err := s.api.UpdateServer(ctx, state.ID, s.def.Labels); err != nil {
		return classify(err, "update")
	}
	return nil
}

// Delete removes the server, its uploaded key, and the stored private
// key. A server already gone still gets its key material cleaned up.
func (s *Server) Delete(ctx context.Context, inst *entity.Instance) error {
	var state serverState
	bound, err := inst.State.DecodeProvider(&state)
	if err != nil {
		return err
	}
	if !bound {
		return nil
	}

	if err := s.api.DeleteServer(ctx, state.ID); err != nil && !isNotFound(err) {
		return classify(err, "delete")
	}

	if state.SSHKeyID != 0 {
		if err := s.api.DeleteSSHKey(ctx, state.SSHKeyID); err != nil && !isNotFound(err) {
			return classify(err, "delete")
		}
		if err := inst.Secrets.Delete(ctx, inst.SecretName(sshKeySecret)); err != nil && !entity.IsNotFound(err) {
			return fmt.Errorf("remove private key: %w", err)
		}
	}
	return nil
}

// power runs one of the power actions and waits for it.
func (s *Server) power(ctx context.Context, inst *entity.Instance, verb string) (any, error) {
	state, err := s.boundState(inst)
	if err != nil {
		return nil, err
	}

	var action *hcloud.Action
	switch verb {
	case "poweron":
		action, err = s.api.PowerOn(ctx, state.ID)
	case "poweroff":
		action, err = s.api.PowerOff(ctx, state.ID)
	case "reboot":
		action, err = s.api.Reboot(ctx, state.ID)
	}
	if err != nil {
		return nil, classify(err, verb)
	}
	if err := s.await(ctx, action); err != nil {
		return nil, err
	}
	return map[string]any{"server": state.ID, "action": action.ID}, nil
}

func (s *Server) await(ctx context.Context, action *hcloud.Action) error {
	return entity.AwaitOperation(ctx, s.pollAction, strconv.FormatInt(action.ID, 10), readinessPolicy)
}

// pollAction maps one Hetzner action onto the engine's operation view.
func (s *Server) pollAction(ctx context.Context, handle string) (entity.OperationStatus, string, error) {
	id, err := strconv.ParseInt(handle, 10, 64)
	if err != nil {
		return "", "", fmt.Errorf("invalid action handle %q: %w", handle, err)
	}
	action, err := s.api.GetAction(ctx, id)
	if err != nil {
		return "", "", err
	}
	if action == nil {
		return "", "", fmt.Errorf("action %d not found", id)
	}
	switch action.Status {
	case hcloud.ActionStatusSuccess:
		return entity.OperationCompleted, "", nil
	case hcloud.ActionStatusError:
		return entity.OperationFailed, action.ErrorMessage, nil
	default:
		return entity.OperationRunning, "", nil
	}
}

func (s *Server) boundState(inst *entity.Instance) (*serverState, error) {
	var state serverState
	bound, err := inst.State.DecodeProvider(&state)
	if err != nil {
		return nil, err
	}
	if !bound {
		return nil, entity.NewInvalid("no server bound to this instance", nil).WithEntity(inst.Ref())
	}
	return &state, nil
}

// newKeypair generates an ed25519 keypair, returning the public half in
// authorized_keys format and the private half PEM-encoded.
func newKeypair() (publicKey, privateKey string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate keypair: %w", err)
	}
	block, err := sshpkg.MarshalPrivateKey(priv, "")
	if err != nil {
		return "", "", fmt.Errorf("marshal private key: %w", err)
	}
	sshPub, err := sshpkg.NewPublicKey(pub)
	if err != nil {
		return "", "", fmt.Errorf("derive public key: %w", err)
	}
	return string(sshpkg.MarshalAuthorizedKey(sshPub)), string(pem.EncodeToMemory(block)), nil
}

func immutable(field string) error {
	return entity.NewInvalid(fmt.Sprintf("%s is immutable, delete and recreate instead", field), nil).
		WithCode(entity.CodeValidation).WithOp("update")
}

func isNotFound(err error) bool {
	var herr hcloud.Error
	return errors.As(err, &herr) && herr.Code == hcloud.ErrorCodeNotFound
}

// classify maps a Hetzner API error onto the engine's error kinds.
func classify(err error, op string) error {
	var herr hcloud.Error
	if errors.As(err, &herr) {
		switch herr.Code {
		case hcloud.ErrorCodeNotFound:
			return entity.NewNotFound(herr.Message, err).
				WithCode(entity.CodeNotFound).WithOp(op)
		case hcloud.ErrorCodeUniquenessError:
			return entity.NewConflict(herr.Message, err).
				WithCode(entity.CodeAlreadyExists).WithOp(op)
		case hcloud.ErrorCodeRateLimitExceeded:
			return entity.NewThrottled(herr.Message, err).
				WithCode(entity.CodeRateLimited).WithOp(op)
		case hcloud.ErrorCodeUnauthorized, hcloud.ErrorCodeForbidden:
			return entity.NewUnauthorized(herr.Message, err).WithOp(op)
		case hcloud.ErrorCodeInvalidInput:
			return entity.NewInvalid(herr.Message, err).
				WithCode(entity.CodeValidation).WithOp(op)
		case hcloud.ErrorCodeLocked, hcloud.ErrorCodeConflict,
			hcloud.ErrorCodeResourceLocked, hcloud.ErrorCodeResourceUnavailable:
			return entity.NewTransient(herr.Message, err).WithOp(op)
		}
	}
	return entity.NewTransient(fmt.Sprintf("compute request failed during %s", op), err).WithOp(op)
}
