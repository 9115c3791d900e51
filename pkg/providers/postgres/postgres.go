// Package postgres implements the postgres.cluster entity type: a
// managed Postgres cluster provisioned through the platform API.
//
// Create sends the desired cluster shape together with a generated
// admin password and records the returned provisioning operation; Start
// blocks on that operation, and readiness means the cluster reports
// status "online". The admin password lives in the secret store under
// the instance-scoped name "<namespace>/<name>/admin-password".
package postgres

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/openmoor/moor/pkg/apiclient"
	"github.com/openmoor/moor/pkg/entity"
)

// TypeName is the registered entity type name.
const TypeName = "postgres.cluster"

const artifactVersion = "1.2.0"

const adminUser = "admin"

// Cluster statuses reported by the platform.
const (
	statusOnline       = "online"
	statusProvisioning = "provisioning"
	statusSuspended    = "suspended"
	statusFailed       = "failed"
)

var readinessPolicy = entity.ReadinessPolicy{
	InitialDelay: 5 * time.Second,
	Period:       10 * time.Second,
	Attempts:     60,
}

// clusterDefinition is the desired cluster shape.
type clusterDefinition struct {
	Version   string `json:"version" validate:"required,oneof=14 15 16 17"`
	Size      string `json:"size" validate:"required,oneof=small medium large"`
	StorageGB int    `json:"storage_gb" validate:"required,gte=10,lte=4096"`
	Region    string `json:"region" validate:"required"`
	HA        bool   `json:"ha"`
}

// clusterState is the per-instance provider state.
type clusterState struct {
	ID   string `json:"id"`
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	// PendingOperation is the provisioning or resize operation Start
	// still has to wait for. Cleared once the operation completes.
	PendingOperation string `json:"pending_operation,omitempty"`
}

// clusterResource is the platform's wire representation of a cluster.
type clusterResource struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Version     string `json:"version"`
	Size        string `json:"size"`
	StorageGB   int    `json:"storage_gb"`
	Region      string `json:"region"`
	HA          bool   `json:"ha"`
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
}

type createClusterRequest struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	Size          string `json:"size"`
	StorageGB     int    `json:"storage_gb"`
	Region        string `json:"region"`
	HA            bool   `json:"ha"`
	AdminUser     string `json:"admin_user"`
	AdminPassword string `json:"admin_password"`
}

type resizeClusterRequest struct {
	Size      string `json:"size"`
	StorageGB int    `json:"storage_gb"`
	HA        bool   `json:"ha"`
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Descriptor returns the registration record for this type.
func Descriptor(client *apiclient.Client) *entity.Descriptor {
	return &entity.Descriptor{
		Type:      TypeName,
		Version:   artifactVersion,
		Summary:   "Managed Postgres cluster on the platform API",
		New:       func() entity.Entity { return &Cluster{client: client} },
		Readiness: readinessPolicy,
		Actions: map[string]entity.ActionFunc{
			"suspend": func(ctx context.Context, inst *entity.Instance, _ map[string]any) (any, error) {
				return (&Cluster{client: client}).setSuspended(ctx, inst, true)
			},
			"resume": func(ctx context.Context, inst *entity.Instance, _ map[string]any) (any, error) {
				return (&Cluster{client: client}).setSuspended(ctx, inst, false)
			},
			"rotate-password": func(ctx context.Context, inst *entity.Instance, _ map[string]any) (any, error) {
				return (&Cluster{client: client}).rotatePassword(ctx, inst)
			},
		},
	}
}

// Cluster implements the lifecycle hooks for postgres.cluster.
type Cluster struct {
	client *apiclient.Client
	def    clusterDefinition
}

// Before validates the collaborators and the definition.
func (c *Cluster) Before(_ context.Context, inst *entity.Instance) error {
	if c.client == nil {
		return entity.NewInvalid("platform API client not configured", nil).
			WithEntity(inst.Ref()).WithOp("before")
	}
	if inst.Secrets == nil {
		return entity.NewInvalid("secret store required for admin credentials", nil).
			WithEntity(inst.Ref()).WithOp("before")
	}
	return inst.Definition.Decode(&c.def)
}

// AdoptExisting probes the platform for a cluster with the instance
// name and binds its observed coordinates.
func (c *Cluster) AdoptExisting(ctx context.Context, inst *entity.Instance) (bool, error) {
	var out struct {
		Clusters []clusterResource `json:"clusters"`
	}
	path := "/v1/postgres/clusters?name=" + url.QueryEscape(inst.Name)
	if err := c.client.Get(ctx, path, &out); err != nil {
		if entity.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if len(out.Clusters) == 0 {
		return false, nil
	}

	res := out.Clusters[0]
	if err := inst.State.EncodeProvider(clusterState{
		ID:   res.ID,
		Host: res.Host,
		Port: res.Port,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// Create provisions a new cluster. The admin password is generated
// locally and stored before the request goes out, so a crash between
// the two never loses working credentials.
func (c *Cluster) Create(ctx context.Context, inst *entity.Instance) error {
	password, err := generatePassword()
	if err != nil {
		return err
	}
	if err := inst.Secrets.Set(ctx, inst.SecretName("admin-password"), password); err != nil {
		return fmt.Errorf("failed to store admin password: %w", err)
	}

	var res clusterResource
	err = c.client.Post(ctx, "/v1/postgres/clusters", createClusterRequest{
		Name:          inst.Name,
		Version:       c.def.Version,
		Size:          c.def.Size,
		StorageGB:     c.def.StorageGB,
		Region:        c.def.Region,
		HA:            c.def.HA,
		AdminUser:     adminUser,
		AdminPassword: password,
	}, &res)
	if err != nil {
		return err
	}

	return inst.State.EncodeProvider(clusterState{
		ID:               res.ID,
		Host:             res.Host,
		Port:             res.Port,
		PendingOperation: res.OperationID,
	})
}

// Start blocks on the pending provisioning or resize operation, if
// any. Adopted clusters have none and start immediately.
func (c *Cluster) Start(ctx context.Context, inst *entity.Instance) error {
	var state clusterState
	bound, err := inst.State.DecodeProvider(&state)
	if err != nil {
		return err
	}
	if !bound || state.PendingOperation == "" {
		return nil
	}

	if err := entity.AwaitOperation(ctx, c.client.PollOperation, state.PendingOperation, readinessPolicy); err != nil {
		return err
	}
	state.PendingOperation = ""
	return inst.State.EncodeProvider(state)
}

// CheckReadiness reports whether the cluster serves connections.
func (c *Cluster) CheckReadiness(ctx context.Context, inst *entity.Instance) (bool, error) {
	state, err := c.boundState(inst)
	if err != nil {
		return false, err
	}

	var res clusterResource
	if err := c.client.Get(ctx, "/v1/postgres/clusters/"+state.ID, &res); err != nil {
		return false, err
	}
	switch res.Status {
	case statusOnline:
		return true, nil
	case statusFailed:
		return false, entity.NewTerminal("cluster entered failed state", nil).
			WithCode(entity.CodeProviderFailed).WithEntity(inst.Ref())
	default:
		return false, nil
	}
}

// Update resizes the cluster and waits for the resize to finish.
func (c *Cluster) Update(ctx context.Context, inst *entity.Instance) error {
	state, err := c.boundState(inst)
	if err != nil {
		return err
	}

	var res clusterResource
	err = c.client.Patch(ctx, "/v1/postgres/clusters/"+state.ID, resizeClusterRequest{
		Size:      c.def.Size,
		StorageGB: c.def.StorageGB,
		HA:        c.def.HA,
	}, &res)
	if err != nil {
		return err
	}

	if res.OperationID != "" {
		if err := entity.AwaitOperation(ctx, c.client.PollOperation, res.OperationID, readinessPolicy); err != nil {
			return err
		}
	}

	state.Host = res.Host
	state.Port = res.Port
	state.PendingOperation = ""
	return inst.State.EncodeProvider(state)
}

// Delete destroys the cluster. A cluster that never bound is treated
// as already gone.
func (c *Cluster) Delete(ctx context.Context, inst *entity.Instance) error {
	var state clusterState
	bound, err := inst.State.DecodeProvider(&state)
	if err != nil {
		return err
	}
	if !bound || state.ID == "" {
		return nil
	}
	return c.client.Delete(ctx, "/v1/postgres/clusters/"+state.ID)
}

// setSuspended drives the suspend and resume actions.
func (c *Cluster) setSuspended(ctx context.Context, inst *entity.Instance, suspend bool) (any, error) {
	state, err := c.boundState(inst)
	if err != nil {
		return nil, err
	}

	verb := "resume"
	if suspend {
		verb = "suspend"
	}
	var res clusterResource
	if err := c.client.Post(ctx, "/v1/postgres/clusters/"+state.ID+"/"+verb, nil, &res); err != nil {
		return nil, err
	}
	if res.OperationID != "" {
		if err := entity.AwaitOperation(ctx, c.client.PollOperation, res.OperationID, readinessPolicy); err != nil {
			return nil, err
		}
	}
	return map[string]any{"id": state.ID, "status": res.Status}, nil
}

// rotatePassword generates fresh admin credentials, pushes them to the
// platform and replaces the stored secret.
func (c *Cluster) rotatePassword(ctx context.Context, inst *entity.Instance) (any, error) {
	state, err := c.boundState(inst)
	if err != nil {
		return nil, err
	}

	password, err := generatePassword()
	if err != nil {
		return nil, err
	}
	err = c.client.Put(ctx, "/v1/postgres/clusters/"+state.ID+"/credentials", credentialsRequest{
		Username: adminUser,
		Password: password,
	}, nil)
	if err != nil {
		return nil, err
	}

	secret := inst.SecretName("admin-password")
	if err := inst.Secrets.Set(ctx, secret, password); err != nil {
		return nil, fmt.Errorf("password rotated but storing it failed: %w", err)
	}
	return map[string]any{"id": state.ID, "secret": secret}, nil
}

// boundState returns the provider state, failing when the instance
// holds no cluster.
func (c *Cluster) boundState(inst *entity.Instance) (clusterState, error) {
	var state clusterState
	bound, err := inst.State.DecodeProvider(&state)
	if err != nil {
		return state, err
	}
	if !bound || state.ID == "" {
		return state, entity.NewInvalid("no cluster bound to this instance", nil).
			WithEntity(inst.Ref()).WithOp("state")
	}
	return state, nil
}

// generatePassword returns a 32-character random password.
func generatePassword() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
