package vm

import (
	"context"
	"fmt"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
)

// API is the slice of the Hetzner Cloud surface the provider needs.
// Get methods return nil without error when the resource is absent.
type API interface {
	GetServer(ctx context.Context, name string) (*hcloud.Server, error)
	GetServerByID(ctx context.Context, id int64) (*hcloud.Server, error)
	CreateServer(ctx context.Context, opts CreateOpts) (*hcloud.Server, []int64, error)
	DeleteServer(ctx context.Context, id int64) error
	GetSSHKey(ctx context.Context, name string) (*hcloud.SSHKey, error)
	CreateSSHKey(ctx context.Context, name, publicKey string, labels map[string]string) (*hcloud.SSHKey, error)
	DeleteSSHKey(ctx context.Context, id int64) error
	GetAction(ctx context.Context, id int64) (*hcloud.Action, error)
	PowerOn(ctx context.Context, id int64) (*hcloud.Action, error)
	PowerOff(ctx context.Context, id int64) (*hcloud.Action, error)
	Reboot(ctx context.Context, id int64) (*hcloud.Action, error)
	UpdateServer(ctx context.Context, id int64, labels map[string]string) (*hcloud.Server, error)
}

// CreateOpts carries a server request with names still unresolved. The
// client resolves server type, image, and location against the API
// before submitting.
type CreateOpts struct {
	Name       string
	ServerType string
	Image      string
	Location   string
	SSHKeyID   int64
	Labels     map[string]string
	UserData   string
}

// Client implements API against the real Hetzner Cloud API.
type Client struct {
	hc *hcloud.Client
}

// NewClient builds a token-authenticated client.
func NewClient(token string) *Client {
	return &Client{hc: hcloud.NewClient(hcloud.WithToken(token))}
}

func (c *Client) GetServer(ctx context.Context, name string) (*hcloud.Server, error) {
	server, _, err := c.hc.Server.GetByName(ctx, name)
	return server, err
}

func (c *Client) GetServerByID(ctx context.Context, id int64) (*hcloud.Server, error) {
	server, _, err := c.hc.Server.GetByID(ctx, id)
	return server, err
}

// CreateServer resolves the named server type, image, and location,
// then submits the create. The returned action IDs cover the create
// action and any follow-up actions the API schedules with it.
func (c *Client) CreateServer(ctx context.Context, opts CreateOpts) (*hcloud.Server, []int64, error) {
	serverType, _, err := c.hc.ServerType.Get(ctx, opts.ServerType)
	if err != nil {
		return nil, nil, err
	}
	if serverType == nil {
		return nil, nil, fmt.Errorf("server type not found: %s", opts.ServerType)
	}

	// Images are architecture-specific, so the lookup needs the server
	// type resolved first.
	image, _, err := c.hc.Image.GetByNameAndArchitecture(ctx, opts.Image, serverType.Architecture)
	if err != nil {
		return nil, nil, err
	}
	if image == nil {
		return nil, nil, fmt.Errorf("image not found for %s: %s", serverType.Architecture, opts.Image)
	}

	location, _, err := c.hc.Location.Get(ctx, opts.Location)
	if err != nil {
		return nil, nil, err
	}
	if location == nil {
		return nil, nil, fmt.Errorf("location not found: %s", opts.Location)
	}

	result, _, err := c.hc.Server.Create(ctx, hcloud.ServerCreateOpts{
		Name:       opts.Name,
		ServerType: serverType,
		Image:      image,
		Location:   location,
		SSHKeys:    []*hcloud.SSHKey{{ID: opts.SSHKeyID}},
		Labels:     opts.Labels,
		UserData:   opts.UserData,
	})
	if err != nil {
		return nil, nil, err
	}

	actions := make([]int64, 0, 1+len(result.NextActions))
	if result.Action != nil {
		actions = append(actions, result.Action.ID)
	}
	for _, action := range result.NextActions {
		actions = append(actions, action.ID)
	}
	return result.Server, actions, nil
}

func (c *Client) DeleteServer(ctx context.Context, id int64) error {
	_, _, err := c.hc.Server.DeleteWithResult(ctx, &hcloud.Server{ID: id})
	return err
}

func (c *Client) GetSSHKey(ctx context.Context, name string) (*hcloud.SSHKey, error) {
	key, _, err := c.hc.SSHKey.GetByName(ctx, name)
	return key, err
}

func (c *Client) CreateSSHKey(ctx context.Context, name, publicKey string, labels map[string]string) (*hcloud.SSHKey, error) {
	key, _, err := c.hc.SSHKey.Create(ctx, hcloud.SSHKeyCreateOpts{
		Name:      name,
		PublicKey: publicKey,
		Labels:    labels,
	})
	return key, err
}

func (c *Client) DeleteSSHKey(ctx context.Context, id int64) error {
	_, err := c.hc.SSHKey.Delete(ctx, &hcloud.SSHKey{ID: id})
	return err
}

func (c *Client) GetAction(ctx context.Context, id int64) (*hcloud.Action, error) {
	action, _, err := c.hc.Action.GetByID(ctx, id)
	return action, err
}

func (c *Client) PowerOn(ctx context.Context, id int64) (*hcloud.Action, error) {
	action, _, err := c.hc.Server.Poweron(ctx, &hcloud.Server{ID: id})
	return action, err
}

func (c *Client) PowerOff(ctx context.Context, id int64) (*hcloud.Action, error) {
	action, _, err := c.hc.Server.Poweroff(ctx, &hcloud.Server{ID: id})
	return action, err
}

func (c *Client) Reboot(ctx context.Context, id int64) (*hcloud.Action, error) {
	action, _, err := c.hc.Server.Reboot(ctx, &hcloud.Server{ID: id})
	return action, err
}

func (c *Client) UpdateServer(ctx context.Context, id int64, labels map[string]string) (*hcloud.Server, error) {
	server, _, err := c.hc.Server.Update(ctx, &hcloud.Server{ID: id}, hcloud.ServerUpdateOpts{Labels: labels})
	return server, err
}
