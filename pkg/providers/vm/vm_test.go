package vm

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmoor/moor/pkg/entity"
	"github.com/openmoor/moor/pkg/secrets"
)

func TestMain(m *testing.M) {
	// Collapse the wait budget so action waits finish instantly.
	readinessPolicy = entity.ReadinessPolicy{
		InitialDelay: -1,
		Period:       time.Millisecond,
		Attempts:     10,
	}
	os.Exit(m.Run())
}

const (
	fakeServerID = int64(4242)
	fakeKeyID    = int64(77)
)

// fakeCompute is a stateful API fake. Function fields override the
// default behavior for error injection.
type fakeCompute struct {
	mu sync.Mutex

	server *hcloud.Server
	key    *hcloud.SSHKey

	getByIDFn   func(id int64) (*hcloud.Server, error)
	createFn    func(opts CreateOpts) (*hcloud.Server, []int64, error)
	deleteFn    func(id int64) error
	getActionFn func(id int64) (*hcloud.Action, error)
	powerFn     func(verb string, id int64) (*hcloud.Action, error)

	createCalls int
	deleteCalls int
	keyUploads  int
	keyDeletes  int
	actionReads int
	powered     []string
	lastCreate  CreateOpts
	lastLabels  map[string]string
	uploadedKey string
}

func (f *fakeCompute) GetServer(_ context.Context, name string) (*hcloud.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.server != nil && f.server.Name == name {
		return f.server, nil
	}
	return nil, nil
}

func (f *fakeCompute) GetServerByID(_ context.Context, id int64) (*hcloud.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getByIDFn != nil {
		return f.getByIDFn(id)
	}
	if f.server != nil && f.server.ID == id {
		return f.server, nil
	}
	return nil, nil
}

// CreateServer stores a running server with a public address, but the
// returned copy has no address yet. Reads observe the full server.
func (f *fakeCompute) CreateServer(_ context.Context, opts CreateOpts) (*hcloud.Server, []int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.lastCreate = opts
	if f.createFn != nil {
		return f.createFn(opts)
	}

	f.server = &hcloud.Server{
		ID:         fakeServerID,
		Name:       opts.Name,
		Status:     hcloud.ServerStatusRunning,
		ServerType: &hcloud.ServerType{Name: opts.ServerType},
		Image:      &hcloud.Image{Name: opts.Image},
		Datacenter: &hcloud.Datacenter{Location: &hcloud.Location{Name: opts.Location}},
		Labels:     opts.Labels,
	}
	f.server.PublicNet.IPv4.IP = net.ParseIP("192.0.2.10")

	created := *f.server
	created.PublicNet = hcloud.ServerPublicNet{}
	return &created, []int64{9001}, nil
}

func (f *fakeCompute) DeleteServer(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.deleteFn != nil {
		return f.deleteFn(id)
	}
	f.server = nil
	return nil
}

func (f *fakeCompute) GetSSHKey(_ context.Context, name string) (*hcloud.SSHKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.key != nil && f.key.Name == name {
		return f.key, nil
	}
	return nil, nil
}

func (f *fakeCompute) CreateSSHKey(_ context.Context, name, publicKey string, labels map[string]string) (*hcloud.SSHKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyUploads++
	f.uploadedKey = publicKey
	f.key = &hcloud.SSHKey{ID: fakeKeyID, Name: name, PublicKey: publicKey, Labels: labels}
	return f.key, nil
}

func (f *fakeCompute) DeleteSSHKey(_ context.Context, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyDeletes++
	f.key = nil
	return nil
}

func (f *fakeCompute) GetAction(_ context.Context, id int64) (*hcloud.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actionReads++
	if f.getActionFn != nil {
		return f.getActionFn(id)
	}
	return &hcloud.Action{ID: id, Status: hcloud.ActionStatusSuccess}, nil
}

func (f *fakeCompute) PowerOn(_ context.Context, id int64) (*hcloud.Action, error) {
	return f.power("poweron", id)
}

func (f *fakeCompute) PowerOff(_ context.Context, id int64) (*hcloud.Action, error) {
	return f.power("poweroff", id)
}

func (f *fakeCompute) Reboot(_ context.Context, id int64) (*hcloud.Action, error) {
	return f.power("reboot", id)
}

func (f *fakeCompute) power(verb string, id int64) (*hcloud.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powered = append(f.powered, verb)
	if f.powerFn != nil {
		return f.powerFn(verb, id)
	}
	if f.server != nil {
		switch verb {
		case "poweron":
			f.server.Status = hcloud.ServerStatusRunning
		case "poweroff":
			f.server.Status = hcloud.ServerStatusOff
		}
	}
	return &hcloud.Action{ID: 8000 + int64(len(f.powered)), Status: hcloud.ActionStatusSuccess}, nil
}

func (f *fakeCompute) UpdateServer(_ context.Context, _ int64, labels map[string]string) (*hcloud.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLabels = labels
	if f.server != nil {
		f.server.Labels = labels
	}
	return f.server, nil
}

type harness struct {
	fake       *fakeCompute
	controller *entity.Controller
	store      *secrets.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	fake := &fakeCompute{}
	registry := entity.NewRegistry(zerolog.Nop())
	require.NoError(t, registry.Register(Descriptor(fake)))

	return &harness{
		fake:       fake,
		controller: entity.NewController(registry, zerolog.Nop(), nil),
		store:      secrets.NewMemory(),
	}
}

func (h *harness) instance(t *testing.T, def map[string]any) *entity.Instance {
	t.Helper()
	raw, err := json.Marshal(def)
	require.NoError(t, err)
	return &entity.Instance{
		Namespace: "team-a",
		Name:      "worker-1",
		Type:      TypeName,
		Definition: entity.Definition{
			Raw:  raw,
			Meta: entity.Meta{Version: artifactVersion, VersionHash: "sha-1"},
		},
		Secrets: h.store,
	}
}

func goodDefinition() map[string]any {
	return map[string]any{
		"server_type": "cx22",
		"image":       "debian-12",
		"location":    "fsn1",
		"labels":      map[string]string{"env": "dev"},
	}
}

func TestCreateBootsServer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	inst := h.instance(t, goodDefinition())

	require.NoError(t, h.controller.Create(context.Background(), inst))

	assert.Equal(t, entity.StatusReady, inst.Status)
	assert.False(t, inst.State.Existing)
	assert.Equal(t, 1, h.fake.createCalls)
	assert.Equal(t, 1, h.fake.keyUploads)
	assert.Equal(t, fakeKeyID, h.fake.lastCreate.SSHKeyID)
	assert.True(t, strings.HasPrefix(h.fake.uploadedKey, "ssh-ed25519 "),
		"uploaded key %q is not an ed25519 authorized_keys line", h.fake.uploadedKey)
	assert.Positive(t, h.fake.actionReads)

	privateKey, err := h.store.Get(context.Background(), "team-a/worker-1/ssh-key")
	require.NoError(t, err)
	assert.Contains(t, privateKey, "OPENSSH PRIVATE KEY")

	var state serverState
	bound, err := inst.State.DecodeProvider(&state)
	require.NoError(t, err)
	require.True(t, bound)
	assert.Equal(t, fakeServerID, state.ID)
	assert.Equal(t, fakeKeyID, state.SSHKeyID)
	assert.Empty(t, state.PendingActions, "create-time actions must be cleared once awaited")
	assert.Equal(t, "192.0.2.10", state.PublicIP, "the address is refreshed after boot")
}

func TestCreateRejectsBadDefinition(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	inst := h.instance(t, map[string]any{"server_type": "cx22", "image": "debian-12"})

	err := h.controller.Create(context.Background(), inst)
	require.Error(t, err)
	assert.True(t, entity.IsInvalid(err))
	assert.Zero(t, h.fake.createCalls)
	assert.Zero(t, h.fake.keyUploads)
}

func TestCreateReusesUploadedKey(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fake.key = &hcloud.SSHKey{ID: 55, Name: "team-a-worker-1"}
	inst := h.instance(t, goodDefinition())

	require.NoError(t, h.controller.Create(context.Background(), inst))

	assert.Zero(t, h.fake.keyUploads)
	var state serverState
	_, err := inst.State.DecodeProvider(&state)
	require.NoError(t, err)
	assert.Equal(t, int64(55), state.SSHKeyID)

	_, err = h.store.Get(context.Background(), "team-a/worker-1/ssh-key")
	assert.True(t, entity.IsNotFound(err), "reusing an uploaded key must not overwrite the secret")
}

func TestCreateAdoptsExistingServer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fake.server = &hcloud.Server{ID: 606, Name: "worker-1", Status: hcloud.ServerStatusRunning}
	inst := h.instance(t, goodDefinition())

	require.NoError(t, h.controller.Create(context.Background(), inst))

	assert.True(t, inst.State.Existing)
	assert.Zero(t, h.fake.createCalls)
	assert.Zero(t, h.fake.keyUploads, "adopted servers keep their own keys")

	var state serverState
	_, err := inst.State.DecodeProvider(&state)
	require.NoError(t, err)
	assert.Equal(t, int64(606), state.ID)
	assert.Zero(t, state.SSHKeyID)
}

func TestCreateConflictRetriesAdoption(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fake.createFn = func(opts CreateOpts) (*hcloud.Server, []int64, error) {
		// The name was taken between the probe and the create.
		h.fake.server = &hcloud.Server{ID: 707, Name: opts.Name, Status: hcloud.ServerStatusRunning}
		return nil, nil, hcloud.Error{Code: hcloud.ErrorCodeUniquenessError, Message: "server name already used"}
	}
	inst := h.instance(t, goodDefinition())

	require.NoError(t, h.controller.Create(context.Background(), inst))

	assert.True(t, inst.State.Existing)
	assert.Equal(t, 1, h.fake.createCalls)
	var state serverState
	_, err := inst.State.DecodeProvider(&state)
	require.NoError(t, err)
	assert.Equal(t, int64(707), state.ID)
}

func TestCreateFailedActionIsTerminal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fake.getActionFn = func(id int64) (*hcloud.Action, error) {
		return &hcloud.Action{
			ID:           id,
			Status:       hcloud.ActionStatusError,
			ErrorMessage: "no capacity in fsn1",
		}, nil
	}
	inst := h.instance(t, goodDefinition())

	err := h.controller.Create(context.Background(), inst)
	require.Error(t, err)
	assert.True(t, entity.IsTerminal(err))
	assert.Equal(t, entity.CodeProviderFailed, entity.CodeOf(err))
	assert.Contains(t, err.Error(), "no capacity in fsn1")
	assert.Equal(t, entity.StatusFailed, inst.Status)
}

func TestReadinessFollowsServerStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	inst := h.instance(t, goodDefinition())
	require.NoError(t, h.controller.Create(context.Background(), inst))

	h.fake.mu.Lock()
	h.fake.server.Status = hcloud.ServerStatusStarting
	h.fake.mu.Unlock()
	ready, err := h.controller.CheckReadiness(context.Background(), inst)
	require.NoError(t, err)
	assert.False(t, ready)

	h.fake.mu.Lock()
	h.fake.server.Status = hcloud.ServerStatusRunning
	h.fake.mu.Unlock()
	ready, err = h.controller.CheckReadiness(context.Background(), inst)
	require.NoError(t, err)
	assert.True(t, ready)

	h.fake.mu.Lock()
	h.fake.getByIDFn = func(int64) (*hcloud.Server, error) { return nil, nil }
	h.fake.mu.Unlock()
	_, err = h.controller.CheckReadiness(context.Background(), inst)
	require.Error(t, err)
	assert.True(t, entity.IsTerminal(err), "a vanished server is not a retryable condition")
}

func TestStopAndStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	inst := h.instance(t, goodDefinition())
	require.NoError(t, h.controller.Create(context.Background(), inst))

	require.NoError(t, h.controller.Stop(context.Background(), inst))
	assert.Contains(t, h.fake.powered, "poweroff")
	assert.Equal(t, hcloud.ServerStatusOff, h.fake.server.Status)

	// Stopping a stopped server is a no-op.
	before := len(h.fake.powered)
	require.NoError(t, h.controller.Stop(context.Background(), inst))
	assert.Len(t, h.fake.powered, before)

	require.NoError(t, h.controller.Start(context.Background(), inst))
	assert.Contains(t, h.fake.powered, "poweron")
	assert.Equal(t, hcloud.ServerStatusRunning, h.fake.server.Status)

	// Starting a running server is a no-op too.
	before = len(h.fake.powered)
	require.NoError(t, h.controller.Start(context.Background(), inst))
	assert.Len(t, h.fake.powered, before)
}

func TestStartSurfacesPowerFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	inst := h.instance(t, goodDefinition())
	require.NoError(t, h.controller.Create(context.Background(), inst))
	require.NoError(t, h.controller.Stop(context.Background(), inst))

	h.fake.powerFn = func(string, int64) (*hcloud.Action, error) {
		return nil, hcloud.Error{Code: hcloud.ErrorCodeLocked, Message: "server is locked"}
	}
	err := h.controller.Start(context.Background(), inst)
	require.Error(t, err)
	assert.True(t, entity.IsTransient(err), "a locked server should be retried later")
}

func TestUpdateAppliesLabels(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	inst := h.instance(t, goodDefinition())
	require.NoError(t, h.controller.Create(context.Background(), inst))

	def := goodDefinition()
	def["labels"] = map[string]string{"env": "prod", "team": "a"}
	raw, err := json.Marshal(def)
	require.NoError(t, err)
	inst.Definition.Raw = raw

	require.NoError(t, h.controller.Update(context.Background(), inst))
	assert.Equal(t, map[string]string{"env": "prod", "team": "a"}, h.fake.lastLabels)
}

func TestUpdateRejectsShapeChange(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	inst := h.instance(t, goodDefinition())
	require.NoError(t, h.controller.Create(context.Background(), inst))

	def := goodDefinition()
	def["server_type"] = "cx32"
	raw, err := json.Marshal(def)
	require.NoError(t, err)
	inst.Definition.Raw = raw

	err = h.controller.Update(context.Background(), inst)
	require.Error(t, err)
	assert.True(t, entity.IsInvalid(err))
	assert.Equal(t, entity.CodeValidation, entity.CodeOf(err))
	assert.Contains(t, err.Error(), "server_type is immutable")
	assert.Empty(t, h.fake.lastLabels, "a rejected update must not touch the server")
}

func TestDeleteRemovesServerAndKey(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	inst := h.instance(t, goodDefinition())
	require.NoError(t, h.controller.Create(context.Background(), inst))

	require.NoError(t, h.controller.Delete(context.Background(), inst))

	assert.Equal(t, entity.StatusDeleted, inst.Status)
	assert.Equal(t, 1, h.fake.deleteCalls)
	assert.Equal(t, 1, h.fake.keyDeletes)
	_, err := h.store.Get(context.Background(), "team-a/worker-1/ssh-key")
	assert.True(t, entity.IsNotFound(err), "the private key must be removed with the server")

	var state serverState
	bound, err := inst.State.DecodeProvider(&state)
	require.NoError(t, err)
	assert.False(t, bound)
}

func TestDeleteAdoptedServerKeepsIt(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fake.server = &hcloud.Server{ID: 606, Name: "worker-1", Status: hcloud.ServerStatusRunning}
	inst := h.instance(t, goodDefinition())
	require.NoError(t, h.controller.Create(context.Background(), inst))
	require.True(t, inst.State.Existing)

	require.NoError(t, h.controller.Delete(context.Background(), inst))

	assert.Equal(t, entity.StatusDeleted, inst.Status)
	assert.Zero(t, h.fake.deleteCalls, "adopted servers outlive the instance")
	assert.Zero(t, h.fake.keyDeletes)
	assert.NotNil(t, h.fake.server)
}

func TestDeleteToleratesMissingServer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	inst := h.instance(t, goodDefinition())
	require.NoError(t, h.controller.Create(context.Background(), inst))

	h.fake.deleteFn = func(int64) error {
		return hcloud.Error{Code: hcloud.ErrorCodeNotFound, Message: "server not found"}
	}
	require.NoError(t, h.controller.Delete(context.Background(), inst))

	assert.Equal(t, entity.StatusDeleted, inst.Status)
	assert.Equal(t, 1, h.fake.keyDeletes, "key cleanup still runs when the server is already gone")
}

func TestPowerActions(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	inst := h.instance(t, goodDefinition())
	require.NoError(t, h.controller.Create(context.Background(), inst))

	result, err := h.controller.Invoke(context.Background(), inst, "reboot", nil)
	require.NoError(t, err)
	out, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, fakeServerID, out["server"])
	assert.Contains(t, h.fake.powered, "reboot")

	_, err = h.controller.Invoke(context.Background(), inst, "poweroff", nil)
	require.NoError(t, err)
	assert.Equal(t, hcloud.ServerStatusOff, h.fake.server.Status)

	_, err = h.controller.Invoke(context.Background(), inst, "poweron", nil)
	require.NoError(t, err)
	assert.Equal(t, hcloud.ServerStatusRunning, h.fake.server.Status)
}

func TestKeypairShapes(t *testing.T) {
	t.Parallel()

	publicKey, privateKey, err := newKeypair()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(publicKey, "ssh-ed25519 "))
	assert.True(t, strings.HasSuffix(publicKey, "\n"))
	assert.Contains(t, privateKey, "BEGIN OPENSSH PRIVATE KEY")

	second, _, err := newKeypair()
	require.NoError(t, err)
	assert.NotEqual(t, publicKey, second)
}

func TestClassifyKinds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		code  hcloud.ErrorCode
		check func(error) bool
		want  string
	}{
		{"not found", hcloud.ErrorCodeNotFound, entity.IsNotFound, entity.CodeNotFound},
		{"uniqueness", hcloud.ErrorCodeUniquenessError, entity.IsConflict, entity.CodeAlreadyExists},
		{"rate limit", hcloud.ErrorCodeRateLimitExceeded, entity.IsThrottled, entity.CodeRateLimited},
		{"unauthorized", hcloud.ErrorCodeUnauthorized, entity.IsUnauthorized, ""},
		{"forbidden", hcloud.ErrorCodeForbidden, entity.IsUnauthorized, ""},
		{"invalid input", hcloud.ErrorCodeInvalidInput, entity.IsInvalid, entity.CodeValidation},
		{"locked", hcloud.ErrorCodeLocked, entity.IsTransient, ""},
		{"conflict during change", hcloud.ErrorCodeConflict, entity.IsTransient, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := classify(hcloud.Error{Code: tc.code, Message: "boom"}, "test")
			assert.True(t, tc.check(err), "wrong kind for code %s", tc.code)
			if tc.want != "" {
				assert.Equal(t, tc.want, entity.CodeOf(err))
			}
		})
	}

	err := classify(context.DeadlineExceeded, "test")
	assert.True(t, entity.IsTransient(err), "unclassified errors default to transient")
}
