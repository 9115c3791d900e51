package providers

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmoor/moor/pkg/entity"
)

func TestRegisterAllTypes(t *testing.T) {
	t.Parallel()

	registry := entity.NewRegistry(zerolog.Nop())
	require.NoError(t, Register(registry, Deps{}))

	assert.Equal(t, []string{
		"compute.vm",
		"iam.accesspolicy",
		"mail.identity",
		"postgres.cluster",
		"storage.bucket",
	}, registry.Types())
}

func TestRegisterTwiceConflicts(t *testing.T) {
	t.Parallel()

	registry := entity.NewRegistry(zerolog.Nop())
	require.NoError(t, Register(registry, Deps{}))

	err := Register(registry, Deps{})
	require.Error(t, err)
	assert.True(t, entity.IsConflict(err))
	assert.Contains(t, err.Error(), "register postgres.cluster")
}

func TestManifestCapabilities(t *testing.T) {
	t.Parallel()

	registry := entity.NewRegistry(zerolog.Nop())
	require.NoError(t, Register(registry, Deps{}))

	capabilities := map[string][]string{}
	actions := map[string][]string{}
	for _, entry := range registry.Manifest() {
		capabilities[entry.Type] = entry.Capabilities
		actions[entry.Type] = entry.Actions
	}

	assert.Equal(t, []string{"adopt", "readiness", "start", "stop"}, capabilities["compute.vm"])
	assert.Equal(t, []string{"adopt", "release"}, capabilities["iam.accesspolicy"])
	assert.Equal(t, []string{"adopt", "readiness"}, capabilities["mail.identity"])
	assert.Equal(t, []string{"adopt", "readiness", "start"}, capabilities["postgres.cluster"])
	assert.Equal(t, []string{"adopt", "liveness"}, capabilities["storage.bucket"])

	assert.Equal(t, []string{"poweroff", "poweron", "reboot"}, actions["compute.vm"])
	assert.Equal(t, []string{"attach", "detach"}, actions["iam.accesspolicy"])
	assert.Equal(t, []string{"resend-verification"}, actions["mail.identity"])
	assert.Equal(t, []string{"resume", "rotate-password", "suspend"}, actions["postgres.cluster"])
	assert.Empty(t, actions["storage.bucket"])
}

func TestManifestPublishesReadinessOnlyWhereProbed(t *testing.T) {
	t.Parallel()

	registry := entity.NewRegistry(zerolog.Nop())
	require.NoError(t, Register(registry, Deps{}))

	for _, entry := range registry.Manifest() {
		switch entry.Type {
		case "compute.vm", "mail.identity", "postgres.cluster":
			assert.NotNil(t, entry.Readiness, "%s probes readiness", entry.Type)
		default:
			assert.Nil(t, entry.Readiness, "%s has no readiness probe", entry.Type)
		}
	}
}

func TestNilClientsFailAtUseNotAtRegistration(t *testing.T) {
	t.Parallel()

	registry := entity.NewRegistry(zerolog.Nop())
	require.NoError(t, Register(registry, Deps{}))
	controller := entity.NewController(registry, zerolog.Nop(), nil)

	inst := &entity.Instance{
		Namespace:  "team-a",
		Name:       "orphan",
		Type:       "storage.bucket",
		Definition: entity.Definition{Raw: []byte(`{}`), Meta: entity.Meta{Version: "0.0.1"}},
	}
	err := controller.Create(context.Background(), inst)
	require.Error(t, err)
	assert.True(t, entity.IsInvalid(err))
	assert.Contains(t, err.Error(), "not configured")
}
