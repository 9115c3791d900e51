package runner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmoor/moor/pkg/entity"
)

func TestParseDefinition(t *testing.T) {
	t.Parallel()

	doc := []byte(`
namespace: team-a
name: db1
type: postgres.cluster
labels:
  owner: data-eng
meta:
  version: 1.4.0
  versionHash: 0c7d9f
config:
  size: small
  replicas: 2
`)
	f, err := ParseDefinition(doc)
	require.NoError(t, err)
	assert.Equal(t, "team-a", f.Namespace)
	assert.Equal(t, "db1", f.Name)
	assert.Equal(t, "postgres.cluster", f.Type)
	assert.Equal(t, "data-eng", f.Labels["owner"])
	require.NotNil(t, f.Meta)
	assert.Equal(t, "1.4.0", f.Meta.Version)
	assert.Equal(t, "0c7d9f", f.Meta.VersionHash)

	def, err := f.definition()
	require.NoError(t, err)
	assert.Equal(t, "1.4.0", def.Meta.Version)
	assert.Equal(t, "data-eng", def.Labels["owner"])
	assert.JSONEq(t, `{"size":"small","replicas":2}`, string(def.Raw))
}

func TestParseDefinition_RejectsIncomplete(t *testing.T) {
	t.Parallel()

	// No type.
	_, err := ParseDefinition([]byte("name: db1\nconfig: {}\n"))
	require.Error(t, err)
	assert.True(t, entity.IsInvalid(err))
	assert.Equal(t, entity.CodeValidation, entity.CodeOf(err))

	// No name.
	_, err = ParseDefinition([]byte("type: postgres.cluster\n"))
	require.Error(t, err)
	assert.True(t, entity.IsInvalid(err))
}

func TestParseDefinition_RejectsBadYAML(t *testing.T) {
	t.Parallel()

	_, err := ParseDefinition([]byte("name: [unterminated"))
	require.Error(t, err)
	assert.True(t, entity.IsInvalid(err))
}

func TestDefinitionFile_EmptyConfigEncodesEmptyObject(t *testing.T) {
	t.Parallel()

	f := &DefinitionFile{Name: "db1", Type: "postgres.cluster"}
	def, err := f.definition()
	require.NoError(t, err)
	assert.Equal(t, "{}", string(def.Raw))
	assert.Equal(t, entity.Meta{}, def.Meta)
}

func TestLoadDefinitionFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "db1.yaml")
	doc := "name: db1\ntype: postgres.cluster\nconfig:\n  size: small\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	f, err := LoadDefinitionFile(path)
	require.NoError(t, err)
	assert.Equal(t, "db1", f.Name)
	assert.Equal(t, "small", f.Config["size"])

	_, err = LoadDefinitionFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
