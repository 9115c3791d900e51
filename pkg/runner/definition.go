package runner

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openmoor/moor/pkg/entity"
)

var validate = validator.New()

// DefinitionFile is the YAML envelope operators hand to the runner. The
// config block is the provider-specific document and passes through
// untouched; the rest identifies the instance and labels it for policy.
type DefinitionFile struct {
	// Namespace scopes the instance name. Empty falls back to the
	// runner's default namespace.
	Namespace string `yaml:"namespace"`

	// Name is the instance name.
	Name string `yaml:"name" validate:"required"`

	// Type is the registered entity type name.
	Type string `yaml:"type" validate:"required"`

	// Labels are policy-facing annotations.
	Labels map[string]string `yaml:"labels"`

	// Meta pins the artifact version. Absent, the runner fills it from
	// the registry so an artifact bump changes the fingerprint.
	Meta *MetaBlock `yaml:"meta"`

	// Config is the provider desired-state document.
	Config map[string]any `yaml:"config"`
}

// MetaBlock is the optional artifact metadata in a definition file.
type MetaBlock struct {
	Version     string `yaml:"version"`
	VersionHash string `yaml:"versionHash"`
}

// LoadDefinitionFile reads and parses one definition file.
func LoadDefinitionFile(path string) (*DefinitionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// ParseDefinition parses a definition document from YAML.
func ParseDefinition(data []byte) (*DefinitionFile, error) {
	def := &DefinitionFile{}
	if err := yaml.Unmarshal(data, def); err != nil {
		return nil, entity.NewInvalid("definition file does not parse", err).WithCode(entity.CodeValidation)
	}
	if err := validate.Struct(def); err != nil {
		return nil, entity.NewInvalid("definition file is incomplete", err).WithCode(entity.CodeValidation)
	}
	return def, nil
}

// definition shapes the envelope into the engine's definition form. The
// config block is re-encoded as JSON, which every provider decodes.
func (f *DefinitionFile) definition() (entity.Definition, error) {
	cfg := f.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return entity.Definition{}, entity.NewInvalid("definition config does not encode", err).
			WithCode(entity.CodeValidation)
	}

	def := entity.Definition{
		Raw:    raw,
		Labels: f.Labels,
	}
	if f.Meta != nil {
		def.Meta = entity.Meta{
			Version:     f.Meta.Version,
			VersionHash: f.Meta.VersionHash,
		}
	}
	return def, nil
}
