package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/openmoor/moor/pkg/entity"
)

// EnvPrefix is the environment variable prefix the Env store reads.
const EnvPrefix = "MOOR_SECRET_"

// notFound builds the error every backend returns for absent names.
func notFound(name string) error {
	return entity.NewNotFound(fmt.Sprintf("secret not found: %s", name), nil).WithCode(entity.CodeNotFound)
}

// File is a secret store backed by a single JSON file. The file is
// created with mode 0600 and rewritten atomically via a temp file and
// rename, so a crashed writer never leaves a torn document behind.
type File struct {
	path string
	mu   sync.Mutex
}

// NewFile creates a file-backed secret store at the given path. The
// file and its directory are created on first Set.
func NewFile(path string) *File {
	return &File{path: path}
}

// Get returns the named secret value.
func (f *File) Get(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return "", err
	}

	value, ok := values[name]
	if !ok {
		return "", notFound(name)
	}
	return value, nil
}

// Set stores the named secret value.
func (f *File) Set(_ context.Context, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return err
	}

	values[name] = value
	return f.save(values)
}

// Delete removes the named secret.
func (f *File) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return err
	}

	if _, ok := values[name]; !ok {
		return notFound(name)
	}

	delete(values, name)
	return f.save(values)
}

// load reads the secret file. A missing file is an empty store.
func (f *File) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret file: %w", err)
	}

	values := map[string]string{}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to decode secret file: %w", err)
	}
	return values, nil
}

// save rewrites the secret file atomically.
func (f *File) save(values map[string]string) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode secret file: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create secret directory: %w", err)
	}

	// CreateTemp creates the file with mode 0600. The temp file lives in
	// the target directory so the rename stays on one filesystem.
	tmp, err := os.CreateTemp(dir, ".secrets-*")
	if err != nil {
		return fmt.Errorf("failed to create temp secret file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write secret file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close secret file: %w", err)
	}

	if err := os.Rename(tmp.Name(), f.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace secret file: %w", err)
	}

	return nil
}

// Env is a read-only secret store over process environment variables.
// A secret name maps to a variable by uppercasing it and replacing
// every character outside [A-Z0-9] with an underscore, prefixed with
// MOOR_SECRET_: "infra/db1/password" reads MOOR_SECRET_INFRA_DB1_PASSWORD.
type Env struct {
	prefix string
}

// NewEnv creates an environment-backed secret store.
func NewEnv() *Env {
	return &Env{prefix: EnvPrefix}
}

// Get returns the named secret from the environment.
func (e *Env) Get(_ context.Context, name string) (string, error) {
	value, ok := os.LookupEnv(e.key(name))
	if !ok {
		return "", notFound(name)
	}
	return value, nil
}

// Set is rejected: the environment is read-only.
func (e *Env) Set(_ context.Context, _, _ string) error {
	return entity.NewInvalid("environment secret store is read-only", nil)
}

// Delete is rejected: the environment is read-only.
func (e *Env) Delete(_ context.Context, _ string) error {
	return entity.NewInvalid("environment secret store is read-only", nil)
}

// key maps a secret name onto its environment variable name.
func (e *Env) key(name string) string {
	var b strings.Builder
	b.WriteString(e.prefix)
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Memory is an in-memory secret store for tests.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemory creates an empty in-memory secret store.
func NewMemory() *Memory {
	return &Memory{values: map[string]string{}}
}

// Get returns the named secret value.
func (m *Memory) Get(_ context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.values[name]
	if !ok {
		return "", notFound(name)
	}
	return value, nil
}

// Set stores the named secret value.
func (m *Memory) Set(_ context.Context, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.values[name] = value
	return nil
}

// Delete removes the named secret.
func (m *Memory) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.values[name]; !ok {
		return notFound(name)
	}
	delete(m.values, name)
	return nil
}

// Chain layers secret stores: Get consults each store in order and
// returns the first hit, Set and Delete go to the first store. A file
// store chained before an Env store gives file-managed secrets with
// environment fallback.
type Chain struct {
	stores []entity.SecretStore
}

// NewChain creates a layered secret store. The first store is the
// writable primary.
func NewChain(stores ...entity.SecretStore) *Chain {
	return &Chain{stores: stores}
}

// Get returns the named secret from the first store that has it.
// Errors other than not-found stop the walk.
func (c *Chain) Get(ctx context.Context, name string) (string, error) {
	for _, s := range c.stores {
		value, err := s.Get(ctx, name)
		if err == nil {
			return value, nil
		}
		if !entity.IsNotFound(err) {
			return "", err
		}
	}
	return "", notFound(name)
}

// Set stores the named secret in the primary store.
func (c *Chain) Set(ctx context.Context, name, value string) error {
	if len(c.stores) == 0 {
		return entity.NewInvalid("secret chain is empty", nil)
	}
	return c.stores[0].Set(ctx, name, value)
}

// Delete removes the named secret from the primary store.
func (c *Chain) Delete(ctx context.Context, name string) error {
	if len(c.stores) == 0 {
		return entity.NewInvalid("secret chain is empty", nil)
	}
	return c.stores[0].Delete(ctx, name)
}
