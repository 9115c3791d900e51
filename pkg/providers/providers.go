// Package providers wires the built-in entity types into a registry.
package providers

import (
	"fmt"

	"github.com/openmoor/moor/pkg/apiclient"
	"github.com/openmoor/moor/pkg/entity"
	"github.com/openmoor/moor/pkg/providers/accesspolicy"
	"github.com/openmoor/moor/pkg/providers/bucket"
	"github.com/openmoor/moor/pkg/providers/mailidentity"
	"github.com/openmoor/moor/pkg/providers/postgres"
	"github.com/openmoor/moor/pkg/providers/vm"
)

// Deps carries the backend clients the providers run against. A nil
// client still registers its types; their hooks then report the missing
// configuration when an instance is actually processed.
type Deps struct {
	// Platform serves the postgres, access policy, and mail identity
	// types.
	Platform *apiclient.Client

	// S3 serves the object storage type.
	S3 bucket.API

	// Hcloud serves the compute type.
	Hcloud vm.API
}

// Register adds every built-in entity type to the registry.
func Register(registry *entity.Registry, deps Deps) error {
	descriptors := []*entity.Descriptor{
		postgres.Descriptor(deps.Platform),
		accesspolicy.Descriptor(deps.Platform),
		mailidentity.Descriptor(deps.Platform),
		bucket.Descriptor(deps.S3),
		vm.Descriptor(deps.Hcloud),
	}
	for _, desc := range descriptors {
		if err := registry.Register(desc); err != nil {
			return fmt.Errorf("register %s: %w", desc.Type, err)
		}
	}
	return nil
}
