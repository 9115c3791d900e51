package apiclient

import (
	"context"

	"github.com/openmoor/moor/pkg/entity"
)

// Operation is the platform's view of an asynchronous job. Long-running
// calls (cluster provisioning, resizes) return its ID as a handle.
type Operation struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Platform operation statuses.
const (
	OperationPending   = "pending"
	OperationRunning   = "running"
	OperationSucceeded = "succeeded"
	OperationFailed    = "failed"
)

// GetOperation fetches one operation by ID.
func (c *Client) GetOperation(ctx context.Context, id string) (*Operation, error) {
	var op Operation
	if err := c.Get(ctx, "/v1/operations/"+id, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// PollOperation reads an operation handle and maps the platform status
// onto the engine's operation vocabulary. It satisfies
// entity.OperationFunc, so providers hand it straight to
// entity.AwaitOperation.
func (c *Client) PollOperation(ctx context.Context, handle string) (entity.OperationStatus, string, error) {
	op, err := c.GetOperation(ctx, handle)
	if err != nil {
		return "", "", err
	}

	switch op.Status {
	case OperationSucceeded:
		return entity.OperationCompleted, "", nil
	case OperationFailed:
		return entity.OperationFailed, op.Error, nil
	default:
		return entity.OperationRunning, "", nil
	}
}
