package entity

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// OperationStatus is the engine's view of a provider-side asynchronous
// operation. Providers map their own status vocabulary onto these three.
type OperationStatus string

const (
	// OperationRunning indicates the operation is still in progress.
	OperationRunning OperationStatus = "running"

	// OperationCompleted indicates the operation finished successfully.
	OperationCompleted OperationStatus = "completed"

	// OperationFailed indicates the operation failed provider-side.
	OperationFailed OperationStatus = "failed"
)

// OperationFunc reads one provider operation handle and maps its status.
// The message accompanies failed operations with the provider's reason.
type OperationFunc func(ctx context.Context, handle string) (OperationStatus, string, error)

// AwaitOperation polls a provider operation handle under the policy
// until it completes.
//
// Read errors never abort the wait: polling continues until the attempt
// budget is exhausted. A failed report stops immediately and surfaces
// the provider's failure message as a KindTerminal error, distinct from
// the KindTimeout error returned when the budget runs out with the
// operation still running.
func AwaitOperation(ctx context.Context, poll OperationFunc, handle string, policy ReadinessPolicy) error {
	p := policy.Normalize()
	log := zerolog.Ctx(ctx)

	if err := sleep(ctx, p.InitialDelay); err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, p.Period); err != nil {
				return err
			}
		}

		status, message, err := poll(ctx, handle)
		if err != nil {
			log.Debug().Err(err).
				Str("operation", handle).
				Int("attempt", attempt).
				Msg("Operation read failed")
			lastErr = err
			continue
		}

		switch status {
		case OperationCompleted:
			return nil
		case OperationFailed:
			if message == "" {
				message = "provider reported no failure reason"
			}
			return NewTerminal(
				fmt.Sprintf("operation %s failed: %s", handle, message), nil,
			).WithCode(CodeProviderFailed)
		case OperationRunning:
			// Still in progress.
		default:
			log.Debug().
				Str("operation", handle).
				Str("status", string(status)).
				Msg("Unrecognized operation status, still waiting")
		}
	}

	return NewTimeout(
		fmt.Sprintf("operation %s still running after %d attempts", handle, p.Attempts),
		lastErr,
	).WithCode(CodeTimeout)
}

// AwaitOperations waits for each handle in turn. The first failure or
// timeout stops the walk and is returned.
func AwaitOperations(ctx context.Context, poll OperationFunc, handles []string, policy ReadinessPolicy) error {
	for _, handle := range handles {
		if err := AwaitOperation(ctx, poll, handle, policy); err != nil {
			return err
		}
	}
	return nil
}
