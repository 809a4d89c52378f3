// Package results stores the latest state of every task.
//
// Records move through PENDING, STARTED and RETRY freely; once a record is
// terminal (SUCCESS, FAILURE, REVOKED) later writes are rejected with
// api.ErrTerminalState. Terminal records carry an expiry, after which the
// broker reports them as not found and Evict removes them.
package results

import (
	"context"
	"time"

	"github.com/petrijr/fluxq/pkg/api"
)

// Store is the result store.
type Store interface {
	// Create records the first state of a new task. It fails with
	// api.ErrDuplicateTaskID while a non-terminal record exists for the id;
	// a terminal record is replaced.
	Create(ctx context.Context, r api.TaskResult) error

	// RecordState overwrites the record unless it is terminal.
	RecordState(ctx context.Context, r api.TaskResult) error

	// GetState returns the stored record or api.ErrNotFound. Expiry is left
	// to the caller, which owns the clock.
	GetState(ctx context.Context, taskID string) (api.TaskResult, error)

	// Delete removes a record regardless of its state.
	Delete(ctx context.Context, taskID string) error

	// Evict removes records that expired at or before now and returns how
	// many were removed.
	Evict(ctx context.Context, now time.Time) (int, error)
}

var terminalStates = []api.State{api.StateSuccess, api.StateFailure, api.StateRevoked}

func terminalStrings() []string {
	out := make([]string, len(terminalStates))
	for i, s := range terminalStates {
		out[i] = string(s)
	}
	return out
}
