// Package checkpoint persists supervisor state per session. The supervisor
// serializes access per thread id; checkpointers only need to be safe for
// concurrent access across different thread ids.
package checkpoint

import (
	"context"

	"github.com/deepyad/helpdesk/internal/models"
)

// Checkpointer is the keyed store of supervisor state. Get returns (nil, nil)
// when no state exists for the thread id.
type Checkpointer interface {
	Get(ctx context.Context, threadID string) (*models.SupervisorState, error)
	Put(ctx context.Context, threadID string, state *models.SupervisorState) error
	Delete(ctx context.Context, threadID string) error
}
