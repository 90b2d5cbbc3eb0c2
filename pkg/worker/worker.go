package worker

import (
	"context"
	"encoding/json"

	"github.com/peaceful-james/process-hub/internal/models"
)

// Worker is the contract a child must satisfy to live under a hub. Receive
// enqueues a message into the worker's mailbox; Run drains it until the
// context is cancelled.
type Worker interface {
	Receive(msg any)
	Run(ctx context.Context)
}

// HandoverStart tells an outgoing replica that its successor is running on
// the new owner. The worker ships its state through Deliver and then calls
// Handled so the migrator can terminate it before the retention window runs
// out.
type HandoverStart struct {
	Child   models.ChildID
	Deliver func(state json.RawMessage) error
	Handled func()
}

// Handover carries the predecessor's state to an incoming replica.
type Handover struct {
	State json.RawMessage
}

// GetState asks a replica for its current state, used during graceful
// shutdown of the hosting node.
type GetState struct {
	Child models.ChildID
	Reply func(state json.RawMessage)
}

// RedundancySignal informs a replica whether it is the designated primary.
// Purely informational; workers may ignore it.
type RedundancySignal struct {
	Mode models.RedundancyMode
}
