package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotInCluster    = errors.New("node is not a cluster member")
	ErrChildUnknown    = errors.New("child is not registered")
	ErrAlreadyStarted  = errors.New("child already started")
	ErrSyncInvalidated = errors.New("sync ref invalidated")
	ErrHandoverTimeout = errors.New("handover timed out")
	ErrHubClosed       = errors.New("hub is closed")
)

// StartFailedError aborts the migration of a single child; it never poisons
// the rest of the batch.
type StartFailedError struct {
	Child  ChildID
	Reason string
}

func (e *StartFailedError) Error() string {
	return fmt.Sprintf("start of child %s failed: %s", e.Child, e.Reason)
}
