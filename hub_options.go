package processhub

import (
	"fmt"

	"github.com/peaceful-james/process-hub/internal/gossip"
	"github.com/peaceful-james/process-hub/internal/migrator"
	"github.com/peaceful-james/process-hub/internal/models"
	"github.com/peaceful-james/process-hub/internal/ring"
)

// Config assembles the per-hub strategies. Zero values fall back to the
// defaults named in the field comments, so a bare Config with just a HubID is
// a working single-replica hub.
type Config struct {
	Hub models.HubID `envconfig:"HUB_ID"`

	// ReplicationFactor >= 1; default 1
	ReplicationFactor int `envconfig:"REPLICATION_FACTOR"`

	// Distribution defaults to the consistent-hash ring
	Distribution ring.Kind                         `envconfig:"DISTRIBUTION_STRATEGY"`
	GuidedTable  map[models.ChildID][]models.NodeID `envconfig:"-"`

	Sync      gossip.Config   `envconfig:"-"`
	Migration migrator.Config `envconfig:"-"`

	ExecutorConcurrency uint16 `envconfig:"EXECUTOR_CONCURRENCY"`
	ExecutorBuffer      uint32 `envconfig:"EXECUTOR_BUFFER"`
	HookBuffer          int    `envconfig:"HOOK_BUFFER"`
}

func (c Config) withDefaults() (Config, error) {
	if c.Hub == "" {
		return c, fmt.Errorf("hub id is required")
	}
	if c.ReplicationFactor < 1 {
		c.ReplicationFactor = 1
	}
	if c.ExecutorConcurrency == 0 {
		c.ExecutorConcurrency = 8
	}
	if c.ExecutorBuffer == 0 {
		c.ExecutorBuffer = 1024
	}
	if c.HookBuffer <= 0 {
		c.HookBuffer = 1024
	}
	c.Sync.Hub = c.Hub
	c.Migration.Hub = c.Hub
	return c, nil
}

// Public aliases of the wire-level types so host applications only import the
// root package.
type (
	HubID       = models.HubID
	NodeID      = models.NodeID
	ChildID     = models.ChildID
	ChildSpec   = models.ChildSpec
	Location    = models.Location
	StartResult = models.StartResult
	HookName    = models.HookName
	HookEvent   = models.HookEvent
)

const (
	HookChildStarted     = models.HookChildStarted
	HookChildStopped     = models.HookChildStopped
	HookChildrenMigrated = models.HookChildrenMigrated
	HookRedundancySignal = models.HookRedundancySignal
	HookClusterJoin      = models.HookClusterJoin
	HookClusterLeave     = models.HookClusterLeave
)
