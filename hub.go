// Package processhub is a distributed process manager: every participating
// node runs one Hub per logical hub id, and the hubs cooperate to keep each
// registered child running on exactly the nodes the distribution strategy
// assigns to it, surviving joins, crashes and graceful leaves.
package processhub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/peaceful-james/process-hub/internal/coordinator"
	"github.com/peaceful-james/process-hub/internal/gossip"
	"github.com/peaceful-james/process-hub/internal/memberlist"
	"github.com/peaceful-james/process-hub/internal/metrics"
	"github.com/peaceful-james/process-hub/internal/migrator"
	"github.com/peaceful-james/process-hub/internal/models"
	"github.com/peaceful-james/process-hub/internal/notifier"
	"github.com/peaceful-james/process-hub/internal/redundancy"
	"github.com/peaceful-james/process-hub/internal/registry"
	"github.com/peaceful-james/process-hub/internal/ring"
	"github.com/peaceful-james/process-hub/internal/supervisor"
	"github.com/peaceful-james/process-hub/internal/transport"
)

// Factory builds the application worker behind a child spec.
type Factory = supervisor.Factory

// runningHubs guards against two hubs with the same id inside one process:
// they would fight over the same children, so the second construction fails.
var (
	runningHubsMu sync.Mutex
	runningHubs   = map[models.HubID]struct{}{}
)

func claimHubID(hub models.HubID) error {
	runningHubsMu.Lock()
	defer runningHubsMu.Unlock()

	if _, taken := runningHubs[hub]; taken {
		return fmt.Errorf("hub %s is already running in this process", hub)
	}
	runningHubs[hub] = struct{}{}
	return nil
}

func releaseHubID(hub models.HubID) {
	runningHubsMu.Lock()
	defer runningHubsMu.Unlock()

	delete(runningHubs, hub)
}

// Hub is the per-node entry point of one logical hub. All operations are
// node-local calls; cross-node effects ride the cluster transport.
type Hub struct {
	cfg      Config
	cluster  *memberlist.MemberList
	registry *registry.Registry
	sup      *supervisor.Supervisor
	sync     *gossip.Synchronizer
	migrator *migrator.Migrator
	crd      *coordinator.Coordinator
	pool     *coordinator.Executor
	notifier *notifier.ChanNotifier
	strategy ring.Strategy
	rf       int
	events   chan models.MemberShipEvent

	cancel context.CancelFunc
	closed atomic.Bool
}

// New assembles and starts a hub. The memberlist is created immediately so
// the node is observable, but no children run until StartChildren is called
// or peers migrate children in.
func New(
	ctx context.Context,
	cfg Config,
	clusterCfg memberlist.Config,
	factory Factory,
	m metrics.Metrics,
) (*Hub, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if err := claimHubID(cfg.Hub); err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.Noop{}
	}

	runCtx, cancel := context.WithCancel(ctx)
	hub := &Hub{
		cfg:    cfg,
		cancel: cancel,
		rf:     cfg.ReplicationFactor,
	}

	hub.notifier = notifier.New(cfg.HookBuffer)
	go hub.notifier.Run(runCtx)

	self := models.NodeID(clusterCfg.NodeName)
	hub.sup = supervisor.New(runCtx, self, factory)

	red := redundancy.New(self, cfg.ReplicationFactor, hub.sup, hub.notifier)
	hub.registry = registry.New(self, func(cid models.ChildID, _ models.ChildSpec, locations []models.Location) {
		red.HandlePostUpdate(cid, locations)
	})

	hub.strategy, err = ring.New(cfg.Distribution, cfg.GuidedTable)
	if err != nil {
		hub.teardown()
		return nil, err
	}

	// the coordinator is built after the transport, so inbound delivery goes
	// through the hub to pick up the pointer set last
	hub.events = make(chan models.MemberShipEvent, 256)
	hub.cluster, err = memberlist.New(runCtx, clusterCfg, hub.events, hub.handleInbound)
	if err != nil {
		hub.teardown()
		return nil, fmt.Errorf("failed to start cluster membership: %w", err)
	}

	hub.sync = gossip.New(cfg.Sync, hub.cluster, hub.registry, m)
	go hub.sync.Run(runCtx)

	hub.migrator = migrator.New(
		cfg.Migration,
		hub.cluster,
		hub.sup,
		hub.registry,
		hub.strategy,
		cfg.ReplicationFactor,
		hub.sync,
		hub.notifier,
		m,
	)

	hub.pool = coordinator.NewExecutor(cfg.ExecutorConcurrency, cfg.ExecutorBuffer)
	hub.pool.Run()

	hub.crd = coordinator.New(
		runCtx,
		cfg.Hub,
		hub.cluster,
		hub.sup,
		hub.registry,
		hub.sync,
		hub.migrator,
		hub.strategy,
		cfg.ReplicationFactor,
		hub.notifier,
		hub.pool,
		m,
		hub.events,
	)
	go hub.crd.StartHandleMembershipChanges(runCtx)

	log.Info().Msgf("hub %s is up on node %s", cfg.Hub, self)
	return hub, nil
}

// handleInbound routes raw transport payloads once the coordinator exists.
// memberlist can deliver before construction finishes; those messages are
// dropped and repaired by the next sync round.
func (h *Hub) handleInbound(payload []byte) {
	crd := h.crd
	if crd == nil {
		log.Debug().Msg("dropped inbound message before coordinator start")
		return
	}
	crd.HandleMessage(payload)
}

// Join connects to the seed nodes. Call after New on every node but the first.
func (h *Hub) Join(ctx context.Context) error {
	if h.closed.Load() {
		return models.ErrHubClosed
	}
	return h.cluster.Join(ctx)
}

func (h *Hub) Self() models.NodeID {
	return h.cluster.Self()
}

func (h *Hub) Nodes() []models.NodeID {
	return h.cluster.Nodes(true)
}

// On registers a host callback for a lifecycle hook. Callbacks run on the
// notifier goroutine and must not block.
func (h *Hub) On(hook models.HookName, cb func(models.HookEvent)) {
	h.notifier.On(hook, cb)
}

// StartChildren places each child on its owner set and starts it there. The
// batch never fails as a whole: each child carries its own result, and the
// returned error is only for hub-level failures.
func (h *Hub) StartChildren(ctx context.Context, specs []models.ChildSpec) ([]models.StartResult, error) {
	if h.closed.Load() {
		return nil, models.ErrHubClosed
	}

	var (
		self    = h.cluster.Self()
		nodes   = h.cluster.Nodes(true)
		results = make([]models.StartResult, 0, len(specs))
	)
	for _, spec := range specs {
		owners := h.strategy.BelongsTo(spec.ID, nodes, h.rf)
		if len(owners) == 0 {
			results = append(results, models.StartResult{
				Child: spec.ID,
				Err:   "no eligible owner in current membership",
			})
			continue
		}
		results = append(results, h.startOn(ctx, spec, self, owners))
	}
	return results, nil
}

// startOn starts one child on every owner and folds the per-owner outcomes
// into a single result.
func (h *Hub) startOn(ctx context.Context, spec models.ChildSpec, self models.NodeID, owners []models.NodeID) models.StartResult {
	result := models.StartResult{
		Child:          spec.ID,
		AlreadyStarted: true,
	}
	started := make([]models.NodeID, 0, len(owners))
	for _, owner := range owners {
		var (
			one models.StartResult
			err error
		)
		if owner == self {
			one = h.crd.StartLocal(spec)
		} else {
			one, err = h.migrator.RequestStart(ctx, owner, spec)
			if err != nil {
				one = models.StartResult{Child: spec.ID, Err: err.Error()}
			}
		}
		if !one.OK() {
			log.Warn().Msgf("start of %s on %s failed: %s", spec.ID, owner, one.Err)
			if result.Err == "" {
				result.Err = fmt.Sprintf("start on %s failed: %s", owner, one.Err)
			}
			continue
		}
		started = append(started, owner)
		if !one.AlreadyStarted {
			result.AlreadyStarted = false
		}
		if result.PID == "" {
			result.PID = one.PID
		}
	}
	result.Nodes = started
	if len(started) == 0 {
		result.AlreadyStarted = false
	}
	return result
}

// StopChildren terminates every replica of the given children, local and
// remote. Unknown children are skipped silently so retried stops stay
// idempotent.
func (h *Hub) StopChildren(ctx context.Context, cids []models.ChildID) error {
	if h.closed.Load() {
		return models.ErrHubClosed
	}

	self := h.cluster.Self()
	remote := make(map[models.NodeID][]models.ChildID)
	for _, cid := range cids {
		locations := h.registry.ChildLookup(cid)
		if len(locations) == 0 {
			log.Debug().Msgf("stop of unknown child %s skipped", cid)
			continue
		}
		for _, location := range locations {
			if location.Node == self {
				if err := h.crd.StopLocal(cid); err != nil {
					log.Warn().Err(err).Msgf("failed to stop local replica of %s", cid)
				}
				continue
			}
			remote[location.Node] = append(remote[location.Node], cid)
		}
	}

	var lastErr error
	for node, children := range remote {
		buf, err := transport.Encode(h.cfg.Hub, transport.KindTerminateChild, self, transport.TerminateChild{
			Children: children,
		})
		if err != nil {
			return err
		}
		if err := h.cluster.SendTo(node, buf); err != nil {
			log.Warn().Err(err).Msgf("failed to request termination of %d children on %s", len(children), node)
			lastErr = err
		}
	}
	return lastErr
}

// WhichChildren snapshots the full registry: every known child with all of
// its replica locations, in node order.
func (h *Hub) WhichChildren() map[models.ChildID][]models.Location {
	return h.registry.WhichChildren()
}

// ChildLookup resolves one child to its replica locations. An empty slice
// means the child is unknown to this node's view.
func (h *Hub) ChildLookup(cid models.ChildID) []models.Location {
	return h.registry.ChildLookup(cid)
}

// Shutdown leaves gracefully: local child state is shipped ahead to the new
// owners, then the node departs the membership so peers adopt immediately
// instead of waiting for failure detection.
func (h *Hub) Shutdown(ctx context.Context, leaveTimeout time.Duration) error {
	if h.closed.Swap(true) {
		return models.ErrHubClosed
	}
	h.crd.Shutdown(ctx)

	err := h.cluster.GracefulLeave(leaveTimeout)
	if err != nil {
		log.Warn().Err(err).Msg("graceful leave failed, closing membership anyway")
	}
	h.teardown()
	if closeErr := h.cluster.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	log.Info().Msgf("hub %s is down", h.cfg.Hub)
	return err
}

func (h *Hub) teardown() {
	h.cancel()
	if h.pool != nil {
		h.pool.Close()
	}
	if h.notifier != nil {
		h.notifier.Close()
	}
	releaseHubID(h.cfg.Hub)
}
