package coordinator

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/peaceful-james/process-hub/internal/metrics"
	"github.com/peaceful-james/process-hub/internal/models"
	"github.com/peaceful-james/process-hub/internal/transport"
	"github.com/peaceful-james/process-hub/pkg/worker"
)

type Cluster interface {
	Self() models.NodeID
	Nodes(includeSelf bool) []models.NodeID
	SendTo(node models.NodeID, payload []byte) error
}

type Supervisor interface {
	Start(spec models.ChildSpec) (models.PID, bool, error)
	Terminate(cid models.ChildID) error
	Deliver(cid models.ChildID, msg any) bool
	LocalChildren() map[models.ChildID]models.ChildAssertion
}

type Registry interface {
	AppendLocal(spec models.ChildSpec, pid models.PID)
	DetachLocal(cid models.ChildID)
	DropNode(node models.NodeID)
	WhichChildren() map[models.ChildID][]models.Location
	Spec(cid models.ChildID) (models.ChildSpec, bool)
}

type Gossip interface {
	HandleSync(msg transport.Sync)
	HandlePropagate(msg transport.Propagate)
	Propagate(children map[models.ChildID]models.ChildAssertion, op transport.PropagateOp)
}

type Migrator interface {
	MigrateOut(ctx context.Context, cids []models.ChildID, target models.NodeID)
	RequestStart(ctx context.Context, target models.NodeID, spec models.ChildSpec) (models.StartResult, error)
	HandleStartResp(resp transport.ChildStartResp)
	HandleHandoverShip(msg transport.HandoverShip)
	TakePending(cid models.ChildID) (json.RawMessage, bool)
	ShutdownMigration(ctx context.Context)
}

type Strategy interface {
	BelongsTo(child models.ChildID, nodes []models.NodeID, rf int) []models.NodeID
}

type Notifier interface {
	Notify(models.HookEvent)
}

// Coordinator is the per-hub orchestrator: it consumes membership events,
// turns placement diffs into migrations, and routes every inbound wire
// message to the component that owns it.
type Coordinator struct {
	hub      models.HubID
	cluster  Cluster
	sup      Supervisor
	registry Registry
	gossip   Gossip
	migrator Migrator
	strategy Strategy
	rf       int
	notifier Notifier
	pool     *Executor
	metrics  metrics.Metrics
	baseCtx  context.Context

	membershipEvents chan models.MemberShipEvent
}

func New(
	ctx context.Context,
	hub models.HubID,
	cluster Cluster,
	sup Supervisor,
	reg Registry,
	gossip Gossip,
	migr Migrator,
	strategy Strategy,
	replicationFactor int,
	notifier Notifier,
	pool *Executor,
	m metrics.Metrics,
	membershipEvents chan models.MemberShipEvent,
) *Coordinator {
	if replicationFactor < 1 {
		replicationFactor = 1
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Coordinator{
		hub:              hub,
		cluster:          cluster,
		sup:              sup,
		registry:         reg,
		gossip:           gossip,
		migrator:         migr,
		strategy:         strategy,
		rf:               replicationFactor,
		notifier:         notifier,
		pool:             pool,
		metrics:          m,
		baseCtx:          ctx,
		membershipEvents: membershipEvents,
	}
}

func (c *Coordinator) StartHandleMembershipChanges(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, opened := <-c.membershipEvents:
			if !opened {
				return
			}
			switch event.Type {
			case models.MemberShipNew:
				c.processNewNode(ctx, event.From)
			case models.MemberShipDead, models.MemberShipUpdating:
				c.processNodeDeath(ctx, event.From)
			case models.MemberShipUnknown, models.MemberShipSuspect:
				continue
			}
		}
	}
}

// processNewNode recomputes placement after a join. Children the new node now
// owns instead of self are migrated out; children it owns in addition to self
// get a second replica started there.
func (c *Coordinator) processNewNode(ctx context.Context, nodeID models.NodeID) {
	log.Info().Msgf("processing node addition: %s", nodeID)
	c.metrics.Increment("cluster.node_joined")
	c.notifier.Notify(models.HookEvent{Hook: models.HookClusterJoin, Node: nodeID})

	var (
		nodes     = c.cluster.Nodes(true)
		self      = c.cluster.Self()
		migrate   = make([]models.ChildID, 0)
		replicate = make([]models.ChildSpec, 0)
	)
	for cid, assertion := range c.sup.LocalChildren() {
		owners := c.strategy.BelongsTo(cid, nodes, c.rf)
		if !contains(owners, nodeID) {
			continue
		}
		if contains(owners, self) {
			replicate = append(replicate, assertion.Spec)
			continue
		}
		migrate = append(migrate, cid)
	}
	if len(migrate) > 0 {
		err := c.pool.Submit(func() {
			c.migrator.MigrateOut(c.baseCtx, migrate, nodeID)
		})
		if err != nil {
			log.Error().Err(err).Msgf("failed to schedule migration of %d children to %s", len(migrate), nodeID)
		}
	}
	for _, spec := range replicate {
		spec := spec
		err := c.pool.Submit(func() {
			_, err := c.migrator.RequestStart(c.baseCtx, nodeID, spec)
			if err != nil {
				log.Error().Err(err).Msgf("failed to replicate %s onto %s", spec.ID, nodeID)
			}
		})
		if err != nil {
			log.Error().Err(err).Msgf("failed to schedule replication of %s to %s", spec.ID, nodeID)
		}
	}
}

// processNodeDeath drops the dead node's assertions and adopts every child
// whose recomputed owner set now includes self. State shipped ahead by a
// graceful leaver is waiting in the pending-handover buffer.
func (c *Coordinator) processNodeDeath(ctx context.Context, nodeID models.NodeID) {
	log.Info().Msgf("processing node removal: %s", nodeID)
	c.metrics.Increment("cluster.node_left")
	c.notifier.Notify(models.HookEvent{Hook: models.HookClusterLeave, Node: nodeID})

	var (
		self     = c.cluster.Self()
		nodes    = c.cluster.Nodes(true)
		children = c.registry.WhichChildren()
		local    = c.sup.LocalChildren()
	)
	c.registry.DropNode(nodeID)

	adopt := make([]models.ChildSpec, 0)
	for cid, locations := range children {
		wasThere := false
		for _, location := range locations {
			if location.Node == nodeID {
				wasThere = true
				break
			}
		}
		if !wasThere {
			continue
		}
		if _, runningHere := local[cid]; runningHere {
			continue
		}
		owners := c.strategy.BelongsTo(cid, nodes, c.rf)
		if !contains(owners, self) {
			continue
		}
		spec, ok := c.registry.Spec(cid)
		if !ok {
			log.Warn().Msgf("can't adopt %s from dead node %s: spec unknown", cid, nodeID)
			continue
		}
		adopt = append(adopt, spec)
	}
	if len(adopt) == 0 {
		return
	}
	err := c.pool.Submit(func() {
		for _, spec := range adopt {
			result := c.StartLocal(spec)
			if !result.OK() {
				log.Error().Msgf("failed to adopt %s after %s left: %s", spec.ID, nodeID, result.Err)
			}
		}
	})
	if err != nil {
		log.Error().Err(err).Msgf("failed to schedule adoption of %d children", len(adopt))
	}
}

// StartLocal starts a replica on this node, delivers any buffered handover
// state, records the edge and gossips it out.
func (c *Coordinator) StartLocal(spec models.ChildSpec) models.StartResult {
	pid, already, err := c.sup.Start(spec)
	if err != nil {
		return models.StartResult{Child: spec.ID, Err: err.Error()}
	}
	if already {
		return models.StartResult{Child: spec.ID, PID: pid, AlreadyStarted: true}
	}
	if state, ok := c.migrator.TakePending(spec.ID); ok {
		c.sup.Deliver(spec.ID, worker.Handover{State: state})
		log.Info().Msgf("delivered buffered handover state to %s", spec.ID)
	}
	c.registry.AppendLocal(spec, pid)
	c.gossip.Propagate(map[models.ChildID]models.ChildAssertion{
		spec.ID: {Spec: spec, PID: pid},
	}, transport.PropagateAdd)
	c.notifier.Notify(models.HookEvent{
		Hook:     models.HookChildStarted,
		Children: []models.ChildID{spec.ID},
		Node:     c.cluster.Self(),
	})
	c.metrics.Increment("children.started")
	return models.StartResult{Child: spec.ID, PID: pid}
}

// StopLocal terminates a local replica, detaches its edge and gossips the
// removal.
func (c *Coordinator) StopLocal(cid models.ChildID) error {
	assertion, known := c.sup.LocalChildren()[cid]
	err := c.sup.Terminate(cid)
	if err != nil {
		return err
	}
	c.registry.DetachLocal(cid)
	if known {
		c.gossip.Propagate(map[models.ChildID]models.ChildAssertion{cid: assertion}, transport.PropagateRem)
	}
	c.notifier.Notify(models.HookEvent{
		Hook:     models.HookChildStopped,
		Children: []models.ChildID{cid},
		Node:     c.cluster.Self(),
	})
	c.metrics.Increment("children.stopped")
	return nil
}

// HandleMessage dispatches one inbound wire payload. Runs on the transport
// receive path, so the real work is pushed onto the executor pool.
func (c *Coordinator) HandleMessage(payload []byte) {
	env, err := transport.Decode(payload)
	if err != nil {
		log.Error().Err(err).Msg("dropped undecodable inbound message")
		return
	}
	if env.Hub != c.hub {
		log.Debug().Msgf("dropped message for foreign hub %s from %s", env.Hub, env.From)
		return
	}
	err = c.pool.Submit(func() {
		c.dispatch(env)
	})
	if err != nil {
		log.Error().Err(err).Msgf("failed to dispatch %s message from %s", env.Kind, env.From)
	}
}

func (c *Coordinator) dispatch(env transport.Envelope) {
	switch env.Kind {
	case transport.KindSync:
		msg, err := transport.DecodePayload[transport.Sync](env)
		if err != nil {
			log.Error().Err(err).Msg("bad sync payload")
			return
		}
		c.gossip.HandleSync(msg)
	case transport.KindPropagate:
		msg, err := transport.DecodePayload[transport.Propagate](env)
		if err != nil {
			log.Error().Err(err).Msg("bad propagate payload")
			return
		}
		c.gossip.HandlePropagate(msg)
	case transport.KindStartChildReq:
		msg, err := transport.DecodePayload[transport.StartChildReq](env)
		if err != nil {
			log.Error().Err(err).Msg("bad start request payload")
			return
		}
		c.handleStartReq(msg)
	case transport.KindChildStartResp:
		msg, err := transport.DecodePayload[transport.ChildStartResp](env)
		if err != nil {
			log.Error().Err(err).Msg("bad start response payload")
			return
		}
		c.migrator.HandleStartResp(msg)
	case transport.KindHandoverShip:
		msg, err := transport.DecodePayload[transport.HandoverShip](env)
		if err != nil {
			log.Error().Err(err).Msg("bad handover ship payload")
			return
		}
		c.migrator.HandleHandoverShip(msg)
	case transport.KindTerminateChild:
		msg, err := transport.DecodePayload[transport.TerminateChild](env)
		if err != nil {
			log.Error().Err(err).Msg("bad terminate payload")
			return
		}
		for _, cid := range msg.Children {
			err := c.StopLocal(cid)
			if err != nil {
				log.Warn().Err(err).Msgf("failed to terminate %s on request of %s", cid, env.From)
			}
		}
	default:
		log.Warn().Msgf("dropped message of unknown kind %q from %s", env.Kind, env.From)
	}
}

func (c *Coordinator) handleStartReq(msg transport.StartChildReq) {
	results := make([]models.StartResult, 0, len(msg.Children))
	for _, spec := range msg.Children {
		results = append(results, c.StartLocal(spec))
	}
	buf, err := transport.Encode(c.hub, transport.KindChildStartResp, c.cluster.Self(), transport.ChildStartResp{
		Results: results,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to encode start response")
		return
	}
	err = c.cluster.SendTo(msg.ReplyTo, buf)
	if err != nil {
		log.Warn().Err(err).Msgf("failed to reply start results to %s", msg.ReplyTo)
	}
}

// Shutdown runs the graceful-leave path: ship local state ahead, then let the
// caller leave the membership.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.migrator.ShutdownMigration(ctx)
}

func contains(nodes []models.NodeID, node models.NodeID) bool {
	for _, n := range nodes {
		if n == node {
			return true
		}
	}
	return false
}
