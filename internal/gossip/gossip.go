package gossip

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/peaceful-james/process-hub/internal/metrics"
	"github.com/peaceful-james/process-hub/internal/models"
	"github.com/peaceful-james/process-hub/internal/transport"
)

const (
	DefaultSyncInterval = 15 * time.Second
	DefaultFanout       = 3
)

type Cluster interface {
	Self() models.NodeID
	Nodes(includeSelf bool) []models.NodeID
	SendTo(node models.NodeID, payload []byte) error
}

type Registry interface {
	LocalSnapshot() map[models.ChildID]models.ChildAssertion
	ApplyRemote(perNode map[models.NodeID]models.NodeContribution)
	AppendEdges(node models.NodeID, children map[models.ChildID]models.ChildAssertion, tsMicro int64)
	DetachEdges(node models.NodeID, children []models.ChildID, tsMicro int64)
}

type Config struct {
	Hub            models.HubID  `envconfig:"-"`
	SyncInterval   time.Duration `envconfig:"SYNC_INTERVAL"`
	Fanout         int           `envconfig:"SYNC_FANOUT"`
	RestrictedInit bool          `envconfig:"SYNC_RESTRICTED_INIT"`
}

func (c Config) withDefaults() Config {
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.Fanout <= 0 {
		c.Fanout = DefaultFanout
	}
	return c
}

// refEntry tracks one in-flight ref. Invalidated entries stay cached until
// the TTL runs out so late echoes of a finished round are dropped instead of
// re-applied.
type refEntry struct {
	nodesData   map[models.NodeID]models.NodeContribution
	acks        map[models.NodeID]struct{}
	invalidated bool
	expiresAt   time.Time
}

// Synchronizer runs the epidemic diffusion of registry snapshots. A single
// round carries no correctness guarantee on its own: convergence comes from
// periodic re-initiation plus last-writer-wins merges per contributing node.
type Synchronizer struct {
	cfg      Config
	cluster  Cluster
	registry Registry
	metrics  metrics.Metrics

	mu   sync.Mutex
	refs map[string]*refEntry
}

func New(cfg Config, cluster Cluster, registry Registry, m metrics.Metrics) *Synchronizer {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Synchronizer{
		cfg:      cfg.withDefaults(),
		cluster:  cluster,
		registry: registry,
		metrics:  m,
		refs:     make(map[string]*refEntry),
	}
}

func (s *Synchronizer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dropExpiredRefs()
			if s.shouldInitiate() {
				s.InitiateRound()
			}
		}
	}
}

// shouldInitiate gates round initiation: with restricted init only the node
// sorting first in the current view starts rounds, otherwise everyone does.
func (s *Synchronizer) shouldInitiate() bool {
	if !s.cfg.RestrictedInit {
		return true
	}
	nodes := s.cluster.Nodes(true)
	if len(nodes) == 0 {
		return false
	}
	return nodes[0] == s.cluster.Self()
}

func (s *Synchronizer) InitiateRound() {
	var (
		self = s.cluster.Self()
		ref  = uuid.NewString()
		msg  = transport.Sync{
			Ref: ref,
			NodesData: map[models.NodeID]models.NodeContribution{
				self: {
					Children:       s.registry.LocalSnapshot(),
					TimestampMicro: time.Now().UnixMicro(),
				},
			},
		}
	)

	s.mu.Lock()
	s.refs[ref] = &refEntry{
		nodesData: msg.NodesData,
		acks:      make(map[models.NodeID]struct{}),
		expiresAt: time.Now().Add(s.cfg.SyncInterval),
	}
	s.mu.Unlock()

	s.metrics.Increment("gossip.rounds_initiated")
	log.Debug().Msgf("initiated sync round %s", ref)
	s.sendSync(msg, s.pick(s.cluster.Nodes(false)))
}

// HandleSync processes one hop of a sync round.
func (s *Synchronizer) HandleSync(msg transport.Sync) {
	self := s.cluster.Self()

	s.mu.Lock()
	e, known := s.refs[msg.Ref]
	if known && e.invalidated {
		s.mu.Unlock()
		s.metrics.Increment("gossip.sync_invalidated")
		log.Debug().Msgf("dropped late echo of invalidated ref %s", msg.Ref)
		return
	}

	merged := make(map[models.NodeID]models.NodeContribution, len(msg.NodesData))
	for node, contribution := range msg.NodesData {
		merged[node] = contribution
	}
	if known {
		for node, cached := range e.nodesData {
			current, exists := merged[node]
			if !exists || cached.TimestampMicro > current.TimestampMicro {
				merged[node] = cached
			}
		}
	}
	if _, exists := merged[self]; !exists {
		merged[self] = models.NodeContribution{
			Children:       s.registry.LocalSnapshot(),
			TimestampMicro: time.Now().UnixMicro(),
		}
	}

	acks := make(map[models.NodeID]struct{}, len(msg.SyncAcks))
	for _, node := range msg.SyncAcks {
		acks[node] = struct{}{}
	}
	if known {
		for node := range e.acks {
			acks[node] = struct{}{}
		}
	}

	clusterNodes := s.cluster.Nodes(true)
	missing := subtract(clusterNodes, func(n models.NodeID) bool {
		_, ok := merged[n]
		return ok
	})

	if len(missing) > 0 {
		// still collecting contributions: forward, do not apply yet
		s.storeRef(msg.Ref, merged, acks, false)
		s.mu.Unlock()
		s.sendSync(transport.Sync{Ref: msg.Ref, NodesData: merged, SyncAcks: ackList(acks)}, s.pick(missing))
		return
	}

	_, selfAcked := acks[self]
	if !selfAcked {
		acks[self] = struct{}{}
	}
	unacked := subtract(clusterNodes, func(n models.NodeID) bool {
		_, ok := acks[n]
		return ok
	})
	s.storeRef(msg.Ref, merged, acks, len(unacked) == 0)
	s.mu.Unlock()

	if !selfAcked {
		s.registry.ApplyRemote(merged)
		s.metrics.Increment("gossip.rounds_applied")
	}
	if len(unacked) > 0 {
		s.sendSync(transport.Sync{Ref: msg.Ref, NodesData: merged, SyncAcks: ackList(acks)}, s.pick(unacked))
		return
	}
	log.Debug().Msgf("sync round %s fully acknowledged, ref invalidated", msg.Ref)
}

// Propagate gossips one local registry mutation without waiting for the next
// round tick.
func (s *Synchronizer) Propagate(children map[models.ChildID]models.ChildAssertion, op transport.PropagateOp) {
	var (
		self = s.cluster.Self()
		ref  = uuid.NewString()
		msg  = transport.Propagate{
			Ref:            ref,
			Acks:           []models.NodeID{self},
			Children:       children,
			UpdateNode:     self,
			Op:             op,
			TimestampMicro: time.Now().UnixMicro(),
		}
	)

	s.mu.Lock()
	s.refs[ref] = &refEntry{
		acks:      map[models.NodeID]struct{}{self: {}},
		expiresAt: time.Now().Add(s.cfg.SyncInterval),
	}
	s.mu.Unlock()

	s.metrics.Increment("gossip.propagations_initiated")
	s.sendPropagate(msg, s.pick(s.cluster.Nodes(false)))
}

// HandlePropagate applies and forwards an out-of-band mutation.
func (s *Synchronizer) HandlePropagate(msg transport.Propagate) {
	self := s.cluster.Self()

	s.mu.Lock()
	e, known := s.refs[msg.Ref]
	if known && e.invalidated {
		s.mu.Unlock()
		s.metrics.Increment("gossip.sync_invalidated")
		return
	}

	acks := make(map[models.NodeID]struct{}, len(msg.Acks)+1)
	for _, node := range msg.Acks {
		acks[node] = struct{}{}
	}
	if known {
		for node := range e.acks {
			acks[node] = struct{}{}
		}
	}
	_, selfAcked := acks[self]
	acks[self] = struct{}{}

	unacked := subtract(s.cluster.Nodes(true), func(n models.NodeID) bool {
		_, ok := acks[n]
		return ok
	})
	s.storeRef(msg.Ref, nil, acks, len(unacked) == 0)
	s.mu.Unlock()

	if !selfAcked {
		switch msg.Op {
		case transport.PropagateAdd:
			s.registry.AppendEdges(msg.UpdateNode, msg.Children, msg.TimestampMicro)
		case transport.PropagateRem:
			removed := make([]models.ChildID, 0, len(msg.Children))
			for cid := range msg.Children {
				removed = append(removed, cid)
			}
			s.registry.DetachEdges(msg.UpdateNode, removed, msg.TimestampMicro)
		default:
			log.Warn().Msgf("unknown propagate op %q from %s", msg.Op, msg.UpdateNode)
			return
		}
		s.metrics.Increment("gossip.propagations_applied")
	}
	if len(unacked) > 0 {
		s.sendPropagate(transport.Propagate{
			Ref:            msg.Ref,
			Acks:           ackList(acks),
			Children:       msg.Children,
			UpdateNode:     msg.UpdateNode,
			Op:             msg.Op,
			TimestampMicro: msg.TimestampMicro,
		}, s.pick(unacked))
	}
}

// storeRef caches a ref under the sync-interval TTL. Caller holds the lock.
func (s *Synchronizer) storeRef(ref string, nodesData map[models.NodeID]models.NodeContribution, acks map[models.NodeID]struct{}, invalidated bool) {
	s.refs[ref] = &refEntry{
		nodesData:   nodesData,
		acks:        acks,
		invalidated: invalidated,
		expiresAt:   time.Now().Add(s.cfg.SyncInterval),
	}
}

func (s *Synchronizer) dropExpiredRefs() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for ref, e := range s.refs {
		if e.expiresAt.Before(now) {
			delete(s.refs, ref)
		}
	}
	s.metrics.Gauge("gossip.refs_cached", len(s.refs))
}

func (s *Synchronizer) sendSync(msg transport.Sync, peers []models.NodeID) {
	s.send(transport.KindSync, msg, peers)
}

func (s *Synchronizer) sendPropagate(msg transport.Propagate, peers []models.NodeID) {
	s.send(transport.KindPropagate, msg, peers)
}

// send ships to each peer best-effort: a lost message is repaired by a future
// round, never retried here.
func (s *Synchronizer) send(kind transport.Kind, payload any, peers []models.NodeID) {
	if len(peers) == 0 {
		return
	}
	buf, err := transport.Encode(s.cfg.Hub, kind, s.cluster.Self(), payload)
	if err != nil {
		log.Error().Err(err).Msgf("failed to encode %s message", kind)
		return
	}
	for _, peer := range peers {
		err := s.cluster.SendTo(peer, buf)
		if err != nil {
			log.Warn().Err(err).Msgf("failed to send %s to %s", kind, peer)
		}
	}
}

// pick chooses up to fanout recipients uniformly at random.
func (s *Synchronizer) pick(candidates []models.NodeID) []models.NodeID {
	if len(candidates) <= s.cfg.Fanout {
		return candidates
	}
	shuffled := make([]models.NodeID, len(candidates))
	copy(shuffled, candidates)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled[:s.cfg.Fanout]
}

func subtract(nodes []models.NodeID, member func(models.NodeID) bool) []models.NodeID {
	out := make([]models.NodeID, 0, len(nodes))
	for _, node := range nodes {
		if !member(node) {
			out = append(out, node)
		}
	}
	return out
}

func ackList(acks map[models.NodeID]struct{}) []models.NodeID {
	out := make([]models.NodeID, 0, len(acks))
	for node := range acks {
		out = append(out, node)
	}
	return out
}
