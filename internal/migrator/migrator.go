package migrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/peaceful-james/process-hub/internal/metrics"
	"github.com/peaceful-james/process-hub/internal/models"
	"github.com/peaceful-james/process-hub/internal/transport"
	"github.com/peaceful-james/process-hub/pkg/worker"
)

const (
	DefaultRetention               = 5 * time.Second
	DefaultMigrationTimeout        = 15 * time.Second
	DefaultShutdownHandoverTimeout = 5 * time.Second
)

type Cluster interface {
	Self() models.NodeID
	Nodes(includeSelf bool) []models.NodeID
	SendTo(node models.NodeID, payload []byte) error
}

type Supervisor interface {
	Terminate(cid models.ChildID) error
	Deliver(cid models.ChildID, msg any) bool
	LocalChildren() map[models.ChildID]models.ChildAssertion
	ChildIDs() []models.ChildID
}

type Registry interface {
	DetachLocal(cid models.ChildID)
	ChildLookup(cid models.ChildID) []models.Location
}

type Strategy interface {
	BelongsTo(child models.ChildID, nodes []models.NodeID, rf int) []models.NodeID
}

type Propagator interface {
	Propagate(children map[models.ChildID]models.ChildAssertion, op transport.PropagateOp)
}

type Notifier interface {
	Notify(models.HookEvent)
}

type Config struct {
	Hub                     models.HubID  `envconfig:"-"`
	Retention               time.Duration `envconfig:"MIGRATION_RETENTION"`
	Handover                bool          `envconfig:"MIGRATION_HANDOVER"`
	MigrationTimeout        time.Duration `envconfig:"MIGRATION_TIMEOUT"`
	ShutdownHandoverTimeout time.Duration `envconfig:"SHUTDOWN_HANDOVER_TIMEOUT"`
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.MigrationTimeout <= 0 {
		c.MigrationTimeout = DefaultMigrationTimeout
	}
	if c.ShutdownHandoverTimeout <= 0 {
		c.ShutdownHandoverTimeout = DefaultShutdownHandoverTimeout
	}
	return c
}

// phase of one child inside a migration round.
type phase int8

const (
	phaseIdle phase = iota
	phaseAwaitStart
	phaseHandoverInFlight
	phaseRetaining
	phaseTerminated
)

// Migrator relocates live children to newly eligible owners. Within a round
// every started child waits for whichever comes first: the worker's
// retention-handled ack or the single global retention timer. The timer is a
// hard bound: when it fires, every remaining child is terminated immediately.
type Migrator struct {
	cfg      Config
	cluster  Cluster
	sup      Supervisor
	registry Registry
	strategy Strategy
	rf       int
	gossip   Propagator
	notifier Notifier
	metrics  metrics.Metrics

	mu       sync.Mutex
	awaiting map[models.ChildID]chan models.StartResult
	// state shipped ahead of a child that has not started here yet
	pending map[models.ChildID]json.RawMessage
}

func New(
	cfg Config,
	cluster Cluster,
	sup Supervisor,
	reg Registry,
	strategy Strategy,
	replicationFactor int,
	gossip Propagator,
	notifier Notifier,
	m metrics.Metrics,
) *Migrator {
	if replicationFactor < 1 {
		replicationFactor = 1
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Migrator{
		cfg:      cfg.withDefaults(),
		cluster:  cluster,
		sup:      sup,
		registry: reg,
		strategy: strategy,
		rf:       replicationFactor,
		gossip:   gossip,
		notifier: notifier,
		metrics:  m,
		awaiting: make(map[models.ChildID]chan models.StartResult),
		pending:  make(map[models.ChildID]json.RawMessage),
	}
}

// MigrateOut runs one migration round: starts the children on the target,
// optionally hands their state over, and terminates the local copies within
// the retention window.
func (m *Migrator) MigrateOut(ctx context.Context, cids []models.ChildID, target models.NodeID) {
	started := time.Now()
	local := m.sup.LocalChildren()

	type inFlight struct {
		cid     models.ChildID
		phase   phase
		handled chan struct{}
	}

	var (
		retentionC <-chan time.Time
		rounds     = make([]*inFlight, 0, len(cids))
	)
	for _, cid := range cids {
		assertion, ok := local[cid]
		if !ok {
			log.Warn().Msgf("skip migration of %s to %s: not supervised here", cid, target)
			continue
		}
		resp, err := m.RequestStart(ctx, target, assertion.Spec)
		if err != nil {
			log.Error().Err(err).Msgf("aborting migration of %s to %s", cid, target)
			m.metrics.Increment("migration.start_failed")
			continue
		}
		if !resp.OK() {
			log.Error().Msgf("aborting migration of %s to %s: %s", cid, target, resp.Err)
			m.metrics.Increment("migration.start_failed")
			continue
		}
		if resp.AlreadyStarted {
			log.Info().Msgf("child %s already running on %s as %s", cid, target, resp.PID)
		}
		if retentionC == nil {
			// single global timer, armed at the first successful start
			timer := time.NewTimer(m.cfg.Retention)
			defer timer.Stop()
			retentionC = timer.C
		}
		flight := &inFlight{cid: cid, phase: phaseRetaining}
		if m.cfg.Handover {
			handled := make(chan struct{}, 1)
			delivered := m.sup.Deliver(cid, worker.HandoverStart{
				Child: cid,
				Deliver: func(state json.RawMessage) error {
					return m.shipStates(target, []transport.HandoverState{{
						Child:   cid,
						State:   state,
						NewNode: target,
					}})
				},
				Handled: func() {
					select {
					case handled <- struct{}{}:
					default:
					}
				},
			})
			if delivered {
				flight.phase = phaseHandoverInFlight
				flight.handled = handled
			}
		}
		rounds = append(rounds, flight)
	}
	if len(rounds) == 0 {
		return
	}

	migrated := make([]models.ChildID, 0, len(rounds))
	retentionOver := false
	for _, flight := range rounds {
		if !retentionOver && flight.phase == phaseHandoverInFlight {
			select {
			case <-flight.handled:
			case <-retentionC:
				retentionOver = true
				log.Warn().Msgf("retention window over, terminating remaining children of round toward %s", target)
			case <-ctx.Done():
				return
			}
		} else if !retentionOver {
			select {
			case <-retentionC:
				retentionOver = true
			case <-ctx.Done():
				return
			}
		}
		flight.phase = phaseTerminated
		m.terminateLocal(flight.cid, local[flight.cid])
		migrated = append(migrated, flight.cid)
	}

	m.metrics.Increment("migration.rounds")
	m.metrics.Duration("migration.round_duration", time.Since(started))
	if m.notifier != nil {
		m.notifier.Notify(models.HookEvent{
			Hook:     models.HookChildrenMigrated,
			Children: migrated,
			Node:     target,
		})
	}
	log.Info().Msgf("migrated %d children to %s in %s", len(migrated), target, time.Since(started))
}

// RequestStart asks target to start the child and waits for its response.
// An already-started child is a success carrying the existing pid.
func (m *Migrator) RequestStart(ctx context.Context, target models.NodeID, spec models.ChildSpec) (models.StartResult, error) {
	respCh := make(chan models.StartResult, 1)
	m.mu.Lock()
	m.awaiting[spec.ID] = respCh
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.awaiting, spec.ID)
		m.mu.Unlock()
	}()

	buf, err := transport.Encode(m.cfg.Hub, transport.KindStartChildReq, m.cluster.Self(), transport.StartChildReq{
		Children: []models.ChildSpec{spec},
		ReplyTo:  m.cluster.Self(),
	})
	if err != nil {
		return models.StartResult{}, err
	}
	err = retry.Do(
		func() error {
			return m.cluster.SendTo(target, buf)
		},
		retry.Attempts(3),
		retry.Context(ctx),
	)
	if err != nil {
		return models.StartResult{}, fmt.Errorf("failed to request start of %s on %s: %w", spec.ID, target, err)
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-time.After(m.cfg.MigrationTimeout):
		return models.StartResult{}, &models.StartFailedError{Child: spec.ID, Reason: "start response timeout"}
	case <-ctx.Done():
		return models.StartResult{}, ctx.Err()
	}
}

// HandleStartResp routes an inbound start response to the round waiting on it.
func (m *Migrator) HandleStartResp(resp transport.ChildStartResp) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, result := range resp.Results {
		ch, ok := m.awaiting[result.Child]
		if !ok {
			log.Debug().Msgf("dropped unexpected start response for %s", result.Child)
			continue
		}
		select {
		case ch <- result:
		default:
		}
	}
}

// HandleHandoverShip accepts shipped state. State for a child already running
// here is delivered straight into its mailbox; state for a child that has not
// started yet is buffered until the start arrives.
func (m *Migrator) HandleHandoverShip(msg transport.HandoverShip) {
	for _, shipped := range msg.States {
		if m.sup.Deliver(shipped.Child, worker.Handover{State: shipped.State}) {
			m.metrics.Increment("migration.handover_delivered")
			continue
		}
		m.mu.Lock()
		m.pending[shipped.Child] = shipped.State
		m.mu.Unlock()
		m.metrics.Increment("migration.handover_buffered")
	}
}

// TakePending pops buffered handover state for a child that just started.
func (m *Migrator) TakePending(cid models.ChildID) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.pending[cid]
	if ok {
		delete(m.pending, cid)
	}
	return state, ok
}

// ShutdownMigration collects the state of every local child and ships it
// ahead to the owners that take over once this node leaves.
func (m *Migrator) ShutdownMigration(ctx context.Context) {
	if !m.cfg.Handover {
		return
	}
	var (
		self     = m.cluster.Self()
		children = m.sup.ChildIDs()
		statesCh = make(chan transport.HandoverState, len(children))
		deadline = time.After(m.cfg.ShutdownHandoverTimeout)
		expected = 0
	)
	for _, cid := range children {
		cid := cid
		delivered := m.sup.Deliver(cid, worker.GetState{
			Child: cid,
			Reply: func(state json.RawMessage) {
				statesCh <- transport.HandoverState{Child: cid, State: state}
			},
		})
		if delivered {
			expected++
		}
	}

	collected := make([]transport.HandoverState, 0, expected)
collect:
	for len(collected) < expected {
		select {
		case shipped := <-statesCh:
			collected = append(collected, shipped)
		case <-deadline:
			log.Warn().Msgf(
				"shutdown handover timed out: collected %d of %d child states",
				len(collected), expected,
			)
			break collect
		case <-ctx.Done():
			return
		}
	}

	remaining := subtractNode(m.cluster.Nodes(true), self)
	if len(remaining) == 0 {
		return
	}
	byTarget := make(map[models.NodeID][]transport.HandoverState)
	for _, shipped := range collected {
		target, ok := m.pickShutdownTarget(shipped.Child, remaining)
		if !ok {
			continue
		}
		shipped.NewNode = target
		byTarget[target] = append(byTarget[target], shipped)
	}
	for target, states := range byTarget {
		err := m.shipStates(target, states)
		if err != nil {
			log.Error().Err(err).Msgf("failed to ship %d handover states to %s", len(states), target)
			continue
		}
		log.Info().Msgf("shipped %d handover states to %s", len(states), target)
	}
}

// pickShutdownTarget chooses the new owner that does not already hold a
// replica of the child.
func (m *Migrator) pickShutdownTarget(cid models.ChildID, remaining []models.NodeID) (models.NodeID, bool) {
	var (
		owners  = m.strategy.BelongsTo(cid, remaining, m.rf)
		current = m.registry.ChildLookup(cid)
		held    = make(map[models.NodeID]struct{}, len(current))
	)
	for _, location := range current {
		held[location.Node] = struct{}{}
	}
	for _, owner := range owners {
		if _, already := held[owner]; !already {
			return owner, true
		}
	}
	return "", false
}

func (m *Migrator) shipStates(target models.NodeID, states []transport.HandoverState) error {
	buf, err := transport.Encode(m.cfg.Hub, transport.KindHandoverShip, m.cluster.Self(), transport.HandoverShip{
		States: states,
	})
	if err != nil {
		return err
	}
	return retry.Do(
		func() error {
			return m.cluster.SendTo(target, buf)
		},
		retry.Attempts(3),
	)
}

func (m *Migrator) terminateLocal(cid models.ChildID, assertion models.ChildAssertion) {
	err := m.sup.Terminate(cid)
	if err != nil {
		log.Warn().Err(err).Msgf("failed to terminate migrated child %s", cid)
	}
	m.registry.DetachLocal(cid)
	if m.gossip != nil {
		m.gossip.Propagate(map[models.ChildID]models.ChildAssertion{cid: assertion}, transport.PropagateRem)
	}
}

func subtractNode(nodes []models.NodeID, exclude models.NodeID) []models.NodeID {
	out := make([]models.NodeID, 0, len(nodes))
	for _, node := range nodes {
		if node != exclude {
			out = append(out, node)
		}
	}
	return out
}
