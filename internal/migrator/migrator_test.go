package migrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peaceful-james/process-hub/internal/models"
	"github.com/peaceful-james/process-hub/internal/transport"
	"github.com/peaceful-james/process-hub/pkg/worker"
)

type sentMsg struct {
	to  models.NodeID
	env transport.Envelope
}

type fakeCluster struct {
	self  models.NodeID
	nodes []models.NodeID

	mu     sync.Mutex
	sent   []sentMsg
	onSend func(to models.NodeID, env transport.Envelope)
}

func (c *fakeCluster) Self() models.NodeID { return c.self }

func (c *fakeCluster) Nodes(includeSelf bool) []models.NodeID {
	out := make([]models.NodeID, 0, len(c.nodes))
	for _, node := range c.nodes {
		if !includeSelf && node == c.self {
			continue
		}
		out = append(out, node)
	}
	return out
}

func (c *fakeCluster) SendTo(node models.NodeID, payload []byte) error {
	env, err := transport.Decode(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, sentMsg{to: node, env: env})
	onSend := c.onSend
	c.mu.Unlock()
	if onSend != nil {
		onSend(node, env)
	}
	return nil
}

func (c *fakeCluster) sentOfKind(kind transport.Kind) []sentMsg {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]sentMsg, 0)
	for _, msg := range c.sent {
		if msg.env.Kind == kind {
			out = append(out, msg)
		}
	}
	return out
}

type fakeSup struct {
	mu         sync.Mutex
	children   map[models.ChildID]models.ChildAssertion
	terminated []models.ChildID
	onDeliver  func(cid models.ChildID, msg any) bool
}

func (s *fakeSup) Terminate(cid models.ChildID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.children, cid)
	s.terminated = append(s.terminated, cid)
	return nil
}

func (s *fakeSup) Deliver(cid models.ChildID, msg any) bool {
	if s.onDeliver == nil {
		return false
	}
	return s.onDeliver(cid, msg)
}

func (s *fakeSup) LocalChildren() map[models.ChildID]models.ChildAssertion {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[models.ChildID]models.ChildAssertion, len(s.children))
	for cid, assertion := range s.children {
		out[cid] = assertion
	}
	return out
}

func (s *fakeSup) ChildIDs() []models.ChildID {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]models.ChildID, 0, len(s.children))
	for cid := range s.children {
		ids = append(ids, cid)
	}
	return ids
}

func (s *fakeSup) terminatedChildren() []models.ChildID {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]models.ChildID(nil), s.terminated...)
}

type fakeRegistry struct {
	mu        sync.Mutex
	detached  []models.ChildID
	locations map[models.ChildID][]models.Location
}

func (r *fakeRegistry) DetachLocal(cid models.ChildID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.detached = append(r.detached, cid)
}

func (r *fakeRegistry) ChildLookup(cid models.ChildID) []models.Location {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.locations[cid]
}

type firstNodeStrategy struct{}

func (firstNodeStrategy) BelongsTo(_ models.ChildID, nodes []models.NodeID, rf int) []models.NodeID {
	if rf > len(nodes) {
		rf = len(nodes)
	}
	return nodes[:rf]
}

type fakePropagator struct {
	mu  sync.Mutex
	ops []transport.PropagateOp
}

func (p *fakePropagator) Propagate(_ map[models.ChildID]models.ChildAssertion, op transport.PropagateOp) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ops = append(p.ops, op)
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []models.HookEvent
}

func (n *fakeNotifier) Notify(event models.HookEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.events = append(n.events, event)
}

func okStartResponder(m *Migrator) func(models.NodeID, transport.Envelope) {
	return func(_ models.NodeID, env transport.Envelope) {
		if env.Kind != transport.KindStartChildReq {
			return
		}
		req, err := transport.DecodePayload[transport.StartChildReq](env)
		if err != nil {
			return
		}
		results := make([]models.StartResult, 0, len(req.Children))
		for _, spec := range req.Children {
			results = append(results, models.StartResult{Child: spec.ID, PID: "remote-pid"})
		}
		m.HandleStartResp(transport.ChildStartResp{Results: results})
	}
}

func newTestMigrator(cfg Config, cluster *fakeCluster, sup *fakeSup, reg *fakeRegistry) (*Migrator, *fakePropagator, *fakeNotifier) {
	gossip := &fakePropagator{}
	notifier := &fakeNotifier{}
	m := New(cfg, cluster, sup, reg, firstNodeStrategy{}, 1, gossip, notifier, nil)
	return m, gossip, notifier
}

// Without handover the local copy lives until the retention window elapses,
// then dies immediately.
func TestMigrateOutWithoutHandoverHonorsRetention(t *testing.T) {
	t.Parallel()

	const retention = 100 * time.Millisecond

	cluster := &fakeCluster{self: "node-a", nodes: []models.NodeID{"node-a", "node-b"}}
	sup := &fakeSup{children: map[models.ChildID]models.ChildAssertion{
		"child-1": {Spec: models.ChildSpec{ID: "child-1"}, PID: "pid-1"},
	}}
	m, gossip, notifier := newTestMigrator(Config{Hub: "hub-1", Retention: retention}, cluster, sup, &fakeRegistry{})
	cluster.onSend = okStartResponder(m)

	started := time.Now()
	m.MigrateOut(context.Background(), []models.ChildID{"child-1"}, "node-b")
	elapsed := time.Since(started)

	require.Equal(t, []models.ChildID{"child-1"}, sup.terminatedChildren())
	assert.GreaterOrEqual(t, elapsed, retention)
	assert.Less(t, elapsed, 2*retention)

	require.Equal(t, []transport.PropagateOp{transport.PropagateRem}, gossip.ops)
	require.Len(t, notifier.events, 1)
	require.Equal(t, models.HookChildrenMigrated, notifier.events[0].Hook)
	require.Equal(t, models.NodeID("node-b"), notifier.events[0].Node)
}

// With handover the worker acks as soon as its state is shipped, so the round
// finishes well before the retention bound.
func TestMigrateOutWithHandoverShipsState(t *testing.T) {
	t.Parallel()

	cluster := &fakeCluster{self: "node-a", nodes: []models.NodeID{"node-a", "node-b"}}
	sup := &fakeSup{children: map[models.ChildID]models.ChildAssertion{
		"child-1": {Spec: models.ChildSpec{ID: "child-1"}, PID: "pid-1"},
	}}
	sup.onDeliver = func(cid models.ChildID, msg any) bool {
		start, ok := msg.(worker.HandoverStart)
		if !ok {
			return false
		}
		require.NoError(t, start.Deliver(json.RawMessage(`{"counter":5}`)))
		start.Handled()
		return true
	}
	m, _, _ := newTestMigrator(Config{Hub: "hub-1", Retention: 5 * time.Second, Handover: true}, cluster, sup, &fakeRegistry{})
	cluster.onSend = okStartResponder(m)

	started := time.Now()
	m.MigrateOut(context.Background(), []models.ChildID{"child-1"}, "node-b")

	require.Equal(t, []models.ChildID{"child-1"}, sup.terminatedChildren())
	assert.Less(t, time.Since(started), time.Second, "handover ack must beat the retention timer")

	ships := cluster.sentOfKind(transport.KindHandoverShip)
	require.Len(t, ships, 1)
	require.Equal(t, models.NodeID("node-b"), ships[0].to)

	shipped, err := transport.DecodePayload[transport.HandoverShip](ships[0].env)
	require.NoError(t, err)
	require.Len(t, shipped.States, 1)
	assert.Equal(t, models.ChildID("child-1"), shipped.States[0].Child)
	assert.JSONEq(t, `{"counter":5}`, string(shipped.States[0].State))
	assert.Equal(t, models.NodeID("node-b"), shipped.States[0].NewNode)
}

// A failed remote start aborts that child only: it keeps running locally.
func TestMigrateOutKeepsChildOnStartFailure(t *testing.T) {
	t.Parallel()

	cluster := &fakeCluster{self: "node-a", nodes: []models.NodeID{"node-a", "node-b"}}
	sup := &fakeSup{children: map[models.ChildID]models.ChildAssertion{
		"child-1": {Spec: models.ChildSpec{ID: "child-1"}, PID: "pid-1"},
	}}
	m, gossip, _ := newTestMigrator(Config{Hub: "hub-1", Retention: 50 * time.Millisecond}, cluster, sup, &fakeRegistry{})
	cluster.onSend = func(_ models.NodeID, env transport.Envelope) {
		if env.Kind != transport.KindStartChildReq {
			return
		}
		m.HandleStartResp(transport.ChildStartResp{Results: []models.StartResult{
			{Child: "child-1", Err: "factory exploded"},
		}})
	}

	m.MigrateOut(context.Background(), []models.ChildID{"child-1"}, "node-b")

	require.Empty(t, sup.terminatedChildren())
	require.Empty(t, gossip.ops)
	require.Contains(t, sup.LocalChildren(), models.ChildID("child-1"))
}

func TestMigrateOutSkipsUnsupervisedChild(t *testing.T) {
	t.Parallel()

	cluster := &fakeCluster{self: "node-a", nodes: []models.NodeID{"node-a", "node-b"}}
	sup := &fakeSup{children: map[models.ChildID]models.ChildAssertion{}}
	m, _, _ := newTestMigrator(Config{Hub: "hub-1"}, cluster, sup, &fakeRegistry{})

	m.MigrateOut(context.Background(), []models.ChildID{"ghost"}, "node-b")
	require.Empty(t, cluster.sentOfKind(transport.KindStartChildReq))
}

func TestRequestStartTimesOut(t *testing.T) {
	t.Parallel()

	cluster := &fakeCluster{self: "node-a", nodes: []models.NodeID{"node-a", "node-b"}}
	m, _, _ := newTestMigrator(Config{Hub: "hub-1", MigrationTimeout: 50 * time.Millisecond}, cluster, &fakeSup{}, &fakeRegistry{})

	_, err := m.RequestStart(context.Background(), "node-b", models.ChildSpec{ID: "child-1"})
	var startErr *models.StartFailedError
	require.ErrorAs(t, err, &startErr)
	require.Equal(t, models.ChildID("child-1"), startErr.Child)
}

func TestRequestStartAlreadyStartedIsSuccess(t *testing.T) {
	t.Parallel()

	cluster := &fakeCluster{self: "node-a", nodes: []models.NodeID{"node-a", "node-b"}}
	m, _, _ := newTestMigrator(Config{Hub: "hub-1"}, cluster, &fakeSup{}, &fakeRegistry{})
	cluster.onSend = func(_ models.NodeID, env transport.Envelope) {
		if env.Kind != transport.KindStartChildReq {
			return
		}
		m.HandleStartResp(transport.ChildStartResp{Results: []models.StartResult{
			{Child: "child-1", PID: "existing-pid", AlreadyStarted: true},
		}})
	}

	resp, err := m.RequestStart(context.Background(), "node-b", models.ChildSpec{ID: "child-1"})
	require.NoError(t, err)
	require.True(t, resp.OK())
	require.True(t, resp.AlreadyStarted)
	require.Equal(t, models.PID("existing-pid"), resp.PID)
}

// State arriving before the child starts is buffered and popped exactly once.
func TestHandoverShipBuffersUntilStart(t *testing.T) {
	t.Parallel()

	cluster := &fakeCluster{self: "node-a", nodes: []models.NodeID{"node-a"}}
	m, _, _ := newTestMigrator(Config{Hub: "hub-1"}, cluster, &fakeSup{}, &fakeRegistry{})

	m.HandleHandoverShip(transport.HandoverShip{States: []transport.HandoverState{
		{Child: "child-1", State: json.RawMessage(`{"n":1}`), NewNode: "node-a"},
	}})

	state, ok := m.TakePending("child-1")
	require.True(t, ok)
	require.JSONEq(t, `{"n":1}`, string(state))

	_, again := m.TakePending("child-1")
	require.False(t, again)
}

func TestHandoverShipDeliversToRunningChild(t *testing.T) {
	t.Parallel()

	delivered := make([]any, 0, 1)
	sup := &fakeSup{onDeliver: func(cid models.ChildID, msg any) bool {
		delivered = append(delivered, msg)
		return true
	}}
	cluster := &fakeCluster{self: "node-a", nodes: []models.NodeID{"node-a"}}
	m, _, _ := newTestMigrator(Config{Hub: "hub-1"}, cluster, sup, &fakeRegistry{})

	m.HandleHandoverShip(transport.HandoverShip{States: []transport.HandoverState{
		{Child: "child-1", State: json.RawMessage(`{"n":2}`), NewNode: "node-a"},
	}})

	require.Len(t, delivered, 1)
	handover, ok := delivered[0].(worker.Handover)
	require.True(t, ok)
	require.JSONEq(t, `{"n":2}`, string(handover.State))

	_, buffered := m.TakePending("child-1")
	require.False(t, buffered)
}

// A leaver ships each child's state as the full (child, state, new owner)
// tuple toward an owner that does not already hold a replica.
func TestShutdownHandoverShape(t *testing.T) {
	t.Parallel()

	cluster := &fakeCluster{self: "node-a", nodes: []models.NodeID{"node-a", "node-b", "node-c"}}
	sup := &fakeSup{
		children: map[models.ChildID]models.ChildAssertion{
			"child-1": {Spec: models.ChildSpec{ID: "child-1"}, PID: "pid-1"},
		},
		onDeliver: func(cid models.ChildID, msg any) bool {
			get, ok := msg.(worker.GetState)
			if !ok {
				return false
			}
			get.Reply(json.RawMessage(`{"offset":42}`))
			return true
		},
	}
	reg := &fakeRegistry{locations: map[models.ChildID][]models.Location{
		"child-1": {{Node: "node-a", PID: "pid-1"}},
	}}
	m, _, _ := newTestMigrator(Config{Hub: "hub-1", Handover: true, ShutdownHandoverTimeout: time.Second}, cluster, sup, reg)

	m.ShutdownMigration(context.Background())

	ships := cluster.sentOfKind(transport.KindHandoverShip)
	require.Len(t, ships, 1)
	require.Equal(t, models.NodeID("node-b"), ships[0].to)

	shipped, err := transport.DecodePayload[transport.HandoverShip](ships[0].env)
	require.NoError(t, err)
	require.Len(t, shipped.States, 1)
	state := shipped.States[0]
	assert.Equal(t, models.ChildID("child-1"), state.Child)
	assert.JSONEq(t, `{"offset":42}`, string(state.State))
	assert.Equal(t, models.NodeID("node-b"), state.NewNode)
}

func TestShutdownWithoutHandoverShipsNothing(t *testing.T) {
	t.Parallel()

	cluster := &fakeCluster{self: "node-a", nodes: []models.NodeID{"node-a", "node-b"}}
	sup := &fakeSup{children: map[models.ChildID]models.ChildAssertion{
		"child-1": {Spec: models.ChildSpec{ID: "child-1"}, PID: "pid-1"},
	}}
	m, _, _ := newTestMigrator(Config{Hub: "hub-1"}, cluster, sup, &fakeRegistry{})

	m.ShutdownMigration(context.Background())
	require.Empty(t, cluster.sent)
}
