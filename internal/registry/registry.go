package registry

import (
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/rs/zerolog/log"

	"github.com/peaceful-james/process-hub/internal/models"
)

// ChangeHandler observes every change of a child's location set. Called
// outside the registry lock; the locations slice is a private copy.
type ChangeHandler func(child models.ChildID, spec models.ChildSpec, locations []models.Location)

type entry struct {
	spec models.ChildSpec
	// node -> pid, ordered by node id
	locations *treemap.Map
}

func nodeComparator(a, b interface{}) int {
	na := a.(models.NodeID)
	nb := b.(models.NodeID)
	switch {
	case na < nb:
		return -1
	case na > nb:
		return 1
	}
	return 0
}

// Registry is the per-node projection of the global child table. It is the
// only shared mutable state of a hub besides the gossip memo, so every
// mutation goes through its lock and reads return copies.
type Registry struct {
	self models.NodeID

	mu      sync.RWMutex
	entries map[models.ChildID]*entry
	// last accepted contribution timestamp per asserting node
	lastTS map[models.NodeID]int64

	onChange ChangeHandler
}

func New(self models.NodeID, onChange ChangeHandler) *Registry {
	return &Registry{
		self:     self,
		entries:  make(map[models.ChildID]*entry),
		lastTS:   make(map[models.NodeID]int64),
		onChange: onChange,
	}
}

func (r *Registry) Self() models.NodeID {
	return r.self
}

// LocalSnapshot is the self-asserted projection: only edges this node holds.
func (r *Registry) LocalSnapshot() map[models.ChildID]models.ChildAssertion {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[models.ChildID]models.ChildAssertion)
	for cid, e := range r.entries {
		pid, exists := e.locations.Get(r.self)
		if !exists {
			continue
		}
		snapshot[cid] = models.ChildAssertion{
			Spec: e.spec,
			PID:  pid.(models.PID),
		}
	}
	return snapshot
}

// ApplyRemote merges per-node contributions from a completed gossip round.
// For each contributing node: every present (child, pid) edge is upserted and
// every absent edge of that node is detached. Edges asserted by other nodes
// are never touched. Contributions older than the last accepted timestamp for
// their node are skipped whole. Contributions claiming to be from self are
// ignored: this node is authoritative for its own edges.
func (r *Registry) ApplyRemote(perNode map[models.NodeID]models.NodeContribution) {
	changed := r.applyRemoteLocked(perNode)
	r.notify(changed)
}

func (r *Registry) applyRemoteLocked(perNode map[models.NodeID]models.NodeContribution) []models.ChildID {
	r.mu.Lock()
	defer r.mu.Unlock()

	changedSet := make(map[models.ChildID]struct{})
	for node, contribution := range perNode {
		if node == r.self {
			continue
		}
		if contribution.TimestampMicro <= r.lastTS[node] {
			log.Debug().Msgf(
				"skip stale contribution from %s: ts=%d last=%d",
				node, contribution.TimestampMicro, r.lastTS[node],
			)
			continue
		}
		r.lastTS[node] = contribution.TimestampMicro

		for cid, assertion := range contribution.Children {
			if r.appendEdge(cid, node, assertion) {
				changedSet[cid] = struct{}{}
			}
		}
		for cid, e := range r.entries {
			if _, present := contribution.Children[cid]; present {
				continue
			}
			if _, has := e.locations.Get(node); !has {
				continue
			}
			r.detachEdge(cid, node)
			changedSet[cid] = struct{}{}
		}
	}
	return keys(changedSet)
}

// AppendEdges applies an out-of-band propagate(add) for one asserting node.
func (r *Registry) AppendEdges(node models.NodeID, children map[models.ChildID]models.ChildAssertion, tsMicro int64) {
	r.mu.Lock()
	changed := make([]models.ChildID, 0, len(children))
	if node != r.self && tsMicro > r.lastTS[node] {
		r.lastTS[node] = tsMicro
		for cid, assertion := range children {
			if r.appendEdge(cid, node, assertion) {
				changed = append(changed, cid)
			}
		}
	}
	r.mu.Unlock()
	r.notify(changed)
}

// DetachEdges applies an out-of-band propagate(rem) for one asserting node.
func (r *Registry) DetachEdges(node models.NodeID, children []models.ChildID, tsMicro int64) {
	r.mu.Lock()
	changed := make([]models.ChildID, 0, len(children))
	if node != r.self && tsMicro > r.lastTS[node] {
		r.lastTS[node] = tsMicro
		for _, cid := range children {
			e, exists := r.entries[cid]
			if !exists {
				continue
			}
			if _, has := e.locations.Get(node); !has {
				continue
			}
			r.detachEdge(cid, node)
			changed = append(changed, cid)
		}
	}
	r.mu.Unlock()
	r.notify(changed)
}

// AppendLocal records that this node started a replica of the child.
func (r *Registry) AppendLocal(spec models.ChildSpec, pid models.PID) {
	r.mu.Lock()
	r.lastTS[r.self] = time.Now().UnixMicro()
	changed := r.appendEdge(spec.ID, r.self, models.ChildAssertion{Spec: spec, PID: pid})
	r.mu.Unlock()
	if changed {
		r.notify([]models.ChildID{spec.ID})
	}
}

// DetachLocal records that this node no longer supervises the child.
func (r *Registry) DetachLocal(cid models.ChildID) {
	r.mu.Lock()
	r.lastTS[r.self] = time.Now().UnixMicro()
	_, exists := r.entries[cid]
	if exists {
		r.detachEdge(cid, r.self)
	}
	r.mu.Unlock()
	if exists {
		r.notify([]models.ChildID{cid})
	}
}

// DropNode removes every edge asserted by a dead node and forgets its
// timestamp so a restarted instance with a fresh clock is accepted again.
func (r *Registry) DropNode(node models.NodeID) {
	r.mu.Lock()
	delete(r.lastTS, node)
	changed := make([]models.ChildID, 0)
	for cid, e := range r.entries {
		if _, has := e.locations.Get(node); !has {
			continue
		}
		r.detachEdge(cid, node)
		changed = append(changed, cid)
	}
	r.mu.Unlock()
	r.notify(changed)
}

func (r *Registry) WhichChildren() map[models.ChildID][]models.Location {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[models.ChildID][]models.Location, len(r.entries))
	for cid, e := range r.entries {
		result[cid] = locationsOf(e)
	}
	return result
}

func (r *Registry) ChildLookup(cid models.ChildID) []models.Location {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.entries[cid]
	if !exists {
		return nil
	}
	return locationsOf(e)
}

func (r *Registry) Spec(cid models.ChildID) (models.ChildSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.entries[cid]
	if !exists {
		return models.ChildSpec{}, false
	}
	return e.spec, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

// appendEdge upserts one (child, node, pid) edge. The spec is immutable after
// the first insert. Reports whether anything changed. Caller holds the lock.
func (r *Registry) appendEdge(cid models.ChildID, node models.NodeID, assertion models.ChildAssertion) bool {
	e, exists := r.entries[cid]
	if !exists {
		e = &entry{
			spec:      assertion.Spec,
			locations: treemap.NewWith(nodeComparator),
		}
		r.entries[cid] = e
	}
	prev, had := e.locations.Get(node)
	if had && prev.(models.PID) == assertion.PID {
		return false
	}
	e.locations.Put(node, assertion.PID)
	return true
}

// detachEdge removes one edge; the entry dies with its last location. Caller
// holds the lock.
func (r *Registry) detachEdge(cid models.ChildID, node models.NodeID) {
	e := r.entries[cid]
	e.locations.Remove(node)
	if e.locations.Empty() {
		delete(r.entries, cid)
	}
}

func (r *Registry) notify(changed []models.ChildID) {
	if r.onChange == nil || len(changed) == 0 {
		return
	}
	for _, cid := range changed {
		r.mu.RLock()
		e, exists := r.entries[cid]
		var (
			spec      models.ChildSpec
			locations []models.Location
		)
		if exists {
			spec = e.spec
			locations = locationsOf(e)
		}
		r.mu.RUnlock()
		r.onChange(cid, spec, locations)
	}
}

func locationsOf(e *entry) []models.Location {
	locations := make([]models.Location, 0, e.locations.Size())
	e.locations.Each(func(key, value interface{}) {
		locations = append(locations, models.Location{
			Node: key.(models.NodeID),
			PID:  value.(models.PID),
		})
	})
	return locations
}

func keys(set map[models.ChildID]struct{}) []models.ChildID {
	out := make([]models.ChildID, 0, len(set))
	for cid := range set {
		out = append(out, cid)
	}
	return out
}
