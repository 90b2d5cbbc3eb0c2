package ring

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash"
	"github.com/lafikl/consistent"

	"github.com/peaceful-james/process-hub/internal/models"
)

type Kind string

const (
	KindConsistentHash Kind = "consistent_hash"
	KindGuided         Kind = "guided"
	KindUniform        Kind = "uniform"
)

// Strategy maps a child to its owner set. The contract is a pure function:
// identical (child, nodes, rf) inputs yield identical owner lists on every
// node, so placement never needs to be negotiated.
type Strategy interface {
	BelongsTo(child models.ChildID, nodes []models.NodeID, rf int) []models.NodeID
}

func New(kind Kind, guidedTable map[models.ChildID][]models.NodeID) (Strategy, error) {
	switch kind {
	case KindConsistentHash, "":
		return NewConsistentRing(), nil
	case KindGuided:
		return NewGuided(guidedTable), nil
	case KindUniform:
		return Uniform{}, nil
	}
	return nil, fmt.Errorf("unknown distribution strategy kind: %s", kind)
}

// ConsistentRing walks a blake2b point ring clockwise from the child's
// xxhash, collecting rf distinct owners. The ring for the current membership
// snapshot is memoized; membership changes rebuild it on the next call.
type ConsistentRing struct {
	mu     sync.Mutex
	sig    string
	cached *circle
}

func NewConsistentRing() *ConsistentRing {
	return &ConsistentRing{}
}

func (r *ConsistentRing) BelongsTo(child models.ChildID, nodes []models.NodeID, rf int) []models.NodeID {
	if len(nodes) == 0 || rf < 1 {
		return nil
	}
	sorted := sortedCopy(nodes)
	sig := signature(sorted)

	r.mu.Lock()
	if r.sig != sig {
		r.sig = sig
		r.cached = newCircle(sorted)
	}
	c := r.cached
	r.mu.Unlock()

	return c.walk(xxhash.Sum64([]byte(child)), rf)
}

// Guided pins chosen children to fixed owners; everything unpinned falls back
// to a plain consistent-hash lookup (no load bounding) so manual placement and automatic
// placement can coexist in one hub.
type Guided struct {
	table map[models.ChildID][]models.NodeID
}

func NewGuided(table map[models.ChildID][]models.NodeID) Guided {
	if table == nil {
		table = map[models.ChildID][]models.NodeID{}
	}
	return Guided{table: table}
}

func (g Guided) BelongsTo(child models.ChildID, nodes []models.NodeID, rf int) []models.NodeID {
	if len(nodes) == 0 || rf < 1 {
		return nil
	}
	if rf > len(nodes) {
		rf = len(nodes)
	}
	alive := make(map[models.NodeID]struct{}, len(nodes))
	for _, node := range nodes {
		alive[node] = struct{}{}
	}
	owners := make([]models.NodeID, 0, rf)
	seen := make(map[models.NodeID]struct{}, rf)
	for _, pinned := range g.table[child] {
		if len(owners) == rf {
			break
		}
		if _, ok := alive[pinned]; !ok {
			continue
		}
		if _, dup := seen[pinned]; dup {
			continue
		}
		seen[pinned] = struct{}{}
		owners = append(owners, pinned)
	}
	if len(owners) == rf {
		return owners
	}

	c := consistent.New()
	for _, node := range sortedCopy(nodes) {
		c.Add(string(node))
	}
	// probe keys until rf distinct hosts collected; the bound only guards
	// against a degenerate ring
	for i := 0; len(owners) < rf && i < 128*len(nodes); i++ {
		host, err := c.Get(fmt.Sprintf("%s#%d", child, i))
		if err != nil {
			break
		}
		candidate := models.NodeID(host)
		if _, dup := seen[candidate]; dup {
			continue
		}
		seen[candidate] = struct{}{}
		owners = append(owners, candidate)
	}
	return owners
}

// Uniform places every child on every node; the replication factor is
// effectively the cluster size.
type Uniform struct{}

func (Uniform) BelongsTo(child models.ChildID, nodes []models.NodeID, rf int) []models.NodeID {
	if len(nodes) == 0 {
		return nil
	}
	return sortedCopy(nodes)
}

func sortedCopy(nodes []models.NodeID) []models.NodeID {
	cp := make([]models.NodeID, len(nodes))
	copy(cp, nodes)
	sort.Slice(cp, func(i, j int) bool {
		return cp[i] < cp[j]
	})
	return cp
}

func signature(sorted []models.NodeID) string {
	parts := make([]string, len(sorted))
	for i, node := range sorted {
		parts[i] = string(node)
	}
	return strings.Join(parts, ",")
}
