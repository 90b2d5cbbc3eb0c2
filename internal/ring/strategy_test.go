package ring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peaceful-james/process-hub/internal/models"
)

func nodeSet(n int) []models.NodeID {
	nodes := make([]models.NodeID, 0, n)
	for i := range n {
		nodes = append(nodes, models.NodeID(fmt.Sprintf("node-%d", i)))
	}
	return nodes
}

func TestConsistentRingDeterministic(t *testing.T) {
	t.Parallel()

	nodes := nodeSet(5)
	a := NewConsistentRing()
	b := NewConsistentRing()

	for i := range 100 {
		cid := models.ChildID(fmt.Sprintf("child-%d", i))
		require.Equal(t, a.BelongsTo(cid, nodes, 2), b.BelongsTo(cid, nodes, 2),
			"two rings over the same membership must agree on %s", cid)
	}
}

func TestConsistentRingOrderIndependent(t *testing.T) {
	t.Parallel()

	r := NewConsistentRing()
	forward := r.BelongsTo("child-a", nodeSet(4), 2)

	reversed := nodeSet(4)
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}
	require.Equal(t, forward, NewConsistentRing().BelongsTo("child-a", reversed, 2))
}

func TestConsistentRingDistinctOwners(t *testing.T) {
	t.Parallel()

	nodes := nodeSet(4)
	r := NewConsistentRing()
	for i := range 50 {
		cid := models.ChildID(fmt.Sprintf("child-%d", i))
		owners := r.BelongsTo(cid, nodes, 3)
		require.Len(t, owners, 3)
		seen := map[models.NodeID]struct{}{}
		for _, owner := range owners {
			_, dup := seen[owner]
			require.False(t, dup, "owner %s repeated for %s", owner, cid)
			seen[owner] = struct{}{}
		}
	}
}

// Increasing the replication factor must extend the owner list, never reshuffle
// the already chosen prefix.
func TestConsistentRingPrefixStable(t *testing.T) {
	t.Parallel()

	nodes := nodeSet(6)
	r := NewConsistentRing()
	for i := range 50 {
		cid := models.ChildID(fmt.Sprintf("child-%d", i))
		one := r.BelongsTo(cid, nodes, 1)
		three := r.BelongsTo(cid, nodes, 3)
		require.Len(t, one, 1)
		require.Len(t, three, 3)
		assert.Equal(t, one[0], three[0])
	}
}

func TestConsistentRingCapsAtClusterSize(t *testing.T) {
	t.Parallel()

	nodes := nodeSet(2)
	owners := NewConsistentRing().BelongsTo("child-a", nodes, 5)
	require.Len(t, owners, 2)
}

func TestConsistentRingMinimalDisruption(t *testing.T) {
	t.Parallel()

	r := NewConsistentRing()
	before := nodeSet(5)
	after := append(nodeSet(5), "node-5")

	moved := 0
	const children = 200
	for i := range children {
		cid := models.ChildID(fmt.Sprintf("child-%d", i))
		if r.BelongsTo(cid, before, 1)[0] != r.BelongsTo(cid, after, 1)[0] {
			moved++
		}
	}
	// one joiner out of six should relocate roughly 1/6 of the keys
	assert.Less(t, moved, children/2, "join relocated %d of %d children", moved, children)
	assert.Greater(t, moved, 0)
}

func TestGuidedUsesPinnedOwners(t *testing.T) {
	t.Parallel()

	nodes := nodeSet(4)
	g := NewGuided(map[models.ChildID][]models.NodeID{
		"pinned": {"node-3", "node-1"},
	})

	owners := g.BelongsTo("pinned", nodes, 2)
	require.Equal(t, []models.NodeID{"node-3", "node-1"}, owners)
}

func TestGuidedSkipsDeadPins(t *testing.T) {
	t.Parallel()

	g := NewGuided(map[models.ChildID][]models.NodeID{
		"pinned": {"node-9"},
	})
	owners := g.BelongsTo("pinned", nodeSet(3), 1)
	require.Len(t, owners, 1)
	assert.NotEqual(t, models.NodeID("node-9"), owners[0])
}

func TestGuidedFallbackIsDeterministic(t *testing.T) {
	t.Parallel()

	nodes := nodeSet(5)
	g := NewGuided(nil)
	first := g.BelongsTo("unpinned", nodes, 2)
	require.Len(t, first, 2)
	require.Equal(t, first, g.BelongsTo("unpinned", nodes, 2))
}

func TestUniformPlacesEverywhere(t *testing.T) {
	t.Parallel()

	owners := Uniform{}.BelongsTo("child-a", []models.NodeID{"b", "a", "c"}, 1)
	require.Equal(t, []models.NodeID{"a", "b", "c"}, owners)
}

func TestNewRejectsUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := New("bogus", nil)
	require.Error(t, err)

	s, err := New("", nil)
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestEmptyMembership(t *testing.T) {
	t.Parallel()

	require.Nil(t, NewConsistentRing().BelongsTo("child-a", nil, 1))
	require.Nil(t, NewGuided(nil).BelongsTo("child-a", nil, 1))
	require.Nil(t, Uniform{}.BelongsTo("child-a", nil, 1))
}
