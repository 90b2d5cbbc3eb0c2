package ring

// An implementation of Consistent Hashing.
//
// https://en.wikipedia.org/wiki/Consistent_hashing

import (
	"encoding/binary"
	"fmt"
	"sort"

	blake2b "github.com/minio/blake2b-simd"

	"github.com/peaceful-james/process-hub/internal/models"
)

const virtualPoints = 10

type circle struct {
	points    map[uint64]models.NodeID
	sortedSet []uint64
	distinct  int
}

// newCircle builds the point ring for one membership snapshot. The build is a
// pure function of the node set, so every node computes the same ring.
func newCircle(nodes []models.NodeID) *circle {
	c := &circle{
		points:    make(map[uint64]models.NodeID, len(nodes)*virtualPoints),
		sortedSet: make([]uint64, 0, len(nodes)*virtualPoints),
	}
	seen := make(map[models.NodeID]struct{}, len(nodes))
	for _, node := range nodes {
		if _, dup := seen[node]; dup {
			continue
		}
		seen[node] = struct{}{}
		for i := range virtualPoints {
			h := pointHash(fmt.Sprintf("%s#%d", node, i))
			c.points[h] = node
			c.sortedSet = append(c.sortedSet, h)
		}
	}
	c.distinct = len(seen)
	sort.Slice(c.sortedSet, func(i int, j int) bool {
		return c.sortedSet[i] < c.sortedSet[j]
	})
	return c
}

// walk collects up to count distinct owners clockwise from key.
func (c *circle) walk(key uint64, count int) []models.NodeID {
	if c.distinct == 0 || count <= 0 {
		return nil
	}
	if count > c.distinct {
		count = c.distinct
	}
	var (
		idx    = c.search(key)
		owners = make([]models.NodeID, 0, count)
		seen   = make(map[models.NodeID]struct{}, count)
	)
	for len(owners) < count {
		candidate := c.points[c.sortedSet[idx]]
		if _, met := seen[candidate]; !met {
			seen[candidate] = struct{}{}
			owners = append(owners, candidate)
		}
		idx = (idx + 1) % len(c.sortedSet)
	}
	return owners
}

func (c *circle) search(key uint64) int {
	idx := sort.Search(len(c.sortedSet), func(i int) bool {
		return c.sortedSet[i] >= key
	})

	if idx >= len(c.sortedSet) {
		idx = 0
	}
	return idx
}

func pointHash(key string) uint64 {
	out := blake2b.Sum512([]byte(key))
	return binary.LittleEndian.Uint64(out[:])
}
