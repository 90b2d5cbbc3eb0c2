package redundancy

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/peaceful-james/process-hub/internal/models"
	"github.com/peaceful-james/process-hub/pkg/worker"
)

// Deliverer sends a protocol message to a locally hosted replica. Absent
// recipients are ignored.
type Deliverer interface {
	Deliver(cid models.ChildID, msg any) bool
}

type Notifier interface {
	Notify(models.HookEvent)
}

// Strategy decides which replica of a child is the designated primary. The
// replica on the first owner in location order is active, the rest passive;
// with a replication factor of one the single replica is always active.
// Every node runs the same decision over the same converged locations, so
// each node only ever signals its own replica.
type Strategy struct {
	self     models.NodeID
	rf       int
	delivery Deliverer
	notifier Notifier

	mu       sync.Mutex
	lastMode map[models.ChildID]models.RedundancyMode
}

func New(self models.NodeID, replicationFactor int, delivery Deliverer, notifier Notifier) *Strategy {
	if replicationFactor < 1 {
		replicationFactor = 1
	}
	return &Strategy{
		self:     self,
		rf:       replicationFactor,
		delivery: delivery,
		notifier: notifier,
		lastMode: make(map[models.ChildID]models.RedundancyMode),
	}
}

func (s *Strategy) ReplicationFactor() int {
	return s.rf
}

// HandlePostUpdate runs whenever a child's location set changes. Only mode
// transitions are delivered; repeating the current mode is a no-op.
func (s *Strategy) HandlePostUpdate(cid models.ChildID, locations []models.Location) {
	if len(locations) == 0 {
		s.mu.Lock()
		delete(s.lastMode, cid)
		s.mu.Unlock()
		return
	}

	mode := models.ModeUnknown
	for _, location := range locations {
		if location.Node != s.self {
			continue
		}
		mode = models.ModePassive
		if locations[0].Node == s.self {
			mode = models.ModeActive
		}
		break
	}
	if mode == models.ModeUnknown {
		// no local replica, nothing to signal
		s.mu.Lock()
		delete(s.lastMode, cid)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	previous := s.lastMode[cid]
	if previous == mode {
		s.mu.Unlock()
		return
	}
	s.lastMode[cid] = mode
	s.mu.Unlock()

	if !s.delivery.Deliver(cid, worker.RedundancySignal{Mode: mode}) {
		log.Debug().Msgf("redundancy signal for absent child %s dropped", cid)
		return
	}
	log.Info().Msgf("child %s switched redundancy mode: %s -> %s", cid, previous, mode)
	if s.notifier != nil {
		s.notifier.Notify(models.HookEvent{
			Hook:     models.HookRedundancySignal,
			Children: []models.ChildID{cid},
			Node:     s.self,
			Mode:     mode,
		})
	}
}
