package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/peaceful-james/process-hub/internal/models"
	"github.com/peaceful-james/process-hub/pkg/worker"
)

// Factory builds the application worker for a child spec. Supplied by the
// host; StartParams are opaque to the hub.
type Factory func(spec models.ChildSpec) (worker.Worker, error)

type child struct {
	spec   models.ChildSpec
	pid    models.PID
	w      worker.Worker
	cancel context.CancelFunc
}

// Supervisor owns the table of locally running replicas. It spawns one
// goroutine per worker and delivers protocol messages into their mailboxes.
type Supervisor struct {
	self    models.NodeID
	baseCtx context.Context
	factory Factory

	mu       sync.RWMutex
	children map[models.ChildID]*child
}

func New(ctx context.Context, self models.NodeID, factory Factory) *Supervisor {
	return &Supervisor{
		self:     self,
		baseCtx:  ctx,
		factory:  factory,
		children: make(map[models.ChildID]*child),
	}
}

// Start spawns a local replica. Starting an already running child is not an
// error: the existing pid is returned with alreadyStarted set, which the
// migrator treats as success.
func (s *Supervisor) Start(spec models.ChildSpec) (models.PID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.children[spec.ID]; ok {
		return existing.pid, true, nil
	}

	w, err := s.factory(spec)
	if err != nil {
		return "", false, &models.StartFailedError{Child: spec.ID, Reason: err.Error()}
	}

	pid := models.PID(fmt.Sprintf("%s#%s", s.self, uuid.NewString()))
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.children[spec.ID] = &child{
		spec:   spec,
		pid:    pid,
		w:      w,
		cancel: cancel,
	}
	go w.Run(ctx)

	log.Info().Msgf("started child %s as %s", spec.ID, pid)
	return pid, false, nil
}

func (s *Supervisor) Terminate(cid models.ChildID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.children[cid]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrChildUnknown, cid)
	}
	c.cancel()
	delete(s.children, cid)

	log.Info().Msgf("terminated child %s (%s)", cid, c.pid)
	return nil
}

// Deliver sends a protocol message to a local replica's mailbox. An absent
// recipient is not an error: the message is dropped and false returned.
func (s *Supervisor) Deliver(cid models.ChildID, msg any) bool {
	s.mu.RLock()
	c, ok := s.children[cid]
	s.mu.RUnlock()

	if !ok {
		return false
	}
	c.w.Receive(msg)
	return true
}

func (s *Supervisor) Lookup(cid models.ChildID) (models.PID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.children[cid]
	if !ok {
		return "", false
	}
	return c.pid, true
}

// LocalChildren snapshots the table as self-assertions.
func (s *Supervisor) LocalChildren() map[models.ChildID]models.ChildAssertion {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := make(map[models.ChildID]models.ChildAssertion, len(s.children))
	for cid, c := range s.children {
		snapshot[cid] = models.ChildAssertion{
			Spec: c.spec,
			PID:  c.pid,
		}
	}
	return snapshot
}

func (s *Supervisor) ChildIDs() []models.ChildID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]models.ChildID, 0, len(s.children))
	for cid := range s.children {
		ids = append(ids, cid)
	}
	return ids
}

func (s *Supervisor) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.children)
}
