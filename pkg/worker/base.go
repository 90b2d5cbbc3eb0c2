package worker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/peaceful-james/process-hub/internal/models"
)

// Handler processes application messages the base implementation does not
// understand. Runs on the worker goroutine.
type Handler func(ctx context.Context, msg any)

// Base is the default worker implementation: a single goroutine over a
// mailbox that speaks the full handover protocol. Host applications embed it
// or wrap it and supply a Handler for their own message types.
type Base struct {
	inbox   chan any
	handler Handler

	mu    sync.RWMutex
	state json.RawMessage
	mode  models.RedundancyMode
}

func NewBase(buffer int, handler Handler) *Base {
	if buffer <= 0 {
		buffer = 64
	}
	return &Base{
		inbox:   make(chan any, buffer),
		handler: handler,
	}
}

func (b *Base) Receive(msg any) {
	b.inbox <- msg
}

func (b *Base) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.inbox:
			b.dispatch(ctx, msg)
		}
	}
}

func (b *Base) dispatch(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case HandoverStart:
		err := m.Deliver(b.State())
		if err != nil {
			log.Error().Err(err).Msgf("failed to deliver handover state of %s", m.Child)
		}
		m.Handled()
	case Handover:
		b.SetState(m.State)
	case GetState:
		m.Reply(b.State())
	case RedundancySignal:
		b.mu.Lock()
		b.mode = m.Mode
		b.mu.Unlock()
	default:
		if b.handler != nil {
			b.handler(ctx, msg)
		}
	}
}

func (b *Base) State() json.RawMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.state == nil {
		return nil
	}
	cp := make(json.RawMessage, len(b.state))
	copy(cp, b.state)
	return cp
}

func (b *Base) SetState(state json.RawMessage) {
	b.mu.Lock()
	b.state = state
	b.mu.Unlock()
}

func (b *Base) Mode() models.RedundancyMode {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.mode
}
