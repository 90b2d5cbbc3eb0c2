package notifier

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/peaceful-james/process-hub/internal/models"
)

type Callback func(models.HookEvent)

// ChanNotifier decouples hook producers from host callbacks: producers
// enqueue, a single dispatch goroutine invokes callbacks so a slow host only
// blocks the coordinator once the event buffer is full.
type ChanNotifier struct {
	eventChan chan models.HookEvent
	closed    atomic.Bool
	close     chan struct{}

	mu        sync.RWMutex
	callbacks map[models.HookName][]Callback
}

func New(buf int) *ChanNotifier {
	return &ChanNotifier{
		eventChan: make(chan models.HookEvent, buf),
		close:     make(chan struct{}),
		callbacks: make(map[models.HookName][]Callback),
	}
}

func (n *ChanNotifier) On(hook models.HookName, cb Callback) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.callbacks[hook] = append(n.callbacks[hook], cb)
}

func (n *ChanNotifier) Notify(event models.HookEvent) {
	if n.closed.Load() {
		return
	}
	select {
	case n.eventChan <- event:
	case <-n.close:
	default:
		if n.closed.Load() {
			return
		}
		select {
		case n.eventChan <- event:
		case <-n.close:
		}
	}
}

func (n *ChanNotifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-n.eventChan:
			if !ok {
				return
			}
			n.mu.RLock()
			callbacks := n.callbacks[event.Hook]
			n.mu.RUnlock()
			for _, cb := range callbacks {
				cb(event)
			}
		}
	}
}

func (n *ChanNotifier) Close() {
	if n.closed.Swap(true) {
		return
	}
	close(n.close)
	close(n.eventChan)
}
