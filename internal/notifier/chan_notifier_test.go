package notifier

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/peaceful-james/process-hub/internal/models"
)

func TestCallbacksReceiveMatchingHook(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	n := New(16)
	got := make(chan models.HookEvent, 1)
	n.On(models.HookChildStarted, func(event models.HookEvent) {
		got <- event
	})
	go n.Run(ctx)

	n.Notify(models.HookEvent{Hook: models.HookChildStarted, Children: []models.ChildID{"child-1"}})

	select {
	case event := <-got:
		require.Equal(t, []models.ChildID{"child-1"}, event.Children)
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
}

func TestOtherHooksDoNotFire(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	n := New(16)
	fired := make(chan struct{}, 1)
	n.On(models.HookChildStopped, func(models.HookEvent) {
		fired <- struct{}{}
	})
	go n.Run(ctx)

	n.Notify(models.HookEvent{Hook: models.HookChildStarted})

	select {
	case <-fired:
		t.Fatal("callback fired for a foreign hook")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMultipleCallbacksPerHook(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	n := New(16)
	var wg sync.WaitGroup
	wg.Add(2)
	n.On(models.HookClusterJoin, func(models.HookEvent) { wg.Done() })
	n.On(models.HookClusterJoin, func(models.HookEvent) { wg.Done() })
	go n.Run(ctx)

	n.Notify(models.HookEvent{Hook: models.HookClusterJoin})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not every callback fired")
	}
}

func TestNotifyAfterCloseIsDropped(t *testing.T) {
	t.Parallel()

	n := New(1)
	n.Close()
	n.Notify(models.HookEvent{Hook: models.HookChildStarted})
	n.Close()
}
