package supervisor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peaceful-james/process-hub/internal/models"
	"github.com/peaceful-james/process-hub/pkg/worker"
)

type recordingWorker struct {
	received chan any
	running  chan struct{}
}

func newRecordingWorker() *recordingWorker {
	return &recordingWorker{
		received: make(chan any, 16),
		running:  make(chan struct{}),
	}
}

func (w *recordingWorker) Receive(msg any) {
	w.received <- msg
}

func (w *recordingWorker) Run(ctx context.Context) {
	close(w.running)
	<-ctx.Done()
}

func recordingFactory(workers map[models.ChildID]*recordingWorker) Factory {
	return func(spec models.ChildSpec) (worker.Worker, error) {
		w := newRecordingWorker()
		workers[spec.ID] = w
		return w, nil
	}
}

func TestStartRunsWorker(t *testing.T) {
	t.Parallel()

	workers := map[models.ChildID]*recordingWorker{}
	s := New(context.Background(), "node-a", recordingFactory(workers))

	pid, already, err := s.Start(models.ChildSpec{ID: "child-1"})
	require.NoError(t, err)
	require.False(t, already)
	assert.True(t, strings.HasPrefix(string(pid), "node-a#"))

	select {
	case <-workers["child-1"].running:
	case <-time.After(time.Second):
		t.Fatal("worker goroutine never ran")
	}
	require.Equal(t, 1, s.Len())
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()

	workers := map[models.ChildID]*recordingWorker{}
	s := New(context.Background(), "node-a", recordingFactory(workers))

	first, _, err := s.Start(models.ChildSpec{ID: "child-1"})
	require.NoError(t, err)

	second, already, err := s.Start(models.ChildSpec{ID: "child-1"})
	require.NoError(t, err)
	require.True(t, already)
	require.Equal(t, first, second)
	require.Equal(t, 1, s.Len())
}

func TestStartFactoryFailure(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), "node-a", func(models.ChildSpec) (worker.Worker, error) {
		return nil, errors.New("boom")
	})

	_, _, err := s.Start(models.ChildSpec{ID: "child-1"})
	var startErr *models.StartFailedError
	require.ErrorAs(t, err, &startErr)
	assert.Equal(t, models.ChildID("child-1"), startErr.Child)
	require.Zero(t, s.Len())
}

func TestTerminateCancelsWorker(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), "node-a", func(models.ChildSpec) (worker.Worker, error) {
		return worker.NewBase(1, nil), nil
	})
	_, _, err := s.Start(models.ChildSpec{ID: "child-1"})
	require.NoError(t, err)

	require.NoError(t, s.Terminate("child-1"))
	require.Zero(t, s.Len())
	_, found := s.Lookup("child-1")
	require.False(t, found)
}

func TestTerminateUnknownChild(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), "node-a", recordingFactory(map[models.ChildID]*recordingWorker{}))
	err := s.Terminate("ghost")
	require.ErrorIs(t, err, models.ErrChildUnknown)
}

func TestDeliverToAbsentChildIsDropped(t *testing.T) {
	t.Parallel()

	workers := map[models.ChildID]*recordingWorker{}
	s := New(context.Background(), "node-a", recordingFactory(workers))

	require.False(t, s.Deliver("ghost", "hello"))

	_, _, err := s.Start(models.ChildSpec{ID: "child-1"})
	require.NoError(t, err)
	require.True(t, s.Deliver("child-1", "hello"))
	require.Equal(t, "hello", <-workers["child-1"].received)
}

func TestLocalChildrenSnapshot(t *testing.T) {
	t.Parallel()

	workers := map[models.ChildID]*recordingWorker{}
	s := New(context.Background(), "node-a", recordingFactory(workers))

	pid, _, err := s.Start(models.ChildSpec{ID: "child-1"})
	require.NoError(t, err)
	_, _, err = s.Start(models.ChildSpec{ID: "child-2"})
	require.NoError(t, err)

	snapshot := s.LocalChildren()
	require.Len(t, snapshot, 2)
	require.Equal(t, pid, snapshot["child-1"].PID)
	require.ElementsMatch(t, []models.ChildID{"child-1", "child-2"}, s.ChildIDs())
}
