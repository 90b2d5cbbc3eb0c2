package coordinator

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Executor is a bounded worker pool for blocking operations (remote starts,
// state shipping). The coordinator loop only queues the task, blocking just
// while the input buffer is full, so one slow peer does not hold up
// membership handling.
type Executor struct {
	concurrency uint16
	inputChan   chan func()

	// closed by atomic
	closed     int64
	inProgress int64
	close      chan struct{}
}

func NewExecutor(concurrency uint16, buffer uint32) *Executor {
	if concurrency == 0 {
		concurrency = 4
	}
	return &Executor{
		concurrency: concurrency,
		inputChan:   make(chan func(), buffer),
		close:       make(chan struct{}),
	}
}

func (e *Executor) Run() {
	for i := range e.concurrency {
		go func() {
			for task := range e.inputChan {
				log.Debug().Msgf("executor [%d] picked up task", i)
				task()
			}
		}()
	}
}

func (e *Executor) Submit(task func()) error {
	if atomic.LoadInt64(&e.closed) == 1 {
		return fmt.Errorf("executor already closed")
	}
	atomic.AddInt64(&e.inProgress, 1)
	defer atomic.AddInt64(&e.inProgress, -1)

	select {
	case e.inputChan <- task:
		return nil
	case <-e.close:
		return fmt.Errorf("failed to submit task to executor: closed")
	}
}

func (e *Executor) Close() {
	atomic.AddInt64(&e.closed, 1)
	close(e.close)
	for atomic.LoadInt64(&e.inProgress) != 0 {
		runtime.Gosched()
	}
	close(e.inputChan)
}
