// Package coordinator serializes tick-handler execution across every
// agent in a run: at most one handler body executes at a time, in the
// order ticks were submitted, while a parallel waiting-queue lets the
// shared bus pick a specific agent to nudge after a broadcast.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/parkerjbeard/mortality/internal/timer"
)

// ErrClosed is returned by Submit once the coordinator has been closed.
var ErrClosed = errors.New("coordinator: closed")

// Bus is the turn-ownership half of the shared bus, invoked by the
// coordinator's single worker around every handler invocation.
type Bus interface {
	StartTurn(agentID string, turnIndex int)
	EndTurn(agentID string)
}

// Handler processes one TimerEvent for one agent. It runs on the
// coordinator's single worker goroutine, so no two Handlers ever run
// concurrently across the whole coordinator.
type Handler func(ctx context.Context, event timer.TimerEvent) error

type job struct {
	agentID string
	event   timer.TimerEvent
	handler Handler
	done    chan error
}

// Coordinator is a FIFO turn scheduler. The zero value is not usable;
// construct with New.
type Coordinator struct {
	bus    Bus
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*job
	waiting []string
	closed  bool

	turnIndex int

	workerDone chan struct{}
}

// New creates a Coordinator and starts its worker goroutine. bus may be
// nil (useful in isolated tests of submission ordering); a nil logger
// falls back to slog.Default().
func New(bus Bus, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		bus:        bus,
		logger:     logger.With("component", "coordinator"),
		workerDone: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	go c.worker()
	return c
}

// Submit enqueues a turn job for agentID and blocks until the handler
// has run (successfully or not) or ctx is cancelled. The returned error
// is whatever the handler returned, or ctx.Err() if the caller gave up
// waiting before the handler ran — the job itself is not withdrawn.
func (c *Coordinator) Submit(ctx context.Context, agentID string, event timer.TimerEvent, handler Handler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	j := &job{agentID: agentID, event: event, handler: handler, done: make(chan error, 1)}
	c.queue = append(c.queue, j)
	c.waiting = append(c.waiting, agentID)
	c.cond.Signal()
	c.mu.Unlock()

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NextWaitingAgent returns the agent_id at the head of the waiting
// queue that is not exclude, and true, or "", false if none qualifies.
// It may be called concurrently with Submit and the worker; it reads a
// point-in-time snapshot of who is queued to speak next.
func (c *Coordinator) NextWaitingAgent(exclude string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.waiting {
		if id != exclude {
			return id, true
		}
	}
	return "", false
}

// Close drains outstanding jobs (letting them run to completion in
// order) and stops the worker. Further Submit calls return ErrClosed.
// Close blocks until the worker has exited.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()

	<-c.workerDone
}

func (c *Coordinator) worker() {
	defer close(c.workerDone)

	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.closed {
			c.cond.Wait()
		}
		if len(c.queue) == 0 && c.closed {
			c.mu.Unlock()
			return
		}

		j := c.queue[0]
		c.queue = c.queue[1:]
		c.removeWaitingLocked(j.agentID)
		c.turnIndex++
		turnIndex := c.turnIndex
		c.mu.Unlock()

		if c.bus != nil {
			c.bus.StartTurn(j.agentID, turnIndex)
		}

		err := c.runHandler(j)

		if c.bus != nil {
			c.bus.EndTurn(j.agentID)
		}

		if err != nil {
			c.logger.Error("turn handler failed",
				"agent_id", j.agentID, "turn_index", turnIndex, "error", err)
		}

		j.done <- err
	}
}

// removeWaitingLocked drops the first occurrence of agentID from the
// waiting queue. Must be called with c.mu held. Out-of-order removal
// is required because NextWaitingAgent may target an agent deeper in
// the queue than the one currently being dequeued.
func (c *Coordinator) removeWaitingLocked(agentID string) {
	for i, id := range c.waiting {
		if id == agentID {
			c.waiting = append(c.waiting[:i], c.waiting[i+1:]...)
			return
		}
	}
}

// runHandler invokes the job's handler, converting a panic into an
// error so a single bad handler can never take down the worker.
func (c *Coordinator) runHandler(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return j.handler(context.Background(), j.event)
}
