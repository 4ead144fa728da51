package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parkerjbeard/mortality/internal/timer"
)

type fakeBus struct {
	mu      sync.Mutex
	started []string
	ended   []string
}

func (b *fakeBus) StartTurn(agentID string, turnIndex int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = append(b.started, agentID)
}

func (b *fakeBus) EndTurn(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ended = append(b.ended, agentID)
}

func TestSubmit_RunsHandlerAndReturnsError(t *testing.T) {
	c := New(nil, nil)
	defer c.Close()

	wantErr := errors.New("boom")
	err := c.Submit(context.Background(), "a1", timer.TimerEvent{}, func(context.Context, timer.TimerEvent) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("Submit error = %v, want %v", err, wantErr)
	}
}

func TestSubmit_SerializesHandlers(t *testing.T) {
	c := New(nil, nil)
	defer c.Close()

	var running atomic.Int32
	var maxConcurrent atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c.Submit(context.Background(), "a", timer.TimerEvent{TickIndex: n}, func(context.Context, timer.TimerEvent) error {
				cur := running.Add(1)
				for {
					m := maxConcurrent.Load()
					if cur <= m || maxConcurrent.CompareAndSwap(m, cur) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}(i)
	}
	wg.Wait()

	if got := maxConcurrent.Load(); got != 1 {
		t.Errorf("max concurrent handlers = %d, want 1", got)
	}
}

func TestSubmit_WiresBusStartAndEndTurn(t *testing.T) {
	bus := &fakeBus{}
	c := New(bus, nil)
	defer c.Close()

	c.Submit(context.Background(), "a1", timer.TimerEvent{}, func(context.Context, timer.TimerEvent) error {
		return nil
	})

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.started) != 1 || bus.started[0] != "a1" {
		t.Errorf("started = %v, want [a1]", bus.started)
	}
	if len(bus.ended) != 1 || bus.ended[0] != "a1" {
		t.Errorf("ended = %v, want [a1]", bus.ended)
	}
}

func TestHandlerPanic_DoesNotKillWorker(t *testing.T) {
	c := New(nil, nil)
	defer c.Close()

	err := c.Submit(context.Background(), "a1", timer.TimerEvent{}, func(context.Context, timer.TimerEvent) error {
		panic("kaboom")
	})
	if err == nil {
		t.Fatal("expected an error from a panicking handler")
	}

	// Worker should still be alive to process another job.
	err2 := c.Submit(context.Background(), "a2", timer.TimerEvent{}, func(context.Context, timer.TimerEvent) error {
		return nil
	})
	if err2 != nil {
		t.Errorf("second submit after panic = %v, want nil", err2)
	}
}

func TestNextWaitingAgent_ExcludesGivenID(t *testing.T) {
	c := New(nil, nil)
	defer c.Close()

	release := make(chan struct{})
	started := make(chan struct{})

	go c.Submit(context.Background(), "a", timer.TimerEvent{}, func(context.Context, timer.TimerEvent) error {
		close(started)
		<-release
		return nil
	})
	<-started

	// While "a"'s handler is running, submit b and c; they sit in the
	// waiting queue behind it.
	bDone := make(chan struct{})
	cDone := make(chan struct{})
	go func() {
		c.Submit(context.Background(), "b", timer.TimerEvent{}, func(context.Context, timer.TimerEvent) error { return nil })
		close(bDone)
	}()
	// Let b land in the waiting queue before c so their order is fixed.
	time.Sleep(10 * time.Millisecond)
	go func() {
		c.Submit(context.Background(), "c", timer.TimerEvent{}, func(context.Context, timer.TimerEvent) error { return nil })
		close(cDone)
	}()

	// Give the submissions a moment to land in the waiting queue.
	time.Sleep(20 * time.Millisecond)

	if got, ok := c.NextWaitingAgent("a"); !ok || got != "b" {
		t.Errorf("NextWaitingAgent(a) = (%q, %v), want (b, true)", got, ok)
	}
	if got, ok := c.NextWaitingAgent("b"); !ok || got != "c" {
		t.Errorf("NextWaitingAgent(b) = (%q, %v), want (c, true)", got, ok)
	}

	close(release)
	<-bDone
	<-cDone

	if got, ok := c.NextWaitingAgent(""); ok {
		t.Errorf("NextWaitingAgent on empty queue = (%q, %v), want (_, false)", got, ok)
	}
}

func TestClose_DrainsQueueThenRejectsFurtherSubmits(t *testing.T) {
	c := New(nil, nil)

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		go c.Submit(context.Background(), "a", timer.TimerEvent{}, func(context.Context, timer.TimerEvent) error {
			ran.Add(1)
			return nil
		})
	}

	time.Sleep(20 * time.Millisecond)
	c.Close()

	if got := ran.Load(); got != 5 {
		t.Errorf("ran = %d, want 5 (all queued jobs drained before close)", got)
	}

	if err := c.Submit(context.Background(), "a", timer.TimerEvent{}, func(context.Context, timer.TimerEvent) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("Submit after Close = %v, want ErrClosed", err)
	}
}
