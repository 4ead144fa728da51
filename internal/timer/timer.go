// Package timer implements the per-agent countdown used to pace the
// mortality runtime: a single goroutine sleeps for randomized,
// interruptible intervals and emits one TimerEvent per tick until the
// countdown reaches zero or the timer is cancelled.
package timer

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// ErrAlreadyRunning is returned by Start when called on a Timer whose
// loop is already active.
var ErrAlreadyRunning = errors.New("timer: already running")

// minInterval is the floor applied to every computed inter-tick sleep,
// regardless of configured tick_seconds/jitter.
const minInterval = 50 * time.Millisecond

// TimerEvent is one emission from a Timer. MsLeft is non-increasing
// across events for one agent; TickIndex starts at 0 and increases by
// one per non-terminal event; IsTerminal is true on exactly the final
// event, when the countdown has reached zero.
type TimerEvent struct {
	AgentID    string
	MsLeft     int
	TickIndex  int
	IsTerminal bool
	Ts         time.Time
}

// Callback receives each TimerEvent in turn. The timer invokes it
// synchronously from its own goroutine and waits for it to return
// before deciding whether to sleep again; callers that need to run
// longer work without blocking the timer should hand the event off
// (e.g. to a turn coordinator) and return promptly.
type Callback func(TimerEvent)

type state int

const (
	stateIdle state = iota
	stateSleeping
	stateDone
)

// Timer produces TimerEvents for a single agent until its countdown
// duration elapses or Cancel is called. The zero value is not usable;
// construct with New.
type Timer struct {
	agentID        string
	duration       time.Duration
	tickSeconds    time.Duration
	tickSecondsMax time.Duration
	tickJitterMs   int

	mu        sync.Mutex
	started   bool
	cancelled bool
	st        state

	wake chan struct{}
	done chan struct{}
}

// New constructs a Timer for agentID. tickSecondsMax must be >=
// tickSeconds and tickJitterMs must be >= 0; both are construction-time
// failures, matching the edge cases in the timing contract. duration
// of zero is valid: the timer will emit exactly one terminal event.
func New(agentID string, duration, tickSeconds, tickSecondsMax time.Duration, tickJitterMs int) (*Timer, error) {
	if tickSecondsMax < tickSeconds {
		return nil, fmt.Errorf("timer: tick_seconds_max (%s) must be >= tick_seconds (%s)", tickSecondsMax, tickSeconds)
	}
	if tickJitterMs < 0 {
		return nil, fmt.Errorf("timer: tick_jitter_ms must be >= 0, got %d", tickJitterMs)
	}
	return &Timer{
		agentID:        agentID,
		duration:       duration,
		tickSeconds:    tickSeconds,
		tickSecondsMax: tickSecondsMax,
		tickJitterMs:   tickJitterMs,
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
	}, nil
}

// AgentID returns the agent this timer counts down for.
func (t *Timer) AgentID() string { return t.agentID }

// Start launches the countdown loop on its own goroutine. Calling
// Start twice returns ErrAlreadyRunning.
func (t *Timer) Start(cb Callback) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyRunning
	}
	t.started = true
	t.mu.Unlock()

	go t.run(cb)
	return nil
}

func (t *Timer) run(cb Callback) {
	defer close(t.done)

	start := time.Now()
	tickIndex := 0

	for {
		elapsed := time.Since(start)
		remaining := t.duration - elapsed
		if remaining < 0 {
			remaining = 0
		}
		isTerminal := remaining <= 0

		event := TimerEvent{
			AgentID:    t.agentID,
			MsLeft:     int(remaining.Milliseconds()),
			TickIndex:  tickIndex,
			IsTerminal: isTerminal,
			Ts:         time.Now().UTC(),
		}

		cb(event)

		t.mu.Lock()
		cancelled := t.cancelled
		t.mu.Unlock()
		if isTerminal || cancelled {
			return
		}

		tickIndex++
		t.sleepUntilNextTick(t.nextInterval())
	}
}

// nextInterval draws the inter-tick sleep: uniform(tickSeconds,
// tickSecondsMax), perturbed by +/- tickJitterMs, floored at
// minInterval. When tickSecondsMax == tickSeconds, jitter is the only
// source of variation.
func (t *Timer) nextInterval() time.Duration {
	base := t.tickSeconds
	if t.tickSecondsMax > t.tickSeconds {
		span := t.tickSecondsMax - t.tickSeconds
		base = t.tickSeconds + time.Duration(rand.Float64()*float64(span))
	}

	if t.tickJitterMs > 0 {
		jitter := time.Duration((rand.Float64()*2-1)*float64(t.tickJitterMs)) * time.Millisecond
		base += jitter
	}

	if base < minInterval {
		base = minInterval
	}
	return base
}

// sleepUntilNextTick waits for interval to elapse or for a wake signal
// (from RequestMicroTurn or Cancel), whichever comes first, then
// drains any leftover wake so a stray signal cannot fire twice.
func (t *Timer) sleepUntilNextTick(interval time.Duration) {
	t.mu.Lock()
	t.st = stateSleeping
	t.mu.Unlock()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-t.wake:
	}

	t.mu.Lock()
	t.st = stateIdle
	t.mu.Unlock()

	select {
	case <-t.wake:
	default:
	}
}

// RequestMicroTurn makes the timer's current sleep return immediately.
// It is edge-triggered: repeated calls while already sleeping coalesce
// into a single wake. If no sleep is in progress (the callback is
// still running, or the loop has already exited), the call is a no-op
// — it does not cause the following sleep to end early.
func (t *Timer) RequestMicroTurn() {
	t.mu.Lock()
	sleeping := t.st == stateSleeping
	t.mu.Unlock()
	if !sleeping {
		return
	}
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Cancel stops the timer after its current callback invocation
// finishes. If the loop is sleeping, the sleep is interrupted
// immediately; the in-flight callback, if any, is never interrupted.
func (t *Timer) Cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	sleeping := t.st == stateSleeping
	t.mu.Unlock()

	if sleeping {
		select {
		case t.wake <- struct{}{}:
		default:
		}
	}
}

// Wait blocks until the countdown loop has exited, whether by
// expiring naturally or via Cancel.
func (t *Timer) Wait() {
	<-t.done
}
