// Package runtime binds timers, the turn coordinator, the shared bus,
// and the telemetry recorder together into the process-wide mortality
// runtime: it spawns agents, starts their countdowns, routes
// broadcast-driven micro-turns, and drives a clean or interrupted
// shutdown.
package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/parkerjbeard/mortality/internal/agent"
	"github.com/parkerjbeard/mortality/internal/bus"
	"github.com/parkerjbeard/mortality/internal/coordinator"
	"github.com/parkerjbeard/mortality/internal/llm"
	"github.com/parkerjbeard/mortality/internal/telemetry"
	"github.com/parkerjbeard/mortality/internal/timer"
)

// ErrUnknownProvider is returned by SpawnAgent when no client in the
// registry matches the requested session provider.
var ErrUnknownProvider = fmt.Errorf("runtime: unknown provider")

// TickHandler processes one TimerEvent for one agent, on the
// coordinator's single worker goroutine. It is the experiment-supplied
// turn body: talk to the LLM collaborator, log a diary entry, maybe
// publish a broadcast. cause is "countdown" for a regularly scheduled
// tick or "micro_turn" for one triggered by a peer's broadcast.
type TickHandler func(ctx context.Context, a *agent.Agent, event timer.TimerEvent, cause string) error

// managedTimer pairs a Timer with the agent it counts down for, so
// Shutdown and the broadcast-driven nudge path can look either up by
// agent_id.
type managedTimer struct {
	timer *timer.Timer
	agent *agent.Agent
}

// Runtime is the process-wide coordinator described in spec §4.4. The
// zero value is not usable; construct with New.
type Runtime struct {
	registry    *llm.ClientRegistry
	telemetry   *telemetry.Recorder
	bus         *bus.Bus
	coordinator *coordinator.Coordinator
	logger      *slog.Logger

	mu           sync.Mutex
	agents       map[string]*agent.Agent
	timers       map[string]*managedTimer
	lastMsLeft   map[string]int
	pendingCause map[string]bool // agent_id -> next tick is a micro_turn nudge

	dedupMu sync.Mutex
	dedup   map[string]map[string]bool // "requestor|owner" -> hash set
}

// New constructs a Runtime. registry supplies the LLM collaborator
// clients agents are spawned against; recorder is the telemetry sink
// every core event is emitted to. A nil logger falls back to
// slog.Default().
func New(registry *llm.ClientRegistry, recorder *telemetry.Recorder, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runtime{
		registry:   registry,
		telemetry:  recorder,
		bus:        bus.New(),
		logger:     logger.With("component", "runtime"),
		agents:       make(map[string]*agent.Agent),
		timers:       make(map[string]*managedTimer),
		lastMsLeft:   make(map[string]int),
		pendingCause: make(map[string]bool),
		dedup:        make(map[string]map[string]bool),
	}
	r.coordinator = coordinator.New(r.bus, logger)
	r.bus.SubscribeBroadcasts(r.onBroadcast)
	return r
}

// Bus exposes the shared bus for callers that need to fetch or publish
// outside the normal handler path (e.g. tests, or a dashboard sink
// that also wants to read recent broadcasts).
func (r *Runtime) Bus() *bus.Bus { return r.bus }

// Agent returns the live Agent for agentID, or false if it is not
// (or is no longer) registered.
func (r *Runtime) Agent(agentID string) (*agent.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	return a, ok
}

// SpawnAgent picks the client matching sessionConfig.Provider from the
// registry, opens a session, and registers the resulting agent with
// the bus. Fails with ErrUnknownProvider if no client matches; the
// runtime's state is left untouched on failure.
func (r *Runtime) SpawnAgent(ctx context.Context, profile agent.Profile, sessionConfig llm.SessionConfig, memory agent.Memory) (*agent.Agent, error) {
	client, err := r.registry.Get(sessionConfig.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, sessionConfig.Provider)
	}

	a, err := agent.Spawn(ctx, client, profile, memory, sessionConfig, r.telemetry)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.agents[profile.ID] = a
	r.mu.Unlock()

	r.bus.RegisterAgent(profile)
	return a, nil
}

// StartCountdown constructs a Timer for a, registers it under its
// agent_id, emits timer.started, and wires the timer's callback to:
// emit timer.tick, record last_ms_left, submit the tick to the
// coordinator and await the handler, then emit timer.expired on the
// terminal tick. The timer is started immediately; its goroutine runs
// until it reaches its terminal tick or Shutdown cancels it.
func (r *Runtime) StartCountdown(a *agent.Agent, duration, tickSeconds, tickSecondsMax time.Duration, tickJitterMs int, handler TickHandler) error {
	agentID := a.State.Profile.ID
	if tickSecondsMax == 0 {
		tickSecondsMax = tickSeconds
	}

	t, err := timer.New(agentID, duration, tickSeconds, tickSecondsMax, tickJitterMs)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.timers[agentID] = &managedTimer{timer: t, agent: a}
	r.mu.Unlock()

	r.emit("timer.started", map[string]any{
		"agent_id":         agentID,
		"duration_ms":      duration.Milliseconds(),
		"tick_seconds":     tickSeconds.Seconds(),
		"tick_seconds_max": tickSecondsMax.Seconds(),
		"tick_jitter_ms":   tickJitterMs,
	})

	return t.Start(func(event timer.TimerEvent) {
		r.handleTick(a, event, handler)
	})
}

// handleTick runs the fixed sequence StartCountdown wires every
// callback to. It is invoked synchronously from the Timer's own
// goroutine, so it must not itself block on anything but the
// coordinator, which is exactly what serializes it against every other
// agent's handler.
func (r *Runtime) handleTick(a *agent.Agent, event timer.TimerEvent, handler TickHandler) {
	agentID := event.AgentID

	// timer.tick is emitted before start_turn so dashboards observe the
	// tick first, ahead of any turn-gated bus activity it triggers.
	r.emit("timer.tick", map[string]any{
		"agent_id":    agentID,
		"ms_left":     event.MsLeft,
		"tick_index":  event.TickIndex,
		"is_terminal": event.IsTerminal,
		"ts":          event.Ts,
	})

	r.mu.Lock()
	r.lastMsLeft[agentID] = event.MsLeft
	cause := "countdown"
	if r.pendingCause[agentID] {
		cause = "micro_turn"
		delete(r.pendingCause, agentID)
	}
	r.mu.Unlock()

	if handler != nil {
		err := r.coordinator.Submit(context.Background(), agentID, event, func(ctx context.Context, ev timer.TimerEvent) error {
			return handler(ctx, a, ev, cause)
		})
		if err != nil {
			r.logger.Error("tick handler failed", "agent_id", agentID, "error", err)
		}
	}

	if event.IsTerminal {
		r.emit("timer.expired", map[string]any{
			"agent_id":   agentID,
			"tick_index": event.TickIndex,
		})
	}
}

// onBroadcast is the bus subscriber the runtime registers at
// construction time. When agent P publishes, it asks the coordinator
// for the next waiting agent T excluding P and nudges only T's timer
// (a targeted wake, avoiding a thundering herd). If no target is
// identified, every peer timer is nudged instead.
func (r *Runtime) onBroadcast(snippet bus.Snippet) {
	publisherID := snippet.AgentID

	target, hasTarget := r.coordinator.NextWaitingAgent(publisherID)

	r.mu.Lock()
	var notified []string
	if hasTarget {
		if mt, ok := r.timers[target]; ok {
			mt.timer.RequestMicroTurn()
			r.pendingCause[target] = true
			notified = []string{target}
		}
	} else {
		for id, mt := range r.timers {
			if id == publisherID {
				continue
			}
			mt.timer.RequestMicroTurn()
			r.pendingCause[id] = true
			notified = append(notified, id)
		}
		sort.Strings(notified)
	}
	r.mu.Unlock()

	payload := map[string]any{
		"publisher_id":       publisherID,
		"listeners_notified": len(notified),
	}
	if hasTarget {
		payload["target_id"] = target
	}
	r.emit("timer.micro_turn", payload)
}

// PeerDiaryMessages calls bus.FetchBroadcasts and renders the returned
// resources as inbound messages for requestorID. The name is
// historical: the core now surfaces broadcasts, not diaries. Results
// are de-duplicated per (requestor, owner) pair by hashing the JSON of
// the returned entries, so repeated calls with nothing new to report
// return no messages the second time.
func (r *Runtime) PeerDiaryMessages(requestorID string, owners []string, limitPerOwner int, reason string) []llm.Message {
	resources := r.bus.FetchBroadcasts(requestorID, owners, limitPerOwner, reason)

	var out []llm.Message
	for _, res := range resources {
		if r.isDuplicate(requestorID, res) {
			continue
		}
		out = append(out, llm.Message{
			Role:    "user",
			Name:    res.OwnerID,
			Content: res.Text,
			Ts:      time.Now().UTC(),
		})
	}
	return out
}

func (r *Runtime) isDuplicate(requestorID string, res bus.Resource) bool {
	key := requestorID + "|" + res.OwnerID
	hash := hashResource(res)

	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()

	seen, ok := r.dedup[key]
	if !ok {
		seen = make(map[string]bool)
		r.dedup[key] = seen
	}
	if seen[hash] {
		return true
	}
	seen[hash] = true
	return false
}

func hashResource(res bus.Resource) string {
	b, err := json.Marshal(res)
	if err != nil {
		return res.OwnerID + ":" + res.Text
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DiarySnapshot is one agent's diary as captured by SnapshotDiaries.
type DiarySnapshot struct {
	Profile agent.Profile         `json:"profile"`
	Status  agent.LifecycleStatus `json:"status"`
	Entries []agent.DiaryEntry    `json:"entries"`
}

// SnapshotDiaries returns a read-only view of every agent's diary,
// keyed by agent_id. Used to build the final bundle, or to report an
// interrupted run's partial state.
func (r *Runtime) SnapshotDiaries() map[string]DiarySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]DiarySnapshot, len(r.agents))
	for id, a := range r.agents {
		entries := make([]agent.DiaryEntry, len(a.State.Memory.Diary.Entries))
		copy(entries, a.State.Memory.Diary.Entries)
		out[id] = DiarySnapshot{
			Profile: a.State.Profile,
			Status:  a.State.Status,
			Entries: entries,
		}
	}
	return out
}

// TimerSnapshot is one agent's last-known countdown state, as reported
// by PeerTimerSnapshot.
type TimerSnapshot struct {
	AgentID string `json:"agent_id"`
	MsLeft  int    `json:"ms_left"`
}

// PeerTimerSnapshot returns the last-known ms_left for every agent
// except exclude (pass "" to include everyone).
func (r *Runtime) PeerTimerSnapshot(exclude string) []TimerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]TimerSnapshot, 0, len(r.lastMsLeft))
	for id, ms := range r.lastMsLeft {
		if id == exclude {
			continue
		}
		out = append(out, TimerSnapshot{AgentID: id, MsLeft: ms})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// AgentRoute is one agent's routed-model history, recovered from the
// session Attributes that Agent.React fills in from the model each
// completion reports. Agents whose session never recorded a model are
// omitted.
type AgentRoute struct {
	AgentID         string   `json:"agent_id"`
	RoutedModels    []string `json:"routed_models"`
	LastRoutedModel string   `json:"last_routed_model"`
}

// SnapshotAgentRoutes returns the routed-model history for every agent
// whose session attributes recorded one. This is additive
// instrumentation surfaced alongside SnapshotDiaries/PeerTimerSnapshot,
// not a new core responsibility.
func (r *Runtime) SnapshotAgentRoutes() []AgentRoute {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []AgentRoute
	for id, a := range r.agents {
		if a.State.Session == nil || a.State.Session.Attributes == nil {
			continue
		}
		models, _ := a.State.Session.Attributes["routed_models"].([]string)
		last, _ := a.State.Session.Attributes["last_routed_model"].(string)
		if len(models) == 0 && last == "" {
			continue
		}
		out = append(out, AgentRoute{AgentID: id, RoutedModels: models, LastRoutedModel: last})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Shutdown cancels every timer, awaits each timer's goroutine,
// drains the coordinator (letting in-flight handlers complete), clears
// the agent/timer maps, and asks every registered client that
// advertises a close operation to close. It is the sole cancellation
// entrypoint: every Timer's current callback is allowed to finish
// before its loop exits.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	timers := make([]*managedTimer, 0, len(r.timers))
	for _, mt := range r.timers {
		timers = append(timers, mt)
	}
	r.mu.Unlock()

	for _, mt := range timers {
		mt.timer.Cancel()
	}
	for _, mt := range timers {
		mt.timer.Wait()
	}

	r.coordinator.Close()

	r.mu.Lock()
	r.agents = make(map[string]*agent.Agent)
	r.timers = make(map[string]*managedTimer)
	r.mu.Unlock()

	for _, provider := range r.registry.Providers() {
		client, err := r.registry.Get(provider)
		if err != nil {
			continue
		}
		if closer, ok := client.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				r.logger.Warn("client close failed", "provider", provider, "error", err)
			}
		}
	}
}

func (r *Runtime) emit(name string, payload map[string]any) {
	if r.telemetry == nil {
		return
	}
	r.telemetry.Emit(name, payload)
}
