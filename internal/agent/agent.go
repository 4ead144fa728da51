package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/parkerjbeard/mortality/internal/llm"
	"github.com/parkerjbeard/mortality/internal/telemetry"
)

// ErrAlreadyDead is returned by React when called on an agent whose
// status is StatusExpired.
var ErrAlreadyDead = fmt.Errorf("agent: already dead")

// ToolHandler executes a tool call requested by the model and returns
// its result, which is serialized back into a tool-role message.
type ToolHandler func(ctx context.Context, call llm.ToolCall) (any, error)

// Agent wraps an LLM client/session with the mortality bookkeeping a
// turn handler needs: tick-aware completion, diary writes, and the
// death/respawn transitions a countdown timer drives.
type Agent struct {
	client    llm.Client
	State     *State
	telemetry *telemetry.Recorder
	maxToolIterations int
}

// New wraps client and state into an Agent. telemetry may be nil, in
// which case events are simply not recorded.
func New(client llm.Client, state *State, recorder *telemetry.Recorder) *Agent {
	return &Agent{client: client, State: state, telemetry: recorder, maxToolIterations: 4}
}

// Spawn creates a session for profile via client and returns a ready
// Agent. The caller is responsible for registering the resulting
// profile with the shared bus.
func Spawn(ctx context.Context, client llm.Client, profile Profile, memory Memory, sessionConfig llm.SessionConfig, recorder *telemetry.Recorder) (*Agent, error) {
	session, err := client.CreateSession(ctx, sessionConfig)
	if err != nil {
		return nil, fmt.Errorf("agent: create session for %s: %w", profile.ID, err)
	}
	state := NewState(profile, memory, session)
	a := New(client, state, recorder)
	a.emit("agent.spawned", map[string]any{
		"agent_id": profile.ID,
		"profile": map[string]any{
			"display_name": profile.DisplayName,
			"archetype":    profile.Archetype,
			"summary":      profile.Summary,
			"goals":        profile.Goals,
			"traits":       profile.Traits,
		},
	})
	return a, nil
}

// React runs one turn: it prepends the tick tool message to messages,
// calls the model, logs the exchange, optionally executes tool calls up
// to maxToolIterations rounds, and returns the assistant's final text.
func (a *Agent) React(ctx context.Context, messages []llm.Message, tickMsLeft int, cause string, tools []map[string]any, handler ToolHandler) (string, error) {
	if a.State.Status == StatusExpired {
		return "", fmt.Errorf("%w: %s", ErrAlreadyDead, a.State.Profile.ID)
	}

	tick := llm.MakeTickToolMessage(tickMsLeft, cause)
	pending := append([]llm.Message{tick}, messages...)

	var transcript string
	for iteration := 1; ; iteration++ {
		for _, m := range pending {
			a.emitMessage("inbound", m, tickMsLeft, cause)
		}
		completion, err := a.client.Complete(ctx, a.State.Session, pending, tools)
		if err != nil {
			return "", fmt.Errorf("agent: complete for %s: %w", a.State.Profile.ID, err)
		}
		transcript = completion.Text

		if completion.Metadata != nil {
			a.recordRoutedModel(completion.Metadata)
		}
		for _, m := range pending {
			a.State.Session.Append(m)
		}

		assistant := llm.Message{Role: "assistant", Content: transcript, Metadata: completion.Metadata}
		a.State.Session.Append(assistant)
		a.emitMessage("outbound", assistant, tickMsLeft, cause)

		if len(completion.ToolCalls) == 0 || len(tools) == 0 || handler == nil || iteration >= a.maxToolIterations {
			break
		}

		toolMessages := a.executeToolCalls(ctx, completion.ToolCalls, handler, tickMsLeft, cause)
		if len(toolMessages) == 0 {
			break
		}
		pending = toolMessages
	}

	a.State.LastTickMs = tickMsLeft
	return transcript, nil
}

func (a *Agent) recordRoutedModel(metadata map[string]any) {
	attrs := a.State.Session.Attributes
	if attrs == nil {
		attrs = make(map[string]any)
		a.State.Session.Attributes = attrs
	}
	model, _ := metadata["model"].(string)
	if model == "" {
		return
	}
	history, _ := attrs["routed_models"].([]string)
	found := false
	for _, m := range history {
		if m == model {
			found = true
			break
		}
	}
	if !found {
		history = append(history, model)
	}
	attrs["routed_models"] = history
	attrs["last_routed_model"] = model
}

func (a *Agent) executeToolCalls(ctx context.Context, calls []llm.ToolCall, handler ToolHandler, tickMsLeft int, cause string) []llm.Message {
	var results []llm.Message
	for _, call := range calls {
		a.emit("agent.tool_call", map[string]any{
			"agent_id":     a.State.Profile.ID,
			"tool_call":    call,
			"tick_ms_left": tickMsLeft,
			"cause":        cause,
		})
		payload, err := handler(ctx, call)
		if err != nil {
			payload = map[string]any{"error": err.Error()}
		}
		content := serializeToolPayload(payload)
		results = append(results, llm.Message{Role: "tool", Name: call.Name, Content: content})
		a.emit("agent.tool_result", map[string]any{
			"agent_id":     a.State.Profile.ID,
			"tool_call":    call,
			"content":      content,
			"tick_ms_left": tickMsLeft,
			"cause":        cause,
		})
	}
	return results
}

func serializeToolPayload(payload any) string {
	if s, ok := payload.(string); ok {
		return s
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"result":%q}`, fmt.Sprint(payload))
	}
	return string(b)
}

// LogDiaryEntry appends a diary entry and emits agent.diary_entry.
func (a *Agent) LogDiaryEntry(text string, tickMsLeft int, tags []string) DiaryEntry {
	entry := a.State.Memory.Remember(text, tickMsLeft, tags)
	a.emit("agent.diary_entry", map[string]any{
		"agent_id": a.State.Profile.ID,
		"entry":    entry,
	})
	return entry
}

// DiaryContextMessage renders the latest diary entry as a system
// message an agent can be reminded with across a respawn, or false if
// the diary is empty.
func (a *Agent) DiaryContextMessage() (llm.Message, bool) {
	latest, ok := a.State.Memory.Diary.Latest()
	if !ok {
		return llm.Message{}, false
	}
	summary := fmt.Sprintf("Previous life #%d notes (time remaining %d ms):\n%s", latest.LifeIndex, latest.TickMsLeft, latest.Text)
	return llm.Message{Role: "system", Content: summary}, true
}

// RecordDeath writes a final diary entry (unless suppressed), marks the
// agent dead, and emits agent.death.
func (a *Agent) RecordDeath(epitaph string, logEpitaph bool) {
	if logEpitaph {
		text := epitaph
		if text == "" {
			text = "Fell silent."
		}
		a.LogDiaryEntry(text, a.State.LastTickMs, []string{"epitaph"})
	}
	a.State.MarkDead()
	a.emit("agent.death", map[string]any{
		"agent_id":     a.State.Profile.ID,
		"last_tick_ms": a.State.LastTickMs,
	})
}

// RespawnAgent starts a new life and emits agent.respawn.
func (a *Agent) RespawnAgent() {
	a.State.Memory.StartNewLife()
	a.State.Respawn()
	a.emit("agent.respawn", map[string]any{
		"agent_id":   a.State.Profile.ID,
		"life_index": a.State.Memory.LifeIndex,
	})
}

func (a *Agent) emit(name string, payload map[string]any) {
	if a.telemetry == nil {
		return
	}
	a.telemetry.Emit(name, payload)
}

func (a *Agent) emitMessage(direction string, message llm.Message, tickMsLeft int, cause string) {
	a.emit("agent.message", map[string]any{
		"agent_id":     a.State.Profile.ID,
		"direction":    direction,
		"tick_ms_left": tickMsLeft,
		"cause":        cause,
		"life_index":   a.State.Memory.LifeIndex,
		"message":      message,
	})
}
