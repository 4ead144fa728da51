// Package llm provides the provider-agnostic chat contract agent
// handlers use to talk to an upstream model, plus a small registry of
// concrete provider clients.
package llm

import "time"

// Provider identifies an upstream model vendor.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderGrok       Provider = "grok"
	ProviderGemini     Provider = "gemini"
	ProviderOpenRouter Provider = "openrouter"
	ProviderMock       Provider = "mock"
)

// Message is a single turn in a session's history. Content is plain
// text; the mortality tick is itself encoded as a Message with
// Role=tool, Name=TickToolName.
type Message struct {
	Role     string
	Content  string
	Name     string
	Metadata map[string]any
	Ts       time.Time
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments map[string]any
	Ts        time.Time
}

// SessionConfig carries the provider-agnostic knobs used to open a
// session: which model, its system prompt, and sampling parameters.
type SessionConfig struct {
	Provider        Provider
	Model           string
	SystemPrompt    string
	Temperature     float64
	TopP            float64
	MaxOutputTokens int
	Metadata        map[string]any
}

// Session is a single agent's ongoing conversation with a provider.
// Attributes is where routed-model history and other provider-reported
// metadata accumulates across turns.
type Session struct {
	ID         string
	Config     SessionConfig
	History    []Message
	Attributes map[string]any
}

// Append records message in the session's history.
func (s *Session) Append(message Message) {
	s.History = append(s.History, message)
}

// Completion is the unified result of one completion call: the
// assistant's text, any tool calls it requested, and provider-reported
// metadata (token counts, the model that actually answered, etc).
type Completion struct {
	Text      string
	ToolCalls []ToolCall
	Metadata  map[string]any
}

// TickToolName is the tool name every provider sees for a countdown
// tick, encoded as a tool-role message ahead of the agent's own
// messages.
const TickToolName = "mortality.tick"

// MakeTickToolMessage encodes a timer tick as the tool message every
// provider receives before an agent's own turn. cause is "countdown"
// for a regular tick or "micro_turn" for a broadcast-triggered nudge.
func MakeTickToolMessage(msLeft int, cause string) Message {
	return Message{
		Role: "tool",
		Name: TickToolName,
		Content: encodeTickPayload(msLeft, cause),
		Ts:   time.Now().UTC(),
	}
}
