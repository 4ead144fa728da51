package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MockClient is a deterministic offline client: it never calls out to
// a network, echoing back a short situational summary derived from the
// tick and the latest user/system content. Useful for local runs and
// tests that need the full coordination core without API keys.
type MockClient struct{}

// NewMockClient constructs a MockClient. It never returns
// ErrProviderUnavailable — the mock provider has no external
// dependency to be unavailable.
func NewMockClient() *MockClient { return &MockClient{} }

func (c *MockClient) Provider() Provider { return ProviderMock }

func (c *MockClient) CreateSession(ctx context.Context, config SessionConfig) (*Session, error) {
	return &Session{
		ID:         "mock-" + uuid.NewString(),
		Config:     config,
		Attributes: make(map[string]any),
	}, nil
}

func (c *MockClient) Complete(ctx context.Context, session *Session, messages []Message, tools []map[string]any) (Completion, error) {
	return Completion{Text: c.render(messages)}, nil
}

func (c *MockClient) render(messages []Message) string {
	tickMsLeft := -1
	cause := "countdown"
	body := messages
	if len(messages) > 0 && messages[0].Role == "tool" && messages[0].Name == TickToolName {
		var payload struct {
			TMsLeft int    `json:"t_ms_left"`
			Cause   string `json:"cause"`
		}
		if json.Unmarshal([]byte(messages[0].Content), &payload) == nil {
			tickMsLeft = payload.TMsLeft
			if payload.Cause != "" {
				cause = payload.Cause
			}
		}
		body = messages[1:]
	}

	var latestUser string
	for i := len(body) - 1; i >= 0; i-- {
		if body[i].Role == "user" {
			latestUser = body[i].Content
			break
		}
	}

	var systemContext []string
	for _, m := range body {
		if (m.Role == "system" || m.Role == "developer") && m.Content != "" {
			systemContext = append(systemContext, m.Content)
		}
	}

	var lines []string
	if tickMsLeft >= 0 {
		lines = append(lines, fmt.Sprintf("[tick %d ms left | cause: %s]", tickMsLeft, cause))
	}
	if latestUser != "" {
		lines = append(lines, "User focus: "+truncate(latestUser, 240))
	}
	if len(systemContext) > 0 {
		lines = append(lines, "Context: "+truncate(strings.Join(systemContext, " | "), 240))
	}
	if len(lines) == 0 {
		lines = append(lines, "Mock agent idles, no meaningful prompt received.")
	}
	lines = append(lines, "Plan: reflect, observe peers, log actionable insight.")
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
