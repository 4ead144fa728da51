package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/parkerjbeard/mortality/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
)

// anthropicClient talks to the Anthropic Messages API, whose wire
// format (a separate top-level system string, content blocks instead
// of tool_call arrays) doesn't fit the OpenAI-compatible shape the
// other providers share.
type anthropicClient struct {
	apiKey     string
	apiURL     string
	httpClient *http.Client
	logger     *slog.Logger
}

func newAnthropicClient(apiKey string, logger *slog.Logger) *anthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second
	return &anthropicClient{
		apiKey: apiKey,
		apiURL: anthropicAPIURL,
		logger: logger.With("provider", "anthropic"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

func (c *anthropicClient) Provider() Provider { return ProviderAnthropic }

func (c *anthropicClient) CreateSession(ctx context.Context, config SessionConfig) (*Session, error) {
	return &Session{
		ID:         "anthropic-" + uuid.NewString(),
		Config:     config,
		Attributes: make(map[string]any),
	}, nil
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

type anthropicResponse struct {
	Content []anthropicContentBlock `json:"content"`
	Model   string                  `json:"model"`
	Usage   anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     any    `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (c *anthropicClient) Complete(ctx context.Context, session *Session, messages []Message, tools []map[string]any) (Completion, error) {
	req := anthropicRequest{
		Model:     session.Config.Model,
		System:    session.Config.SystemPrompt,
		MaxTokens: maxTokensOrDefault(session.Config.MaxOutputTokens),
	}
	for _, m := range messages {
		role := m.Role
		if role == "tool" {
			// The Messages API has no bare tool role; ticks and tool
			// results travel as user-authored content blocks instead.
			role = "user"
		}
		if role != "user" && role != "assistant" {
			continue
		}
		req.Messages = append(req.Messages, anthropicMessage{Role: role, Content: m.Content})
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, anthropicTool{
			Name:        fmt.Sprint(t["name"]),
			Description: fmt.Sprint(t["description"]),
			InputSchema: t["input_schema"],
		})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Completion{}, fmt.Errorf("llm: encode anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("llm: build anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Completion{}, fmt.Errorf("llm: anthropic request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	if resp.StatusCode >= 400 {
		return Completion{}, fmt.Errorf("llm: anthropic returned %s: %s", resp.Status, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Completion{}, fmt.Errorf("llm: decode anthropic response: %w", err)
	}

	completion := Completion{
		Metadata: map[string]any{
			"model":         out.Model,
			"input_tokens":  out.Usage.InputTokens,
			"output_tokens": out.Usage.OutputTokens,
		},
	}
	for _, block := range out.Content {
		switch block.Type {
		case "text":
			completion.Text += block.Text
		case "tool_use":
			args, _ := block.Input.(map[string]any)
			completion.ToolCalls = append(completion.ToolCalls, ToolCall{
				CallID:    block.ID,
				Name:      block.Name,
				Arguments: args,
				Ts:        time.Now().UTC(),
			})
		}
	}
	return completion, nil
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return 1024
	}
	return n
}
