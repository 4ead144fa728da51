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

// openAICompatClient talks to any provider that exposes an
// OpenAI-shaped /chat/completions endpoint — which in practice covers
// OpenAI itself plus several other vendors' compatibility layers. One
// implementation, parameterized by base URL and auth header, backs
// every Client the registry wires up except Anthropic and the mock.
type openAICompatClient struct {
	provider   Provider
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

func newOpenAICompatClient(provider Provider, baseURL, apiKey string, logger *slog.Logger) *openAICompatClient {
	if logger == nil {
		logger = slog.Default()
	}
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second
	return &openAICompatClient{
		provider: provider,
		baseURL:  baseURL,
		apiKey:   apiKey,
		logger:   logger.With("provider", string(provider)),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
		),
	}
}

func (c *openAICompatClient) Provider() Provider { return c.provider }

func (c *openAICompatClient) CreateSession(ctx context.Context, config SessionConfig) (*Session, error) {
	return &Session{
		ID:         fmt.Sprintf("%s-%s", c.provider, uuid.NewString()),
		Config:     config,
		Attributes: make(map[string]any),
	}, nil
}

type chatCompletionRequest struct {
	Model       string              `json:"model"`
	Messages    []chatCompletionMsg `json:"messages"`
	Temperature float64             `json:"temperature,omitempty"`
	TopP        float64             `json:"top_p,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Tools       []map[string]any    `json:"tools,omitempty"`
}

type chatCompletionMsg struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *openAICompatClient) Complete(ctx context.Context, session *Session, messages []Message, tools []map[string]any) (Completion, error) {
	req := chatCompletionRequest{
		Model:       session.Config.Model,
		Temperature: session.Config.Temperature,
		TopP:        session.Config.TopP,
		MaxTokens:   session.Config.MaxOutputTokens,
		Tools:       tools,
	}
	if session.Config.SystemPrompt != "" {
		req.Messages = append(req.Messages, chatCompletionMsg{Role: "system", Content: session.Config.SystemPrompt})
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, chatCompletionMsg{Role: m.Role, Content: m.Content, Name: m.Name})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Completion{}, fmt.Errorf("llm: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Completion{}, fmt.Errorf("llm: %s request: %w", c.provider, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	if resp.StatusCode >= 400 {
		return Completion{}, fmt.Errorf("llm: %s returned %s: %s", c.provider, resp.Status, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var out chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Completion{}, fmt.Errorf("llm: decode %s response: %w", c.provider, err)
	}
	if len(out.Choices) == 0 {
		return Completion{}, fmt.Errorf("llm: %s returned no choices", c.provider)
	}

	choice := out.Choices[0]
	completion := Completion{
		Text: choice.Message.Content,
		Metadata: map[string]any{
			"model":         out.Model,
			"input_tokens":  out.Usage.PromptTokens,
			"output_tokens": out.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		json.Unmarshal([]byte(tc.Function.Arguments), &args)
		completion.ToolCalls = append(completion.ToolCalls, ToolCall{
			CallID:    tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
			Ts:        time.Now().UTC(),
		})
	}
	return completion, nil
}
