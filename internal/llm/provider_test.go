package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAnthropicClient_CompleteParsesTextAndToolUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q, want test-key", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Errorf("anthropic-version = %q, want %q", r.Header.Get("anthropic-version"), anthropicAPIVersion)
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.System == "" {
			t.Error("expected system prompt to be forwarded")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(anthropicResponse{
			Model: "claude-mock",
			Content: []anthropicContentBlock{
				{Type: "text", Text: "hello"},
				{Type: "tool_use", ID: "call_1", Name: "log_diary", Input: map[string]any{"text": "note"}},
			},
			Usage: anthropicUsage{InputTokens: 10, OutputTokens: 4},
		})
	}))
	defer srv.Close()

	c := newAnthropicClient("test-key", nil)
	c.apiURL = srv.URL

	session, err := c.CreateSession(context.Background(), SessionConfig{SystemPrompt: "You are an agent.", Model: "claude-mock"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	completion, err := c.Complete(context.Background(), session, []Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if completion.Text != "hello" {
		t.Errorf("text = %q, want hello", completion.Text)
	}
	if len(completion.ToolCalls) != 1 || completion.ToolCalls[0].Name != "log_diary" {
		t.Errorf("tool calls = %+v, want one log_diary call", completion.ToolCalls)
	}
	if completion.Metadata["model"] != "claude-mock" {
		t.Errorf("metadata model = %v, want claude-mock", completion.Metadata["model"])
	}
}

func TestAnthropicClient_TickToolRoleBecomesUserContent(t *testing.T) {
	var gotRoles []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		json.NewDecoder(r.Body).Decode(&req)
		for _, m := range req.Messages {
			gotRoles = append(gotRoles, m.Role)
		}
		json.NewEncoder(w).Encode(anthropicResponse{})
	}))
	defer srv.Close()

	c := newAnthropicClient("k", nil)
	c.apiURL = srv.URL

	session, _ := c.CreateSession(context.Background(), SessionConfig{})
	_, err := c.Complete(context.Background(), session, []Message{MakeTickToolMessage(1000, "countdown")}, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	for _, role := range gotRoles {
		if role == "tool" {
			t.Errorf("tick message role leaked through as %q, want remapped to user", role)
		}
	}
}

func TestOpenAICompatClient_CompleteParsesChoiceAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Errorf("missing bearer auth header")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-mock",
			"choices": []map[string]any{
				{"message": map[string]any{"content": "ack"}},
			},
			"usage": map[string]any{"prompt_tokens": 5, "completion_tokens": 2},
		})
	}))
	defer srv.Close()

	c := newOpenAICompatClient(ProviderOpenAI, srv.URL, "sk-test", nil)
	session, err := c.CreateSession(context.Background(), SessionConfig{Model: "gpt-mock"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	completion, err := c.Complete(context.Background(), session, []Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if completion.Text != "ack" {
		t.Errorf("text = %q, want ack", completion.Text)
	}
	if completion.Metadata["input_tokens"] != 5 {
		t.Errorf("input_tokens = %v, want 5", completion.Metadata["input_tokens"])
	}
}

func TestOpenAICompatClient_ErrorStatusSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	c := newOpenAICompatClient(ProviderOpenRouter, srv.URL, "sk-test", nil)
	session, _ := c.CreateSession(context.Background(), SessionConfig{})
	_, err := c.Complete(context.Background(), session, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("err = %v, want wrapped rate limited body", err)
	}
}
