package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrProviderUnavailable names the condition of a provider whose
// credentials or configuration are absent. No constructor in this
// package returns it: RegisterDefaultClients skips a provider whose key
// is empty without constructing it.
var ErrProviderUnavailable = errors.New("llm: provider unavailable")

// Client is the interface every provider implementation satisfies. It
// is the sole boundary between the mortality core and an upstream
// model: the core never inspects provider wire formats directly.
type Client interface {
	Provider() Provider
	CreateSession(ctx context.Context, config SessionConfig) (*Session, error)
	Complete(ctx context.Context, session *Session, messages []Message, tools []map[string]any) (Completion, error)
}

// ClientRegistry holds at most one Client per Provider.
type ClientRegistry struct {
	clients map[Provider]Client
}

// NewClientRegistry returns an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[Provider]Client)}
}

// Register adds client under its own Provider(), replacing any
// previous registrant for that provider.
func (r *ClientRegistry) Register(client Client) {
	r.clients[client.Provider()] = client
}

// Get returns the client registered for provider, or an error if none
// was registered.
func (r *ClientRegistry) Get(provider Provider) (Client, error) {
	c, ok := r.clients[provider]
	if !ok {
		return nil, fmt.Errorf("llm: no client registered for provider %q", provider)
	}
	return c, nil
}

// Providers lists every provider currently registered.
func (r *ClientRegistry) Providers() []Provider {
	out := make([]Provider, 0, len(r.clients))
	for p := range r.clients {
		out = append(out, p)
	}
	return out
}

func encodeTickPayload(msLeft int, cause string) string {
	b, err := json.Marshal(map[string]any{"t_ms_left": msLeft, "cause": cause})
	if err != nil {
		return fmt.Sprintf(`{"t_ms_left":%d,"cause":%q}`, msLeft, cause)
	}
	return string(b)
}
