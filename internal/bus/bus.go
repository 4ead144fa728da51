// Package bus implements the turn-gated broadcast channel agents use to
// perceive one another. Diaries stay private to each agent; broadcasts
// are the only peer-visible surface, and only the current turn holder
// (or nobody, if no turn is open) may add to it.
package bus

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"
)

// Profile is the minimal identity a registrant must expose. AgentProfile
// in the agent package implements it; the bus never needs the rest of
// an agent's fields.
type Profile interface {
	AgentID() string
}

// Snippet is one broadcast, stamped with the publishing agent's current
// life at the moment it was written.
type Snippet struct {
	AgentID   string
	Label     string
	LifeIndex int
	Text      string
	CreatedAt time.Time
}

// Resource is the human-readable, per-owner digest fetch_broadcasts
// hands back to a requesting agent.
type Resource struct {
	OwnerID string
	Text    string
}

// Subscriber receives every accepted broadcast, in publish order, along
// with the id of the agent whose turn accepted it.
type Subscriber func(Snippet)

// Bus is the publish/subscribe channel for broadcast snippets. The zero
// value is not usable; construct with New.
type Bus struct {
	mu         sync.Mutex
	buckets    map[string][]Snippet
	turnHolder string
	turnOpen   bool
	subs       []subEntry
}

type subEntry struct {
	key      uintptr
	callback Subscriber
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{buckets: make(map[string][]Snippet)}
}

// RegisterAgent ensures profile has a broadcast bucket. Idempotent:
// registering the same agent twice never duplicates or clears its
// bucket.
func (b *Bus) RegisterAgent(profile Profile) {
	id := profile.AgentID()
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.buckets[id]; !ok {
		b.buckets[id] = nil
	}
}

// StartTurn marks agentID as the sole agent permitted to publish until
// EndTurn is called. turnIndex is accepted to satisfy the coordinator's
// Bus interface but the bus itself does not need it for gating.
func (b *Bus) StartTurn(agentID string, turnIndex int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turnHolder = agentID
	b.turnOpen = true
}

// EndTurn closes the current turn. After this call, no agent holds
// exclusive publish rights until the next StartTurn.
func (b *Bus) EndTurn(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.turnHolder == agentID {
		b.turnOpen = false
		b.turnHolder = ""
	}
}

// PublishBroadcast appends text to agentID's bucket iff agentID holds
// the current turn, or no turn is open. Out-of-turn publishes are
// silently dropped — reports false, never an error — so a handler can
// never crash by speaking at the wrong time. On acceptance, every
// subscriber is invoked exactly once, in registration order; a
// subscriber that panics or whose callback we can't otherwise trust is
// isolated from the rest.
func (b *Bus) PublishBroadcast(agentID, label string, lifeIndex int, text string) bool {
	b.mu.Lock()
	if b.turnOpen && b.turnHolder != agentID {
		b.mu.Unlock()
		return false
	}
	snippet := Snippet{
		AgentID:   agentID,
		Label:     label,
		LifeIndex: lifeIndex,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	b.buckets[agentID] = append(b.buckets[agentID], snippet)
	subs := make([]subEntry, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		notifySubscriber(s.callback, snippet)
	}
	return true
}

func notifySubscriber(cb Subscriber, snippet Snippet) {
	defer func() {
		recover()
	}()
	cb(snippet)
}

// SubscribeBroadcasts registers callback to be invoked on every accepted
// broadcast. Subscribing the same callback value a second time is a
// no-op — the bus dedupes by the callback's identity rather than
// growing an unbounded subscriber list across reconnect-style code
// paths.
func (b *Bus) SubscribeBroadcasts(callback Subscriber) {
	key := reflect.ValueOf(callback).Pointer()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.key == key {
			return
		}
	}
	b.subs = append(b.subs, subEntry{key: key, callback: callback})
}

// FetchBroadcasts returns, for each owner other than requestorID, a
// Resource digesting that owner's most recent limit snippets in
// chronological order. Owners with no snippets (or who are the
// requestor) produce no resource. reason is accepted for callers that
// want to annotate telemetry around the fetch; the bus itself does not
// interpret it.
func (b *Bus) FetchBroadcasts(requestorID string, owners []string, limit int, reason string) []Resource {
	if limit <= 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var resources []Resource
	for _, owner := range owners {
		if owner == requestorID {
			continue
		}
		snippets := b.buckets[owner]
		if len(snippets) == 0 {
			continue
		}
		start := len(snippets) - limit
		if start < 0 {
			start = 0
		}
		recent := snippets[start:]
		resources = append(resources, Resource{
			OwnerID: owner,
			Text:    buildDigest(recent),
		})
	}

	sort.SliceStable(resources, func(i, j int) bool { return resources[i].OwnerID < resources[j].OwnerID })
	return resources
}

// buildDigest renders snippets as the per-line human-readable digest:
// "- {label} (via bus) from life {life_index} at {timestamp}: {text}".
func buildDigest(snippets []Snippet) string {
	var out string
	for i, s := range snippets {
		if i > 0 {
			out += "\n"
		}
		out += fmt.Sprintf("- %s (via bus) from life %d at %s: %s",
			s.Label, s.LifeIndex, s.CreatedAt.Format(time.RFC3339), s.Text)
	}
	return out
}
