package bus

import (
	"strings"
	"sync"
	"testing"
)

type fakeProfile string

func (p fakeProfile) AgentID() string { return string(p) }

func TestRegisterAgent_IdempotentAcrossCalls(t *testing.T) {
	b := New()
	b.RegisterAgent(fakeProfile("a1"))
	b.PublishBroadcast("a1", "Agent One", 0, "hello")
	b.RegisterAgent(fakeProfile("a1"))

	got := b.FetchBroadcasts("other", []string{"a1"}, 10, "test")
	if len(got) != 1 || !strings.Contains(got[0].Text, "hello") {
		t.Fatalf("bucket lost on re-registration: %+v", got)
	}
}

// TestScenario1_SerializedBroadcasts mirrors the described end-to-end
// scenario: while A holds the turn, B's publish is dropped; once the
// turn passes to nobody, B's publish is accepted.
func TestScenario1_SerializedBroadcasts(t *testing.T) {
	b := New()
	b.RegisterAgent(fakeProfile("A"))
	b.RegisterAgent(fakeProfile("B"))

	b.StartTurn("A", 1)
	if ok := b.PublishBroadcast("A", "A", 0, "Broadcast: hello"); !ok {
		t.Fatal("A's publish during A's own turn should be accepted")
	}
	if ok := b.PublishBroadcast("B", "B", 0, "Broadcast: denied"); ok {
		t.Fatal("B's publish during A's turn should be silently dropped")
	}
	b.EndTurn("A")
	if ok := b.PublishBroadcast("B", "B", 0, "Broadcast: now"); !ok {
		t.Fatal("B's publish after the turn closes should be accepted")
	}

	aSnippets := b.FetchBroadcasts("nobody", []string{"A"}, 10, "")
	bSnippets := b.FetchBroadcasts("nobody", []string{"B"}, 10, "")
	if len(aSnippets) != 1 {
		t.Errorf("A's bucket has %d resources, want 1", len(aSnippets))
	}
	if len(bSnippets) != 1 {
		t.Errorf("B's bucket has %d resources, want 1", len(bSnippets))
	}
	if strings.Count(bSnippets[0].Text, "\n-") != 0 || strings.Count(bSnippets[0].Text, "- ") != 1 {
		t.Errorf("B's digest should hold exactly one line, got %q", bSnippets[0].Text)
	}
}

func TestPublishBroadcast_NoOpenTurnAllowsAnyAgent(t *testing.T) {
	b := New()
	if ok := b.PublishBroadcast("anyone", "Anyone", 0, "no turn active"); !ok {
		t.Fatal("publish with no open turn should be accepted")
	}
}

func TestFetchBroadcasts_ZeroLimitReturnsEmptyAndSkipsOwnersAndSelf(t *testing.T) {
	b := New()
	var notified int
	b.SubscribeBroadcasts(func(Snippet) { notified++ })

	b.PublishBroadcast("A", "A", 0, "hi")
	got := b.FetchBroadcasts("A", []string{"A"}, 0, "")
	if len(got) != 0 {
		t.Errorf("FetchBroadcasts(limit=0) = %v, want empty", got)
	}
	if notified != 1 {
		t.Errorf("notified = %d, want 1 (only from the publish, not the fetch)", notified)
	}

	got = b.FetchBroadcasts("A", []string{"A"}, 10, "")
	if len(got) != 0 {
		t.Error("FetchBroadcasts should never return the requestor's own bucket")
	}
}

func TestFetchBroadcasts_MostRecentLimitInChronologicalOrder(t *testing.T) {
	b := New()
	for i := 0; i < 5; i++ {
		b.PublishBroadcast("owner", "Owner", 0, string(rune('a'+i)))
	}
	got := b.FetchBroadcasts("requestor", []string{"owner"}, 2, "")
	if len(got) != 1 {
		t.Fatalf("got %d resources, want 1", len(got))
	}
	lines := strings.Split(got[0].Text, "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d digest lines, want 2", len(lines))
	}
	if !strings.Contains(lines[0], ": d") || !strings.Contains(lines[1], ": e") {
		t.Errorf("digest lines out of order: %q", got[0].Text)
	}
}

func TestSubscribeBroadcasts_NotifiesInRegistrationOrderAndSwallowsPanics(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var order []int

	b.SubscribeBroadcasts(func(Snippet) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		panic("subscriber one exploded")
	})
	b.SubscribeBroadcasts(func(Snippet) {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	})

	b.PublishBroadcast("A", "A", 0, "hello")

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("notification order = %v, want [1 2] with subscriber 1's panic contained", order)
	}
}

func TestSubscribeBroadcasts_DedupesSameCallbackIdentity(t *testing.T) {
	b := New()
	var count int
	cb := func(Snippet) { count++ }

	b.SubscribeBroadcasts(cb)
	b.SubscribeBroadcasts(cb)
	b.PublishBroadcast("A", "A", 0, "hello")

	if count != 1 {
		t.Errorf("count = %d, want 1 (duplicate subscription should not double-notify)", count)
	}
}
