package telemetry

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEmit_AssignsGapFreeSequence(t *testing.T) {
	r := New()
	for i := 0; i < 3; i++ {
		r.Emit("timer.tick", nil)
	}
	events := r.Events()
	for i, e := range events {
		if e.Seq != i {
			t.Errorf("event %d has Seq %d, want %d", i, e.Seq, i)
		}
	}
}

func TestEmit_FanOutSwallowsPanickingSink(t *testing.T) {
	var calls int
	good := SinkFunc(func(Event) { calls++ })
	bad := SinkFunc(func(Event) { panic("sink exploded") })

	r := New(bad, good)
	r.Emit("agent.death", nil)

	if calls != 1 {
		t.Errorf("good sink called %d times, want 1 (bad sink's panic should not suppress it)", calls)
	}
}

func TestEmit_SnapshotsAgentProfileOnSpawn(t *testing.T) {
	r := New()
	r.Emit("agent.spawned", map[string]any{
		"agent_id": "a1",
		"profile": map[string]any{
			"display_name": "Echo",
			"archetype":    "observer",
			"summary":      "watches quietly",
			"goals":        []any{"notice patterns"},
		},
	})
	// A second spawn for the same agent_id should not duplicate it.
	r.Emit("agent.spawned", map[string]any{"agent_id": "a1"})

	agents := r.Agents()
	if len(agents) != 1 {
		t.Fatalf("got %d agent snapshots, want 1", len(agents))
	}
	if agents[0].DisplayName != "Echo" || agents[0].Goals[0] != "notice patterns" {
		t.Errorf("snapshot = %+v, want DisplayName=Echo and a goal", agents[0])
	}
}

func TestBuildBundle_FixedKeyOrderAndSystemPromptHash(t *testing.T) {
	r := New()
	r.Emit("timer.started", nil)

	bundle := r.BuildBundle(BundleInput{SystemPrompt: "hello"})
	if bundle.BundleType != "mortality/ui#events" || bundle.SchemaVer != 2 {
		t.Errorf("bundle = %+v, want bundle_type/schema_version set", bundle)
	}
	if _, ok := bundle.Metadata["system_prompt_sha256"]; !ok {
		t.Error("expected metadata.system_prompt_sha256 to be set when a system prompt is supplied")
	}

	raw, err := json.Marshal(bundle)
	if err != nil {
		t.Fatal(err)
	}
	order := []string{"bundle_type", "schema_version", "exported_at", "experiment", "config", "llm", "agents", "metadata", "diaries", "events", "extra", "system_prompt"}
	lastIdx := -1
	for _, key := range order {
		idx := strings.Index(string(raw), `"`+key+`"`)
		if idx == -1 {
			t.Fatalf("key %q missing from bundle JSON", key)
		}
		if idx <= lastIdx {
			t.Errorf("key %q appears out of order in bundle JSON", key)
		}
		lastIdx = idx
	}
}

func TestBuildBundle_OmitsSystemPromptHashWhenNotSupplied(t *testing.T) {
	r := New()
	bundle := r.BuildBundle(BundleInput{})
	if _, ok := bundle.Metadata["system_prompt_sha256"]; ok {
		t.Error("system_prompt_sha256 should be absent without a system prompt")
	}
}
