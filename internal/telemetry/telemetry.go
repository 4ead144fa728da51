// Package telemetry records every causally relevant event the
// mortality runtime produces, in strict emission order, and renders
// them into the fixed-shape JSON bundle a session leaves behind.
package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Event is one recorded occurrence. Seq is a gap-free 0..N-1 sequence
// assigned at recording time.
type Event struct {
	Seq     int            `json:"seq"`
	Name    string         `json:"event"`
	Ts      time.Time      `json:"ts"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Sink receives every recorded Event. A Sink must not block the
// recorder indefinitely; implementations that need to buffer should do
// so internally.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Recorder assigns sequence numbers, buffers every event it has seen,
// and fans each one out to its configured sinks. The zero value is not
// usable; construct with New.
type Recorder struct {
	mu       sync.Mutex
	seq      int
	events   []Event
	sinks    []Sink
	agents   []AgentSnapshot
	agentSet map[string]bool
}

// AgentSnapshot is the profile captured on agent.spawned, used so the
// final bundle can list agents even when the caller doesn't pass them
// separately.
type AgentSnapshot struct {
	AgentID     string   `json:"agent_id"`
	DisplayName string   `json:"display_name"`
	Archetype   string   `json:"archetype"`
	Summary     string   `json:"summary"`
	Goals       []string `json:"goals,omitempty"`
	Traits      []string `json:"traits,omitempty"`
}

// New constructs a Recorder that fans events out to sinks, in order,
// swallowing each sink's panic so one broken sink never prevents the
// others from recording the run.
func New(sinks ...Sink) *Recorder {
	return &Recorder{sinks: sinks, agentSet: make(map[string]bool)}
}

// AddSink appends another fan-out target.
func (r *Recorder) AddSink(sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, sink)
}

// Emit records name/payload with the next sequence number and
// forwards it to every sink. Never panics: a misbehaving sink is
// isolated from the recorder and from the other sinks.
func (r *Recorder) Emit(name string, payload map[string]any) Event {
	r.mu.Lock()
	event := Event{Seq: r.seq, Name: name, Ts: time.Now().UTC(), Payload: payload}
	r.seq++
	r.events = append(r.events, event)

	if name == "agent.spawned" {
		r.snapshotAgentLocked(payload)
	}

	sinks := make([]Sink, len(r.sinks))
	copy(sinks, r.sinks)
	r.mu.Unlock()

	for _, s := range sinks {
		notifySink(s, event)
	}
	return event
}

func notifySink(s Sink, e Event) {
	defer func() { recover() }()
	s.Emit(e)
}

func (r *Recorder) snapshotAgentLocked(payload map[string]any) {
	agentID, _ := payload["agent_id"].(string)
	if agentID == "" || r.agentSet[agentID] {
		return
	}
	snapshot := AgentSnapshot{AgentID: agentID}
	if profile, ok := payload["profile"].(map[string]any); ok {
		snapshot.DisplayName, _ = profile["display_name"].(string)
		snapshot.Archetype, _ = profile["archetype"].(string)
		snapshot.Summary, _ = profile["summary"].(string)
		snapshot.Goals = stringSlice(profile["goals"])
		snapshot.Traits = stringSlice(profile["traits"])
	}
	r.agentSet[agentID] = true
	r.agents = append(r.agents, snapshot)
}

func stringSlice(v any) []string {
	raw, ok := v.([]string)
	if ok {
		return raw
	}
	anySlice, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(anySlice))
	for _, item := range anySlice {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Events returns a copy of every event recorded so far, in emission
// order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Agents returns a copy of every distinct agent snapshotted from
// agent.spawned events so far.
func (r *Recorder) Agents() []AgentSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AgentSnapshot, len(r.agents))
	copy(out, r.agents)
	return out
}

// BundleInput carries everything BuildBundle needs beyond what the
// recorder already tracks.
type BundleInput struct {
	SystemPrompt string
	Experiment   map[string]any
	Config       map[string]any
	LLM          map[string]any
	Diaries      map[string]any
	Extra        map[string]any
	Metadata     map[string]any
}

// Bundle is the JSON artifact a run produces. encoding/json emits
// object keys in struct field order, so the field order below is the
// bundle's key order.
type Bundle struct {
	BundleType   string          `json:"bundle_type"`
	SchemaVer    int             `json:"schema_version"`
	ExportedAt   time.Time       `json:"exported_at"`
	Experiment   map[string]any  `json:"experiment"`
	Config       map[string]any  `json:"config"`
	LLM          map[string]any  `json:"llm"`
	Agents       []AgentSnapshot `json:"agents"`
	Metadata     map[string]any  `json:"metadata"`
	Diaries      map[string]any  `json:"diaries"`
	Events       []Event         `json:"events"`
	Extra        map[string]any  `json:"extra"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
}

// BuildBundle assembles the fixed-shape bundle from everything the
// recorder has captured plus the caller-supplied input. If
// input.SystemPrompt is non-empty, metadata.system_prompt_sha256 is set
// to the hex SHA-256 of its UTF-8 bytes.
func (r *Recorder) BuildBundle(input BundleInput) Bundle {
	metadata := input.Metadata
	if metadata == nil {
		metadata = make(map[string]any)
	}
	if input.SystemPrompt != "" {
		sum := sha256.Sum256([]byte(input.SystemPrompt))
		metadata["system_prompt_sha256"] = hex.EncodeToString(sum[:])
	}

	return Bundle{
		SystemPrompt: input.SystemPrompt,
		BundleType:   "mortality/ui#events",
		SchemaVer:    2,
		ExportedAt:   time.Now().UTC(),
		Experiment:   orEmpty(input.Experiment),
		Config:       orEmpty(input.Config),
		LLM:          orEmpty(input.LLM),
		Agents:       r.Agents(),
		Metadata:     metadata,
		Diaries:      orEmpty(input.Diaries),
		Events:       r.Events(),
		Extra:        orEmpty(input.Extra),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	return m
}
