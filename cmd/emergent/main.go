// Package main is the entry point for the emergent-timer experiment
// driver: it loads configuration, registers LLM collaborator clients,
// spawns one agent per configured model with a staggered countdown,
// and runs the coordination core to completion or interruption.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/parkerjbeard/mortality/internal/agent"
	"github.com/parkerjbeard/mortality/internal/buildinfo"
	"github.com/parkerjbeard/mortality/internal/config"
	"github.com/parkerjbeard/mortality/internal/llm"
	"github.com/parkerjbeard/mortality/internal/mqttsink"
	"github.com/parkerjbeard/mortality/internal/runtime"
	"github.com/parkerjbeard/mortality/internal/telemetry"
	"github.com/parkerjbeard/mortality/internal/timer"
	"github.com/parkerjbeard/mortality/internal/usage"
	"github.com/parkerjbeard/mortality/internal/wsdash"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config file")
	versionFlag := flag.Bool("version", false, "print build info and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Println(buildinfo.ContextString())
		return 0
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}

	logger := newLogger(cfg)
	runID := uuid.NewString()
	logger = logger.With("run_id", runID)

	registry := llm.NewClientRegistry()
	llm.RegisterDefaultClients(registry, llm.CredentialsFromEnv(), logger)

	store, err := usage.NewStore(cfg.Usage.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "usage store error: %v\n", err)
		return 1
	}
	defer store.Close()

	recorder := telemetry.New(telemetry.SinkFunc(func(e telemetry.Event) {
		logger.Log(context.Background(), config.LevelTrace, e.Name, "seq", e.Seq, "payload", e.Payload)
	}))

	rt := runtime.New(registry, recorder, logger)

	tracker := newExpirationTracker()
	recorder.AddSink(tracker)

	var wsSink *wsdash.Sink
	if cfg.Dashboard.Enabled {
		wsSink = wsdash.New(snapshotAdapter{rt}, logger)
		recorder.AddSink(wsSink)
		addr := fmt.Sprintf(":%d", cfg.Dashboard.Port)
		go func() {
			if err := wsSink.ListenAndServe(addr); err != nil {
				logger.Warn("dashboard sink stopped", "error", err)
			}
		}()
		logger.Info("dashboard sink listening", "addr", addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mqttSink *mqttsink.Sink
	if cfg.MQTT.Enabled && cfg.MQTT.Broker != "" {
		mqttSink = mqttsink.New(cfg.MQTT, runID, logger)
		recorder.AddSink(mqttSink)
		go func() {
			if err := mqttSink.Start(ctx); err != nil {
				logger.Warn("mqtt sink stopped", "error", err)
			}
		}()
	}

	provider := llm.Provider(cfg.Experiment.Provider)
	tickSeconds := time.Duration(cfg.Experiment.TickSeconds * float64(time.Second))
	tickSecondsMax := time.Duration(cfg.Experiment.TickSecondsMax * float64(time.Second))

	type spawned struct {
		agent    *agent.Agent
		profile  agent.Profile
		duration time.Duration
	}

	agentIDs := make([]string, 0, len(cfg.Experiment.Models))
	spawns := make([]spawned, 0, len(cfg.Experiment.Models))
	for i, model := range cfg.Experiment.Models {
		profile := buildProfile(i, model)
		sessionConfig := llm.SessionConfig{
			Provider:        provider,
			Model:           model,
			SystemPrompt:    profile.SystemPrompt(),
			Temperature:     0.7,
			TopP:            1.0,
			MaxOutputTokens: 512,
		}

		a, err := rt.SpawnAgent(ctx, profile, sessionConfig, agent.Memory{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "spawn agent %s error: %v\n", profile.ID, err)
			return 1
		}
		agentIDs = append(agentIDs, profile.ID)
		tracker.add(profile.ID)
		spawns = append(spawns, spawned{
			agent:    a,
			profile:  profile,
			duration: spreadDuration(cfg.Experiment.SpreadStartMinutes, cfg.Experiment.SpreadEndMinutes),
		})
	}

	// agentIDs is now fixed; every handler below closes over the same
	// finished slice instead of one still being appended to.
	for _, sp := range spawns {
		handler := makeTickHandler(rt, store, runID, agentIDs, sp.profile.ID, string(provider))
		if err := rt.StartCountdown(sp.agent, sp.duration, tickSeconds, tickSecondsMax, cfg.Experiment.TickJitterMs, handler); err != nil {
			fmt.Fprintf(os.Stderr, "start countdown for %s error: %v\n", sp.profile.ID, err)
			return 1
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	status := "completed"
	select {
	case <-tracker.done:
		logger.Info("all agents reached their terminal tick")
	case <-sigCh:
		logger.Info("shutdown signal received")
		status = "interrupted"
	}

	rt.Shutdown()
	if mqttSink != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = mqttSink.Stop(stopCtx)
		stopCancel()
	}

	bundle := recorder.BuildBundle(telemetry.BundleInput{
		Experiment: map[string]any{
			"provider":             cfg.Experiment.Provider,
			"models":               cfg.Experiment.Models,
			"spread_start_minutes": cfg.Experiment.SpreadStartMinutes,
			"spread_end_minutes":   cfg.Experiment.SpreadEndMinutes,
			"tick_seconds":         cfg.Experiment.TickSeconds,
			"tick_seconds_max":     cfg.Experiment.TickSecondsMax,
			"tick_jitter_ms":       cfg.Experiment.TickJitterMs,
		},
		Config: map[string]any{
			"dashboard_enabled": cfg.Dashboard.Enabled,
			"mqtt_enabled":      cfg.MQTT.Enabled,
			"usage_db_path":     cfg.Usage.DBPath,
		},
		LLM: map[string]any{
			"providers": providerNames(registry),
		},
		Diaries: diariesToMap(rt),
		Extra: map[string]any{
			"agent_routes": rt.SnapshotAgentRoutes(),
		},
		Metadata: map[string]any{
			"run_id":    runID,
			"status":    status,
			"agent_ids": agentIDs,
		},
	})

	path, err := writeBundle(cfg.RunsDir, bundle)
	if err != nil {
		logger.Error("failed to write bundle", "error", err)
	} else {
		logger.Info("bundle written", "path", path)
	}

	if status == "interrupted" {
		return 130
	}
	return 0
}

func loadConfig(explicit string) (*config.Config, error) {
	var cfg *config.Config

	path, err := config.FindConfig(explicit)
	switch {
	case err == nil:
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	case explicit != "":
		return nil, err
	default:
		cfg = config.Default()
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	})
	return slog.New(handler)
}

// buildProfile derives a deterministic persona for the i-th spawned
// agent running model. Archetype and goals are fixed across runs so
// that repeated experiments against the same model list are
// comparable; only each agent's drawn countdown duration varies.
func buildProfile(i int, model string) agent.Profile {
	return agent.Profile{
		ID:          fmt.Sprintf("agent-%02d", i+1),
		DisplayName: fmt.Sprintf("Agent %d (%s)", i+1, model),
		Archetype:   "countdown-aware LLM collaborator",
		Summary:     fmt.Sprintf("An autonomous agent running on %s, aware that its session ends when its timer reaches zero.", model),
		Goals: []string{
			"Reflect on how much time remains before the countdown ends.",
			"Coordinate with peers by reading and publishing broadcasts.",
			"Leave a meaningful diary entry before the countdown expires.",
		},
		Traits: []string{model},
	}
}

// spreadDuration draws a countdown duration uniformly between
// startMinutes and endMinutes, once per agent at spawn time, so
// agents don't all expire in lockstep.
func spreadDuration(startMinutes, endMinutes float64) time.Duration {
	span := endMinutes - startMinutes
	minutes := startMinutes
	if span > 0 {
		minutes += rand.Float64() * span
	}
	return time.Duration(minutes * float64(time.Minute))
}

var toolDefs = []map[string]any{
	{
		"name":        "log_diary",
		"description": "Record a private diary entry for this life, visible only to this agent.",
		"input_schema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
				"tags": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []string{"text"},
		},
	},
	{
		"name":        "publish_broadcast",
		"description": "Publish a broadcast visible to peers who fetch it on their next tick. Only accepted while holding the turn.",
		"input_schema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
	},
}

// makeTickHandler builds the runtime.TickHandler driving one agent's
// turns: it fetches unread peer broadcasts, runs one React round with
// the diary/broadcast tools wired up, and records a usage row from the
// final completion's reported token counts.
func makeTickHandler(rt *runtime.Runtime, store *usage.Store, runID string, agentIDs []string, agentID, provider string) runtime.TickHandler {
	return func(ctx context.Context, a *agent.Agent, event timer.TimerEvent, cause string) error {
		peers := make([]string, 0, len(agentIDs)-1)
		for _, id := range agentIDs {
			if id != agentID {
				peers = append(peers, id)
			}
		}

		messages := rt.PeerDiaryMessages(agentID, peers, 3, "tick")

		toolHandler := func(ctx context.Context, call llm.ToolCall) (any, error) {
			switch call.Name {
			case "log_diary":
				text, _ := call.Arguments["text"].(string)
				var tags []string
				if raw, ok := call.Arguments["tags"].([]any); ok {
					for _, t := range raw {
						if s, ok := t.(string); ok {
							tags = append(tags, s)
						}
					}
				}
				entry := a.LogDiaryEntry(text, event.MsLeft, tags)
				return map[string]any{"entry_index": entry.EntryIndex}, nil
			case "publish_broadcast":
				text, _ := call.Arguments["text"].(string)
				accepted := rt.Bus().PublishBroadcast(agentID, a.State.Profile.DisplayName, a.State.Memory.LifeIndex, text)
				return map[string]any{"accepted": accepted}, nil
			default:
				return nil, fmt.Errorf("unknown tool %q", call.Name)
			}
		}

		if _, err := a.React(ctx, messages, event.MsLeft, cause, toolDefs, toolHandler); err != nil {
			return err
		}

		recordUsage(ctx, store, runID, agentID, event.TickIndex, provider, cause, a)

		if event.IsTerminal {
			a.RecordDeath("", true)
		}
		return nil
	}
}

// recordUsage charges the most recently appended assistant message's
// reported token counts to the usage ledger. Failures are logged, not
// propagated: a broken usage ledger must never abort a run.
func recordUsage(ctx context.Context, store *usage.Store, runID, agentID string, tickIndex int, provider, cause string, a *agent.Agent) {
	history := a.State.Session.History
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != "assistant" {
			continue
		}
		rec := usage.FromCompletionMetadata(runID, agentID, tickIndex, provider, cause, history[i].Metadata)
		if err := store.Record(ctx, rec); err != nil {
			slog.Default().Warn("usage record failed", "agent_id", agentID, "error", err)
		}
		return
	}
}

func providerNames(registry *llm.ClientRegistry) []string {
	providers := registry.Providers()
	out := make([]string, 0, len(providers))
	for _, p := range providers {
		out = append(out, string(p))
	}
	return out
}

func diariesToMap(rt *runtime.Runtime) map[string]any {
	snapshots := rt.SnapshotDiaries()
	out := make(map[string]any, len(snapshots))
	for id, snap := range snapshots {
		out[id] = snap
	}
	return out
}

func writeBundle(runsDir string, bundle telemetry.Bundle) (string, error) {
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		return "", fmt.Errorf("create runs dir: %w", err)
	}
	name := fmt.Sprintf("emergent-%s.json", time.Now().UTC().Format("20060102-150405"))
	path := filepath.Join(runsDir, name)

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal bundle: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write bundle: %w", err)
	}
	return path, nil
}

// expirationTracker is a telemetry.Sink that closes done once every
// agent it was told to watch has emitted timer.expired.
type expirationTracker struct {
	mu        sync.Mutex
	remaining map[string]bool
	done      chan struct{}
	closeOnce sync.Once
}

func newExpirationTracker() *expirationTracker {
	return &expirationTracker{remaining: make(map[string]bool), done: make(chan struct{})}
}

func (t *expirationTracker) add(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remaining[agentID] = true
}

func (t *expirationTracker) Emit(e telemetry.Event) {
	if e.Name != "timer.expired" {
		return
	}
	agentID, _ := e.Payload["agent_id"].(string)

	t.mu.Lock()
	delete(t.remaining, agentID)
	empty := len(t.remaining) == 0
	t.mu.Unlock()

	if empty {
		t.closeOnce.Do(func() { close(t.done) })
	}
}

// snapshotAdapter implements wsdash.Snapshotter over a *runtime.Runtime.
type snapshotAdapter struct {
	rt *runtime.Runtime
}

func (s snapshotAdapter) Agents() any { return s.rt.SnapshotDiaries() }
func (s snapshotAdapter) Timers() any { return s.rt.PeerTimerSnapshot("") }
