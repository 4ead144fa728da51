package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order. An explicit
// path (from -config flag) is checked first. Then: ./config.yaml,
// ~/.config/mortality/config.yaml, /config/config.yaml,
// /etc/mortality/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mortality", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/mortality/config.yaml")
	return paths
}

// searchPathsFunc is indirected so tests can override the search order
// without touching the developer's real config files.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise, searches DefaultSearchPaths and returns the first
// that exists. Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all mortality runtime configuration. A zero Config is
// not usable directly; call Default() or Load() followed by ApplyEnv().
type Config struct {
	Experiment ExperimentConfig `yaml:"experiment"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Usage      UsageConfig      `yaml:"usage"`
	RunsDir    string           `yaml:"runs_dir"`
	LogLevel   string           `yaml:"log_level"`
}

// ExperimentConfig controls the emergent-timer experiment: which
// provider and models back each agent, how their countdowns are
// staggered, and how their timers tick. Field names and defaults
// mirror the OPENROUTER_*/MORTALITY_* environment variables in the CLI
// surface; ApplyEnv layers those on top of whatever a YAML file sets.
type ExperimentConfig struct {
	// Provider selects the LLMProvider used for every spawned agent.
	Provider string `yaml:"provider"`
	// Models lists the model names to assign round-robin to agents.
	// Must contain at least 4 unique entries unless Provider is "mock".
	Models []string `yaml:"models"`
	// ReplicasPerModel must be 1; the field exists for config-file
	// symmetry with the historical experiment driver, which allowed
	// more, but this core only ever spawns one agent per model.
	ReplicasPerModel int `yaml:"replicas_per_model"`
	// SpreadStartMinutes / SpreadEndMinutes bound the uniform range
	// each agent's countdown duration is drawn from at spawn time.
	SpreadStartMinutes float64 `yaml:"spread_start_minutes"`
	SpreadEndMinutes   float64 `yaml:"spread_end_minutes"`
	// TickSeconds / TickSecondsMax bound the per-tick sleep interval.
	TickSeconds    float64 `yaml:"tick_seconds"`
	TickSecondsMax float64 `yaml:"tick_seconds_max"`
	// TickJitterMs perturbs each computed interval by +/- this amount.
	TickJitterMs int `yaml:"tick_jitter_ms"`
	// AfterlifeGraceSeconds is accepted for backward compatibility with
	// older experiment configs but is never read by the core; see
	// the design notes on the "afterlife grace" open question.
	AfterlifeGraceSeconds float64 `yaml:"afterlife_grace_seconds"`
	// OpenRouterAPIKey is read from OPENROUTER_API_KEY and required
	// only when Provider == "openrouter".
	OpenRouterAPIKey string `yaml:"-"`
}

// DashboardConfig controls the optional WebSocket telemetry sink.
type DashboardConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// MQTTConfig controls the optional MQTT telemetry sink. Disabled by
// default; set Enabled and Broker to turn it on.
type MQTTConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Broker             string `yaml:"broker"` // e.g. tcp://localhost:1883, mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	ClientPrefix       string `yaml:"client_prefix"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// UsageConfig controls the token/cost usage ledger.
type UsageConfig struct {
	// DBPath is the SQLite database file path. Empty keeps the ledger in
	// an in-memory database for the duration of the run.
	DBPath string `yaml:"db_path"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/empty checks, though ApplyEnv should still be
// called afterward to let the documented environment variables
// override file-based settings.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load and Default. After this, callers can
// read any field without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Experiment.Provider == "" {
		c.Experiment.Provider = "openrouter"
	}
	if c.Experiment.ReplicasPerModel == 0 {
		c.Experiment.ReplicasPerModel = 1
	}
	if c.Experiment.SpreadStartMinutes == 0 {
		c.Experiment.SpreadStartMinutes = 5.0
	}
	if c.Experiment.SpreadEndMinutes == 0 {
		c.Experiment.SpreadEndMinutes = 30.0
	}
	if c.Experiment.TickSeconds == 0 {
		c.Experiment.TickSeconds = 30.0
	}
	if c.Experiment.TickSecondsMax == 0 {
		c.Experiment.TickSecondsMax = c.Experiment.TickSeconds
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8765
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.ClientPrefix == "" {
		c.MQTT.ClientPrefix = "mortality"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 30
	}
	if c.RunsDir == "" {
		c.RunsDir = "runs"
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Experiment.ReplicasPerModel != 1 {
		return fmt.Errorf("experiment.replicas_per_model must be 1, got %d", c.Experiment.ReplicasPerModel)
	}
	if c.Experiment.Provider != "mock" && len(uniqueStrings(c.Experiment.Models)) < 4 {
		return fmt.Errorf("experiment.models must contain at least 4 unique entries unless provider is mock, got %d", len(uniqueStrings(c.Experiment.Models)))
	}
	if c.Experiment.SpreadEndMinutes < c.Experiment.SpreadStartMinutes {
		return fmt.Errorf("experiment.spread_end_minutes (%v) must be >= spread_start_minutes (%v)", c.Experiment.SpreadEndMinutes, c.Experiment.SpreadStartMinutes)
	}
	if c.Experiment.TickSecondsMax < c.Experiment.TickSeconds {
		return fmt.Errorf("experiment.tick_seconds_max (%v) must be >= tick_seconds (%v)", c.Experiment.TickSecondsMax, c.Experiment.TickSeconds)
	}
	if c.Experiment.TickJitterMs < 0 {
		return fmt.Errorf("experiment.tick_jitter_ms must be >= 0, got %d", c.Experiment.TickJitterMs)
	}
	if c.Experiment.Provider == "openrouter" && c.Experiment.OpenRouterAPIKey == "" {
		return fmt.Errorf("OPENROUTER_API_KEY is required when provider is openrouter")
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port < 1 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port %d out of range (1-65535)", c.Dashboard.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// ApplyEnv overlays the environment variables documented for the CLI
// surface on top of the config's current values, then re-validates.
// Environment variables always win over file-based settings, matching
// the precedence the CLI driver advertises.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("MORTALITY_EMERGENT_PROVIDER"); v != "" {
		c.Experiment.Provider = v
	}
	if v := os.Getenv("MORTALITY_EMERGENT_MODELS"); v != "" {
		c.Experiment.Models = splitAndTrim(v)
	}
	if v := os.Getenv("MORTALITY_REPLICAS_PER_MODEL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MORTALITY_REPLICAS_PER_MODEL: %w", err)
		}
		c.Experiment.ReplicasPerModel = n
	}
	if v := os.Getenv("MORTALITY_EMERGENT_SPREAD_START"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MORTALITY_EMERGENT_SPREAD_START: %w", err)
		}
		c.Experiment.SpreadStartMinutes = f
	}
	if v := os.Getenv("MORTALITY_EMERGENT_SPREAD_END"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MORTALITY_EMERGENT_SPREAD_END: %w", err)
		}
		c.Experiment.SpreadEndMinutes = f
	}
	if v := os.Getenv("OPENROUTER_TICK_SECONDS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("OPENROUTER_TICK_SECONDS: %w", err)
		}
		c.Experiment.TickSeconds = f
	}
	if v := os.Getenv("OPENROUTER_TICK_SECONDS_MAX"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("OPENROUTER_TICK_SECONDS_MAX: %w", err)
		}
		c.Experiment.TickSecondsMax = f
	} else if c.Experiment.TickSecondsMax < c.Experiment.TickSeconds {
		c.Experiment.TickSecondsMax = c.Experiment.TickSeconds
	}
	if v := os.Getenv("MORTALITY_LIVE_DASHBOARD"); v == "1" {
		c.Dashboard.Enabled = true
	}
	if v := os.Getenv("MORTALITY_WS_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MORTALITY_WS_PORT: %w", err)
		}
		c.Dashboard.Port = n
	}
	c.Experiment.OpenRouterAPIKey = os.Getenv("OPENROUTER_API_KEY")

	return c.Validate()
}

// Default returns a default configuration suitable for a local mock-
// collaborator run. All defaults are already applied; Validate()
// passes against it as-is (provider "mock" skips the model-count
// requirement).
func Default() *Config {
	cfg := &Config{
		Experiment: ExperimentConfig{
			Provider: "mock",
			Models:   []string{"mock-1"},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
