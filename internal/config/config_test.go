package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("runs_dir: runs\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("runs_dir: runs\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mqtt:\n  password: ${MORTALITY_TEST_MQTT_PASSWORD}\nexperiment:\n  provider: mock\n"), 0600)
	os.Setenv("MORTALITY_TEST_MQTT_PASSWORD", "secret123")
	defer os.Unsetenv("MORTALITY_TEST_MQTT_PASSWORD")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.MQTT.Password, "secret123")
	}
}

func TestLoad_MockProviderSkipsModelCountRequirement(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("experiment:\n  provider: mock\n  models: [mock-1]\n"), 0600)

	if _, err := Load(path); err != nil {
		t.Fatalf("Load error: %v", err)
	}
}

func TestValidate_OpenRouterRequiresModels(t *testing.T) {
	cfg := Default()
	cfg.Experiment.Provider = "openrouter"
	cfg.Experiment.OpenRouterAPIKey = "sk-or-test"
	cfg.Experiment.Models = []string{"a", "b", "c"}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for fewer than 4 unique models")
	}
}

func TestValidate_OpenRouterRequiresAPIKey(t *testing.T) {
	cfg := Default()
	cfg.Experiment.Provider = "openrouter"
	cfg.Experiment.Models = []string{"a", "b", "c", "d"}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing OPENROUTER_API_KEY")
	}
}

func TestValidate_ReplicasPerModelMustBeOne(t *testing.T) {
	cfg := Default()
	cfg.Experiment.ReplicasPerModel = 2

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for replicas_per_model != 1")
	}
}

func TestValidate_SpreadEndBeforeStart(t *testing.T) {
	cfg := Default()
	cfg.Experiment.SpreadStartMinutes = 30
	cfg.Experiment.SpreadEndMinutes = 5

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for spread_end_minutes < spread_start_minutes")
	}
}

func TestValidate_TickSecondsMaxBelowMin(t *testing.T) {
	cfg := Default()
	cfg.Experiment.TickSeconds = 30
	cfg.Experiment.TickSecondsMax = 10

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for tick_seconds_max < tick_seconds")
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	cfg := Default()
	os.Setenv("MORTALITY_EMERGENT_PROVIDER", "mock")
	os.Setenv("MORTALITY_EMERGENT_MODELS", "a, b ,c,d")
	os.Setenv("MORTALITY_LIVE_DASHBOARD", "1")
	os.Setenv("MORTALITY_WS_PORT", "9000")
	defer func() {
		os.Unsetenv("MORTALITY_EMERGENT_PROVIDER")
		os.Unsetenv("MORTALITY_EMERGENT_MODELS")
		os.Unsetenv("MORTALITY_LIVE_DASHBOARD")
		os.Unsetenv("MORTALITY_WS_PORT")
	}()

	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv error: %v", err)
	}
	if len(cfg.Experiment.Models) != 4 || cfg.Experiment.Models[0] != "a" {
		t.Errorf("Models = %v, want [a b c d]", cfg.Experiment.Models)
	}
	if !cfg.Dashboard.Enabled {
		t.Error("expected dashboard enabled")
	}
	if cfg.Dashboard.Port != 9000 {
		t.Errorf("Dashboard.Port = %d, want 9000", cfg.Dashboard.Port)
	}
}

func TestApplyDefaults_TickSecondsMaxFollowsMin(t *testing.T) {
	cfg := &Config{Experiment: ExperimentConfig{Provider: "mock", Models: []string{"mock-1"}, TickSeconds: 12}}
	cfg.applyDefaults()
	if cfg.Experiment.TickSecondsMax != 12 {
		t.Errorf("TickSecondsMax = %v, want 12", cfg.Experiment.TickSecondsMax)
	}
}
