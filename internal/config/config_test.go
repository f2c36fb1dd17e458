package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func resetViper(t *testing.T) {
	t.Cleanup(func() { viper.Reset() })
	viper.Reset()
}

func TestDefaultConfig_HasOneEndpointRoundRobinAndMetricsDisabled(t *testing.T) {
	cfg := DefaultConfig()
	if len(cfg.Endpoints) != 1 {
		t.Fatalf("expected 1 default endpoint, got %d", len(cfg.Endpoints))
	}
	if cfg.Endpoints[0].URL != "http://localhost:8899" {
		t.Errorf("unexpected default endpoint URL: %s", cfg.Endpoints[0].URL)
	}
	if cfg.Telemetry.MetricsEnabled {
		t.Error("expected metrics disabled by default")
	}
	if cfg.Selector.Strategy != "round_robin" {
		t.Errorf("unexpected default selector strategy: %s", cfg.Selector.Strategy)
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(cwd)
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Endpoints) != 1 || cfg.Endpoints[0].URL != "http://localhost:8899" {
		t.Errorf("expected default endpoint when no config file present, got %+v", cfg.Endpoints)
	}
}

func TestLoad_ReadsConfigFile(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(cwd)
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	contents := "endpoints:\n  - url: http://example.invalid:8899\nselector:\n  strategy: least_connections\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Endpoints) != 1 || cfg.Endpoints[0].URL != "http://example.invalid:8899" {
		t.Errorf("expected endpoint from file, got %+v", cfg.Endpoints)
	}
	if cfg.Selector.Strategy != "least_connections" {
		t.Errorf("expected overridden selector strategy, got %s", cfg.Selector.Strategy)
	}
}

func TestToEndpoints_ConvertsAndRejectsBadURLs(t *testing.T) {
	cfg := DefaultConfig()
	endpoints, err := cfg.ToEndpoints()
	if err != nil {
		t.Fatalf("ToEndpoints: %v", err)
	}
	if len(endpoints) != 1 {
		t.Fatalf("expected 1 endpoint, got %d", len(endpoints))
	}

	cfg.Endpoints = append(cfg.Endpoints, EndpointConfig{URL: "://not-a-url"})
	if _, err := cfg.ToEndpoints(); err == nil {
		t.Error("expected an error for an unparsable endpoint URL")
	}
}

func TestMethodSet_BuildsLookupMap(t *testing.T) {
	set := MethodSet([]string{"getSlot", "getLatestBlockhash"})
	if !set["getSlot"] || !set["getLatestBlockhash"] {
		t.Fatalf("expected both methods present, got %+v", set)
	}
	if set["getMultipleAccounts"] {
		t.Error("expected absent method to be false")
	}
}
