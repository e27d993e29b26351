package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("port = %q, want 8080", cfg.Port)
	}
	if cfg.Env != "development" || !cfg.IsDev() {
		t.Errorf("env = %q, want development", cfg.Env)
	}
	if len(cfg.Tenants) != 1 || cfg.Tenants[0].Route != "default" || cfg.Tenants[0].FHIRVersion != "R4" {
		t.Errorf("tenants = %+v, want a single R4 default", cfg.Tenants)
	}
	if cfg.DispatchWorkers != 4 || cfg.DispatchQueue != 256 {
		t.Errorf("dispatch defaults = %d/%d", cfg.DispatchWorkers, cfg.DispatchQueue)
	}
	if cfg.AuthEnabled() {
		t.Error("auth enabled without a secret")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fhirlite.yaml")
	body := `
port: "9090"
base_url: http://fhir.example.org
tenants:
  - route: hospital-a
    fhir_version: R4
    resource_types: [Patient, Observation]
  - route: hospital-b
    fhir_version: R5
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("port = %q", cfg.Port)
	}
	if len(cfg.Tenants) != 2 {
		t.Fatalf("got %d tenants, want 2", len(cfg.Tenants))
	}
	if cfg.Tenants[0].Route != "hospital-a" || len(cfg.Tenants[0].ResourceTypes) != 2 {
		t.Errorf("tenant 0 = %+v", cfg.Tenants[0])
	}
	if got := cfg.BaseURLFor("hospital-b"); got != "http://fhir.example.org/hospital-b" {
		t.Errorf("BaseURLFor = %q", got)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad fhir version", `
tenants:
  - route: a
    fhir_version: STU3
`},
		{"missing route", `
tenants:
  - fhir_version: R4
`},
		{"duplicate routes", `
tenants:
  - route: a
    fhir_version: R4
  - route: a
    fhir_version: R5
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "fhirlite.yaml")
			if err := os.WriteFile(path, []byte(tt.body), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestBaseURLDefaultsToLocalhost(t *testing.T) {
	cfg := &Config{Port: "8080"}
	if got := cfg.BaseURLFor("default"); got != "http://localhost:8080/default" {
		t.Errorf("BaseURLFor = %q", got)
	}
}
