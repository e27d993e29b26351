// Package config loads server configuration from a YAML file plus
// FHIRLITE_-prefixed environment overrides.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// TenantConfig declares one isolated store mounted under /:route.
type TenantConfig struct {
	Route         string   `mapstructure:"route" validate:"required"`
	FHIRVersion   string   `mapstructure:"fhir_version" validate:"required,oneof=R4 R4B R5"`
	ResourceTypes []string `mapstructure:"resource_types"`
	LoadDir       string   `mapstructure:"load_dir"`
}

type Config struct {
	Port     string `mapstructure:"port" validate:"required"`
	Env      string `mapstructure:"env" validate:"oneof=development production test"`
	BaseURL  string `mapstructure:"base_url" validate:"omitempty,url"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`

	AuthIssuer   string `mapstructure:"auth_issuer"`
	AuthAudience string `mapstructure:"auth_audience"`
	AuthSecret   string `mapstructure:"auth_secret"`

	CORSOrigins []string `mapstructure:"cors_origins"`

	DispatchWorkers int `mapstructure:"dispatch_workers" validate:"min=1"`
	DispatchQueue   int `mapstructure:"dispatch_queue" validate:"min=1"`
	HeartbeatTick   int `mapstructure:"heartbeat_tick" validate:"min=1"` // seconds

	Tenants []TenantConfig `mapstructure:"tenants" validate:"required,min=1,dive"`
}

// Load reads the config file at path, or ./fhirlite.yaml when path is empty,
// then applies environment overrides and defaults. A missing file is not an
// error; environment plus defaults is a complete configuration.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("fhirlite")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("FHIRLITE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("dispatch_workers", 4)
	v.SetDefault("dispatch_queue", 256)
	v.SetDefault("heartbeat_tick", 5)

	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		// No file found; defaults and environment carry the load.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.Tenants) == 0 {
		cfg.Tenants = []TenantConfig{{Route: "default", FHIRVersion: "R4"}}
	}
	if cfg.CORSOrigins == nil {
		if origins := v.GetString("cors_origins"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool { return c.Env == "development" }

// AuthEnabled reports whether bearer-token authentication is configured.
func (c *Config) AuthEnabled() bool { return c.AuthSecret != "" }

// BaseURLFor returns the absolute base URL of a tenant, used for Location
// headers and bundle fullUrls.
func (c *Config) BaseURLFor(route string) string {
	base := c.BaseURL
	if base == "" {
		base = "http://localhost:" + c.Port
	}
	return strings.TrimRight(base, "/") + "/" + route
}

// Validate runs struct validation plus the cross-field rules the tag
// language cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		if seen[t.Route] {
			return fmt.Errorf("invalid config: duplicate tenant route %q", t.Route)
		}
		seen[t.Route] = true
	}
	return nil
}
