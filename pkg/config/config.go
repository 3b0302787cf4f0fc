// Package config loads and validates the perimeterd configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/perimeterhq/perimeter/pkg/advisor"
	"github.com/perimeterhq/perimeter/pkg/geofence"
	"github.com/perimeterhq/perimeter/pkg/history"
	"github.com/perimeterhq/perimeter/pkg/mqtt"
	"github.com/perimeterhq/perimeter/pkg/store"
)

// ServerConfig holds the HTTP API listener configuration
type ServerConfig struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	AuthKey string `json:"auth_key"` // optional; empty allows anonymous access
}

// AdvisorConfig holds external advisory configuration
type AdvisorConfig struct {
	Enabled          bool    `json:"enabled"`
	TimeoutSeconds   float64 `json:"timeout_seconds"`
	AnthropicAPIKey  string  `json:"anthropic_api_key"`
	Model            string  `json:"model"`
	GoogleMapsAPIKey string  `json:"google_maps_api_key"` // optional geo context
}

// EngineConfig holds pipeline defaults applied when a request omits options
type EngineConfig struct {
	BufferStrategy string `json:"buffer_strategy"`
	ExitPolicy     string `json:"exit_policy"`
	Aggressiveness string `json:"aggressiveness"`
}

// Config is the full perimeterd configuration
type Config struct {
	LogLevel string `json:"log_level"`

	Server  ServerConfig    `json:"server"`
	Engine  EngineConfig    `json:"engine"`
	MQTT    *mqtt.Config    `json:"mqtt"`
	Store   *store.Config   `json:"store"`
	History *history.Config `json:"history"`
	Advisor AdvisorConfig   `json:"advisor"`

	// StatePersistence turns on server-side geofence state storage for
	// callers that send a device id instead of round-tripping state
	StatePersistence bool `json:"state_persistence"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Engine: EngineConfig{
			BufferStrategy: string(geofence.StrategyModerate),
			ExitPolicy:     string(geofence.ExitPolicyCount),
			Aggressiveness: "moderate",
		},
		MQTT:    mqtt.DefaultConfig(),
		Store:   store.DefaultConfig(),
		History: history.DefaultConfig(),
		Advisor: AdvisorConfig{
			Enabled:        false,
			TimeoutSeconds: 3,
			Model:          advisor.DefaultClaudeConfig().Model,
		},
		StatePersistence: true,
	}
}

// Load reads configuration from a JSON file, applies defaults for missing
// sections and env overrides for secrets. Unknown fields fail loudly.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		dec := json.NewDecoder(f)
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// Secrets prefer the environment over the config file
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Advisor.AnthropicAPIKey = v
	}
	if v := os.Getenv("GOOGLE_MAPS_API_KEY"); v != "" {
		cfg.Advisor.GoogleMapsAPIKey = v
	}
	if v := os.Getenv("PERIMETER_AUTH_KEY"); v != "" {
		cfg.Server.AuthKey = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate collects every configuration violation rather than failing on
// the first
func (c *Config) Validate() error {
	var problems []string

	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("log_level: unknown level %q", c.LogLevel))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port: must be between 1 and 65535, got %d", c.Server.Port))
	}

	switch geofence.BufferStrategy(c.Engine.BufferStrategy) {
	case geofence.StrategyConservative, geofence.StrategyModerate, geofence.StrategyAggressive:
	default:
		problems = append(problems, fmt.Sprintf("engine.buffer_strategy: unknown strategy %q", c.Engine.BufferStrategy))
	}

	switch geofence.ExitPolicy(c.Engine.ExitPolicy) {
	case geofence.ExitPolicyCount, geofence.ExitPolicyDuration:
	default:
		problems = append(problems, fmt.Sprintf("engine.exit_policy: unknown policy %q", c.Engine.ExitPolicy))
	}

	switch c.Engine.Aggressiveness {
	case "conservative", "moderate", "aggressive":
	default:
		problems = append(problems, fmt.Sprintf("engine.aggressiveness: unknown level %q", c.Engine.Aggressiveness))
	}

	if c.Advisor.Enabled && c.Advisor.AnthropicAPIKey == "" {
		problems = append(problems, "advisor.anthropic_api_key: required when the advisor is enabled")
	}
	if c.Advisor.TimeoutSeconds <= 0 {
		problems = append(problems, fmt.Sprintf("advisor.timeout_seconds: must be positive, got %v", c.Advisor.TimeoutSeconds))
	}

	if c.MQTT != nil && c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			problems = append(problems, "mqtt.broker: required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			problems = append(problems, fmt.Sprintf("mqtt.qos: must be 0, 1 or 2, got %d", c.MQTT.QoS))
		}
	}

	if c.StatePersistence && (c.Store == nil || c.Store.Path == "") {
		problems = append(problems, "store.path: required when state_persistence is enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}
