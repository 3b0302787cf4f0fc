package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadMissingPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.StatePersistence)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"log_level": "debug",
		"server": {"host": "0.0.0.0", "port": 9090},
		"engine": {"buffer_strategy": "conservative", "exit_policy": "duration", "aggressiveness": "aggressive"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "conservative", cfg.Engine.BufferStrategy)
	assert.Equal(t, "duration", cfg.Engine.ExitPolicy)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `{"log_levle": "debug"}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.json")
	assert.Error(t, err)
}

func TestLoadEnvOverridesSecrets(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-env")
	t.Setenv("PERIMETER_AUTH_KEY", "auth-env")

	path := writeConfig(t, `{"advisor": {"enabled": true, "anthropic_api_key": "sk-file", "timeout_seconds": 3}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-env", cfg.Advisor.AnthropicAPIKey)
	assert.Equal(t, "auth-env", cfg.Server.AuthKey)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "loud"
	cfg.Server.Port = 0
	cfg.Engine.BufferStrategy = "bogus"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "buffer_strategy")
}

func TestValidateAdvisorNeedsKeyWhenEnabled(t *testing.T) {
	cfg := Default()
	cfg.Advisor.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic_api_key")

	cfg.Advisor.AnthropicAPIKey = "sk-test"
	assert.NoError(t, cfg.Validate())
}

func TestValidateMQTTOnlyWhenEnabled(t *testing.T) {
	cfg := Default()
	cfg.MQTT.Broker = ""
	assert.NoError(t, cfg.Validate())

	cfg.MQTT.Enabled = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mqtt.broker")
}

func TestValidateStorePathRequiredForPersistence(t *testing.T) {
	cfg := Default()
	cfg.Store.Path = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.path")

	cfg.StatePersistence = false
	assert.NoError(t, cfg.Validate())
}
