package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"OPENAI_API_KEY", "STEPWISE_MODEL", "STEPWISE_MAX_ITERATIONS", "STEPWISE_ADDR"} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	clearEnv(t)
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 23000, cfg.Budget())
	assert.Equal(t, 5*time.Minute, cfg.Retention())
}

func TestLoadYAMLOverlaysDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
agent:
  max_iterations: 7
context:
  max_tokens: 8000
  reserve: 1000
providers:
  local:
    kind: openai
    model: qwen
    base_url: http://localhost:8080/v1
    enabled: true
gateways:
  discord:
    token: abc
    enabled: true
governance:
  deny_tools: [browser]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Agent.MaxIterations)
	assert.Equal(t, 4, cfg.Agent.MaxTools, "default kept")
	assert.Equal(t, 7000, cfg.Budget())
	assert.Equal(t, 0.8, cfg.Context.SummaryThreshold)
	assert.Equal(t, []string{"browser"}, cfg.Governance.DenyTools)

	d, ok := cfg.GetDiscordConfig()
	require.True(t, ok)
	assert.Equal(t, "abc", d.Token)
	_, ok = cfg.GetTelegramConfig()
	assert.False(t, ok)

	assert.Equal(t, "openai", cfg.Providers["local"].Kind)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{"server": {"addr": ":9000"}, "memory": {"path": "x.db"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "x.db", cfg.Memory.Path)
	assert.Equal(t, 300, cfg.Server.RetentionSeconds)
}

func TestLoadRejectsBadFiles(t *testing.T) {
	_, err := Load(writeFile(t, "config.json", `{"agent": `))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "config.yaml", "context:\n  reserve: 30000\n"))
	assert.ErrorContains(t, err, "context.reserve")
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	cfg.Providers["backup"] = ProviderConfig{APIKey: "own", Model: "m"}
	env := map[string]string{
		"OPENAI_API_KEY":          "sk-test",
		"STEPWISE_MODEL":          "gpt-4o",
		"STEPWISE_MAX_ITERATIONS": "12",
		"STEPWISE_ADDR":           "127.0.0.1:7000",
	}
	require.NoError(t, cfg.ApplyEnv(func(k string) string { return env[k] }))

	assert.Equal(t, "sk-test", cfg.Providers["openai"].APIKey)
	assert.Equal(t, "own", cfg.Providers["backup"].APIKey)
	assert.Equal(t, "gpt-4o", cfg.Providers["openai"].Model)
	assert.Equal(t, 12, cfg.Agent.MaxIterations)
	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Addr)

	env["STEPWISE_MAX_ITERATIONS"] = "many"
	assert.Error(t, cfg.ApplyEnv(func(k string) string { return env[k] }))
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Agent.MaxIterations = 0
	cfg.Context.SummaryThreshold = 1.5
	cfg.Providers["x"] = ProviderConfig{Kind: "bedrock"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_iterations")
	assert.Contains(t, err.Error(), "summary_threshold")
	assert.Contains(t, err.Error(), "bedrock")
}

func TestGetDefaultProviderIsDeterministic(t *testing.T) {
	cfg := Default()
	cfg.Providers["anthropic"] = ProviderConfig{Model: "a", Enabled: true}
	name, p := cfg.GetDefaultProvider()
	assert.Equal(t, "anthropic", name)
	assert.Equal(t, "a", p.Model)
}
