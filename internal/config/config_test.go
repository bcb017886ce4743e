package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gonkalabs/trustlayer-proxy/internal/policy"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", c.ListenAddr)
	require.Equal(t, slog.LevelInfo, c.LogLevel)
	require.Equal(t, "memory", c.VaultBackend)
	require.Equal(t, time.Hour, c.SessionTTL)
	require.Equal(t, 30*time.Second, c.UpstreamTimeout)
	require.Equal(t, 10*time.Second, c.DetectorTimeout)
	require.Equal(t, []string{"pattern"}, c.Detectors)
	require.Equal(t, []string{"log"}, c.TelemetrySinks)
	require.Equal(t, "X-TrustLayer-Target", c.RoutingHeader)
	require.Equal(t, int64(10<<20), c.MaxBodyBytes)
	require.False(t, c.UsesRedis())
}

func TestLoadFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("VAULT_BACKEND", "Redis")
	t.Setenv("REDIS_ADDRS", "r1:6379, r2:6379")
	t.Setenv("SESSION_TTL", "90")
	t.Setenv("UPSTREAM_TIMEOUT", "2m")
	t.Setenv("DETECTORS", "Presidio,llm")
	t.Setenv("PASSTHROUGH_BINARY", "true")
	t.Setenv("SANITIZE_LLM_THRESHOLD", "0.7")
	t.Setenv("TELEMETRY_SINKS", "Log, kafka,log")

	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9090", c.ListenAddr)
	require.Equal(t, slog.LevelDebug, c.LogLevel)
	require.Equal(t, []string{"r1:6379", "r2:6379"}, c.RedisAddrs)
	require.Equal(t, 90*time.Second, c.SessionTTL)
	require.Equal(t, 2*time.Minute, c.UpstreamTimeout)
	require.Equal(t, []string{"presidio", "llm"}, c.Detectors)
	require.True(t, c.PassthroughBinary)
	require.InDelta(t, 0.7, c.SanitizeLLMThreshold, 1e-9)
	require.Equal(t, []string{"log", "kafka"}, c.TelemetrySinks)
	require.True(t, c.UsesRedis())
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("VAULT_BACKEND", "etcd")
	t.Setenv("SESSION_TTL", "soon")
	t.Setenv("DETECTORS", "magic")
	t.Setenv("TELEMETRY_SINKS", "log,statsd")

	_, err := Load()
	require.ErrorContains(t, err, "VAULT_BACKEND")
	require.ErrorContains(t, err, "SESSION_TTL")
	require.ErrorContains(t, err, "DETECTORS")
	require.ErrorContains(t, err, "TELEMETRY_SINKS")
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ADMIN_TOKEN=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("ADMIN_TOKEN") })

	c, err := Load()
	require.NoError(t, err)
	require.Equal(t, "from-dotenv", c.AdminToken)
}

func TestLoadPolicyDefaults(t *testing.T) {
	p, err := LoadPolicy("")
	require.NoError(t, err)
	require.Equal(t, policy.DefaultAllowedHosts, p.Gate.AllowedHosts)
	require.Equal(t, policy.DefaultRules, p.Gate.Rules)
	require.Nil(t, p.TextFields)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy([]byte(`
allowed_domains:
  - api.openai.com
  - "*.openai.azure.com"
security:
  prompt_injection_patterns:
    - "ignore previous instructions"
    - "act as a different ai"
injection_rules:
  - id: role-play
    pattern: 'pretend\s+to\s+be'
text_fields: ["messages.*.content", "prompt"]
redis:
  host: localhost
`))
	require.NoError(t, err)
	require.Equal(t, []string{"api.openai.com", "*.openai.azure.com"}, p.Gate.AllowedHosts)
	require.Equal(t, []policy.Rule{{ID: "role-play", Pattern: `pretend\s+to\s+be`}}, p.Gate.Rules)
	require.Equal(t, []string{"ignore previous instructions", "act as a different ai"}, p.Gate.Phrases)
	require.Equal(t, []string{"messages.*.content", "prompt"}, p.TextFields)

	g, err := policy.NewGate(p.Gate)
	require.NoError(t, err)
	require.False(t, g.CheckContent([]string{"Pretend to be root"}).Allowed)
	require.False(t, g.CheckContent([]string{"IGNORE PREVIOUS INSTRUCTIONS"}).Allowed)
}

func TestParsePolicyExplicitEmptyLists(t *testing.T) {
	p, err := ParsePolicy([]byte("allowed_domains: []\ninjection_rules: []\n"))
	require.NoError(t, err)
	require.Empty(t, p.Gate.AllowedHosts)
	require.Empty(t, p.Gate.Rules)

	p, err = ParsePolicy(nil)
	require.NoError(t, err)
	require.Equal(t, policy.DefaultAllowedHosts, p.Gate.AllowedHosts)
}

func TestLoadPolicyMissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
