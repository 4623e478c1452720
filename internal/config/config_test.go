package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Bus.Driver)
	assert.Equal(t, 30*time.Second, cfg.Router.DedupTTL)
	assert.Equal(t, "orch", cfg.Router.DedupPrefix)
	assert.Equal(t, "responder", cfg.Responder.DedupPrefix)
	assert.Equal(t, cfg.Bus.RedisURL, cfg.Dedup.RedisURL)
	assert.Len(t, cfg.Detectors, 4)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "logwarden.yaml", `
log_level: debug
bus:
  driver: memory
tailer:
  watches: ["/var/log/auth.log:auth"]
  poll_interval: 50ms
detectors:
  - name: sudo
    window: 30s
    threshold: 3
    rules:
      - name: sudo_fail
        pattern: 'sudo: .* authentication failure.*rhost=(?P<ip>\S+)'
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 50*time.Millisecond, cfg.Tailer.PollInterval)
	assert.Equal(t, 2*time.Second, cfg.Tailer.OpenBackoff)
	require.Len(t, cfg.Detectors, 1)
	d := cfg.Detectors[0]
	assert.Equal(t, "sudo.alert", d.AlertType)
	assert.Equal(t, "count", d.Statistic)
	assert.Equal(t, "none", d.Cooldown)
	assert.Empty(t, d.Builtin)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "logwarden.json", `{"bus": {"driver": "nats", "nats_url": "nats://bus:4222"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats", cfg.Bus.Driver)
	assert.Equal(t, "nats://bus:4222", cfg.Bus.NATSURL)
}

func TestLoadEmptyFile(t *testing.T) {
	_, err := Load(writeFile(t, "empty.yaml", "   \n"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOGWARDEN_BUS_DRIVER", "kafka")
	t.Setenv("LOGWARDEN_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("LOGWARDEN_API_ADDR", ":9100")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Bus.KafkaBrokers)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, ":9100", cfg.API.Addr)
}

func TestLoadEnvFiles(t *testing.T) {
	path := writeFile(t, ".env", "LOGWARDEN_TEST_ENV_FILE=loaded\n")
	t.Cleanup(func() { os.Unsetenv("LOGWARDEN_TEST_ENV_FILE") })
	require.NoError(t, LoadEnvFiles(filepath.Join(t.TempDir(), "missing.env"), path))
	assert.Equal(t, "loaded", os.Getenv("LOGWARDEN_TEST_ENV_FILE"))
}

func TestValidateRejectsBadDetector(t *testing.T) {
	cases := map[string]func(*DetectorConfig){
		"window":    func(d *DetectorConfig) { d.Window = 0 },
		"threshold": func(d *DetectorConfig) { d.Threshold = 0 },
		"statistic": func(d *DetectorConfig) { d.Statistic = "median" },
		"cooldown":  func(d *DetectorConfig) { d.Cooldown = "forever" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg.Detectors[0])
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestValidateDriverRequirements(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bus.Driver = "kafka"
	assert.Error(t, Validate(cfg))

	cfg = DefaultConfig()
	cfg.Decision.Mode = "generative"
	assert.Error(t, Validate(cfg))

	cfg = DefaultConfig()
	cfg.Storage.Driver = "mongo"
	assert.Error(t, Validate(cfg))
}

func TestParseWatch(t *testing.T) {
	path, label, err := ParseWatch("/var/log/auth.log:auth")
	require.NoError(t, err)
	assert.Equal(t, "/var/log/auth.log", path)
	assert.Equal(t, "auth", label)

	path, label, err = ParseWatch("/var/log/nginx/access.log")
	require.NoError(t, err)
	assert.Equal(t, "/var/log/nginx/access.log", path)
	assert.Equal(t, "access", label)

	_, _, err = ParseWatch(" ")
	assert.Error(t, err)
}

func TestResolvePath(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, "data", "state.json"), ResolvePath("data/state.json"))
	assert.Equal(t, "/var/log/auth.log", ResolvePath("/var/log/auth.log"))
	assert.Equal(t, "", ResolvePath(""))
}
