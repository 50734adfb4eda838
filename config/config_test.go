package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8, cfg.Session.ChunkSize)
	assert.Equal(t, 100, cfg.Admission.MaxConcurrentSessions)
	assert.Equal(t, CacheBackendMemory, cfg.Cache.Backend)
	assert.Equal(t, ProviderStub, cfg.Generator.Provider)
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Duration
		wantErr  bool
	}{
		{"milliseconds integer", `250`, 250 * time.Millisecond, false},
		{"duration string", `"2s"`, 2 * time.Second, false},
		{"complex string", `"1m30s"`, 90 * time.Second, false},
		{"garbage string", `"soon"`, 0, true},
		{"garbage value", `{}`, 0, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(test.input), &d)
			if test.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expected, d.Std())
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	content := `{
		"session": {"chunk_size": 2, "chunk_delay": "10ms", "session_timeout": 5000},
		"admission": {"max_concurrent_sessions": 5, "rate_limit_window": "10s", "rate_limit_max_requests": 3},
		"transport": {"batch_size": 4, "batch_timeout": 50},
		"cache": {"enabled": true, "backend": "memory", "ttl": "1m", "max_entries": 10}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Session.ChunkSize)
	assert.Equal(t, 10*time.Millisecond, cfg.Session.ChunkDelay.Std())
	assert.Equal(t, 5*time.Second, cfg.Session.SessionTimeout.Std())
	assert.Equal(t, 3, cfg.Admission.RateLimitMaxRequests)
	assert.Equal(t, 50*time.Millisecond, cfg.Transport.BatchTimeout.Std())
	assert.Equal(t, time.Minute, cfg.Cache.TTL.Std())

	// Defaults survive partial files
	assert.Equal(t, ":8080", cfg.Transport.ListenAddr)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.json")
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("TOKENSTREAM_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.Generator.APIKey)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero chunk size", func(c *Config) { c.Session.ChunkSize = 0 }},
		{"zero capacity", func(c *Config) { c.Admission.MaxConcurrentSessions = 0 }},
		{"zero rate window", func(c *Config) { c.Admission.RateLimitWindow = 0 }},
		{"unknown cache backend", func(c *Config) { c.Cache.Backend = "tape" }},
		{"file backend without dir", func(c *Config) { c.Cache.Backend = CacheBackendFile }},
		{"redis backend without url", func(c *Config) { c.Cache.Backend = CacheBackendRedis }},
		{"natskv without nats", func(c *Config) {
			c.Cache.Backend = CacheBackendNATSKV
			c.Cache.Bucket = "responses"
			c.NATS.Enabled = false
		}},
		{"short encryption key", func(c *Config) { c.Cache.EncryptionKey = "abcd" }},
		{"non-hex encryption key", func(c *Config) { c.Cache.EncryptionKey = "zz" }},
		{"zero batch size", func(c *Config) { c.Transport.BatchSize = 0 }},
		{"openai without key", func(c *Config) { c.Generator.Provider = ProviderOpenAI }},
		{"unknown provider", func(c *Config) { c.Generator.Provider = "oracle" }},
		{"unknown log level", func(c *Config) { c.Log.Level = "loud" }},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := DefaultConfig()
			test.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_EncryptionKey(t *testing.T) {
	cfg := DefaultConfig()
	// 32 bytes hex encoded
	cfg.Cache.EncryptionKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	require.NoError(t, cfg.Validate())

	key, err := cfg.Cache.EncryptionKeyBytes()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestSafeConfig(t *testing.T) {
	sc := NewSafeConfig(DefaultConfig())

	got := sc.Get()
	got.Session.ChunkSize = 99

	// Mutating the copy must not affect the stored config
	assert.Equal(t, 8, sc.Get().Session.ChunkSize)

	updated := DefaultConfig()
	updated.Session.ChunkSize = 4
	require.NoError(t, sc.Update(updated))
	assert.Equal(t, 4, sc.Get().Session.ChunkSize)

	bad := DefaultConfig()
	bad.Session.ChunkSize = -1
	assert.Error(t, sc.Update(bad))

	assert.Error(t, sc.Update(nil))
}
