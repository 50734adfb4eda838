// Package config provides configuration loading and validation for the
// tokenstream engine. Configuration is read from a JSON file with
// environment variable overrides for secrets and endpoints.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/c360/tokenstream/errors"
)

// Duration wraps time.Duration with JSON support for both bare integers
// (interpreted as milliseconds) and Go duration strings ("250ms", "5s").
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %s: %w", string(data), err)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Cache backend constants
const (
	CacheBackendMemory = "memory" // In-memory only
	CacheBackendFile   = "file"   // One file per entry under cache.dir
	CacheBackendTiered = "tiered" // Memory in front of file
	CacheBackendRedis  = "redis"  // Redis keyspace
	CacheBackendNATSKV = "natskv" // JetStream KV bucket
)

// Generator provider constants
const (
	ProviderOpenAI = "openai"
	ProviderStub   = "stub"
)

// Config represents the complete engine configuration
type Config struct {
	Session   SessionConfig   `json:"session"`
	Admission AdmissionConfig `json:"admission"`
	Cache     CacheConfig     `json:"cache"`
	Transport TransportConfig `json:"transport"`
	Generator GeneratorConfig `json:"generator"`
	NATS      NATSConfig      `json:"nats"`
	Metrics   MetricsConfig   `json:"metrics"`
	Log       LogConfig       `json:"log"`
}

// SessionConfig controls session lifecycle and chunking
type SessionConfig struct {
	// ChunkSize is the number of words per streamed chunk
	ChunkSize int `json:"chunk_size"`

	// ChunkDelay is the pacing delay between sequential chunks
	ChunkDelay Duration `json:"chunk_delay"`

	// ParallelSplits is the number of sub-prompts in parallel strategy
	ParallelSplits int `json:"parallel_splits"`

	// ParallelWorkers bounds concurrent generation in parallel strategy
	ParallelWorkers int `json:"parallel_workers"`

	// SessionTimeout marks sessions TimedOut after this long in Active state
	SessionTimeout Duration `json:"session_timeout"`

	// SweepInterval is how often the timeout sweep runs
	SweepInterval Duration `json:"sweep_interval"`
}

// AdmissionConfig controls rate limiting and capacity
type AdmissionConfig struct {
	// MaxConcurrentSessions is the global active session ceiling
	MaxConcurrentSessions int `json:"max_concurrent_sessions"`

	// RateLimitWindow is the trailing window for per-client rate limiting
	RateLimitWindow Duration `json:"rate_limit_window"`

	// RateLimitMaxRequests is the per-client admission count inside the window
	RateLimitMaxRequests int `json:"rate_limit_max_requests"`

	// PruneInterval is how often expired window timestamps are swept
	PruneInterval Duration `json:"prune_interval"`
}

// CacheConfig controls the response cache
type CacheConfig struct {
	Enabled bool `json:"enabled"`

	// Backend selects the cache backend: memory, file, tiered, redis, natskv
	Backend string `json:"backend"`

	// TTL is the response entry time-to-live
	TTL Duration `json:"ttl"`

	// MaxEntries bounds the memory cache; least recently accessed evicts first
	MaxEntries int `json:"max_entries"`

	// Dir is the root directory for the file backend
	Dir string `json:"dir,omitempty"`

	// Compress enables gzip for payloads above CompressionThreshold
	Compress bool `json:"compress"`

	// CompressionThreshold is the payload size in bytes above which
	// compression applies
	CompressionThreshold int `json:"compression_threshold_bytes"`

	// EncryptionKey is a hex-encoded 32-byte AES key; empty disables encryption
	EncryptionKey string `json:"encryption_key,omitempty"`

	// RedisURL is the redis connection URL for the redis backend
	RedisURL string `json:"redis_url,omitempty"`

	// Bucket is the JetStream KV bucket name for the natskv backend
	Bucket string `json:"bucket,omitempty"`
}

// TransportConfig controls batching and connection management
type TransportConfig struct {
	// ListenAddr is the websocket server bind address
	ListenAddr string `json:"listen_addr"`

	// Path is the websocket endpoint path
	Path string `json:"path"`

	// BatchSize flushes a batch when it reaches this many chunks
	BatchSize int `json:"batch_size"`

	// BatchTimeout flushes a partial batch this long after its first chunk
	BatchTimeout Duration `json:"batch_timeout"`

	// CompressionThreshold selects binary frames when the encoded batch
	// is at least this many bytes
	CompressionThreshold int `json:"compression_threshold_bytes"`

	// ConnectionTimeout disconnects clients silent for this long
	ConnectionTimeout Duration `json:"connection_timeout"`

	// SendTimeout bounds a single frame write to a client
	SendTimeout Duration `json:"send_timeout"`

	// QueueSize is the per-client outbound frame queue capacity
	QueueSize int `json:"queue_size"`
}

// GeneratorConfig controls the upstream text generator
type GeneratorConfig struct {
	// Provider selects the generator: openai or stub
	Provider string `json:"provider"`

	Model   string `json:"model,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty"`

	// MaxTokens caps the generated completion length
	MaxTokens int `json:"max_tokens,omitempty"`

	// RequestTimeout bounds a single generator call
	RequestTimeout Duration `json:"request_timeout"`
}

// NATSConfig defines NATS connection settings for event fan-out
type NATSConfig struct {
	Enabled       bool     `json:"enabled"`
	URLs          []string `json:"urls,omitempty"`
	MaxReconnects int      `json:"max_reconnects,omitempty"`
	ReconnectWait Duration `json:"reconnect_wait,omitempty"`
}

// MetricsConfig controls the prometheus metrics server
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// LogConfig controls structured logging
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level"`
}

// DefaultConfig returns a configuration with production defaults
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			ChunkSize:       8,
			ChunkDelay:      Duration(50 * time.Millisecond),
			ParallelSplits:  4,
			ParallelWorkers: 4,
			SessionTimeout:  Duration(30 * time.Second),
			SweepInterval:   Duration(5 * time.Second),
		},
		Admission: AdmissionConfig{
			MaxConcurrentSessions: 100,
			RateLimitWindow:       Duration(time.Minute),
			RateLimitMaxRequests:  60,
			PruneInterval:         Duration(30 * time.Second),
		},
		Cache: CacheConfig{
			Enabled:              true,
			Backend:              CacheBackendMemory,
			TTL:                  Duration(15 * time.Minute),
			MaxEntries:           1000,
			Compress:             true,
			CompressionThreshold: 1024,
		},
		Transport: TransportConfig{
			ListenAddr:           ":8080",
			Path:                 "/ws",
			BatchSize:            10,
			BatchTimeout:         Duration(100 * time.Millisecond),
			CompressionThreshold: 1024,
			ConnectionTimeout:    Duration(60 * time.Second),
			SendTimeout:          Duration(5 * time.Second),
			QueueSize:            256,
		},
		Generator: GeneratorConfig{
			Provider:       ProviderStub,
			Model:          "gpt-4o-mini",
			MaxTokens:      1024,
			RequestTimeout: Duration(30 * time.Second),
		},
		NATS: NATSConfig{
			Enabled:       false,
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: 10,
			ReconnectWait: Duration(2 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a JSON file, applies defaults for unset
// fields, then environment overrides, and validates the result.
// An empty path returns validated defaults with environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "read config file")
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse config file")
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides reads secrets and endpoints from the environment.
// Environment values take precedence over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Generator.APIKey = v
	}
	if v := os.Getenv("TOKENSTREAM_NATS_URL"); v != "" {
		c.NATS.URLs = []string{v}
	}
	if v := os.Getenv("TOKENSTREAM_REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	}
	if v := os.Getenv("TOKENSTREAM_CACHE_KEY"); v != "" {
		c.Cache.EncryptionKey = v
	}
	if v := os.Getenv("TOKENSTREAM_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Session.ChunkSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("session.chunk_size must be positive, got %d", c.Session.ChunkSize))
	}
	if c.Session.ParallelSplits <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("session.parallel_splits must be positive, got %d", c.Session.ParallelSplits))
	}
	if c.Session.SessionTimeout.Std() <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"session.session_timeout must be positive")
	}

	if c.Admission.MaxConcurrentSessions <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("admission.max_concurrent_sessions must be positive, got %d",
				c.Admission.MaxConcurrentSessions))
	}
	if c.Admission.RateLimitWindow.Std() <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"admission.rate_limit_window must be positive")
	}
	if c.Admission.RateLimitMaxRequests <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("admission.rate_limit_max_requests must be positive, got %d",
				c.Admission.RateLimitMaxRequests))
	}

	if c.Cache.Enabled {
		switch c.Cache.Backend {
		case CacheBackendMemory:
		case CacheBackendFile, CacheBackendTiered:
			if c.Cache.Dir == "" {
				return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
					fmt.Sprintf("cache.dir is required for %s backend", c.Cache.Backend))
			}
		case CacheBackendRedis:
			if c.Cache.RedisURL == "" {
				return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
					"cache.redis_url is required for redis backend")
			}
		case CacheBackendNATSKV:
			if c.Cache.Bucket == "" {
				return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
					"cache.bucket is required for natskv backend")
			}
			if !c.NATS.Enabled {
				return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
					"nats must be enabled for the natskv cache backend")
			}
		default:
			return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
				fmt.Sprintf("unknown cache backend: %s", c.Cache.Backend))
		}

		if c.Cache.TTL.Std() <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
				"cache.ttl must be positive")
		}
		if c.Cache.MaxEntries <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
				fmt.Sprintf("cache.max_entries must be positive, got %d", c.Cache.MaxEntries))
		}
		if c.Cache.EncryptionKey != "" {
			key, err := hex.DecodeString(c.Cache.EncryptionKey)
			if err != nil {
				return errors.WrapInvalid(err, "config", "Validate",
					"cache.encryption_key must be hex encoded")
			}
			if len(key) != 32 {
				return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
					fmt.Sprintf("cache.encryption_key must decode to 32 bytes, got %d", len(key)))
			}
		}
	}

	if c.Transport.BatchSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("transport.batch_size must be positive, got %d", c.Transport.BatchSize))
	}
	if c.Transport.BatchTimeout.Std() <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"transport.batch_timeout must be positive")
	}
	if c.Transport.ConnectionTimeout.Std() <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			"transport.connection_timeout must be positive")
	}

	switch c.Generator.Provider {
	case ProviderOpenAI:
		if c.Generator.APIKey == "" {
			return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate",
				"generator.api_key is required for the openai provider")
		}
	case ProviderStub:
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("unknown generator provider: %s", c.Generator.Provider))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate",
			fmt.Sprintf("unknown log level: %s", c.Log.Level))
	}

	return nil
}

// EncryptionKeyBytes decodes the configured AES key. Returns nil when
// encryption is disabled.
func (c *CacheConfig) EncryptionKeyBytes() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}
	return hex.DecodeString(c.EncryptionKey)
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}

	// JSON round-trip for deep copy
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}

	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}

	return &clone
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Update", "config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
