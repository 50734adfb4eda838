package respcache

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/tokenstream/config"
	"github.com/c360/tokenstream/errors"
)

// NewBackendFromConfig builds the persistent backend selected by the
// configuration. The memory backend returns nil: the memory tier inside
// ResponseCache is always present, so memory-only operation needs no
// backend at all. The tiered backend is the file backend behind the
// memory tier, with backend hits promoted into memory on read.
//
// js is only required for the natskv backend and may be nil otherwise.
func NewBackendFromConfig(ctx context.Context, cfg config.CacheConfig, js jetstream.JetStream) (Backend, error) {
	switch cfg.Backend {
	case config.CacheBackendMemory:
		return nil, nil
	case config.CacheBackendFile, config.CacheBackendTiered:
		return NewFileBackend(cfg.Dir)
	case config.CacheBackendRedis:
		return NewRedisBackend(ctx, cfg.RedisURL)
	case config.CacheBackendNATSKV:
		if js == nil {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "respcache", "NewBackendFromConfig",
				"natskv backend requires a JetStream connection")
		}
		return NewNATSKVBackend(ctx, js, cfg.Bucket, cfg.TTL.Std())
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "respcache", "NewBackendFromConfig",
			fmt.Sprintf("unknown cache backend: %s", cfg.Backend))
	}
}

// NewCodecFromConfig builds the entry codec from the cache configuration.
func NewCodecFromConfig(cfg config.CacheConfig) (*Codec, error) {
	key, err := cfg.EncryptionKeyBytes()
	if err != nil {
		return nil, errors.WrapInvalid(err, "respcache", "NewCodecFromConfig", "decode encryption key")
	}
	return NewCodec(CodecConfig{
		Compress:             cfg.Compress,
		CompressionThreshold: cfg.CompressionThreshold,
		EncryptionKey:        key,
	}), nil
}
