package respcache

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/tokenstream/errors"
)

// natsKVBackend stores entries in a JetStream KV bucket. KV has no
// per-key TTL, so expiry rides on the bucket-level TTL set at creation;
// every entry shares the cache-wide lifetime and the server reclaims
// expired entries itself.
type natsKVBackend struct {
	bucket jetstream.KeyValue
}

// NewNATSKVBackend creates or opens a KV bucket for cache entries, with
// the bucket TTL set to the cache TTL.
func NewNATSKVBackend(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (Backend, error) {
	if bucket == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "natsKVBackend", "New",
			"bucket name cannot be empty")
	}

	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		if !stderrors.Is(err, jetstream.ErrBucketNotFound) {
			return nil, errors.WrapTransient(err, "natsKVBackend", "New", "open bucket")
		}
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "tokenstream response cache",
			TTL:         ttl,
		})
		if err != nil {
			// Lost a create race with another instance
			if stderrors.Is(err, jetstream.ErrBucketExists) {
				kv, err = js.KeyValue(ctx, bucket)
			}
			if err != nil {
				return nil, errors.WrapTransient(err, "natsKVBackend", "New", "create bucket")
			}
		}
	}

	return &natsKVBackend{bucket: kv}, nil
}

// Put stores an entry. The per-entry TTL argument is unused; the
// bucket TTL governs expiry.
func (nb *natsKVBackend) Put(ctx context.Context, key string, data []byte, _ time.Duration) error {
	if _, err := nb.bucket.Put(ctx, key, data); err != nil {
		return errors.WrapTransient(err, "natsKVBackend", "Put", "put entry")
	}
	return nil
}

func (nb *natsKVBackend) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := nb.bucket.Get(ctx, key)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, errors.ErrKeyNotFound
		}
		return nil, errors.WrapTransient(err, "natsKVBackend", "Get", "get entry")
	}
	return entry.Value(), nil
}

func (nb *natsKVBackend) Delete(ctx context.Context, key string) error {
	if err := nb.bucket.Delete(ctx, key); err != nil &&
		!stderrors.Is(err, jetstream.ErrKeyNotFound) {
		return errors.WrapTransient(err, "natsKVBackend", "Delete", "delete entry")
	}
	return nil
}

func (nb *natsKVBackend) Keys(ctx context.Context) ([]string, error) {
	keys, err := nb.bucket.Keys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "natsKVBackend", "Keys", "list keys")
	}
	return keys, nil
}

func (nb *natsKVBackend) Close() error {
	return nil
}
