package respcache

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"

	"github.com/c360/tokenstream/errors"
)

// Transform tags recorded in each stored envelope. Decode follows the
// tag in the entry, not the current configuration, so entries written
// under an older configuration remain readable.
const (
	TransformPlain   = "plain"
	TransformGzip    = "gzip"
	TransformAES     = "aes-gcm"
	TransformGzipAES = "gzip+aes-gcm"
)

// envelope is the serialized form of a backend entry.
type envelope struct {
	Transform string `json:"transform"`
	Payload   []byte `json:"payload"`
}

// CodecConfig controls how entries are serialized for backend storage.
type CodecConfig struct {
	// Compress enables gzip for payloads of at least CompressionThreshold bytes
	Compress bool

	// CompressionThreshold is the minimum payload size for compression.
	// Zero means compress everything when Compress is set.
	CompressionThreshold int

	// EncryptionKey is a 32-byte AES key. Nil disables encryption.
	EncryptionKey []byte
}

// Codec serializes cache entries into tagged envelopes. Compression
// applies above the configured threshold; encryption applies to every
// entry when a key is present. The applied transforms are recorded in
// the envelope so decoding is self-describing.
type Codec struct {
	cfg  CodecConfig
	aead cipher.AEAD
}

// NewCodec builds a codec from the given configuration. An invalid
// encryption key silently disables encryption; validate key material
// at configuration time.
func NewCodec(cfg CodecConfig) *Codec {
	c := &Codec{cfg: cfg}
	if len(cfg.EncryptionKey) == 32 {
		if block, err := aes.NewCipher(cfg.EncryptionKey); err == nil {
			if aead, err := cipher.NewGCM(block); err == nil {
				c.aead = aead
			}
		}
	}
	return c
}

// Encode serializes a response into a tagged envelope.
func (c *Codec) Encode(resp *CachedResponse) ([]byte, error) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, errors.Wrap(err, "Codec", "Encode", "marshal response")
	}

	transform := TransformPlain

	if c.cfg.Compress && len(payload) >= c.cfg.CompressionThreshold {
		compressed, err := gzipBytes(payload)
		if err != nil {
			return nil, errors.Wrap(err, "Codec", "Encode", "compress payload")
		}
		payload = compressed
		transform = TransformGzip
	}

	if c.aead != nil {
		sealed, err := c.seal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "Codec", "Encode", "encrypt payload")
		}
		payload = sealed
		if transform == TransformGzip {
			transform = TransformGzipAES
		} else {
			transform = TransformAES
		}
	}

	return json.Marshal(envelope{Transform: transform, Payload: payload})
}

// Decode reverses the transforms recorded in the envelope tag.
func (c *Codec) Decode(data []byte) (*CachedResponse, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrap(err, "Codec", "Decode", "unmarshal envelope")
	}

	payload := env.Payload

	switch env.Transform {
	case TransformAES, TransformGzipAES:
		if c.aead == nil {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Codec", "Decode",
				"entry is encrypted but no key is configured")
		}
		opened, err := c.open(payload)
		if err != nil {
			return nil, errors.Wrap(err, "Codec", "Decode", "decrypt payload")
		}
		payload = opened
	case TransformPlain, TransformGzip:
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Codec", "Decode",
			fmt.Sprintf("unknown transform tag: %s", env.Transform))
	}

	if env.Transform == TransformGzip || env.Transform == TransformGzipAES {
		inflated, err := gunzipBytes(payload)
		if err != nil {
			return nil, errors.Wrap(err, "Codec", "Decode", "decompress payload")
		}
		payload = inflated
	}

	var resp CachedResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, errors.Wrap(err, "Codec", "Decode", "unmarshal response")
	}
	return &resp, nil
}

// seal encrypts with AES-GCM, prepending the nonce to the ciphertext.
func (c *Codec) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *Codec) open(sealed []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("ciphertext shorter than nonce: %d bytes", len(sealed))
	}
	return c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}
