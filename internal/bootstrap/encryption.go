package bootstrap

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/weskerllc/cronicorn/internal/data/cryptoutil"
)

// CreateEncryptor creates the AES-GCM encryptor that protects endpoint header
// values at rest. An empty or unusable key falls back to the noop encryptor
// with a warning, so a misconfigured key degrades to plaintext storage
// instead of a crash loop.
//
//nolint:ireturn // Returning interface is intentional for encryptor abstraction
func CreateEncryptor(key string, logger *slog.Logger) cryptoutil.Encryptor {
	if key == "" {
		if logger != nil {
			logger.Warn("encryption key is empty, endpoint headers will be stored unencrypted")
		}
		return &cryptoutil.NoopEncryptor{}
	}

	enc, err := cryptoutil.NewAESGCMEncryptor(deriveKey(key))
	if err != nil {
		if logger != nil {
			logger.Warn("failed to create encryptor, endpoint headers will be stored unencrypted", "error", err)
		}
		return &cryptoutil.NoopEncryptor{}
	}
	return enc
}

// deriveKey turns the configured key into 32 bytes of AES-256 key material.
// A 64-char hex key decodes directly; anything else is hashed.
func deriveKey(key string) []byte {
	if decoded, err := hex.DecodeString(key); err == nil && len(decoded) == 32 {
		return decoded
	}
	sum := sha256.Sum256([]byte(key))
	return sum[:]
}
