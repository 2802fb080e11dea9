package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of the deployment encryption key in bytes.
const KeySize = 64

// Key is the single per-deployment encryption key. Clients hold the only
// copy; the server never sees it. Four subkeys are derived from it: a path
// key and a size key for deterministic encryption, a content key for the
// streaming content AEAD, and a nonce key for deriving per-chunk nonces.
type Key struct {
	bytes [KeySize]byte
}

// GenerateKey produces a new random deployment key.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k.bytes[:]); err != nil {
		return Key{}, fmt.Errorf("generating key: %w", err)
	}
	return k, nil
}

// ParseKey decodes a key from its base64-url form as stored in the client
// config.
func ParseKey(s string) (Key, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("invalid encryption key: %w", err)
	}
	if len(raw) != KeySize {
		return Key{}, fmt.Errorf("invalid encryption key length: expected %d, got %d", KeySize, len(raw))
	}
	var k Key
	copy(k.bytes[:], raw)
	return k, nil
}

func (k Key) Encode() string {
	return base64.RawURLEncoding.EncodeToString(k.bytes[:])
}

// String never reveals key material.
func (k Key) String() string { return "Key(…)" }

func (k Key) derive(info string, size int) ([]byte, error) {
	out := make([]byte, size)
	r := hkdf.New(sha256.New, k.bytes[:], nil, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("deriving %s: %w", info, err)
	}
	return out, nil
}
