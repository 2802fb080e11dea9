// Package content implements the server's content-addressed blob storage.
// Blobs are opaque ciphertext keyed by the SHA-256 hash of their bytes.
package content

import (
	"errors"
	"fmt"
	"io"

	"rammingen-go/internal/proto"
)

// ErrNotFound is returned when no blob exists for a hash.
var ErrNotFound = errors.New("content not found")

// ErrHashMismatch is returned by Put when the received bytes do not hash to
// the claimed value. The partial blob is discarded.
var ErrHashMismatch = errors.New("content hash mismatch")

// Store is a content-addressed blob store.
// Put verifies the uploaded bytes against the claimed hash before the blob
// becomes visible, and is idempotent: storing an existing hash discards the
// new bytes after verification. Delete is advisory; callers must first
// prove that no entry or retained version references the hash.
type Store interface {
	Put(hash proto.ContentHash, r io.Reader) (existed bool, err error)
	Open(hash proto.ContentHash) (io.ReadCloser, error)
	Exists(hash proto.ContentHash) (bool, error)
	Delete(hash proto.ContentHash) error
	// Size returns the stored size of a blob in bytes.
	Size(hash proto.ContentHash) (int64, error)
	// AvailableSpace reports free space in bytes, or 0 when the backend
	// cannot tell.
	AvailableSpace() (uint64, error)
	// Hashes lists every stored blob hash. Used by integrity checks.
	Hashes() ([]proto.ContentHash, error)
}

// Config selects and parameterizes a Store backend.
// This uses a tagged union pattern - the Type field determines which other
// fields are relevant.
type Config struct {
	Type string `toml:"type"` // "dir", "s3" or "memory"

	// Dir-specific fields (only used when Type == "dir")
	Root string `toml:"root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket string `toml:"s3_bucket,omitempty"`
	S3Prefix string `toml:"s3_prefix,omitempty"`
	S3Region string `toml:"s3_region,omitempty"`
}

// NewStoreFromConfig creates the Store selected by cfg.
func NewStoreFromConfig(cfg Config) (Store, error) {
	switch cfg.Type {
	case "dir", "":
		return NewDir(cfg.Root)
	case "s3":
		return NewS3(cfg.S3Bucket, cfg.S3Prefix, cfg.S3Region)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown content store type: %q", cfg.Type)
	}
}
