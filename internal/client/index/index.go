// Package index is the client's persistent local index: a mirror of the
// server's entries by encrypted path, a cache of local file state for
// skip-if-unchanged decisions, and the last seen update number.
package index

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	bolt "go.etcd.io/bbolt"

	"rammingen-go/internal/client/fspath"
	"rammingen-go/internal/proto"
)

var (
	bucketRemote = []byte("remote")
	bucketLocal  = []byte("local")
	bucketMeta   = []byte("meta")

	keyLastUpdateNumber = []byte("last_update_number")
)

// RemoteEntry is the snapshot of a server entry kept per encrypted path.
type RemoteEntry struct {
	Kind    proto.EntryKind    `json:"kind"`
	Content *proto.FileContent `json:"content,omitempty"`
}

// LocalEntry caches the observed state of one local file so unchanged files
// skip re-encryption. A file whose size and mtime match the cache reuses
// the cached hash.
type LocalEntry struct {
	Kind          proto.EntryKind   `json:"kind"`
	Hash          proto.ContentHash `json:"hash,omitempty"`
	Size          int64             `json:"size"`
	ModifiedAt    time.Time         `json:"modified_at"`
	EncryptedSize int64             `json:"encrypted_size"`
	UnixMode      *uint32           `json:"unix_mode,omitempty"`
	IsSymlink     *bool             `json:"is_symlink,omitempty"`
}

// Index is the bbolt-backed store. The lock sentinel next to the database
// file enforces one client run per source.
type Index struct {
	db   *bolt.DB
	lock *flock.Flock
}

// Open opens (creating if needed) the index inside dir and takes the
// per-source run lock. It fails fast when another run holds the lock.
func Open(dir string) (*Index, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, "run.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring run lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another sync run is already active for this source")
	}

	db, err := bolt.Open(filepath.Join(dir, "index.db"), 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("opening index: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRemote, bucketLocal, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		lock.Unlock()
		return nil, fmt.Errorf("initializing index: %w", err)
	}

	return &Index{db: db, lock: lock}, nil
}

func (i *Index) Close() error {
	err := i.db.Close()
	if unlockErr := i.lock.Unlock(); err == nil {
		err = unlockErr
	}
	return err
}

// LastUpdateNumber returns the highest update number pulled so far.
func (i *Index) LastUpdateNumber() (proto.UpdateNumber, error) {
	var n proto.UpdateNumber
	err := i.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketMeta).Get(keyLastUpdateNumber)
		if value != nil {
			n = proto.UpdateNumber(binary.LittleEndian.Uint64(value))
		}
		return nil
	})
	return n, err
}

// ApplyRemoteBatch stores a batch of pulled entries and advances the last
// update number in one atomic transaction, so a crashed pull resumes from
// the last committed batch.
func (i *Index) ApplyRemoteBatch(entries []proto.Entry, last proto.UpdateNumber) error {
	if len(entries) == 0 {
		return nil
	}
	return i.db.Update(func(tx *bolt.Tx) error {
		remote := tx.Bucket(bucketRemote)
		for _, entry := range entries {
			value, err := json.Marshal(RemoteEntry{Kind: entry.Kind, Content: entry.Content})
			if err != nil {
				return fmt.Errorf("encoding remote entry: %w", err)
			}
			if err := remote.Put([]byte(entry.Path.Raw()), value); err != nil {
				return err
			}
		}
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(last))
		return tx.Bucket(bucketMeta).Put(keyLastUpdateNumber, buf[:])
	})
}

// GetRemote returns the stored snapshot for an encrypted path, nil if none.
func (i *Index) GetRemote(path proto.EncryptedArchivePath) (*RemoteEntry, error) {
	var out *RemoteEntry
	err := i.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketRemote).Get([]byte(path.Raw()))
		if value == nil {
			return nil
		}
		var entry RemoteEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return fmt.Errorf("decoding remote entry: %w", err)
		}
		out = &entry
		return nil
	})
	return out, err
}

// SetRemote records the client's own write so the next pull of it is a no-op.
func (i *Index) SetRemote(path proto.EncryptedArchivePath, entry RemoteEntry) error {
	return i.db.Update(func(tx *bolt.Tx) error {
		value, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encoding remote entry: %w", err)
		}
		return tx.Bucket(bucketRemote).Put([]byte(path.Raw()), value)
	})
}

// WalkRemote visits every stored snapshot whose encrypted path equals root
// or lies under it, in key order.
func (i *Index) WalkRemote(root proto.EncryptedArchivePath, fn func(proto.EncryptedArchivePath, RemoteEntry) error) error {
	return i.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketRemote).Cursor()
		visit := func(key, value []byte) error {
			path, err := proto.EncryptedPathFromRaw(string(key))
			if err != nil {
				return err
			}
			var entry RemoteEntry
			if err := json.Unmarshal(value, &entry); err != nil {
				return fmt.Errorf("decoding remote entry: %w", err)
			}
			return fn(path, entry)
		}

		if key, value := cursor.Seek([]byte(root.Raw())); key != nil && string(key) == root.Raw() {
			if err := visit(key, value); err != nil {
				return err
			}
		}
		prefix := []byte(root.Raw() + "/")
		if root.IsRoot() {
			prefix = []byte("/")
		}
		for key, value := cursor.Seek(prefix); key != nil && hasPrefix(key, prefix); key, value = cursor.Next() {
			if err := visit(key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

// GetLocal returns the cached local state for a sanitized path, nil if none.
func (i *Index) GetLocal(path fspath.SanitizedLocalPath) (*LocalEntry, error) {
	var out *LocalEntry
	err := i.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(bucketLocal).Get([]byte(path))
		if value == nil {
			return nil
		}
		var entry LocalEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return fmt.Errorf("decoding local entry: %w", err)
		}
		out = &entry
		return nil
	})
	return out, err
}

func (i *Index) SetLocal(path fspath.SanitizedLocalPath, entry LocalEntry) error {
	return i.db.Update(func(tx *bolt.Tx) error {
		value, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encoding local entry: %w", err)
		}
		return tx.Bucket(bucketLocal).Put([]byte(path), value)
	})
}

func (i *Index) DeleteLocal(path fspath.SanitizedLocalPath) error {
	return i.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocal).Delete([]byte(path))
	})
}
