package content

import (
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"rammingen-go/internal/proto"
)

// Dir stores each blob as one file under a two-level directory sharding of
// the hex hash:
//
//	<root>/
//	  tmp/              (upload spool, same filesystem for atomic rename)
//	  ab/cd/abcd…       (blob files, named by full hex hash)
type Dir struct {
	root string
	tmp  string
}

var _ Store = (*Dir)(nil)

// NewDir creates a directory-backed store rooted at the given path.
func NewDir(root string) (*Dir, error) {
	if root == "" {
		return nil, fmt.Errorf("content store root is not configured")
	}
	tmp := filepath.Join(root, "tmp")
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return nil, fmt.Errorf("creating content tmp directory: %w", err)
	}
	return &Dir{root: root, tmp: tmp}, nil
}

func (d *Dir) blobPath(hash proto.ContentHash) (dir, path string) {
	hex := hash.Hex()
	dir = filepath.Join(d.root, hex[0:2], hex[2:4])
	return dir, filepath.Join(dir, hex)
}

// Put spools the uploaded bytes to a temp file while hashing, verifies the
// claimed hash and renames the file into place. The blob only becomes
// visible after the rename, so a dropped connection never leaves a
// half-written blob observable.
func (d *Dir) Put(hash proto.ContentHash, r io.Reader) (bool, error) {
	tmpFile, err := os.CreateTemp(d.tmp, ".upload-*")
	if err != nil {
		return false, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	committed := false
	defer func() {
		tmpFile.Close()
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmpFile, hasher), r); err != nil {
		return false, fmt.Errorf("writing blob: %w", err)
	}
	if actual := proto.ContentHash(hasher.Sum(nil)); !actual.Equal(hash) {
		return false, fmt.Errorf("%w: expected %s, got %s", ErrHashMismatch, hash.Hex(), actual.Hex())
	}
	if err := tmpFile.Sync(); err != nil {
		return false, fmt.Errorf("syncing blob: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return false, fmt.Errorf("closing blob: %w", err)
	}

	dir, path := d.blobPath(hash)
	if _, err := os.Stat(path); err == nil {
		// Already stored; the verified upload is discarded.
		return true, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, fmt.Errorf("creating blob directory: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return false, fmt.Errorf("committing blob: %w", err)
	}
	committed = true
	return false, nil
}

func (d *Dir) Open(hash proto.ContentHash) (io.ReadCloser, error) {
	_, path := d.blobPath(hash)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash.Hex())
		}
		return nil, fmt.Errorf("opening blob: %w", err)
	}
	return f, nil
}

func (d *Dir) Exists(hash proto.ContentHash) (bool, error) {
	_, path := d.blobPath(hash)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking blob: %w", err)
	}
	return true, nil
}

func (d *Dir) Delete(hash proto.ContentHash) error {
	_, path := d.blobPath(hash)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing blob: %w", err)
	}
	return nil
}

func (d *Dir) Size(hash proto.ContentHash) (int64, error) {
	_, path := d.blobPath(hash)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, hash.Hex())
		}
		return 0, fmt.Errorf("stat blob: %w", err)
	}
	return info.Size(), nil
}

func (d *Dir) Hashes() ([]proto.ContentHash, error) {
	var hashes []proto.ContentHash
	err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if path == d.tmp {
				return filepath.SkipDir
			}
			return nil
		}
		hash, err := proto.ContentHashFromHex(entry.Name())
		if err != nil {
			return fmt.Errorf("unexpected file in content store: %s", path)
		}
		hashes = append(hashes, hash)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}
	return hashes, nil
}
