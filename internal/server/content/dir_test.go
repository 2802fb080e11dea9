package content

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rammingen-go/internal/proto"
)

func hashOf(data string) proto.ContentHash {
	sum := sha256.Sum256([]byte(data))
	return proto.ContentHash(sum[:])
}

func newDir(t *testing.T) *Dir {
	t.Helper()
	d, err := NewDir(filepath.Join(t.TempDir(), "storage"))
	if err != nil {
		t.Fatalf("NewDir() error = %v", err)
	}
	return d
}

func TestDirPutGet(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "small blob", data: "hello world"},
		{name: "empty blob", data: ""},
		{name: "binary blob", data: string(bytes.Repeat([]byte{0, 1, 2, 255}, 4096))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDir(t)
			hash := hashOf(tt.data)

			existed, err := d.Put(hash, strings.NewReader(tt.data))
			if err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if existed {
				t.Error("first Put() reported existed")
			}

			blob, err := d.Open(hash)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer blob.Close()
			data, err := io.ReadAll(blob)
			if err != nil {
				t.Fatalf("reading blob: %v", err)
			}
			if string(data) != tt.data {
				t.Error("blob content differs")
			}

			size, err := d.Size(hash)
			if err != nil || size != int64(len(tt.data)) {
				t.Errorf("Size() = %d, %v, want %d", size, err, len(tt.data))
			}
		})
	}
}

func TestDirPutIdempotent(t *testing.T) {
	d := newDir(t)
	hash := hashOf("content")

	if _, err := d.Put(hash, strings.NewReader("content")); err != nil {
		t.Fatalf("first Put() error = %v", err)
	}
	existed, err := d.Put(hash, strings.NewReader("content"))
	if err != nil {
		t.Fatalf("second Put() error = %v", err)
	}
	if !existed {
		t.Error("second Put() should report existed")
	}

	// The stored bytes are untouched.
	blob, err := d.Open(hash)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer blob.Close()
	data, _ := io.ReadAll(blob)
	if string(data) != "content" {
		t.Error("blob was altered by repeated Put")
	}
}

func TestDirPutHashMismatch(t *testing.T) {
	d := newDir(t)
	hash := hashOf("expected")

	_, err := d.Put(hash, strings.NewReader("different"))
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("Put() error = %v, want ErrHashMismatch", err)
	}
	exists, err := d.Exists(hash)
	if err != nil || exists {
		t.Error("mismatched upload must be discarded")
	}
	// No stray temp files either.
	entries, err := os.ReadDir(filepath.Join(d.root, "tmp"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("tmp dir has %d leftover files", len(entries))
	}
}

func TestDirSharding(t *testing.T) {
	d := newDir(t)
	hash := hashOf("sharded")

	if _, err := d.Put(hash, strings.NewReader("sharded")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	hex := hash.Hex()
	want := filepath.Join(d.root, hex[0:2], hex[2:4], hex)
	if _, err := os.Stat(want); err != nil {
		t.Errorf("blob not at sharded path %s: %v", want, err)
	}
}

func TestDirDeleteAndExists(t *testing.T) {
	d := newDir(t)
	hash := hashOf("to delete")

	if exists, _ := d.Exists(hash); exists {
		t.Error("Exists() before Put")
	}
	if _, err := d.Put(hash, strings.NewReader("to delete")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if exists, _ := d.Exists(hash); !exists {
		t.Error("Exists() after Put")
	}
	if err := d.Delete(hash); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if exists, _ := d.Exists(hash); exists {
		t.Error("Exists() after Delete")
	}
	// Deleting a missing blob is fine.
	if err := d.Delete(hash); err != nil {
		t.Errorf("repeated Delete() error = %v", err)
	}
	if _, err := d.Open(hash); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open() after delete error = %v, want ErrNotFound", err)
	}
}

func TestDirHashes(t *testing.T) {
	d := newDir(t)
	stored := map[string]bool{}
	for _, data := range []string{"one", "two", "three"} {
		hash := hashOf(data)
		if _, err := d.Put(hash, strings.NewReader(data)); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		stored[hash.Hex()] = true
	}

	hashes, err := d.Hashes()
	if err != nil {
		t.Fatalf("Hashes() error = %v", err)
	}
	if len(hashes) != len(stored) {
		t.Fatalf("Hashes() returned %d, want %d", len(hashes), len(stored))
	}
	for _, hash := range hashes {
		if !stored[hash.Hex()] {
			t.Errorf("unexpected hash %s", hash.Hex())
		}
	}
}
