package index

import (
	"testing"
	"time"

	"rammingen-go/internal/client/fspath"
	"rammingen-go/internal/proto"
)

func openIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func encPath(t *testing.T, raw string) proto.EncryptedArchivePath {
	t.Helper()
	p, err := proto.EncryptedPathFromRaw(raw)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRunLockExcludesSecondOpen(t *testing.T) {
	dir := t.TempDir()
	first, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open() error = %v", err)
	}

	if _, err := Open(dir); err == nil {
		t.Error("second Open() on the same directory must fail")
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	second, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() after Close() error = %v", err)
	}
	second.Close()
}

func TestLastUpdateNumberStartsAtZero(t *testing.T) {
	idx := openIndex(t)
	n, err := idx.LastUpdateNumber()
	if err != nil || n != 0 {
		t.Errorf("LastUpdateNumber() = %d, %v, want 0", n, err)
	}
}

func TestApplyRemoteBatch(t *testing.T) {
	idx := openIndex(t)

	hash := make(proto.ContentHash, proto.ContentHashSize)
	entries := []proto.Entry{
		{
			UpdateNumber: 7,
			VersionData:  proto.VersionData{Path: encPath(t, "/ZGly"), Kind: proto.KindDirectory},
		},
		{
			UpdateNumber: 8,
			VersionData: proto.VersionData{
				Path: encPath(t, "/ZGly/ZmlsZQ"),
				Kind: proto.KindFile,
				Content: &proto.FileContent{
					ModifiedAt:    time.Now().UTC(),
					Hash:          hash,
					EncryptedSize: 123,
				},
			},
		},
	}
	if err := idx.ApplyRemoteBatch(entries, 8); err != nil {
		t.Fatalf("ApplyRemoteBatch() error = %v", err)
	}

	n, err := idx.LastUpdateNumber()
	if err != nil || n != 8 {
		t.Errorf("LastUpdateNumber() = %d, %v, want 8", n, err)
	}

	remote, err := idx.GetRemote(encPath(t, "/ZGly/ZmlsZQ"))
	if err != nil {
		t.Fatalf("GetRemote() error = %v", err)
	}
	if remote == nil || remote.Kind != proto.KindFile || remote.Content == nil {
		t.Fatalf("GetRemote() = %+v", remote)
	}
	if !remote.Content.Hash.Equal(hash) {
		t.Error("stored hash differs")
	}

	missing, err := idx.GetRemote(encPath(t, "/bm9wZQ"))
	if err != nil || missing != nil {
		t.Errorf("GetRemote(missing) = %+v, %v", missing, err)
	}
}

func TestWalkRemoteSubtree(t *testing.T) {
	idx := openIndex(t)

	for _, raw := range []string{"/YQ", "/YQ/Yg", "/YQ/Yg/Yw", "/YQx", "/eg"} {
		if err := idx.SetRemote(encPath(t, raw), RemoteEntry{Kind: proto.KindDirectory}); err != nil {
			t.Fatal(err)
		}
	}

	var got []string
	err := idx.WalkRemote(encPath(t, "/YQ"), func(p proto.EncryptedArchivePath, _ RemoteEntry) error {
		got = append(got, p.Raw())
		return nil
	})
	if err != nil {
		t.Fatalf("WalkRemote() error = %v", err)
	}

	want := []string{"/YQ", "/YQ/Yg", "/YQ/Yg/Yw"}
	if len(got) != len(want) {
		t.Fatalf("WalkRemote() visited %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("visit %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLocalCache(t *testing.T) {
	idx := openIndex(t)
	path := fspath.SanitizedLocalPath("/tmp/mount/file.txt")

	if cached, err := idx.GetLocal(path); err != nil || cached != nil {
		t.Fatalf("GetLocal(empty) = %+v, %v", cached, err)
	}

	entry := LocalEntry{
		Kind:          proto.KindFile,
		Hash:          make(proto.ContentHash, proto.ContentHashSize),
		Size:          42,
		ModifiedAt:    time.Now().UTC(),
		EncryptedSize: 99,
	}
	if err := idx.SetLocal(path, entry); err != nil {
		t.Fatalf("SetLocal() error = %v", err)
	}

	cached, err := idx.GetLocal(path)
	if err != nil || cached == nil {
		t.Fatalf("GetLocal() = %+v, %v", cached, err)
	}
	if cached.Size != 42 || cached.EncryptedSize != 99 {
		t.Errorf("cached = %+v", cached)
	}

	if err := idx.DeleteLocal(path); err != nil {
		t.Fatalf("DeleteLocal() error = %v", err)
	}
	if cached, _ := idx.GetLocal(path); cached != nil {
		t.Error("entry survived DeleteLocal")
	}
}
