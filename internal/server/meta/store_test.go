package meta

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"testing"
	"time"

	"rammingen-go/internal/proto"
)

func openStore(t *testing.T) (*Store, proto.SourceID) {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	id, err := s.AddSource(context.Background(), "test-source", "test-token")
	if err != nil {
		t.Fatalf("AddSource() error = %v", err)
	}
	return s, id
}

func encPath(t *testing.T, raw string) proto.EncryptedArchivePath {
	t.Helper()
	p, err := proto.EncryptedPathFromRaw(raw)
	if err != nil {
		t.Fatalf("EncryptedPathFromRaw(%q) error = %v", raw, err)
	}
	return p
}

func testContent(seed string) *proto.FileContent {
	sum := sha256.Sum256([]byte(seed))
	return &proto.FileContent{
		ModifiedAt:    time.Now().UTC().Truncate(time.Second),
		OriginalSize:  proto.EncryptedSize("enc-size-" + seed),
		EncryptedSize: int64(len(seed) + 100),
		Hash:          proto.ContentHash(sum[:]),
	}
}

func addDir(t *testing.T, s *Store, source proto.SourceID, raw string) *proto.AddVersionResponse {
	t.Helper()
	resp, err := s.AddVersion(context.Background(), source, &proto.AddVersionRequest{
		Path:          encPath(t, raw),
		RecordTrigger: proto.TriggerUpload,
		Kind:          proto.KindDirectory,
	})
	if err != nil {
		t.Fatalf("AddVersion(dir %s) error = %v", raw, err)
	}
	return resp
}

func addFile(t *testing.T, s *Store, source proto.SourceID, raw, seed string) *proto.AddVersionResponse {
	t.Helper()
	resp, err := s.AddVersion(context.Background(), source, &proto.AddVersionRequest{
		Path:          encPath(t, raw),
		RecordTrigger: proto.TriggerUpload,
		Kind:          proto.KindFile,
		Content:       testContent(seed),
	})
	if err != nil {
		t.Fatalf("AddVersion(file %s) error = %v", raw, err)
	}
	return resp
}

func TestSourceByToken(t *testing.T) {
	s, id := openStore(t)

	info, err := s.SourceByToken(context.Background(), "test-token")
	if err != nil {
		t.Fatalf("SourceByToken() error = %v", err)
	}
	if info.ID != id || info.Name != "test-source" {
		t.Errorf("SourceByToken() = %+v", info)
	}
	if _, err := s.SourceByToken(context.Background(), "bogus"); err == nil {
		t.Error("unknown token should fail")
	}
}

func TestAddVersionBasics(t *testing.T) {
	s, source := openStore(t)
	ctx := context.Background()

	resp := addDir(t, s, source, "/docs")
	if !resp.Added || resp.UpdateNumber != 1 {
		t.Fatalf("first AddVersion = %+v", resp)
	}

	resp = addFile(t, s, source, "/docs/hello", "hello")
	if !resp.Added || resp.UpdateNumber != 2 {
		t.Fatalf("second AddVersion = %+v", resp)
	}

	entry, err := s.GetEntry(ctx, encPath(t, "/docs/hello"))
	if err != nil {
		t.Fatalf("GetEntry() error = %v", err)
	}
	if entry == nil || entry.Kind != proto.KindFile || entry.Content == nil {
		t.Fatalf("GetEntry() = %+v", entry)
	}
	if entry.ParentDir == nil {
		t.Fatal("file under /docs has no parent_dir")
	}

	parent, err := s.GetEntry(ctx, encPath(t, "/docs"))
	if err != nil || parent == nil {
		t.Fatalf("GetEntry(parent) = %+v, %v", parent, err)
	}
	if *entry.ParentDir != parent.ID {
		t.Errorf("parent_dir = %d, want %d", *entry.ParentDir, parent.ID)
	}
	if parent.ParentDir != nil {
		t.Error("top-level entry must have NULL parent_dir")
	}
}

func TestAddVersionNoopOnSameState(t *testing.T) {
	s, source := openStore(t)

	addDir(t, s, source, "/docs")
	resp := addDir(t, s, source, "/docs")
	if resp.Added {
		t.Error("identical version must not be recorded")
	}

	addFile(t, s, source, "/docs/a", "seed")
	resp = addFile(t, s, source, "/docs/a", "seed")
	if resp.Added {
		t.Error("identical file version must not be recorded")
	}
	resp = addFile(t, s, source, "/docs/a", "changed")
	if !resp.Added {
		t.Error("changed content must be recorded")
	}
}

func TestAddVersionParentPrecondition(t *testing.T) {
	s, source := openStore(t)

	_, err := s.AddVersion(context.Background(), source, &proto.AddVersionRequest{
		Path:          encPath(t, "/missing/child"),
		RecordTrigger: proto.TriggerUpload,
		Kind:          proto.KindDirectory,
	})
	if !errors.Is(err, ErrPrecondition) {
		t.Errorf("AddVersion without parent error = %v, want ErrPrecondition", err)
	}

	// A file is not a valid parent either.
	addDir(t, s, source, "/docs")
	addFile(t, s, source, "/docs/file", "x")
	_, err = s.AddVersion(context.Background(), source, &proto.AddVersionRequest{
		Path:          encPath(t, "/docs/file/nested"),
		RecordTrigger: proto.TriggerUpload,
		Kind:          proto.KindDirectory,
	})
	if !errors.Is(err, ErrPrecondition) {
		t.Errorf("AddVersion under file error = %v, want ErrPrecondition", err)
	}
}

func TestUpdateNumbersStrictlyIncrease(t *testing.T) {
	s, source := openStore(t)

	var last proto.UpdateNumber
	for i := 0; i < 5; i++ {
		resp := addFile(t, s, source, fmt.Sprintf("/f%d", i), fmt.Sprintf("seed%d", i))
		if resp.UpdateNumber <= last {
			t.Fatalf("update number %d not greater than %d", resp.UpdateNumber, last)
		}
		last = resp.UpdateNumber
	}
}

func TestVersionRowPerMutation(t *testing.T) {
	s, source := openStore(t)
	ctx := context.Background()

	addDir(t, s, source, "/docs")
	addFile(t, s, source, "/docs/a", "v1")
	addFile(t, s, source, "/docs/a", "v2")
	addFile(t, s, source, "/docs/a", "v3")

	versions, err := s.Versions(ctx, encPath(t, "/docs/a"))
	if err != nil {
		t.Fatalf("Versions() error = %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("Versions() returned %d rows, want 3", len(versions))
	}

	entry, err := s.GetEntry(ctx, encPath(t, "/docs/a"))
	if err != nil {
		t.Fatal(err)
	}
	seen := map[proto.UpdateNumber]bool{}
	for _, version := range versions {
		if version.EntryID != entry.ID {
			t.Errorf("version entry_id = %d, want %d", version.EntryID, entry.ID)
		}
		if seen[version.UpdateNumber] {
			t.Errorf("duplicate update number %d in versions", version.UpdateNumber)
		}
		seen[version.UpdateNumber] = true
	}
	if !seen[entry.UpdateNumber] {
		t.Error("current update number missing from versions")
	}
}

func TestUpdatesSince(t *testing.T) {
	s, source := openStore(t)
	ctx := context.Background()

	addDir(t, s, source, "/docs")
	n := addFile(t, s, source, "/docs/a", "a").UpdateNumber
	addFile(t, s, source, "/docs/b", "b")
	addFile(t, s, source, "/docs/c", "c")

	var got []proto.UpdateNumber
	err := s.UpdatesSince(ctx, n, func(entry proto.Entry) error {
		got = append(got, entry.UpdateNumber)
		return nil
	})
	if err != nil {
		t.Fatalf("UpdatesSince() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("UpdatesSince(%d) returned %d entries, want 2", n, len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i] <= got[i-1] {
			t.Error("entries not ordered by update number")
		}
	}
}

func TestGetChildren(t *testing.T) {
	s, source := openStore(t)
	ctx := context.Background()

	addDir(t, s, source, "/docs")
	addDir(t, s, source, "/docs/sub")
	addFile(t, s, source, "/docs/a", "a")
	addFile(t, s, source, "/docs/sub/deep", "deep")

	children, err := s.GetChildren(ctx, encPath(t, "/docs"))
	if err != nil {
		t.Fatalf("GetChildren() error = %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("GetChildren() returned %d, want 2 (no grandchildren)", len(children))
	}

	none, err := s.GetChildren(ctx, encPath(t, "/absent"))
	if err != nil || none != nil {
		t.Errorf("GetChildren(absent) = %v, %v", none, err)
	}
}

func TestRemoveEntrySubtree(t *testing.T) {
	s, source := openStore(t)
	ctx := context.Background()

	addDir(t, s, source, "/docs")
	addDir(t, s, source, "/docs/sub")
	addFile(t, s, source, "/docs/sub/a", "a")
	addFile(t, s, source, "/docs/b", "b")
	addFile(t, s, source, "/docsother", "other")

	affected, err := s.RemoveEntry(ctx, source, encPath(t, "/docs"))
	if err != nil {
		t.Fatalf("RemoveEntry() error = %v", err)
	}
	if affected != 4 {
		t.Errorf("affected = %d, want 4", affected)
	}

	for _, raw := range []string{"/docs", "/docs/sub", "/docs/sub/a", "/docs/b"} {
		entry, err := s.GetEntry(ctx, encPath(t, raw))
		if err != nil {
			t.Fatal(err)
		}
		if entry.Kind != proto.KindAbsent {
			t.Errorf("%s kind = %v, want absent", raw, entry.Kind)
		}
		if entry.Content != nil {
			t.Errorf("%s absent entry still has content", raw)
		}
	}

	// Similarly-prefixed sibling untouched.
	entry, err := s.GetEntry(ctx, encPath(t, "/docsother"))
	if err != nil || entry.Kind != proto.KindFile {
		t.Errorf("/docsother = %+v, %v", entry, err)
	}

	// Re-creating after deletion resurrects the entry.
	resp := addDir(t, s, source, "/docs")
	if !resp.Added {
		t.Error("resurrecting absent entry should record a version")
	}
}

func TestMoveEntrySubtree(t *testing.T) {
	s, source := openStore(t)
	ctx := context.Background()

	addDir(t, s, source, "/old")
	addDir(t, s, source, "/old/sub")
	addFile(t, s, source, "/old/sub/a", "a")

	affected, err := s.MoveEntry(ctx, source, encPath(t, "/old"), encPath(t, "/new"))
	if err != nil {
		t.Fatalf("MoveEntry() error = %v", err)
	}
	if affected != 3 {
		t.Errorf("affected = %d, want 3", affected)
	}

	for raw, kind := range map[string]proto.EntryKind{
		"/old":       proto.KindAbsent,
		"/old/sub":   proto.KindAbsent,
		"/old/sub/a": proto.KindAbsent,
		"/new":       proto.KindDirectory,
		"/new/sub":   proto.KindDirectory,
		"/new/sub/a": proto.KindFile,
	} {
		entry, err := s.GetEntry(ctx, encPath(t, raw))
		if err != nil || entry == nil {
			t.Fatalf("GetEntry(%s) = %v, %v", raw, entry, err)
		}
		if entry.Kind != kind {
			t.Errorf("%s kind = %v, want %v", raw, entry.Kind, kind)
		}
	}

	// Parent pointers of the moved tree are consistent.
	parent, _ := s.GetEntry(ctx, encPath(t, "/new/sub"))
	child, _ := s.GetEntry(ctx, encPath(t, "/new/sub/a"))
	if child.ParentDir == nil || *child.ParentDir != parent.ID {
		t.Error("moved child has wrong parent_dir")
	}

	// Moving onto an existing path is rejected.
	addDir(t, s, source, "/target")
	if _, err := s.MoveEntry(ctx, source, encPath(t, "/new"), encPath(t, "/target")); !errors.Is(err, ErrPrecondition) {
		t.Errorf("move onto existing path error = %v, want ErrPrecondition", err)
	}
	// Moving a missing path is rejected.
	if _, err := s.MoveEntry(ctx, source, encPath(t, "/old"), encPath(t, "/elsewhere")); !errors.Is(err, ErrPrecondition) {
		t.Errorf("move of absent path error = %v, want ErrPrecondition", err)
	}
}

func TestStateAtAndResetVersion(t *testing.T) {
	s, source := openStore(t)
	ctx := context.Background()

	addDir(t, s, source, "/docs")
	addFile(t, s, source, "/docs/a", "v1")
	v1, err := s.GetEntry(ctx, encPath(t, "/docs/a"))
	if err != nil {
		t.Fatal(err)
	}
	checkpoint := time.Now().UTC().Add(-30 * time.Minute)

	// Backdate everything recorded so far, so the second write is clearly
	// after the checkpoint.
	backdated := checkpoint.Add(-30 * time.Minute)
	if _, err := s.db.Exec("UPDATE entries SET recorded_at = ?", backdated); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.Exec("UPDATE entry_versions SET recorded_at = ?", backdated); err != nil {
		t.Fatal(err)
	}

	addFile(t, s, source, "/docs/a", "v2")

	state, err := s.StateAt(ctx, encPath(t, "/docs"), checkpoint)
	if err != nil {
		t.Fatalf("StateAt() error = %v", err)
	}
	var found *proto.EntryVersion
	for i := range state {
		if state[i].Path.Raw() == "/docs/a" {
			found = &state[i]
		}
	}
	if found == nil {
		t.Fatal("StateAt() missing /docs/a")
	}
	if !found.Content.Hash.Equal(v1.Content.Hash) {
		t.Error("StateAt() returned post-checkpoint content")
	}

	affected, err := s.ResetVersion(ctx, source, encPath(t, "/docs"), checkpoint)
	if err != nil {
		t.Fatalf("ResetVersion() error = %v", err)
	}
	if affected != 1 {
		t.Errorf("ResetVersion affected = %d, want 1", affected)
	}
	current, err := s.GetEntry(ctx, encPath(t, "/docs/a"))
	if err != nil {
		t.Fatal(err)
	}
	if !current.Content.Hash.Equal(v1.Content.Hash) {
		t.Error("ResetVersion did not restore the old content")
	}
	if current.RecordTrigger != proto.TriggerReset {
		t.Errorf("record trigger = %v, want reset", current.RecordTrigger)
	}
}

func TestCreateSnapshotPrunesAndFindsOrphans(t *testing.T) {
	s, source := openStore(t)
	ctx := context.Background()

	addDir(t, s, source, "/docs")
	addFile(t, s, source, "/docs/a", "v1-content")
	v1Hash := currentHash(t, s, "/docs/a")
	addFile(t, s, source, "/docs/a", "v2-content")
	v2Hash := currentHash(t, s, "/docs/a")
	addFile(t, s, source, "/docs/a", "v3-content")

	// Age everything but the final write past the snapshot point: v1 and
	// v2 predate the cutoff, v2 being the newer of the two.
	cutoff := time.Now().UTC().Add(-time.Hour)
	backdate := func(when time.Time, hash proto.ContentHash) {
		if _, err := s.db.Exec(
			"UPDATE entry_versions SET recorded_at = ? WHERE content_hash = ?",
			when, []byte(hash)); err != nil {
			t.Fatal(err)
		}
	}
	backdate(cutoff.Add(-2*time.Hour), v1Hash)
	backdate(cutoff.Add(-time.Hour), v2Hash)
	if _, err := s.db.Exec(
		"UPDATE entry_versions SET recorded_at = ? WHERE kind = ?",
		cutoff.Add(-2*time.Hour), int32(proto.KindDirectory)); err != nil {
		t.Fatal(err)
	}

	stats, err := s.CreateSnapshot(ctx, cutoff)
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	// Pinned: the directory version and v2 (latest per path before cutoff).
	if stats.TaggedVersions != 2 {
		t.Errorf("tagged = %d, want 2", stats.TaggedVersions)
	}
	// Pruned: v1, whose hash nothing references anymore.
	if stats.PrunedVersions != 1 {
		t.Errorf("pruned = %d, want 1", stats.PrunedVersions)
	}
	if len(stats.OrphanHashes) != 1 || !stats.OrphanHashes[0].Equal(v1Hash) {
		t.Errorf("orphans = %v, want exactly v1's hash", stats.OrphanHashes)
	}
	for _, orphan := range stats.OrphanHashes {
		if orphan.Equal(v2Hash) {
			t.Error("pinned version's hash must not be orphaned")
		}
	}

	// Pinned rows survive: the latest pre-cutoff version per path remains.
	versions, err := s.AllVersions(ctx, encPath(t, "/docs"), true)
	if err != nil {
		t.Fatal(err)
	}
	pinned := 0
	for _, version := range versions {
		if version.SnapshotID != nil {
			pinned++
		}
	}
	if pinned != int(stats.TaggedVersions) {
		t.Errorf("pinned versions = %d, want %d", pinned, stats.TaggedVersions)
	}

	last, ok, err := s.LastSnapshotTime(ctx)
	if err != nil || !ok {
		t.Fatalf("LastSnapshotTime() = %v, %v", ok, err)
	}
	if !last.Equal(cutoff.Truncate(0)) && last.Unix() != cutoff.Unix() {
		t.Errorf("LastSnapshotTime() = %v, want %v", last, cutoff)
	}
}

func currentHash(t *testing.T, s *Store, raw string) proto.ContentHash {
	t.Helper()
	entry, err := s.GetEntry(context.Background(), encPath(t, raw))
	if err != nil || entry == nil || entry.Content == nil {
		t.Fatalf("GetEntry(%s) = %v, %v", raw, entry, err)
	}
	return entry.Content.Hash
}

func TestSnapshotOrphanDetection(t *testing.T) {
	s, source := openStore(t)
	ctx := context.Background()

	// Two versions of one file: the older one is the only version of its
	// path recorded before the cutoff, so the snapshot pins it instead of
	// pruning it, and its hash is not orphaned.
	addDir(t, s, source, "/d")
	addFile(t, s, source, "/d/f", "only-in-history")
	oldEntry, _ := s.GetEntry(ctx, encPath(t, "/d/f"))
	oldHash := oldEntry.Content.Hash
	addFile(t, s, source, "/d/f", "current")

	cutoff := time.Now().UTC().Add(-time.Hour)
	// Backdate only the obsolete version; the current one stays recent.
	if _, err := s.db.Exec(
		"UPDATE entry_versions SET recorded_at = ? WHERE content_hash = ?",
		cutoff.Add(-2*time.Hour), []byte(oldHash)); err != nil {
		t.Fatal(err)
	}
	// Give the directory an old pinnable version too.
	if _, err := s.db.Exec(
		"UPDATE entry_versions SET recorded_at = ? WHERE kind = ?",
		cutoff.Add(-2*time.Hour), int32(proto.KindDirectory)); err != nil {
		t.Fatal(err)
	}

	stats, err := s.CreateSnapshot(ctx, cutoff)
	if err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}

	// The old file version was the latest for its path before cutoff, so it
	// is pinned, not pruned; its hash must not be orphaned.
	if stats.PrunedVersions != 0 {
		t.Errorf("pruned = %d, want 0", stats.PrunedVersions)
	}
	if len(stats.OrphanHashes) != 0 {
		t.Errorf("orphans = %v, want none", stats.OrphanHashes)
	}
	referenced, err := s.ContentReferenced(ctx, oldHash)
	if err != nil {
		t.Fatal(err)
	}
	if !referenced {
		t.Error("pinned version's hash reported unreferenced")
	}
}
