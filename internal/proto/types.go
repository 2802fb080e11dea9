package proto

import (
	"encoding/hex"
	"fmt"
	"time"
)

// SourceID identifies a client device.
type SourceID int32

// UpdateNumber is drawn from a global counter that increments on every entry
// mutation. Clients use the highest number they have seen to request
// incremental updates.
type UpdateNumber int64

// SnapshotID identifies a retention snapshot.
type SnapshotID int32

// EntryID identifies an entry row.
type EntryID int64

// ContentHash is the SHA-256 hash of the encrypted content byte sequence as
// stored on the server, so the server can verify uploads without any key.
type ContentHash []byte

// ContentHashSize is the length of a ContentHash in bytes.
const ContentHashSize = 32

// ContentHashFromHex parses a lowercase hex hash as used in content URLs.
func ContentHashFromHex(s string) (ContentHash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid content hash: %w", err)
	}
	if len(b) != ContentHashSize {
		return nil, fmt.Errorf("invalid content hash length: %d", len(b))
	}
	return ContentHash(b), nil
}

func (h ContentHash) Hex() string { return hex.EncodeToString(h) }

func (h ContentHash) Equal(other ContentHash) bool {
	if len(h) != len(other) {
		return false
	}
	for i := range h {
		if h[i] != other[i] {
			return false
		}
	}
	return true
}

// EncryptedSize is the deterministic encryption of a u64 LE size value.
type EncryptedSize []byte

// RecordTrigger is the action that caused an entry update.
type RecordTrigger int32

const (
	TriggerSync RecordTrigger = iota
	TriggerUpload
	TriggerReset
	TriggerMove
	TriggerRemove
)

func (t RecordTrigger) String() string {
	switch t {
	case TriggerSync:
		return "sync"
	case TriggerUpload:
		return "upload"
	case TriggerReset:
		return "reset"
	case TriggerMove:
		return "move"
	case TriggerRemove:
		return "remove"
	default:
		return fmt.Sprintf("trigger(%d)", int32(t))
	}
}

// EntryKind is the kind of the record at a path. Absent records a deletion;
// deletions are history-bearing events like any other update.
type EntryKind int32

const (
	KindAbsent    EntryKind = 0
	KindFile      EntryKind = 1
	KindDirectory EntryKind = 2
)

func (k EntryKind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	default:
		return fmt.Sprintf("kind(%d)", int32(k))
	}
}

// FileContent describes the content of a file entry. All fields except
// EncryptedSize and ModifiedAt are opaque to the server.
type FileContent struct {
	ModifiedAt time.Time `json:"modified_at"`
	// OriginalSize is the encrypted size of the plaintext in bytes.
	OriginalSize EncryptedSize `json:"original_size"`
	// EncryptedSize is the plain size of the stored ciphertext in bytes.
	EncryptedSize int64       `json:"encrypted_size"`
	Hash          ContentHash `json:"hash"`
	// UnixMode is nil when the recording system has no unix permissions.
	UnixMode *uint32 `json:"unix_mode,omitempty"`
	// IsSymlink is nil when the recording system does not support symlinks.
	// For a symlink the link target is the file content.
	IsSymlink *bool `json:"is_symlink,omitempty"`
}

// VersionData is the state recorded at one encrypted path at one time.
type VersionData struct {
	Path          EncryptedArchivePath `json:"path"`
	RecordedAt    time.Time            `json:"recorded_at"`
	SourceID      SourceID             `json:"source_id"`
	RecordTrigger RecordTrigger        `json:"record_trigger"`
	Kind          EntryKind            `json:"kind"`
	// Content is non-nil iff Kind == KindFile.
	Content *FileContent `json:"content,omitempty"`
}

// Entry is the current state at one encrypted path.
type Entry struct {
	ID           EntryID      `json:"id"`
	UpdateNumber UpdateNumber `json:"update_number"`
	// ParentDir is nil only for the archive root.
	ParentDir *EntryID `json:"parent_dir,omitempty"`
	VersionData
}

// EntryVersion is one append-only history row of an entry.
type EntryVersion struct {
	ID           int64        `json:"id"`
	EntryID      EntryID      `json:"entry_id"`
	UpdateNumber UpdateNumber `json:"update_number"`
	// SnapshotID is non-nil when this version is pinned by a snapshot and
	// therefore exempt from pruning.
	SnapshotID *SnapshotID `json:"snapshot_id,omitempty"`
	VersionData
}

// IsSameVersion reports whether an AddVersion request carries no meaningful
// change compared to this state. RecordTrigger and ModifiedAt alone do not
// count as changes; an unknown unix mode or symlink flag preserves the
// previous value.
func (d *VersionData) IsSameVersion(req *AddVersionRequest) bool {
	if d.Path != req.Path || d.Kind != req.Kind {
		return false
	}
	switch {
	case d.Content == nil && req.Content == nil:
		return true
	case d.Content == nil || req.Content == nil:
		return false
	}
	return d.Content.Hash.Equal(req.Content.Hash) &&
		sameOrUnknownUint32(d.Content.UnixMode, req.Content.UnixMode) &&
		sameOrUnknownBool(d.Content.IsSymlink, req.Content.IsSymlink)
}

func sameOrUnknownUint32(old, new *uint32) bool {
	if old == nil || new == nil {
		return true
	}
	return *old == *new
}

func sameOrUnknownBool(old, new *bool) bool {
	if old == nil || new == nil {
		return true
	}
	return *old == *new
}

// MarshalText implements encoding.TextMarshaler so paths serialize as their
// prefixed string form.
func (p ArchivePath) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *ArchivePath) UnmarshalText(b []byte) error {
	parsed, err := ParseArchivePath(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func (p EncryptedArchivePath) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *EncryptedArchivePath) UnmarshalText(b []byte) error {
	parsed, err := ParseEncryptedPath(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
