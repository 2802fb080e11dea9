package proto

import "time"

// Endpoint names. Every request is a POST of a JSON body to
// APIPrefix + name; content transfer uses ContentPrefix + hex hash.
const (
	APIPrefix     = "/api/v1/"
	ContentPrefix = "/content/"

	OpGetEntries     = "GetEntries"
	OpGetEntry       = "GetEntry"
	OpGetChildren    = "GetChildren"
	OpGetVersions    = "GetVersions"
	OpGetAllVersions = "GetAllVersions"
	OpStateAt        = "StateAt"
	OpAddVersion     = "AddVersion"
	OpMoveEntry      = "MoveEntry"
	OpRemoveEntry    = "RemoveEntry"
	OpResetVersion   = "ResetVersion"
	OpContentExists  = "ContentExists"
	OpGetSources     = "GetSources"
	OpGetStatus      = "GetServerStatus"
	OpCheckIntegrity = "CheckIntegrity"
)

// GetEntriesRequest returns all entries added or updated since the given
// update number, ordered by update number. Streaming response of Entry.
type GetEntriesRequest struct {
	AfterUpdateNumber UpdateNumber `json:"after_update_number"`
}

// GetEntryRequest is a point lookup. Entry is null when the path was never
// recorded.
type GetEntryRequest struct {
	Path EncryptedArchivePath `json:"path"`
}

type GetEntryResponse struct {
	Entry *Entry `json:"entry"`
}

// GetChildrenRequest lists direct children of a path, ordered by path.
// Streaming response of Entry.
type GetChildrenRequest struct {
	Path EncryptedArchivePath `json:"path"`
}

// GetVersionsRequest returns all versions of one path, ordered by recording
// time. Streaming response of EntryVersion.
type GetVersionsRequest struct {
	Path EncryptedArchivePath `json:"path"`
}

// GetAllVersionsRequest returns all versions of a path and, when Recursive
// is set, of every nested path. Streaming response of EntryVersion.
type GetAllVersionsRequest struct {
	Path      EncryptedArchivePath `json:"path"`
	Recursive bool                 `json:"recursive"`
}

// StateAtRequest returns the last version per path recorded at or before the
// given time, for the path and (if a directory) everything under it.
// Streaming response of EntryVersion.
type StateAtRequest struct {
	Path       EncryptedArchivePath `json:"path"`
	RecordedAt time.Time            `json:"recorded_at"`
}

// AddVersionRequest inserts or updates the entry at a path.
// Kind == KindAbsent records a deletion. Content must be set iff
// Kind == KindFile. A request equal to the current state (per
// VersionData.IsSameVersion) is a no-op.
type AddVersionRequest struct {
	Path          EncryptedArchivePath `json:"path"`
	RecordTrigger RecordTrigger        `json:"record_trigger"`
	Kind          EntryKind            `json:"kind"`
	Content       *FileContent         `json:"content,omitempty"`
}

type AddVersionResponse struct {
	Added bool `json:"added"`
	// UpdateNumber of the new version; zero when Added is false.
	UpdateNumber UpdateNumber `json:"update_number"`
}

// MoveEntryRequest records a rename of OldPath to NewPath, including all
// nested paths. NewPath must not exist.
type MoveEntryRequest struct {
	OldPath EncryptedArchivePath `json:"old_path"`
	NewPath EncryptedArchivePath `json:"new_path"`
}

// RemoveEntryRequest records deletion of a path and all nested paths.
type RemoveEntryRequest struct {
	Path EncryptedArchivePath `json:"path"`
}

// ResetVersionRequest makes the version recorded at or before RecordedAt the
// current one, for the path and all nested paths.
type ResetVersionRequest struct {
	Path       EncryptedArchivePath `json:"path"`
	RecordedAt time.Time            `json:"recorded_at"`
}

// BulkActionResponse reports how many paths a move/remove/reset touched.
type BulkActionResponse struct {
	AffectedPaths int64 `json:"affected_paths"`
}

// ContentExistsRequest probes for a content blob, enabling deduplicated
// uploads.
type ContentExistsRequest struct {
	Hash ContentHash `json:"hash"`
}

type ContentExistsResponse struct {
	Exists bool `json:"exists"`
}

// StreamChunk is one frame of a streaming response. Either Entries or
// Versions is set, or Error carries a mid-stream failure. The zero-length
// wire frame terminates the stream.
type StreamChunk struct {
	Entries  []Entry        `json:"entries,omitempty"`
	Versions []EntryVersion `json:"versions,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// ContentUploadResponse acknowledges a content upload. Existed reports that
// the blob was already stored and the uploaded bytes were discarded.
type ContentUploadResponse struct {
	Existed bool `json:"existed"`
}

type GetSourcesRequest struct{}

type SourceInfo struct {
	ID   SourceID `json:"id"`
	Name string   `json:"name"`
}

type GetSourcesResponse struct {
	Sources []SourceInfo `json:"sources"`
}

type GetStatusRequest struct{}

type GetStatusResponse struct {
	AvailableSpace uint64 `json:"available_space"`
}

type CheckIntegrityRequest struct{}

// CheckIntegrityResponse lists hashes that an entry or a retained version
// references but the content store lacks, and stored blobs that no entry or
// retained version references.
type CheckIntegrityResponse struct {
	MissingBlobs []string `json:"missing_blobs,omitempty"`
	OrphanBlobs  []string `json:"orphan_blobs,omitempty"`
}
