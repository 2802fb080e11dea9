// Package meta implements the server's metadata store: the entry tree, the
// append-only version history, snapshots and sources, on SQLite.
package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"rammingen-go/internal/proto"
	"rammingen-go/internal/server/meta/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// ErrPrecondition is returned when a mutation violates the tree invariants,
// e.g. adding a non-root entry whose parent directory does not exist.
// Clients resolve it by scheduling the parent first.
var ErrPrecondition = errors.New("precondition failed")

// Store is the SQLite-backed metadata store.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the metadata database.
// path can be a file path or ":memory:" for an in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection sidesteps SQLite's writer contention; the server
	// serializes mutations per source anyway.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := migrations.Run(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Source operations

// SourceByToken resolves an access token. Returns sql.ErrNoRows-wrapped
// error when the token is unknown.
func (s *Store) SourceByToken(ctx context.Context, token string) (proto.SourceInfo, error) {
	var info proto.SourceInfo
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name FROM sources WHERE access_token = ?", token,
	).Scan(&info.ID, &info.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return proto.SourceInfo{}, fmt.Errorf("unknown access token: %w", err)
		}
		return proto.SourceInfo{}, fmt.Errorf("looking up source: %w", err)
	}
	return info, nil
}

// AddSource registers a new client device.
func (s *Store) AddSource(ctx context.Context, name, token string) (proto.SourceID, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO sources (name, access_token) VALUES (?, ?)", name, token)
	if err != nil {
		return 0, fmt.Errorf("inserting source: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading source id: %w", err)
	}
	return proto.SourceID(id), nil
}

// Sources lists all registered sources ordered by id.
func (s *Store) Sources(ctx context.Context) ([]proto.SourceInfo, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name FROM sources ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	defer rows.Close()

	var out []proto.SourceInfo
	for rows.Next() {
		var info proto.SourceInfo
		if err := rows.Scan(&info.ID, &info.Name); err != nil {
			return nil, fmt.Errorf("scanning source: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// subtreeBounds returns the half-open range [lo, hi) that contains exactly
// the paths strictly below the given encrypted path. It relies on '0' being
// the next byte after '/' and on path components never containing either.
// Range scans keep LIKE wildcards (base64-url uses '_') out of the picture.
func subtreeBounds(raw string) (lo, hi string) {
	if raw == "/" {
		return "/", "0"
	}
	return raw + "/", raw + "0"
}

const versionDataColumns = "path, recorded_at, source_id, record_trigger, kind, is_symlink, original_size, encrypted_size, modified_at, content_hash, unix_mode"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersionData(dst *proto.VersionData, rawPath *string,
	isSymlink *sql.NullBool, originalSize *[]byte, encryptedSize *sql.NullInt64,
	modifiedAt *sql.NullTime, contentHash *[]byte, unixMode *sql.NullInt64,
) []any {
	return []any{
		rawPath, &dst.RecordedAt, &dst.SourceID, &dst.RecordTrigger, &dst.Kind,
		isSymlink, originalSize, encryptedSize, modifiedAt, contentHash, unixMode,
	}
}

func buildVersionData(dst *proto.VersionData, rawPath string,
	isSymlink sql.NullBool, originalSize []byte, encryptedSize sql.NullInt64,
	modifiedAt sql.NullTime, contentHash []byte, unixMode sql.NullInt64,
) error {
	path, err := proto.EncryptedPathFromRaw(rawPath)
	if err != nil {
		return err
	}
	dst.Path = path
	dst.RecordedAt = dst.RecordedAt.UTC()
	if dst.Kind == proto.KindFile {
		if contentHash == nil || !modifiedAt.Valid || !encryptedSize.Valid {
			return fmt.Errorf("file entry %s has no content columns", rawPath)
		}
		content := &proto.FileContent{
			ModifiedAt:    modifiedAt.Time.UTC(),
			OriginalSize:  proto.EncryptedSize(originalSize),
			EncryptedSize: encryptedSize.Int64,
			Hash:          proto.ContentHash(contentHash),
		}
		if unixMode.Valid {
			mode := uint32(unixMode.Int64)
			content.UnixMode = &mode
		}
		if isSymlink.Valid {
			symlink := isSymlink.Bool
			content.IsSymlink = &symlink
		}
		dst.Content = content
	}
	return nil
}

func scanEntry(row rowScanner) (proto.Entry, error) {
	var (
		entry         proto.Entry
		parentDir     sql.NullInt64
		rawPath       string
		isSymlink     sql.NullBool
		originalSize  []byte
		encryptedSize sql.NullInt64
		modifiedAt    sql.NullTime
		contentHash   []byte
		unixMode      sql.NullInt64
	)
	dest := append(
		[]any{&entry.ID, &entry.UpdateNumber, &parentDir},
		scanVersionData(&entry.VersionData, &rawPath, &isSymlink, &originalSize, &encryptedSize, &modifiedAt, &contentHash, &unixMode)...,
	)
	if err := row.Scan(dest...); err != nil {
		return proto.Entry{}, err
	}
	if parentDir.Valid {
		id := proto.EntryID(parentDir.Int64)
		entry.ParentDir = &id
	}
	if err := buildVersionData(&entry.VersionData, rawPath, isSymlink, originalSize, encryptedSize, modifiedAt, contentHash, unixMode); err != nil {
		return proto.Entry{}, err
	}
	return entry, nil
}

func scanEntryVersion(row rowScanner) (proto.EntryVersion, error) {
	var (
		version       proto.EntryVersion
		snapshotID    sql.NullInt64
		rawPath       string
		isSymlink     sql.NullBool
		originalSize  []byte
		encryptedSize sql.NullInt64
		modifiedAt    sql.NullTime
		contentHash   []byte
		unixMode      sql.NullInt64
	)
	dest := append(
		[]any{&version.ID, &version.EntryID, &version.UpdateNumber, &snapshotID},
		scanVersionData(&version.VersionData, &rawPath, &isSymlink, &originalSize, &encryptedSize, &modifiedAt, &contentHash, &unixMode)...,
	)
	if err := row.Scan(dest...); err != nil {
		return proto.EntryVersion{}, err
	}
	if snapshotID.Valid {
		id := proto.SnapshotID(snapshotID.Int64)
		version.SnapshotID = &id
	}
	if err := buildVersionData(&version.VersionData, rawPath, isSymlink, originalSize, encryptedSize, modifiedAt, contentHash, unixMode); err != nil {
		return proto.EntryVersion{}, err
	}
	return version, nil
}

const entryColumns = "id, update_number, parent_dir, " + versionDataColumns
const entryVersionColumns = "id, entry_id, update_number, snapshot_id, " + versionDataColumns
