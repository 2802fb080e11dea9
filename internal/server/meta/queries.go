package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rammingen-go/internal/proto"
)

// GetEntry returns the current entry at a path, or nil when the path was
// never recorded.
func (s *Store) GetEntry(ctx context.Context, path proto.EncryptedArchivePath) (*proto.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE path = ?", path.Raw())
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting entry: %w", err)
	}
	return &entry, nil
}

// GetChildren returns the direct children of the entry at a path, ordered
// by path.
func (s *Store) GetChildren(ctx context.Context, path proto.EncryptedArchivePath) ([]proto.Entry, error) {
	parent, err := s.GetEntry(ctx, path)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, nil
	}
	return s.collectEntries(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE parent_dir = ? ORDER BY path", int64(parent.ID))
}

// UpdatesSince streams every entry with update_number > n, ordered by
// update_number, to fn.
func (s *Store) UpdatesSince(ctx context.Context, n proto.UpdateNumber, fn func(proto.Entry) error) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM entries WHERE update_number > ? ORDER BY update_number", int64(n))
	if err != nil {
		return fmt.Errorf("querying updates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scanning entry: %w", err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Versions returns all versions of one path ordered by recording time.
func (s *Store) Versions(ctx context.Context, path proto.EncryptedArchivePath) ([]proto.EntryVersion, error) {
	return s.collectVersions(ctx,
		"SELECT "+entryVersionColumns+" FROM entry_versions WHERE path = ? ORDER BY recorded_at, id", path.Raw())
}

// AllVersions returns all versions of a path and, when recursive, of every
// nested path, ordered by id.
func (s *Store) AllVersions(ctx context.Context, path proto.EncryptedArchivePath, recursive bool) ([]proto.EntryVersion, error) {
	if !recursive {
		return s.Versions(ctx, path)
	}
	lo, hi := subtreeBounds(path.Raw())
	return s.collectVersions(ctx,
		"SELECT "+entryVersionColumns+" FROM entry_versions WHERE (path = ? OR (path >= ? AND path < ?)) ORDER BY id",
		path.Raw(), lo, hi)
}

// StateAt returns the last version per path recorded at or before t, for the
// path and everything under it, ordered by path. Versions recording a
// deletion are included so callers can tell "deleted by then" from "never
// existed".
func (s *Store) StateAt(ctx context.Context, path proto.EncryptedArchivePath, t time.Time) ([]proto.EntryVersion, error) {
	lo, hi := subtreeBounds(path.Raw())
	return s.collectVersions(ctx, `
		SELECT `+entryVersionColumns+` FROM (
			SELECT *, row_number() OVER (PARTITION BY path ORDER BY recorded_at DESC, id DESC) AS rn
			FROM entry_versions
			WHERE (path = ? OR (path >= ? AND path < ?)) AND recorded_at <= ?
		) WHERE rn = 1 ORDER BY path`,
		path.Raw(), lo, hi, t.UTC())
}

// ContentReferenced reports whether any entry or retained version still
// references a content hash.
func (s *Store) ContentReferenced(ctx context.Context, hash proto.ContentHash) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 WHERE EXISTS (SELECT 1 FROM entries WHERE content_hash = ?)
		OR EXISTS (SELECT 1 FROM entry_versions WHERE content_hash = ?)`,
		[]byte(hash), []byte(hash)).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("checking content references: %w", err)
	}
	return true, nil
}

// ReferencedHashes returns every distinct content hash referenced by entries
// or versions. Used by integrity checks.
func (s *Store) ReferencedHashes(ctx context.Context) ([]proto.ContentHash, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT content_hash FROM entries WHERE content_hash IS NOT NULL
		UNION
		SELECT DISTINCT content_hash FROM entry_versions WHERE content_hash IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("listing referenced hashes: %w", err)
	}
	defer rows.Close()

	var out []proto.ContentHash
	for rows.Next() {
		var hash []byte
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("scanning hash: %w", err)
		}
		out = append(out, proto.ContentHash(hash))
	}
	return out, rows.Err()
}

func (s *Store) collectEntries(ctx context.Context, query string, args ...any) ([]proto.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	var out []proto.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *Store) collectVersions(ctx context.Context, query string, args ...any) ([]proto.EntryVersion, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying versions: %w", err)
	}
	defer rows.Close()

	var out []proto.EntryVersion
	for rows.Next() {
		version, err := scanEntryVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning version: %w", err)
		}
		out = append(out, version)
	}
	return out, rows.Err()
}
