package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rammingen-go/internal/proto"
)

// Snapshot bookkeeping. A version row tagged with a snapshot id is retained
// indefinitely; pruning only ever touches untagged rows.

// LastSnapshotTime returns the newest snapshot timestamp, ok=false when no
// snapshot exists yet.
func (s *Store) LastSnapshotTime(ctx context.Context) (time.Time, bool, error) {
	// Selecting the column itself (not max()) keeps its TIMESTAMP type, so
	// the driver returns a time.Time rather than text.
	var t time.Time
	err := s.db.QueryRowContext(ctx, "SELECT timestamp FROM snapshots ORDER BY timestamp DESC LIMIT 1").Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading last snapshot time: %w", err)
	}
	return t.UTC(), true, nil
}

// OldestVersionTime returns the recording time of the oldest version,
// ok=false when there is no history at all.
func (s *Store) OldestVersionTime(ctx context.Context) (time.Time, bool, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx, "SELECT recorded_at FROM entry_versions ORDER BY recorded_at LIMIT 1").Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading oldest version time: %w", err)
	}
	return t.UTC(), true, nil
}

// PruneStats reports what one snapshot-and-prune cycle did.
type PruneStats struct {
	SnapshotID     proto.SnapshotID
	TaggedVersions int64
	PrunedVersions int64
	// OrphanHashes are content hashes referenced only by pruned rows; the
	// caller deletes the blobs, best effort.
	OrphanHashes []proto.ContentHash
}

// CreateSnapshot creates a snapshot at ts, pins the latest version of every
// path recorded by then, deletes older untagged versions and returns the
// content hashes that lost their last reference.
func (s *Store) CreateSnapshot(ctx context.Context, ts time.Time) (*PruneStats, error) {
	ts = ts.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "INSERT INTO snapshots (timestamp) VALUES (?)", ts)
	if err != nil {
		return nil, fmt.Errorf("inserting snapshot: %w", err)
	}
	snapshotID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading snapshot id: %w", err)
	}

	tagged, err := tx.ExecContext(ctx, `
		UPDATE entry_versions SET snapshot_id = ?
		WHERE id IN (
			SELECT id FROM (
				SELECT id, row_number() OVER (PARTITION BY path ORDER BY recorded_at DESC, id DESC) AS rn
				FROM entry_versions
				WHERE recorded_at <= ? AND snapshot_id IS NULL
			) WHERE rn = 1
		)`, snapshotID, ts)
	if err != nil {
		return nil, fmt.Errorf("tagging versions: %w", err)
	}
	taggedCount, _ := tagged.RowsAffected()

	// Content hashes whose last reference may disappear with the prune.
	candidates, err := collectHashes(ctx, tx, `
		SELECT DISTINCT content_hash FROM entry_versions
		WHERE recorded_at <= ? AND snapshot_id IS NULL AND content_hash IS NOT NULL`, ts)
	if err != nil {
		return nil, err
	}

	pruned, err := tx.ExecContext(ctx,
		"DELETE FROM entry_versions WHERE recorded_at <= ? AND snapshot_id IS NULL", ts)
	if err != nil {
		return nil, fmt.Errorf("pruning versions: %w", err)
	}
	prunedCount, _ := pruned.RowsAffected()

	var orphans []proto.ContentHash
	for _, hash := range candidates {
		referenced, err := contentReferencedTx(ctx, tx, hash)
		if err != nil {
			return nil, err
		}
		if !referenced {
			orphans = append(orphans, hash)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}
	return &PruneStats{
		SnapshotID:     proto.SnapshotID(snapshotID),
		TaggedVersions: taggedCount,
		PrunedVersions: prunedCount,
		OrphanHashes:   orphans,
	}, nil
}

func collectHashes(ctx context.Context, tx querier, query string, args ...any) ([]proto.ContentHash, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying hashes: %w", err)
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

func contentReferencedTx(ctx context.Context, tx querier, hash proto.ContentHash) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `
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
