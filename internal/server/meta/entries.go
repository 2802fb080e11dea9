package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rammingen-go/internal/proto"
)

// Mutations run as one transaction each; update_number is drawn from the
// counter inside the transaction, so the (entries, entry_versions) pair
// written by the trigger commits atomically with it.

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nextUpdateNumber(ctx context.Context, tx querier) (proto.UpdateNumber, error) {
	if _, err := tx.ExecContext(ctx, "UPDATE update_counter SET value = value + 1 WHERE id = 1"); err != nil {
		return 0, fmt.Errorf("incrementing update counter: %w", err)
	}
	var n int64
	if err := tx.QueryRowContext(ctx, "SELECT value FROM update_counter WHERE id = 1").Scan(&n); err != nil {
		return 0, fmt.Errorf("reading update counter: %w", err)
	}
	return proto.UpdateNumber(n), nil
}

func getEntryTx(ctx context.Context, tx querier, raw string) (*proto.Entry, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM entries WHERE path = ?", raw)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting entry: %w", err)
	}
	return &entry, nil
}

// resolveParent returns the parent_dir value for a new entry at path.
// Entries directly under the archive root have a NULL parent.
func resolveParent(ctx context.Context, tx querier, path proto.EncryptedArchivePath) (*proto.EntryID, error) {
	parent, ok := path.Parent()
	if !ok || parent.IsRoot() {
		return nil, nil
	}
	parentEntry, err := getEntryTx(ctx, tx, parent.Raw())
	if err != nil {
		return nil, err
	}
	if parentEntry == nil || parentEntry.Kind != proto.KindDirectory {
		return nil, fmt.Errorf("%w: parent directory %s does not exist", ErrPrecondition, parent)
	}
	return &parentEntry.ID, nil
}

type entryWrite struct {
	updateNumber  proto.UpdateNumber
	parentDir     *proto.EntryID
	path          string
	recordedAt    time.Time
	sourceID      proto.SourceID
	recordTrigger proto.RecordTrigger
	kind          proto.EntryKind
	content       *proto.FileContent
}

func contentColumns(content *proto.FileContent) (isSymlink sql.NullBool, originalSize []byte, encryptedSize sql.NullInt64, modifiedAt sql.NullTime, contentHash []byte, unixMode sql.NullInt64) {
	if content == nil {
		return
	}
	if content.IsSymlink != nil {
		isSymlink = sql.NullBool{Bool: *content.IsSymlink, Valid: true}
	}
	originalSize = []byte(content.OriginalSize)
	encryptedSize = sql.NullInt64{Int64: content.EncryptedSize, Valid: true}
	modifiedAt = sql.NullTime{Time: content.ModifiedAt.UTC(), Valid: true}
	contentHash = []byte(content.Hash)
	if content.UnixMode != nil {
		unixMode = sql.NullInt64{Int64: int64(*content.UnixMode), Valid: true}
	}
	return
}

func insertEntry(ctx context.Context, tx querier, w entryWrite) (proto.EntryID, error) {
	isSymlink, originalSize, encryptedSize, modifiedAt, contentHash, unixMode := contentColumns(w.content)
	var parentDir sql.NullInt64
	if w.parentDir != nil {
		parentDir = sql.NullInt64{Int64: int64(*w.parentDir), Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO entries (update_number, parent_dir, path, recorded_at, source_id,
			record_trigger, kind, is_symlink, original_size, encrypted_size,
			modified_at, content_hash, unix_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(w.updateNumber), parentDir, w.path, w.recordedAt.UTC(), int64(w.sourceID),
		int32(w.recordTrigger), int32(w.kind), isSymlink, originalSize, encryptedSize,
		modifiedAt, contentHash, unixMode)
	if err != nil {
		return 0, fmt.Errorf("inserting entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading entry id: %w", err)
	}
	return proto.EntryID(id), nil
}

func updateEntry(ctx context.Context, tx querier, id proto.EntryID, w entryWrite) error {
	isSymlink, originalSize, encryptedSize, modifiedAt, contentHash, unixMode := contentColumns(w.content)
	_, err := tx.ExecContext(ctx, `
		UPDATE entries SET update_number = ?, recorded_at = ?, source_id = ?,
			record_trigger = ?, kind = ?, is_symlink = ?, original_size = ?,
			encrypted_size = ?, modified_at = ?, content_hash = ?, unix_mode = ?
		WHERE id = ?`,
		int64(w.updateNumber), w.recordedAt.UTC(), int64(w.sourceID),
		int32(w.recordTrigger), int32(w.kind), isSymlink, originalSize, encryptedSize,
		modifiedAt, contentHash, unixMode, int64(id))
	if err != nil {
		return fmt.Errorf("updating entry: %w", err)
	}
	return nil
}

// AddVersion inserts or updates the entry at req.Path. A request carrying no
// meaningful change is a no-op.
func (s *Store) AddVersion(ctx context.Context, source proto.SourceID, req *proto.AddVersionRequest) (*proto.AddVersionResponse, error) {
	if req.Path.IsRoot() {
		return nil, fmt.Errorf("%w: cannot record the archive root", ErrPrecondition)
	}
	if (req.Kind == proto.KindFile) != (req.Content != nil) {
		return nil, fmt.Errorf("%w: content must be set exactly for file entries", ErrPrecondition)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := getEntryTx(ctx, tx, req.Path.Raw())
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.IsSameVersion(req) {
		return &proto.AddVersionResponse{Added: false}, nil
	}

	content := req.Content
	if content != nil && existing != nil && existing.Content != nil {
		// An unknown unix mode or symlink flag preserves the previous value.
		if content.UnixMode == nil {
			content.UnixMode = existing.Content.UnixMode
		}
		if content.IsSymlink == nil {
			content.IsSymlink = existing.Content.IsSymlink
		}
	}

	n, err := nextUpdateNumber(ctx, tx)
	if err != nil {
		return nil, err
	}
	write := entryWrite{
		updateNumber:  n,
		path:          req.Path.Raw(),
		recordedAt:    time.Now().UTC(),
		sourceID:      source,
		recordTrigger: req.RecordTrigger,
		kind:          req.Kind,
		content:       content,
	}

	if existing != nil {
		if err := updateEntry(ctx, tx, existing.ID, write); err != nil {
			return nil, err
		}
	} else {
		parentDir, err := resolveParent(ctx, tx, req.Path)
		if err != nil {
			return nil, err
		}
		write.parentDir = parentDir
		if _, err := insertEntry(ctx, tx, write); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}
	return &proto.AddVersionResponse{Added: true, UpdateNumber: n}, nil
}

// MoveEntry records a rename of the whole subtree at oldPath to newPath.
func (s *Store) MoveEntry(ctx context.Context, source proto.SourceID, oldPath, newPath proto.EncryptedArchivePath) (int64, error) {
	if oldPath.IsRoot() || newPath.IsRoot() {
		return 0, fmt.Errorf("%w: cannot move the archive root", ErrPrecondition)
	}
	if oldPath.IsPrefixOf(newPath) {
		return 0, fmt.Errorf("%w: cannot move a path into itself", ErrPrecondition)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	oldEntry, err := getEntryTx(ctx, tx, oldPath.Raw())
	if err != nil {
		return 0, err
	}
	if oldEntry == nil || oldEntry.Kind == proto.KindAbsent {
		return 0, fmt.Errorf("%w: %s does not exist", ErrPrecondition, oldPath)
	}
	newEntry, err := getEntryTx(ctx, tx, newPath.Raw())
	if err != nil {
		return 0, err
	}
	if newEntry != nil && newEntry.Kind != proto.KindAbsent {
		return 0, fmt.Errorf("%w: %s already exists", ErrPrecondition, newPath)
	}

	newRootParent, err := resolveParent(ctx, tx, newPath)
	if err != nil {
		return 0, err
	}

	// Parents sort before children, so inserting in path order keeps the
	// parent_dir invariant intact.
	lo, hi := subtreeBounds(oldPath.Raw())
	subtree, err := collectEntriesTx(ctx, tx,
		"SELECT "+entryColumns+" FROM entries WHERE (path = ? OR (path >= ? AND path < ?)) ORDER BY path",
		oldPath.Raw(), lo, hi)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	var affected int64
	createdDirs := map[string]proto.EntryID{}
	for _, entry := range subtree {
		rel, _ := oldPath.StripPrefix(entry.Path)
		targetRaw := newPath.Raw()
		if entry.Path != oldPath {
			targetRaw = newPath.Raw() + "/" + rel
		}

		n, err := nextUpdateNumber(ctx, tx)
		if err != nil {
			return 0, err
		}
		write := entryWrite{
			updateNumber:  n,
			path:          targetRaw,
			recordedAt:    now,
			sourceID:      source,
			recordTrigger: proto.TriggerMove,
			kind:          entry.Kind,
			content:       entry.Content,
		}

		target, err := getEntryTx(ctx, tx, targetRaw)
		if err != nil {
			return 0, err
		}
		var targetID proto.EntryID
		if target != nil {
			targetID = target.ID
			if err := updateEntry(ctx, tx, target.ID, write); err != nil {
				return 0, err
			}
		} else {
			if entry.Path == oldPath {
				write.parentDir = newRootParent
			} else {
				parentRaw, _ := parentPathOf(targetRaw)
				if id, ok := createdDirs[parentRaw]; ok {
					write.parentDir = &id
				} else {
					parentEntry, err := getEntryTx(ctx, tx, parentRaw)
					if err != nil {
						return 0, err
					}
					if parentEntry == nil {
						return 0, fmt.Errorf("%w: parent %s missing while moving", ErrPrecondition, parentRaw)
					}
					write.parentDir = &parentEntry.ID
				}
			}
			targetID, err = insertEntry(ctx, tx, write)
			if err != nil {
				return 0, err
			}
		}
		if entry.Kind == proto.KindDirectory {
			createdDirs[targetRaw] = targetID
		}

		// Record deletion at the source path.
		if entry.Kind != proto.KindAbsent {
			n, err := nextUpdateNumber(ctx, tx)
			if err != nil {
				return 0, err
			}
			if err := updateEntry(ctx, tx, entry.ID, entryWrite{
				updateNumber:  n,
				path:          entry.Path.Raw(),
				recordedAt:    now,
				sourceID:      source,
				recordTrigger: proto.TriggerMove,
				kind:          proto.KindAbsent,
			}); err != nil {
				return 0, err
			}
			affected++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing: %w", err)
	}
	return affected, nil
}

// RemoveEntry records deletion of the subtree at path. Children are marked
// before their parents.
func (s *Store) RemoveEntry(ctx context.Context, source proto.SourceID, path proto.EncryptedArchivePath) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	lo, hi := subtreeBounds(path.Raw())
	subtree, err := collectEntriesTx(ctx, tx,
		"SELECT "+entryColumns+" FROM entries WHERE (path = ? OR (path >= ? AND path < ?)) AND kind != ? ORDER BY path DESC",
		path.Raw(), lo, hi, int32(proto.KindAbsent))
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	var affected int64
	for _, entry := range subtree {
		n, err := nextUpdateNumber(ctx, tx)
		if err != nil {
			return 0, err
		}
		if err := updateEntry(ctx, tx, entry.ID, entryWrite{
			updateNumber:  n,
			path:          entry.Path.Raw(),
			recordedAt:    now,
			sourceID:      source,
			recordTrigger: proto.TriggerRemove,
			kind:          proto.KindAbsent,
		}); err != nil {
			return 0, err
		}
		affected++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing: %w", err)
	}
	return affected, nil
}

// ResetVersion makes the state recorded at or before t current again, for
// the path and everything under it. Paths without a version by then are
// recorded as deleted.
func (s *Store) ResetVersion(ctx context.Context, source proto.SourceID, path proto.EncryptedArchivePath, t time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	lo, hi := subtreeBounds(path.Raw())
	subtree, err := collectEntriesTx(ctx, tx,
		"SELECT "+entryColumns+" FROM entries WHERE (path = ? OR (path >= ? AND path < ?)) ORDER BY path",
		path.Raw(), lo, hi)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	var affected int64
	for _, entry := range subtree {
		row := tx.QueryRowContext(ctx,
			"SELECT "+entryVersionColumns+" FROM entry_versions WHERE path = ? AND recorded_at <= ? ORDER BY recorded_at DESC, id DESC LIMIT 1",
			entry.Path.Raw(), t.UTC())
		version, err := scanEntryVersion(row)

		targetKind := proto.KindAbsent
		var targetContent *proto.FileContent
		switch {
		case err == nil:
			targetKind = version.Kind
			targetContent = version.Content
		case errors.Is(err, sql.ErrNoRows):
			// No state by then: the path is reset to absent.
		default:
			return 0, fmt.Errorf("finding version: %w", err)
		}

		if entry.Kind == targetKind && !contentDiffers(entry.Content, targetContent) {
			continue
		}

		n, err := nextUpdateNumber(ctx, tx)
		if err != nil {
			return 0, err
		}
		if err := updateEntry(ctx, tx, entry.ID, entryWrite{
			updateNumber:  n,
			path:          entry.Path.Raw(),
			recordedAt:    now,
			sourceID:      source,
			recordTrigger: proto.TriggerReset,
			kind:          targetKind,
			content:       targetContent,
		}); err != nil {
			return 0, err
		}
		affected++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing: %w", err)
	}
	return affected, nil
}

func contentDiffers(a, b *proto.FileContent) bool {
	if (a == nil) != (b == nil) {
		return true
	}
	if a == nil {
		return false
	}
	return !a.Hash.Equal(b.Hash)
}

func collectEntriesTx(ctx context.Context, tx querier, query string, args ...any) ([]proto.Entry, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
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

func parentPathOf(raw string) (string, bool) {
	for i := len(raw) - 1; i >= 0; i-- {
		if raw[i] == '/' {
			if i == 0 {
				return "/", true
			}
			return raw[:i], true
		}
	}
	return "", false
}
