package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"time"

	"rammingen-go/internal/client/api"
	"rammingen-go/internal/client/fspath"
	"rammingen-go/internal/client/index"
	"rammingen-go/internal/client/term"
	"rammingen-go/internal/proto"
)

// pull consumes the entry stream since the last seen update number. Each
// batch is applied to the mounts and then committed to the index together
// with the new update number, so a crashed run resumes from the last
// committed batch without duplicate work.
func (e *Engine) pull(ctx context.Context, mounts []*mountState, summary *Summary) error {
	last, err := e.Index.LastUpdateNumber()
	if err != nil {
		return err
	}

	return e.Client.GetEntries(ctx, last, func(batch []proto.Entry) error {
		for i := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			entry := &batch[i]
			term.SetStatus("Pulling (at update %d)", entry.UpdateNumber)
			if err := e.applyRemote(ctx, mounts, entry, summary); err != nil {
				if api.IsAuthError(err) {
					return err
				}
				e.Logger.Warn("failed to apply remote entry", "path", entry.Path, "err", err)
				summary.recordError(err)
			}
		}
		return e.Index.ApplyRemoteBatch(batch, batch[len(batch)-1].UpdateNumber)
	})
}

// applyRemote brings the local filesystem in line with one remote entry.
func (e *Engine) applyRemote(ctx context.Context, mounts []*mountState, entry *proto.Entry, summary *Summary) error {
	// An entry whose state the index already mirrors carries no new
	// information: it is this client's own write coming back around, or a
	// repeat after a retried stream. Touching the filesystem for it would
	// resurrect files deleted locally since the last push.
	known, err := e.Index.GetRemote(entry.Path)
	if err != nil {
		return err
	}
	if known != nil && known.Kind == entry.Kind && sameRemoteContent(known.Content, entry.Content) {
		return nil
	}

	archive, err := e.Cipher.DecryptPath(entry.Path)
	if err != nil {
		return err
	}
	mount, local, ok, err := localPathFor(mounts, archive)
	if err != nil {
		return err
	}
	if !ok || mount.rules.Excluded(local) {
		return nil
	}

	switch entry.Kind {
	case proto.KindDirectory:
		return e.applyRemoteDirectory(local)
	case proto.KindFile:
		return e.applyRemoteFile(ctx, local, entry, summary)
	case proto.KindAbsent:
		return e.applyRemoteAbsent(local, entry, summary)
	default:
		return fmt.Errorf("unknown entry kind %d", entry.Kind)
	}
}

func sameRemoteContent(a, b *proto.FileContent) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || a.Hash.Equal(b.Hash)
}

func (e *Engine) applyRemoteDirectory(local fspath.SanitizedLocalPath) error {
	info, err := os.Lstat(local.String())
	if err == nil && info.IsDir() {
		return nil
	}
	if err == nil {
		// Something else is in the way; directories win, the old file's
		// content is still retrievable from history.
		if err := os.Remove(local.String()); err != nil {
			return fmt.Errorf("replacing file with directory: %w", err)
		}
	}
	if err := os.MkdirAll(local.String(), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	return nil
}

func (e *Engine) applyRemoteFile(ctx context.Context, local fspath.SanitizedLocalPath, entry *proto.Entry, summary *Summary) error {
	content := entry.Content
	if content == nil {
		return fmt.Errorf("file entry %s has no content", entry.Path)
	}

	info, statErr := os.Lstat(local.String())
	if statErr == nil {
		localState, err := e.observeLocal(local, info)
		if err != nil {
			return err
		}
		if localState != nil && localState.Hash.Equal(content.Hash) {
			return nil
		}
		// Last writer wins: a newer local file is preserved here and pushed
		// in the push phase.
		if info.ModTime().After(content.ModifiedAt) {
			summary.addConflict()
			e.Logger.Info("conflict: local file is newer, keeping it", "path", local)
			return nil
		}
	}

	if err := e.downloadFile(ctx, local, entry); err != nil {
		return err
	}
	summary.addDownloaded()
	return nil
}

// downloadFile fetches, verifies and atomically installs remote content.
// The file is written next to its destination and renamed into place, so a
// half-written file is never observable.
func (e *Engine) downloadFile(ctx context.Context, local fspath.SanitizedLocalPath, entry *proto.Entry) error {
	content := entry.Content

	parent, ok := local.Parent()
	if !ok {
		return fmt.Errorf("cannot download to filesystem root")
	}
	if err := os.MkdirAll(parent.String(), 0755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	body, _, err := e.Client.Download(ctx, content.Hash)
	if err != nil {
		return err
	}
	defer body.Close()

	if content.IsSymlink != nil && *content.IsSymlink {
		return e.installSymlink(local, body, entry)
	}

	tmp, err := os.CreateTemp(parent.String(), ".rammingen-tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		tmp.Close()
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	result, err := e.Cipher.DecryptContent(tmp, body)
	if err != nil {
		return err
	}
	if !result.Hash.Equal(content.Hash) {
		return fmt.Errorf("content hash mismatch for %s", entry.Path)
	}
	// The original size is informational; a mismatch is suspicious but not
	// authoritative, so it is only logged.
	if originalSize, err := e.Cipher.DecryptSize(content.OriginalSize); err == nil && originalSize != result.OriginalSize {
		e.Logger.Warn("original size mismatch", "path", entry.Path, "expected", originalSize, "actual", result.OriginalSize)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing file: %w", err)
	}

	if content.UnixMode != nil {
		if err := os.Chmod(tmpPath, os.FileMode(*content.UnixMode)&os.ModePerm); err != nil {
			return fmt.Errorf("setting mode: %w", err)
		}
	}
	// Install with the recorded mtime so later scans compare cleanly.
	if err := os.Chtimes(tmpPath, time.Time{}, content.ModifiedAt); err != nil {
		return fmt.Errorf("setting mtime: %w", err)
	}
	if err := os.Rename(tmpPath, local.String()); err != nil {
		return fmt.Errorf("installing file: %w", err)
	}
	committed = true

	return e.Index.SetLocal(local, index.LocalEntry{
		Kind:          proto.KindFile,
		Hash:          content.Hash,
		Size:          int64(result.OriginalSize),
		ModifiedAt:    content.ModifiedAt,
		EncryptedSize: content.EncryptedSize,
		UnixMode:      content.UnixMode,
		IsSymlink:     content.IsSymlink,
	})
}

func (e *Engine) installSymlink(local fspath.SanitizedLocalPath, body io.Reader, entry *proto.Entry) error {
	content := entry.Content
	var target bytes.Buffer
	result, err := e.Cipher.DecryptContent(&target, body)
	if err != nil {
		return err
	}
	if !result.Hash.Equal(content.Hash) {
		return fmt.Errorf("content hash mismatch for %s", entry.Path)
	}
	if err := os.Remove(local.String()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("replacing symlink: %w", err)
	}
	if err := os.Symlink(target.String(), local.String()); err != nil {
		return fmt.Errorf("creating symlink: %w", err)
	}
	isSymlink := true
	return e.Index.SetLocal(local, index.LocalEntry{
		Kind:       proto.KindFile,
		Hash:       content.Hash,
		Size:       int64(result.OriginalSize),
		ModifiedAt: content.ModifiedAt,
		IsSymlink:  &isSymlink,
	})
}

func (e *Engine) applyRemoteAbsent(local fspath.SanitizedLocalPath, entry *proto.Entry, summary *Summary) error {
	info, err := os.Lstat(local.String())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat: %w", err)
	}
	// Last writer wins: anything written after the deletion was recorded is
	// kept; the push phase re-uploads it. For a directory that means the
	// newest mtime anywhere under it, so work added inside survives too.
	newest := info.ModTime()
	if info.IsDir() {
		newest, err = newestModTime(local.String())
		if err != nil {
			return err
		}
	}
	if newest.After(entry.RecordedAt) {
		summary.addConflict()
		e.Logger.Info("conflict: local state is newer than remote deletion, keeping it", "path", local)
		return nil
	}
	if err := os.RemoveAll(local.String()); err != nil {
		return fmt.Errorf("removing: %w", err)
	}
	summary.addDeleted()
	return e.Index.DeleteLocal(local)
}

// newestModTime returns the most recent mtime of the tree rooted at dir,
// the root itself included.
func newestModTime(dir string) (time.Time, error) {
	var newest time.Time
	err := filepath.WalkDir(dir, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("scanning %s: %w", dir, err)
	}
	return newest, nil
}
