package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"rammingen-go/internal/client/api"
	"rammingen-go/internal/client/fspath"
	"rammingen-go/internal/client/index"
	"rammingen-go/internal/client/term"
	"rammingen-go/internal/proto"
)

// push walks every mount and records local changes on the server:
// directories first, top-down, so the parent invariant holds; then files
// through the bounded worker pool; then deletions bottom-up.
func (e *Engine) push(ctx context.Context, mounts []*mountState, summary *Summary, withDeletions bool) error {
	for _, mount := range mounts {
		existing := map[fspath.SanitizedLocalPath]bool{}

		if err := e.ensureAncestors(ctx, mount); err != nil {
			return err
		}
		files, err := e.pushDirectories(ctx, mount, existing, summary)
		if err != nil {
			return err
		}
		if err := e.pushFiles(ctx, mount, files, summary); err != nil {
			return err
		}
		if !withDeletions {
			continue
		}
		if err := e.pushDeletions(ctx, mount, existing, summary); err != nil {
			return err
		}
	}
	return nil
}

// ensureAncestors records directory entries for every archive path above
// the mount root, top-down.
func (e *Engine) ensureAncestors(ctx context.Context, mount *mountState) error {
	var ancestors []proto.ArchivePath
	for current, ok := mount.ArchivePath.Parent(); ok && !current.IsRoot(); current, ok = current.Parent() {
		ancestors = append(ancestors, current)
	}
	for i := len(ancestors) - 1; i >= 0; i-- {
		if err := e.recordDirectory(ctx, ancestors[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) recordDirectory(ctx context.Context, archive proto.ArchivePath) error {
	encrypted, err := e.Cipher.EncryptPath(archive)
	if err != nil {
		return err
	}
	remote, err := e.Index.GetRemote(encrypted)
	if err != nil {
		return err
	}
	if remote != nil && remote.Kind == proto.KindDirectory {
		return nil
	}
	if _, err := e.Client.AddVersion(ctx, &proto.AddVersionRequest{
		Path:          encrypted,
		RecordTrigger: proto.TriggerUpload,
		Kind:          proto.KindDirectory,
	}); err != nil {
		return err
	}
	return e.Index.SetRemote(encrypted, index.RemoteEntry{Kind: proto.KindDirectory})
}

type fileJob struct {
	local   fspath.SanitizedLocalPath
	archive proto.ArchivePath
}

// pushDirectories walks the mount breadth-first, records directories and
// returns the files found for the upload pool. Every visited path lands in
// existing so deletion detection can tell gone from present.
func (e *Engine) pushDirectories(ctx context.Context, mount *mountState, existing map[fspath.SanitizedLocalPath]bool, summary *Summary) ([]fileJob, error) {
	var files []fileJob

	// A mount rooted at a single file (one-off upload) has no directory
	// walk to do.
	rootInfo, err := os.Lstat(mount.LocalPath.String())
	if err != nil {
		return nil, fmt.Errorf("stat mount root: %w", err)
	}
	existing[mount.LocalPath] = true
	if !rootInfo.IsDir() {
		summary.addScanned()
		return []fileJob{{local: mount.LocalPath, archive: mount.ArchivePath}}, nil
	}

	queue := []fileJob{{local: mount.LocalPath, archive: mount.ArchivePath}}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir := queue[0]
		queue = queue[1:]

		existing[dir.local] = true
		if err := e.recordDirectory(ctx, dir.archive); err != nil {
			if api.IsAuthError(err) {
				return nil, err
			}
			e.Logger.Warn("failed to record directory", "path", dir.local, "err", err)
			summary.recordError(err)
			continue
		}
		term.SetStatus("Scanning %s", dir.local)

		dirEntries, err := os.ReadDir(dir.local.String())
		if err != nil {
			e.Logger.Warn("failed to read directory", "path", dir.local, "err", err)
			summary.recordError(err)
			continue
		}
		for _, dirEntry := range dirEntries {
			local, err := dir.local.Join(dirEntry.Name())
			if err != nil {
				e.Logger.Warn("skipping unsupported file name", "dir", dir.local, "name", dirEntry.Name())
				summary.recordError(fmt.Errorf("%w: %v", proto.ErrInvalidPath, err))
				continue
			}
			existing[local] = true
			if mount.rules.Excluded(local) {
				continue
			}
			archive, err := dir.archive.Join(dirEntry.Name())
			if err != nil {
				summary.recordError(err)
				continue
			}
			summary.addScanned()
			if dirEntry.IsDir() {
				queue = append(queue, fileJob{local: local, archive: archive})
			} else {
				files = append(files, fileJob{local: local, archive: archive})
			}
		}
	}
	return files, nil
}

// pushFiles uploads changed files through the bounded worker pool. The
// encryption work dominates, so the pool bounds both CPU use and peak
// memory.
func (e *Engine) pushFiles(ctx context.Context, mount *mountState, files []fileJob, summary *Summary) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.parallelism())

	for _, job := range files {
		group.Go(func() error {
			err := e.pushFile(groupCtx, job, summary)
			switch {
			case err == nil:
			case api.IsAuthError(err) || groupCtx.Err() != nil:
				return err
			default:
				e.Logger.Warn("failed to push file", "path", job.local, "err", err)
				summary.recordError(err)
			}
			return nil
		})
	}
	return group.Wait()
}

func (e *Engine) pushFile(ctx context.Context, job fileJob, summary *Summary) error {
	term.SetStatus("Uploading %s", job.local)

	info, err := os.Lstat(job.local.String())
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	encrypted, err := e.Cipher.EncryptPath(job.archive)
	if err != nil {
		return err
	}

	isSymlink := info.Mode()&os.ModeSymlink != 0
	mode := uint32(info.Mode().Perm())

	// A file whose size and mtime match the cache reuses the cached hash
	// and skips re-encryption entirely.
	cached, err := e.observeLocal(job.local, info)
	if err != nil {
		return err
	}
	remote, err := e.Index.GetRemote(encrypted)
	if err != nil {
		return err
	}
	if cached != nil && !isSymlink && remoteMatches(remote, cached.Hash, mode) {
		return nil
	}

	hash, originalSize, encryptedSize, uploaded, err := e.ensureContent(ctx, job.local, info, isSymlink, cached)
	if err != nil {
		return err
	}
	if !uploaded && remoteMatches(remote, hash, mode) {
		// The content matched after all; refresh the cache and move on.
		return e.setLocalCache(job.local, info, hash, originalSize, encryptedSize, mode, isSymlink)
	}

	content := &proto.FileContent{
		ModifiedAt:    info.ModTime().UTC(),
		OriginalSize:  e.Cipher.EncryptSize(uint64(originalSize)),
		EncryptedSize: encryptedSize,
		Hash:          hash,
		UnixMode:      &mode,
		IsSymlink:     &isSymlink,
	}
	if _, err := e.Client.AddVersion(ctx, &proto.AddVersionRequest{
		Path:          encrypted,
		RecordTrigger: proto.TriggerUpload,
		Kind:          proto.KindFile,
		Content:       content,
	}); err != nil {
		return err
	}
	summary.addUploaded()

	if err := e.Index.SetRemote(encrypted, index.RemoteEntry{Kind: proto.KindFile, Content: content}); err != nil {
		return err
	}
	return e.setLocalCache(job.local, info, hash, originalSize, encryptedSize, mode, isSymlink)
}

// ensureContent makes sure the server stores the file's current content and
// returns its identity. The cached hash avoids re-encrypting unchanged
// files; the dedup probe avoids re-uploading content another path already
// has.
func (e *Engine) ensureContent(ctx context.Context, local fspath.SanitizedLocalPath, info os.FileInfo, isSymlink bool, cached *index.LocalEntry) (hash proto.ContentHash, originalSize, encryptedSize int64, uploaded bool, err error) {
	if cached != nil {
		exists, err := e.Client.ContentExists(ctx, cached.Hash)
		if err != nil {
			return nil, 0, 0, false, err
		}
		if exists {
			return cached.Hash, cached.Size, cached.EncryptedSize, false, nil
		}
	}

	var source io.Reader
	if isSymlink {
		target, err := os.Readlink(local.String())
		if err != nil {
			return nil, 0, 0, false, fmt.Errorf("reading symlink: %w", err)
		}
		source = strings.NewReader(target)
	} else {
		f, err := os.Open(local.String())
		if err != nil {
			return nil, 0, 0, false, fmt.Errorf("opening file: %w", err)
		}
		defer f.Close()
		source = f
	}

	encrypted, err := e.Cipher.EncryptContent(e.SpoolDir, source)
	if err != nil {
		return nil, 0, 0, false, err
	}
	defer encrypted.Close()

	// A concurrent writer invalidates the snapshot; the next run retries.
	if !isSymlink {
		current, err := os.Lstat(local.String())
		if err != nil {
			return nil, 0, 0, false, fmt.Errorf("stat after read: %w", err)
		}
		if !current.ModTime().Equal(info.ModTime()) || current.Size() != info.Size() {
			return nil, 0, 0, false, fmt.Errorf("file %s changed while reading", local)
		}
	}

	exists, err := e.Client.ContentExists(ctx, encrypted.Hash)
	if err != nil {
		return nil, 0, 0, false, err
	}
	if !exists {
		if _, err := e.Client.Upload(ctx, encrypted.Hash, encrypted.EncryptedSize, encrypted.Open); err != nil {
			return nil, 0, 0, false, err
		}
		uploaded = true
	}
	return encrypted.Hash, int64(encrypted.OriginalSize), encrypted.EncryptedSize, uploaded, nil
}

func (e *Engine) setLocalCache(local fspath.SanitizedLocalPath, info os.FileInfo, hash proto.ContentHash, originalSize, encryptedSize int64, mode uint32, isSymlink bool) error {
	return e.Index.SetLocal(local, index.LocalEntry{
		Kind:          proto.KindFile,
		Hash:          hash,
		Size:          originalSize,
		ModifiedAt:    info.ModTime(),
		EncryptedSize: encryptedSize,
		UnixMode:      &mode,
		IsSymlink:     &isSymlink,
	})
}

// pushDeletions records an Absent entry for every remote path under the
// mount that no longer exists locally, children before parents.
func (e *Engine) pushDeletions(ctx context.Context, mount *mountState, existing map[fspath.SanitizedLocalPath]bool, summary *Summary) error {
	type deletion struct {
		encrypted proto.EncryptedArchivePath
		local     fspath.SanitizedLocalPath
	}
	var deletions []deletion

	err := e.Index.WalkRemote(mount.encryptedRoot, func(path proto.EncryptedArchivePath, entry index.RemoteEntry) error {
		if entry.Kind == proto.KindAbsent {
			return nil
		}
		archive, err := e.Cipher.DecryptPath(path)
		if err != nil {
			return err
		}
		_, local, ok, err := localPathFor([]*mountState{mount}, archive)
		if err != nil || !ok {
			return err
		}
		if existing[local] || mount.rules.Excluded(local) {
			return nil
		}
		if _, err := os.Lstat(local.String()); err == nil || !os.IsNotExist(err) {
			return nil
		}
		deletions = append(deletions, deletion{encrypted: path, local: local})
		return nil
	})
	if err != nil {
		return err
	}

	// Children sort after their parents; deleting in reverse order records
	// leaves first.
	sort.Slice(deletions, func(i, j int) bool {
		return deletions[i].encrypted.Raw() > deletions[j].encrypted.Raw()
	})

	for _, d := range deletions {
		if err := ctx.Err(); err != nil {
			return err
		}
		term.SetStatus("Recording deletion of %s", d.local)
		if _, err := e.Client.AddVersion(ctx, &proto.AddVersionRequest{
			Path:          d.encrypted,
			RecordTrigger: proto.TriggerSync,
			Kind:          proto.KindAbsent,
		}); err != nil {
			if api.IsAuthError(err) {
				return err
			}
			e.Logger.Warn("failed to record deletion", "path", d.local, "err", err)
			summary.recordError(err)
			continue
		}
		summary.addDeleted()
		if err := e.Index.SetRemote(d.encrypted, index.RemoteEntry{Kind: proto.KindAbsent}); err != nil {
			return err
		}
		if err := e.Index.DeleteLocal(d.local); err != nil {
			return err
		}
	}
	return nil
}

func remoteMatches(remote *index.RemoteEntry, hash proto.ContentHash, mode uint32) bool {
	if remote == nil || remote.Kind != proto.KindFile || remote.Content == nil {
		return false
	}
	if !remote.Content.Hash.Equal(hash) {
		return false
	}
	if remote.Content.UnixMode != nil && *remote.Content.UnixMode != mode {
		return false
	}
	return true
}

// observeLocal returns the cached local state when the file's size and
// mtime still match it, nil otherwise.
func (e *Engine) observeLocal(local fspath.SanitizedLocalPath, info os.FileInfo) (*index.LocalEntry, error) {
	cached, err := e.Index.GetLocal(local)
	if err != nil {
		return nil, err
	}
	if cached == nil {
		return nil, nil
	}
	if cached.Size != info.Size() || !cached.ModifiedAt.Equal(info.ModTime()) {
		return nil, nil
	}
	return cached, nil
}
