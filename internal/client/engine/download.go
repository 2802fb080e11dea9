package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"rammingen-go/internal/client/fspath"
	"rammingen-go/internal/client/term"
	"rammingen-go/internal/proto"
)

// DownloadTo materializes the archive subtree at archive into localRoot.
// With a non-zero at, the state recorded at that time is used instead of
// the current one. The mounts are not involved; downloaded files are
// recorded in the local index's file cache.
func (e *Engine) DownloadTo(ctx context.Context, archive proto.ArchivePath, localRoot fspath.SanitizedLocalPath, at time.Time) (int, error) {
	encrypted, err := e.Cipher.EncryptPath(archive)
	if err != nil {
		return 0, err
	}
	if at.IsZero() {
		at = time.Now()
	}
	versions, err := e.Client.StateAt(ctx, &proto.StateAtRequest{Path: encrypted, RecordedAt: at})
	if err != nil {
		return 0, err
	}

	// Parents first.
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Path.Raw() < versions[j].Path.Raw()
	})

	count := 0
	for i := range versions {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		version := &versions[i]
		if version.Kind == proto.KindAbsent {
			continue
		}
		entryArchive, err := e.Cipher.DecryptPath(version.Path)
		if err != nil {
			return count, err
		}

		local := localRoot
		components, err := relComponents(archive, entryArchive)
		if err != nil {
			return count, err
		}
		for _, component := range components {
			local, err = local.Join(component)
			if err != nil {
				return count, fmt.Errorf("%w: %v", proto.ErrInvalidPath, err)
			}
		}

		term.SetStatus("Downloading %s", entryArchive)
		switch version.Kind {
		case proto.KindDirectory:
			if err := e.applyRemoteDirectory(local); err != nil {
				return count, err
			}
		case proto.KindFile:
			entry := &proto.Entry{VersionData: version.VersionData}
			if err := e.downloadFile(ctx, local, entry); err != nil {
				return count, err
			}
		}
		count++
	}
	return count, nil
}

// RunPush pushes local changes without pulling first and without deletion
// detection. Used by the one-off upload command.
func (e *Engine) RunPush(ctx context.Context) (*Summary, error) {
	summary := newSummary()
	mounts, err := e.prepareMounts()
	if err != nil {
		return summary, err
	}
	if err := e.push(ctx, mounts, summary, false); err != nil {
		return summary, fmt.Errorf("push failed: %w", err)
	}
	return summary, nil
}
