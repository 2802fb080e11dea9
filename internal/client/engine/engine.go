// Package engine implements the sync engine: pull remote changes into the
// local mounts, then push local changes to the server, over the persistent
// local index.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"rammingen-go/internal/client"
	"rammingen-go/internal/client/api"
	"rammingen-go/internal/client/fspath"
	"rammingen-go/internal/client/index"
	"rammingen-go/internal/client/rules"
	"rammingen-go/internal/crypto"
	"rammingen-go/internal/logging"
	"rammingen-go/internal/proto"
)

// Engine is a function over (config, local index, server client): it owns no
// state beyond one run.
type Engine struct {
	Client   *api.Client
	Cipher   *crypto.Cipher
	Index    *index.Index
	Logger   logging.Logger
	SpoolDir string
	// Parallelism bounds the encryption worker pool; peak memory is about
	// chunk size times this.
	Parallelism int

	Mounts        []client.ResolvedMount
	AlwaysExclude []rules.Rule
}

type mountState struct {
	client.ResolvedMount
	encryptedRoot proto.EncryptedArchivePath
	rules         *rules.Rules
}

// Summary reports one sync run: per-item failures never abort the run, they
// are counted here, keeping the first error for diagnosis. The counters are
// safe for the upload worker pool.
type Summary struct {
	scanned    atomic.Int64
	uploaded   atomic.Int64
	downloaded atomic.Int64
	deleted    atomic.Int64
	conflicts  atomic.Int64
	failed     atomic.Int64

	mu       sync.Mutex
	byKind   map[string]int64
	firstErr error
}

func newSummary() *Summary {
	return &Summary{byKind: map[string]int64{}}
}

func (s *Summary) addScanned()    { s.scanned.Add(1) }
func (s *Summary) addUploaded()   { s.uploaded.Add(1) }
func (s *Summary) addDownloaded() { s.downloaded.Add(1) }
func (s *Summary) addDeleted()    { s.deleted.Add(1) }
func (s *Summary) addConflict()   { s.conflicts.Add(1) }

func (s *Summary) Scanned() int64    { return s.scanned.Load() }
func (s *Summary) Uploaded() int64   { return s.uploaded.Load() }
func (s *Summary) Downloaded() int64 { return s.downloaded.Load() }
func (s *Summary) Deleted() int64    { return s.deleted.Load() }
func (s *Summary) Conflicts() int64  { return s.conflicts.Load() }
func (s *Summary) Failed() int64     { return s.failed.Load() }

// FirstError returns the first per-item failure of the run, nil if none.
func (s *Summary) FirstError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// FailuresByKind returns per-error-kind counts.
func (s *Summary) FailuresByKind() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.byKind))
	for k, v := range s.byKind {
		out[k] = v
	}
	return out
}

func (s *Summary) recordError(err error) {
	s.failed.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKind[errorKind(err)]++
	if s.firstErr == nil {
		s.firstErr = err
	}
}

func (s *Summary) String() string {
	return fmt.Sprintf("scanned %d, uploaded %d, downloaded %d, deleted %d, conflicts %d, failed %d",
		s.Scanned(), s.Uploaded(), s.Downloaded(), s.Deleted(), s.Conflicts(), s.Failed())
}

func errorKind(err error) string {
	var reqErr *api.RequestError
	switch {
	case errors.As(err, &reqErr) && reqErr.Kind == api.KindAuth:
		return "auth"
	case errors.As(err, &reqErr) && reqErr.Kind == api.KindNetwork:
		return "network"
	case errors.As(err, &reqErr):
		return "server"
	case errors.Is(err, crypto.ErrDecrypt):
		return "crypto"
	case errors.Is(err, proto.ErrInvalidPath):
		return "invalid_path"
	default:
		return "io"
	}
}

// Run performs one full sync: pull, then push. The per-source run lock is
// held by the open Index for the whole run.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	summary := newSummary()

	mounts, err := e.prepareMounts()
	if err != nil {
		return summary, err
	}

	if err := e.pull(ctx, mounts, summary); err != nil {
		return summary, fmt.Errorf("pull failed: %w", err)
	}
	if err := e.push(ctx, mounts, summary, true); err != nil {
		return summary, fmt.Errorf("push failed: %w", err)
	}

	e.Logger.Info("sync finished", "summary", summary.String())
	return summary, nil
}

func (e *Engine) prepareMounts() ([]*mountState, error) {
	out := make([]*mountState, 0, len(e.Mounts))
	for _, mount := range e.Mounts {
		encryptedRoot, err := e.Cipher.EncryptPath(mount.ArchivePath)
		if err != nil {
			return nil, err
		}
		compiled, err := rules.Compile([][]rules.Rule{e.AlwaysExclude, mount.Exclude}, mount.LocalPath)
		if err != nil {
			return nil, err
		}
		out = append(out, &mountState{
			ResolvedMount: mount,
			encryptedRoot: encryptedRoot,
			rules:         compiled,
		})
	}
	return out, nil
}

func (e *Engine) parallelism() int {
	if e.Parallelism > 0 {
		return e.Parallelism
	}
	return runtime.NumCPU()
}

// localPathFor maps a plaintext archive path into the mount owning it.
// ok is false when no mount contains the path.
func localPathFor(mounts []*mountState, archive proto.ArchivePath) (*mountState, fspath.SanitizedLocalPath, bool, error) {
	for _, mount := range mounts {
		if !mount.ArchivePath.IsPrefixOf(archive) {
			continue
		}
		components, err := relComponents(mount.ArchivePath, archive)
		if err != nil {
			return nil, "", false, err
		}
		local := mount.LocalPath
		for _, component := range components {
			joined, err := local.Join(component)
			if err != nil {
				return nil, "", false, fmt.Errorf("%w: %v", proto.ErrInvalidPath, err)
			}
			local = joined
		}
		return mount, local, true, nil
	}
	return nil, "", false, nil
}

func relComponents(base, full proto.ArchivePath) ([]string, error) {
	baseComponents := base.Components()
	fullComponents := full.Components()
	if len(fullComponents) < len(baseComponents) {
		return nil, fmt.Errorf("%w: %s is not under %s", proto.ErrInvalidPath, full, base)
	}
	return fullComponents[len(baseComponents):], nil
}
