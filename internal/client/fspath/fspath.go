// Package fspath provides the canonical form of local filesystem paths used
// as keys in the client's local index.
package fspath

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SanitizedLocalPath is an absolute, symlink-resolved local path. Using one
// canonical form keeps index keys stable across differently-spelled paths.
type SanitizedLocalPath string

// New canonicalizes a raw path. The path itself does not have to exist: then
// only its parent directory is resolved, and when the parent does not exist
// either the absolute path is returned unresolved.
func New(raw string) (SanitizedLocalPath, error) {
	if raw == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	abs, err := filepath.Abs(raw)
	if err != nil {
		return "", fmt.Errorf("failed to absolutize %q: %w", raw, err)
	}

	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return SanitizedLocalPath(resolved), nil
	}
	// The path does not exist yet: resolve the parent and re-append the
	// final element.
	parent, name := filepath.Split(abs)
	resolvedParent, err := filepath.EvalSymlinks(filepath.Clean(parent))
	if err != nil {
		if os.IsNotExist(err) {
			return SanitizedLocalPath(abs), nil
		}
		return "", fmt.Errorf("failed to canonicalize %q: %w", raw, err)
	}
	return SanitizedLocalPath(filepath.Join(resolvedParent, name)), nil
}

func (p SanitizedLocalPath) String() string { return string(p) }

// Join appends a single file name.
func (p SanitizedLocalPath) Join(name string) (SanitizedLocalPath, error) {
	if name == "" {
		return "", fmt.Errorf("file name cannot be empty")
	}
	if strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("file name %q cannot contain separators", name)
	}
	return SanitizedLocalPath(filepath.Join(string(p), name)), nil
}

// Parent returns the containing directory, ok=false at a filesystem root.
func (p SanitizedLocalPath) Parent() (SanitizedLocalPath, bool) {
	parent := filepath.Dir(string(p))
	if parent == string(p) {
		return "", false
	}
	return SanitizedLocalPath(parent), true
}

// Name returns the final path element.
func (p SanitizedLocalPath) Name() string {
	return filepath.Base(string(p))
}
