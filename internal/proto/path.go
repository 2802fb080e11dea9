package proto

import (
	"fmt"
	"strings"
)

// ErrInvalidPath reports a malformed archive path or path component.
// Callers treat it as fatal for the offending item, not for the whole run.
var ErrInvalidPath = fmt.Errorf("invalid archive path")

const (
	// ArchivePrefix introduces a plaintext archive path.
	ArchivePrefix = "ar:"
	// EncryptedPrefix introduces an encrypted archive path.
	EncryptedPrefix = "enar:"
)

// ArchivePath is a virtual absolute path inside the archive, stored without
// its "ar:" prefix (so the root is "/"). Components are case-sensitive,
// non-empty and never contain '/'.
type ArchivePath struct {
	raw string
}

// EncryptedArchivePath has the same shape as ArchivePath but every component
// is the base64-url encoding of the SIV encryption of the plaintext
// component. Parent/child structure is preserved, so prefix queries work on
// the encrypted form.
type EncryptedArchivePath struct {
	raw string
}

// ParseArchivePath parses a path of the form "ar:/a/b".
func ParseArchivePath(s string) (ArchivePath, error) {
	rest, ok := strings.CutPrefix(s, ArchivePrefix)
	if !ok {
		return ArchivePath{}, fmt.Errorf("%w: %q must start with %q", ErrInvalidPath, s, ArchivePrefix)
	}
	if err := checkPath(rest); err != nil {
		return ArchivePath{}, err
	}
	return ArchivePath{raw: rest}, nil
}

// ArchivePathFromRaw builds an ArchivePath from a prefix-less string like "/a/b".
func ArchivePathFromRaw(s string) (ArchivePath, error) {
	if err := checkPath(s); err != nil {
		return ArchivePath{}, err
	}
	return ArchivePath{raw: s}, nil
}

// RootArchivePath returns "ar:/".
func RootArchivePath() ArchivePath {
	return ArchivePath{raw: "/"}
}

func (p ArchivePath) String() string { return ArchivePrefix + p.raw }

// Raw returns the path without the "ar:" prefix.
func (p ArchivePath) Raw() string { return p.raw }

// IsRoot reports whether p is "ar:/".
func (p ArchivePath) IsRoot() bool { return p.raw == "/" }

// Components returns the path components, empty for the root.
func (p ArchivePath) Components() []string {
	return pathComponents(p.raw)
}

// Join appends a single component.
func (p ArchivePath) Join(name string) (ArchivePath, error) {
	raw, err := joinComponent(p.raw, name)
	if err != nil {
		return ArchivePath{}, err
	}
	return ArchivePath{raw: raw}, nil
}

// Parent returns the parent path. ok is false for the root.
func (p ArchivePath) Parent() (parent ArchivePath, ok bool) {
	raw, ok := parentPath(p.raw)
	return ArchivePath{raw: raw}, ok
}

// IsPrefixOf reports whether q is p itself or lies under p.
func (p ArchivePath) IsPrefixOf(q ArchivePath) bool {
	return isPrefix(p.raw, q.raw)
}

// StripPrefix returns q relative to p, without a leading '/'.
// ok is false if p is not a proper prefix of q.
func (p ArchivePath) StripPrefix(q ArchivePath) (rel string, ok bool) {
	return stripPrefix(p.raw, q.raw)
}

// ParseEncryptedPath parses a path of the form "enar:/x/y".
func ParseEncryptedPath(s string) (EncryptedArchivePath, error) {
	rest, ok := strings.CutPrefix(s, EncryptedPrefix)
	if !ok {
		return EncryptedArchivePath{}, fmt.Errorf("%w: %q must start with %q", ErrInvalidPath, s, EncryptedPrefix)
	}
	if err := checkPath(rest); err != nil {
		return EncryptedArchivePath{}, err
	}
	return EncryptedArchivePath{raw: rest}, nil
}

// EncryptedPathFromRaw builds an EncryptedArchivePath from a prefix-less string.
func EncryptedPathFromRaw(s string) (EncryptedArchivePath, error) {
	if err := checkPath(s); err != nil {
		return EncryptedArchivePath{}, err
	}
	return EncryptedArchivePath{raw: s}, nil
}

func (p EncryptedArchivePath) String() string { return EncryptedPrefix + p.raw }

// Raw returns the path without the "enar:" prefix. This is the form stored
// in the entries table and in the client's local index.
func (p EncryptedArchivePath) Raw() string { return p.raw }

func (p EncryptedArchivePath) IsRoot() bool { return p.raw == "/" }

func (p EncryptedArchivePath) Components() []string {
	return pathComponents(p.raw)
}

func (p EncryptedArchivePath) Join(component string) (EncryptedArchivePath, error) {
	raw, err := joinComponent(p.raw, component)
	if err != nil {
		return EncryptedArchivePath{}, err
	}
	return EncryptedArchivePath{raw: raw}, nil
}

func (p EncryptedArchivePath) Parent() (parent EncryptedArchivePath, ok bool) {
	raw, ok := parentPath(p.raw)
	return EncryptedArchivePath{raw: raw}, ok
}

func (p EncryptedArchivePath) IsPrefixOf(q EncryptedArchivePath) bool {
	return isPrefix(p.raw, q.raw)
}

func (p EncryptedArchivePath) StripPrefix(q EncryptedArchivePath) (rel string, ok bool) {
	return stripPrefix(p.raw, q.raw)
}

func checkPath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: %q must start with '/'", ErrInvalidPath, path)
	}
	if strings.Contains(path, "//") {
		return fmt.Errorf("%w: %q contains empty component", ErrInvalidPath, path)
	}
	if path != "/" && strings.HasSuffix(path, "/") {
		return fmt.Errorf("%w: %q must not end with '/'", ErrInvalidPath, path)
	}
	return nil
}

func pathComponents(raw string) []string {
	if raw == "/" {
		return nil
	}
	return strings.Split(raw[1:], "/")
}

func joinComponent(raw, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: component cannot be empty", ErrInvalidPath)
	}
	if strings.Contains(name, "/") {
		return "", fmt.Errorf("%w: component %q cannot contain '/'", ErrInvalidPath, name)
	}
	if raw == "/" {
		return "/" + name, nil
	}
	return raw + "/" + name, nil
}

func parentPath(raw string) (string, bool) {
	if raw == "/" {
		return "", false
	}
	pos := strings.LastIndexByte(raw, '/')
	if pos == 0 {
		return "/", true
	}
	return raw[:pos], true
}

func isPrefix(a, b string) bool {
	if a == b {
		return true
	}
	if a == "/" {
		return strings.HasPrefix(b, "/")
	}
	return strings.HasPrefix(b, a+"/")
}

func stripPrefix(a, b string) (string, bool) {
	if a == b {
		return "", false
	}
	if a == "/" {
		return b[1:], true
	}
	rel, ok := strings.CutPrefix(b, a+"/")
	if !ok {
		return "", false
	}
	return rel, true
}
