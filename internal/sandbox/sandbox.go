// Package sandbox confines caller-supplied relative paths to a root
// directory.
//
// Every path a caller hands to the service passes through Resolve (or
// ResolveEntry) before anything touches the disk. A path is accepted only
// when both the lexical join and the symlink-resolved location stay inside
// the root, and when a root-scoped resolution of the same path agrees with
// the host's resolution.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"unicode/utf8"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Kind identifies why a path was rejected.
type Kind string

const (
	KindInvalidPath        Kind = "invalid_path"
	KindNoAbsolutePaths    Kind = "no_absolute_paths"
	KindPathEscapesContext Kind = "path_escapes_context"
)

// maxSymlinkHops bounds dangling-link resolution, matching the usual
// kernel limit.
const maxSymlinkHops = 40

// Error is returned for every rejected path.
type Error struct {
	Kind   Kind
	Path   string
	Reason string
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNoAbsolutePaths:
		return fmt.Sprintf("cannot use an absolute path in this context: %s", e.Path)
	case KindPathEscapesContext:
		return fmt.Sprintf("path escapes the context root: %s (%s)", e.Path, e.Reason)
	default:
		return fmt.Sprintf("invalid path %q: %s", e.Path, e.Reason)
	}
}

// KindOf returns the rejection kind of err, or "" if err is not a sandbox
// error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsEscape reports whether err rejected a path for leaving its root.
func IsEscape(err error) bool {
	return KindOf(err) == KindPathEscapesContext
}

func invalid(path, reason string) error {
	return &Error{Kind: KindInvalidPath, Path: path, Reason: reason}
}

func escapes(path, reason string) error {
	return &Error{Kind: KindPathEscapesContext, Path: path, Reason: reason}
}

// CanonicalRoot turns path into an absolute, symlink-free directory path,
// creating the directory when it does not exist yet.
func CanonicalRoot(path string) (string, error) {
	if path == "" {
		return "", errors.New("root path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("make root absolute: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create root: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return "", fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("root %s is not a directory", canonical)
	}
	return canonical, nil
}

// Resolve maps candidate onto root and returns the absolute location with
// every existing symlink followed. root must come from CanonicalRoot.
func Resolve(root, candidate string) (string, error) {
	cleaned, err := clean(candidate)
	if err != nil {
		return "", err
	}
	return resolve(root, candidate, cleaned)
}

// ResolveEntry is Resolve without following the final path element, so
// the entry itself (for instance a symlink) can be inspected or removed.
// The root itself resolves to root.
func ResolveEntry(root, candidate string) (string, error) {
	cleaned, err := clean(candidate)
	if err != nil {
		return "", err
	}
	if cleaned == "." {
		return root, nil
	}
	if err := lexicallyInside(root, candidate, cleaned); err != nil {
		return "", err
	}
	parent, err := resolve(root, candidate, filepath.Dir(cleaned))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, filepath.Base(cleaned)), nil
}

// clean validates the syntax of candidate and returns its lexically cleaned
// relative form. Names keep their exact bytes: the filesystem compares
// them byte for byte, so NFC and NFD spellings are different entries.
func clean(candidate string) (string, error) {
	switch {
	case candidate == "":
		return "", invalid(candidate, "path is empty")
	case strings.ContainsRune(candidate, 0):
		return "", invalid(candidate, "path contains a NUL byte")
	case !utf8.ValidString(candidate):
		return "", invalid(candidate, "path is not valid UTF-8")
	}
	if filepath.IsAbs(candidate) || filepath.VolumeName(candidate) != "" || strings.HasPrefix(candidate, string(filepath.Separator)) {
		return "", &Error{Kind: KindNoAbsolutePaths, Path: candidate}
	}
	return filepath.Clean(candidate), nil
}

func lexicallyInside(root, candidate, cleaned string) error {
	if !within(root, filepath.Join(root, cleaned)) {
		return escapes(candidate, "path leaves the root")
	}
	return nil
}

func resolve(root, candidate, cleaned string) (string, error) {
	if err := lexicallyInside(root, candidate, cleaned); err != nil {
		return "", err
	}
	joined := filepath.Join(root, cleaned)

	resolved, err := evalExisting(joined)
	if err != nil {
		return "", invalid(candidate, err.Error())
	}
	if !within(root, resolved) {
		return "", escapes(candidate, "symlink target leaves the root")
	}

	// A root-scoped join treats absolute link targets as relative to root.
	// If it lands somewhere else than the host resolution, some link only
	// stays inside by accident of where the root lives.
	scoped, err := securejoin.SecureJoin(root, cleaned)
	if err != nil {
		return "", invalid(candidate, err.Error())
	}
	scopedResolved, err := evalExisting(scoped)
	if err != nil {
		return "", invalid(candidate, err.Error())
	}
	if scopedResolved != resolved {
		return "", escapes(candidate, "symlink target does not resolve inside the root")
	}
	return resolved, nil
}

// within reports whether path is root or a descendant of root. Both paths
// must be absolute and clean.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// evalExisting follows symlinks in the longest existing prefix of path and
// appends the missing remainder unchanged. Dangling links are followed by
// hand so their targets are checked too.
func evalExisting(path string) (string, error) {
	for hops := 0; hops <= maxSymlinkHops; hops++ {
		existing := path
		var tail []string
		for {
			_, err := os.Lstat(existing)
			if err == nil {
				break
			}
			if !missing(err) {
				return "", err
			}
			parent := filepath.Dir(existing)
			if parent == existing {
				break
			}
			tail = append(tail, filepath.Base(existing))
			existing = parent
		}

		resolved, err := filepath.EvalSymlinks(existing)
		if err != nil {
			if !missing(err) {
				return "", err
			}
			// existing is (or passes through) a dangling link.
			next, lerr := danglingTarget(existing)
			if lerr != nil {
				return "", err
			}
			path = joinTail(next, tail)
			continue
		}
		return joinTail(resolved, tail), nil
	}
	return "", fmt.Errorf("too many levels of symbolic links")
}

func danglingTarget(link string) (string, error) {
	target, err := os.Readlink(link)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(target) {
		return filepath.Clean(target), nil
	}
	parent, err := evalExisting(filepath.Dir(link))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, target), nil
}

func joinTail(base string, tail []string) string {
	for i := len(tail) - 1; i >= 0; i-- {
		base = filepath.Join(base, tail[i])
	}
	return base
}

func missing(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}
