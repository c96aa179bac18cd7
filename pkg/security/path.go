package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PathReason classifies why a path was rejected
type PathReason string

const (
	ReasonEmpty        PathReason = "empty"
	ReasonOutsideRoot  PathReason = "outside_root"
	ReasonReservedName PathReason = "reserved_name"
	ReasonInvalid      PathReason = "invalid"
)

// PathError is returned when a caller-supplied path fails validation.
// It is always produced before any I/O touches the candidate.
type PathError struct {
	Path   string
	Root   string
	Reason PathReason
	Err    error
}

func (e *PathError) Error() string {
	msg := fmt.Sprintf("path %q rejected (%s)", e.Path, e.Reason)
	if e.Root != "" {
		msg += fmt.Sprintf(" for root %q", e.Root)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// reservedNames are device names that cannot be used as file names on Windows,
// with or without an extension.
var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// IsReservedName reports whether a single path element is an OS-reserved file name
func IsReservedName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsRune(name, 0) {
		return true
	}
	if strings.HasSuffix(name, ".") || strings.HasSuffix(name, " ") {
		return true
	}
	base := name
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	return reservedNames[strings.ToUpper(strings.TrimSpace(base))]
}

// ResolveRoot returns the absolute, symlink-free form of root.
// The root must exist and be a directory.
func ResolveRoot(root string) (string, error) {
	if root == "" {
		return "", &PathError{Path: root, Reason: ReasonEmpty}
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", &PathError{Path: root, Reason: ReasonInvalid, Err: err}
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", &PathError{Path: root, Reason: ReasonInvalid, Err: err}
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", &PathError{Path: root, Reason: ReasonInvalid, Err: err}
	}
	if !info.IsDir() {
		return "", &PathError{Path: root, Reason: ReasonInvalid, Err: fmt.Errorf("not a directory")}
	}
	return resolved, nil
}

// ValidatePath resolves candidate against root and returns the resolved absolute path.
// Relative candidates are joined to root. Symlinks are evaluated for the deepest
// existing ancestor so paths that do not exist yet are still checked.
// The result must be a strict descendant of root.
func ValidatePath(candidate, root string) (string, error) {
	if candidate == "" {
		return "", &PathError{Path: candidate, Root: root, Reason: ReasonEmpty}
	}
	if strings.ContainsRune(candidate, 0) {
		return "", &PathError{Path: candidate, Root: root, Reason: ReasonReservedName}
	}

	resolvedRoot, err := ResolveRoot(root)
	if err != nil {
		return "", err
	}

	abs := candidate
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(resolvedRoot, abs)
	}
	abs = filepath.Clean(abs)

	resolved := resolveExisting(abs)

	if !isStrictDescendant(resolved, resolvedRoot) {
		return "", &PathError{Path: candidate, Root: root, Reason: ReasonOutsideRoot}
	}

	rel, err := filepath.Rel(resolvedRoot, resolved)
	if err != nil {
		return "", &PathError{Path: candidate, Root: root, Reason: ReasonInvalid, Err: err}
	}
	for _, elem := range strings.Split(rel, string(filepath.Separator)) {
		if IsReservedName(elem) {
			return "", &PathError{Path: candidate, Root: root, Reason: ReasonReservedName}
		}
	}

	return resolved, nil
}

// resolveExisting evaluates symlinks on the deepest existing ancestor of path
// and re-attaches the remaining components.
func resolveExisting(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}

	var rest []string
	current := path
	for {
		parent := filepath.Dir(current)
		rest = append(rest, filepath.Base(current))
		if parent == current {
			return path
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, rest[i])
			}
			return resolved
		}
		current = parent
	}
}

func isStrictDescendant(path, root string) bool {
	if path == root {
		return false
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}
