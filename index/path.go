package index

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// ErrInvalidPath indicates a relative path that is empty, absolute, not UTF-8
// or escapes the root.
var ErrInvalidPath = errors.New("index: invalid relative path")

// Normalize converts p into the canonical manifest form: forward slashes,
// cleaned, relative to the root, with no ".." segments. Names that are not
// valid UTF-8 cannot cross the wire unchanged and are rejected.
func Normalize(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: contains NUL", ErrInvalidPath)
	}
	if !utf8.ValidString(p) {
		return "", fmt.Errorf("%w: %q is not valid UTF-8", ErrInvalidPath, p)
	}
	slashed := filepath.ToSlash(p)
	if strings.TrimSpace(slashed) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(p) || filepath.VolumeName(p) != "" {
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalidPath, p)
	}

	cleaned := path.Clean(slashed)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q escapes the root", ErrInvalidPath, p)
	}
	return cleaned, nil
}

// Rel returns the manifest form of an absolute path below root.
func Rel(root, abs string) (string, error) {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return Normalize(rel)
}
