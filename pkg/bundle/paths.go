package bundle

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeEntryName converts a zip entry name into a clean slash-separated
// relative path. Empty and "." segments are dropped; backslashes, absolute
// paths and ".." segments are rejected with ErrPathTraversal. The second
// result reports whether the entry names a directory.
func NormalizeEntryName(name string) (string, bool, error) {
	name = norm.NFC.String(name)

	if strings.ContainsRune(name, '\\') {
		return "", false, fmt.Errorf("%w: backslash in %q", ErrPathTraversal, name)
	}
	if strings.ContainsRune(name, 0) {
		return "", false, fmt.Errorf("%w: NUL in %q", ErrPathTraversal, name)
	}
	if strings.HasPrefix(name, "/") || hasDriveLetter(name) {
		return "", false, fmt.Errorf("%w: absolute path %q", ErrPathTraversal, name)
	}

	isDir := strings.HasSuffix(name, "/")
	segs := strings.Split(name, "/")
	clean := segs[:0]
	for _, s := range segs {
		switch s {
		case "", ".":
			continue
		case "..":
			return "", false, fmt.Errorf("%w: %q", ErrPathTraversal, name)
		}
		clean = append(clean, s)
	}
	if len(clean) == 0 {
		return "", true, nil
	}
	return strings.Join(clean, "/"), isDir, nil
}

func hasDriveLetter(s string) bool {
	if len(s) < 2 || s[1] != ':' {
		return false
	}
	c := s[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
