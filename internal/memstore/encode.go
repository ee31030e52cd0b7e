package memstore

import (
	"fmt"
	"strings"
)

// Filenames are derived from entity ids with a reversible percent encoding.
// Only [A-Za-z0-9_-] pass through; everything else (including '.', '/',
// '\', and ':') becomes %XX, so '..' and path separators cannot appear in
// an encoded name.

func encodeID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		if isFilenameSafe(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func decodeID(name string) (string, error) {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(name) {
			return "", fmt.Errorf("memstore: truncated escape in %q", name)
		}
		var v byte
		if _, err := fmt.Sscanf(name[i+1:i+3], "%02X", &v); err != nil {
			return "", fmt.Errorf("memstore: bad escape in %q: %w", name, err)
		}
		b.WriteByte(v)
		i += 2
	}
	return b.String(), nil
}

func isFilenameSafe(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '_' || c == '-':
		return true
	default:
		return false
	}
}

// legacyNameSafe reports whether a raw id may be probed as a legacy
// (pre-encoding) filename without escaping the base directory.
func legacyNameSafe(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	if strings.ContainsAny(id, "/\\") {
		return false
	}
	if strings.Contains(id, "..") {
		return false
	}
	return true
}

// validNoteKey rejects keys that carry path-traversal characters. Encoding
// would neutralize them anyway, but the contract refuses them outright.
func validNoteKey(key string) bool {
	if key == "" {
		return false
	}
	if strings.ContainsAny(key, "/\\") {
		return false
	}
	if strings.Contains(key, "..") {
		return false
	}
	return true
}
