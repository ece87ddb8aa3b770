// Package pathsafe resolves client-supplied relative paths against a
// library root, purely lexically. It never touches the filesystem: a
// library root's symlinks are trusted, not resolved, and containment is
// decided on the text of the path alone.
package pathsafe

import (
	"path/filepath"
	"strings"

	"github.com/jeffvan302/fileharbor/internal/ferrors"
)

const (
	// MaxDepth bounds the number of path components a client may submit.
	MaxDepth = 100
	// MaxLength bounds the total length of the resolved absolute path.
	MaxLength = 4096
)

// forbiddenComponents blocks directory-traversal and root-relative tricks.
var forbiddenComponents = map[string]bool{
	".":  true,
	"..": true,
	"":   true,
}

// Resolve validates filepath against root and returns the absolute path
// the client may operate on. It never performs filesystem I/O: a symlink
// planted under root that points outside it is not detected here (see
// spec's symlink-hardness note).
func Resolve(clientPath, root string) (string, error) {
	if len(clientPath) == 0 {
		return "", ferrors.New(ferrors.KindInvalidPath, "path cannot be empty")
	}

	root = filepath.Clean(root)

	// Strip any leading slashes so the join below is always relative to
	// root. Unlike slashes, a backslash is never treated as a separator:
	// a component containing one is rejected outright, matching
	// validate_filename's explicit "filename cannot contain path
	// separators" check for '/' and '\' alike.
	normalized := strings.TrimLeft(clientPath, "/")

	parts := strings.Split(normalized, "/")
	if len(parts) > MaxDepth {
		return "", ferrors.New(ferrors.KindInvalidPath, "path depth exceeds maximum")
	}

	for _, part := range parts {
		if forbiddenComponents[part] {
			return "", ferrors.New(ferrors.KindPathTraversal, "path contains a traversal component: "+clientPath)
		}
		if strings.ContainsAny(part, "\x00") {
			return "", ferrors.New(ferrors.KindInvalidPath, "path contains a NUL byte")
		}
		if strings.Contains(part, "\\") {
			return "", ferrors.New(ferrors.KindInvalidPath, "path component contains a backslash: "+part)
		}
	}

	joined := filepath.Join(root, filepath.Join(parts...))
	resolved := filepath.Clean(joined)

	if len(resolved) > MaxLength {
		return "", ferrors.New(ferrors.KindInvalidPath, "resolved path exceeds maximum length")
	}

	if !withinRoot(resolved, root) {
		return "", ferrors.New(ferrors.KindPathTraversal, "path escapes library root: "+clientPath)
	}

	return resolved, nil
}

// withinRoot reports whether resolved is root itself or lexically nested
// under it, using the platform separator as the boundary so that e.g.
// "/srv/lib2" is never considered within "/srv/lib".
func withinRoot(resolved, root string) bool {
	if resolved == root {
		return true
	}
	sep := string(filepath.Separator)
	prefix := root
	if !strings.HasSuffix(prefix, sep) {
		prefix += sep
	}
	return strings.HasPrefix(resolved, prefix)
}
