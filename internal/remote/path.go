package remote

import (
	"path"
	"strings"
)

// CleanPath normalizes a store path. The root is returned as "/".
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

// JoinPath joins a parent and a child name into a clean store path.
func JoinPath(parent, name string) string {
	return CleanPath(path.Join(CleanPath(parent), name))
}

// IsRoot reports whether p denotes the store root.
func IsRoot(p string) bool {
	return CleanPath(p) == "/"
}

// InScope reports whether p is a strict descendant of root, or a direct child when
// recursive is false. Comparison is case-insensitive.
func InScope(root, p string, recursive bool) bool {
	root = strings.ToLower(CleanPath(root))
	p = strings.ToLower(CleanPath(p))
	if p == root {
		return false
	}

	prefix := root
	if prefix != "/" {
		prefix += "/"
	}
	rest, ok := strings.CutPrefix(p, prefix)
	if !ok || rest == "" {
		return false
	}
	return recursive || !strings.Contains(rest, "/")
}

// IsAncestorOrSelf reports whether p equals root or lies beneath it, ignoring case.
func IsAncestorOrSelf(root, p string) bool {
	return strings.EqualFold(CleanPath(root), CleanPath(p)) || InScope(root, p, true)
}

// Depth counts the components of p. The root has depth 0.
func Depth(p string) int {
	p = CleanPath(p)
	if p == "/" {
		return 0
	}
	return strings.Count(p, "/")
}
