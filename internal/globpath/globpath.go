// Package globpath compiles a file path that may contain shell-style
// glob patterns (including the doublestar "**" super asterisk) and
// expands it against the filesystem.
package globpath

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v3"
)

// GlobPath wraps one configured path, which may be a literal file
// path or a glob pattern.
type GlobPath struct {
	path    string
	hasMeta bool
}

// Compile parses path. It never returns an error itself (doublestar's
// pattern syntax accepts any string); the two-value signature is kept
// so call sites don't change if validation is added later.
func Compile(path string) (*GlobPath, error) {
	return &GlobPath{
		path:    filepath.ToSlash(path),
		hasMeta: hasMeta(path),
	}, nil
}

// hasMeta reports whether path contains any glob metacharacters.
func hasMeta(path string) bool {
	return strings.ContainsAny(path, "*?[{")
}

// IsLiteral reports whether the compiled path contains no glob
// metacharacters, i.e. it names exactly one file.
func (g *GlobPath) IsLiteral() bool {
	return !g.hasMeta
}

// Match expands the compiled path against the filesystem. For a
// literal path this is either a single-element slice (if the file
// exists) or empty. For a glob it is every currently-matching file,
// in the order doublestar returns them.
func (g *GlobPath) Match() []string {
	if !g.hasMeta {
		if _, err := os.Stat(g.path); err != nil {
			return nil
		}
		return []string{g.path}
	}

	matches, err := doublestar.Glob(g.path)
	if err != nil {
		return nil
	}
	return matches
}

// String returns the original, uncompiled path.
func (g *GlobPath) String() string {
	return g.path
}
