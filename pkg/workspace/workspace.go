package workspace

import (
	"path/filepath"
	"strings"

	"github.com/cuemby/burrow/pkg/protocol"
)

// Guard resolves user-supplied paths against a fixed workspace root and
// rejects anything that would land outside it. Resolution is pure string
// work; the guard never touches the filesystem.
type Guard struct {
	root string
}

// NewGuard creates a guard for the given absolute workspace root.
func NewGuard(root string) *Guard {
	return &Guard{root: filepath.Clean(root)}
}

// Root returns the workspace root the guard enforces.
func (g *Guard) Root() string {
	return g.root
}

// Resolve validates a user path and returns its absolute form under the
// workspace root. Relative paths are joined against the root; absolute
// paths are accepted only when they already sit under it.
func (g *Guard) Resolve(userPath string) (string, error) {
	if userPath == "" {
		return "", protocol.NewError(protocol.CodeInvalidPath, "path is empty")
	}
	if strings.ContainsRune(userPath, '\x00') {
		return "", protocol.NewError(protocol.CodeInvalidPath, "path contains NUL byte").
			WithContext("path", strings.ReplaceAll(userPath, "\x00", `\0`))
	}

	var abs string
	if filepath.IsAbs(userPath) {
		abs = filepath.Clean(userPath)
	} else {
		abs = filepath.Clean(filepath.Join(g.root, userPath))
	}

	if !g.contains(abs) {
		return "", protocol.NewError(protocol.CodeInvalidPath,
			"path escapes workspace root").WithContext("path", userPath)
	}
	return abs, nil
}

// ResolveFrom validates a path relative to a directory inside the
// workspace (session cwd semantics). Absolute paths ignore base.
func (g *Guard) ResolveFrom(base, userPath string) (string, error) {
	if userPath == "" {
		return "", protocol.NewError(protocol.CodeInvalidPath, "path is empty")
	}
	if filepath.IsAbs(userPath) {
		return g.Resolve(userPath)
	}
	abs := filepath.Clean(filepath.Join(base, userPath))
	if !g.contains(abs) {
		return "", protocol.NewError(protocol.CodeInvalidPath,
			"path escapes workspace root").WithContext("path", userPath)
	}
	return abs, nil
}

// Relative returns the workspace-relative form of an absolute path that
// has already passed Resolve. Used when reporting entry paths back out.
func (g *Guard) Relative(abs string) string {
	rel, err := filepath.Rel(g.root, abs)
	if err != nil {
		return abs
	}
	return rel
}

func (g *Guard) contains(abs string) bool {
	if abs == g.root {
		return true
	}
	sep := string(filepath.Separator)
	prefix := g.root
	if !strings.HasSuffix(prefix, sep) {
		prefix += sep
	}
	return strings.HasPrefix(abs, prefix)
}
