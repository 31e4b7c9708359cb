// Package workspace gives the orchestration core read access to the files of
// a mission workspace.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned for paths that resolve outside the workspace.
var ErrOutsideRoot = errors.New("path escapes workspace root")

// Files is the file collaborator used by gates and probes.
type Files interface {
	Exists(path string) bool
	ReadText(path string) (string, error)
}

// Dir is a Files rooted at a directory on the local disk. Relative paths are
// resolved against Root; absolute paths must lie under it.
type Dir struct {
	Root string
}

// New returns a Dir for root, made absolute.
func New(root string) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolve %s: %w", root, err)
	}
	return &Dir{Root: abs}, nil
}

// Resolve returns the absolute location of path inside the workspace. Symlinks
// along the existing part of the path are followed, so a link that points out
// of the root is rejected as well.
func (d *Dir) Resolve(path string) (string, error) {
	var p string
	if filepath.IsAbs(path) {
		p = filepath.Clean(path)
	} else {
		p = filepath.Join(d.Root, path)
	}
	if !within(d.Root, p) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	root, err := realPath(d.Root, 0)
	if err != nil {
		return "", fmt.Errorf("workspace: %w", err)
	}
	resolved, err := realPath(p, 0)
	if err != nil {
		return "", fmt.Errorf("workspace: %s: %w", path, err)
	}
	if !within(root, resolved) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return p, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

const maxLinkHops = 40

var errLinkLoop = errors.New("too many levels of symbolic links")

// realPath evaluates symlinks in the longest existing prefix of p and appends
// the missing remainder. Dangling links are followed to their target.
func realPath(p string, hops int) (string, error) {
	if hops > maxLinkHops {
		return "", errLinkLoop
	}
	rest := ""
	cur := p
	for {
		if r, err := filepath.EvalSymlinks(cur); err == nil {
			return filepath.Join(r, rest), nil
		}
		if fi, err := os.Lstat(cur); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(cur)
			if err != nil {
				return "", err
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(cur), target)
			}
			r, err := realPath(target, hops+1)
			if err != nil {
				return "", err
			}
			return filepath.Join(r, rest), nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

// Exists reports whether path exists inside the workspace.
func (d *Dir) Exists(path string) bool {
	p, err := d.Resolve(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// ReadText reads a workspace file as text.
func (d *Dir) ReadText(path string) (string, error) {
	p, err := d.Resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Memory is an in-memory Files keyed by slash path.
type Memory map[string]string

func (m Memory) Exists(path string) bool {
	_, ok := m[filepath.ToSlash(filepath.Clean(path))]
	return ok
}

func (m Memory) ReadText(path string) (string, error) {
	s, ok := m[filepath.ToSlash(filepath.Clean(path))]
	if !ok {
		return "", fmt.Errorf("%s: %w", path, os.ErrNotExist)
	}
	return s, nil
}
