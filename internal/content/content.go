package content

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// Root is the local content directory, addressed through its parent filesystem so
// that it can be removed and recreated.
type Root struct {
	parent billy.Filesystem
	name   string
}

// NewRoot returns the content root named name inside parent
func NewRoot(parent billy.Filesystem, name string) *Root {
	return &Root{parent: parent, name: name}
}

// OpenDir returns the content root for an absolute directory on the host filesystem.
// All access is bound to the directory's parent.
func OpenDir(dir string) *Root {
	dir = filepath.Clean(dir)
	parent := osfs.New(filepath.Dir(dir), osfs.WithBoundOS())
	return NewRoot(parent, filepath.Base(dir))
}

// Name returns the root's path within its parent filesystem
func (r *Root) Name() string {
	return r.name
}

// Exists reports whether the root directory exists
func (r *Root) Exists() (bool, error) {
	info, err := r.parent.Stat(r.name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat content root: %w", err)
	}
	if !info.IsDir() {
		return false, fmt.Errorf("content root %s is not a directory", r.name)
	}
	return true, nil
}

// Create creates the root directory if it is missing
func (r *Root) Create() error {
	if err := r.parent.MkdirAll(r.name, 0755); err != nil {
		return fmt.Errorf("failed to create content root: %w", err)
	}
	return nil
}

// Reset removes the root with everything in it and recreates it empty
func (r *Root) Reset() error {
	if err := util.RemoveAll(r.parent, r.name); err != nil {
		return fmt.Errorf("failed to remove content root: %w", err)
	}
	return r.Create()
}

// FS returns a filesystem rooted at the content directory
func (r *Root) FS() (billy.Filesystem, error) {
	sub, err := r.parent.Chroot(r.name)
	if err != nil {
		return nil, fmt.Errorf("failed to open content root: %w", err)
	}
	return sub, nil
}
