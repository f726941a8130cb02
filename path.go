package ipofs

import (
	"path"
	"strings"
)

// NormalizePath collapses ".", "..", repeated slashes, and trailing
// slashes. The stdlib path package is purely slash-based, so behavior is
// identical on every host platform.
func NormalizePath(p string) string {
	return path.Clean(p)
}

// splitComponents breaks a normalized path into its nonempty name
// components.
func splitComponents(p string) []string {
	parts := make([]string, 0, 8)
	for _, part := range strings.Split(p, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

// ResolvePath walks an absolute path from the root inode and returns the
// inode it names. Paths must be absolute; "/" resolves to the root.
func (fs *FileSystem) ResolvePath(p string) (Inumber, error) {
	p = NormalizePath(p)
	if p == "/" {
		return RootInumber, nil
	}
	if !strings.HasPrefix(p, "/") {
		return 0, ErrInvalidPath.WithMessage(p + " is not absolute")
	}

	current := RootInumber
	for _, name := range splitComponents(p) {
		ino, err := fs.ReadInode(current)
		if err != nil {
			return 0, err
		}
		if !ino.IsDir() {
			return 0, ErrNotADirectory.WithMessage(name)
		}

		entry, found, err := fs.FindEntry(current, name)
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, ErrNotFound.WithMessage(p)
		}
		current = entry.Inumber
	}
	return current, nil
}

// splitParent resolves the directory containing the object a path names
// and returns that directory's inode along with the final component. The
// root has no parent and is rejected.
func (fs *FileSystem) splitParent(p string) (Inumber, string, error) {
	p = NormalizePath(p)
	if p == "/" {
		return 0, "", ErrInvalidPath.WithMessage("the root has no parent")
	}

	parts := splitComponents(p)
	if len(parts) == 0 {
		return 0, "", ErrInvalidPath.WithMessage(p)
	}

	name := parts[len(parts)-1]
	if len(name) > MaxNameLength {
		return 0, "", ErrNameTooLong.WithMessage(name)
	}

	parentPath := "/"
	if len(parts) > 1 {
		parentPath = "/" + strings.Join(parts[:len(parts)-1], "/")
	}

	parent, err := fs.ResolvePath(parentPath)
	if err != nil {
		return 0, "", err
	}
	return parent, name, nil
}
