// Package atomicfile writes depmod's index files so that a reader never
// observes a half-written file: content lands in a "name.temp" sibling and
// is renamed into place only after a successful close.
package atomicfile

import (
	"os"
	"path/filepath"
)

// WriteFile writes data to a "<path>.temp" sibling of path and renames it
// onto path, so that any concurrent reader of path either sees the old
// contents or the complete new ones.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".temp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
