// Package file contains the filesystem helpers shared by the session store
// and the file store: permission-conscious directory creation and atomic
// file writes.
package file

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// MkdirAll creates a directory and any missing parents with 0700 permissions.
func MkdirAll(dirPath string) error {
	return os.MkdirAll(dirPath, 0700)
}

// DirExists reports whether the path exists and is a directory.
func DirExists(dirPath string) bool {
	info, err := os.Stat(dirPath)
	return err == nil && info.IsDir()
}

// Exists reports whether the path exists at all.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// WriteFile writes data with 0600 permissions, creating parents as needed.
func WriteFile(path string, data []byte) error {
	if err := MkdirAll(filepath.Dir(path)); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// WriteFileAtomic writes data to a temporary file in the destination
// directory and renames it into place, so readers never observe a partial
// file. The temporary file is removed on every failure path.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := MkdirAll(dir); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "write temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "rename into place")
	}
	return nil
}
