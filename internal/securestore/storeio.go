package securestore

import (
	"os"
	"path/filepath"
)

// StagedFile is content already synced to a temp file next to its target.
// Commit moves it into place; Discard removes it.
type StagedFile struct {
	path    string
	tmpName string
}

// StageFile writes data to a temp file in the directory of path without
// touching path itself.
func StageFile(path string, data []byte, perm os.FileMode) (*StagedFile, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return nil, err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return nil, err
	}
	return &StagedFile{path: path, tmpName: tmpName}, nil
}

func (f *StagedFile) Commit() error {
	if err := os.Rename(f.tmpName, f.path); err != nil {
		_ = os.Remove(f.tmpName)
		return err
	}
	return syncDir(filepath.Dir(f.path))
}

// Discard is a no-op after a successful Commit.
func (f *StagedFile) Discard() {
	_ = os.Remove(f.tmpName)
}

// WriteFileAtomic replaces path with data via a temp file in the same
// directory, so readers observe either the old or the new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	f, err := StageFile(path, data, perm)
	if err != nil {
		return err
	}
	return f.Commit()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Some filesystems refuse fsync on directories; the rename already happened.
	_ = d.Sync()
	return nil
}
