package flatfile

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// Swappable for tests that simulate a crash between write and rename.
var (
	renameFile = os.Rename
	syncFile   = func(f *os.File) error { return f.Sync() }
	syncDir    = fsyncDir
)

// ReadOptional reads path; a missing file yields (nil, nil).
func ReadOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}
	return data, nil
}

// File is one target of a multi-file commit.
type File struct {
	Path string
	Data []byte
}

// WriteAtomic replaces path with data.
//
// Flow:
//  1. write the full content to path + ".tmp" and fsync it
//  2. os.Rename over the original
//  3. fsync the parent directory so the rename survives a power loss
//
// A failure before the rename removes the temp file and leaves the original
// untouched, so readers only ever observe the old or the new content.
func WriteAtomic(path string, data []byte) error {
	return WriteAtomicSet(File{Path: path, Data: data})
}

// WriteAtomicSet replaces several files as one commit.
//
// Phase 1 writes and fsyncs every temp file. If any of them fails, all temps
// are removed and no target is touched. Phase 2 renames the temps in order;
// a failed rename restores the targets already replaced from their previous
// content. The parent directories are fsynced last.
func WriteAtomicSet(files ...File) error {
	staged := make([]stagedFile, 0, len(files))
	discard := func() {
		for _, sf := range staged {
			_ = os.Remove(sf.tmp)
		}
	}

	for _, f := range files {
		sf, err := stage(f)
		if err != nil {
			discard()
			return err
		}
		staged = append(staged, sf)
	}

	for i, sf := range staged {
		if err := renameFile(sf.tmp, sf.path); err != nil {
			for _, rest := range staged[i:] {
				_ = os.Remove(rest.tmp)
			}
			rollback(staged[:i])
			return &IOError{Op: "rename", Path: sf.path, Err: err}
		}
	}

	synced := make(map[string]bool)
	for _, sf := range staged {
		dir := filepath.Dir(sf.path)
		if synced[dir] {
			continue
		}
		synced[dir] = true
		if err := syncDir(dir); err != nil {
			return &IOError{Op: "sync", Path: dir, Err: err}
		}
	}
	return nil
}

// stagedFile is a fully written temp file plus what it replaces.
type stagedFile struct {
	path    string
	tmp     string
	prev    []byte
	existed bool
}

func stage(f File) (stagedFile, error) {
	sf := stagedFile{path: f.Path, tmp: f.Path + ".tmp"}

	perm := fs.FileMode(0o644)
	if st, err := os.Stat(f.Path); err == nil {
		perm = st.Mode().Perm()
		prev, err := os.ReadFile(f.Path)
		if err != nil {
			return sf, &IOError{Op: "read", Path: f.Path, Err: err}
		}
		sf.prev, sf.existed = prev, true
	}

	out, err := os.OpenFile(sf.tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return sf, &IOError{Op: "create", Path: sf.tmp, Err: err}
	}
	if _, err := out.Write(f.Data); err != nil {
		_ = out.Close()
		_ = os.Remove(sf.tmp)
		return sf, &IOError{Op: "write", Path: sf.tmp, Err: err}
	}
	if err := syncFile(out); err != nil {
		_ = out.Close()
		_ = os.Remove(sf.tmp)
		return sf, &IOError{Op: "sync", Path: sf.tmp, Err: err}
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(sf.tmp)
		return sf, &IOError{Op: "close", Path: sf.tmp, Err: err}
	}
	return sf, nil
}

// rollback puts back the previous content of already replaced targets.
// Best effort: the rename that failed is the error reported.
func rollback(done []stagedFile) {
	for _, sf := range done {
		if !sf.existed {
			_ = os.Remove(sf.path)
			continue
		}
		if prev, err := stage(File{Path: sf.path, Data: sf.prev}); err == nil {
			if err := renameFile(prev.tmp, sf.path); err != nil {
				_ = os.Remove(prev.tmp)
			}
		}
	}
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
