package vaultfs

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
)

// Backend is the storage a store keeps its key record, namespace record and
// content chunks in. Every absfs.FileSystem satisfies it. Paths are
// slash separated and rooted at "/". Rename must replace an existing
// file atomically.
type Backend interface {
	OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error)
	MkdirAll(name string, perm os.FileMode) error
	Remove(name string) error
	RemoveAll(path string) error
	Rename(oldpath, newpath string) error
	Stat(name string) (os.FileInfo, error)
}

const (
	keyRecordPath = "/key.meta"
	namespacePath = "/namespace"
	contentDir    = "/content"

	filePerm = 0600
	dirPerm  = 0700
)

// dirBackend stores everything under a host directory
type dirBackend struct {
	root string
}

// NewDirBackend returns a Backend rooted at dir on the host filesystem
func NewDirBackend(dir string) Backend {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return &dirBackend{root: filepath.Clean(dir)}
}

func (b *dirBackend) path(name string) string {
	return filepath.Join(b.root, filepath.FromSlash(path.Clean("/"+name)))
}

func (b *dirBackend) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	return os.OpenFile(b.path(name), flag, perm)
}

func (b *dirBackend) MkdirAll(name string, perm os.FileMode) error {
	return os.MkdirAll(b.path(name), perm)
}

func (b *dirBackend) Remove(name string) error {
	return os.Remove(b.path(name))
}

func (b *dirBackend) RemoveAll(name string) error {
	return os.RemoveAll(b.path(name))
}

func (b *dirBackend) Rename(oldpath, newpath string) error {
	return os.Rename(b.path(oldpath), b.path(newpath))
}

func (b *dirBackend) Stat(name string) (os.FileInfo, error) {
	return os.Stat(b.path(name))
}

// isNotExist reports whether err means the backend object is absent
func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err)
}

// readFile returns the whole content of a backend object
func readFile(b Backend, name string) ([]byte, error) {
	f, err := b.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// writeFileAtomic replaces name with data. The data is written to a
// sibling temporary object, synced, and renamed over the target, so
// readers observe either the old or the new content.
func writeFileAtomic(b Backend, name string, data []byte) error {
	tmp := name + ".tmp-" + uuid.NewString()

	f, err := b.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		b.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		b.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		b.Remove(tmp)
		return err
	}

	// Replaces name atomically; see Backend
	if err := b.Rename(tmp, name); err != nil {
		b.Remove(tmp)
		return err
	}
	return nil
}

// listDir returns the names in a backend directory, without the "." and
// ".." entries some backends report. A missing directory is empty.
func listDir(b Backend, name string) ([]string, error) {
	f, err := b.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	all, err := f.Readdirnames(-1)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	names := all[:0]
	for _, n := range all {
		if n != "." && n != ".." && n != "" {
			names = append(names, n)
		}
	}
	return names, nil
}
