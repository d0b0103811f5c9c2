// Package dfs is the filesystem collaborator of the range server. Every
// durable byte (cell stores, transfer logs, meta logs) goes through
// Filesystem; the default implementation sits on pebble's vfs so the same
// code runs against local disk and an in-memory filesystem in tests.
package dfs

import (
	"bufio"
	"io"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/cockroachdb/pebble/v2/vfs"

	"tabletdb/pkg/dberrors"
)

// MinReadahead is the smallest buffer OpenBuffered will use.
const MinReadahead = 64 << 10

// Writer is an append-only file.
type Writer interface {
	io.Writer
	Sync() error
	Close() error
}

// File is a file opened for reading. ReadAt is the positional read.
type File interface {
	io.Reader
	io.ReaderAt
	io.Closer
}

type Filesystem interface {
	Create(name string) (Writer, error)
	Open(name string) (File, error)
	// OpenBuffered streams the byte range [start, end) of name through a
	// read-ahead buffer of at least MinReadahead bytes.
	OpenBuffered(name string, bufSize int, start, end int64) (io.ReadCloser, error)
	Length(name string) (int64, error)
	Exists(name string) (bool, error)
	Mkdirs(dir string) error
	Rmdir(dir string) error
	Remove(name string) error
	// List returns the sorted base names in dir.
	List(dir string) ([]string, error)
	Join(elem ...string) string
}

// VFS implements Filesystem over a pebble vfs.FS.
type VFS struct {
	fs   vfs.FS
	root string
}

// NewLocal returns a filesystem rooted at dir on the local disk.
func NewLocal(dir string) (*VFS, error) {
	if err := vfs.Default.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create root %s", dir)
	}
	return &VFS{fs: vfs.Default, root: dir}, nil
}

// NewMem returns an empty in-memory filesystem.
func NewMem() *VFS {
	return &VFS{fs: vfs.NewMem(), root: "/"}
}

func (v *VFS) path(name string) string { return v.fs.PathJoin(v.root, name) }

func (v *VFS) Join(elem ...string) string { return v.fs.PathJoin(elem...) }

func (v *VFS) Create(name string) (Writer, error) {
	if err := v.fs.MkdirAll(v.fs.PathDir(v.path(name)), 0o755); err != nil {
		return nil, errors.Wrapf(err, "mkdirs for %s", name)
	}
	f, err := v.fs.Create(v.path(name), vfs.WriteCategoryUnspecified)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", name)
	}
	return f, nil
}

func (v *VFS) Open(name string) (File, error) {
	f, err := v.fs.Open(v.path(name))
	if err != nil {
		return nil, v.wrap(err, "open", name)
	}
	return f, nil
}

type bufferedReader struct {
	*bufio.Reader
	f vfs.File
}

func (b *bufferedReader) Close() error { return b.f.Close() }

func (v *VFS) OpenBuffered(name string, bufSize int, start, end int64) (io.ReadCloser, error) {
	if start < 0 || end < start {
		return nil, errors.Wrapf(dberrors.ErrInvalidArgument, "buffered range [%d,%d) of %s", start, end, name)
	}
	f, err := v.fs.Open(v.path(name))
	if err != nil {
		return nil, v.wrap(err, "open", name)
	}
	// Prefetch is advisory.
	_ = f.Prefetch(start, end-start)
	return &bufferedReader{
		Reader: bufio.NewReaderSize(io.NewSectionReader(f, start, end-start), max(bufSize, MinReadahead)),
		f:      f,
	}, nil
}

func (v *VFS) Length(name string) (int64, error) {
	st, err := v.fs.Stat(v.path(name))
	if err != nil {
		return 0, v.wrap(err, "stat", name)
	}
	return st.Size(), nil
}

func (v *VFS) Exists(name string) (bool, error) {
	if _, err := v.fs.Stat(v.path(name)); err != nil {
		if oserror.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "stat %s", name)
	}
	return true, nil
}

func (v *VFS) Mkdirs(dir string) error {
	return errors.Wrapf(v.fs.MkdirAll(v.path(dir), 0o755), "mkdirs %s", dir)
}

func (v *VFS) Rmdir(dir string) error {
	return errors.Wrapf(v.fs.RemoveAll(v.path(dir)), "rmdir %s", dir)
}

func (v *VFS) Remove(name string) error {
	if err := v.fs.Remove(v.path(name)); err != nil {
		return v.wrap(err, "remove", name)
	}
	return nil
}

func (v *VFS) List(dir string) ([]string, error) {
	names, err := v.fs.List(v.path(dir))
	if err != nil {
		if oserror.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "list %s", dir)
	}
	sort.Strings(names)
	return names, nil
}

func (v *VFS) wrap(err error, op, name string) error {
	if oserror.IsNotExist(err) {
		return errors.Wrapf(dberrors.ErrNotFound, "%s %s", op, name)
	}
	return errors.Wrapf(err, "%s %s", op, name)
}
