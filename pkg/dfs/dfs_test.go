package dfs

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"

	"tabletdb/pkg/dberrors"
)

func TestVFS_WriteReadList(t *testing.T) {
	fs := NewMem()

	w, err := fs.Create("tables/t1/default/cs0")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := w.Write([]byte("0123456789")); err != nil {
		t.Fatal(err)
	}
	if err := w.Sync(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	n, err := fs.Length("tables/t1/default/cs0")
	if err != nil || n != 10 {
		t.Fatalf("length = %d, %v", n, err)
	}

	f, err := fs.Open("tables/t1/default/cs0")
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 3)
	if _, err := f.ReadAt(buf, 4); err != nil || string(buf) != "456" {
		t.Fatalf("pread = %q, %v", buf, err)
	}
	_ = f.Close()

	r, err := fs.OpenBuffered("tables/t1/default/cs0", 0, 2, 7)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(r)
	if err != nil || string(got) != "23456" {
		t.Fatalf("buffered = %q, %v", got, err)
	}
	_ = r.Close()

	names, err := fs.List("tables/t1/default")
	if err != nil || len(names) != 1 || names[0] != "cs0" {
		t.Fatalf("list = %v, %v", names, err)
	}
}

func TestVFS_Missing(t *testing.T) {
	fs := NewMem()
	if _, err := fs.Open("nope"); !errors.Is(err, dberrors.ErrNotFound) {
		t.Fatalf("open missing: %v", err)
	}
	if ok, err := fs.Exists("nope"); ok || err != nil {
		t.Fatalf("exists = %v, %v", ok, err)
	}
	if names, err := fs.List("nowhere"); err != nil || len(names) != 0 {
		t.Fatalf("list missing dir = %v, %v", names, err)
	}
	if err := fs.Mkdirs("a/b"); err != nil {
		t.Fatal(err)
	}
	if err := fs.Rmdir("a"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := fs.Exists("a/b"); ok {
		t.Fatal("rmdir left a/b behind")
	}
}
