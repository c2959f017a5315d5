package vfs

import (
	"context"
	"os"
	"syscall"
	"testing"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"

	"github.com/deltafs/deltafs/internal/branch"
	"github.com/deltafs/deltafs/internal/storage"
)

func newTestFS(t *testing.T) (*FS, *branch.Table) {
	t.Helper()
	win := storage.NewMemoryWindow(1 << 20)
	table := branch.NewTable(win, 1<<20, 0, 2)
	root, err := table.Create("main", 0, 1<<16)
	if err != nil {
		t.Fatal(err)
	}
	return New(table, nil, root, 1000, 1000), table
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	fs, _ := newTestFS(t)
	ctx := context.Background()

	create := &fuseops.CreateFileOp{Parent: 1, Name: "a.txt", Mode: 0644}
	if err := fs.CreateFile(ctx, create); err != nil {
		t.Fatal(err)
	}
	if create.Entry.Child == 0 {
		t.Fatal("CreateFile returned inode 0")
	}

	write := &fuseops.WriteFileOp{Inode: create.Entry.Child, Data: []byte("hello")}
	if err := fs.WriteFile(ctx, write); err != nil {
		t.Fatal(err)
	}

	read := &fuseops.ReadFileOp{Inode: create.Entry.Child, Dst: make([]byte, 16)}
	if err := fs.ReadFile(ctx, read); err != nil {
		t.Fatal(err)
	}
	if got := string(read.Dst[:read.BytesRead]); got != "hello" {
		t.Errorf("read back %q, want %q", got, "hello")
	}

	lookup := &fuseops.LookUpInodeOp{Parent: 1, Name: "a.txt"}
	if err := fs.LookUpInode(ctx, lookup); err != nil {
		t.Fatal(err)
	}
	if lookup.Entry.Child != create.Entry.Child {
		t.Errorf("lookup resolved ino %d, create returned %d", lookup.Entry.Child, create.Entry.Child)
	}
}

func TestCreateDuplicateFailsEEXIST(t *testing.T) {
	fs, _ := newTestFS(t)
	ctx := context.Background()

	if err := fs.CreateFile(ctx, &fuseops.CreateFileOp{Parent: 1, Name: "a.txt", Mode: 0644}); err != nil {
		t.Fatal(err)
	}
	if err := fs.CreateFile(ctx, &fuseops.CreateFileOp{Parent: 1, Name: "a.txt", Mode: 0644}); err != fuse.EEXIST {
		t.Errorf("duplicate CreateFile = %v, want fuse.EEXIST", err)
	}
}

func TestLookupMissingIsENOENT(t *testing.T) {
	fs, _ := newTestFS(t)
	if err := fs.LookUpInode(context.Background(), &fuseops.LookUpInodeOp{Parent: 1, Name: "nope"}); err != fuse.ENOENT {
		t.Errorf("lookup miss = %v, want fuse.ENOENT", err)
	}
}

func TestMkDirThenUnlinkRejectsThenRmDir(t *testing.T) {
	fs, _ := newTestFS(t)
	ctx := context.Background()

	mkdir := &fuseops.MkDirOp{Parent: 1, Name: "sub", Mode: os.ModeDir | 0755}
	if err := fs.MkDir(ctx, mkdir); err != nil {
		t.Fatal(err)
	}

	if err := fs.Unlink(ctx, &fuseops.UnlinkOp{Parent: 1, Name: "sub"}); err != fuse.EINVAL {
		t.Errorf("Unlink on a directory = %v, want fuse.EINVAL", err)
	}
	if err := fs.RmDir(ctx, &fuseops.RmDirOp{Parent: 1, Name: "sub"}); err != nil {
		t.Errorf("RmDir on an empty directory = %v, want nil", err)
	}
	if err := fs.LookUpInode(ctx, &fuseops.LookUpInodeOp{Parent: 1, Name: "sub"}); err != fuse.ENOENT {
		t.Errorf("lookup after rmdir = %v, want fuse.ENOENT", err)
	}
}

func TestReadDirListsCreatedEntries(t *testing.T) {
	fs, _ := newTestFS(t)
	ctx := context.Background()

	if err := fs.CreateFile(ctx, &fuseops.CreateFileOp{Parent: 1, Name: "a.txt", Mode: 0644}); err != nil {
		t.Fatal(err)
	}

	read := &fuseops.ReadDirOp{Inode: 1, Dst: make([]byte, 4096)}
	if err := fs.ReadDir(ctx, read); err != nil {
		t.Fatal(err)
	}
	if read.BytesRead == 0 {
		t.Error("ReadDir produced no entries")
	}
}

func TestReadOnlyMountRejectsMutations(t *testing.T) {
	win := storage.NewMemoryWindow(1 << 20)
	table := branch.NewTable(win, 1<<20, 0, 2)
	if _, err := table.Create("main", 0, 1<<16); err != nil {
		t.Fatal(err)
	}
	fs := New(table, nil, nil, 1000, 1000)
	ctx := context.Background()

	if err := fs.CreateFile(ctx, &fuseops.CreateFileOp{Parent: 1, Name: "a.txt", Mode: 0644}); err != syscall.EROFS {
		t.Errorf("CreateFile on a read-only mount = %v, want EROFS", err)
	}
	if err := fs.WriteFile(ctx, &fuseops.WriteFileOp{Inode: 1, Data: []byte("x")}); err != syscall.EROFS {
		t.Errorf("WriteFile on a read-only mount = %v, want EROFS", err)
	}
}

func TestStaleBranchSurfacesESTALE(t *testing.T) {
	_, table := newTestFS(t)
	ctx := context.Background()

	b1, err := table.Create("b1", 1, 1<<12)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := table.Create("b2", 1, 1<<12)
	if err != nil {
		t.Fatal(err)
	}
	staleFS := New(table, nil, b2, 1000, 1000)
	if err := table.Commit(b1.ID); err != nil {
		t.Fatal(err)
	}

	if err := staleFS.CreateFile(ctx, &fuseops.CreateFileOp{Parent: 1, Name: "x", Mode: 0644}); err != syscall.ESTALE {
		t.Errorf("CreateFile on an invalidated branch = %v, want ESTALE", err)
	}
}
