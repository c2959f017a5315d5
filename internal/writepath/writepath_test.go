package writepath

import (
	"errors"
	"testing"
	"time"

	"github.com/deltafs/deltafs/internal/branch"
	"github.com/deltafs/deltafs/internal/deltaerr"
	"github.com/deltafs/deltafs/internal/deltalog"
	"github.com/deltafs/deltafs/internal/resolver"
	"github.com/deltafs/deltafs/internal/storage"
)

func newTable(t *testing.T) (*branch.Table, *branch.Branch) {
	t.Helper()
	win := storage.NewMemoryWindow(1 << 20)
	table := branch.NewTable(win, 1<<20, 0, 100)
	root, err := table.Create("main", 0, 4096)
	if err != nil {
		t.Fatal(err)
	}
	return table, root
}

var now = time.Unix(1700000000, 0)

func TestCreateThenWriteThenRead(t *testing.T) {
	table, root := newTable(t)

	chain := resolver.Chain(table, root)
	ino, err := Create(table, chain, nil, root, 1, "a.txt", 0100644, now)
	if err != nil {
		t.Fatal(err)
	}

	if err := Write(root, ino, 0, []byte("hello"), 0, now); err != nil {
		t.Fatal(err)
	}

	chain = resolver.Chain(table, root)
	d, err := resolver.ResolveDirent(chain, nil, 1, "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !d.Exists || d.Ino != ino {
		t.Fatalf("got %+v", d)
	}
	data, avail, err := resolver.ResolveData(chain, nil, ino, 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	if avail != 5 || string(data) != "hello" {
		t.Errorf("got %q (avail=%d)", data, avail)
	}
}

func TestCreateDuplicateNameFailsExist(t *testing.T) {
	table, root := newTable(t)
	chain := resolver.Chain(table, root)

	if _, err := Create(table, chain, nil, root, 1, "a.txt", 0100644, now); err != nil {
		t.Fatal(err)
	}
	chain = resolver.Chain(table, root)
	if _, err := Create(table, chain, nil, root, 1, "a.txt", 0100644, now); !errors.Is(err, deltaerr.Exist) {
		t.Errorf("got %v, want deltaerr.Exist", err)
	}
}

func TestUnlinkRejectsDirectory(t *testing.T) {
	table, root := newTable(t)
	chain := resolver.Chain(table, root)
	_, err := Mkdir(table, chain, nil, root, 1, "sub", 040755, now)
	if err != nil {
		t.Fatal(err)
	}

	chain = resolver.Chain(table, root)
	if err := Unlink(chain, nil, root, 1, "sub", now); !errors.Is(err, deltaerr.Invalid) {
		t.Errorf("Unlink on a directory = %v, want deltaerr.Invalid", err)
	}
	if err := Rmdir(chain, nil, root, 1, "sub", now); err != nil {
		t.Errorf("Rmdir on an empty directory = %v, want nil", err)
	}
}

func TestRmdirRejectsNonEmpty(t *testing.T) {
	table, root := newTable(t)
	chain := resolver.Chain(table, root)
	_, err := Mkdir(table, chain, nil, root, 1, "sub", 040755, now)
	if err != nil {
		t.Fatal(err)
	}
	chain = resolver.Chain(table, root)
	subInfo, err := resolver.ResolveDirent(chain, nil, 1, "sub")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Create(table, chain, nil, root, subInfo.Ino, "f", 0100644, now); err != nil {
		t.Fatal(err)
	}

	chain = resolver.Chain(table, root)
	if err := Rmdir(chain, nil, root, 1, "sub", now); !errors.Is(err, deltaerr.NotEmpty) {
		t.Errorf("Rmdir on a non-empty directory = %v, want deltaerr.NotEmpty", err)
	}
}

func TestRenameNoReplaceConflictsOnExistingTarget(t *testing.T) {
	table, root := newTable(t)
	chain := resolver.Chain(table, root)
	if _, err := Create(table, chain, nil, root, 1, "a.txt", 0100644, now); err != nil {
		t.Fatal(err)
	}
	chain = resolver.Chain(table, root)
	if _, err := Create(table, chain, nil, root, 1, "b.txt", 0100644, now); err != nil {
		t.Fatal(err)
	}

	chain = resolver.Chain(table, root)
	if err := Rename(chain, nil, root, 1, "a.txt", 1, "b.txt", deltalog.RenameNoReplace, now); !errors.Is(err, deltaerr.Exist) {
		t.Errorf("Rename NOREPLACE over existing target = %v, want deltaerr.Exist", err)
	}
}

func TestRenameExistingTargetWithoutNoReplaceIsInvalid(t *testing.T) {
	table, root := newTable(t)
	chain := resolver.Chain(table, root)
	if _, err := Create(table, chain, nil, root, 1, "a.txt", 0100644, now); err != nil {
		t.Fatal(err)
	}
	chain = resolver.Chain(table, root)
	if _, err := Create(table, chain, nil, root, 1, "b.txt", 0100644, now); err != nil {
		t.Fatal(err)
	}

	chain = resolver.Chain(table, root)
	if err := Rename(chain, nil, root, 1, "a.txt", 1, "b.txt", 0, now); !errors.Is(err, deltaerr.Invalid) {
		t.Errorf("Rename over existing target without NOREPLACE = %v, want deltaerr.Invalid", err)
	}
}

func TestRenameUnknownFlagIsInvalid(t *testing.T) {
	table, root := newTable(t)
	chain := resolver.Chain(table, root)
	if _, err := Create(table, chain, nil, root, 1, "a.txt", 0100644, now); err != nil {
		t.Fatal(err)
	}
	chain = resolver.Chain(table, root)
	if err := Rename(chain, nil, root, 1, "a.txt", 1, "b.txt", 0xff, now); !errors.Is(err, deltaerr.Invalid) {
		t.Errorf("Rename with unknown flag bits = %v, want deltaerr.Invalid", err)
	}
}

func TestWriteOnStaleBranchFails(t *testing.T) {
	table, root := newTable(t)
	chain := resolver.Chain(table, root)
	ino, err := Create(table, chain, nil, root, 1, "a.txt", 0100644, now)
	if err != nil {
		t.Fatal(err)
	}

	b1, err := table.Create("b1", root.ID, 4096)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := table.Create("b2", root.ID, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if err := Write(b1, ino, 0, []byte("x"), 0, now); err != nil {
		t.Fatal(err)
	}
	if err := table.Commit(b1.ID); err != nil {
		t.Fatal(err)
	}

	if err := Write(table.Get(b2.ID), ino, 0, []byte("y"), 0, now); !errors.Is(err, deltaerr.Stale) {
		t.Errorf("Write on a branch invalidated by its sibling's commit = %v, want deltaerr.Stale", err)
	}
}

func TestTruncateUpdatesSize(t *testing.T) {
	table, root := newTable(t)
	chain := resolver.Chain(table, root)
	ino, err := Create(table, chain, nil, root, 1, "a.txt", 0100644, now)
	if err != nil {
		t.Fatal(err)
	}
	if err := Write(root, ino, 0, []byte("hello world"), 0, now); err != nil {
		t.Fatal(err)
	}
	if err := Truncate(root, ino, 5, now); err != nil {
		t.Fatal(err)
	}

	chain = resolver.Chain(table, root)
	info, err := resolver.ResolveInode(chain, nil, ino)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != 5 {
		t.Errorf("size after truncate = %d, want 5", info.Size)
	}
}

func TestSetattrUpdatesMode(t *testing.T) {
	table, root := newTable(t)
	chain := resolver.Chain(table, root)
	ino, err := Create(table, chain, nil, root, 1, "a.txt", 0100644, now)
	if err != nil {
		t.Fatal(err)
	}
	if err := Setattr(root, ino, deltalog.SetattrMode, 0100600, 0, 0, 0, now); err != nil {
		t.Fatal(err)
	}

	chain = resolver.Chain(table, root)
	info, err := resolver.ResolveInode(chain, nil, ino)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode != 0100600 {
		t.Errorf("mode after setattr = %o, want %o", info.Mode, 0100600)
	}
}
