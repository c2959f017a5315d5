package branch

import (
	"errors"
	"testing"
	"time"

	"github.com/deltafs/deltafs/internal/deltaerr"
	"github.com/deltafs/deltafs/internal/deltalog"
	"github.com/deltafs/deltafs/internal/layout"
	"github.com/deltafs/deltafs/internal/storage"
)

func newTestTable(t *testing.T, regionSize uint64) (*Table, storage.Window) {
	t.Helper()
	win := storage.NewMemoryWindow(regionSize)
	return NewTable(win, regionSize, 0, 1), win
}

func TestCreateRootThenFork(t *testing.T) {
	table, _ := newTestTable(t, 1<<20)

	root, err := table.Create("main", 0, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if root.ID != 1 {
		t.Errorf("root.ID = %d, want 1", root.ID)
	}

	b1, err := table.Create("feature-1", root.ID, 4096)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := table.Create("feature-2", root.ID, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if b1.ID == b2.ID {
		t.Fatal("forked branches got the same id")
	}
	if got := table.Get(root.ID).Refcount; got != 3 {
		t.Errorf("root refcount = %d, want 3 (self + two children)", got)
	}
}

func TestBranchWriteIsolatesSiblings(t *testing.T) {
	table, _ := newTestTable(t, 1<<20)
	root, err := table.Create("main", 0, 4096)
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

	now := time.Unix(1700000000, 0)
	rec, err := deltalog.EncodeCreate(deltalog.TypeCreate, 1, 100, 0100644, "a.txt", 0, now)
	if err != nil {
		t.Fatal(err)
	}
	if err := b1.Log.Append(rec); err != nil {
		t.Fatal(err)
	}

	if _, ok := b1.Log.LookupDirent(1, "a.txt"); !ok {
		t.Error("b1 should see its own create")
	}
	if _, ok := b2.Log.LookupDirent(1, "a.txt"); ok {
		t.Error("b2 must not see b1's create")
	}
}

func TestCommitInvalidatesSiblings(t *testing.T) {
	table, _ := newTestTable(t, 1<<20)
	root, err := table.Create("main", 0, 4096)
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

	now := time.Unix(1700000000, 0)
	const dirIno = uint64(1)
	rec, err := deltalog.EncodeCreate(deltalog.TypeCreate, dirIno, 100, 0100644, "x", 0, now)
	if err != nil {
		t.Fatal(err)
	}
	if err := b1.Log.Append(rec); err != nil {
		t.Fatal(err)
	}

	if err := table.Commit(b1.ID); err != nil {
		t.Fatal(err)
	}

	if _, ok := root.Log.LookupDirent(dirIno, "x"); !ok {
		t.Error("parent should see the committed child's create after commit")
	}
	if err := CheckActive(table.Get(b2.ID)); !errors.Is(err, deltaerr.Stale) {
		t.Errorf("sibling b2 CheckActive = %v, want deltaerr.Stale", err)
	}
	if err := CheckActive(table.Get(b1.ID)); !errors.Is(err, deltaerr.Stale) {
		t.Errorf("committed b1 CheckActive = %v, want deltaerr.Stale (terminal, not ACTIVE)", err)
	}
}

func TestAbortDropsIndexAndRefcount(t *testing.T) {
	table, _ := newTestTable(t, 1<<20)
	root, err := table.Create("main", 0, 4096)
	if err != nil {
		t.Fatal(err)
	}
	b1, err := table.Create("b1", root.ID, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if err := table.Abort(b1.ID); err != nil {
		t.Fatal(err)
	}
	if got := table.Get(root.ID).Refcount; got != 1 {
		t.Errorf("root refcount after abort = %d, want 1", got)
	}
	if table.Get(b1.ID).State != layout.BranchAborted {
		t.Errorf("b1 state = %d, want BranchAborted", table.Get(b1.ID).State)
	}
}

func TestMountBumpsAndUnmountDropsRefcount(t *testing.T) {
	table, _ := newTestTable(t, 1<<20)
	root, err := table.Create("main", 0, 4096)
	if err != nil {
		t.Fatal(err)
	}

	id, err := table.Mount(root.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got := table.Get(root.ID).Refcount; got != 2 {
		t.Errorf("refcount after mount = %d, want 2", got)
	}
	if err := table.Unmount(id); err != nil {
		t.Fatal(err)
	}
	if got := table.Get(root.ID).Refcount; got != 1 {
		t.Errorf("refcount after unmount = %d, want 1", got)
	}
	if err := table.Unmount(id); !errors.Is(err, deltaerr.NotExist) {
		t.Errorf("double unmount = %v, want deltaerr.NotExist", err)
	}
}

func TestMountStaleBranchFails(t *testing.T) {
	table, _ := newTestTable(t, 1<<20)
	root, err := table.Create("main", 0, 4096)
	if err != nil {
		t.Fatal(err)
	}
	b1, err := table.Create("b1", root.ID, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := table.Create("b2", root.ID, 4096); err != nil {
		t.Fatal(err)
	}
	if err := table.Commit(b1.ID); err != nil {
		t.Fatal(err)
	}

	b2 := table.FindByName("b2")
	if _, err := table.Mount(b2.ID); !errors.Is(err, deltaerr.Stale) {
		t.Errorf("mounting an invalidated sibling = %v, want deltaerr.Stale", err)
	}
}

func TestAllocInodeIsMonotonicAndGlobal(t *testing.T) {
	table, _ := newTestTable(t, 1<<20)
	root, err := table.Create("main", 0, 4096)
	if err != nil {
		t.Fatal(err)
	}
	b1, err := table.Create("b1", root.ID, 4096)
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[uint64]bool)
	for i := 0; i < 5; i++ {
		ino := table.AllocInode()
		if seen[ino] {
			t.Fatalf("AllocInode returned duplicate id %d", ino)
		}
		seen[ino] = true
	}

	// Both branches draw from the same counter: forking doesn't reset it.
	a := table.AllocInode()
	_ = b1
	b := table.AllocInode()
	if b != a+1 {
		t.Errorf("AllocInode not monotonic across branches: %d then %d", a, b)
	}
	if table.NextInode() != b+1 {
		t.Errorf("NextInode() = %d, want %d", table.NextInode(), b+1)
	}
}

func TestRecordsRoundTripThroughLoadTable(t *testing.T) {
	table, win := newTestTable(t, 1<<20)
	root, err := table.Create("main", 0, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := table.Create("b1", root.ID, 4096); err != nil {
		t.Fatal(err)
	}

	records, err := table.Records()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}

	reloaded, err := LoadTable(win, 1<<20, table.RegionOffset(), records, table.NextInode())
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Get(root.ID) == nil {
		t.Fatal("reloaded table missing root branch")
	}
	if reloaded.Get(root.ID).Name != "main" {
		t.Errorf("reloaded root name = %q, want %q", reloaded.Get(root.ID).Name, "main")
	}
}
