// Package branch implements the branch table and branch manager:
// fork/commit/abort of per-branch delta logs, refcounting, and sibling
// invalidation. Ancestry checks build a gonum directed graph over the
// parent_id relation; cycle detection guards against a corrupt branch
// table ever producing an unbounded chain walk in internal/resolver.
package branch

import (
	"sync"

	"github.com/deltafs/deltafs/internal/alloc"
	"github.com/deltafs/deltafs/internal/deltaerr"
	"github.com/deltafs/deltafs/internal/deltalog"
	"github.com/deltafs/deltafs/internal/layout"
	"github.com/deltafs/deltafs/internal/storage"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Handle identifies a branch for the lifetime of a Table. It is the
// branch_id from the on-storage branch record.
type Handle uint32

// Branch is a live, in-memory view of one branch table slot: the
// persisted fields plus the deltalog.Log built over its sub-range.
type Branch struct {
	ID       Handle
	ParentID Handle
	Name     string
	State    uint32
	Refcount uint32

	// LogOffset is this branch's delta_log_offset: the offset, relative to
	// the start of the delta region the Table was built over, where its
	// sub-range begins.
	LogOffset uint64

	// Stale is set by Commit's sibling-invalidation step. It is sticky:
	// once true, every subsequent operation on a mount bound to this
	// branch returns deltaerr.Stale; an invalidated branch never
	// re-activates.
	Stale bool

	Log *deltalog.Log
}

// Table is the branch manager: the full set of live branches plus the
// region allocator they reserve sub-ranges from. A single mutex guards
// table-level state transitions (create/commit/abort); each Branch's own
// Log has its own finer-grained lock for index/append traffic.
type Table struct {
	mu sync.Mutex

	region *alloc.Region
	win    storage.Window

	byID map[Handle]*Branch
	next Handle

	mounts    map[uint64]Handle
	nextMount uint64

	nextInode uint64
}

// NewTable creates an empty branch manager (a fresh image with only the
// root branch) over win, a view of the delta region itself, reserving
// branch sub-ranges from [0, regionSize) of it with the bump already at
// regionAllocOffset. firstInode seeds the
// global next_inode_id counter: pass base_inode_count+1 for a fresh
// image with an attached base image, or 2 for a bare one (inode 1 is
// the root directory either way).
func NewTable(win storage.Window, regionSize, regionAllocOffset uint64, firstInode uint64) *Table {
	return &Table{
		region:    alloc.NewRegion(regionSize, regionAllocOffset),
		win:       win,
		byID:      make(map[Handle]*Branch),
		next:      1,
		mounts:    make(map[uint64]Handle),
		nextMount: 1,
		nextInode: firstInode,
	}
}

// Mount binds a new mount to branch h, bumping its refcount (mounts count
// toward a branch's refcount alongside children) and returning a mount id
// to later pass to Unmount. Mounting a stale or terminal branch fails.
func (t *Table) Mount(h Handle) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.byID[h]
	if !ok {
		return 0, deltaerr.NotExist
	}
	if b.Stale || b.State != layout.BranchActive {
		return 0, deltaerr.Stale
	}
	id := t.nextMount
	t.nextMount++
	t.mounts[id] = h
	b.Refcount++
	return id, nil
}

// Unmount releases the mount identified by mountID, dropping the bound
// branch's refcount. The branch itself is untouched: a stale branch stays
// stale, an active one stays active.
func (t *Table) Unmount(mountID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.mounts[mountID]
	if !ok {
		return deltaerr.NotExist
	}
	delete(t.mounts, mountID)
	if b, ok := t.byID[h]; ok {
		b.Refcount--
	}
	return nil
}

// RegionOffset reports the region allocator's current bump, for
// persisting back into the superblock as delta_alloc_offset.
func (t *Table) RegionOffset() uint64 { return t.region.Offset() }

// AllocInode issues the next globally-unique inode id, regardless of
// which branch is creating the object. Global uniqueness is stronger
// than the per-branch uniqueness the format requires, and sidesteps ever
// needing to reconcile two branches that independently picked the same
// local id.
func (t *Table) AllocInode() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextInode++
	return t.nextInode - 1
}

// NextInode reports the next id AllocInode will hand out, for persisting
// back into the superblock as next_inode_id.
func (t *Table) NextInode() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextInode
}

// Root returns the main/root branch (branch_id 1, parent_id 0), or nil if
// the table hasn't been seeded with one yet — callers creating a fresh
// image do so with Create("main", 0, capacity), which is guaranteed to
// allocate branch_id 1 since it is always the table's first entry.
func (t *Table) Root() *Branch {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.byID[1]; ok {
		return b
	}
	return nil
}

// Get returns the branch identified by h, or nil if it doesn't exist.
func (t *Table) Get(h Handle) *Branch {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byID[h]
}

// FindByName returns the branch named name, or nil if none matches.
// Branch names are not required to be unique by the on-storage layout;
// ties resolve to whichever branch the table iterates first, acceptable
// since the consumers are human-facing by-name lookups (the mount verb's
// -branch flag and the control plane's parent name on CreateBranch), not
// the resolution path itself.
func (t *Table) FindByName(name string) *Branch {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.byID {
		if b.Name == name {
			return b
		}
	}
	return nil
}

// Create forks a new branch named name as a child of parent. The child
// starts ACTIVE with capacity bytes reserved from the delta region and
// an empty log.
func (t *Table) Create(name string, parent Handle, capacity uint64) (*Branch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if parent != 0 {
		p, ok := t.byID[parent]
		if !ok {
			return nil, deltaerr.NotExist
		}
		if p.Stale || p.State != layout.BranchActive {
			return nil, deltaerr.Stale
		}
	}

	logOffset, err := t.region.Reserve(capacity)
	if err != nil {
		return nil, err
	}

	if err := t.checkAcyclicLocked(t.next, parent); err != nil {
		return nil, err
	}

	id := t.next
	t.next++

	b := &Branch{
		ID:        id,
		ParentID:  parent,
		Name:      name,
		State:     layout.BranchActive,
		Refcount:  1,
		LogOffset: logOffset,
		Log:       deltalog.New(t.win, logOffset, 0, capacity),
	}
	t.byID[id] = b

	if p, ok := t.byID[parent]; ok {
		p.Refcount++
	}
	return b, nil
}

// checkAcyclicLocked verifies that adding an edge child->parent to the
// parent_id relation does not introduce a cycle. The branch table is
// small (at most 256 entries) so rebuilding the graph on every fork is
// cheap; this guards against a corrupt table ever sending
// internal/resolver's leaf-to-root walk into a loop.
func (t *Table) checkAcyclicLocked(child, parent Handle) error {
	if parent == 0 {
		return nil
	}
	g := simple.NewDirectedGraph()
	for id := range t.byID {
		g.AddNode(simple.Node(id))
	}
	g.AddNode(simple.Node(child))
	for _, b := range t.byID {
		if b.ParentID != 0 {
			g.SetEdge(g.NewEdge(simple.Node(b.ID), simple.Node(b.ParentID)))
		}
	}
	g.SetEdge(g.NewEdge(simple.Node(child), simple.Node(parent)))

	if _, err := topo.Sort(g); err != nil {
		return xerrors.Errorf("branch table: %v would introduce a parent cycle: %w", child, err)
	}
	return nil
}

// Abort marks b ABORTED and drops its indices. The delta region bytes
// reserved for b are not reclaimed.
func (t *Table) Abort(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.byID[h]
	if !ok {
		return deltaerr.NotExist
	}
	if b.State != layout.BranchActive {
		return deltaerr.Invalid
	}
	b.State = layout.BranchAborted
	b.Log = nil
	if p, ok := t.byID[b.ParentID]; ok {
		p.Refcount--
	}
	return nil
}

// Commit merges child's log into its parent and invalidates every other
// ACTIVE sibling.
func (t *Table) Commit(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	child, ok := t.byID[h]
	if !ok {
		return deltaerr.NotExist
	}
	if child.State != layout.BranchActive {
		return deltaerr.Stale
	}
	parent, ok := t.byID[child.ParentID]
	if !ok {
		return deltaerr.NotExist
	}
	if parent.State != layout.BranchActive {
		return deltaerr.Stale
	}

	if child.Log.Used() > parent.Log.Capacity()-parent.Log.Used() {
		return deltaerr.NoSpace
	}

	raw, err := child.Log.RawBytes()
	if err != nil {
		return err
	}
	if err := parent.Log.AppendRaw(raw); err != nil {
		return err
	}
	if err := parent.Log.BuildIndex(); err != nil {
		b2 := parent
		b2.State = layout.BranchAborted
		t.invalidateDescendantsLocked(b2.ID)
		return xerrors.Errorf("commit: rebuilding parent index: %w", deltaerr.IO)
	}

	child.State = layout.BranchCommitted

	for _, sib := range t.byID {
		if sib.ID != child.ID && sib.ParentID == child.ParentID && sib.State == layout.BranchActive {
			sib.Stale = true
		}
	}
	return nil
}

// invalidateDescendantsLocked marks every branch reachable from root
// (inclusive) as stale. Used when an IO-class error aborts a branch mid
// tree: all mounts on it and below it must start failing STALE.
func (t *Table) invalidateDescendantsLocked(root Handle) {
	children := make(map[Handle][]Handle)
	for _, b := range t.byID {
		children[b.ParentID] = append(children[b.ParentID], b.ID)
	}
	var walk func(Handle)
	walk = func(h Handle) {
		for _, c := range children[h] {
			if b, ok := t.byID[c]; ok {
				b.Stale = true
			}
			walk(c)
		}
	}
	if b, ok := t.byID[root]; ok {
		b.Stale = true
	}
	walk(root)
}

// CheckActive returns deltaerr.Stale if b is not a usable, ACTIVE,
// non-stale branch. Every write-path entry point makes this check before
// touching a branch's log.
func CheckActive(b *Branch) error {
	if b == nil {
		return deltaerr.NotExist
	}
	if b.Stale || b.State != layout.BranchActive {
		return deltaerr.Stale
	}
	return nil
}

// ToRecord converts b to its on-storage layout.BranchRecord. Stale has
// no field in the persisted layout: it is a property of a mount bound to
// a branch at mount time, not of the branch record itself, so LoadTable
// always starts branches non-stale.
func (b *Branch) ToRecord() (layout.BranchRecord, error) {
	rec := layout.BranchRecord{
		BranchID:       uint32(b.ID),
		ParentID:       uint32(b.ParentID),
		DeltaLogOffset: b.LogOffset,
		State:          b.State,
		Refcount:       b.Refcount,
	}
	if b.Log != nil {
		rec.DeltaLogCapacity = b.Log.Capacity()
		rec.DeltaLogSize = b.Log.Used()
	}
	if err := rec.SetName(b.Name); err != nil {
		return layout.BranchRecord{}, err
	}
	return rec, nil
}

// LoadTable rebuilds a Table from persisted branch records and their
// already-known log offsets, reopening each ACTIVE branch's index by
// scanning its log. Branches in a terminal state (COMMITTED/ABORTED) are
// loaded with a nil Log, since nothing may append to them again and the
// resolver never walks past a committed node's parent (it walks the
// live chain instead).
func LoadTable(win storage.Window, regionSize, regionAllocOffset uint64, records []layout.BranchRecord, nextInode uint64) (*Table, error) {
	t := NewTable(win, regionSize, regionAllocOffset, nextInode)

	maxID := Handle(0)
	for _, rec := range records {
		if rec.BranchID == 0 {
			continue // FREE slot
		}
		b := &Branch{
			ID:        Handle(rec.BranchID),
			ParentID:  Handle(rec.ParentID),
			Name:      rec.NameString(),
			State:     rec.State,
			Refcount:  rec.Refcount,
			LogOffset: rec.DeltaLogOffset,
		}
		if rec.State == layout.BranchActive {
			b.Log = deltalog.New(win, rec.DeltaLogOffset, rec.DeltaLogSize, rec.DeltaLogCapacity)
			if err := b.Log.BuildIndex(); err != nil {
				return nil, xerrors.Errorf("rebuilding index for branch %d: %w", b.ID, err)
			}
		}
		t.byID[b.ID] = b
		if b.ID > maxID {
			maxID = b.ID
		}
	}
	t.next = maxID + 1
	return t, nil
}

// Records returns every branch currently in the table, encoded as
// layout.BranchRecord, in an unspecified order suitable for writing back
// to the on-storage branch table in a single pass.
func (t *Table) Records() ([]layout.BranchRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]layout.BranchRecord, 0, len(t.byID))
	for _, b := range t.byID {
		rec, err := b.ToRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
