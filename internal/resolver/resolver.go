// Package resolver implements the unified read-side query path: lookup,
// stat, read, and directory enumeration all fuse the current branch's
// delta-log chain with the base image by walking from leaf to root and
// letting the first decisive record win. Every exported function here
// takes the chain pre-computed by Chain rather than a branch.Table, so
// callers (internal/vfs) pay the table lock once per operation instead
// of once per resolver call.
package resolver

import (
	"sort"

	"github.com/deltafs/deltafs/internal/baseimage"
	"github.com/deltafs/deltafs/internal/branch"
	"golang.org/x/sys/unix"
)

// Chain returns the sequence of branches from leaf up to (and including)
// the root (parent_id 0), following ParentID through table. It is the
// leaf->root walk every resolver query performs.
func Chain(table *branch.Table, leaf *branch.Branch) []*branch.Branch {
	var chain []*branch.Branch
	for b := leaf; b != nil; b = table.Get(b.ParentID) {
		chain = append(chain, b)
		if b.ParentID == 0 {
			break
		}
	}
	return chain
}

// InodeInfo is the resolved state of an inode.
type InodeInfo struct {
	Exists    bool
	Deleted   bool
	Mode      uint32
	Size      uint64
	Nlink     uint32
	ParentIno uint64
}

// ResolveInode walks chain leaf->root, merging each branch's index entry
// for ino field by field: the leaf-most branch that decides a field wins
// it, and anything left open falls through to the base image. A single
// entry rarely decides everything — a WRITE or RENAME on a base-image
// inode leaves an entry that knows nothing about the inode's mode, and a
// WRITE-only entry's size is just the extent of that branch's writes —
// so the first-hit-wins reading would report zeroes for fields the hit
// never established.
func ResolveInode(chain []*branch.Branch, base *baseimage.Reader, ino uint64) (InodeInfo, error) {
	var (
		exists  bool
		mode    uint32
		modeSet bool
		size    uint64
		sizeSet bool
		floor   uint64 // furthest WRITE extent seen before an exact size
		parent  uint64
	)
	for _, b := range chain {
		if b.Log == nil {
			continue
		}
		e, ok := b.Log.LookupInode(ino)
		if !ok {
			continue
		}
		if e.Deleted {
			return InodeInfo{Deleted: true}, nil
		}
		exists = true
		if parent == 0 {
			parent = e.ParentIno
		}
		if !modeSet && e.HasMode {
			mode = e.Mode
			modeSet = true
		}
		if !sizeSet {
			if e.Size > floor {
				floor = e.Size
			}
			if e.SizeExact {
				// Writes in branches closer to the leaf happened after this
				// size was established and may have extended the file past it.
				size = floor
				sizeSet = true
			}
		}
		if modeSet && sizeSet && parent != 0 {
			break
		}
	}

	if base != nil && ino >= 1 && ino <= uint64(base.InodeCount()) {
		bi, err := base.Inode(uint32(ino))
		if err != nil {
			return InodeInfo{}, err
		}
		if !exists {
			return InodeInfo{
				Exists:    true,
				Mode:      bi.Mode,
				Size:      bi.Size,
				Nlink:     bi.Nlink,
				ParentIno: uint64(bi.ParentIno),
			}, nil
		}
		if !modeSet {
			mode = bi.Mode
			modeSet = true
		}
		if !sizeSet {
			size = bi.Size
			if floor > size {
				size = floor
			}
			sizeSet = true
		}
		if parent == 0 {
			parent = uint64(bi.ParentIno)
		}
	}

	if !exists {
		// A bare image has no base inode table; inode 1 is still the root
		// directory, synthesized here so stat("/") works before anything
		// has been created.
		if base == nil && ino == 1 {
			return InodeInfo{Exists: true, Mode: unix.S_IFDIR | 0755, Nlink: 2, ParentIno: 1}, nil
		}
		return InodeInfo{}, nil
	}
	if !sizeSet {
		size = floor
	}
	nlink := uint32(1)
	if mode&unix.S_IFMT == unix.S_IFDIR {
		nlink = 2
	}
	return InodeInfo{Exists: true, Mode: mode, Size: size, Nlink: nlink, ParentIno: parent}, nil
}

// DirentInfo is the resolved state of a (parent, name) pair.
type DirentInfo struct {
	Exists bool
	Ino    uint64
}

// ResolveDirent walks chain leaf->root, returning the first branch's
// decisive answer for (parent, name); falling back to the base image's
// first_child/next_sibling linked list, re-checked against every
// branch's deleted-inode state in chain.
func ResolveDirent(chain []*branch.Branch, base *baseimage.Reader, parent uint64, name string) (DirentInfo, error) {
	for _, b := range chain {
		if b.Log == nil {
			continue
		}
		e, ok := b.Log.LookupDirent(parent, name)
		if !ok {
			continue
		}
		if e.Deleted {
			return DirentInfo{}, nil
		}
		return DirentInfo{Exists: true, Ino: e.Ino}, nil
	}

	if base == nil || parent < 1 || parent > uint64(base.InodeCount()) {
		return DirentInfo{}, nil
	}
	parentInode, err := base.Inode(uint32(parent))
	if err != nil {
		return DirentInfo{}, err
	}
	child, ok, err := base.Lookup(parentInode, name)
	if err != nil {
		return DirentInfo{}, err
	}
	if !ok {
		return DirentInfo{}, nil
	}
	ino := uint64(child.Ino)
	for _, b := range chain {
		if b.Log != nil && b.Log.IsDeleted(ino) {
			return DirentInfo{}, nil
		}
	}
	return DirentInfo{Exists: true, Ino: ino}, nil
}

// ResolveData reads ino's bytes at [pos, pos+length): the first branch
// in chain with a WRITE covering pos wins outright, falling back to the
// base image's data area, clamped to size-pos. avail is 0 on a hole or
// at EOF.
func ResolveData(chain []*branch.Branch, base *baseimage.Reader, ino, pos uint64, length int) ([]byte, int, error) {
	for _, b := range chain {
		if b.Log == nil {
			continue
		}
		data, avail, err := b.Log.ResolveData(ino, pos, length)
		if err != nil {
			return nil, 0, err
		}
		if avail > 0 {
			return data, avail, nil
		}
	}

	if base == nil || ino < 1 || ino > uint64(base.InodeCount()) {
		return nil, 0, nil
	}
	bi, err := base.Inode(uint32(ino))
	if err != nil {
		return nil, 0, err
	}
	return base.ReadAt(bi, pos, length)
}

// Entry is one directory entry produced by Readdir.
type Entry struct {
	Name string
	Ino  uint64
	Mode uint32
}

// Readdir enumerates parentIno's contents: "." and "..", then surviving
// base children, then branch-created entries leaf->root, each name
// appearing exactly once (the leaf-most or base-most decisive source
// wins). dotdotIno is the directory's own parent, supplied by the caller
// (it already resolved it to get here). The result is sorted by name
// (after the two dot entries) so enumeration is deterministic across
// repeated calls.
func Readdir(chain []*branch.Branch, base *baseimage.Reader, parentIno, dotdotIno uint64) ([]Entry, error) {
	dirMode := uint32(unix.S_IFDIR | 0755)
	out := []Entry{
		{Name: ".", Ino: parentIno, Mode: dirMode},
		{Name: "..", Ino: dotdotIno, Mode: dirMode},
	}
	seen := map[string]bool{".": true, "..": true}

	var rest []Entry

	if base != nil && parentIno >= 1 && parentIno <= uint64(base.InodeCount()) {
		parentBI, err := base.Inode(uint32(parentIno))
		if err != nil {
			return nil, err
		}
		children, err := base.Children(parentBI)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			ino := uint64(c.Inode.Ino)

			// A branch's dirent index may have overridden this name outright:
			// a RENAME away tombstones (parent, name) without deleting the
			// inode, and a later entry may bind the name to a different inode.
			decided := false
			for _, b := range chain {
				if b.Log == nil {
					continue
				}
				e, ok := b.Log.LookupDirent(parentIno, c.Name)
				if !ok {
					continue
				}
				decided = true
				seen[c.Name] = true
				if !e.Deleted {
					info, err := ResolveInode(chain, base, e.Ino)
					if err != nil {
						return nil, err
					}
					if info.Exists {
						rest = append(rest, Entry{Name: c.Name, Ino: e.Ino, Mode: info.Mode})
					}
				}
				break
			}
			if decided {
				continue
			}

			deleted := false
			for _, b := range chain {
				if b.Log != nil && b.Log.IsDeleted(ino) {
					deleted = true
					break
				}
			}
			if deleted {
				continue
			}
			seen[c.Name] = true
			rest = append(rest, Entry{Name: c.Name, Ino: ino, Mode: c.Inode.Mode})
		}
	}

	for _, b := range chain {
		if b.Log == nil {
			continue
		}
		for _, de := range b.Log.Dirents(parentIno) {
			if seen[de.Name] {
				continue
			}
			seen[de.Name] = true
			if de.Deleted {
				continue
			}
			info, err := ResolveInode(chain, base, de.Ino)
			if err != nil {
				return nil, err
			}
			if !info.Exists {
				continue
			}
			rest = append(rest, Entry{Name: de.Name, Ino: de.Ino, Mode: info.Mode})
		}
	}

	sort.Slice(rest, func(i, j int) bool { return rest[i].Name < rest[j].Name })
	return append(out, rest...), nil
}
