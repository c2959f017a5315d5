// Package alloc implements the delta-region allocator: a single
// super-level bump pointer handing out contiguous sub-ranges to branches
// at creation time, plus a per-branch bump within that sub-range for
// individual record appends. Both levels are append-only; neither ever
// reclaims space.
package alloc

import (
	"sync"
	"sync/atomic"

	"github.com/deltafs/deltafs/internal/deltaerr"
)

// Region is the super-level allocator. It owns delta_alloc_offset and
// hands out non-overlapping sub-ranges to branches. A single mutex
// protects the bump; critical sections are a few instructions long.
type Region struct {
	mu     sync.Mutex
	offset uint64 // next free byte, relative to the region's base
	end    uint64 // region length
}

// NewRegion creates a Region of size bytes, with allocOffset already
// advanced (e.g. when reopening an existing image, pass the persisted
// delta_alloc_offset here rather than 0).
func NewRegion(size, allocOffset uint64) *Region {
	return &Region{offset: allocOffset, end: size}
}

// Offset reports the current bump offset, for persisting back into the
// superblock.
func (r *Region) Offset() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset
}

// Reserve advances the super-level bump by size bytes and returns the
// offset (relative to the region base) at which the caller may use
// size bytes exclusively. Fails with deltaerr.NoSpace if the region is
// exhausted.
func (r *Region) Reserve(size uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if size > r.end-r.offset {
		return 0, deltaerr.NoSpace
	}
	off := r.offset
	r.offset += size
	return off, nil
}

// Branch is the per-branch bump allocator over the sub-range a Region
// reserved for it. It tracks used bytes (delta_log_size) and the
// reserved capacity (delta_log_capacity), mirroring the branch record's
// own fields so the two stay in lockstep.
type Branch struct {
	mu       sync.Mutex
	used     uint64
	capacity uint64
}

// NewBranch wraps a branch's existing delta_log_size/delta_log_capacity,
// e.g. when rebuilding allocator state for a branch reopened from disk.
func NewBranch(used, capacity uint64) *Branch {
	return &Branch{used: used, capacity: capacity}
}

// Used reports the branch's current delta_log_size. It reads the
// published size atomically without taking the append lock, so it may be
// called concurrently with (or from inside the write callback of) Append.
func (b *Branch) Used() uint64 {
	return atomic.LoadUint64(&b.used)
}

// Capacity reports the branch's delta_log_capacity.
func (b *Branch) Capacity() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// Append reserves size bytes at the end of the branch's used range,
// invokes write with the reserved offset so the caller can place the
// record's bytes, and only then bumps delta_log_size. A reader observing
// the new size via Used() is therefore guaranteed to also observe the
// bytes write placed. The lock is held for the full duration, which
// serializes concurrent appenders to the same branch into a total order;
// write should not block on anything but the copy itself.
//
// If write returns an error, the reservation is not published: used is
// left unchanged and the bytes, if partially written, stay orphaned at
// the reserved offset.
func (b *Branch) Append(size uint64, write func(offset uint64) error) (offset uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if size > b.capacity-b.used {
		return 0, deltaerr.NoSpace
	}
	off := b.used
	if err := write(off); err != nil {
		return 0, err
	}
	atomic.StoreUint64(&b.used, b.used+size)
	return off, nil
}
