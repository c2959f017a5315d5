// Package storage provides the storage window: a single contiguous byte
// range backing the whole filesystem, with a stable offset<->pointer
// mapping. This is the thinnest layer in the tree; everything above it
// only ever deals in offsets and byte slices derived from a Window, never
// in raw pointers or file descriptors.
package storage

import "golang.org/x/xerrors"

// Window is the storage-window interface every other component depends on.
// A Window must be safe for concurrent use by multiple readers; writers are
// expected to serialize through the allocator (internal/alloc) and branch
// index locks above this layer, not here.
type Window interface {
	// Len returns the total size of the mapped region in bytes.
	Len() uint64

	// Slice returns a byte slice view of M[off:off+n). The returned slice
	// aliases the underlying mapping: writes to it are writes to the window.
	// Returns an error if the range is out of bounds.
	Slice(off, n uint64) ([]byte, error)

	// Sync flushes the byte range M[off:off+n) to the backing medium, if the
	// implementation has one. Implementations with no durable backing (e.g.
	// the in-memory test double) treat this as a no-op.
	Sync(off, n uint64) error

	// Close releases any resources (mapping, file descriptor) held by the
	// window. The window must not be used after Close.
	Close() error
}

// ErrOutOfRange is returned by Slice when the requested range falls outside
// the mapped window.
var ErrOutOfRange = xerrors.New("storage: offset/length out of range")

// ReaderAt adapts a Window to io.ReaderAt, the interface internal/layout and
// internal/baseimage consume: both packages are agnostic to whether their
// bytes come from an mmap'd DAX window or a plain file, so they take the
// narrowest interface that serves them rather than a storage.Window.
type ReaderAt struct{ Win Window }

func (r ReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrOutOfRange
	}
	b, err := r.Win.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

// WriterAt is ReaderAt's write-side counterpart, used by the mount
// driver to write the branch table and superblock back into the window
// through internal/layout's encode functions.
type WriterAt struct{ Win Window }

func (w WriterAt) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrOutOfRange
	}
	b, err := w.Win.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(b, p), nil
}

func checkRange(size, off, n uint64) error {
	if off > size || n > size-off {
		return xerrors.Errorf("range [%d, %d) exceeds window of length %d: %w", off, off+n, size, ErrOutOfRange)
	}
	return nil
}

// Sub returns a Window whose offset 0 aliases the parent Window's byte at
// base, covering length bytes. internal/branch addresses the delta
// region starting from its own offset 0 (matching the relative
// delta_log_offset fields in layout.BranchRecord); Sub is how
// cmd/deltafs's mount driver turns the one Window opened over the whole
// storage file into the delta-region-relative view internal/branch
// expects, without internal/branch needing to know the region's absolute
// placement within the file.
func Sub(parent Window, base, length uint64) Window {
	return &subWindow{parent: parent, base: base, length: length}
}

type subWindow struct {
	parent Window
	base   uint64
	length uint64
}

func (w *subWindow) Len() uint64 { return w.length }

func (w *subWindow) Slice(off, n uint64) ([]byte, error) {
	if err := checkRange(w.length, off, n); err != nil {
		return nil, err
	}
	return w.parent.Slice(w.base+off, n)
}

func (w *subWindow) Sync(off, n uint64) error {
	if err := checkRange(w.length, off, n); err != nil {
		return err
	}
	return w.parent.Sync(w.base+off, n)
}

func (w *subWindow) Close() error { return nil } // the parent Window owns the underlying resource
