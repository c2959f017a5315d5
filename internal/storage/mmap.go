package storage

import (
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// MappedWindow is a Window backed by a DAX/persistent-memory file (or an
// ordinary file standing in for one) mapped with mmap(2). It is the
// production storage-window collaborator: the host environment is expected
// to point it at a DAX device or at a regular file on a filesystem that
// supports MAP_SYNC, but neither is required for correctness here — the
// core only needs a stable byte slice and an optional msync barrier.
type MappedWindow struct {
	f    *os.File
	data []byte
}

// OpenMapped maps the first size bytes of the file at path. The file must
// already exist and be at least size bytes long; growing the backing file
// is the storage provider's job, not this package's.
func OpenMapped(path string, size uint64) (*MappedWindow, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, xerrors.Errorf("opening storage window: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("stat storage window: %w", err)
	}
	if uint64(fi.Size()) < size {
		f.Close()
		return nil, xerrors.Errorf("storage window %s is %d bytes, need at least %d", path, fi.Size(), size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("mmap: %w", err)
	}

	return &MappedWindow{f: f, data: data}, nil
}

func (w *MappedWindow) Len() uint64 { return uint64(len(w.data)) }

func (w *MappedWindow) Slice(off, n uint64) ([]byte, error) {
	if err := checkRange(w.Len(), off, n); err != nil {
		return nil, err
	}
	return w.data[off : off+n], nil
}

func (w *MappedWindow) Sync(off, n uint64) error {
	if err := checkRange(w.Len(), off, n); err != nil {
		return err
	}
	// msync requires a page-aligned offset; round down to the containing
	// page and extend the length to cover the same trailing boundary.
	pageSize := uint64(os.Getpagesize())
	aligned := off &^ (pageSize - 1)
	extra := off - aligned
	return unix.Msync(w.data[aligned:aligned+n+extra], unix.MS_SYNC)
}

func (w *MappedWindow) Close() error {
	if w.data == nil {
		return nil
	}
	err := unix.Munmap(w.data)
	w.data = nil
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}
