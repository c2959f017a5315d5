package deltalog

import (
	"sync"

	"github.com/deltafs/deltafs/internal/alloc"
	"github.com/deltafs/deltafs/internal/deltaerr"
	"github.com/deltafs/deltafs/internal/storage"
	"golang.org/x/xerrors"
)

// InodeEntry is the inode index's value type. Not every record type
// decides every field: a WRITE or RENAME on a base-image inode creates
// an entry that knows nothing about the inode's mode, and a WRITE-only
// entry's Size is just the extent of the writes this log has seen, not
// the file's full size. HasMode and SizeExact record which fields this
// log actually decides so the resolver can keep walking toward the root
// (and the base image) for the rest instead of reporting zeroes.
type InodeEntry struct {
	Offset  uint64 // record offset, for log-relative debugging only
	Deleted bool
	Size    uint64
	Mode    uint32

	// HasMode is set once a CREATE/MKDIR or SETATTR-with-mode record has
	// established Mode in this log.
	HasMode bool

	// SizeExact marks Size authoritative (established by CREATE/MKDIR,
	// TRUNCATE, or SETATTR-with-size). When false, Size is only a lower
	// bound: the furthest byte any WRITE in this log has reached.
	SizeExact bool

	// ParentIno is the inode's current containing directory, as of the
	// most recent CREATE/MKDIR/RENAME record touching it. It lets the
	// resolver answer ".." without a second index, mirroring the parent_ino
	// field base inodes already carry. 0 means this log doesn't know.
	ParentIno uint64
}

// direntKey keys the dirent index by the plain (parent, name) pair. A
// total order over the natural key avoids the lookup ambiguity a
// name-hash key would have across delete-then-reinsert of colliding
// names.
type direntKey struct {
	Parent uint64
	Name   string
}

// DirentEntry is the dirent index's value type.
type DirentEntry struct {
	Ino     uint64
	Deleted bool
}

// Log is one branch's delta log: the raw record bytes (via a
// storage.Window slice) plus the two in-memory indices rebuilt from them.
// A single mutex guards both indices; critical sections are short.
type Log struct {
	win   storage.Window
	base  uint64 // delta_log_offset: offset of this branch's log within win
	alloc *alloc.Branch

	mu      sync.Mutex
	inodes  map[uint64]*InodeEntry
	dirents map[direntKey]*DirentEntry
}

// New wraps an existing branch sub-range for reading and appending.
// used/capacity seed the allocator; call BuildIndex afterward to
// populate the indices from any records already present.
func New(win storage.Window, logOffset, used, capacity uint64) *Log {
	return &Log{
		win:     win,
		base:    logOffset,
		alloc:   alloc.NewBranch(used, capacity),
		inodes:  make(map[uint64]*InodeEntry),
		dirents: make(map[direntKey]*DirentEntry),
	}
}

// Used reports delta_log_size.
func (l *Log) Used() uint64 { return l.alloc.Used() }

// Capacity reports delta_log_capacity.
func (l *Log) Capacity() uint64 { return l.alloc.Capacity() }

// RawBytes returns a copy of this log's raw bytes [0, Used()), the exact
// byte range Commit copies verbatim into a parent's log.
func (l *Log) RawBytes() ([]byte, error) {
	used := l.Used()
	src, err := l.win.Slice(l.base, used)
	if err != nil {
		return nil, xerrors.Errorf("deltalog: slicing raw bytes: %w", err)
	}
	out := make([]byte, used)
	copy(out, src)
	return out, nil
}

// AppendRaw copies an already-encoded run of zero or more records
// verbatim onto the end of this log, advancing Used() by len(data) but
// without touching the indices. The caller must follow with BuildIndex
// to pick up whatever records data contained; branch.Commit relies on
// exactly this copy-then-rebuild sequence.
func (l *Log) AppendRaw(data []byte) error {
	_, err := l.alloc.Append(uint64(len(data)), func(offset uint64) error {
		dst, err := l.win.Slice(l.base+offset, uint64(len(data)))
		if err != nil {
			return xerrors.Errorf("deltalog: slicing raw append window: %w", err)
		}
		if n := copy(dst, data); n != len(data) {
			return deltaerr.Fault
		}
		return l.win.Sync(l.base+offset, uint64(len(data)))
	})
	return err
}

// Append writes a fully-encoded record (see EncodeWrite etc.) to the end
// of the log and applies it to both indices in one logical step. The
// record bytes are decoded back out of the freshly-written buffer rather
// than re-using a caller-side Record, so indices are always built from
// exactly what is on disk.
func (l *Log) Append(encoded []byte) error {
	offset, err := l.alloc.Append(uint64(len(encoded)), func(offset uint64) error {
		dst, err := l.win.Slice(l.base+offset, uint64(len(encoded)))
		if err != nil {
			return xerrors.Errorf("deltalog: slicing append window: %w", err)
		}
		if n := copy(dst, encoded); n != len(encoded) {
			return deltaerr.Fault
		}
		return l.win.Sync(l.base+offset, uint64(len(encoded)))
	})
	if err != nil {
		return err
	}

	rec, n, err := Decode(encoded)
	if err != nil {
		return xerrors.Errorf("deltalog: decoding just-written record: %w", err)
	}
	if n != len(encoded) {
		return xerrors.Errorf("deltalog: encoded record total_size %d does not match its %d-byte buffer", n, len(encoded))
	}
	rec.Offset = offset

	l.mu.Lock()
	defer l.mu.Unlock()
	applyRecord(l.inodes, l.dirents, rec)
	return nil
}

// Scan walks the raw log bytes from the start, decoding records until it
// reaches a zero-sized header (end of log) or the end of the currently
// published region, whichever comes first. fn is called once per decoded
// record, in log order.
func (l *Log) Scan(fn func(Record) error) error {
	used := l.Used()
	var pos uint64
	for pos < used {
		// A record's header is fixed size; read a generous chunk so the
		// trailing payload (unknown length until the header is parsed) is
		// already in hand for the common case.
		chunk := used - pos
		buf, err := l.win.Slice(l.base+pos, chunk)
		if err != nil {
			return xerrors.Errorf("deltalog: slicing scan window at %d: %w", pos, err)
		}
		rec, n, err := Decode(buf)
		if err != nil {
			return xerrors.Errorf("deltalog: %w", deltaerr.IO)
		}
		if n == 0 {
			break
		}
		rec.Offset = pos
		if err := fn(rec); err != nil {
			return err
		}
		pos += uint64(n)
	}
	return nil
}

// BuildIndex idempotently reconstructs both indices from the raw log.
// It is safe to call repeatedly; each call starts from a fresh empty
// index, so results are identical for identical log contents.
func (l *Log) BuildIndex() error {
	inodes := make(map[uint64]*InodeEntry)
	dirents := make(map[direntKey]*DirentEntry)

	if err := l.Scan(func(rec Record) error {
		applyRecord(inodes, dirents, rec)
		return nil
	}); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.inodes = inodes
	l.dirents = dirents
	return nil
}

func applyRecord(inodes map[uint64]*InodeEntry, dirents map[direntKey]*DirentEntry, rec Record) {
	switch {
	case rec.Create != nil:
		inodes[rec.Create.NewIno] = &InodeEntry{
			Offset:    rec.Offset,
			Mode:      rec.Create.Mode,
			HasMode:   true,
			SizeExact: true,
			ParentIno: rec.Create.ParentIno,
		}
		dirents[direntKey{rec.Create.ParentIno, rec.Create.Name}] = &DirentEntry{Ino: rec.Create.NewIno}

	case rec.Delete != nil:
		if e, ok := inodes[rec.Header.Ino]; ok {
			e.Deleted = true
		} else {
			inodes[rec.Header.Ino] = &InodeEntry{Offset: rec.Offset, Deleted: true}
		}
		dirents[direntKey{rec.Delete.ParentIno, rec.Delete.Name}] = &DirentEntry{Ino: rec.Header.Ino, Deleted: true}

	case rec.Truncate != nil:
		if e, ok := inodes[rec.Header.Ino]; ok {
			e.Size = rec.Truncate.NewSize
			e.SizeExact = true
		} else {
			inodes[rec.Header.Ino] = &InodeEntry{Offset: rec.Offset, Size: rec.Truncate.NewSize, SizeExact: true}
		}

	case rec.Write != nil:
		end := rec.Write.Offset + uint64(rec.Write.Len)
		if e, ok := inodes[rec.Header.Ino]; ok {
			if end > e.Size {
				e.Size = end
			}
		} else {
			inodes[rec.Header.Ino] = &InodeEntry{Offset: rec.Offset, Size: end}
		}

	case rec.Setattr != nil:
		e, ok := inodes[rec.Header.Ino]
		if !ok {
			e = &InodeEntry{Offset: rec.Offset}
			inodes[rec.Header.Ino] = e
		}
		if rec.Setattr.ValidMask&SetattrMode != 0 {
			e.Mode = rec.Setattr.Mode
			e.HasMode = true
		}
		if rec.Setattr.ValidMask&SetattrSize != 0 {
			e.Size = rec.Setattr.Size
			e.SizeExact = true
		}

	case rec.Rename != nil:
		dirents[direntKey{rec.Rename.OldParent, rec.Rename.OldName}] = &DirentEntry{Ino: rec.Rename.Ino, Deleted: true}
		dirents[direntKey{rec.Rename.NewParent, rec.Rename.NewName}] = &DirentEntry{Ino: rec.Rename.Ino}
		if e, ok := inodes[rec.Rename.Ino]; ok {
			e.ParentIno = rec.Rename.NewParent
		} else {
			inodes[rec.Rename.Ino] = &InodeEntry{Offset: rec.Offset, ParentIno: rec.Rename.NewParent}
		}
	}
}

// LookupInode returns the inode index entry for ino, if this log's
// indices have one.
func (l *Log) LookupInode(ino uint64) (InodeEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.inodes[ino]
	if !ok {
		return InodeEntry{}, false
	}
	return *e, true
}

// LookupDirent returns the dirent index entry for (parent, name), if this
// log's indices have one.
func (l *Log) LookupDirent(parent uint64, name string) (DirentEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.dirents[direntKey{parent, name}]
	if !ok {
		return DirentEntry{}, false
	}
	return *e, true
}

// NamedDirent pairs a dirent index entry with the name it is keyed
// under, for directory enumeration.
type NamedDirent struct {
	Name string
	DirentEntry
}

// Dirents returns every (name, entry) pair indexed under parent in this
// log's dirent index, in unspecified order; the resolver sorts the
// merged result before returning it to the VFS layer.
func (l *Log) Dirents(parent uint64) []NamedDirent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []NamedDirent
	for k, e := range l.dirents {
		if k.Parent != parent {
			continue
		}
		out = append(out, NamedDirent{Name: k.Name, DirentEntry: *e})
	}
	return out
}

// IsDeleted reports whether ino's inode index entry, if any, is marked
// deleted in this log.
func (l *Log) IsDeleted(ino uint64) bool {
	e, ok := l.LookupInode(ino)
	return ok && e.Deleted
}

// GetSize returns ino's size as tracked by this log's inode index.
func (l *Log) GetSize(ino uint64) (uint64, bool) {
	e, ok := l.LookupInode(ino)
	if !ok {
		return 0, false
	}
	return e.Size, true
}

// ResolveData scans this log for every WRITE record on ino overlapping
// [pos, pos+length), painting each overlap into a scratch buffer in log
// order so a later write overwrites an earlier one wherever their ranges
// intersect: write(0,"AAAA") then write(2,"BB") reads back "AABB" at
// (0,4), the two writes' ranges stitched together rather than the single
// record that happens to cover pos. avail is the length of the maximal
// covered prefix starting at pos; 0 if pos itself is a hole.
func (l *Log) ResolveData(ino, pos uint64, length int) (data []byte, avail int, err error) {
	if length <= 0 {
		return nil, 0, nil
	}
	buf := make([]byte, length)
	covered := make([]bool, length)
	end := pos + uint64(length)

	if err := l.Scan(func(rec Record) error {
		if rec.Header.Ino != ino || rec.Write == nil {
			return nil
		}
		w := rec.Write
		wEnd := w.Offset + uint64(w.Len)
		start := pos
		if w.Offset > start {
			start = w.Offset
		}
		stop := end
		if wEnd < stop {
			stop = wEnd
		}
		if start >= stop {
			return nil
		}
		srcStart, dstStart := start-w.Offset, start-pos
		n := stop - start
		copy(buf[dstStart:dstStart+n], w.Data[srcStart:srcStart+n])
		for i := dstStart; i < dstStart+n; i++ {
			covered[i] = true
		}
		return nil
	}); err != nil {
		return nil, 0, err
	}

	if !covered[0] {
		return nil, 0, nil
	}
	n := 0
	for n < length && covered[n] {
		n++
	}
	return buf[:n], n, nil
}
