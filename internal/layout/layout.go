// Package layout defines the bit-exact, little-endian on-storage
// structures: the superblock, the branch table, and the base image's own
// superblock and inode table. Every struct here is read and written with
// encoding/binary against a fixed-size field layout.
package layout

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// Magic identifies a deltafs storage window.
const Magic = 0x44464653 // "DFFS" as seen from a little-endian uint32 dump.

// BaseMagic identifies a deltafs base image, independent of the superblock
// that may or may not wrap it.
const BaseMagic = 0x44464249 // "DFBI"

// BlockSize is the fixed block size used for superblock padding.
const BlockSize = 4096

// MaxBranches is the branch table's fixed capacity.
const MaxBranches = 256

// Branch states.
const (
	BranchFree = uint32(iota)
	BranchActive
	BranchCommitted
	BranchAborted
)

// Superblock is the root structure at offset 0 of the storage window,
// padded to BlockSize; zero padding absorbs the remainder of the block.
type Superblock struct {
	Magic   uint32
	Version uint32

	BlockSize uint32
	_         uint32 // alignment

	TotalSize uint64

	// BaseOffset/BaseSize are 0 when no base image is attached.
	BaseOffset uint64
	BaseSize   uint64

	BranchTableOffset uint64
	BranchTableCap    uint32
	ActiveBranches    uint32

	NextBranchID uint32
	_            uint32 // alignment

	NextInodeID uint64

	DeltaRegionOffset uint64
	DeltaRegionSize   uint64
	DeltaAllocOffset  uint64
}

// superblockEncodedSize is the portion of Superblock that is actually
// written; the remainder of the 4096-byte block is zero padding.
func superblockEncodedSize() int { return binary.Size(Superblock{}) }

// ReadSuperblock decodes the superblock at offset 0 of r.
func ReadSuperblock(r io.ReaderAt) (Superblock, error) {
	var sb Superblock
	sr := io.NewSectionReader(r, 0, int64(superblockEncodedSize()))
	if err := binary.Read(sr, binary.LittleEndian, &sb); err != nil {
		return Superblock{}, xerrors.Errorf("reading superblock: %w", err)
	}
	if sb.Magic != Magic {
		return Superblock{}, xerrors.Errorf("bad superblock magic: got %#x, want %#x", sb.Magic, Magic)
	}
	return sb, nil
}

// WriteSuperblock encodes sb at offset 0 of w, zero-padding out to
// BlockSize. w must support writes at arbitrary offsets (e.g. an
// *os.File or a storage.Window's Slice).
func WriteSuperblock(w io.WriterAt, sb Superblock) error {
	buf := make([]byte, BlockSize)
	bw := newBufWriter(buf)
	if err := binary.Write(bw, binary.LittleEndian, sb); err != nil {
		return xerrors.Errorf("encoding superblock: %w", err)
	}
	if _, err := w.WriteAt(buf, 0); err != nil {
		return xerrors.Errorf("writing superblock: %w", err)
	}
	return nil
}

// BranchRecord is one 128-byte entry of the branch table. Name is a fixed
// 32-byte field holding a NUL-terminated string of up to 31 bytes.
type BranchRecord struct {
	BranchID uint32
	ParentID uint32

	DeltaLogOffset   uint64
	DeltaLogSize     uint64
	DeltaLogCapacity uint64

	State    uint32
	Refcount uint32

	NextLocalIno uint64

	Name [32]byte

	_ [48]byte // reserved, keeps the record at exactly 128 bytes
}

// BranchRecordSize is the fixed on-storage size of a BranchRecord.
const BranchRecordSize = 128

func init() {
	if got := binary.Size(BranchRecord{}); got != BranchRecordSize {
		panic("layout: BranchRecord size drifted from its fixed on-storage layout")
	}
}

// NameString returns rec.Name decoded as a Go string, stopping at the
// first NUL byte.
func (rec *BranchRecord) NameString() string {
	n := 0
	for n < len(rec.Name) && rec.Name[n] != 0 {
		n++
	}
	return string(rec.Name[:n])
}

// SetName copies name into rec.Name, NUL-terminating it. Returns an error
// if name does not fit in 31 bytes.
func (rec *BranchRecord) SetName(name string) error {
	if len(name) > len(rec.Name)-1 {
		return xerrors.Errorf("branch name %q exceeds %d bytes", name, len(rec.Name)-1)
	}
	var buf [32]byte
	copy(buf[:], name)
	rec.Name = buf
	return nil
}

// ReadBranchRecord decodes the branch record at index idx within the
// branch table starting at tableOffset.
func ReadBranchRecord(r io.ReaderAt, tableOffset uint64, idx int) (BranchRecord, error) {
	var rec BranchRecord
	off := int64(tableOffset) + int64(idx)*BranchRecordSize
	sr := io.NewSectionReader(r, off, BranchRecordSize)
	if err := binary.Read(sr, binary.LittleEndian, &rec); err != nil {
		return BranchRecord{}, xerrors.Errorf("reading branch record %d: %w", idx, err)
	}
	return rec, nil
}

// WriteBranchRecord encodes rec at index idx within the branch table
// starting at tableOffset.
func WriteBranchRecord(w io.WriterAt, tableOffset uint64, idx int, rec BranchRecord) error {
	buf := make([]byte, BranchRecordSize)
	bw := newBufWriter(buf)
	if err := binary.Write(bw, binary.LittleEndian, rec); err != nil {
		return xerrors.Errorf("encoding branch record %d: %w", idx, err)
	}
	off := int64(tableOffset) + int64(idx)*BranchRecordSize
	if _, err := w.WriteAt(buf, off); err != nil {
		return xerrors.Errorf("writing branch record %d: %w", idx, err)
	}
	return nil
}

// BaseSuperblock is the header of an optional, read-only base image. It
// is stored at BaseOffset within the storage window.
type BaseSuperblock struct {
	Magic   uint32
	Version uint32

	InodeCount uint32
	RootInode  uint32

	InodeTableOffset  uint64
	StringTableOffset uint64
	StringTableSize   uint64
	DataOffset        uint64
}

// ReadBaseSuperblock decodes the base image superblock at baseOffset.
func ReadBaseSuperblock(r io.ReaderAt, baseOffset uint64) (BaseSuperblock, error) {
	var bsb BaseSuperblock
	sr := io.NewSectionReader(r, int64(baseOffset), int64(binary.Size(bsb)))
	if err := binary.Read(sr, binary.LittleEndian, &bsb); err != nil {
		return BaseSuperblock{}, xerrors.Errorf("reading base superblock: %w", err)
	}
	if bsb.Magic != BaseMagic {
		return BaseSuperblock{}, xerrors.Errorf("bad base image magic: got %#x, want %#x", bsb.Magic, BaseMagic)
	}
	return bsb, nil
}

// WriteBaseSuperblock encodes bsb at baseOffset.
func WriteBaseSuperblock(w io.WriterAt, baseOffset uint64, bsb BaseSuperblock) error {
	buf := make([]byte, binary.Size(bsb))
	bw := newBufWriter(buf)
	if err := binary.Write(bw, binary.LittleEndian, bsb); err != nil {
		return xerrors.Errorf("encoding base superblock: %w", err)
	}
	if _, err := w.WriteAt(buf, int64(baseOffset)); err != nil {
		return xerrors.Errorf("writing base superblock: %w", err)
	}
	return nil
}

// BaseInode is one 64-byte entry of the base image's inode table. Inodes
// are 1-based; inode i occupies slot i-1. Directories are linked lists
// threaded via FirstChild/NextSibling.
type BaseInode struct {
	Ino  uint32
	Mode uint32
	UID  uint32
	GID  uint32

	Size       uint64
	DataOffset uint64

	NameOffset uint32
	NameLen    uint32

	ParentIno uint32
	Nlink     uint32

	FirstChild  uint32
	NextSibling uint32

	_ [4]byte // reserved, keeps the record at exactly 64 bytes
}

// BaseInodeSize is the fixed on-storage size of a BaseInode.
const BaseInodeSize = 64

func init() {
	if got := binary.Size(BaseInode{}); got != BaseInodeSize {
		panic("layout: BaseInode size drifted from its fixed on-storage layout")
	}
}

// ReadBaseInode decodes the base inode with 1-based id ino, stored in the
// inode table beginning at tableOffset.
func ReadBaseInode(r io.ReaderAt, tableOffset uint64, ino uint32) (BaseInode, error) {
	if ino == 0 {
		return BaseInode{}, xerrors.New("layout: inode 0 is not a valid base inode id")
	}
	var bi BaseInode
	off := int64(tableOffset) + int64(ino-1)*BaseInodeSize
	sr := io.NewSectionReader(r, off, BaseInodeSize)
	if err := binary.Read(sr, binary.LittleEndian, &bi); err != nil {
		return BaseInode{}, xerrors.Errorf("reading base inode %d: %w", ino, err)
	}
	return bi, nil
}

// WriteBaseInode encodes bi at its 1-based slot within the inode table
// beginning at tableOffset.
func WriteBaseInode(w io.WriterAt, tableOffset uint64, bi BaseInode) error {
	if bi.Ino == 0 {
		return xerrors.New("layout: inode 0 is not a valid base inode id")
	}
	buf := make([]byte, BaseInodeSize)
	bw := newBufWriter(buf)
	if err := binary.Write(bw, binary.LittleEndian, bi); err != nil {
		return xerrors.Errorf("encoding base inode %d: %w", bi.Ino, err)
	}
	off := int64(tableOffset) + int64(bi.Ino-1)*BaseInodeSize
	if _, err := w.WriteAt(buf, off); err != nil {
		return xerrors.Errorf("writing base inode %d: %w", bi.Ino, err)
	}
	return nil
}

// bufWriter adapts a fixed []byte as an io.Writer for binary.Write,
// tracking a cursor so repeated writes append rather than overwrite.
type bufWriter struct {
	buf []byte
	off int
}

func newBufWriter(buf []byte) *bufWriter { return &bufWriter{buf: buf} }

func (b *bufWriter) Write(p []byte) (int, error) {
	n := copy(b.buf[b.off:], p)
	if n < len(p) {
		return n, xerrors.New("layout: encoded value exceeds fixed record size")
	}
	b.off += n
	return n, nil
}
