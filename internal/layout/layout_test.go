package layout

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// memAt is a minimal io.ReaderAt/io.WriterAt backed by a byte slice, used
// to round-trip the fixed-layout structs without a real storage window.
type memAt struct{ buf []byte }

func (m *memAt) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.buf[off:]), nil
}

func (m *memAt) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.buf[off:], p), nil
}

func TestSuperblockRoundTrip(t *testing.T) {
	m := &memAt{buf: make([]byte, BlockSize)}
	sb := Superblock{
		Magic:             Magic,
		Version:           1,
		BlockSize:         BlockSize,
		TotalSize:         1 << 30,
		BranchTableOffset: BlockSize,
		BranchTableCap:    MaxBranches,
		NextBranchID:      1,
		NextInodeID:       1,
		DeltaRegionOffset: BlockSize + MaxBranches*BranchRecordSize,
		DeltaRegionSize:   1 << 20,
	}
	if err := WriteSuperblock(m, sb); err != nil {
		t.Fatal(err)
	}
	got, err := ReadSuperblock(m)
	if err != nil {
		t.Fatal(err)
	}
	if got != sb {
		t.Errorf("superblock round trip mismatch:\n got %+v\nwant %+v", got, sb)
	}
}

func TestReadSuperblockBadMagic(t *testing.T) {
	m := &memAt{buf: make([]byte, BlockSize)}
	if _, err := ReadSuperblock(m); err == nil {
		t.Fatal("expected error for zeroed (bad magic) superblock")
	}
}

func TestBranchRecordRoundTrip(t *testing.T) {
	m := &memAt{buf: make([]byte, BranchRecordSize*2)}
	rec := BranchRecord{
		BranchID:         2,
		ParentID:         1,
		DeltaLogOffset:   4096,
		DeltaLogCapacity: 65536,
		State:            BranchActive,
		Refcount:         1,
		NextLocalIno:     1,
	}
	if err := rec.SetName("feature-x"); err != nil {
		t.Fatal(err)
	}
	if err := WriteBranchRecord(m, 0, 1, rec); err != nil {
		t.Fatal(err)
	}
	got, err := ReadBranchRecord(m, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got != rec {
		t.Errorf("branch record round trip mismatch:\n got %+v\nwant %+v", got, rec)
	}
	if got.NameString() != "feature-x" {
		t.Errorf("NameString() = %q, want %q", got.NameString(), "feature-x")
	}
	// The untouched first slot must remain all zero.
	zero, err := ReadBranchRecord(m, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(zero.Name[:], make([]byte, 32)) {
		t.Error("slot 0 should be untouched")
	}
}

func TestBranchRecordNameTooLong(t *testing.T) {
	var rec BranchRecord
	if err := rec.SetName("this-branch-name-is-far-too-long-to-fit"); err == nil {
		t.Fatal("expected error for oversized branch name")
	}
}

func TestBaseInodeRoundTrip(t *testing.T) {
	m := &memAt{buf: make([]byte, BaseInodeSize*4)}
	bi := BaseInode{
		Ino:         3,
		Mode:        0100644,
		Size:        21,
		DataOffset:  8192,
		NameOffset:  40,
		NameLen:     9,
		ParentIno:   1,
		Nlink:       1,
		FirstChild:  0,
		NextSibling: 4,
	}
	if err := WriteBaseInode(m, 0, bi); err != nil {
		t.Fatal(err)
	}
	got, err := ReadBaseInode(m, 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if got != bi {
		t.Errorf("base inode round trip mismatch:\n got %+v\nwant %+v", got, bi)
	}
}

func TestBaseInodeZeroRejected(t *testing.T) {
	m := &memAt{buf: make([]byte, BaseInodeSize)}
	if _, err := ReadBaseInode(m, 0, 0); err == nil {
		t.Fatal("expected error reading inode 0")
	}
	if err := WriteBaseInode(m, 0, BaseInode{Ino: 0}); err == nil {
		t.Fatal("expected error writing inode 0")
	}
}

func TestBaseSuperblockRoundTrip(t *testing.T) {
	m := &memAt{buf: make([]byte, BlockSize)}
	bsb := BaseSuperblock{
		Magic:             BaseMagic,
		Version:           1,
		InodeCount:        10,
		RootInode:         1,
		InodeTableOffset:  BlockSize,
		StringTableOffset: BlockSize + 10*BaseInodeSize,
		StringTableSize:   4096,
		DataOffset:        BlockSize + 10*BaseInodeSize + 4096,
	}
	if err := WriteBaseSuperblock(m, 0, bsb); err != nil {
		t.Fatal(err)
	}
	got, err := ReadBaseSuperblock(m, 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(bsb, got); diff != "" {
		t.Errorf("base superblock round trip mismatch (-want +got):\n%s", diff)
	}
}
