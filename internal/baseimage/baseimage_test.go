package baseimage

import (
	"testing"

	"github.com/deltafs/deltafs/internal/layout"
)

// memAt is a minimal io.ReaderAt/io.WriterAt over a byte slice, enough to
// hand-build a tiny base image without going through the mkimage writer.
type memAt struct{ buf []byte }

func (m *memAt) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.buf[off:]), nil
}

func (m *memAt) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.buf[off:], p), nil
}

// buildFixture lays out a base image with a root directory containing
// one file ("hello.txt") and one subdirectory ("sub") containing one
// file ("nested.txt").
func buildFixture(t *testing.T) (*Reader, uint64) {
	t.Helper()

	const (
		baseOffset  = 0
		inodeOffset = layout.BlockSize
		numInodes   = 4
		stringsOff  = inodeOffset + numInodes*layout.BaseInodeSize
	)

	names := []string{"", "hello.txt", "sub", "nested.txt"} // index by ino, 0 unused
	var stringBuf []byte
	nameOffsets := make([]uint32, len(names))
	for i, n := range names {
		nameOffsets[i] = uint32(len(stringBuf))
		stringBuf = append(stringBuf, n...)
	}

	dataOff := stringsOff + uint64(len(stringBuf))
	helloData := []byte("Hello from base image")

	m := &memAt{buf: make([]byte, dataOff+uint64(len(helloData)))}

	bsb := layout.BaseSuperblock{
		Magic:             layout.BaseMagic,
		Version:           1,
		InodeCount:        numInodes,
		RootInode:         1,
		InodeTableOffset:  inodeOffset,
		StringTableOffset: stringsOff,
		StringTableSize:   uint64(len(stringBuf)),
		DataOffset:        dataOff,
	}
	if err := layout.WriteBaseSuperblock(m, baseOffset, bsb); err != nil {
		t.Fatal(err)
	}

	// ino 1: root dir, first_child = hello.txt (2)
	root := layout.BaseInode{Ino: 1, Mode: 040755, ParentIno: 1, Nlink: 2, FirstChild: 2}
	// ino 2: hello.txt, sibling -> sub (3)
	hello := layout.BaseInode{
		Ino: 2, Mode: 0100644, Size: uint64(len(helloData)), DataOffset: dataOff,
		NameOffset: nameOffsets[1], NameLen: uint32(len(names[1])), ParentIno: 1, Nlink: 1, NextSibling: 3,
	}
	// ino 3: sub dir, first_child = nested.txt (4)
	sub := layout.BaseInode{
		Ino: 3, Mode: 040755, NameOffset: nameOffsets[2], NameLen: uint32(len(names[2])), ParentIno: 1, Nlink: 2, FirstChild: 4,
	}
	// ino 4: nested.txt
	nested := layout.BaseInode{
		Ino: 4, Mode: 0100644, NameOffset: nameOffsets[3], NameLen: uint32(len(names[3])), ParentIno: 3, Nlink: 1,
	}

	for _, bi := range []layout.BaseInode{root, hello, sub, nested} {
		if err := layout.WriteBaseInode(m, inodeOffset, bi); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := m.WriteAt(stringBuf, int64(stringsOff)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.WriteAt(helloData, int64(dataOff)); err != nil {
		t.Fatal(err)
	}

	rd, err := Open(m, baseOffset)
	if err != nil {
		t.Fatal(err)
	}
	return rd, dataOff
}

func TestOpenNoBaseImage(t *testing.T) {
	if _, err := Open(&memAt{buf: make([]byte, layout.BlockSize)}, 0); err != ErrNoBaseImage {
		t.Errorf("err = %v, want ErrNoBaseImage", err)
	}
}

func TestBaseImageReadHello(t *testing.T) {
	rd, _ := buildFixture(t)

	root, err := rd.Inode(rd.RootInode())
	if err != nil {
		t.Fatal(err)
	}
	hello, ok, err := rd.Lookup(root, "hello.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected hello.txt to be found in root")
	}

	data, avail, err := rd.ReadAt(hello, 0, 64)
	if err != nil {
		t.Fatal(err)
	}
	if avail != len("Hello from base image") || string(data) != "Hello from base image" {
		t.Errorf("got %q (avail=%d)", data, avail)
	}
}

func TestBaseImageNestedLookup(t *testing.T) {
	rd, _ := buildFixture(t)

	root, err := rd.Inode(rd.RootInode())
	if err != nil {
		t.Fatal(err)
	}
	sub, ok, err := rd.Lookup(root, "sub")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected sub to be found in root")
	}
	nested, ok, err := rd.Lookup(sub, "nested.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected nested.txt to be found in sub")
	}
	if nested.ParentIno != sub.Ino {
		t.Errorf("nested.ParentIno = %d, want %d", nested.ParentIno, sub.Ino)
	}
}

func TestBaseImageChildrenOrder(t *testing.T) {
	rd, _ := buildFixture(t)

	root, err := rd.Inode(rd.RootInode())
	if err != nil {
		t.Fatal(err)
	}
	children, err := rd.Children(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 2 {
		t.Fatalf("len(children) = %d, want 2", len(children))
	}
	if children[0].Name != "hello.txt" || children[1].Name != "sub" {
		t.Errorf("got order %q, %q; want hello.txt, sub", children[0].Name, children[1].Name)
	}
}
