// Package mkimage implements the base-image writer tool plus the thin
// layout-assembly step needed to turn a base image into a complete,
// mountable storage window: walk a source directory, assign sequential
// inode numbers, and write out a superblock + branch table + base image
// (inode table + string table + data area) + zeroed delta region in
// exactly the layout internal/layout, internal/baseimage and
// internal/branch expect. Entries are placed in sorted order so sibling
// links come out deterministic for a given source tree.
package mkimage

import (
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/xerrors"

	"github.com/deltafs/deltafs/internal/layout"
)

// Config controls how Build lays out a full deltafs storage window.
type Config struct {
	// SourceDir is walked recursively to populate the base image. Empty
	// means no base image is attached (BaseOffset 0, a bare image).
	SourceDir string
	// OutputPath is where the resulting window is atomically written.
	OutputPath string
	// DeltaRegionSize reserves this many zeroed bytes for the delta
	// region, beyond whatever the root branch's capacity consumes.
	DeltaRegionSize uint64
	// RootCapacity is the main/root branch's initial delta_log_capacity,
	// reserved from the front of the delta region.
	RootCapacity uint64
	// Compress, if set, additionally writes OutputPath+".zst": a
	// zstd-compressed archival copy of the same bytes, for shipping or
	// storing the image before a provisioning step decompresses it back
	// into a plain file a mount can mmap. The in-window data area itself
	// is never compressed: internal/baseimage.Reader.ReadAt reads file
	// bytes straight out of the window with no decode step, copying them
	// into a fresh buffer (it does not hand out a slice aliasing the
	// window).
	Compress bool
}

type node struct {
	ino         uint32
	name        string
	mode        uint32
	size        uint64
	data        []byte
	parent      uint32
	isDir       bool
	children    []*node
	nextSibling uint32
}

// buildBaseImage walks sourceDir and returns the encoded base image
// bytes, with the base superblock at offset 0 of the returned slice and
// every internal offset relative to that start. The root of sourceDir
// becomes inode 1. Returns (nil, nil) if sourceDir is empty.
func buildBaseImage(sourceDir string) ([]byte, error) {
	if sourceDir == "" {
		return nil, nil
	}

	root := &node{ino: 1, mode: 040755, isDir: true, parent: 1}
	nextIno := uint32(2)

	var walk func(dir string, n *node) error
	walk = func(dir string, n *node) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return xerrors.Errorf("mkimage: reading %s: %w", dir, err)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, e := range entries {
			if e.Type()&os.ModeSymlink != 0 {
				continue // symlinks are not represented in a base image
			}
			full := filepath.Join(dir, e.Name())
			child := &node{ino: nextIno, name: e.Name(), parent: n.ino}
			nextIno++

			if e.IsDir() {
				child.isDir = true
				child.mode = 040755
				if err := walk(full, child); err != nil {
					return err
				}
			} else {
				info, err := e.Info()
				if err != nil {
					return xerrors.Errorf("mkimage: stat %s: %w", full, err)
				}
				data, err := os.ReadFile(full)
				if err != nil {
					return xerrors.Errorf("mkimage: reading %s: %w", full, err)
				}
				child.mode = 0100644
				if info.Mode()&0111 != 0 {
					child.mode = 0100755
				}
				child.size = uint64(len(data))
				child.data = data
			}
			n.children = append(n.children, child)
		}
		return nil
	}
	if err := walk(sourceDir, root); err != nil {
		return nil, err
	}

	var all []*node
	var flatten func(*node)
	flatten = func(n *node) {
		all = append(all, n)
		for _, c := range n.children {
			flatten(c)
		}
	}
	flatten(root)
	sort.Slice(all, func(i, j int) bool { return all[i].ino < all[j].ino })

	for _, n := range all {
		for i := 0; i+1 < len(n.children); i++ {
			n.children[i].nextSibling = n.children[i+1].ino
		}
	}

	const inodeOffset = layout.BlockSize
	inodeTableSize := uint64(len(all)) * layout.BaseInodeSize
	stringsOffset := uint64(inodeOffset) + inodeTableSize

	var stringBuf []byte
	nameOffset := make(map[uint32]uint32, len(all))
	for _, n := range all {
		nameOffset[n.ino] = uint32(len(stringBuf))
		stringBuf = append(stringBuf, n.name...)
	}

	dataOffset := stringsOffset + uint64(len(stringBuf))
	var dataBuf []byte
	dataOff := make(map[uint32]uint64, len(all))
	for _, n := range all {
		if n.isDir {
			continue
		}
		dataOff[n.ino] = dataOffset + uint64(len(dataBuf))
		dataBuf = append(dataBuf, n.data...)
	}

	total := dataOffset + uint64(len(dataBuf))
	buf := make([]byte, total)
	bw := &sliceWriterAt{buf: buf}

	sb := layout.BaseSuperblock{
		Magic:             layout.BaseMagic,
		Version:           1,
		InodeCount:        uint32(len(all)),
		RootInode:         1,
		InodeTableOffset:  uint64(inodeOffset),
		StringTableOffset: stringsOffset,
		StringTableSize:   uint64(len(stringBuf)),
		DataOffset:        dataOffset,
	}
	if err := layout.WriteBaseSuperblock(bw, 0, sb); err != nil {
		return nil, err
	}

	for _, n := range all {
		bi := layout.BaseInode{
			Ino:        n.ino,
			Mode:       n.mode,
			NameOffset: nameOffset[n.ino],
			NameLen:    uint32(len(n.name)),
			ParentIno:  n.parent,
			Nlink:      1,
		}
		if n.isDir {
			bi.Nlink = 2
			if len(n.children) > 0 {
				bi.FirstChild = n.children[0].ino
			}
		} else {
			bi.Size = n.size
			bi.DataOffset = dataOff[n.ino]
		}
		if n.nextSibling != 0 {
			bi.NextSibling = n.nextSibling
		}
		if err := layout.WriteBaseInode(bw, uint64(inodeOffset), bi); err != nil {
			return nil, err
		}
	}

	if _, err := bw.WriteAt(stringBuf, int64(stringsOffset)); err != nil {
		return nil, err
	}
	if _, err := bw.WriteAt(dataBuf, int64(dataOffset)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Build assembles a complete deltafs storage window: the top-level
// superblock, a branch table whose only populated entry is the ACTIVE
// root/main branch, the base image (if cfg.SourceDir is set) immediately
// after the branch table, and a zeroed delta region sized
// cfg.RootCapacity + cfg.DeltaRegionSize. The result is written
// atomically to cfg.OutputPath.
func Build(cfg Config) error {
	base, err := buildBaseImage(cfg.SourceDir)
	if err != nil {
		return err
	}

	const sbSize = layout.BlockSize
	branchTableOffset := uint64(sbSize)
	branchTableSize := uint64(layout.MaxBranches) * layout.BranchRecordSize

	baseOffset := uint64(0)
	baseSize := uint64(0)
	deltaRegionOffset := branchTableOffset + branchTableSize
	if len(base) > 0 {
		baseOffset = deltaRegionOffset
		baseSize = uint64(len(base))
		deltaRegionOffset = baseOffset + baseSize
	}

	rootCapacity := cfg.RootCapacity
	if rootCapacity == 0 {
		rootCapacity = 1 << 20 // 1 MiB default, a generous starting log for "main"
	}
	deltaRegionSize := rootCapacity + cfg.DeltaRegionSize
	total := deltaRegionOffset + deltaRegionSize

	buf := make([]byte, total)
	bw := &sliceWriterAt{buf: buf}

	// Inode 1 is always the root directory, whether it lives in the base
	// image's inode table or is synthesized at mount time for a bare
	// image; new objects start numbering after it.
	nextInode := uint64(2)
	if len(base) > 0 {
		bsb, err := layout.ReadBaseSuperblock(byteReaderAt{base}, 0)
		if err != nil {
			return xerrors.Errorf("mkimage: validating assembled base image: %w", err)
		}
		nextInode = uint64(bsb.InodeCount) + 1
	}

	sb := layout.Superblock{
		Magic:             layout.Magic,
		Version:           1,
		BlockSize:         layout.BlockSize,
		TotalSize:         total,
		BaseOffset:        baseOffset,
		BaseSize:          baseSize,
		BranchTableOffset: branchTableOffset,
		BranchTableCap:    layout.MaxBranches,
		ActiveBranches:    1,
		NextBranchID:      2,
		NextInodeID:       nextInode,
		DeltaRegionOffset: deltaRegionOffset,
		DeltaRegionSize:   deltaRegionSize,
		DeltaAllocOffset:  rootCapacity,
	}
	if err := layout.WriteSuperblock(bw, sb); err != nil {
		return err
	}

	// Branch log offsets are relative to the delta region, not the file:
	// the root branch's log occupies region bytes [0, rootCapacity).
	root := layout.BranchRecord{
		BranchID:         1,
		ParentID:         0,
		DeltaLogOffset:   0,
		DeltaLogSize:     0,
		DeltaLogCapacity: rootCapacity,
		State:            layout.BranchActive,
		Refcount:         1,
	}
	if err := root.SetName("main"); err != nil {
		return err
	}
	if err := layout.WriteBranchRecord(bw, branchTableOffset, 0, root); err != nil {
		return err
	}

	if len(base) > 0 {
		if _, err := bw.WriteAt(base, int64(baseOffset)); err != nil {
			return err
		}
	}

	if err := atomicWrite(cfg.OutputPath, buf); err != nil {
		return err
	}
	if cfg.Compress {
		if err := atomicWriteCompressed(cfg.OutputPath+".zst", buf); err != nil {
			return err
		}
	}
	return nil
}

func atomicWrite(path string, data []byte) error {
	f, err := renameio.TempFile("", path)
	if err != nil {
		return xerrors.Errorf("mkimage: creating temp file for %s: %w", path, err)
	}
	defer f.Cleanup()
	if _, err := f.Write(data); err != nil {
		return xerrors.Errorf("mkimage: writing %s: %w", path, err)
	}
	return f.CloseAtomicallyReplace()
}

func atomicWriteCompressed(path string, data []byte) error {
	f, err := renameio.TempFile("", path)
	if err != nil {
		return xerrors.Errorf("mkimage: creating temp file for %s: %w", path, err)
	}
	defer f.Cleanup()
	enc, err := zstd.NewWriter(f)
	if err != nil {
		return xerrors.Errorf("mkimage: creating zstd encoder: %w", err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return xerrors.Errorf("mkimage: compressing %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return xerrors.Errorf("mkimage: flushing zstd stream: %w", err)
	}
	return f.CloseAtomicallyReplace()
}

// sliceWriterAt adapts a fixed []byte as an io.WriterAt, the interface
// internal/layout's encode functions consume.
type sliceWriterAt struct{ buf []byte }

func (w *sliceWriterAt) WriteAt(p []byte, off int64) (int, error) {
	if int(off)+len(p) > len(w.buf) {
		return 0, xerrors.Errorf("mkimage: write at %d, len %d exceeds buffer of %d bytes", off, len(p), len(w.buf))
	}
	return copy(w.buf[off:], p), nil
}

var _ io.WriterAt = (*sliceWriterAt)(nil)

// byteReaderAt adapts a []byte as an io.ReaderAt for the self-validation
// read in Build.
type byteReaderAt struct{ buf []byte }

func (r byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, r.buf[off:]), nil
}
