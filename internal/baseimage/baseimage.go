// Package baseimage reads the optional, read-only base image attached to
// a storage window: a superblock, an inode table (64 bytes per entry),
// and a string table holding every inode's name bytes. Directories are
// linked lists threaded via first_child/next_sibling.
package baseimage

import (
	"io"

	"github.com/deltafs/deltafs/internal/layout"
	"golang.org/x/xerrors"
)

// ErrNoBaseImage is returned by Open when the superblock reports no base
// image attached (base_offset == 0).
var ErrNoBaseImage = xerrors.New("baseimage: no base image attached")

// Reader is a read-only view of a base image within a storage window.
type Reader struct {
	r     io.ReaderAt
	base  uint64 // absolute offset of the base image superblock
	super layout.BaseSuperblock
}

// Open reads the base image superblock at baseOffset and returns a
// Reader over it. Returns ErrNoBaseImage if baseOffset is 0.
func Open(r io.ReaderAt, baseOffset uint64) (*Reader, error) {
	if baseOffset == 0 {
		return nil, ErrNoBaseImage
	}
	bsb, err := layout.ReadBaseSuperblock(r, baseOffset)
	if err != nil {
		return nil, xerrors.Errorf("baseimage: %w", err)
	}
	return &Reader{r: r, base: baseOffset, super: bsb}, nil
}

// RootInode returns the base image's root inode id (usually 1).
func (rd *Reader) RootInode() uint32 { return rd.super.RootInode }

// InodeCount returns the number of inodes in the base image.
func (rd *Reader) InodeCount() uint32 { return rd.super.InodeCount }

// Inode reads the base inode with the given 1-based id. All offsets
// recorded inside the base image (inode table, string table, file data)
// are relative to the image's own start, so every read adds rd.base.
func (rd *Reader) Inode(ino uint32) (layout.BaseInode, error) {
	if ino == 0 || ino > rd.super.InodeCount {
		return layout.BaseInode{}, xerrors.Errorf("baseimage: inode %d out of range [1, %d]", ino, rd.super.InodeCount)
	}
	return layout.ReadBaseInode(rd.r, rd.base+rd.super.InodeTableOffset, ino)
}

// Name reads an inode's name out of the string table.
func (rd *Reader) Name(bi layout.BaseInode) (string, error) {
	if bi.NameLen == 0 {
		return "", nil
	}
	buf := make([]byte, bi.NameLen)
	off := int64(rd.base) + int64(rd.super.StringTableOffset) + int64(bi.NameOffset)
	if _, err := rd.r.ReadAt(buf, off); err != nil {
		return "", xerrors.Errorf("baseimage: reading name for inode %d: %w", bi.Ino, err)
	}
	return string(buf), nil
}

// Child is one entry produced while walking a directory's linked list.
type Child struct {
	Inode layout.BaseInode
	Name  string
}

// Children walks the first_child/next_sibling linked list rooted at
// parent and returns every entry in on-disk order.
func (rd *Reader) Children(parent layout.BaseInode) ([]Child, error) {
	var out []Child
	next := parent.FirstChild
	for next != 0 {
		child, err := rd.Inode(next)
		if err != nil {
			return nil, err
		}
		name, err := rd.Name(child)
		if err != nil {
			return nil, err
		}
		out = append(out, Child{Inode: child, Name: name})
		next = child.NextSibling
	}
	return out, nil
}

// Lookup finds the child of parent named name, if any.
func (rd *Reader) Lookup(parent layout.BaseInode, name string) (layout.BaseInode, bool, error) {
	next := parent.FirstChild
	for next != 0 {
		child, err := rd.Inode(next)
		if err != nil {
			return layout.BaseInode{}, false, err
		}
		childName, err := rd.Name(child)
		if err != nil {
			return layout.BaseInode{}, false, err
		}
		if childName == name {
			return child, true, nil
		}
		next = child.NextSibling
	}
	return layout.BaseInode{}, false, nil
}

// ReadAt reads length bytes of inode ino's file data starting at pos,
// clamped to the inode's recorded size. avail may be less than length at
// EOF.
func (rd *Reader) ReadAt(bi layout.BaseInode, pos uint64, length int) ([]byte, int, error) {
	if pos >= bi.Size {
		return nil, 0, nil
	}
	avail := int(bi.Size - pos)
	if avail > length {
		avail = length
	}
	buf := make([]byte, avail)
	if _, err := rd.r.ReadAt(buf, int64(rd.base+bi.DataOffset+pos)); err != nil {
		return nil, 0, xerrors.Errorf("baseimage: reading data for inode %d: %w", bi.Ino, err)
	}
	return buf, avail, nil
}
