// Package vfs implements the fuseutil.FileSystem serving a deltafs
// mount: each method resolves the current mount's branch chain
// (internal/resolver) and, for mutations, routes through
// internal/writepath before re-resolving to answer the kernel.
package vfs

import (
	"context"
	"os"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/sys/unix"

	"github.com/deltafs/deltafs/internal/baseimage"
	"github.com/deltafs/deltafs/internal/branch"
	"github.com/deltafs/deltafs/internal/deltaerr"
	"github.com/deltafs/deltafs/internal/deltalog"
	"github.com/deltafs/deltafs/internal/resolver"
	"github.com/deltafs/deltafs/internal/writepath"
)

// never is used for attribute cache expiration on inodes the core never
// spontaneously mutates out from under the kernel: every mutation here
// goes through the same FS, so the kernel's cache is always consistent
// with the last value this process handed out.
var never = time.Now().Add(365 * 24 * time.Hour)

// FS is one mount's view of a deltafs image: a branch manager, the
// optional base image, and the one branch this mount is bound to.
// mountBranch is nil for a base-only, read-only mount; every mutating op
// fails deltaerr.ReadOnly in that mode.
type FS struct {
	fuseutil.NotImplementedFileSystem

	table       *branch.Table
	base        *baseimage.Reader
	mountBranch *branch.Branch

	uid, gid uint32
}

// New constructs a FileSystem bound to mountBranch (nil for a read-only,
// base-image-only mount).
func New(table *branch.Table, base *baseimage.Reader, mountBranch *branch.Branch, uid, gid uint32) *FS {
	return &FS{table: table, base: base, mountBranch: mountBranch, uid: uid, gid: gid}
}

// Server wraps fs in a fuse.Server suitable for fuse.Mount.
func (fs *FS) Server() fuse.Server {
	return fuseutil.NewFileSystemServer(fs)
}

func (fs *FS) chain() []*branch.Branch {
	if fs.mountBranch == nil {
		return nil
	}
	return resolver.Chain(fs.table, fs.mountBranch)
}

func (fs *FS) writable() (*branch.Branch, error) {
	if fs.mountBranch == nil {
		return nil, deltaerr.ReadOnly
	}
	if err := branch.CheckActive(fs.mountBranch); err != nil {
		return nil, err
	}
	return fs.mountBranch, nil
}

// unixModeToFileMode converts an on-disk unix mode_t (as stored in
// layout.BaseInode.Mode and deltalog record Mode fields, e.g. 0100644,
// 040755) to the os.FileMode fuseops.InodeAttributes expects.
func unixModeToFileMode(m uint32) os.FileMode {
	mode := os.FileMode(m & 0777)
	switch m & unix.S_IFMT {
	case unix.S_IFDIR:
		mode |= os.ModeDir
	case unix.S_IFLNK:
		mode |= os.ModeSymlink
	}
	return mode
}

func (fs *FS) attrs(info resolver.InodeInfo) fuseops.InodeAttributes {
	now := time.Now()
	return fuseops.InodeAttributes{
		Size:  info.Size,
		Nlink: info.Nlink,
		Mode:  unixModeToFileMode(info.Mode),
		Atime: now,
		Mtime: now,
		Ctime: now,
		Uid:   fs.uid,
		Gid:   fs.gid,
	}
}

func (fs *FS) resolveInode(ino uint64) (resolver.InodeInfo, error) {
	info, err := resolver.ResolveInode(fs.chain(), fs.base, ino)
	if err != nil {
		return resolver.InodeInfo{}, err
	}
	if !info.Exists || info.Deleted {
		return resolver.InodeInfo{}, fuse.ENOENT
	}
	return info, nil
}

func (fs *FS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	d, err := resolver.ResolveDirent(fs.chain(), fs.base, uint64(op.Parent), op.Name)
	if err != nil {
		return deltaerr.ToFUSE(err)
	}
	if !d.Exists {
		return fuse.ENOENT
	}
	info, err := fs.resolveInode(d.Ino)
	if err != nil {
		return deltaerr.ToFUSE(err)
	}

	op.Entry.Child = fuseops.InodeID(d.Ino)
	op.Entry.Attributes = fs.attrs(info)
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never
	return nil
}

func (fs *FS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	info, err := fs.resolveInode(uint64(op.Inode))
	if err != nil {
		return deltaerr.ToFUSE(err)
	}
	op.Attributes = fs.attrs(info)
	op.AttributesExpiration = never
	return nil
}

// SetInodeAttributes appends a SETATTR record for whichever of
// size/mode is present in op; there is no uid/gid-changing VFS op, so
// only mode/size apply. A size change is encoded as SETATTR rather than
// TRUNCATE so a single record carries both when the kernel bundles
// them.
func (fs *FS) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	b, err := fs.writable()
	if err != nil {
		return deltaerr.ToFUSE(err)
	}
	info, err := fs.resolveInode(uint64(op.Inode))
	if err != nil {
		return deltaerr.ToFUSE(err)
	}

	var mask uint32
	mode := info.Mode
	size := info.Size
	if op.Mode != nil {
		mask |= deltalog.SetattrMode
		mode = (mode &^ 0777) | uint32(*op.Mode&0777)
	}
	if op.Size != nil {
		mask |= deltalog.SetattrSize
		size = *op.Size
	}
	if mask != 0 {
		if err := writepath.Setattr(b, uint64(op.Inode), mask, mode, fs.uid, fs.gid, size, time.Now()); err != nil {
			return deltaerr.ToFUSE(err)
		}
	}

	info, err = fs.resolveInode(uint64(op.Inode))
	if err != nil {
		return deltaerr.ToFUSE(err)
	}
	op.Attributes = fs.attrs(info)
	op.AttributesExpiration = never
	return nil
}

func (fs *FS) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	b, err := fs.writable()
	if err != nil {
		return deltaerr.ToFUSE(err)
	}
	mode := unix.S_IFDIR | uint32(op.Mode&0777)
	ino, err := writepath.Mkdir(fs.table, fs.chain(), fs.base, b, uint64(op.Parent), op.Name, mode, time.Now())
	if err != nil {
		return deltaerr.ToFUSE(err)
	}

	info, err := fs.resolveInode(ino)
	if err != nil {
		return deltaerr.ToFUSE(err)
	}
	op.Entry.Child = fuseops.InodeID(ino)
	op.Entry.Attributes = fs.attrs(info)
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never
	return nil
}

func (fs *FS) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	b, err := fs.writable()
	if err != nil {
		return deltaerr.ToFUSE(err)
	}
	mode := unix.S_IFREG | uint32(op.Mode&0777)
	ino, err := writepath.Create(fs.table, fs.chain(), fs.base, b, uint64(op.Parent), op.Name, mode, time.Now())
	if err != nil {
		return deltaerr.ToFUSE(err)
	}

	info, err := fs.resolveInode(ino)
	if err != nil {
		return deltaerr.ToFUSE(err)
	}
	op.Entry.Child = fuseops.InodeID(ino)
	op.Entry.Attributes = fs.attrs(info)
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never
	return nil
}

func (fs *FS) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	b, err := fs.writable()
	if err != nil {
		return deltaerr.ToFUSE(err)
	}
	var flags uint32
	err = writepath.Rename(fs.chain(), fs.base, b, uint64(op.OldParent), op.OldName, uint64(op.NewParent), op.NewName, flags, time.Now())
	return deltaerr.ToFUSE(err)
}

func (fs *FS) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	b, err := fs.writable()
	if err != nil {
		return deltaerr.ToFUSE(err)
	}
	return deltaerr.ToFUSE(writepath.Rmdir(fs.chain(), fs.base, b, uint64(op.Parent), op.Name, time.Now()))
}

func (fs *FS) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	b, err := fs.writable()
	if err != nil {
		return deltaerr.ToFUSE(err)
	}
	return deltaerr.ToFUSE(writepath.Unlink(fs.chain(), fs.base, b, uint64(op.Parent), op.Name, time.Now()))
}

// OpenDir declines via ENOSYS so the kernel stops sending explicit
// opendir/release pairs: this file system keeps no per-handle directory
// state.
func (fs *FS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	return fuse.ENOSYS
}

func (fs *FS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	info, err := fs.resolveInode(uint64(op.Inode))
	if err != nil {
		return deltaerr.ToFUSE(err)
	}
	dotdot := info.ParentIno
	if op.Inode == fuseops.RootInodeID {
		dotdot = uint64(op.Inode)
	}

	entries, err := resolver.Readdir(fs.chain(), fs.base, uint64(op.Inode), dotdot)
	if err != nil {
		return deltaerr.ToFUSE(err)
	}

	var fis []fuseutil.Dirent
	for _, e := range entries {
		typ := fuseutil.DT_File
		if e.Mode&unix.S_IFMT == unix.S_IFDIR {
			typ = fuseutil.DT_Directory
		}
		fis = append(fis, fuseutil.Dirent{
			Offset: fuseops.DirOffset(len(fis)) + 1,
			Inode:  fuseops.InodeID(e.Ino),
			Name:   e.Name,
			Type:   typ,
		})
	}

	if op.Offset > fuseops.DirOffset(len(fis)) {
		return fuse.EIO
	}
	for _, dirent := range fis[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], dirent)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

// OpenFile declines the same way OpenDir does; there is no per-handle
// read/write state beyond the inode id.
func (fs *FS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	return fuse.ENOSYS
}

func (fs *FS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	if op.Offset < 0 {
		return fuse.EINVAL
	}
	data, avail, err := resolver.ResolveData(fs.chain(), fs.base, uint64(op.Inode), uint64(op.Offset), len(op.Dst))
	if err != nil {
		return deltaerr.ToFUSE(err)
	}
	op.BytesRead = copy(op.Dst, data[:avail])
	return nil
}

func (fs *FS) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	b, err := fs.writable()
	if err != nil {
		return deltaerr.ToFUSE(err)
	}
	if op.Offset < 0 {
		return fuse.EINVAL
	}
	if err := writepath.Write(b, uint64(op.Inode), uint64(op.Offset), op.Data, 0, time.Now()); err != nil {
		return deltaerr.ToFUSE(err)
	}
	return nil
}

func (fs *FS) Destroy() {}
