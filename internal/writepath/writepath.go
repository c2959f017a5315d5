// Package writepath translates VFS-level mutations into delta log
// records: one function per record type, each validating preconditions
// against the resolved view (internal/resolver), then appending through
// deltalog.Log.Append, which publishes the record (writes bytes, updates
// both indices, then bumps delta_log_size) as a single atomic step from
// a reader's point of view.
package writepath

import (
	"time"

	"github.com/deltafs/deltafs/internal/baseimage"
	"github.com/deltafs/deltafs/internal/branch"
	"github.com/deltafs/deltafs/internal/deltaerr"
	"github.com/deltafs/deltafs/internal/deltalog"
	"github.com/deltafs/deltafs/internal/resolver"
	"golang.org/x/sys/unix"
)

// Write appends a WRITE record to b's log. The caller (internal/vfs) is
// responsible for clamping offset/data to whatever the kernel request
// allows; writepath does not enforce a max file size.
func Write(b *branch.Branch, ino, offset uint64, data []byte, flags uint32, now time.Time) error {
	if err := branch.CheckActive(b); err != nil {
		return err
	}
	buf, err := deltalog.EncodeWrite(ino, offset, data, flags, now)
	if err != nil {
		return err
	}
	return b.Log.Append(buf)
}

// Create appends a CREATE record for a new regular file named name
// inside parent, failing with deltaerr.Exist if that name is already
// occupied anywhere in chain. The new inode id is drawn from table's
// global counter.
func Create(table *branch.Table, chain []*branch.Branch, base *baseimage.Reader, b *branch.Branch, parent uint64, name string, mode uint32, now time.Time) (uint64, error) {
	return create(deltalog.TypeCreate, table, chain, base, b, parent, name, mode, now)
}

// Mkdir is Create for directories.
func Mkdir(table *branch.Table, chain []*branch.Branch, base *baseimage.Reader, b *branch.Branch, parent uint64, name string, mode uint32, now time.Time) (uint64, error) {
	return create(deltalog.TypeMkdir, table, chain, base, b, parent, name, mode, now)
}

func create(typ deltalog.Type, table *branch.Table, chain []*branch.Branch, base *baseimage.Reader, b *branch.Branch, parent uint64, name string, mode uint32, now time.Time) (uint64, error) {
	if err := branch.CheckActive(b); err != nil {
		return 0, err
	}
	existing, err := resolver.ResolveDirent(chain, base, parent, name)
	if err != nil {
		return 0, err
	}
	if existing.Exists {
		return 0, deltaerr.Exist
	}

	ino := table.AllocInode()
	buf, err := deltalog.EncodeCreate(typ, parent, ino, mode, name, 0, now)
	if err != nil {
		return 0, err
	}
	if err := b.Log.Append(buf); err != nil {
		return 0, err
	}
	return ino, nil
}

// Unlink appends a DELETE tombstone for a non-directory dirent. It
// refuses with deltaerr.Invalid if name resolves to a directory; rmdir,
// not unlink, is the way to remove one.
func Unlink(chain []*branch.Branch, base *baseimage.Reader, b *branch.Branch, parent uint64, name string, now time.Time) error {
	target, info, err := lookupForRemoval(chain, base, parent, name)
	if err != nil {
		return err
	}
	if info.Mode&unix.S_IFMT == unix.S_IFDIR {
		return deltaerr.Invalid
	}
	return appendDelete(b, target.Ino, parent, name, now)
}

// Rmdir appends a DELETE tombstone for an empty directory. It
// enumerates the directory first and refuses with deltaerr.NotEmpty if
// anything beyond "." and ".." survives.
func Rmdir(chain []*branch.Branch, base *baseimage.Reader, b *branch.Branch, parent uint64, name string, now time.Time) error {
	target, info, err := lookupForRemoval(chain, base, parent, name)
	if err != nil {
		return err
	}
	if info.Mode&unix.S_IFMT != unix.S_IFDIR {
		return deltaerr.Invalid
	}

	entries, err := resolver.Readdir(chain, base, target.Ino, parent)
	if err != nil {
		return err
	}
	if len(entries) > 2 {
		return deltaerr.NotEmpty
	}
	return appendDelete(b, target.Ino, parent, name, now)
}

func lookupForRemoval(chain []*branch.Branch, base *baseimage.Reader, parent uint64, name string) (resolver.DirentInfo, resolver.InodeInfo, error) {
	d, err := resolver.ResolveDirent(chain, base, parent, name)
	if err != nil {
		return resolver.DirentInfo{}, resolver.InodeInfo{}, err
	}
	if !d.Exists {
		return resolver.DirentInfo{}, resolver.InodeInfo{}, deltaerr.NotExist
	}
	info, err := resolver.ResolveInode(chain, base, d.Ino)
	if err != nil {
		return resolver.DirentInfo{}, resolver.InodeInfo{}, err
	}
	if !info.Exists || info.Deleted {
		return resolver.DirentInfo{}, resolver.InodeInfo{}, deltaerr.NotExist
	}
	return d, info, nil
}

func appendDelete(b *branch.Branch, ino, parent uint64, name string, now time.Time) error {
	if err := branch.CheckActive(b); err != nil {
		return err
	}
	buf, err := deltalog.EncodeDelete(ino, parent, name, 0, now)
	if err != nil {
		return err
	}
	return b.Log.Append(buf)
}

// Truncate appends a TRUNCATE record. It does not itself validate that
// ino exists; callers resolve that first via resolver.ResolveInode as
// part of handling the surrounding VFS request.
func Truncate(b *branch.Branch, ino, newSize uint64, now time.Time) error {
	if err := branch.CheckActive(b); err != nil {
		return err
	}
	buf, err := deltalog.EncodeTruncate(ino, newSize, now)
	if err != nil {
		return err
	}
	return b.Log.Append(buf)
}

// Setattr appends a SETATTR record; validMask selects which of
// mode/uid/gid/size are meaningful.
func Setattr(b *branch.Branch, ino uint64, validMask, mode, uid, gid uint32, size uint64, now time.Time) error {
	if err := branch.CheckActive(b); err != nil {
		return err
	}
	buf, err := deltalog.EncodeSetattr(ino, validMask, mode, uid, gid, size, now)
	if err != nil {
		return err
	}
	return b.Log.Append(buf)
}

// Rename appends a RENAME record. flags accepts only
// deltalog.RenameNoReplace; any other bit is deltaerr.Invalid. A rename
// onto an existing name fails with deltaerr.Exist when NOREPLACE is set
// and deltaerr.Invalid when it is not: overwriting renames are not
// supported, so the target must be removed first.
func Rename(chain []*branch.Branch, base *baseimage.Reader, b *branch.Branch, oldParent uint64, oldName string, newParent uint64, newName string, flags uint32, now time.Time) error {
	if err := branch.CheckActive(b); err != nil {
		return err
	}
	if flags&^deltalog.RenameNoReplace != 0 {
		return deltaerr.Invalid
	}

	src, err := resolver.ResolveDirent(chain, base, oldParent, oldName)
	if err != nil {
		return err
	}
	if !src.Exists {
		return deltaerr.NotExist
	}

	dst, err := resolver.ResolveDirent(chain, base, newParent, newName)
	if err != nil {
		return err
	}
	if dst.Exists {
		if flags&deltalog.RenameNoReplace != 0 {
			return deltaerr.Exist
		}
		return deltaerr.Invalid
	}

	buf, err := deltalog.EncodeRename(src.Ino, oldParent, newParent, oldName, newName, now)
	if err != nil {
		return err
	}
	return b.Log.Append(buf)
}
