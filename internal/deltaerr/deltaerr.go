// Package deltaerr defines the filesystem's error taxonomy: resource
// errors (NOSPC, NOMEM), semantic errors (EXIST, NOENT, INVAL), state
// errors (STALE, IO), and the transient FAULT case. Each is a sentinel
// comparable with errors.Is, and each maps to the errno that
// github.com/jacobsa/fuse expects a handler to return.
package deltaerr

import (
	"syscall"

	"github.com/jacobsa/fuse"
)

// Errno is a core-level error taxonomy entry. It carries its own symbolic
// name (for log messages) and the fuse/syscall errno it maps to at the VFS
// boundary.
type Errno struct {
	name  string
	errno error
}

func (e *Errno) Error() string { return e.name }

// Resource errors: the allocator or an index ran out of room.
var (
	NoSpace = &Errno{name: "NOSPC: delta region or branch capacity exhausted", errno: syscall.ENOSPC}
	NoMem   = &Errno{name: "NOMEM: index allocation failed", errno: syscall.ENOMEM}
)

// Semantic errors: the requested name/inode state doesn't support the op.
var (
	Exist    = &Errno{name: "EEXIST: name already exists", errno: fuse.EEXIST}
	NotExist = &Errno{name: "ENOENT: no such name or inode", errno: fuse.ENOENT}
	Invalid  = &Errno{name: "EINVAL: unsupported flag or argument", errno: fuse.EINVAL}
	NotEmpty = &Errno{name: "ENOTEMPTY: directory not empty", errno: syscall.ENOTEMPTY}
)

// State errors: the branch or log is no longer usable as requested.
var (
	Stale    = &Errno{name: "ESTALE: branch invalidated by a sibling commit", errno: syscall.ESTALE}
	IO       = &Errno{name: "EIO: on-disk structure corrupt", errno: fuse.EIO}
	ReadOnly = &Errno{name: "EROFS: mount has no active branch to append to", errno: syscall.EROFS}
)

// Fault is transient: a user-space copy failed partway through building a
// record. The partial bytes stay orphaned at their reserved offset;
// delta_log_size is not advanced over them, so readers never observe the
// malformed record.
var Fault = &Errno{name: "EFAULT: copying record payload failed", errno: syscall.EFAULT}

// ToFUSE returns the errno that a fuseutil.FileSystem method should return
// to the kernel for err, unwrapping *Errno via errors.As semantics by hand
// (the taxonomy is small and flat, so a type switch suffices) and falling
// back to EIO for anything unrecognized.
func ToFUSE(err error) error {
	if err == nil {
		return nil
	}
	if en, ok := err.(*Errno); ok {
		return en.errno
	}
	if en, ok := asErrno(err); ok {
		return en.errno
	}
	return fuse.EIO
}

// asErrno unwraps wrapped errors (xerrors.Errorf("...: %w", NotExist))
// level by level until it finds an *Errno or reaches an error that does
// not wrap another.
func asErrno(err error) (*Errno, bool) {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if en, ok := err.(*Errno); ok {
			return en, true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
