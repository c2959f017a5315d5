// Package deltafs provides the memory-native, delta-log filesystem core:
// a mountable filesystem whose state is the composition of an optional
// read-only base image plus a chain of append-only per-branch mutation
// logs, with speculative branching (fork/commit/abort) over a single
// directly-addressable storage window.
package deltafs

// Version is the on-disk/wire format version understood by this build. It
// is checked against layout.Superblock.Version at mount time.
const Version = 1
