package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/user"
	"strconv"

	fusepkg "github.com/jacobsa/fuse"
	"google.golang.org/grpc"

	"golang.org/x/xerrors"

	"github.com/deltafs/deltafs"
	"github.com/deltafs/deltafs/internal/baseimage"
	"github.com/deltafs/deltafs/internal/branch"
	"github.com/deltafs/deltafs/internal/branchapi"
	"github.com/deltafs/deltafs/internal/layout"
	"github.com/deltafs/deltafs/internal/storage"
	"github.com/deltafs/deltafs/internal/vfs"
)

const mountHelp = `deltafs mount [-flags] <image> <mountpoint>

Mount a deltafs storage window at mountpoint.

Example:
  % deltafs mount -branch main image.img /mnt/delta
`

// cmdMount opens the storage window at <image>, rebuilds the branch
// table and (if attached) the base image, binds the mount to -branch (or
// a read-only base-only mount if -branch is empty), and serves it via
// jacobsa/fuse, with the branch-management control socket listening
// alongside the mount.
func cmdMount(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("mount", flag.ExitOnError)
	var (
		branchName = fset.String("branch", "", "branch to mount read-write; empty mounts the base image read-only")
		readiness  = fset.Int("readiness", -1, "file descriptor on which to send a readiness notification")
		ctlPath    = fset.String("ctl", "", "path at which to expose the branch-management control socket (default: a temp dir)")
	)
	fset.Usage = func() {
		fmt.Fprint(os.Stderr, mountHelp)
		fset.PrintDefaults()
	}
	fset.Parse(args)
	if fset.NArg() != 2 {
		return xerrors.Errorf("syntax: mount [-flags] <image> <mountpoint>")
	}
	imagePath, mountpoint := fset.Arg(0), fset.Arg(1)

	fi, err := os.Stat(imagePath)
	if err != nil {
		return xerrors.Errorf("opening image: %w", err)
	}
	win, err := storage.OpenMapped(imagePath, uint64(fi.Size()))
	if err != nil {
		return xerrors.Errorf("opening image: %w", err)
	}
	deltafs.OnShutdown("storage window", win.Close)

	sb, err := layout.ReadSuperblock(storage.ReaderAt{Win: win})
	if err != nil {
		return xerrors.Errorf("reading superblock: %w", err)
	}
	if sb.Version != deltafs.Version {
		return xerrors.Errorf("image has format version %d, this build understands version %d", sb.Version, deltafs.Version)
	}
	if win.Len() < sb.TotalSize {
		return xerrors.Errorf("image file is %d bytes, superblock requires %d", win.Len(), sb.TotalSize)
	}

	var base *baseimage.Reader
	if sb.BaseOffset != 0 {
		base, err = baseimage.Open(storage.ReaderAt{Win: win}, sb.BaseOffset)
		if err != nil {
			return xerrors.Errorf("opening base image: %w", err)
		}
	}

	records := make([]layout.BranchRecord, 0, sb.BranchTableCap)
	for i := uint32(0); i < sb.BranchTableCap; i++ {
		rec, err := layout.ReadBranchRecord(storage.ReaderAt{Win: win}, sb.BranchTableOffset, int(i))
		if err != nil {
			return xerrors.Errorf("reading branch table slot %d: %w", i, err)
		}
		if rec.BranchID != 0 {
			records = append(records, rec)
		}
	}

	region := storage.Sub(win, sb.DeltaRegionOffset, sb.DeltaRegionSize)
	table, err := branch.LoadTable(region, sb.DeltaRegionSize, sb.DeltaAllocOffset, records, sb.NextInodeID)
	if err != nil {
		return xerrors.Errorf("rebuilding branch table: %w", err)
	}

	// The delta log bytes land in the mapping as they are appended, but
	// the branch table and superblock counters only live in memory while
	// serving; write them back before the window goes away so forked
	// branches and log sizes survive a clean unmount.
	deltafs.OnShutdown("branch table write-back", func() error {
		return persistTable(win, sb, table)
	})

	var mountBranch *branch.Branch
	if *branchName != "" {
		mountBranch = table.FindByName(*branchName)
		if mountBranch == nil {
			return xerrors.Errorf("no such branch %q", *branchName)
		}
		mountID, err := table.Mount(mountBranch.ID)
		if err != nil {
			return xerrors.Errorf("branch %q: %w", *branchName, err)
		}
		defer table.Unmount(mountID)
	}

	uid, gid := currentIDs()
	fs := vfs.New(table, base, mountBranch, uid, gid)
	server := fs.Server()

	mfs, err := fusepkg.Mount(mountpoint, server, &fusepkg.MountConfig{
		FSName: "deltafs",
		Options: map[string]string{
			"allow_other": "",
		},
		EnableSymlinkCaching:   true,
		EnableNoOpenSupport:    true,
		EnableNoOpendirSupport: true,
	})
	if err != nil {
		return xerrors.Errorf("fuse.Mount: %w", err)
	}

	tempdir, err := os.MkdirTemp("", "deltafs-ctl")
	if err != nil {
		return err
	}
	deltafs.OnShutdown("control socket dir", func() error { return os.RemoveAll(tempdir) })
	sockPath := *ctlPath
	if sockPath == "" {
		sockPath = tempdir + "/ctl"
	}
	var ln net.Listener
	var gs *grpc.Server
	gs, ln, err = branchapi.Listen(sockPath, &branchapi.Server{Table: table})
	if err != nil {
		return err
	}
	deltafs.OnShutdown("control socket", func() error { gs.Stop(); return nil })
	go func() {
		if err := gs.Serve(ln); err != nil {
			log.Printf("branch control socket: %v", err)
		}
	}()

	if err := branchapi.NotifyReady(*readiness, sockPath); err != nil {
		log.Printf("readiness notification: %v", err)
	}

	defer func() {
		if err := fusepkg.Unmount(mountpoint); err != nil {
			fmt.Fprintf(os.Stderr, "fuse.Unmount: %v\n", err)
		}
	}()

	return mfs.Join(ctx)
}

// persistTable writes the live branch table and the superblock's
// counters back into the storage window.
func persistTable(win storage.Window, sb layout.Superblock, table *branch.Table) error {
	records, err := table.Records()
	if err != nil {
		return err
	}
	if len(records) > int(sb.BranchTableCap) {
		return xerrors.Errorf("table grew to %d branches, capacity is %d", len(records), sb.BranchTableCap)
	}
	w := storage.WriterAt{Win: win}
	var active, maxID uint32
	for i, rec := range records {
		if rec.State == layout.BranchActive {
			active++
		}
		if rec.BranchID > maxID {
			maxID = rec.BranchID
		}
		if err := layout.WriteBranchRecord(w, sb.BranchTableOffset, i, rec); err != nil {
			return err
		}
	}
	sb.ActiveBranches = active
	sb.NextBranchID = maxID + 1
	sb.NextInodeID = table.NextInode()
	sb.DeltaAllocOffset = table.RegionOffset()
	if err := layout.WriteSuperblock(w, sb); err != nil {
		return err
	}
	return win.Sync(0, sb.BranchTableOffset+uint64(len(records))*layout.BranchRecordSize)
}

// currentIDs reports the real uid/gid of the invoking user, used to
// stamp every inode's ownership.
func currentIDs() (uid, gid uint32) {
	u, err := user.Current()
	if err != nil {
		return uint32(os.Getuid()), uint32(os.Getgid())
	}
	n, err1 := strconv.ParseUint(u.Uid, 10, 32)
	g, err2 := strconv.ParseUint(u.Gid, 10, 32)
	if err1 != nil || err2 != nil {
		return uint32(os.Getuid()), uint32(os.Getgid())
	}
	return uint32(n), uint32(g)
}
