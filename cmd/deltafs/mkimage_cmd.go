package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"golang.org/x/xerrors"

	"github.com/deltafs/deltafs/internal/mkimage"
)

const mkimageHelp = `deltafs mkimage [-flags] <output>

Build a deltafs storage window: a superblock, a branch table seeded with
a single ACTIVE "main" branch, an optional base image populated from
-source, and a zeroed delta region.

Example:
  % deltafs mkimage -source ./rootfs -out image.img
`

func cmdMkimage(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("mkimage", flag.ExitOnError)
	var (
		source   = fset.String("source", "", "directory to populate the base image from; empty builds a bare image")
		out      = fset.String("out", "", "path to write the resulting image to")
		compress = fset.Bool("compress", false, "additionally write <out>.zst, a zstd-compressed archival copy")
		deltaMiB = fset.Uint64("delta-mib", 64, "size in MiB of the delta region beyond the root branch's own capacity")
		rootMiB  = fset.Uint64("root-capacity-mib", 1, "root/main branch's initial delta log capacity, in MiB")
	)
	fset.Usage = func() {
		fmt.Fprint(os.Stderr, mkimageHelp)
		fset.PrintDefaults()
	}
	fset.Parse(args)
	if *out == "" {
		return xerrors.Errorf("-out is required")
	}

	cfg := mkimage.Config{
		SourceDir:       *source,
		OutputPath:      *out,
		Compress:        *compress,
		DeltaRegionSize: *deltaMiB << 20,
		RootCapacity:    *rootMiB << 20,
	}
	if err := mkimage.Build(cfg); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s\n", *out)
	return nil
}
