// Command deltafs is the verb-dispatch CLI for the delta-log filesystem:
// mounting an image, managing branches against a running mount's control
// socket, building a base image, and checking an image's on-storage
// structures offline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/deltafs/deltafs"
)

var (
	debug      = flag.Bool("debug", false, "enable debug mode: format error messages with additional detail")
	cpuprofile = flag.String("cpuprofile", "", "path to store a CPU profile at")
	memprofile = flag.String("memprofile", "", "path to store a memory profile at")
)

type cmd struct {
	fn func(ctx context.Context, args []string) error
}

func funcmain() error {
	flag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return err
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	verbs := map[string]cmd{
		"mount":   {cmdMount},
		"branch":  {cmdBranch},
		"mkimage": {cmdMkimage},
		"fsck":    {cmdFsck},
	}

	args := flag.Args()
	verb := "help"
	if len(args) > 0 {
		verb, args = args[0], args[1:]
	}

	if verb == "help" {
		fmt.Fprintln(os.Stderr, "deltafs [-flags] <command> [-flags] <args>")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Commands:")
		fmt.Fprintln(os.Stderr, "\tmount   - mount a deltafs image")
		fmt.Fprintln(os.Stderr, "\tbranch  - fork, commit, abort or list branches on a running mount")
		fmt.Fprintln(os.Stderr, "\tmkimage - build a deltafs storage window from a source directory")
		fmt.Fprintln(os.Stderr, "\tfsck    - check an image's on-storage structures offline")
		os.Exit(2)
	}

	ctx, canc := deltafs.InterruptibleContext()
	defer canc()

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: deltafs <command> [options]\n")
		os.Exit(2)
	}

	verbErr := v.fn(ctx, args)

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			log.Fatal("could not create memory profile: ", err)
		}
		defer f.Close()
		runtime.GC()
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal("could not write memory profile: ", err)
		}
	}

	// Teardown hooks run even when the verb failed: a mount whose serve
	// loop errored still needs its control socket stopped and its window
	// written back and unmapped.
	shutdownErr := deltafs.Shutdown()

	if verbErr != nil {
		if *debug {
			return fmt.Errorf("%s: %+v", verb, verbErr)
		}
		return fmt.Errorf("%s: %v", verb, verbErr)
	}
	return shutdownErr
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
