package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"golang.org/x/xerrors"

	"github.com/deltafs/deltafs/internal/branchapi"
)

const branchHelp = `deltafs branch [-flags] <create|commit|abort|list>

Manage branches on a running mount via its control socket.

Examples:
  % deltafs branch -ctl /tmp/deltafs-ctl/ctl create -name feature -parent main
  % deltafs branch -ctl /tmp/deltafs-ctl/ctl commit -id 3
  % deltafs branch -ctl /tmp/deltafs-ctl/ctl abort -id 3
  % deltafs branch -ctl /tmp/deltafs-ctl/ctl list
`

// cmdBranch dials a running mount's control socket and issues one
// branch-management RPC per sub-action.
func cmdBranch(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("branch", flag.ExitOnError)
	ctl := fset.String("ctl", "", "path to the control socket of a running mount")
	fset.Usage = func() {
		fmt.Fprint(os.Stderr, branchHelp)
		fset.PrintDefaults()
	}
	fset.Parse(args)
	if *ctl == "" {
		return xerrors.Errorf("-ctl is required")
	}
	if fset.NArg() < 1 {
		return xerrors.Errorf("syntax: branch -ctl <path> <create|commit|abort|list> [-flags]")
	}
	action, rest := fset.Arg(0), fset.Args()[1:]

	client, err := branchapi.Dial(ctx, *ctl)
	if err != nil {
		return err
	}
	defer client.Close()

	switch action {
	case "create":
		sub := flag.NewFlagSet("branch create", flag.ExitOnError)
		name := sub.String("name", "", "name of the new branch")
		parent := sub.String("parent", "main", "name of the parent branch to fork from")
		capacity := sub.Uint64("capacity", 0, "delta log capacity in bytes (0 uses the server default)")
		sub.Parse(rest)
		if *name == "" {
			return xerrors.Errorf("-name is required")
		}
		reply, err := client.CreateBranch(ctx, &branchapi.CreateBranchRequest{
			Name:       *name,
			ParentName: *parent,
			Capacity:   *capacity,
		})
		if err != nil {
			return err
		}
		fmt.Printf("created branch %d\n", reply.BranchID)

	case "commit":
		sub := flag.NewFlagSet("branch commit", flag.ExitOnError)
		id := sub.Uint("id", 0, "branch id to commit into its parent")
		sub.Parse(rest)
		if _, err := client.Commit(ctx, &branchapi.CommitRequest{BranchID: uint32(*id)}); err != nil {
			return err
		}
		fmt.Printf("committed branch %d\n", *id)

	case "abort":
		sub := flag.NewFlagSet("branch abort", flag.ExitOnError)
		id := sub.Uint("id", 0, "branch id to discard")
		sub.Parse(rest)
		if _, err := client.Abort(ctx, &branchapi.AbortRequest{BranchID: uint32(*id)}); err != nil {
			return err
		}
		fmt.Printf("aborted branch %d\n", *id)

	case "list":
		reply, err := client.List(ctx, &branchapi.ListRequest{})
		if err != nil {
			return err
		}
		fmt.Printf("%-8s %-8s %-16s %-10s %-8s %s\n", "ID", "PARENT", "NAME", "STATE", "REFS", "LOG")
		for _, b := range reply.Branches {
			fmt.Printf("%-8d %-8d %-16s %-10s %-8d %d/%d\n",
				b.BranchID, b.ParentID, b.Name, stateName(b.State), b.Refcount, b.LogUsed, b.LogCap)
		}

	default:
		return xerrors.Errorf("unknown branch action %q", action)
	}
	return nil
}

func stateName(state uint32) string {
	switch state {
	case 0:
		return "FREE"
	case 1:
		return "ACTIVE"
	case 2:
		return "COMMITTED"
	case 3:
		return "ABORTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", state)
	}
}
