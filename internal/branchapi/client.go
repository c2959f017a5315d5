package branchapi

import (
	"context"

	"google.golang.org/grpc"

	"golang.org/x/xerrors"
)

// Client dials a running mount's control socket and issues the
// branch-management RPCs against it.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the control socket at path (the mount verb's -ctl
// path, or "ctl" inside the temp dir it creates when -ctl is empty).
func Dial(ctx context.Context, path string) (*Client, error) {
	conn, err := grpc.DialContext(ctx, "unix://"+path, grpc.WithBlock(), grpc.WithInsecure())
	if err != nil {
		return nil, xerrors.Errorf("dialing branch control socket %s: %w", path, err)
	}
	return &Client{conn: conn}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) invoke(ctx context.Context, method string, req, reply interface{}) error {
	return c.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, reply, grpc.CallContentSubtype(codecName))
}

// CreateBranch forks a new branch.
func (c *Client) CreateBranch(ctx context.Context, req *CreateBranchRequest) (*CreateBranchReply, error) {
	reply := new(CreateBranchReply)
	if err := c.invoke(ctx, "CreateBranch", req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// Commit merges a branch into its parent.
func (c *Client) Commit(ctx context.Context, req *CommitRequest) (*CommitReply, error) {
	reply := new(CommitReply)
	if err := c.invoke(ctx, "Commit", req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// Abort discards a branch.
func (c *Client) Abort(ctx context.Context, req *AbortRequest) (*AbortReply, error) {
	reply := new(AbortReply)
	if err := c.invoke(ctx, "Abort", req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// Mount binds a new mount to a branch.
func (c *Client) Mount(ctx context.Context, req *MountRequest) (*MountReply, error) {
	reply := new(MountReply)
	if err := c.invoke(ctx, "Mount", req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// Unmount releases a mount previously handed out by Mount.
func (c *Client) Unmount(ctx context.Context, req *UnmountRequest) (*UnmountReply, error) {
	reply := new(UnmountReply)
	if err := c.invoke(ctx, "Unmount", req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// List enumerates the branch table.
func (c *Client) List(ctx context.Context, req *ListRequest) (*ListReply, error) {
	reply := new(ListReply)
	if err := c.invoke(ctx, "List", req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}
