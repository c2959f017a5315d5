package branchapi

import (
	"context"

	"google.golang.org/grpc"

	"github.com/deltafs/deltafs/internal/branch"
	"github.com/deltafs/deltafs/internal/deltaerr"
)

// Server implements the branch-management control plane against a live
// branch.Table. One Server backs exactly one mounted image.
type Server struct {
	Table *branch.Table
}

// CreateBranch forks a new branch. ParentName "" or "main" resolves to
// the table's root branch.
func (s *Server) CreateBranch(ctx context.Context, req *CreateBranchRequest) (*CreateBranchReply, error) {
	var parent branch.Handle
	if req.ParentName != "" && req.ParentName != "main" {
		p := s.Table.FindByName(req.ParentName)
		if p == nil {
			return nil, deltaerr.NotExist
		}
		parent = p.ID
	} else if root := s.Table.Root(); root != nil {
		parent = root.ID
	}

	capacity := req.Capacity
	if capacity == 0 {
		capacity = defaultBranchCapacity
	}
	b, err := s.Table.Create(req.Name, parent, capacity)
	if err != nil {
		return nil, err
	}
	return &CreateBranchReply{BranchID: uint32(b.ID)}, nil
}

// Commit merges a branch into its parent and invalidates its siblings.
func (s *Server) Commit(ctx context.Context, req *CommitRequest) (*CommitReply, error) {
	if err := s.Table.Commit(branch.Handle(req.BranchID)); err != nil {
		return nil, err
	}
	return &CommitReply{}, nil
}

// Abort discards a branch.
func (s *Server) Abort(ctx context.Context, req *AbortRequest) (*AbortReply, error) {
	if err := s.Table.Abort(branch.Handle(req.BranchID)); err != nil {
		return nil, err
	}
	return &AbortReply{}, nil
}

// Mount binds a new mount to a branch, bumping its refcount.
func (s *Server) Mount(ctx context.Context, req *MountRequest) (*MountReply, error) {
	id, err := s.Table.Mount(branch.Handle(req.BranchID))
	if err != nil {
		return nil, err
	}
	return &MountReply{MountID: id}, nil
}

// Unmount releases a mount previously handed out by Mount.
func (s *Server) Unmount(ctx context.Context, req *UnmountRequest) (*UnmountReply, error) {
	if err := s.Table.Unmount(req.MountID); err != nil {
		return nil, err
	}
	return &UnmountReply{}, nil
}

// List enumerates every branch in the table.
func (s *Server) List(ctx context.Context, req *ListRequest) (*ListReply, error) {
	recs, err := s.Table.Records()
	if err != nil {
		return nil, err
	}
	reply := &ListReply{Branches: make([]BranchInfo, 0, len(recs))}
	for _, r := range recs {
		reply.Branches = append(reply.Branches, BranchInfo{
			BranchID: r.BranchID,
			ParentID: r.ParentID,
			Name:     r.NameString(),
			State:    r.State,
			Refcount: r.Refcount,
			LogUsed:  r.DeltaLogSize,
			LogCap:   r.DeltaLogCapacity,
		})
	}
	return reply, nil
}

// defaultBranchCapacity is used by CreateBranch when the caller (a CLI
// invocation with no -capacity flag) doesn't specify one.
const defaultBranchCapacity = 16 << 20 // 16 MiB

func _BranchAPI_CreateBranch_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CreateBranchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).CreateBranch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/CreateBranch"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).CreateBranch(ctx, req.(*CreateBranchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _BranchAPI_Commit_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CommitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).Commit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Commit"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).Commit(ctx, req.(*CommitRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _BranchAPI_Abort_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AbortRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).Abort(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Abort"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).Abort(ctx, req.(*AbortRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _BranchAPI_Mount_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(MountRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).Mount(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Mount"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).Mount(ctx, req.(*MountRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _BranchAPI_Unmount_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(UnmountRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).Unmount(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Unmount"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).Unmount(ctx, req.(*UnmountRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _BranchAPI_List_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ListRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*Server).List(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/List"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(*Server).List(ctx, req.(*ListRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// serviceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit for a BranchAPI service.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateBranch", Handler: _BranchAPI_CreateBranch_Handler},
		{MethodName: "Commit", Handler: _BranchAPI_Commit_Handler},
		{MethodName: "Abort", Handler: _BranchAPI_Abort_Handler},
		{MethodName: "Mount", Handler: _BranchAPI_Mount_Handler},
		{MethodName: "Unmount", Handler: _BranchAPI_Unmount_Handler},
		{MethodName: "List", Handler: _BranchAPI_List_Handler},
	},
}

// Register registers srv's RPC handlers on gs, using this package's JSON
// codec for the wire format.
func Register(gs *grpc.Server, srv *Server) {
	gs.RegisterService(&serviceDesc, srv)
}
