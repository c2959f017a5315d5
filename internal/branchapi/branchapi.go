// Package branchapi implements the branch-management control plane: a
// unix-domain-socket gRPC service exposing CreateBranch, Commit, Abort,
// and List against a branch.Table. The request and response types are
// plain structs marshaled by jsoncodec.go's "json" encoding.Codec, so
// the service needs no generated code; the transport (grpc over a unix
// socket, a hand-written grpc.ServiceDesc) behaves exactly as a
// protoc-generated service would.
package branchapi

// CreateBranchRequest is the request for the CreateBranch RPC.
type CreateBranchRequest struct {
	Name       string
	ParentName string
	Capacity   uint64
}

// CreateBranchReply carries the newly forked branch's id.
type CreateBranchReply struct {
	BranchID uint32
}

// CommitRequest is the request for the Commit RPC.
type CommitRequest struct {
	BranchID uint32
}

// CommitReply is empty; a non-nil RPC error signals failure.
type CommitReply struct{}

// AbortRequest is the request for the Abort RPC.
type AbortRequest struct {
	BranchID uint32
}

// AbortReply is empty; a non-nil RPC error signals failure.
type AbortReply struct{}

// MountRequest is the request for the Mount RPC, binding a new mount to
// a branch.
type MountRequest struct {
	BranchID uint32
}

// MountReply carries the mount id to later pass to Unmount.
type MountReply struct {
	MountID uint64
}

// UnmountRequest is the request for the Unmount RPC.
type UnmountRequest struct {
	MountID uint64
}

// UnmountReply is empty; a non-nil RPC error signals failure.
type UnmountReply struct{}

// ListRequest has no fields; List always enumerates the whole table.
type ListRequest struct{}

// BranchInfo is one branch table entry as reported by List.
type BranchInfo struct {
	BranchID uint32
	ParentID uint32
	Name     string
	State    uint32
	Refcount uint32
	LogUsed  uint64
	LogCap   uint64
}

// ListReply enumerates every branch currently in the table.
type ListReply struct {
	Branches []BranchInfo
}

// serviceName is the gRPC service path prefix ("/deltafs.BranchAPI/Method")
// used by both Server.Register and Client's Invoke calls. There is no
// .proto file defining it; it exists purely as the string both ends of
// the wire agree on, the same role a generated *_grpc.pb.go's constant
// would play.
const serviceName = "deltafs.BranchAPI"
