package branchapi

import (
	"net"
	"os"

	"google.golang.org/grpc"

	"golang.org/x/xerrors"
)

// Listen creates the unix-domain control socket at path and registers
// srv on a fresh *grpc.Server, without yet accepting connections.
// Callers start serving with the returned server's Serve method,
// typically in its own goroutine alongside the FUSE event loop.
func Listen(path string, srv *Server) (*grpc.Server, net.Listener, error) {
	os.Remove(path) // a stale socket from a previous unclean shutdown must not block bind
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, nil, xerrors.Errorf("listening on control socket %s: %w", path, err)
	}
	gs := grpc.NewServer()
	Register(gs, srv)
	return gs, ln, nil
}

// NotifyReady communicates the control socket's path to a parent
// process via the file descriptor number fd, if fd >= 0: write the
// value, then close the fd.
func NotifyReady(fd int, path string) error {
	if fd < 0 {
		return nil
	}
	f := os.NewFile(uintptr(fd), "")
	if _, err := f.Write([]byte(path)); err != nil {
		return xerrors.Errorf("writing readiness notification: %w", err)
	}
	return f.Close()
}
