package deltafs

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/xerrors"
)

// A mount assembles its resources in dependency order: the storage window
// first, the FUSE server over it, the branch control socket on top of
// both. Teardown must unwind in the opposite order — stop accepting
// branch RPCs, let the unmount drain, then unmap the window — so hooks
// registered here run last-in, first-out.
var shutdown struct {
	sync.Mutex
	hooks  []hook
	closed uint32
}

type hook struct {
	name string
	fn   func() error
}

// OnShutdown registers a named teardown step to be run by Shutdown.
// Registration order should follow setup order; execution is LIFO.
func OnShutdown(name string, fn func() error) {
	if atomic.LoadUint32(&shutdown.closed) != 0 {
		panic("BUG: OnShutdown called after Shutdown started")
	}
	shutdown.Lock()
	defer shutdown.Unlock()
	shutdown.hooks = append(shutdown.hooks, hook{name: name, fn: fn})
}

// Shutdown runs every registered hook in reverse registration order. A
// failing hook does not stop the ones below it — a control socket that
// errors on close must not leave the storage window mapped — so every
// hook runs and the first error is returned after all have finished.
func Shutdown() error {
	atomic.StoreUint32(&shutdown.closed, 1)
	shutdown.Lock()
	hooks := shutdown.hooks
	shutdown.Unlock()
	var firstErr error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if err := h.fn(); err != nil {
			log.Printf("shutdown %s: %v", h.name, err)
			if firstErr == nil {
				firstErr = xerrors.Errorf("shutdown %s: %w", h.name, err)
			}
		}
	}
	return firstErr
}

// InterruptibleContext returns a context canceled on SIGINT or SIGTERM.
// Cancellation is what unblocks a serving mount (its Join call returns),
// after which the verb unmounts and Shutdown unwinds the rest. The
// signal handler is removed after the first signal, so a second
// interrupt kills the process immediately in case teardown hangs on a
// busy mountpoint.
func InterruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sig
		signal.Stop(sig)
		log.Printf("received %v, shutting down", s)
		canc()
	}()
	return ctx, canc
}
