package async

import (
	"os"
	"sync"
	"sync/atomic"
)

// SyncCloser is the subset of *os.File required by Fsync. It is also
// satisfied by afero.File implementations.
type SyncCloser interface {
	Sync() error
	Close() error
}

// Sync is an in-flight flush of one open file to stable storage, performed by
// a dedicated helper goroutine so that the blocking syscall overlaps with the
// caller's own work. Poll for completion with a non-blocking select on Done,
// or join with Err. The caller retains responsibility for closing the file
// unless it Detaches.
type Sync struct {
	op        *Op
	file      SyncCloser
	detached  atomic.Bool
	closeOnce sync.Once
}

// Fsync begins an asynchronous Sync of |f| via its Sync method.
func Fsync(f SyncCloser) *Sync {
	var s = &Sync{op: NewOp(), file: f}

	go func() {
		var err = f.Sync()
		// Resolve before inspecting |detached|: a Detach which observes the
		// resolved Op closes the file itself, so every interleaving closes
		// exactly once (closeOnce collapses the overlap).
		s.op.Resolve(err)

		if s.detached.Load() {
			s.close()
		}
	}()
	return s
}

// Fdatasync begins an asynchronous Sync of |f|, using fdatasync where the
// platform offers it and falling back to a full fsync elsewhere.
func Fdatasync(f *os.File) *Sync {
	var s = &Sync{op: NewOp(), file: f}

	go func() {
		var err = fdatasync(f)
		s.op.Resolve(err)

		if s.detached.Load() {
			s.close()
		}
	}()
	return s
}

// Done selects when the sync has completed.
func (s *Sync) Done() <-chan struct{} { return s.op.Done() }

// Err blocks until the sync completes and returns its error.
func (s *Sync) Err() error { return s.op.Err() }

// Resolved returns without blocking whether the sync has completed.
func (s *Sync) Resolved() bool { return s.op.Resolved() }

// Detach abandons the result of the Sync: the helper goroutine is never
// joined, and responsibility for closing the file transfers to it. Used when
// the caller is discarding the file anyway (it may already be unlinked).
func (s *Sync) Detach() {
	s.detached.Store(true)
	if s.op.Resolved() {
		s.close()
	}
}

func (s *Sync) close() {
	s.closeOnce.Do(func() { _ = s.file.Close() })
}
