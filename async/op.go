// Package async implements a minimal operation-future primitive, and
// fire-and-forget fsync helpers built upon it.
package async

// Op represents an operation which is executing in the background. The
// operation has completed when Done selects. Err may be invoked to determine
// whether the operation succeeded or failed.
type Op struct {
	doneCh chan struct{} // Closed to signal operation has completed.
	err    error         // Error on operation completion.
}

// NewOp returns a new, unresolved Op.
func NewOp() *Op { return &Op{doneCh: make(chan struct{})} }

// Done selects when Resolve is called.
func (o *Op) Done() <-chan struct{} { return o.doneCh }

// Err blocks until Resolve is called, then returns its error.
func (o *Op) Err() error {
	<-o.Done()
	return o.err
}

// Resolve marks the Op as completed with the given error.
// It must be called exactly once.
func (o *Op) Resolve(err error) {
	o.err = err
	close(o.doneCh)
}

// Resolved returns without blocking whether the Op has resolved yet.
func (o *Op) Resolved() bool {
	select {
	case <-o.doneCh:
		return true
	default:
		return false
	}
}

// ResolvedOp is a convenience which returns an already-resolved Op.
func ResolvedOp(err error) *Op {
	var op = NewOp()
	op.Resolve(err)
	return op
}
