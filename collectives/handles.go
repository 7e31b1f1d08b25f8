package collectives

import "sync"

// Awaitable is a completion gate: a Handle for one in-flight operation or a
// BarrierHandle for a whole request.
type Awaitable interface {
	// Wait blocks until the gate resolves and returns its error, if any.
	Wait() error

	// Resolved reports whether the gate already resolved, without blocking.
	Resolved() bool
}

// Handle is the opaque token for one in-flight asynchronous collective
// operation. It resolves exactly once, successfully or with an error, and
// never changes state afterwards.
type Handle struct {
	name string
	wait chan struct{}

	muResolve sync.Mutex
	err       error
}

// NewHandle returns an unresolved handle. name is the operation name it tracks,
// used in diagnostics.
func NewHandle(name string) *Handle {
	return &Handle{
		name: name,
		wait: make(chan struct{}),
	}
}

// Name of the operation this handle tracks.
func (h *Handle) Name() string { return h.name }

// Resolve marks the operation complete, with err != nil for a failed one.
// Later calls are discarded.
func (h *Handle) Resolve(err error) {
	h.muResolve.Lock()
	defer h.muResolve.Unlock()

	if h.Resolved() {
		// Already resolved, discard.
		return
	}
	h.err = err
	close(h.wait)
}

// Resolved reports whether the operation completed. It implements Awaitable.
func (h *Handle) Resolved() bool {
	select {
	case <-h.wait:
		return true
	default:
		return false
	}
}

// Wait blocks until the operation completes and returns its error, if it
// failed. It implements Awaitable.
func (h *Handle) Wait() error {
	<-h.wait
	return h.err
}

// WaitChan returns the channel closed when the handle resolves, for use in
// select statements.
func (h *Handle) WaitChan() <-chan struct{} {
	return h.wait
}

// BarrierHandle represents "every operation in the set completed". There is
// exactly one per deferred aggregation request, covering all of its handles.
type BarrierHandle struct {
	handles []*Handle
}

// NewBarrier returns a BarrierHandle over the given handles. The set is fixed:
// handles created after this call are not covered.
func NewBarrier(handles []*Handle) *BarrierHandle {
	combined := make([]*Handle, len(handles))
	copy(combined, handles)
	return &BarrierHandle{handles: combined}
}

// Size returns the number of handles the barrier waits on.
func (b *BarrierHandle) Size() int { return len(b.handles) }

// Resolved reports whether every constituent operation completed. It implements
// Awaitable.
func (b *BarrierHandle) Resolved() bool {
	for _, h := range b.handles {
		if !h.Resolved() {
			return false
		}
	}
	return true
}

// Wait blocks until every constituent operation completed. It returns the
// error of the first (by position) failed operation, if any.
func (b *BarrierHandle) Wait() error {
	var firstErr error
	for _, h := range b.handles {
		if err := h.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
