package fabric

import "sync"

// ring is a FIFO queue driving the "first pusher starts the worker,
// everyone else just enqueues" pattern used for per-connection
// request and response pipelining. It is the reconstruction of the
// ringReq/ringResp queues referenced (but not defined) by the
// broker.go this package is adapted from: push reports whether the
// pushed value is the only thing in the queue, in which case the
// caller is responsible for starting a goroutine that drains it via
// dropPeek until the queue is empty.
type ring[T any] struct {
	mu    sync.Mutex
	elems []T
	dead  bool
}

// push appends v. first is true if the queue was empty before the
// push, meaning the caller must start draining. dead is true if the
// queue was already torn down, in which case v was not enqueued and
// the caller must fail it directly.
func (r *ring[T]) push(v T) (first, dead bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dead {
		return false, true
	}
	r.elems = append(r.elems, v)
	return len(r.elems) == 1, false
}

// dropPeek removes the front element (the one the caller just
// finished processing) and returns the new front, if any.
func (r *ring[T]) dropPeek() (v T, more, dead bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.elems) > 0 {
		var zero T
		r.elems[0] = zero // avoid retaining a reference in the backing array
		r.elems = r.elems[1:]
	}
	if len(r.elems) == 0 {
		var zero T
		return zero, false, r.dead
	}
	return r.elems[0], true, r.dead
}

// die marks the queue dead and drains whatever is left, handing each
// dropped element to fail. Without this, an element pushed just
// before a connection dies would sit in elems forever: dropPeek would
// see an empty queue once die has cleared it and the draining
// goroutine would stop, leaving that element's promise never called.
// fail is invoked outside the lock so a blocking promise callback
// can't stall a concurrent push or dropPeek.
func (r *ring[T]) die(fail func(T)) {
	r.mu.Lock()
	elems := r.elems
	r.dead = true
	r.elems = nil
	r.mu.Unlock()
	for _, v := range elems {
		fail(v)
	}
}
