package metadata

import (
	"context"
	"sync"
)

// State is the readiness of a table or index.
type State int

const (
	// Pending means the availability check has not finished.
	Pending State = iota
	// Ready means the entity can serve queries.
	Ready
	// Failed means the check failed or the entity was closed.
	Failed
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// readiness resolves exactly once. Waiters registered before resolution run
// in registration order, each exactly once, and the resolved state becomes
// visible only after all of them (including ones registered while the batch
// was running) have been invoked.
type readiness struct {
	mu        sync.Mutex
	state     State
	err       error
	resolving bool
	waiters   []func(error)
	done      chan struct{} // closed once the state is settled
	next      *readiness    // successor that took over the waiters
}

func (r *readiness) current() (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.err
}

func (r *readiness) onReady(fn func(error)) {
	r.mu.Lock()
	if r.state == Pending {
		r.waiters = append(r.waiters, fn)
		r.mu.Unlock()
		return
	}
	err := r.err
	r.mu.Unlock()
	fn(err)
}

// resolve reports false if the readiness was already resolved.
func (r *readiness) resolve(err error) bool {
	r.mu.Lock()
	if r.state != Pending || r.resolving {
		r.mu.Unlock()
		return false
	}
	r.resolving = true
	for len(r.waiters) > 0 {
		batch := r.waiters
		r.waiters = nil
		r.mu.Unlock()
		for _, w := range batch {
			w(err)
		}
		r.mu.Lock()
	}
	r.resolving = false
	r.err = err
	if err == nil {
		r.state = Ready
	} else {
		r.state = Failed
	}
	if r.done != nil {
		close(r.done)
	}
	r.mu.Unlock()
	return true
}

// handOff moves the pending waiters to next, ahead of any it already has.
// Blocked wait calls follow the hand-off once r settles.
func (r *readiness) handOff(next *readiness) {
	r.mu.Lock()
	if r.resolving {
		r.mu.Unlock()
		return
	}
	ws := r.waiters
	r.waiters = nil
	r.next = next
	r.mu.Unlock()
	next.adopt(ws)
}

// adopt queues inherited waiters ahead of any registered later.
func (r *readiness) adopt(ws []func(error)) {
	if len(ws) == 0 {
		return
	}
	r.mu.Lock()
	if r.state != Pending {
		err := r.err
		r.mu.Unlock()
		for _, w := range ws {
			w(err)
		}
		return
	}
	r.waiters = append(ws, r.waiters...)
	r.mu.Unlock()
}

// wait blocks until the state is settled or ctx ends.
func (r *readiness) wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		if r.state != Pending {
			next, err := r.next, r.err
			r.mu.Unlock()
			if next != nil {
				r = next
				continue
			}
			return err
		}
		if r.done == nil {
			r.done = make(chan struct{})
		}
		done := r.done
		r.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
