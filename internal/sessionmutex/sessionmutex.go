// Package sessionmutex serializes agent runs against a session key. A
// Mutex is a single-holder, strictly FIFO-queued lock: waiters are
// resumed in insertion order on release, and a run that fails still
// yields the lock to the next waiter (no barging on error).
package sessionmutex

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned by Run when a configured per-run deadline
// expires before the mutex could be acquired and released. The lock is
// forcibly released so queued runs do not starve.
var ErrTimeout = errors.New("sessionmutex: acquire timed out")

// waiter is parked on its own buffered channel and signaled in
// enqueue order on release, giving strict FIFO semantics that a bare
// sync.Mutex (which the Go runtime may hand out unfairly under
// contention) cannot guarantee.
type waiter struct {
	ready chan struct{}
}

// Mutex is a FIFO lock for one session key.
type Mutex struct {
	mu      sync.Mutex
	held    bool
	waiters *list.List // of *waiter
}

// New builds an unheld Mutex.
func New() *Mutex {
	return &Mutex{waiters: list.New()}
}

// Acquire blocks until the lock is free, then takes it. Waiters are
// queued and woken in the order they called Acquire.
func (m *Mutex) Acquire(ctx context.Context) error {
	m.mu.Lock()
	if !m.held {
		m.held = true
		m.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan struct{})}
	elem := m.waiters.PushBack(w)
	m.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		// If we were already woken (channel closed) but the select
		// happened to pick ctx.Done(), still take the lock — it is
		// rightfully ours — to avoid losing it.
		select {
		case <-w.ready:
			m.mu.Unlock()
			return nil
		default:
		}
		m.waiters.Remove(elem)
		m.mu.Unlock()
		return ctx.Err()
	}
}

// Release hands the lock to the next queued waiter, if any, or marks
// the mutex free.
func (m *Mutex) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	front := m.waiters.Front()
	if front == nil {
		m.held = false
		return
	}
	m.waiters.Remove(front)
	w := front.Value.(*waiter)
	close(w.ready)
}

// Run acquires the mutex, invokes fn, and releases on every path
// (including a panic propagating out of fn). If timeout is positive
// and the run — acquire plus fn — does not complete within it, Run
// returns ErrTimeout and the lock is released so the next waiter can
// proceed; fn may still be running in that case, so callers should
// make fn respect ctx cancellation.
func (m *Mutex) Run(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	acquired := make(chan bool, 1)
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(m.Release) }
	go func() {
		if err := m.Acquire(runCtx); err != nil {
			acquired <- false
			done <- err
			return
		}
		acquired <- true
		defer release()
		done <- fn(runCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		if timeout > 0 {
			// Free the lock now even if fn is still running.
			if <-acquired {
				release()
			}
			return ErrTimeout
		}
		return runCtx.Err()
	}
}

// Registry hands out one Mutex per session key, creating it lazily.
type Registry struct {
	mu    sync.Mutex
	mutex map[string]*Mutex
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{mutex: make(map[string]*Mutex)}
}

// For returns the Mutex for sessionID, creating one if needed.
func (r *Registry) For(sessionID string) *Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.mutex[sessionID]; ok {
		return m
	}
	m := New()
	r.mutex[sessionID] = m
	return m
}

// Delete removes a session's mutex from the registry. It does not
// affect a mutex currently held or waited on; callers should only
// delete sessions known to be idle.
func (r *Registry) Delete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mutex, sessionID)
}
