// Package capacity tracks worker processes and routes calls to them by
// load. Routing is sticky per call so reconnects land on the worker that
// already holds the session.
package capacity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNoWorker means every registered worker is full or draining.
var ErrNoWorker = errors.New("no worker available")

// WorkerStatus is a point-in-time view for dashboards and the admin API.
type WorkerStatus struct {
	ID       string `json:"id"`
	Capacity int    `json:"capacity"`
	Load     int    `json:"load"`
	Draining bool   `json:"draining"`
}

type workerState struct {
	id       string
	capacity int
	load     int
	draining bool
	drained  chan struct{}
}

// Router is safe for concurrent use by all sessions in the process.
type Router struct {
	mu          sync.Mutex
	workers     map[string]*workerState
	assignments map[string]string
}

func NewRouter() *Router {
	return &Router{
		workers:     make(map[string]*workerState),
		assignments: make(map[string]string),
	}
}

// Register adds a worker or updates the capacity of an existing one.
// Re-registering clears a draining mark, for workers that come back.
func (r *Router) Register(workerID string, capacity int) error {
	if workerID == "" {
		return fmt.Errorf("worker id is required")
	}
	if capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", capacity)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[workerID]; ok {
		w.capacity = capacity
		w.draining = false
		return nil
	}
	r.workers[workerID] = &workerState{id: workerID, capacity: capacity}
	return nil
}

// Route returns the worker for a call. An existing assignment wins as long
// as its worker is still registered; otherwise the least-loaded worker with
// free capacity takes the call and the load is counted immediately, so two
// concurrent routes cannot double-book the last slot.
func (r *Router) Route(callID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if workerID, ok := r.assignments[callID]; ok {
		if _, alive := r.workers[workerID]; alive {
			return workerID, nil
		}
		delete(r.assignments, callID)
	}

	var candidates []*workerState
	for _, w := range r.workers {
		if w.draining || w.load >= w.capacity {
			continue
		}
		candidates = append(candidates, w)
	}
	if len(candidates) == 0 {
		return "", ErrNoWorker
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].load != candidates[j].load {
			return candidates[i].load < candidates[j].load
		}
		return candidates[i].id < candidates[j].id
	})

	chosen := candidates[0]
	chosen.load++
	r.assignments[callID] = chosen.id
	return chosen.id, nil
}

// Assign pins a call to a specific worker, counting its load. Used when the
// placement is decided elsewhere, such as session handover.
func (r *Router) Assign(callID, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("worker %s not registered", workerID)
	}
	if w.load >= w.capacity {
		return ErrNoWorker
	}
	if prev, ok := r.assignments[callID]; ok && prev == workerID {
		return nil
	}
	w.load++
	r.assignments[callID] = workerID
	return nil
}

// Release drops the call's assignment and decrements its worker's load.
// Releasing an unknown call is a no-op.
func (r *Router) Release(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	workerID, ok := r.assignments[callID]
	if !ok {
		return
	}
	delete(r.assignments, callID)
	w, ok := r.workers[workerID]
	if !ok {
		return
	}
	if w.load > 0 {
		w.load--
	}
	if w.draining && w.load == 0 && w.drained != nil {
		close(w.drained)
		w.drained = nil
	}
}

// Drain marks the worker non-accepting and blocks until its active calls
// reach zero or the context ends. The worker stays registered so sticky
// routes keep resolving while calls wind down.
func (r *Router) Drain(ctx context.Context, workerID string) error {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("worker %s not registered", workerID)
	}
	w.draining = true
	if w.load == 0 {
		r.mu.Unlock()
		return nil
	}
	if w.drained == nil {
		w.drained = make(chan struct{})
	}
	done := w.drained
	r.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deregister removes the worker immediately. The caller is expected to have
// drained it first; any assignments still pointing at it resolve to a fresh
// worker on their next route.
func (r *Router) Deregister(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, workerID)
}

// Snapshot lists workers sorted by id.
func (r *Router) Snapshot() []WorkerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WorkerStatus, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, WorkerStatus{
			ID:       w.id,
			Capacity: w.capacity,
			Load:     w.load,
			Draining: w.draining,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
