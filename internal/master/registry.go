package master

import (
	"fmt"
	"sync"

	"github.com/duke-git/lancet/v2/slice"
)

// WorkerPhase is a live worker's coarse state. Free and Busy are exclusive
// and exhaustive; the ready and offload-active conditions are refinements
// of Busy tracked as flags on the entry.
type WorkerPhase string

const (
	PhaseFree WorkerPhase = "free"
	PhaseBusy WorkerPhase = "busy"
)

// entry is the master's bookkeeping for one worker.
type entry struct {
	phase WorkerPhase

	// ready means the worker advertised donatable sub-work and has not
	// retracted it.
	ready bool

	// offloadActive means an OFFLOAD request is outstanding to this
	// worker.
	offloadActive bool

	// killedEarly marks surplus workers dismissed during seeding; they
	// leave the live fleet entirely.
	killedEarly bool
}

// Registry tracks worker state on the master. All transitions are O(1)
// bookkeeping plus FIFO order queues that preserve the selection rules:
// offload targets are picked oldest-ready-first, stolen work goes to the
// longest-free worker. Only the coordinator goroutine mutates it; the
// mutex exists for the read-only status snapshot.
type Registry struct {
	mu      sync.RWMutex
	entries map[int]*entry

	freeOrder  []int // FIFO of free workers
	readyOrder []int // FIFO of ready workers

	// activeRank is the one worker with an outstanding OFFLOAD, or -1.
	// At most one steal is in flight fleet-wide.
	activeRank int
}

// WorkerStatus is a point-in-time view of one worker, for logs and the
// status API.
type WorkerStatus struct {
	Rank          int         `json:"rank"`
	Phase         WorkerPhase `json:"phase"`
	Ready         bool        `json:"ready"`
	OffloadActive bool        `json:"offload_active"`
	KilledEarly   bool        `json:"killed_early,omitempty"`
}

// NewRegistry creates a registry over the given worker ranks, all Free.
func NewRegistry(ranks []int) *Registry {
	r := &Registry{
		entries:    make(map[int]*entry, len(ranks)),
		activeRank: -1,
	}
	for _, rank := range ranks {
		r.entries[rank] = &entry{phase: PhaseFree}
		r.freeOrder = append(r.freeOrder, rank)
	}
	return r
}

func (r *Registry) get(rank int) (*entry, error) {
	e, ok := r.entries[rank]
	if !ok {
		return nil, fmt.Errorf("rank %d is not a worker", rank)
	}
	if e.killedEarly {
		return nil, fmt.Errorf("rank %d was dismissed at seeding", rank)
	}
	return e, nil
}

// MarkBusy moves a free worker to Busy (a task was dispatched to it).
func (r *Registry) MarkBusy(rank int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.get(rank)
	if err != nil {
		return err
	}
	if e.phase != PhaseFree {
		return fmt.Errorf("rank %d already busy", rank)
	}
	e.phase = PhaseBusy
	r.freeOrder = slice.Filter(r.freeOrder, func(_ int, v int) bool { return v != rank })
	return nil
}

// MarkFree settles a finished worker: Busy to Free, clearing any ready
// advertisement and, if it was the offload target, the in-flight steal.
func (r *Registry) MarkFree(rank int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.get(rank)
	if err != nil {
		return err
	}
	if e.phase != PhaseBusy {
		return fmt.Errorf("rank %d finished while not busy", rank)
	}
	e.phase = PhaseFree
	e.ready = false
	if e.offloadActive {
		e.offloadActive = false
		r.activeRank = -1
	}
	r.readyOrder = slice.Filter(r.readyOrder, func(_ int, v int) bool { return v != rank })
	if !slice.Contain(r.freeOrder, rank) {
		r.freeOrder = append(r.freeOrder, rank)
	}
	return nil
}

// MarkReady records a READY_TO_OFFLOAD advertisement. Duplicates are
// ignored; the sender may re-advertise after a completed steal.
func (r *Registry) MarkReady(rank int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.get(rank)
	if err != nil {
		return err
	}
	if e.phase != PhaseBusy || e.ready {
		return nil
	}
	e.ready = true
	r.readyOrder = append(r.readyOrder, rank)
	return nil
}

// MarkNotReady retracts a ready advertisement. A retraction for a worker
// that is not currently ready is a no-op.
func (r *Registry) MarkNotReady(rank int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.get(rank)
	if err != nil {
		return err
	}
	if !e.ready {
		return nil
	}
	e.ready = false
	r.readyOrder = slice.Filter(r.readyOrder, func(_ int, v int) bool { return v != rank })
	return nil
}

// KillEarly removes a never-used surplus worker from the live fleet.
func (r *Registry) KillEarly(rank int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.get(rank)
	if err != nil {
		return err
	}
	if e.phase != PhaseFree {
		return fmt.Errorf("rank %d cannot be dismissed while busy", rank)
	}
	e.killedEarly = true
	r.freeOrder = slice.Filter(r.freeOrder, func(_ int, v int) bool { return v != rank })
	return nil
}

// DismissedEarly reports whether the rank was a surplus worker killed at
// seeding.
func (r *Registry) DismissedEarly(rank int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[rank]
	return ok && e.killedEarly
}

// BeginOffload picks the steal target: the oldest ready worker without an
// outstanding request. False when none qualifies or a steal is already in
// flight.
func (r *Registry) BeginOffload() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeRank != -1 {
		return 0, false
	}
	for _, rank := range r.readyOrder {
		e := r.entries[rank]
		if !e.offloadActive {
			e.offloadActive = true
			r.activeRank = rank
			return rank, true
		}
	}
	return 0, false
}

// EndOffload clears the outstanding request after its response arrived.
// The worker stays ready; it is only re-picked once the flag is clear.
func (r *Registry) EndOffload(rank int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.get(rank)
	if err != nil {
		return err
	}
	if !e.offloadActive {
		return fmt.Errorf("rank %d has no outstanding offload", rank)
	}
	e.offloadActive = false
	r.activeRank = -1
	return nil
}

// PopFree claims the longest-free worker and marks it Busy.
func (r *Registry) PopFree() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.freeOrder) == 0 {
		return 0, false
	}
	rank := r.freeOrder[0]
	r.freeOrder = r.freeOrder[1:]
	r.entries[rank].phase = PhaseBusy
	return rank, true
}

// OffloadInFlight reports whether a steal is outstanding.
func (r *Registry) OffloadInFlight() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeRank != -1
}

// LiveRanks returns the workers still in the fleet, ascending.
func (r *Registry) LiveRanks() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []int
	for rank, e := range r.entries {
		if !e.killedEarly {
			out = append(out, rank)
		}
	}
	slice.Sort(out)
	return out
}

// FreeCount returns the number of live free workers.
func (r *Registry) FreeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.freeOrder)
}

// LiveCount returns the number of live workers.
func (r *Registry) LiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if !e.killedEarly {
			n++
		}
	}
	return n
}

// ReadyCount returns the number of live ready workers.
func (r *Registry) ReadyCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.readyOrder)
}

// AllFree reports completed exploration: every live worker is free.
func (r *Registry) AllFree() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	live := 0
	for _, e := range r.entries {
		if !e.killedEarly {
			live++
		}
	}
	return live > 0 && len(r.freeOrder) == live
}

// Snapshot returns every worker's state, ascending by rank.
func (r *Registry) Snapshot() []WorkerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]WorkerStatus, 0, len(r.entries))
	for rank, e := range r.entries {
		out = append(out, WorkerStatus{
			Rank:          rank,
			Phase:         e.phase,
			Ready:         e.ready,
			OffloadActive: e.offloadActive,
			KilledEarly:   e.killedEarly,
		})
	}
	slice.SortBy(out, func(a, b WorkerStatus) bool { return a.Rank < b.Rank })
	return out
}

// CheckInvariants validates the registry's structural invariants. Used by
// tests after every transition.
func (r *Registry) CheckInvariants() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	free, busy, active := 0, 0, 0
	for rank, e := range r.entries {
		if e.killedEarly {
			if slice.Contain(r.freeOrder, rank) || slice.Contain(r.readyOrder, rank) {
				return fmt.Errorf("dismissed rank %d still queued", rank)
			}
			continue
		}
		switch e.phase {
		case PhaseFree:
			free++
			if e.ready || e.offloadActive {
				return fmt.Errorf("free rank %d carries busy-only flags", rank)
			}
			if !slice.Contain(r.freeOrder, rank) {
				return fmt.Errorf("free rank %d missing from free queue", rank)
			}
		case PhaseBusy:
			busy++
			if slice.Contain(r.freeOrder, rank) {
				return fmt.Errorf("busy rank %d present in free queue", rank)
			}
		default:
			return fmt.Errorf("rank %d has unknown phase %q", rank, e.phase)
		}
		if e.ready != slice.Contain(r.readyOrder, rank) {
			return fmt.Errorf("rank %d ready flag and queue disagree", rank)
		}
		if e.offloadActive {
			active++
			if r.activeRank != rank {
				return fmt.Errorf("rank %d active but activeRank=%d", rank, r.activeRank)
			}
		}
	}
	if active > 1 {
		return fmt.Errorf("%d offload requests in flight", active)
	}
	if active == 0 && r.activeRank != -1 {
		return fmt.Errorf("activeRank=%d with no active entry", r.activeRank)
	}
	if len(r.freeOrder) != free {
		return fmt.Errorf("free queue length %d != free count %d", len(r.freeOrder), free)
	}
	return nil
}
