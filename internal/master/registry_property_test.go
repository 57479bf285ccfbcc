package master

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"pgregory.net/rapid"

	"symfleet/internal/transport"
)

// TestRegistryConservationProperty checks that free + busy always equals
// the live worker count, for any dispatch/finish interleaving.
func TestRegistryConservationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("free+busy equals live after any dispatch sequence", prop.ForAll(
		func(workers int, ops []bool) bool {
			ranks := transport.WorkerRanks(workers + transport.FirstWorkerRank)
			r := NewRegistry(ranks)
			busy := map[int]bool{}
			for i, dispatch := range ops {
				rank := ranks[i%len(ranks)]
				if dispatch && !busy[rank] {
					if err := r.MarkBusy(rank); err != nil {
						return false
					}
					busy[rank] = true
				} else if !dispatch && busy[rank] {
					if err := r.MarkFree(rank); err != nil {
						return false
					}
					busy[rank] = false
				}
				if err := r.CheckInvariants(); err != nil {
					return false
				}
			}
			busyCount := 0
			for _, b := range busy {
				if b {
					busyCount++
				}
			}
			return r.FreeCount()+busyCount == r.LiveCount()
		},
		gen.IntRange(1, 8),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

// TestRegistryStateMachine drives the registry through random legal
// operation sequences and revalidates every structural invariant after
// each step: exclusive free/busy, ready and offload-active only on busy
// workers, and at most one steal in flight.
func TestRegistryStateMachine(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ranks := []int{2, 3, 4, 5, 6}
		r := NewRegistry(ranks)
		busy := map[int]bool{}
		active := -1

		ops := rapid.IntRange(1, 120).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			rank := rapid.SampledFrom(ranks).Draw(t, "rank")
			switch rapid.IntRange(0, 5).Draw(t, "op") {
			case 0: // dispatch
				if !busy[rank] {
					if err := r.MarkBusy(rank); err != nil {
						t.Fatalf("dispatch %d: %v", rank, err)
					}
					busy[rank] = true
				}
			case 1: // finish
				if busy[rank] {
					if err := r.MarkFree(rank); err != nil {
						t.Fatalf("finish %d: %v", rank, err)
					}
					busy[rank] = false
					if active == rank {
						active = -1
					}
				}
			case 2: // ready advertisement (sender may duplicate)
				if err := r.MarkReady(rank); err != nil {
					t.Fatalf("ready %d: %v", rank, err)
				}
			case 3: // retraction, possibly for a non-ready worker
				if err := r.MarkNotReady(rank); err != nil {
					t.Fatalf("not-ready %d: %v", rank, err)
				}
			case 4: // master considers a steal
				if picked, ok := r.BeginOffload(); ok {
					if active != -1 {
						t.Fatalf("second steal started while %d active", active)
					}
					if !busy[picked] {
						t.Fatalf("steal target %d is not busy", picked)
					}
					active = picked
				}
			case 5: // offload response
				if active != -1 {
					if err := r.EndOffload(active); err != nil {
						t.Fatalf("end offload %d: %v", active, err)
					}
					active = -1
				}
			}
			if err := r.CheckInvariants(); err != nil {
				t.Fatalf("invariant violated after step %d: %v", i, err)
			}
		}
	})
}
