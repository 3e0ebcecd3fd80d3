// Package distributed - Process groups for collective reductions.
//
// A Group is the minimal collective surface needed by the loss core: every rank
// contributes one scalar and receives the sum over all ranks. The call blocks until
// every rank of the group has called it, so all ranks must reach it.
package distributed

import (
	"context"
	"fmt"
	"sync"
)

// Group is a set of cooperating training processes.
type Group interface {
	// Rank is the index of this process in the group.
	Rank() int
	// Size is the number of processes in the group.
	Size() int
	// AllReduceSum blocks until every rank contributed its value and returns the sum.
	AllReduceSum(ctx context.Context, value float64) (float64, error)
}

// Single returns the group of a process that trains alone.
func Single() Group {
	return single{}
}

type single struct{}

func (single) Rank() int { return 0 }

func (single) Size() int { return 1 }

func (single) AllReduceSum(_ context.Context, value float64) (float64, error) {
	return value, nil
}

// Mean averages value across the group.
//
// Without a group, or with a group of one process, the value is returned
// unchanged and no collective call is made.
//
// Arguments:
//   - ctx: Cancels the blocking collective.
//   - g: The process group, may be nil.
//   - value: This rank's contribution.
//
// Returns:
//   - The mean over all ranks.
//   - An error if the collective failed.
func Mean(ctx context.Context, g Group, value float64) (float64, error) {
	if g == nil || g.Size() <= 1 {
		return value, nil
	}
	sum, err := g.AllReduceSum(ctx, value)
	if err != nil {
		return 0, fmt.Errorf("all-reduce on rank %d/%d: %w", g.Rank(), g.Size(), err)
	}
	return sum / float64(g.Size()), nil
}

// NewLocalGroup creates size ranks that reduce through shared memory.
//
// The ranks are meant to run on separate goroutines, one per simulated process.
//
// Arguments:
//   - size: The number of ranks.
//
// Returns:
//   - One Group per rank, indexed by rank.
func NewLocalGroup(size int) []Group {
	if size < 1 {
		size = 1
	}
	hub := &localHub{size: size}
	hub.current = newRound()

	ranks := make([]Group, size)
	for i := range ranks {
		ranks[i] = &localRank{hub: hub, rank: i}
	}
	return ranks
}

// localHub collects one contribution per rank for each round.
type localHub struct {
	mu      sync.Mutex
	size    int
	current *round
}

type round struct {
	sum     float64
	arrived int
	done    chan struct{}
}

func newRound() *round {
	return &round{done: make(chan struct{})}
}

type localRank struct {
	hub  *localHub
	rank int
}

func (r *localRank) Rank() int { return r.rank }

func (r *localRank) Size() int { return r.hub.size }

func (r *localRank) AllReduceSum(ctx context.Context, value float64) (float64, error) {
	h := r.hub

	h.mu.Lock()
	rd := h.current
	rd.sum += value
	rd.arrived++
	if rd.arrived == h.size {
		// Last rank in: publish the result and open the next round.
		h.current = newRound()
		close(rd.done)
	}
	h.mu.Unlock()

	select {
	case <-rd.done:
		return rd.sum, nil
	case <-ctx.Done():
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if rd != h.current {
		// The round completed while the context was being cancelled.
		return rd.sum, nil
	}
	rd.sum -= value
	rd.arrived--
	return 0, ctx.Err()
}
