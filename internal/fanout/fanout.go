// Package fanout applies one operation across a target set with a bounded
// number of concurrent workers, isolating failures per target.
package fanout

import (
	"context"
	"fmt"
	"sync"
)

// Outcome classifications.
const (
	OutcomeUpdated         = "updated"
	OutcomeNoop            = "noop"
	OutcomeStartedPipeline = "started-pipeline"
	OutcomeFailed          = "failed"
)

// Outcome is the per-target result of one fan-out.
type Outcome struct {
	Outcome string
	Err     error
}

// Op processes a single target, identified by its index into the input set.
type Op func(ctx context.Context, i int) (string, error)

// Run applies op to n targets with at most maxParallel running concurrently,
// waits for all of them, and returns one outcome per target in input order.
// A panic or error in one target becomes a failed outcome for that target
// only; siblings are unaffected.
func Run(ctx context.Context, n int, op Op, maxParallel int) []Outcome {
	if maxParallel < 1 {
		maxParallel = 1
	}

	outcomes := make([]Outcome, n)
	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = runOne(ctx, i, op)
		}(i)
	}

	wg.Wait()
	return outcomes
}

func runOne(ctx context.Context, i int, op Op) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Outcome: OutcomeFailed, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	result, err := op(ctx, i)
	if err != nil {
		return Outcome{Outcome: OutcomeFailed, Err: err}
	}
	return Outcome{Outcome: result}
}
