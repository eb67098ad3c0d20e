package scenario

import (
	"context"
	"runtime"
	"sync"
)

// BatchResult is the outcome of one configuration in a batch.
type BatchResult struct {
	Index  int
	Name   string
	Report *Report
	Err    error
}

// RunBatch executes independent scenarios concurrently, at most
// parallelism at a time (GOMAXPROCS when <= 0). Each run has its own
// scheduler and collector. Results are returned in input order; a failed
// run does not stop the others. Routing dumps are written only to files
// no other run in the batch uses.
func RunBatch(ctx context.Context, cfgs []Config, parallelism int, opts ...Option) []BatchResult {
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	paths := make(map[string]int)
	for _, cfg := range cfgs {
		if cfg.RoutingDump != nil {
			paths[cfg.RoutingDump.Path]++
		}
	}
	results := make([]BatchResult, len(cfgs))
	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup

	for i, cfg := range cfgs {
		results[i] = BatchResult{Index: i, Name: cfg.Name}
		// Runs sharing a dump file would interleave their tables.
		if cfg.RoutingDump != nil && paths[cfg.RoutingDump.Path] > 1 {
			cfg = cfg.clone()
			cfg.RoutingDump = nil
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i].Err = ctx.Err()
				return
			}
			defer func() { <-sem }()

			// Shared writers cannot be used by parallel runs.
			runOpts := append(append([]Option(nil), opts...), WithRoutingDumpWriter(nil))
			results[i].Report, results[i].Err = Execute(ctx, cfg, runOpts...)
		}()
	}
	wg.Wait()
	return results
}
