// Package latency drives parallel create, read and delete workloads against
// a coordination namespace and reports percentile statistics on per-call
// elapsed time.
package latency

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"golang.org/x/sync/errgroup"

	"github.com/obek/contest/coord"
)

// Connector establishes a fresh session with the coordination service.
// Each worker owns its own session, so k workers means k concurrent clients.
type Connector func(ctx context.Context) (coord.Client, error)

// Runner shards a path set over parallel workers.
type Runner struct {
	// Connect makes a session per worker.
	Connect Connector

	// Root is the node under which the harness creates its nodes.
	// Empty means the namespace root.
	Root string
}

// Write creates n nodes over k parallel workers, each carrying a random UUID
// payload, and returns the full ordered path list with the timing stats.
func (r Runner) Write(ctx context.Context, k, n int) ([]string, Stats, error) {
	paths := make([]string, 0, n)
	for i := 0; i < n; i++ {
		paths = append(paths, r.Root+"/"+strconv.Itoa(i))
	}

	stats, err := r.timed(ctx, paths, k, func(ctx context.Context, cli coord.Client, path string) error {
		_, err := cli.Create(ctx, path, []byte(uuid.NewString()), coord.Persistent)
		return err
	})
	if err != nil {
		return nil, Stats{}, err
	}
	return paths, stats, nil
}

// Read fetches every path over k parallel workers.
func (r Runner) Read(ctx context.Context, paths []string, k int) (Stats, error) {
	return r.timed(ctx, paths, k, func(ctx context.Context, cli coord.Client, path string) error {
		_, err := cli.Get(ctx, path)
		return err
	})
}

// Delete removes every path over k parallel workers.
func (r Runner) Delete(ctx context.Context, paths []string, k int) (Stats, error) {
	return r.timed(ctx, paths, k, func(ctx context.Context, cli coord.Client, path string) error {
		return cli.Delete(ctx, path, -1)
	})
}

// timed partitions paths into k contiguous shards of ⌊n/k⌋, with the first
// n mod k shards taking one extra, and runs op over each shard on its own
// session, timing every call.
func (r Runner) timed(ctx context.Context, paths []string, k int,
	op func(context.Context, coord.Client, string) error,
) (Stats, error) {
	if k <= 0 {
		return Stats{}, errors.New("worker count must be positive", j.KV("k", k))
	}

	var (
		mu      sync.Mutex
		samples []time.Duration
	)

	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < k; i++ {
		start, end := shard(i, k, len(paths))
		if start == end {
			continue
		}
		batch := paths[start:end]
		eg.Go(func() error {
			cli, err := r.Connect(ctx)
			if err != nil {
				return err
			}
			defer func() {
				_ = cli.Close()
			}()

			taken := make([]time.Duration, 0, len(batch))
			for _, p := range batch {
				t0 := time.Now()
				if err := op(ctx, cli, p); err != nil {
					return errors.Wrap(err, "", j.KV("path", p))
				}
				taken = append(taken, time.Since(t0))
			}

			mu.Lock()
			samples = append(samples, taken...)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return Stats{}, err
	}
	return newStats(samples), nil
}

// shard returns the half-open index range [start, end) for worker i of k
// over n items.
func shard(i, k, n int) (int, int) {
	per, rem := n/k, n%k
	start := i*per + min(i, rem)
	end := start + per
	if i < rem {
		end++
	}
	return start, end
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
