package contest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/obek/contest/coord"
)

// Connector establishes a fresh session with the coordination service.
// Each contestant owns its own session so that its election node dies with it.
type Connector func(ctx context.Context) (coord.Client, error)

// Contestants owns a fixed group of contestants competing for leadership
// under one parent path, sharing a single bounded scheduler.
type Contestants struct {
	connect Connector
	parent  string
	options options

	sched       *scheduler
	contestants []*Contestant

	mu       sync.Mutex
	started  bool
	firstErr error
}

// NewContestants builds a group of n contestants under parentPath.
// Construction validates the configuration; Start launches the group.
func NewContestants(connect Connector, parentPath string, n int, opts ...Option) (*Contestants, error) {
	if connect == nil {
		return nil, errors.New("connector is required")
	}
	if n <= 0 {
		return nil, errors.New("contestant count must be positive", j.KV("n", n))
	}
	if !strings.HasPrefix(parentPath, "/") || strings.HasSuffix(parentPath, "/") {
		return nil, errors.New("invalid parent path", j.KV("path", parentPath))
	}

	o := buildOptions(opts)
	slots := o.SchedulerSlots
	if slots == 0 {
		slots = 2 * n
	}
	if slots < n {
		return nil, errors.New("scheduler slots below contestant count", j.MKV{
			"slots": slots, "n": n,
		})
	}

	g := &Contestants{
		connect: connect,
		parent:  parentPath,
		options: o,
		sched:   newScheduler(slots),
	}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("contestant-%d", i)
		g.contestants = append(g.contestants, newContestant(name, connect, parentPath, g.sched, o))
	}
	return g, nil
}

// Start submits every contestant to the scheduler and returns without
// waiting. Fatal startup failures of individual contestants are logged and
// recorded, see Err.
func (g *Contestants) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return
	}
	g.started = true

	for _, c := range g.contestants {
		c := c
		g.sched.run(func(ctx context.Context) {
			err := c.run(ctx)
			if err != nil && !errors.IsAny(err, context.Canceled) {
				// NoReturnErr: A failed contestant aborts alone; record
				// and log for the group owner.
				g.noteErr(err)
				g.options.Log.Error(ctx, errors.Wrap(err, "contestant failed"), j.KV("contestant", c.Name()))
			}
		})
	}
}

// Stop signals every contestant to stop, closing their sessions, then shuts
// the scheduler down, draining outstanding relinquish and rejoin tasks.
// Safe to call concurrently with in-flight leadership checks.
func (g *Contestants) Stop() {
	ctx := context.Background()
	g.options.Log.Debug(ctx, "stopping contestants")
	for _, c := range g.contestants {
		c.stop(ctx)
	}
	g.sched.shutdown()
	for _, c := range g.contestants {
		c.watchers.Wait()
	}
	g.options.Log.Debug(ctx, "stopped contestants")
}

// Err returns the first fatal contestant startup error, if any.
func (g *Contestants) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.firstErr
}

// Leader returns the name of the contestant currently holding leadership,
// or false if none of this group's contestants is leader.
func (g *Contestants) Leader() (string, bool) {
	for _, c := range g.contestants {
		if c.IsLeader() {
			return c.Name(), true
		}
	}
	return "", false
}

func (g *Contestants) noteErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.firstErr == nil {
		g.firstErr = err
	}
}
