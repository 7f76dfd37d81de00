package contest

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/obek/contest/coord"
)

type state int

const (
	stateUnregistered state = iota
	stateRegistered
	stateLeader
	stateRelinquishing
	stateTerminated
)

func (s state) String() string {
	switch s {
	case stateUnregistered:
		return "unregistered"
	case stateRegistered:
		return "registered"
	case stateLeader:
		return "leader"
	case stateRelinquishing:
		return "relinquishing"
	case stateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Contestant is one participant in the election. It owns a single session
// with the coordination service and at most one election node at a time.
//
// A contestant cycles between waiting on its immediate predecessor and
// holding leadership. While waiting it has exactly one existence watch
// registered, on the next-smaller election node only, so a departure wakes
// one peer rather than the whole group.
type Contestant struct {
	name    string
	parent  string
	connect Connector
	sched   *scheduler
	options options

	mu       sync.Mutex
	cli      coord.Client
	nodePath string
	state    state

	// watchers tracks the goroutines waiting on one-shot watch delivery.
	watchers sync.WaitGroup
}

func newContestant(name string, connect Connector, parent string, sched *scheduler, o options) *Contestant {
	return &Contestant{
		name:    name,
		parent:  parent,
		connect: connect,
		sched:   sched,
		options: o,
	}
}

// Name returns the contestant's identity.
func (c *Contestant) Name() string {
	return c.name
}

// IsLeader reports whether the contestant held leadership at its last
// leadership check.
func (c *Contestant) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateLeader
}

// NodePath returns the contestant's current election node path, empty until
// it has registered.
func (c *Contestant) NodePath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodePath
}

// run connects, bootstraps the parent node and enters the contest. Only
// connection and bootstrap failures are returned; everything after is
// self-healing.
func (c *Contestant) run(ctx context.Context) error {
	cli, err := c.connect(ctx)
	if err != nil {
		return errors.Wrap(err, "contestant connect", j.KV("contestant", c.name))
	}
	c.mu.Lock()
	c.cli = cli
	c.mu.Unlock()

	_, err = cli.Create(ctx, c.parent, nil, coord.Persistent)
	if errors.Is(err, coord.ErrAlreadyExists) {
		// NoReturnErr: Another contestant created the parent first.
	} else if err != nil {
		return errors.Wrap(err, "create parent node", j.KV("path", c.parent))
	}

	c.contest(ctx)
	return nil
}

// contest registers a fresh election node and checks leadership. Each
// registration is assigned a strictly larger sequence suffix than any
// previous one, so a rejoining contestant goes to the back of the order.
func (c *Contestant) contest(ctx context.Context) {
	for !c.done(ctx) {
		actual, err := c.cli.Create(ctx, c.parent+"/"+c.options.NodePrefix, []byte(c.name), coord.EphemeralSequential)
		if err != nil {
			// NoReturnErr: Benign mid-cycle failure, retry.
			c.options.Log.Error(ctx, errors.Wrap(err, "contest"), j.KV("contestant", c.name))
			if !c.pause(ctx) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.nodePath = actual
		c.state = stateRegistered
		c.mu.Unlock()

		c.options.Log.Info(ctx, "registered election node", j.MKV{
			"contestant": c.name,
			"node":       actual,
		})

		c.checkLeader(ctx)
		return
	}
}

// checkLeader re-reads the current children and either assumes leadership or
// watches its immediate predecessor. It never trusts cached state: every
// invocation is a fresh poll, which closes the gap left by one-shot watch
// delivery.
func (c *Contestant) checkLeader(ctx context.Context) {
	var misses int
	for !c.done(ctx) {
		children, err := c.cli.Children(ctx, c.parent)
		if err != nil {
			// NoReturnErr: Benign mid-cycle failure, retry.
			c.options.Log.Error(ctx, errors.Wrap(err, "list children"), j.KV("contestant", c.name))
			if !c.pause(ctx) {
				return
			}
			continue
		}

		mine := strings.TrimPrefix(c.NodePath(), c.parent+"/")
		idx := sort.SearchStrings(children, mine)
		if idx >= len(children) || children[idx] != mine {
			// Our own node is missing from a fresh listing. We cannot
			// determine a predecessor from this snapshot, so re-list
			// rather than watch a guess. One immediate retry covers a
			// transient listing gap; repeated misses are throttled so a
			// permanently absent node does not turn this into a busy loop.
			misses++
			c.options.Log.Debug(ctx, "own node missing from listing, re-checking", j.MKV{
				"contestant": c.name,
				"misses":     misses,
			})
			if misses > 1 && !c.pause(ctx) {
				return
			}
			continue
		}
		misses = 0

		if idx == 0 {
			c.becomeLeader(ctx)
			return
		}

		pred := c.parent + "/" + children[idx-1]
		ok, events, err := c.cli.ExistsWatch(ctx, pred)
		if err != nil {
			// NoReturnErr: Benign mid-cycle failure, retry.
			c.options.Log.Error(ctx, errors.Wrap(err, "watch predecessor"), j.KV("contestant", c.name))
			if !c.pause(ctx) {
				return
			}
			continue
		}
		if !ok {
			// The predecessor left between listing and watching. Treat as
			// no predecessor and re-run the check from scratch.
			c.options.Log.Debug(ctx, "predecessor vanished, re-checking", j.MKV{
				"contestant":  c.name,
				"predecessor": pred,
			})
			continue
		}

		c.options.Log.Debug(ctx, "watching predecessor", j.MKV{
			"contestant":  c.name,
			"predecessor": pred,
		})
		c.awaitDelivery(ctx, events)
		return
	}
}

// awaitDelivery waits for the one-shot watch to fire and funnels back into
// checkLeader. Any delivery consumes the watch, so every kind of change
// triggers a re-check; the re-check re-arms a watch if one is still needed.
// A channel that closes without delivering means the watch was lost, not
// that the predecessor is still there, so that path re-checks too: the
// contestant must never be left unwatched and un-rechecked.
func (c *Contestant) awaitDelivery(ctx context.Context, events <-chan coord.NodeEvent) {
	c.watchers.Add(1)
	go func() {
		defer c.watchers.Done()
		select {
		case <-events:
			if c.done(ctx) {
				return
			}
			c.checkLeader(ctx)
		case <-ctx.Done():
		}
	}()
}

// becomeLeader takes the leadership flag and schedules voluntary
// relinquishment after the hold interval.
func (c *Contestant) becomeLeader(ctx context.Context) {
	c.mu.Lock()
	c.state = stateLeader
	node := c.nodePath
	c.mu.Unlock()

	leaderGauge.WithLabelValues(c.name).Set(1)
	electionsWon.WithLabelValues(c.name).Inc()
	c.options.Log.Info(ctx, "assumed leadership", j.MKV{
		"contestant": c.name,
		"node":       node,
	})

	c.sched.run(c.relinquish)
}

// relinquish gives up leadership after the hold interval and rejoins the
// contest at the back of the ordering. It runs as its own scheduled task so
// it can race an incoming watch delivery; both paths funnel through
// checkLeader, which reads ground truth.
func (c *Contestant) relinquish(ctx context.Context) {
	hold := c.options.Hold()
	select {
	case <-c.options.Clock.After(hold):
	case <-ctx.Done():
		return
	}

	c.mu.Lock()
	if c.state != stateLeader {
		c.mu.Unlock()
		return
	}
	c.state = stateRelinquishing
	node := c.nodePath
	c.mu.Unlock()

	leaderGauge.WithLabelValues(c.name).Set(0)
	relinquishCounter.WithLabelValues(c.name).Inc()

	err := c.cli.Delete(ctx, node, -1)
	if errors.Is(err, coord.ErrNotFound) {
		// NoReturnErr: Already gone, e.g. via session loss.
	} else if err != nil {
		// NoReturnErr: Log, the node will go with the session if need be.
		c.options.Log.Error(ctx, errors.Wrap(err, "relinquish delete"), j.KV("contestant", c.name))
	}

	c.options.Log.Info(ctx, "relinquished leadership", j.MKV{
		"contestant": c.name,
		"node":       node,
		"held_for":   hold.String(),
	})

	c.contest(ctx)
}

// stop terminates the contestant and closes its session. The service removes
// any still-live election node as part of session teardown. Close failures
// are logged, not returned.
func (c *Contestant) stop(ctx context.Context) {
	c.mu.Lock()
	if c.state == stateTerminated {
		c.mu.Unlock()
		return
	}
	wasLeader := c.state == stateLeader
	c.state = stateTerminated
	cli := c.cli
	c.mu.Unlock()

	if wasLeader {
		leaderGauge.WithLabelValues(c.name).Set(0)
	}
	if cli == nil {
		return
	}
	if err := cli.Close(); err != nil {
		// NoReturnErr: Session teardown failures are non-fatal.
		c.options.Log.Error(ctx, errors.Wrap(err, "close session"), j.KV("contestant", c.name))
	}
}

// done reports whether the contestant should abandon in-flight work.
// Outstanding callbacks after stop become no-ops through this check.
func (c *Contestant) done(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateTerminated
}

// pause waits out the retry interval, returning false if the contestant
// should stop instead of retrying.
func (c *Contestant) pause(ctx context.Context) bool {
	select {
	case <-c.options.Clock.After(c.options.RetryInterval):
		return !c.done(ctx)
	case <-ctx.Done():
		return false
	}
}
