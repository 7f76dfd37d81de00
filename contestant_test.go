package contest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obek/contest/coord"
	"github.com/obek/contest/coord/coordtest"
)

func TestSingleContestantLeads(t *testing.T) {
	tg := newTestGroup(t, 1)

	leader := tg.awaitLeader(t)
	assert.Equal(t, "contestant-0", leader.Name())
	assert.NotEmpty(t, leader.NodePath())
}

func TestAtMostOneLeader(t *testing.T) {
	tg := newTestGroup(t, 5)

	leader := tg.awaitLeader(t)
	for i := 0; i < 10; i++ {
		leader = tg.rotate(t, leader)
	}
}

func TestRotationVisitsEveryContestant(t *testing.T) {
	tg := newTestGroup(t, 3)

	led := make(map[string]int)
	leader := tg.awaitLeader(t)
	led[leader.Name()]++

	// A relinquishing leader rejoins at the back, so rotation is
	// round-robin in registration order.
	for i := 0; i < 6; i++ {
		leader = tg.rotate(t, leader)
		led[leader.Name()]++
	}

	require.Len(t, led, 3)
	for name, n := range led {
		assert.GreaterOrEqual(t, n, 2, name)
	}
}

func TestSuffixesStrictlyIncrease(t *testing.T) {
	tg := newTestGroup(t, 1)

	leader := tg.awaitLeader(t)
	prev := leader.NodePath()

	for i := 0; i < 3; i++ {
		tg.clock.BlockUntil(1)
		tg.clock.Advance(6 * time.Second)

		require.Eventually(t, func() bool {
			return leader.IsLeader() && leader.NodePath() != prev
		}, 5*time.Second, 2*time.Millisecond)

		// Zero-padded suffixes compare lexicographically.
		next := leader.NodePath()
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestDepartureWakesOnlySuccessor(t *testing.T) {
	tg := newTestGroup(t, 3)

	leader := tg.awaitLeader(t)
	leaderNode := leader.NodePath()

	// Wait for both waiters to register their predecessor watches: the
	// leader's node is watched by its direct successor only, and the third
	// contestant watches the second.
	require.Eventually(t, func() bool {
		total := 0
		for _, c := range tg.group.contestants {
			total += tg.srv.NodeWatchCount(c.NodePath())
		}
		return total == 2
	}, 5*time.Second, 2*time.Millisecond)
	require.Equal(t, 1, tg.srv.NodeWatchCount(leaderNode))

	tg.rotate(t, leader)

	// The departure delivered exactly one notification.
	assert.Equal(t, 1, tg.srv.Delivered(leaderNode))
}

func TestBootstrapIdempotent(t *testing.T) {
	// Two contestants start concurrently against an empty namespace; one of
	// them gets AlreadyExists creating the parent and must treat it as
	// success.
	tg := newTestGroup(t, 2)

	require.Eventually(t, func() bool {
		return len(tg.srv.Children(testParent)) == 2
	}, 5*time.Second, 2*time.Millisecond)
	jtest.RequireNil(t, tg.group.Err())
}

func TestStopRemovesElectionNodes(t *testing.T) {
	tg := newTestGroup(t, 3)

	tg.awaitLeader(t)
	tg.group.Stop()

	// Session teardown removed every ephemeral node.
	assert.Empty(t, tg.srv.Children(testParent))
	assert.Empty(t, leaders(tg.group))

	// Stop is idempotent.
	tg.group.Stop()
}

// lostWatchClient drops the first predecessor watch per client: ExistsWatch
// reports presence truthfully but hands back a channel that closes without
// delivering an event.
type lostWatchClient struct {
	coord.Client

	mu   sync.Mutex
	lost bool
}

func (c *lostWatchClient) ExistsWatch(ctx context.Context, path string) (bool, <-chan coord.NodeEvent, error) {
	c.mu.Lock()
	first := !c.lost
	c.lost = true
	c.mu.Unlock()
	if !first {
		return c.Client.ExistsWatch(ctx, path)
	}
	ok, err := c.Client.Exists(ctx, path)
	if err != nil {
		return false, nil, err
	}
	ch := make(chan coord.NodeEvent)
	close(ch)
	return ok, ch, nil
}

func TestRecheckAfterWatchLost(t *testing.T) {
	srv := coordtest.NewServer()
	fc := clockwork.NewFakeClock()
	connect := func(ctx context.Context) (coord.Client, error) {
		return &lostWatchClient{Client: srv.Connect()}, nil
	}

	g, err := NewContestants(connect, testParent, 2,
		WithClock(fc),
		WithHold(func() time.Duration { return 5 * time.Second }),
	)
	require.NoError(t, err)
	g.Start()
	t.Cleanup(g.Stop)

	tg := &testGroup{srv: srv, clock: fc, group: g}

	// Each contestant's first watch is lost. A waiter left on a dead watch
	// would never notice the leader departing, so rotation only makes
	// progress if a closed-without-delivery channel forces a re-check.
	leader := tg.awaitLeader(t)
	leader = tg.rotate(t, leader)
	tg.rotate(t, leader)
}

// flakyListClient hides all children from listings while hide is set, so a
// contestant cannot find its own registration.
type flakyListClient struct {
	coord.Client

	mu    sync.Mutex
	hide  bool
	calls int
}

func (c *flakyListClient) Children(ctx context.Context, path string) ([]string, error) {
	c.mu.Lock()
	c.calls++
	hide := c.hide
	c.mu.Unlock()
	children, err := c.Client.Children(ctx, path)
	if err != nil {
		return nil, err
	}
	if hide {
		return nil, nil
	}
	return children, nil
}

func (c *flakyListClient) listCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *flakyListClient) reveal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hide = false
}

func TestOwnNodeMissingIsThrottled(t *testing.T) {
	srv := coordtest.NewServer()
	fc := clockwork.NewFakeClock()
	cli := &flakyListClient{Client: srv.Connect(), hide: true}
	connect := func(ctx context.Context) (coord.Client, error) {
		return cli, nil
	}

	g, err := NewContestants(connect, testParent, 1,
		WithClock(fc),
		WithHold(func() time.Duration { return 5 * time.Second }),
	)
	require.NoError(t, err)
	g.Start()
	t.Cleanup(g.Stop)

	// One immediate retry is allowed after a miss; the second consecutive
	// miss parks on the retry interval instead of spinning. The clock only
	// gains a waiter once the contestant parks, and by then exactly two
	// listings have happened.
	fc.BlockUntil(1)
	assert.Equal(t, 2, cli.listCalls())

	cli.reveal()
	fc.Advance(2 * time.Second)

	tg := &testGroup{srv: srv, clock: fc, group: g}
	leader := tg.awaitLeader(t)
	assert.Equal(t, "contestant-0", leader.Name())
}

func TestFatalConnectError(t *testing.T) {
	errConnect := errors.New("connection refused")
	connect := func(context.Context) (coord.Client, error) {
		return nil, errConnect
	}
	g, err := NewContestants(connect, testParent, 1)
	require.NoError(t, err)
	g.Start()
	t.Cleanup(g.Stop)

	require.Eventually(t, func() bool {
		return g.Err() != nil
	}, 5*time.Second, 2*time.Millisecond)
	jtest.Assert(t, errConnect, g.Err())
}
